package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/collector"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/dispatcher"
)

type userFlags struct {
	username string
	tier     string
	posts    int
	workers  int
	progress bool
}

func newUserCmd() *cobra.Command {
	var flags userFlags
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Crawls the recent posts of one profile",
		Long: `Reads a profile page, reports the contact details in its bio, then processes
the posts it links through the same pipeline as a keyword crawl, two at a time
and at a slower pace. Missing, private and rate-limited profiles are reported
as errors.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUser(cmd, flags)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.username, "username", "u", "", "profile to crawl, with or without @ (required)")
	f.StringVar(&flags.tier, "tier", "", "subscription tier (defaults to crawler.tier)")
	f.IntVar(&flags.posts, "posts", 10, "posts to process; capped by the tier's user post limit")
	f.IntVar(&flags.workers, "workers", 0, "worker pool width; 0 takes profile.workers")
	f.BoolVar(&flags.progress, "progress", false, "show a progress bar")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func runUser(cmd *cobra.Command, flags userFlags) error {
	username := collector.CleanUsername(flags.username)
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer serveMetrics(ctx, cfg.Metrics.Addr, appInstance.Logger())()

	crawl, err := appInstance.NewProfileCrawl(ctx)
	if err != nil {
		return fmt.Errorf("build profile crawl: %w", err)
	}
	defer crawl.Close()

	tierName := flags.tier
	if tierName == "" {
		tierName = cfg.Crawler.Tier
	}
	req := dispatcher.Request{
		Keyword: username,
		Tier:    tierName,
		Limits:  crawler.Limits{MaxEntities: flags.posts, MaxItems: flags.posts},
		Workers: flags.workers,
	}
	if flags.progress {
		req.Progress = newProgress(cmd.ErrOrStderr())
	}

	res, err := crawl.Run(ctx, req)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if res.CollectErr != nil {
		return fmt.Errorf("profile @%s: %w", username, profileError(res.CollectErr))
	}
	printProfile(cmd.OutOrStdout(), crawl.Profile.Last())
	printResult(cmd.OutOrStdout(), res)
	return nil
}

// profileError keeps the error kind and swaps the wrapped detail for a
// sentence a user can act on.
func profileError(err error) error {
	switch {
	case errors.Is(err, crawler.ErrProfileNotFound):
		return fmt.Errorf("%w: check the spelling", crawler.ErrProfileNotFound)
	case errors.Is(err, crawler.ErrProfilePrivate):
		return fmt.Errorf("%w: only public profiles can be crawled", crawler.ErrProfilePrivate)
	case errors.Is(err, crawler.ErrBlocked):
		return fmt.Errorf("%w: try again in a few minutes", crawler.ErrBlocked)
	}
	return err
}

func printProfile(w io.Writer, info collector.ProfileInfo) {
	fmt.Fprintf(w, "profile @%s (%s)\n", info.Username, info.URL)
	if info.Bio != "" {
		fmt.Fprintf(w, "bio: %s\n", info.Bio)
	}
	if len(info.BioEmails) > 0 {
		fmt.Fprintf(w, "bio emails: %s\n", strings.Join(info.BioEmails, ", "))
	}
	if len(info.BioPhones) > 0 {
		fmt.Fprintf(w, "bio phones: %s\n", strings.Join(info.BioPhones, ", "))
	}
	fmt.Fprintf(w, "posts linked: %d\n", len(info.Posts))
}
