package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/dispatcher"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/metrics"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/tier"
)

type crawlFlags struct {
	keyword  string
	tier     string
	accounts int
	posts    int
	pages    int
	workers  int
	progress bool
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one keyword crawl",
		Long: `Collects post links for a keyword, processes them until the account target
is reached or the candidates run out, then flushes the final batch and writes
the performance metrics file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.keyword, "keyword", "k", "", "search keyword (required)")
	f.StringVar(&flags.tier, "tier", "", "subscription tier (defaults to crawler.tier)")
	f.IntVar(&flags.accounts, "accounts", 0, "accounts to collect; 0 takes the tier limit")
	f.IntVar(&flags.posts, "posts", 0, "candidate posts to consider; 0 takes the tier limit")
	f.IntVar(&flags.pages, "pages", 0, "search result pages to walk; 0 takes the tier limit")
	f.IntVar(&flags.workers, "workers", 0, "worker pool width; 0 takes crawler.workers")
	f.BoolVar(&flags.progress, "progress", false, "show a progress bar")
	_ = cmd.MarkFlagRequired("keyword")
	return cmd
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	cfg := appInstance.Config()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer serveMetrics(ctx, cfg.Metrics.Addr, logger)()

	crawl, err := appInstance.NewCrawl(ctx)
	if err != nil {
		return fmt.Errorf("build crawl: %w", err)
	}
	defer crawl.Close()

	tierName := flags.tier
	if tierName == "" {
		tierName = cfg.Crawler.Tier
	}
	req := dispatcher.Request{
		Keyword: flags.keyword,
		Tier:    tierName,
		Limits: crawler.Limits{
			MaxEntities:  flags.accounts,
			MaxItems:     flags.posts,
			MaxPageBound: flags.pages,
		},
		Workers: flags.workers,
	}
	if flags.progress {
		req.Progress = newProgress(cmd.ErrOrStderr())
	}

	res, err := crawl.Run(ctx, req)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	printResult(cmd.OutOrStdout(), res)
	if res.Restricted {
		if s, ok := appInstance.Tiers().Suggest(tierName, flags.accounts, flags.pages); ok {
			printSuggestion(cmd.OutOrStdout(), s)
		}
	}
	return nil
}

// serveMetrics runs the metrics endpoint until ctx ends or the returned stop
// func is called.
func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) func() {
	metricsCtx, stop := context.WithCancel(ctx)
	go func() {
		if err := metrics.NewServer(addr, logger).Start(metricsCtx); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return stop
}

func newProgress(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("posts"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func printSuggestion(w io.Writer, s tier.Suggestion) {
	fmt.Fprintf(w, "upgrade to %s %s (%d accounts, %d posts, %d pages)\n",
		s.Tier, s.Reason, s.Limits.MaxEntities, s.Limits.MaxItems, s.Limits.MaxPageBound)
}

func printResult(w io.Writer, res dispatcher.Result) {
	s := res.Summary
	fmt.Fprintf(w, "run %s: %s\n", res.RunID, s.Status)
	if res.Restricted {
		fmt.Fprintf(w, "requested limits exceed tier %q; clamped to %d accounts, %d posts, %d pages\n",
			s.Tier, res.Limits.MaxEntities, res.Limits.MaxItems, res.Limits.MaxPageBound)
	}
	fmt.Fprintf(w, "candidates %d, accepted %d (%d accounts), skipped %d, failed %d\n",
		res.Candidates, len(res.Items), s.UniqueEntities, res.Skipped, res.Failed)
	fmt.Fprintf(w, "success rate %.2f%%, final delay %s, breaker %s\n",
		res.Report.SuccessRate, res.FinalDelay, res.Breaker.State)
	if res.MetricsURI != "" {
		fmt.Fprintf(w, "metrics written to %s\n", res.MetricsURI)
	}
}
