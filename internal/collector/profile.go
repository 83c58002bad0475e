package collector

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
	"github.com/Chitransh6827/INSTA-CRAWLER/internal/extract"
)

const (
	defaultProfileBase = "https://www.instagram.com"
	minBioLength       = 20
)

var (
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9._]{1,30}$`)

	notFoundMarkers = []string{"Page Not Found", "This page isn't available", "Sorry, this page isn't available"}
	privateMarkers  = []string{"This Account is Private", "This account is private"}
	blockedMarkers  = []string{"Try again later", "Please wait a few minutes"}
)

// ProfileInfo is what a profile page says about its owner.
type ProfileInfo struct {
	Username  string                `json:"username"`
	URL       string                `json:"profile_url"`
	Bio       string                `json:"bio"`
	BioEmails []string              `json:"bio_emails"`
	BioPhones []string              `json:"bio_phones"`
	Posts     []crawler.FetchTarget `json:"-"`
}

// Profile implements crawler.LinkCollector for a single account: the keyword
// is a username and the candidates are the posts linked from its profile page.
type Profile struct {
	base    string
	fetcher crawler.Fetcher
	logger  *zap.Logger

	mu   sync.Mutex
	last ProfileInfo
}

// NewProfile builds a collector that reads profile pages under base, the
// site root. An empty base means instagram.com.
func NewProfile(base string, fetcher crawler.Fetcher, logger *zap.Logger) (*Profile, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("collector: fetcher is required")
	}
	if base == "" {
		base = defaultProfileBase
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("collector: parse profile base: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Profile{
		base:    strings.TrimRight(base, "/"),
		fetcher: fetcher,
		logger:  logger.Named("profile"),
	}, nil
}

// CleanUsername strips a leading @ and surrounding space.
func CleanUsername(username string) string {
	return strings.TrimPrefix(strings.TrimSpace(username), "@")
}

// ProfileURL returns the profile page for username.
func (p *Profile) ProfileURL(username string) string {
	return p.base + "/" + CleanUsername(username) + "/"
}

// Collect fetches the profile page and returns its post links in page order.
// pageBound is ignored: a profile is a single page.
func (p *Profile) Collect(ctx context.Context, username string, _ int) ([]crawler.FetchTarget, error) {
	info, err := p.Lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	return info.Posts, nil
}

// Lookup fetches and parses the profile page. Missing, private and blocked
// pages come back as ErrProfileNotFound, ErrProfilePrivate and ErrBlocked.
func (p *Profile) Lookup(ctx context.Context, username string) (ProfileInfo, error) {
	name := CleanUsername(username)
	if !usernameRe.MatchString(name) {
		return ProfileInfo{}, fmt.Errorf("collector: invalid username %q", username)
	}
	profileURL := p.ProfileURL(name)
	p.logger.Info("fetching profile", zap.String("username", name), zap.String("url", profileURL))

	resp, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{URL: profileURL})
	if err != nil {
		return ProfileInfo{}, fmt.Errorf("fetch profile %s: %w", name, err)
	}
	if resp.StatusCode == 404 {
		return ProfileInfo{}, fmt.Errorf("profile @%s: %w", name, crawler.ErrProfileNotFound)
	}
	if resp.StatusCode == 429 {
		return ProfileInfo{}, fmt.Errorf("profile @%s: %w", name, crawler.ErrBlocked)
	}
	if resp.StatusCode >= 400 {
		return ProfileInfo{}, fmt.Errorf("profile @%s: %w: status %d", name, crawler.ErrFetch, resp.StatusCode)
	}

	page := string(resp.Body)
	switch {
	case containsAny(page, notFoundMarkers):
		return ProfileInfo{}, fmt.Errorf("profile @%s: %w", name, crawler.ErrProfileNotFound)
	case containsAny(page, privateMarkers):
		return ProfileInfo{}, fmt.Errorf("profile @%s: %w", name, crawler.ErrProfilePrivate)
	case containsAny(page, blockedMarkers):
		return ProfileInfo{}, fmt.Errorf("profile @%s: %w", name, crawler.ErrBlocked)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return ProfileInfo{}, fmt.Errorf("parse profile %s: %w", name, err)
	}
	info := ProfileInfo{
		Username: name,
		URL:      profileURL,
		Bio:      bio(doc),
		Posts:    p.postLinks(doc),
	}
	info.BioEmails, info.BioPhones = extract.Contacts(info.Bio)

	p.mu.Lock()
	p.last = info
	p.mu.Unlock()

	p.logger.Info("profile collected",
		zap.String("username", name),
		zap.Int("posts", len(info.Posts)),
		zap.Int("bio_emails", len(info.BioEmails)),
		zap.Int("bio_phones", len(info.BioPhones)))
	return info, nil
}

// Last returns the most recent successful lookup.
func (p *Profile) Last() ProfileInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// bio is the first auto-direction span long enough to be prose and not a
// handle.
func bio(doc *goquery.Document) string {
	var out string
	doc.Find(`span[dir="auto"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if len(text) > minBioLength && !strings.HasPrefix(text, "@") {
			out = text
			return false
		}
		return true
	})
	return out
}

// postLinks resolves relative /p/ and /reel/ links against the site root,
// drops their query and skips repeats.
func (p *Profile) postLinks(doc *goquery.Document) []crawler.FetchTarget {
	seen := make(map[string]struct{})
	var out []crawler.FetchTarget
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !strings.Contains(href, "/p/") && !strings.Contains(href, "/reel/") {
			return
		}
		if i := strings.IndexByte(href, '?'); i >= 0 {
			href = href[:i]
		}
		if strings.HasPrefix(href, "/") {
			href = p.base + href
		}
		normalized, err := crawler.NormalizeURL(href)
		if err != nil {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		out = append(out, crawler.FetchTarget(normalized))
	})
	return out
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
