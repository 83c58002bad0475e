// Package collector discovers candidate post URLs, either through a search
// results page or from a single profile page.
package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
)

const (
	defaultSearchBase = "https://www.google.com/search"
	defaultSite       = "instagram.com"
	resultsPerPage    = 10
)

// Config controls query construction.
type Config struct {
	SearchBase string
	Site       string
}

// Search implements crawler.LinkCollector over a search engine results page.
type Search struct {
	cfg     Config
	fetcher crawler.Fetcher
	logger  *zap.Logger
}

// NewSearch builds a collector that fetches result pages with fetcher.
func NewSearch(cfg Config, fetcher crawler.Fetcher, logger *zap.Logger) (*Search, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("collector: fetcher is required")
	}
	if cfg.SearchBase == "" {
		cfg.SearchBase = defaultSearchBase
	}
	if cfg.Site == "" {
		cfg.Site = defaultSite
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Search{cfg: cfg, fetcher: fetcher, logger: logger.Named("collector")}, nil
}

// SearchURL returns the results URL for the zero-based page.
func (s *Search) SearchURL(keyword string, page int) string {
	terms := strings.Fields(keyword)
	for i, term := range terms {
		terms[i] = url.QueryEscape(term)
	}
	query := "site:" + s.cfg.Site + "+" + strings.Join(terms, "+")
	return fmt.Sprintf("%s?q=%s&start=%d", s.cfg.SearchBase, query, page*resultsPerPage)
}

// Collect walks pageBound result pages and returns post links in discovery
// order without duplicates. A failing page is logged and skipped; an error is
// returned only when every page failed.
func (s *Search) Collect(ctx context.Context, keyword string, pageBound int) ([]crawler.FetchTarget, error) {
	if strings.TrimSpace(keyword) == "" {
		return nil, fmt.Errorf("collector: keyword is required")
	}
	pageBound = max(pageBound, 1)

	seen := make(map[string]struct{})
	var (
		out  []crawler.FetchTarget
		errs []error
	)
	for page := range pageBound {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("collect links: %w", err)
		}
		searchURL := s.SearchURL(keyword, page)
		resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: searchURL})
		if err == nil && resp.StatusCode >= 400 {
			err = fmt.Errorf("%w: status %d", crawler.ErrFetch, resp.StatusCode)
		}
		if err != nil {
			s.logger.Warn("search page failed", zap.Int("page", page+1), zap.String("url", searchURL), zap.Error(err))
			errs = append(errs, err)
			continue
		}

		links, err := s.extractLinks(resp.Body)
		if err != nil {
			s.logger.Warn("search page unparseable", zap.Int("page", page+1), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		added := 0
		for _, link := range links {
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			out = append(out, crawler.FetchTarget(link))
			added++
		}
		s.logger.Info("search page collected",
			zap.Int("page", page+1),
			zap.Int("new_links", added),
			zap.Int("total", len(out)))
	}

	if len(errs) == pageBound {
		return nil, fmt.Errorf("collect links: %w", errors.Join(errs...))
	}
	return out, nil
}

func (s *Search) extractLinks(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse results: %w", err)
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if link, ok := s.postLink(href); ok {
			links = append(links, link)
		}
	})
	return links, nil
}

// postLink unwraps redirect links and keeps absolute post or reel URLs.
func (s *Search) postLink(href string) (string, bool) {
	if strings.HasPrefix(href, "/url?") {
		u, err := url.Parse(href)
		if err != nil {
			return "", false
		}
		href = u.Query().Get("q")
	}
	if !strings.HasPrefix(href, "http") {
		return "", false
	}
	if !strings.Contains(href, s.cfg.Site+"/p/") && !strings.Contains(href, s.cfg.Site+"/reel/") {
		return "", false
	}
	normalized, err := crawler.NormalizeURL(href)
	if err != nil {
		return "", false
	}
	return normalized, true
}
