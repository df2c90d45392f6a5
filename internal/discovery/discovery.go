// Package discovery finds additional candidate product pages for a query by
// scraping the first result page of a general-purpose search engine.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmeta/internal/extract"
	"github.com/JakeFAU/bookmeta/internal/lookup"
)

const (
	// DefaultSearchURL queries DuckDuckGo's HTML endpoint.
	DefaultSearchURL = "https://html.duckduckgo.com/html/?q={query}"
	// DefaultResultSelector matches result anchors on DuckDuckGo's HTML page.
	DefaultResultSelector = "a.result__a"
	defaultLimit          = 2
)

// ErrSearchFailed wraps any failure to fetch or parse the result page.
var ErrSearchFailed = errors.New("search failed")

// Config controls a Searcher.
type Config struct {
	// SearchURL must contain {query}.
	SearchURL      string
	ResultSelector string
	Limit          int
	// MaxTitleDistance rejects results whose fuzzy title distance exceeds
	// it. Zero accepts any fuzzy match.
	MaxTitleDistance int
}

// Searcher implements lookup.Searcher.
type Searcher struct {
	cfg     Config
	domain  string
	links   *regexp.Regexp
	fetcher lookup.Fetcher
	logger  *zap.Logger
}

var _ lookup.Searcher = (*Searcher)(nil)

// New builds a Searcher restricted to the profile's domain and product links.
func New(cfg Config, profile extract.Profile, fetcher lookup.Fetcher, logger *zap.Logger) (*Searcher, error) {
	if fetcher == nil {
		return nil, errors.New("discovery: fetcher is required")
	}
	if cfg.SearchURL == "" {
		cfg.SearchURL = DefaultSearchURL
	}
	if !strings.Contains(cfg.SearchURL, "{query}") {
		return nil, fmt.Errorf("discovery: search url %q lacks {query}", cfg.SearchURL)
	}
	if cfg.ResultSelector == "" {
		cfg.ResultSelector = DefaultResultSelector
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	links, err := profile.ProductLinkMatcher()
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{
		cfg:     cfg,
		domain:  strings.ToLower(profile.Domain),
		links:   links,
		fetcher: fetcher,
		logger:  logger.Named("discovery"),
	}, nil
}

// Discover issues one search request and returns up to Limit product URLs
// in result order.
func (s *Searcher) Discover(ctx context.Context, query lookup.Query, timeout time.Duration) ([]string, error) {
	terms := searchTerms(query)
	if terms == "" {
		return nil, nil
	}
	if s.domain != "" {
		terms += " site:" + s.domain
	}
	searchURL := strings.ReplaceAll(s.cfg.SearchURL, "{query}", url.QueryEscape(terms))

	res := s.fetcher.Fetch(ctx, lookup.FetchRequest{URL: searchURL, Timeout: timeout})
	if !res.OK() {
		return nil, fmt.Errorf("%w: %w", ErrSearchFailed, res.Err())
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse results: %w", ErrSearchFailed, err)
	}

	urls := s.collect(doc, strings.TrimSpace(query.Title))
	s.logger.Debug("search results",
		zap.String("terms", terms),
		zap.Int("kept", len(urls)),
	)
	return urls, nil
}

func (s *Searcher) collect(doc *goquery.Document, title string) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find(s.cfg.ResultSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		link, ok := unwrap(href)
		if !ok || !s.accepts(link) {
			return true
		}
		if title != "" && !s.titleMatches(title, sel.Text(), link) {
			return true
		}
		if _, dup := seen[link]; dup {
			return true
		}
		seen[link] = struct{}{}
		out = append(out, link)
		return len(out) < s.cfg.Limit
	})
	return out
}

func (s *Searcher) accepts(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if s.domain != "" && host != s.domain && !strings.HasSuffix(host, "."+s.domain) {
		return false
	}
	return s.links == nil || s.links.MatchString(link)
}

// titleMatches compares the query title against the anchor text and the
// URL slug, since result titles are often truncated.
func (s *Searcher) titleMatches(title, anchor, link string) bool {
	best := -1
	for _, target := range []string{anchor, slug(link)} {
		d := fuzzy.RankMatchNormalizedFold(title, target)
		if d >= 0 && (best < 0 || d < best) {
			best = d
		}
	}
	if best < 0 {
		return false
	}
	return s.cfg.MaxTitleDistance <= 0 || best <= s.cfg.MaxTitleDistance
}

// unwrap resolves search-engine redirect links to their target.
func unwrap(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if target := u.Query().Get("uddg"); target != "" {
		u, err = url.Parse(target)
		if err != nil {
			return "", false
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment, u.RawFragment = "", ""
	return u.String(), true
}

func slug(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	last := u.Path[strings.LastIndex(u.Path, "/")+1:]
	return strings.NewReplacer("-", " ", "_", " ").Replace(last)
}

func searchTerms(query lookup.Query) string {
	parts := make([]string, 0, 1+len(query.Authors))
	if t := strings.TrimSpace(query.Title); t != "" {
		parts = append(parts, t)
	}
	for _, a := range query.Authors {
		if a = strings.TrimSpace(a); a != "" {
			parts = append(parts, a)
		}
	}
	return strings.Join(parts, " ")
}
