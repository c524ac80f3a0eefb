package crawlability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"

	"shopcrawl/pkg/parse"
)

const (
	maxSitemapFiles = 10
	maxBodyBytes    = 10 << 20
)

// Analyzer fetches and interprets robots.txt and sitemaps for a host,
// producing a cached Profile per host.
type Analyzer struct {
	client    *http.Client
	userAgent string
	log       *logrus.Entry

	mu    sync.Mutex
	cache map[string]*Profile
}

// NewAnalyzer creates an Analyzer. A nil client falls back to a default
// with a 15s timeout.
func NewAnalyzer(client *http.Client, userAgent string, log *logrus.Entry) *Analyzer {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Analyzer{
		client:    client,
		userAgent: userAgent,
		log:       log,
		cache:     make(map[string]*Profile),
	}
}

// Analyze returns the crawlability profile for a host, fetching
// robots.txt and declared sitemaps on first use. The scheme comes from
// the URL that led to the host, so http-only sites are not fetched over
// https. Results are cached for the lifetime of the analyzer.
func (a *Analyzer) Analyze(ctx context.Context, scheme, host string) (*Profile, error) {
	a.mu.Lock()
	if cached, ok := a.cache[host]; ok {
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	hostLog := a.log.WithField("host", host)
	profile, err := a.build(ctx, scheme, host, hostLog)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache[host] = profile
	a.mu.Unlock()
	return profile, nil
}

func (a *Analyzer) build(ctx context.Context, scheme, host string, hostLog *logrus.Entry) (*Profile, error) {
	robotsURL := (&url.URL{Scheme: scheme, Host: host, Path: "/robots.txt"}).String()
	hostLog.WithField("robots_url", robotsURL).Info("Fetching robots.txt")

	status, body, err := a.get(ctx, robotsURL)
	if err != nil {
		return nil, fmt.Errorf("fetching robots.txt for %s: %w", host, err)
	}

	profile := &Profile{Host: host, FetchedAt: time.Now()}

	data, parseErr := robotstxt.FromStatusAndBytes(status, body)
	if parseErr != nil {
		hostLog.Warnf("Unparseable robots.txt, treating host as fully open: %v", parseErr)
		profile.Score = 1.0
		return profile, nil
	}

	if status >= 200 && status < 300 {
		allowed, disallowed := collectRules(string(body), a.userAgent)
		profile.AllowedPatterns = allowed
		profile.DisallowedPatterns = disallowed
	}
	if group := data.FindGroup(a.userAgent); group != nil {
		profile.CrawlDelay = group.CrawlDelay
	}
	profile.Sitemaps = append(profile.Sitemaps, data.Sitemaps...)
	profile.Score = computeScore(profile.DisallowedPatterns, profile.CrawlDelay)

	a.collectSitemapURLs(ctx, profile, hostLog)

	hostLog.WithFields(logrus.Fields{
		"score":        profile.Score,
		"disallowed":   len(profile.DisallowedPatterns),
		"sitemap_urls": len(profile.SitemapURLs),
	}).Info("Crawlability profile built")
	return profile, nil
}

// collectSitemapURLs fetches declared sitemap files and gathers their
// page URLs, resolving sitemap indexes one level deep. Failures are
// logged and skipped; sitemaps are an optimization, not a requirement.
func (a *Analyzer) collectSitemapURLs(ctx context.Context, profile *Profile, hostLog *logrus.Entry) {
	seen := make(map[string]bool)
	fetched := 0
	for _, smURL := range profile.Sitemaps {
		if fetched >= maxSitemapFiles {
			hostLog.Warnf("Sitemap file cap (%d) reached, skipping remainder", maxSitemapFiles)
			break
		}
		fetched++
		entries, children := a.fetchSitemap(ctx, smURL, hostLog)
		addEntries(profile, entries, seen)

		for _, child := range children {
			if fetched >= maxSitemapFiles {
				break
			}
			fetched++
			childEntries, _ := a.fetchSitemap(ctx, child, hostLog)
			addEntries(profile, childEntries, seen)
		}
	}
}

// fetchSitemap retrieves one sitemap file and returns the page URLs it
// lists, plus child sitemap URLs when the file is an index.
func (a *Analyzer) fetchSitemap(ctx context.Context, smURL string, hostLog *logrus.Entry) (entries, children []string) {
	smLog := hostLog.WithField("sitemap_url", smURL)
	status, body, err := a.get(ctx, smURL)
	if err != nil || status < 200 || status >= 300 {
		smLog.Warnf("Sitemap fetch failed (status %d): %v", status, err)
		return nil, nil
	}

	urlSet, index, parseErr := parse.ParseSitemapBytes(body)
	if parseErr != nil {
		smLog.Warnf("Sitemap parse failed: %v", parseErr)
		return nil, nil
	}
	if index != nil {
		smLog.Infof("Parsed as sitemap index, %d references", len(index.Sitemaps))
		for _, ref := range index.Sitemaps {
			if loc := strings.TrimSpace(ref.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return nil, children
	}
	for _, entry := range urlSet.URLs {
		if loc := strings.TrimSpace(entry.Loc); loc != "" {
			entries = append(entries, loc)
		}
	}
	smLog.Infof("Parsed sitemap, %d URLs", len(entries))
	return entries, nil
}

func addEntries(profile *Profile, entries []string, seen map[string]bool) {
	for _, e := range entries {
		norm, _, err := parse.ParseAndNormalize(e)
		if err != nil {
			continue
		}
		if !seen[norm] {
			seen[norm] = true
			profile.SitemapURLs = append(profile.SitemapURLs, norm)
		}
	}
}

func (a *Analyzer) get(ctx context.Context, rawURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", a.userAgent)
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// collectRules scans robots.txt text for the allow/disallow patterns in
// groups that apply to the given agent ("*" or a token prefix match).
// The scan is deliberately separate from robotstxt's matcher: dequeue
// gating uses longest-matching-prefix precedence and the score needs
// the raw patterns.
func collectRules(content, agent string) (allowed, disallowed []string) {
	agentToken := strings.ToLower(agent)
	if i := strings.IndexAny(agentToken, "/ "); i > 0 {
		agentToken = agentToken[:i]
	}

	inApplicableGroup := false
	sawDirective := true
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			// A user-agent line after directives starts a new group.
			if sawDirective {
				inApplicableGroup = false
				sawDirective = false
			}
			ua := strings.ToLower(value)
			if ua == "*" || strings.HasPrefix(agentToken, ua) {
				inApplicableGroup = true
			}
		case "allow":
			sawDirective = true
			if inApplicableGroup && value != "" {
				allowed = append(allowed, value)
			}
		case "disallow":
			sawDirective = true
			if inApplicableGroup {
				disallowed = append(disallowed, value)
			}
		default:
			sawDirective = true
		}
	}
	return allowed, disallowed
}
