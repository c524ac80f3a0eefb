package crawlability

import (
	"net/url"
	"strings"
	"time"
)

// Profile holds the crawl permissions derived from a host's robots.txt
// plus the sitemap contents and a summary crawlability score.
type Profile struct {
	Host               string
	AllowedPatterns    []string
	DisallowedPatterns []string
	CrawlDelay         time.Duration
	Sitemaps           []string // sitemap file URLs declared in robots.txt
	SitemapURLs        []string // page URLs collected from those sitemaps
	Score              float64
	FetchedAt          time.Time
}

// Permits reports whether the profile allows fetching the given URL.
// The longest matching pattern wins; on equal length allow wins. An
// absent or empty rule set permits everything. Path comparison is
// case-sensitive.
func (p *Profile) Permits(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return p.PermitsPath(target)
}

// PermitsPath applies the longest-matching-prefix rule to a raw path.
func (p *Profile) PermitsPath(path string) bool {
	bestDisallow := -1
	for _, pat := range p.DisallowedPatterns {
		if pat == "" {
			// Empty disallow acts as allow-all.
			continue
		}
		if strings.HasPrefix(path, pat) && len(pat) > bestDisallow {
			bestDisallow = len(pat)
		}
	}
	if bestDisallow < 0 {
		return true
	}
	bestAllow := -1
	for _, pat := range p.AllowedPatterns {
		if pat == "" {
			continue
		}
		if strings.HasPrefix(path, pat) && len(pat) > bestAllow {
			bestAllow = len(pat)
		}
	}
	return bestAllow >= bestDisallow
}

// Path shapes that typically carry sellable content. A disallow rule
// touching one of these costs more than a generic rule.
var productShapeHints = []string{
	"/product", "/products", "/item", "/p/", "/dp",
	"/category", "/categories", "/c/", "/shop", "/search",
}

const (
	productRulePenalty = 0.15
	genericRulePenalty = 0.03
)

// computeScore summarizes how much of a host is open to crawling.
// Starts at 1.0, subtracts a weighted penalty per disallow rule, then
// dampens by crawl-delay. A universal disallow zeroes the score.
func computeScore(disallowed []string, crawlDelay time.Duration) float64 {
	score := 1.0
	for _, pat := range disallowed {
		if pat == "" {
			continue
		}
		if pat == "/" {
			return 0
		}
		if matchesProductShape(pat) {
			score -= productRulePenalty
		} else {
			score -= genericRulePenalty
		}
	}
	if score < 0 {
		score = 0
	}
	if crawlDelay > 0 {
		score *= 10.0 / (10.0 + crawlDelay.Seconds())
	}
	return score
}

func matchesProductShape(pattern string) bool {
	lowered := strings.ToLower(pattern)
	for _, hint := range productShapeHints {
		if strings.Contains(lowered, hint) {
			return true
		}
	}
	return false
}
