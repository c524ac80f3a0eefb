package config

import (
	"fmt"
	"net/url"
	"time"

	"shopcrawl/pkg/utils"
)

// Default identity pool, used when the config provides none. Distinct
// desktop fingerprints so rotation actually changes the wire signature.
var defaultIdentities = []Identity{
	{UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36", AcceptLanguage: "en-US,en;q=0.9"},
	{UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15", AcceptLanguage: "en-US,en;q=0.5"},
	{UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0", AcceptLanguage: "en-GB,en;q=0.9"},
	{UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36", AcceptLanguage: "en-US,en;q=0.9,de;q=0.8"},
}

var defaultCaptchaMarkers = []string{"captcha", "robot check", "automated access", "are you a human"}
var defaultBlockMarkers = []string{"access denied", "request blocked", "unusual traffic"}

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// Required: SeedURLs
	if len(c.SeedURLs) == 0 {
		return nil, fmt.Errorf("%w: no seed_urls configured", utils.ErrConfigValidation)
	}

	// Fold seed hosts into the allow-list so an empty allow-list means
	// "stay on the seed sites" rather than "crawl nothing".
	seen := make(map[string]bool, len(c.AllowedHosts))
	for _, h := range c.AllowedHosts {
		seen[h] = true
	}
	for _, seed := range c.SeedURLs {
		parsed, parseErr := url.ParseRequestURI(seed)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: invalid seed URL '%s': %v", utils.ErrConfigValidation, seed, parseErr)
		}
		if host := parsed.Hostname(); host != "" && !seen[host] {
			c.AllowedHosts = append(c.AllowedHosts, host)
			seen[host] = true
		}
	}

	// MaxPages
	if c.MaxPages <= 0 {
		warnings = append(warnings, "max_pages should be > 0, defaulting to 100")
		c.MaxPages = 100
	}

	// MaxDepth
	if c.MaxDepth < 0 {
		warnings = append(warnings, "max_depth cannot be negative, setting to 0 (seeds only)")
		c.MaxDepth = 0
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 3
	}

	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 4")
		c.NumWorkers = 4
	}

	// Deadline
	if c.Deadline < 0 {
		warnings = append(warnings, "deadline cannot be negative, disabling deadline")
		c.Deadline = 0
	}

	// StateDir / OutputDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './crawl_state'")
		c.StateDir = "./crawl_state"
	}
	if c.OutputDir == "" {
		warnings = append(warnings, "output_dir is empty, defaulting to './crawl_output'")
		c.OutputDir = "./crawl_output"
	}

	// Detection markers
	if len(c.CaptchaMarkers) == 0 {
		c.CaptchaMarkers = defaultCaptchaMarkers
	}
	if len(c.BlockMarkers) == 0 {
		c.BlockMarkers = defaultBlockMarkers
	}

	warnings = append(warnings, c.Policy.validate()...)
	warnings = append(warnings, c.Rank.validate()...)
	warnings = append(warnings, c.Render.validate()...)

	return warnings, nil
}

func (p *PolicyConfig) validate() (warnings []string) {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.BackoffFactor <= 1.0 {
		if p.BackoffFactor != 0 {
			warnings = append(warnings, "policy.backoff_factor must be > 1.0, defaulting to 2.0")
		}
		p.BackoffFactor = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		warnings = append(warnings, fmt.Sprintf(
			"policy.max_delay (%v) < base_delay (%v), raising max_delay", p.MaxDelay, p.BaseDelay))
		p.MaxDelay = p.BaseDelay
	}
	if p.TransientThreshold <= 0 {
		p.TransientThreshold = 3
	}
	if p.DefensiveThreshold <= 0 {
		p.DefensiveThreshold = 2
	}
	if p.CooldownWindow <= 0 {
		p.CooldownWindow = 5 * time.Minute
	}
	if p.MaxPerHost <= 0 {
		// Serializing per-host fetches keeps the inter-request delay
		// meaningful even with many workers.
		p.MaxPerHost = 1
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if len(p.Identities) == 0 {
		p.Identities = defaultIdentities
	}
	return warnings
}

func (r *RankConfig) validate() (warnings []string) {
	if r.DampingFactor <= 0 || r.DampingFactor >= 1 {
		if r.DampingFactor != 0 {
			warnings = append(warnings, "rank.damping_factor must be in (0,1), defaulting to 0.85")
		}
		r.DampingFactor = 0.85
	}
	if r.MaxIterations <= 0 {
		r.MaxIterations = 100
	}
	if r.Tolerance <= 0 {
		r.Tolerance = 1e-6
	}
	return warnings
}

func (r *RenderConfig) validate() (warnings []string) {
	if r.Timeout <= 0 {
		r.Timeout = 45 * time.Second
	}
	if r.QuietWindow <= 0 {
		r.QuietWindow = 1500 * time.Millisecond
	}
	if r.QuietWindow >= r.Timeout {
		warnings = append(warnings, fmt.Sprintf(
			"render.quiet_window (%v) >= timeout (%v), shrinking quiet window", r.QuietWindow, r.Timeout))
		r.QuietWindow = r.Timeout / 4
	}
	if r.MaxBodySize <= 0 {
		r.MaxBodySize = 5 * 1024 * 1024
	}
	return warnings
}
