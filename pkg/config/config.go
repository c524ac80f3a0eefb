package config

import "time"

// Identity is one browser fingerprint from the rotation pool.
type Identity struct {
	UserAgent      string `yaml:"user_agent"`
	AcceptLanguage string `yaml:"accept_language,omitempty"`
	Viewport       string `yaml:"viewport,omitempty"` // "WxH", informational for the render backend
}

// PolicyConfig holds the anti-detection state machine parameters.
type PolicyConfig struct {
	BaseDelay          time.Duration `yaml:"base_delay"`           // Inter-request delay per host in NORMAL
	BackoffFactor      float64       `yaml:"backoff_factor"`       // Delay multiplier on THROTTLED transitions
	MaxDelay           time.Duration `yaml:"max_delay"`            // Cap for the backoff delay
	TransientThreshold int           `yaml:"transient_threshold"`  // Consecutive transient failures before THROTTLED
	DefensiveThreshold int           `yaml:"defensive_threshold"`  // Consecutive defensive failures post-cooldown before BLOCKED
	CooldownWindow     time.Duration `yaml:"cooldown_window"`      // BACKOFF duration before retry is permitted
	MaxPerHost         int           `yaml:"max_per_host"`         // Concurrent fetches allowed against one host
	MaxRetries         int           `yaml:"max_retries"`          // Total fetch attempts per URL before giving up
	Identities         []Identity    `yaml:"identities,omitempty"` // Rotation pool; defaults applied when empty
}

// RankConfig holds the PageRank computation parameters.
type RankConfig struct {
	DampingFactor float64 `yaml:"damping_factor"`
	MaxIterations int     `yaml:"max_iterations"`
	Tolerance     float64 `yaml:"tolerance"`
}

// RenderConfig holds settings for the rendered-page backend.
type RenderConfig struct {
	Timeout     time.Duration `yaml:"timeout"`      // Hard render deadline per page
	QuietWindow time.Duration `yaml:"quiet_window"` // Content considered stable after this much inactivity
	Headless    *bool         `yaml:"headless,omitempty"`
	MaxBodySize int64         `yaml:"max_body_size,omitempty"`
}

// AppConfig holds the global application configuration
type AppConfig struct {
	SeedURLs       []string      `yaml:"seed_urls"`
	AllowedHosts   []string      `yaml:"allowed_hosts"`
	MaxPages       int           `yaml:"max_pages"`
	MaxDepth       int           `yaml:"max_depth"`
	NumWorkers     int           `yaml:"num_workers"`
	Deadline       time.Duration `yaml:"deadline,omitempty"` // Wall-clock budget for the session (0 = none)
	StateDir       string        `yaml:"state_dir"`
	OutputDir      string        `yaml:"output_dir"`
	CaptchaMarkers []string      `yaml:"captcha_markers,omitempty"` // Lowercase substrings flagging a CAPTCHA page
	BlockMarkers   []string      `yaml:"block_markers,omitempty"`   // Lowercase substrings flagging an explicit block page

	Policy PolicyConfig `yaml:"policy"`
	Rank   RankConfig   `yaml:"rank"`
	Render RenderConfig `yaml:"render"`
}

// AllowsHost reports whether the host is in the configured allow-list.
// An empty allow-list permits only hosts of the seed URLs, which
// Validate folds into AllowedHosts.
func (c *AppConfig) AllowsHost(host string) bool {
	for _, h := range c.AllowedHosts {
		if h == host {
			return true
		}
	}
	return false
}
