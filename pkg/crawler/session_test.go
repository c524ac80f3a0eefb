package crawler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopcrawl/pkg/config"
	"shopcrawl/pkg/fetch"
	"shopcrawl/pkg/policy"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type renderEvent struct {
	url string
	at  time.Time
}

// renderResult is one scripted outcome for a URL, consumed in order.
type renderResult struct {
	html string
	err  error
}

// fakeRenderer serves canned HTML per URL and records every render with
// the session clock's current instant. Scripted outcomes, when present
// for a URL, are consumed one per render before falling back to pages.
type fakeRenderer struct {
	mu       sync.Mutex
	pages    map[string]string
	scripted map[string][]renderResult
	clock    policy.Clock
	events   []renderEvent
	onRender func(url string) // called before each render returns
}

func (f *fakeRenderer) Render(_ context.Context, rawURL string, _ config.Identity) (*fetch.RenderedPage, error) {
	f.mu.Lock()
	f.events = append(f.events, renderEvent{url: rawURL, at: f.clock.Now()})
	var next *renderResult
	if queue := f.scripted[rawURL]; len(queue) > 0 {
		next = &queue[0]
		f.scripted[rawURL] = queue[1:]
	}
	html, ok := f.pages[rawURL]
	hook := f.onRender
	f.mu.Unlock()
	if hook != nil {
		hook(rawURL)
	}
	if next != nil {
		if next.err != nil {
			return nil, next.err
		}
		html = next.html
	} else if !ok {
		html = "<html><body><p>placeholder</p></body></html>"
	}
	return &fetch.RenderedPage{URL: rawURL, FinalURL: rawURL, HTML: html, HTTPStatus: 200, FetchedAt: time.Now()}, nil
}

func (f *fakeRenderer) fetchedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	urls := make([]string, len(f.events))
	for i, ev := range f.events {
		urls[i] = ev.url
	}
	return urls
}

// rewriteTransport redirects robots/sitemap requests to the test server.
type rewriteTransport struct {
	target *url.URL
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = rt.target.Scheme
	clone.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(clone)
}

func robotsClientFor(srv *httptest.Server) *http.Client {
	target, _ := url.Parse(srv.URL)
	return &http.Client{Transport: rewriteTransport{target: target}}
}

func testConfig(t *testing.T, maxPages int) *config.AppConfig {
	t.Helper()
	cfg := &config.AppConfig{
		SeedURLs:   []string{"https://shop.example.com/"},
		MaxPages:   maxPages,
		MaxDepth:   3,
		NumWorkers: 1,
		Policy: config.PolicyConfig{
			BaseDelay:          2 * time.Second,
			BackoffFactor:      2.0,
			MaxDelay:           time.Minute,
			TransientThreshold: 3,
			DefensiveThreshold: 2,
			CooldownWindow:     5 * time.Minute,
		},
	}
	_, err := cfg.Validate()
	require.NoError(t, err)
	return cfg
}

func TestSessionSitemapPriorityScenario(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "User-agent: *\nDisallow: /internal\nSitemap: https://shop.example.com/sitemap.xml\n")
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://shop.example.com/products/1</loc></url>
  <url><loc>https://shop.example.com/products/2</loc></url>
  <url><loc>https://shop.example.com/products/3</loc></url>
</urlset>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	clock := policy.NewMockClock(time.Now())
	renderer := &fakeRenderer{
		clock: clock,
		pages: map[string]string{
			"https://shop.example.com/": `<html><body>
<a href="/internal/secret">internal</a>
<a href="/about">about</a>
</body></html>`,
			"https://shop.example.com/products/1": productHTML("Alpha", "$10.00"),
			"https://shop.example.com/products/2": productHTML("Beta", "$20.00"),
			"https://shop.example.com/products/3": productHTML("Gamma", "$30.00"),
			"https://shop.example.com/about":      "<html><body><p>About us</p></body></html>",
		},
	}

	cfg := testConfig(t, 5)
	session := NewSession(cfg, SessionOptions{
		Renderer:     renderer,
		Clock:        clock,
		RobotsClient: robotsClientFor(srv),
	}, testLogger())

	summary, err := session.Run(context.Background())
	require.NoError(t, err)

	fetched := renderer.fetchedURLs()
	// The three sitemap product URLs outrank the discovered /about link;
	// the disallowed /internal link is never fetched at all.
	assert.Equal(t, []string{
		"https://shop.example.com/",
		"https://shop.example.com/products/1",
		"https://shop.example.com/products/2",
		"https://shop.example.com/products/3",
		"https://shop.example.com/about",
	}, fetched)
	for _, u := range fetched {
		assert.NotContains(t, u, "/internal")
	}

	assert.Equal(t, 5, summary.Stats.PagesVisited)
	assert.Equal(t, 3, summary.Stats.ProductsFound)
	assert.Equal(t, 3, summary.Stats.SitemapURLsSeeded)
	assert.GreaterOrEqual(t, summary.Stats.DisallowedLinks, 1)
	assert.NotEmpty(t, summary.Scores)
	assert.Contains(t, summary.Graph.Edges["https://shop.example.com/"], "https://shop.example.com/about")
}

func TestSessionCaptchaBackoffScenario(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler()) // no robots.txt, host fully open
	defer srv.Close()

	clock := policy.NewMockClock(time.Now())
	renderer := &fakeRenderer{
		clock: clock,
		pages: map[string]string{
			"https://shop.example.com/": `<html><body>
<a href="/p/1">one</a>
<a href="/p/2">two</a>
</body></html>`,
			"https://shop.example.com/p/2": productHTML("Delta", "$5.00"),
		},
		scripted: map[string][]renderResult{
			"https://shop.example.com/p/1": {
				{html: "<html><body>Please solve this CAPTCHA to continue</body></html>"},
				{html: productHTML("Gamma", "$7.00")},
			},
		},
	}

	cfg := testConfig(t, 10)
	session := NewSession(cfg, SessionOptions{
		Renderer:     renderer,
		Clock:        clock,
		RobotsClient: robotsClientFor(srv),
	}, testLogger())

	summary, err := session.Run(context.Background())
	require.NoError(t, err)

	// The CAPTCHA puts the host into BACKOFF and the URL back into the
	// frontier; its retry waits out the full cooldown window on the
	// mock clock and then succeeds.
	require.Len(t, renderer.events, 4)
	assert.Equal(t, []string{
		"https://shop.example.com/",
		"https://shop.example.com/p/1",
		"https://shop.example.com/p/1",
		"https://shop.example.com/p/2",
	}, renderer.fetchedURLs())

	cooldownGap := renderer.events[2].at.Sub(renderer.events[1].at)
	assert.GreaterOrEqual(t, cooldownGap, cfg.Policy.CooldownWindow)

	assert.Equal(t, 3, summary.Stats.PagesVisited)
	assert.Equal(t, 2, summary.Stats.ProductsFound)
	assert.Equal(t, 0, summary.Stats.FetchFailures)
	assert.Empty(t, summary.BlockedHosts)
}

func TestSessionBlockedHostDropsPendingWork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	clock := policy.NewMockClock(time.Now())
	captcha := "<html><body>robot check</body></html>"
	renderer := &fakeRenderer{
		clock: clock,
		pages: map[string]string{
			"https://shop.example.com/": `<html><body>
<a href="/p/1">one</a>
<a href="/p/2">two</a>
<a href="/p/3">three</a>
</body></html>`,
			"https://shop.example.com/p/1": captcha,
			"https://shop.example.com/p/2": captcha,
			"https://shop.example.com/p/3": productHTML("Epsilon", "$1.00"),
		},
	}

	cfg := testConfig(t, 20)
	session := NewSession(cfg, SessionOptions{
		Renderer:     renderer,
		Clock:        clock,
		RobotsClient: robotsClientFor(srv),
	}, testLogger())

	summary, err := session.Run(context.Background())
	require.NoError(t, err)

	// The first CAPTCHA re-queues /p/1; its retry hits a second
	// consecutive defensive failure, which blocks the host and drops the
	// remaining pending work without a fetch attempt.
	assert.Equal(t, []string{
		"https://shop.example.com/",
		"https://shop.example.com/p/1",
		"https://shop.example.com/p/1",
	}, renderer.fetchedURLs())
	assert.Equal(t, []string{"shop.example.com"}, summary.BlockedHosts)
	assert.Equal(t, 1, summary.Stats.HostsBlocked)
	assert.Equal(t, 1, summary.Stats.FetchFailures)
	assert.NotContains(t, renderer.fetchedURLs(), "https://shop.example.com/p/2")
	assert.NotContains(t, renderer.fetchedURLs(), "https://shop.example.com/p/3")
}

func TestSessionTransientFailureRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	clock := policy.NewMockClock(time.Now())
	renderer := &fakeRenderer{
		clock: clock,
		pages: map[string]string{
			"https://shop.example.com/": `<html><body><a href="/p/1">one</a></body></html>`,
		},
		scripted: map[string][]renderResult{
			"https://shop.example.com/p/1": {
				{err: context.DeadlineExceeded},
				{html: productHTML("Zeta", "$3.00")},
			},
		},
	}

	cfg := testConfig(t, 10)
	session := NewSession(cfg, SessionOptions{
		Renderer:     renderer,
		Clock:        clock,
		RobotsClient: robotsClientFor(srv),
	}, testLogger())

	summary, err := session.Run(context.Background())
	require.NoError(t, err)

	// A timed-out URL goes back into the frontier and succeeds on the
	// second attempt instead of being written off.
	assert.Equal(t, []string{
		"https://shop.example.com/",
		"https://shop.example.com/p/1",
		"https://shop.example.com/p/1",
	}, renderer.fetchedURLs())
	assert.Equal(t, 2, summary.Stats.PagesVisited)
	assert.Equal(t, 1, summary.Stats.ProductsFound)
	assert.Equal(t, 0, summary.Stats.FetchFailures)
}

func TestSessionRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	clock := policy.NewMockClock(time.Now())
	renderer := &fakeRenderer{
		clock: clock,
		pages: map[string]string{
			"https://shop.example.com/": `<html><body><a href="/p/1">one</a></body></html>`,
		},
		scripted: map[string][]renderResult{
			"https://shop.example.com/p/1": {
				{err: context.DeadlineExceeded},
				{err: context.DeadlineExceeded},
				{err: context.DeadlineExceeded},
			},
		},
	}

	cfg := testConfig(t, 10)
	session := NewSession(cfg, SessionOptions{
		Renderer:     renderer,
		Clock:        clock,
		RobotsClient: robotsClientFor(srv),
	}, testLogger())

	summary, err := session.Run(context.Background())
	require.NoError(t, err)

	// max_retries bounds the attempts; after the third timeout the URL
	// is marked visited and counted as a failure exactly once.
	attempts := 0
	for _, u := range renderer.fetchedURLs() {
		if u == "https://shop.example.com/p/1" {
			attempts++
		}
	}
	assert.Equal(t, cfg.Policy.MaxRetries, attempts)
	assert.Equal(t, 1, summary.Stats.PagesVisited)
	assert.Equal(t, 1, summary.Stats.FetchFailures)
}

func TestSessionPageBudgetTermination(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	clock := policy.NewMockClock(time.Now())
	renderer := &fakeRenderer{
		clock: clock,
		pages: map[string]string{
			"https://shop.example.com/": `<html><body><a href="/p/1">one</a></body></html>`,
		},
	}

	cfg := testConfig(t, 1)
	session := NewSession(cfg, SessionOptions{
		Renderer:     renderer,
		Clock:        clock,
		RobotsClient: robotsClientFor(srv),
	}, testLogger())

	summary, err := session.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, renderer.events, 1)
	assert.Equal(t, "page_budget", summary.Stats.Termination)
}

func TestSessionCancellation(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	clock := policy.NewMockClock(time.Now())
	renderer := &fakeRenderer{
		clock: clock,
		pages: map[string]string{
			"https://shop.example.com/": `<html><body><a href="/p/1">one</a><a href="/p/2">two</a></body></html>`,
		},
	}

	// Cancel while the first discovered page renders; the worker is not
	// interrupted mid-fetch and observes cancellation before the next
	// task.
	var once sync.Once
	renderer.onRender = func(u string) {
		if u != "https://shop.example.com/" {
			once.Do(cancel)
		}
	}

	cfg := testConfig(t, 50)
	session := NewSession(cfg, SessionOptions{
		Renderer:     renderer,
		Clock:        clock,
		RobotsClient: robotsClientFor(srv),
	}, testLogger())

	summary, err := session.Run(ctx)
	require.NoError(t, err)

	// The seed and the in-flight page finished; the remaining pending
	// task was never fetched.
	assert.Len(t, renderer.events, 2)
	assert.Equal(t, "cancelled", summary.Stats.Termination)
}

func TestSessionNoValidSeeds(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	clock := policy.NewMockClock(time.Now())
	cfg := testConfig(t, 10)
	cfg.SeedURLs = []string{"::not-a-url::"}

	session := NewSession(cfg, SessionOptions{
		Renderer:     &fakeRenderer{clock: clock},
		Clock:        clock,
		RobotsClient: robotsClientFor(srv),
	}, testLogger())

	summary, err := session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "frontier_exhausted", summary.Stats.Termination)
	assert.Equal(t, 0, summary.Stats.PagesVisited)
}

func productHTML(title, price string) string {
	return `<html><body><h1>` + title + `</h1><span class="price">` + price + `</span><p>In stock.</p></body></html>`
}
