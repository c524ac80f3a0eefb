package fetch

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"shopcrawl/pkg/config"
)

// ChromedpRenderer executes headless Chrome sessions using chromedp.
// Each Render call gets its own browser context so the identity (user
// agent fingerprint) can differ per request.
type ChromedpRenderer struct {
	cfg config.RenderConfig
	log *logrus.Entry
}

// NewChromedpRenderer constructs a renderer from validated config.
func NewChromedpRenderer(cfg config.RenderConfig, log *logrus.Entry) *ChromedpRenderer {
	return &ChromedpRenderer{cfg: cfg, log: log}
}

// Render navigates to the target URL and exports the final DOM outer
// HTML once the document has settled for the configured quiet window.
func (r *ChromedpRenderer) Render(parentCtx context.Context, rawURL string, identity config.Identity) (*RenderedPage, error) {
	ctx, cancel := context.WithTimeout(parentCtx, r.cfg.Timeout)
	defer cancel()

	headless := true
	if r.cfg.Headless != nil {
		headless = *r.cfg.Headless
	}
	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	}
	if identity.UserAgent != "" {
		execOpts = append(execOpts, chromedp.UserAgent(identity.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, execOpts...)
	defer allocCancel()

	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	renderLog := r.log.WithField("url", rawURL)
	renderLog.Debug("Starting headless render")

	start := time.Now()
	var html string
	var finalURL string

	resp, err := chromedp.RunResponse(chromeCtx, chromedp.Navigate(rawURL))
	if err != nil {
		renderLog.Debugf("Navigation failed: %v", err)
		return nil, fmt.Errorf("chromedp navigate: %w", err)
	}
	httpStatus := 0
	if resp != nil {
		httpStatus = int(resp.Status)
	}

	actions := []chromedp.Action{
		waitForDocumentReady(renderLog),
		// Quiet window: the document is considered stable once no further
		// render activity is observed for this long after readiness.
		chromedp.Sleep(r.cfg.QuietWindow),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	}

	if err := chromedp.Run(chromeCtx, actions...); err != nil {
		renderLog.Debugf("Render failed: %v", err)
		return nil, fmt.Errorf("chromedp run: %w", err)
	}

	if int64(len(html)) > r.cfg.MaxBodySize {
		html = html[:r.cfg.MaxBodySize]
	}
	if finalURL == "" {
		finalURL = rawURL
	} else if _, err := url.Parse(finalURL); err != nil {
		finalURL = rawURL
	}

	latency := time.Since(start)
	renderLog.WithFields(logrus.Fields{
		"latency":    latency,
		"status":     httpStatus,
		"final_url":  finalURL,
		"html_bytes": len(html),
	}).Debug("Render complete")

	return &RenderedPage{
		URL:        rawURL,
		FinalURL:   finalURL,
		HTML:       html,
		HTTPStatus: httpStatus,
		FetchedAt:  time.Now(),
		Latency:    latency,
	}, nil
}

// waitForDocumentReady polls document.readyState until "complete".
func waitForDocumentReady(log *logrus.Entry) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				return err
			}
			if readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				log.Debugf("Readiness wait cancelled: %v", ctx.Err())
				return ctx.Err()
			}
		}
	})
}
