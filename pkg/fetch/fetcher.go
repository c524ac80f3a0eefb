package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"shopcrawl/pkg/models"
	"shopcrawl/pkg/policy"
)

// Fetcher retrieves rendered pages through the per-host fetch policy:
// it waits the policy-mandated delay, applies the currently selected
// identity, and classifies failures into tagged FetchErrors. It never
// retries internally; retry and backoff decisions belong to the policy
// registry and the scheduler.
type Fetcher struct {
	renderer       Renderer
	policies       *policy.Registry
	limiter        *HostLimiter
	captchaMarkers []string
	blockMarkers   []string
	log            *logrus.Entry

	// sleep comes from the policy clock so tests do not wait on real
	// delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a Fetcher. Markers are matched case-insensitively
// against the rendered content.
func NewFetcher(renderer Renderer, policies *policy.Registry, maxPerHost int, captchaMarkers, blockMarkers []string, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		renderer:       renderer,
		policies:       policies,
		limiter:        NewHostLimiter(maxPerHost),
		captchaMarkers: lowerAll(captchaMarkers),
		blockMarkers:   lowerAll(blockMarkers),
		log:            log,
		sleep:          policies.Clock().Sleep,
	}
}

// Fetch retrieves the rendered page for a URL. On failure the returned
// error is always a *models.FetchError whose Kind drives the policy
// state machine.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*RenderedPage, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &models.FetchError{URL: rawURL, Kind: models.FetchErrMalformed, Err: err}
	}
	host := parsed.Hostname()
	fetchLog := f.log.WithFields(logrus.Fields{"url": rawURL, "host": host})

	if err := f.limiter.Acquire(ctx, host); err != nil {
		return nil, &models.FetchError{URL: rawURL, Kind: models.FetchErrTimeout, Err: err}
	}
	defer f.limiter.Release(host)

	// Inter-request delay mandated by the policy. Suspends only this
	// worker; the delay is scoped to the worker/host pair.
	if delay := f.policies.DelayFor(host); delay > 0 {
		fetchLog.WithField("delay", delay).Debug("Waiting out policy delay")
		if err := f.sleep(ctx, delay); err != nil {
			return nil, &models.FetchError{URL: rawURL, Kind: models.FetchErrTimeout, Err: err}
		}
	}

	identity := f.policies.IdentityFor(host)
	f.policies.RecordRequest(host)

	page, renderErr := f.renderer.Render(ctx, rawURL, identity)
	if renderErr != nil {
		return nil, &models.FetchError{URL: rawURL, Kind: classifyRenderError(renderErr), Err: renderErr}
	}

	// The navigation status is authoritative when the server announces
	// a defense or an outage; marker scanning covers the soft cases.
	switch {
	case page.HTTPStatus == 403 || page.HTTPStatus == 429:
		fetchLog.WithField("status", page.HTTPStatus).Warn("Request denied by status code")
		return nil, &models.FetchError{URL: rawURL, Kind: models.FetchErrDenied, HTTPStatus: page.HTTPStatus, Err: fmt.Errorf("http status %d", page.HTTPStatus)}
	case page.HTTPStatus >= 500:
		return nil, &models.FetchError{URL: rawURL, Kind: models.FetchErrNetwork, HTTPStatus: page.HTTPStatus, Err: fmt.Errorf("http status %d", page.HTTPStatus)}
	}

	if strings.TrimSpace(page.HTML) == "" {
		return nil, &models.FetchError{URL: rawURL, Kind: models.FetchErrMalformed, HTTPStatus: page.HTTPStatus, Err: errors.New("empty rendered document")}
	}

	// Defensive-failure detection on the rendered content.
	lowered := strings.ToLower(page.HTML)
	if marker := firstMarker(lowered, f.captchaMarkers); marker != "" {
		fetchLog.WithField("marker", marker).Warn("CAPTCHA marker detected in response")
		return nil, &models.FetchError{URL: rawURL, Kind: models.FetchErrCaptcha, HTTPStatus: page.HTTPStatus, Err: errors.New("captcha marker: " + marker)}
	}
	if marker := firstMarker(lowered, f.blockMarkers); marker != "" {
		fetchLog.WithField("marker", marker).Warn("Block page detected in response")
		return nil, &models.FetchError{URL: rawURL, Kind: models.FetchErrDenied, HTTPStatus: page.HTTPStatus, Err: errors.New("block marker: " + marker)}
	}

	return page, nil
}

// classifyRenderError maps renderer failures onto FetchError kinds.
func classifyRenderError(err error) models.FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.FetchErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return models.FetchErrTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return models.FetchErrTimeout
	case strings.Contains(msg, "403") || strings.Contains(msg, "forbidden"):
		return models.FetchErrDenied
	default:
		return models.FetchErrNetwork
	}
}

func firstMarker(content string, markers []string) string {
	for _, m := range markers {
		if strings.Contains(content, m) {
			return m
		}
	}
	return ""
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
