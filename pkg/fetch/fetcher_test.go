package fetch

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopcrawl/pkg/config"
	"shopcrawl/pkg/models"
	"shopcrawl/pkg/policy"
)

type stubRenderer struct {
	html     string
	status   int
	err      error
	lastUA   string
	rendered int
}

func (s *stubRenderer) Render(_ context.Context, rawURL string, identity config.Identity) (*RenderedPage, error) {
	s.rendered++
	s.lastUA = identity.UserAgent
	if s.err != nil {
		return nil, s.err
	}
	status := s.status
	if status == 0 {
		status = 200
	}
	return &RenderedPage{URL: rawURL, FinalURL: rawURL, HTML: s.html, HTTPStatus: status, FetchedAt: time.Now()}, nil
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testPolicyConfig() config.PolicyConfig {
	return config.PolicyConfig{
		BaseDelay:          time.Second,
		BackoffFactor:      2.0,
		MaxDelay:           time.Minute,
		TransientThreshold: 3,
		DefensiveThreshold: 2,
		CooldownWindow:     5 * time.Minute,
		Identities: []config.Identity{
			{UserAgent: "ua-one"},
			{UserAgent: "ua-two"},
		},
	}
}

func newTestFetcher(r Renderer) (*Fetcher, *policy.Registry) {
	clock := policy.NewMockClock(time.Now())
	reg := policy.NewRegistry(testPolicyConfig(), clock, testLogger())
	f := NewFetcher(r, reg, 1, []string{"captcha", "robot check"}, []string{"access denied"}, testLogger())
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f, reg
}

func TestFetchSuccess(t *testing.T) {
	stub := &stubRenderer{html: "<html><body><h1>Widget</h1></body></html>"}
	f, _ := newTestFetcher(stub)

	page, err := f.Fetch(context.Background(), "https://shop.example.com/product/1")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/product/1", page.URL)
	assert.Equal(t, 200, page.HTTPStatus)
	assert.Contains(t, []string{"ua-one", "ua-two"}, stub.lastUA)
	assert.Equal(t, 1, stub.rendered)
}

func TestFetchStatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   models.FetchErrorKind
	}{
		{"forbidden", 403, models.FetchErrDenied},
		{"rate limited", 429, models.FetchErrDenied},
		{"server error", 503, models.FetchErrNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubRenderer{html: "<html><body>whatever</body></html>", status: tc.status}
			f, _ := newTestFetcher(stub)

			_, err := f.Fetch(context.Background(), "https://shop.example.com/")
			var fe *models.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.want, fe.Kind)
			assert.Equal(t, tc.status, fe.HTTPStatus)
		})
	}
}

func TestFetchCaptchaMarker(t *testing.T) {
	stub := &stubRenderer{html: "<html><body>Please complete this CAPTCHA to continue</body></html>"}
	f, _ := newTestFetcher(stub)

	_, err := f.Fetch(context.Background(), "https://shop.example.com/product/1")
	require.Error(t, err)

	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, models.FetchErrCaptcha, fe.Kind)
	assert.True(t, fe.Kind.Defensive())
}

func TestFetchBlockPage(t *testing.T) {
	stub := &stubRenderer{html: "<html><body>Access Denied</body></html>"}
	f, _ := newTestFetcher(stub)

	_, err := f.Fetch(context.Background(), "https://shop.example.com/")
	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, models.FetchErrDenied, fe.Kind)
}

func TestFetchEmptyDocument(t *testing.T) {
	stub := &stubRenderer{html: "   "}
	f, _ := newTestFetcher(stub)

	_, err := f.Fetch(context.Background(), "https://shop.example.com/")
	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, models.FetchErrMalformed, fe.Kind)
}

func TestFetchRenderErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.FetchErrorKind
	}{
		{"deadline", context.DeadlineExceeded, models.FetchErrTimeout},
		{"timeout string", errors.New("navigation timeout reached"), models.FetchErrTimeout},
		{"forbidden", errors.New("page load failed: 403 Forbidden"), models.FetchErrDenied},
		{"connection", errors.New("connection refused"), models.FetchErrNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, _ := newTestFetcher(&stubRenderer{err: tc.err})
			_, err := f.Fetch(context.Background(), "https://shop.example.com/")
			var fe *models.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.want, fe.Kind)
		})
	}
}

func TestFetchNeverRetries(t *testing.T) {
	stub := &stubRenderer{err: errors.New("connection reset")}
	f, _ := newTestFetcher(stub)

	_, err := f.Fetch(context.Background(), "https://shop.example.com/")
	require.Error(t, err)
	assert.Equal(t, 1, stub.rendered)
}

func TestFetchUsesRotatedIdentity(t *testing.T) {
	stub := &stubRenderer{html: "<html><body>ok</body></html>"}
	f, reg := newTestFetcher(stub)
	before := reg.IdentityFor("shop.example.com").UserAgent

	// Hitting the transient threshold rotates the identity cursor for
	// the host; the fetcher must pick up the new selection.
	for i := 0; i < 3; i++ {
		reg.RecordFailure("shop.example.com", models.FetchErrTimeout)
	}

	_, err := f.Fetch(context.Background(), "https://shop.example.com/")
	require.NoError(t, err)
	assert.NotEqual(t, before, stub.lastUA)
	assert.Equal(t, reg.IdentityFor("shop.example.com").UserAgent, stub.lastUA)
}
