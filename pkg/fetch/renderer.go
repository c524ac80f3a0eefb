package fetch

import (
	"context"
	"time"

	"shopcrawl/pkg/config"
)

// RenderedPage is the final DOM of a page after render settling.
type RenderedPage struct {
	URL        string // Requested URL
	FinalURL   string // URL after redirects
	HTML       string // Outer HTML of the settled document
	HTTPStatus int    // Status of the navigation response (0 if unknown)
	FetchedAt  time.Time
	Latency    time.Duration
}

// Renderer is the rendering/fetch backend: navigate to a URL under a
// given identity and return the final DOM once content is stable (no
// further render activity for a quiet window, or the render timeout
// elapses, whichever first).
type Renderer interface {
	Render(ctx context.Context, rawURL string, identity config.Identity) (*RenderedPage, error)
}
