package models

import "fmt"

// FetchErrorKind tags a fetch failure so the policy layer can decide
// between transient and defensive remedies.
type FetchErrorKind string

const (
	FetchErrTimeout   FetchErrorKind = "timeout"   // Render/network deadline elapsed
	FetchErrNetwork   FetchErrorKind = "network"   // DNS, TCP, TLS or 5xx-equivalent
	FetchErrDenied    FetchErrorKind = "denied"    // Explicit block page or 403-equivalent
	FetchErrCaptcha   FetchErrorKind = "captcha"   // CAPTCHA marker detected in response
	FetchErrMalformed FetchErrorKind = "malformed" // Unusable response content
)

// Defensive reports whether the failure is attributable to anti-bot
// defenses rather than transient conditions.
func (k FetchErrorKind) Defensive() bool {
	return k == FetchErrDenied || k == FetchErrCaptcha
}

// FetchError is a tagged fetch failure. The tag, not the wrapped error,
// drives the policy state machine.
type FetchError struct {
	URL        string
	Kind       FetchErrorKind
	HTTPStatus int // Navigation response status when one was observed
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *FetchError) Unwrap() error { return e.Err }
