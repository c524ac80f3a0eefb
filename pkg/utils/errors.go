package utils

import (
	"context"
	"errors"
	"strings"

	"shopcrawl/pkg/models"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrRejectedURL      = errors.New("rejected URL (malformed or out of scope)")
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrMaxDepthExceeded = errors.New("maximum crawl depth exceeded")
	ErrHostBlocked      = errors.New("host blocked for the remainder of the session")
	ErrDuplicateURL     = errors.New("URL already seen")
	ErrFrontierClosed   = errors.New("frontier closed")
	ErrParsing          = errors.New("parsing error") // Wraps specific parsing error (HTML, URL, JSON, XML)
	ErrDatabase         = errors.New("database error")
	ErrConfigValidation = errors.New("configuration validation error")
	ErrSessionAborted   = errors.New("session aborted") // Budget/deadline/cancellation, orderly shutdown
)

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	var fetchErr *models.FetchError
	if errors.As(err, &fetchErr) {
		switch fetchErr.Kind {
		case models.FetchErrTimeout:
			return "Fetch_Timeout"
		case models.FetchErrNetwork:
			return "Fetch_Network"
		case models.FetchErrDenied:
			return "Fetch_Denied"
		case models.FetchErrCaptcha:
			return "Fetch_Captcha"
		case models.FetchErrMalformed:
			return "Fetch_Malformed"
		}
		return "Fetch_Other"
	}

	switch {
	case errors.Is(err, ErrRejectedURL):
		return "Policy_RejectedURL"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrMaxDepthExceeded):
		return "Policy_MaxDepth"
	case errors.Is(err, ErrHostBlocked):
		return "Policy_HostBlocked"
	case errors.Is(err, ErrDuplicateURL):
		return "Frontier_Duplicate"
	case errors.Is(err, ErrFrontierClosed):
		return "Frontier_Closed"
	case errors.Is(err, ErrSessionAborted):
		return "Session_Aborted"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "XML") {
			return "Content_ParsingXML"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// Context errors
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	return "Unknown"
}
