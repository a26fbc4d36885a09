package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"reelforge/internal/apperr"
)

// notReadyMarkers are the result-endpoint answers that mean "ask again", not
// "the request failed": the poll loop skips them.
var notReadyMarkers = []string{"not found", "pending", "in_queue", "processing", "still in progress"}

// IsNotReady reports whether err is a not-ready-class answer from the
// provider's read path.
func IsNotReady(err error) bool {
	e, ok := apperr.As(err)
	if !ok || e.Type != apperr.TypeAPI {
		return false
	}
	msg := strings.ToLower(e.Message)
	for _, marker := range notReadyMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// classifyStatus maps an HTTP response to the provider error taxonomy.
func classifyStatus(code int, body string) *apperr.Error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(code)
	}
	lower := strings.ToLower(msg)

	switch {
	case code == http.StatusTooManyRequests || strings.Contains(lower, "too many requests"):
		return apperr.API(apperr.APIRateLimit, msg, true)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperr.API(apperr.APIAuth, msg, false)
	case code == http.StatusRequestTimeout:
		return apperr.API(apperr.APITimeout, msg, true)
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout:
		return apperr.API(apperr.APITransient, msg, true)
	case strings.Contains(lower, "content policy") || strings.Contains(lower, "safety"):
		return apperr.API(apperr.APIContentPolicy, msg, false)
	case strings.Contains(lower, "exhausted") || strings.Contains(lower, "quota"):
		return apperr.API(apperr.APIExhausted, msg, false)
	case strings.Contains(lower, "downstream service"):
		// The provider's own backend failed; retrying will not help.
		return apperr.API(apperr.APIPermanent, msg, false)
	case code >= 400 && code < 500:
		return apperr.API(apperr.APIValidation, msg, false)
	case code >= 500:
		return apperr.API(apperr.APIPermanent, msg, false)
	default:
		return apperr.API(apperr.APIUnknown, msg, false)
	}
}

// classifyTransport maps connection-level failures. Timeouts and refused
// connections are retryable.
func classifyTransport(err error) *apperr.Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.API(apperr.APITimeout, err.Error(), true).WithCause(err)
	case errors.Is(err, context.Canceled):
		return apperr.API(apperr.APITimeout, "request cancelled", false).WithCause(err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return apperr.API(apperr.APITimeout, err.Error(), true).WithCause(err)
	default:
		return apperr.API(apperr.APITransient, err.Error(), true).WithCause(err)
	}
}
