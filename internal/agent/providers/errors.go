package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes a provider failure for retry and fallback decisions.
type Reason string

const (
	// ReasonTransient covers timeouts, 5xx responses, and connection
	// failures. Worth one retry with back-off, then fallback.
	ReasonTransient Reason = "transient"

	// ReasonRateLimited is an external 429. Fallback immediately, no retry.
	ReasonRateLimited Reason = "rate-limited"

	// ReasonAuth covers 401/403 and invalid keys. Surfaced to the caller.
	ReasonAuth Reason = "auth"

	// ReasonInvalidRequest is a 400-class client error. Surfaced.
	ReasonInvalidRequest Reason = "invalid-request"

	// ReasonContentFilter means the provider's safety layer refused the
	// request. Never retried.
	ReasonContentFilter Reason = "content-filter"

	// ReasonUnknown is anything unclassified. Treated as transient.
	ReasonUnknown Reason = "unknown"
)

// Retryable reports whether the same provider is worth one more attempt.
func (r Reason) Retryable() bool {
	return r == ReasonTransient || r == ReasonUnknown
}

// FallsBack reports whether the router should move to the next provider.
func (r Reason) FallsBack() bool {
	switch r {
	case ReasonTransient, ReasonRateLimited, ReasonUnknown:
		return true
	default:
		return false
	}
}

// ProviderError is a structured provider failure.
type ProviderError struct {
	Reason   Reason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// ErrNoProviderAvailable is raised after the router exhausts its ranked list.
var ErrNoProviderAvailable = errors.New("no provider available")

// NewProviderError wraps a raw error, classifying it by message text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	pe := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		pe.Message = cause.Error()
		pe.Reason = classifyMessage(cause.Error())
	}
	return pe
}

// WithStatus reclassifies by HTTP status, which is more reliable than
// message text.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if r := classifyStatus(status); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusRequestTimeout || status >= 500:
		return ReasonTransient
	case status >= 400 && status < 500:
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

func classifyMessage(msg string) Reason {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline exceeded"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "overloaded"):
		return ReasonTransient
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "rate_limit"),
		strings.Contains(lower, "too many requests"):
		return ReasonRateLimited
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "invalid_api_key"),
		strings.Contains(lower, "authentication"):
		return ReasonAuth
	case strings.Contains(lower, "content_filter"),
		strings.Contains(lower, "content policy"),
		strings.Contains(lower, "content filtering"),
		strings.Contains(lower, "refusal"):
		return ReasonContentFilter
	case strings.Contains(lower, "invalid request"),
		strings.Contains(lower, "invalid_request"),
		strings.Contains(lower, "context length"),
		strings.Contains(lower, "maximum context"):
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// Classify extracts the Reason from any error. Non-provider errors classify
// by message.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return classifyMessage(err.Error())
}
