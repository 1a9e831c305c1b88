package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes a provider failure for retry decisions.
type Reason string

const (
	ReasonRateLimit        Reason = "rate_limit"
	ReasonTimeout          Reason = "timeout"
	ReasonServerError      Reason = "server_error"
	ReasonAuth             Reason = "auth"
	ReasonBilling          Reason = "billing"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonContentFilter    Reason = "content_filter"
	ReasonUnknown          Reason = "unknown"
)

// IsRetryable reports whether another attempt may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// Error is a structured provider failure. Callers branch on Reason; the
// rest is debugging context.
type Error struct {
	Provider   string
	Model      string
	StatusCode int
	Code       string
	Message    string
	Reason     Reason
	Cause      error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// WithStatus records the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.StatusCode = status
	e.Reason = classifyStatus(status)
	return e
}

// WithCode records a vendor-specific error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithMessage sets the human-readable message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// NewError wraps cause with provider and model context, classifying the
// reason from the error text.
func NewError(provider, model string, cause error) *Error {
	e := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = Classify(cause)
	}
	return e
}

// wrapError passes existing *Error values through unchanged.
func wrapError(provider, model string, cause error) *Error {
	var pe *Error
	if errors.As(cause, &pe) {
		return pe
	}
	return NewError(provider, model, cause)
}

// IsRetryable reports whether err is worth another stream attempt.
// Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason.IsRetryable()
	}
	return Classify(err).IsRetryable()
}

// Classify maps an arbitrary error onto a Reason by inspecting its text.
// Vendor SDKs disagree on error shapes, so string matching is the lowest
// common denominator.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "deadline exceeded"),
		strings.Contains(s, "connection reset"),
		strings.Contains(s, "connection refused"):
		return ReasonTimeout
	case strings.Contains(s, "rate limit"),
		strings.Contains(s, "rate_limit"),
		strings.Contains(s, "too many requests"),
		strings.Contains(s, "429"):
		return ReasonRateLimit
	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "invalid api key"),
		strings.Contains(s, "invalid x-api-key"),
		strings.Contains(s, "authentication"),
		strings.Contains(s, "401"),
		strings.Contains(s, "403"):
		return ReasonAuth
	case strings.Contains(s, "billing"),
		strings.Contains(s, "payment"),
		strings.Contains(s, "quota"),
		strings.Contains(s, "402"):
		return ReasonBilling
	case strings.Contains(s, "content_filter"),
		strings.Contains(s, "content policy"):
		return ReasonContentFilter
	case strings.Contains(s, "model not found"),
		strings.Contains(s, "model_not_found"),
		strings.Contains(s, "does not exist"):
		return ReasonModelUnavailable
	case strings.Contains(s, "internal server"),
		strings.Contains(s, "server error"),
		strings.Contains(s, "overloaded"),
		strings.Contains(s, "500"),
		strings.Contains(s, "502"),
		strings.Contains(s, "503"),
		strings.Contains(s, "529"):
		return ReasonServerError
	}
	return ReasonUnknown
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}
