package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrorCode is the closed taxonomy every transport outcome is classified
// into before the router reasons about it.
type ErrorCode string

const (
	// Non-retryable: caller error, another provider will not help.
	ErrCodeInvalidRequest         ErrorCode = "invalid_request"
	ErrCodeAuthenticationFailed   ErrorCode = "authentication_failed"
	ErrCodeInsufficientCredits    ErrorCode = "insufficient_credits"
	ErrCodeContentPolicyViolation ErrorCode = "content_policy_violation"
	ErrCodeInvalidModel           ErrorCode = "invalid_model"

	// Retryable with a delay hint.
	ErrCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"

	// Retryable.
	ErrCodeProviderError ErrorCode = "provider_error"
	ErrCodeTimeout       ErrorCode = "timeout"
	ErrCodeNetworkError  ErrorCode = "network_error"

	// Ambiguous: retried at most once.
	ErrCodeUnknown ErrorCode = "unknown_error"
)

// Retryable reports whether the code permits another attempt against the
// same provider.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeRateLimitExceeded, ErrCodeProviderError, ErrCodeTimeout,
		ErrCodeNetworkError, ErrCodeUnknown:
		return true
	}
	return false
}

// CountsAgainstBreaker reports whether failures with this code indicate
// provider health rather than caller error. Rate limits never trip the
// breaker by themselves.
func (c ErrorCode) CountsAgainstBreaker() bool {
	switch c {
	case ErrCodeProviderError, ErrCodeTimeout, ErrCodeNetworkError:
		return true
	}
	return false
}

// ErrorDetails is the structured error attached to failed responses.
type ErrorDetails struct {
	Code          ErrorCode              `json:"code"`
	Message       string                 `json:"message"`
	Provider      string                 `json:"provider,omitempty"`
	Retryable     bool                   `json:"retryable"`
	RetryAfterMs  *int64                 `json:"retry_after_ms,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// NewErrorDetails builds an ErrorDetails with a fresh correlation ID and
// the retryability implied by the code.
func NewErrorDetails(code ErrorCode, provider, message string) *ErrorDetails {
	return &ErrorDetails{
		Code:          code,
		Message:       message,
		Provider:      provider,
		Retryable:     code.Retryable(),
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
	}
}

// WithRetryAfter attaches a retry delay hint in milliseconds.
func (e *ErrorDetails) WithRetryAfter(ms int64) *ErrorDetails {
	e.RetryAfterMs = &ms
	return e
}

// WithDetail attaches one key to the details map.
func (e *ErrorDetails) WithDetail(key string, value interface{}) *ErrorDetails {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewValidationError builds the invalid_request error the contract layer
// returns for a bad field, with the offending field name in details.field.
func NewValidationError(field, message string) *ErrorDetails {
	return NewErrorDetails(ErrCodeInvalidRequest, "", message).WithDetail("field", field)
}

// Sentinel errors for programming-level failures that escape Execute.
var (
	ErrProviderNotFound  = errors.New("provider not registered")
	ErrProviderDisabled  = errors.New("provider disabled")
	ErrNilAdapter        = errors.New("adapter cannot be nil")
	ErrNoCandidates      = errors.New("no candidate providers available")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrAlreadyRegistered = errors.New("provider already registered")
)

// RouterError wraps an error with the operation and provider it occurred
// in. It supports errors.Is/As through Unwrap.
type RouterError struct {
	Op       string
	Provider string
	Err      error
}

func (e *RouterError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RouterError) Unwrap() error { return e.Err }

// NewRouterError creates a RouterError for the given operation.
func NewRouterError(op, provider string, err error) *RouterError {
	return &RouterError{Op: op, Provider: provider, Err: err}
}

// FailedResponse builds the UnifiedResponse surfaced for a classified
// failure. User-visible failure is always a response, never a panic.
func FailedResponse(req *UnifiedRequest, details *ErrorDetails) *UnifiedResponse {
	resp := &UnifiedResponse{
		SchemaVersion: CurrentSchemaVersion,
		RequestID:     req.RequestID,
		Provider:      details.Provider,
		Model:         req.Model,
		Status:        StatusFailed,
		Error:         details,
	}
	if resp.Provider == "" {
		resp.Provider = req.Provider
	}
	return resp
}
