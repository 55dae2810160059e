package errors

import (
	"fmt"
	"time"
)

// ValidationError signals missing or malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func NewMalformedPayload(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// NotFoundError signals a missing token or registration.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// AuthError covers invalid signatures and invalid or expired credentials.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

func NewInvalidSignature() *AuthError {
	return &AuthError{Reason: "invalid webhook signature"}
}

func NewInvalidState() *AuthError {
	return &AuthError{Reason: "invalid or expired oauth state"}
}

// RateLimitedError carries the duration after which the caller may retry.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func NewRateLimited(retryAfter time.Duration) *RateLimitedError {
	return &RateLimitedError{RetryAfter: retryAfter}
}

// PermanentRefreshError is a non-retryable upstream rejection of a refresh
// attempt, typically an invalid or revoked refresh token.
type PermanentRefreshError struct {
	StatusCode int
	Reason     string
}

func (e *PermanentRefreshError) Error() string {
	return fmt.Sprintf("refresh rejected by upstream (status %d): %s", e.StatusCode, e.Reason)
}

func NewPermanentRefresh(statusCode int, reason string) *PermanentRefreshError {
	return &PermanentRefreshError{StatusCode: statusCode, Reason: reason}
}

// TransientUpstreamError is a retryable upstream failure: 5xx, 429 or a
// transport-level error.
type TransientUpstreamError struct {
	StatusCode int
	Err        error
}

func (e *TransientUpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient upstream failure: %v", e.Err)
	}
	return fmt.Sprintf("transient upstream failure: status %d", e.StatusCode)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

func NewTransientUpstream(statusCode int, err error) *TransientUpstreamError {
	return &TransientUpstreamError{StatusCode: statusCode, Err: err}
}

// DecryptionError signals unreadable ciphertext. Callers treat the record
// as absent rather than failing the request.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func NewDecryption(err error) *DecryptionError {
	return &DecryptionError{Err: err}
}
