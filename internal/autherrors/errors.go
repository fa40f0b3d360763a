// Package autherrors defines the shared error taxonomy for authcore.
//
// Every layer of the SDK raises the most specific kind available and either
// translates a lower-level failure into one of these kinds or passes it
// through unchanged. Security-sensitive kinds (StateMismatchError,
// UnauthorizedCallerError, InvalidCacheRecordError) must never be collapsed
// into a generic kind on the way up.
package autherrors

import (
	"errors"
	"fmt"
)

// InvalidRequestError indicates a client-side protocol request that failed
// validation before reaching the network. Never retried.
type InvalidRequestError struct {
	// Field is the request parameter that failed validation.
	Field string

	// Message describes why the request is invalid.
	Message string
}

func (e *InvalidRequestError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
	}
	return "invalid request: " + e.Message
}

// NewInvalidRequestError creates an InvalidRequestError for the given field.
func NewInvalidRequestError(field, message string) *InvalidRequestError {
	return &InvalidRequestError{Field: field, Message: message}
}

// IsInvalidRequest checks if an error is or wraps an InvalidRequestError.
func IsInvalidRequest(err error) bool {
	var target *InvalidRequestError
	return errors.As(err, &target)
}

// StateMismatchError indicates an authorization response whose state did not
// match the originating request. Treated as a possible interception attempt:
// never retried, logged with high severity.
type StateMismatchError struct {
	// Expected is the context identifier the request was issued with.
	Expected string

	// Received is the context identifier recovered from the response.
	Received string
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("authorization state mismatch: expected context %q, got %q", e.Expected, e.Received)
}

// IsStateMismatch checks if an error is or wraps a StateMismatchError.
func IsStateMismatch(err error) bool {
	var target *StateMismatchError
	return errors.As(err, &target)
}

// ServerError is a well-formed error response from the token endpoint.
// Retried only for the transient code allow-list (see Transient).
type ServerError struct {
	// Code is the OAuth error code, e.g. "invalid_grant".
	Code string

	// Description is the server-provided human-readable detail.
	Description string

	// CorrelationID links the failure to server-side logs.
	CorrelationID string

	// StatusCode is the HTTP status the error arrived with.
	StatusCode int
}

func (e *ServerError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("server error %s: %s (correlation id %s)", e.Code, e.Description, e.CorrelationID)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Description)
}

// transientServerCodes is the fixed allow-list of server error codes that a
// caller may retry. Everything else is terminal for the attempted grant.
var transientServerCodes = map[string]bool{
	"temporarily_unavailable": true,
	"server_error":            true,
	"request_timeout":         true,
}

// Transient reports whether the server error is on the retry allow-list.
func (e *ServerError) Transient() bool {
	return transientServerCodes[e.Code]
}

// IsServerError checks if an error is or wraps a ServerError, returning it.
func IsServerError(err error) (*ServerError, bool) {
	var target *ServerError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// NetworkError indicates a transport-level failure (timeout, connection
// reset) during a protocol exchange, distinct from a well-formed non-2xx
// response. Retry-eligible with backoff at the caller's discretion.
type NetworkError struct {
	// Op is the operation that failed, e.g. "token_exchange".
	Op string

	// Cause is the underlying transport error.
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// NewNetworkError wraps a transport failure.
func NewNetworkError(op string, cause error) *NetworkError {
	return &NetworkError{Op: op, Cause: cause}
}

// IsNetworkError checks if an error is or wraps a NetworkError.
func IsNetworkError(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// InvalidCacheRecordError indicates a cache record whose persisted data is
// malformed (for example an unparsable expiry). Surfaced, never silently
// healed: corrupt data refreshing silently could mask wider corruption.
type InvalidCacheRecordError struct {
	// Key is the cache key of the offending record.
	Key string

	// Field is the record field that failed to parse.
	Field string

	// Message describes the corruption.
	Message string
}

func (e *InvalidCacheRecordError) Error() string {
	return fmt.Sprintf("invalid cache record %q: field %s: %s", e.Key, e.Field, e.Message)
}

// IsInvalidCacheRecord checks if an error is or wraps an InvalidCacheRecordError.
func IsInvalidCacheRecord(err error) bool {
	var target *InvalidCacheRecordError
	return errors.As(err, &target)
}

// CacheWriteError indicates an aborted cache write transaction. No partial
// state is observable when this is returned.
type CacheWriteError struct {
	// Cause is the storage failure that aborted the transaction.
	Cause error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("cache write transaction aborted: %v", e.Cause)
}

func (e *CacheWriteError) Unwrap() error { return e.Cause }

// IsCacheWrite checks if an error is or wraps a CacheWriteError.
func IsCacheWrite(err error) bool {
	var target *CacheWriteError
	return errors.As(err, &target)
}

// IpcConnectionError indicates a connection-level broker transport failure
// (broker absent, process death, malformed envelope, per-attempt timeout).
// Fallback-eligible: the coordinator moves on to the next transport.
type IpcConnectionError struct {
	// Transport names the transport that failed.
	Transport string

	// Cause is the underlying failure.
	Cause error
}

func (e *IpcConnectionError) Error() string {
	return fmt.Sprintf("broker transport %s: connection failure: %v", e.Transport, e.Cause)
}

func (e *IpcConnectionError) Unwrap() error { return e.Cause }

// NewIpcConnectionError wraps a transport-level broker failure.
func NewIpcConnectionError(transport string, cause error) *IpcConnectionError {
	return &IpcConnectionError{Transport: transport, Cause: cause}
}

// IsIpcConnection checks if an error is or wraps an IpcConnectionError.
func IsIpcConnection(err error) bool {
	var target *IpcConnectionError
	return errors.As(err, &target)
}

// OperationNotSupportedError indicates the selected transport does not
// implement the requested broker operation. Unsupported-by-design is not the
// same failure class as unavailable-right-now: the coordinator surfaces this
// immediately instead of falling through.
type OperationNotSupportedError struct {
	// Transport names the transport.
	Transport string

	// Operation is the unsupported broker operation.
	Operation string
}

func (e *OperationNotSupportedError) Error() string {
	return fmt.Sprintf("broker transport %s does not support operation %s", e.Transport, e.Operation)
}

// IsOperationNotSupported checks if an error is or wraps an OperationNotSupportedError.
func IsOperationNotSupported(err error) bool {
	var target *OperationNotSupportedError
	return errors.As(err, &target)
}

// UnauthorizedCallerError indicates the calling application failed the
// broker allow-list check. Raised before any transport is touched.
type UnauthorizedCallerError struct {
	// Caller is the identity that was rejected.
	Caller string

	// Operation is the broker operation that was requested.
	Operation string
}

func (e *UnauthorizedCallerError) Error() string {
	return fmt.Sprintf("caller %q is not authorized for broker operation %s", e.Caller, e.Operation)
}

// IsUnauthorizedCaller checks if an error is or wraps an UnauthorizedCallerError.
func IsUnauthorizedCaller(err error) bool {
	var target *UnauthorizedCallerError
	return errors.As(err, &target)
}

// IpcExhaustedError indicates every transport in the coordinator's
// preference list was attempted without success. Last carries the final
// concrete failure.
type IpcExhaustedError struct {
	// Attempted is the number of transports that were tried.
	Attempted int

	// Last is the last concrete error observed.
	Last error
}

func (e *IpcExhaustedError) Error() string {
	return fmt.Sprintf("all %d broker transports exhausted, last error: %v", e.Attempted, e.Last)
}

func (e *IpcExhaustedError) Unwrap() error { return e.Last }

// IsIpcExhausted checks if an error is or wraps an IpcExhaustedError.
func IsIpcExhausted(err error) bool {
	var target *IpcExhaustedError
	return errors.As(err, &target)
}

// Terminal reports whether the error is one of the security-sensitive or
// corruption kinds that a caller must surface distinctly and never retry.
func Terminal(err error) bool {
	return IsStateMismatch(err) || IsUnauthorizedCaller(err) || IsInvalidCacheRecord(err)
}

// RetryEligible reports whether a caller may reasonably retry the operation
// that produced err: network failures always, server errors only when their
// code is on the transient allow-list.
func RetryEligible(err error) bool {
	if Terminal(err) {
		return false
	}
	if IsNetworkError(err) {
		return true
	}
	if se, ok := IsServerError(err); ok {
		return se.Transient()
	}
	return false
}
