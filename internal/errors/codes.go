// Package errors defines the coordinator error taxonomy and its HTTP mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/devrev/shardkv/internal/model"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	ErrorCodeEmptyRing            ErrorCode = "EMPTY_RING"
	ErrorCodeNodeUnreachable      ErrorCode = "NODE_UNREACHABLE"
	ErrorCodeNodeTimeout          ErrorCode = "NODE_TIMEOUT"
	ErrorCodeQuorumNotReached     ErrorCode = "QUORUM_NOT_REACHED"
	ErrorCodeKeyNotFound          ErrorCode = "KEY_NOT_FOUND"
	ErrorCodeWriteFailed          ErrorCode = "WRITE_FAILED"
	ErrorCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	ErrorCodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrorCodeNodeNotFound         ErrorCode = "NODE_NOT_FOUND"
	ErrorCodeRebalanceInProgress  ErrorCode = "REBALANCE_IN_PROGRESS"
	ErrorCodeInternalError        ErrorCode = "INTERNAL_ERROR"
	ErrorCodeRateLimited          ErrorCode = "RATE_LIMITED"
)

// CoordinatorError represents a policy-level failure with code and context
type CoordinatorError struct {
	Code      ErrorCode
	Message   string
	Details   map[string]interface{}
	Cause     error
	Responses []*model.NodeOutcome
}

// Error implements the error interface
func (e *CoordinatorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CoordinatorError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to an HTTP status
func (e *CoordinatorError) HTTPStatus() int {
	return HTTPStatus(e.Code)
}

// NewCoordinatorError creates a new CoordinatorError
func NewCoordinatorError(code ErrorCode, message string, cause error) *CoordinatorError {
	return &CoordinatorError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *CoordinatorError) WithDetail(key string, value interface{}) *CoordinatorError {
	e.Details[key] = value
	return e
}

// WithResponses attaches the per-node outcomes that led to the failure
func (e *CoordinatorError) WithResponses(responses []*model.NodeOutcome) *CoordinatorError {
	e.Responses = responses
	return e
}

// HTTPStatus maps an error code to an HTTP status code
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrorCodeInvalidConfiguration, ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrorCodeKeyNotFound, ErrorCodeNodeNotFound:
		return http.StatusNotFound
	case ErrorCodeRebalanceInProgress:
		return http.StatusConflict
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeNodeUnreachable, ErrorCodeWriteFailed:
		return http.StatusBadGateway
	case ErrorCodeEmptyRing, ErrorCodeQuorumNotReached:
		return http.StatusServiceUnavailable
	case ErrorCodeNodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Convenience constructors for common errors

func EmptyRing(cause error) *CoordinatorError {
	return NewCoordinatorError(ErrorCodeEmptyRing, "no storage nodes configured", cause)
}

func NodeUnreachable(node string, cause error) *CoordinatorError {
	return NewCoordinatorError(ErrorCodeNodeUnreachable, fmt.Sprintf("node %s unreachable", node), cause).
		WithDetail("node", node)
}

func NodeTimeout(node string, cause error) *CoordinatorError {
	return NewCoordinatorError(ErrorCodeNodeTimeout, fmt.Sprintf("node %s timed out", node), cause).
		WithDetail("node", node)
}

func QuorumNotReached(key string, successes, quorum int) *CoordinatorError {
	return NewCoordinatorError(ErrorCodeQuorumNotReached,
		fmt.Sprintf("quorum not reached for key '%s': %d/%d successful responses", key, successes, quorum), nil).
		WithDetail("key", key).
		WithDetail("successes", successes).
		WithDetail("quorum_size", quorum)
}

func KeyNotFound(key string) *CoordinatorError {
	return NewCoordinatorError(ErrorCodeKeyNotFound, fmt.Sprintf("key '%s' not found on any node", key), nil).
		WithDetail("key", key)
}

func WriteFailed(key string, targets int) *CoordinatorError {
	return NewCoordinatorError(ErrorCodeWriteFailed, fmt.Sprintf("unable to write key '%s' to any of %d nodes", key, targets), nil).
		WithDetail("key", key).
		WithDetail("target_replicas", targets)
}

func InvalidConfiguration(message string) *CoordinatorError {
	return NewCoordinatorError(ErrorCodeInvalidConfiguration, message, nil)
}

func InvalidRequest(message string, cause error) *CoordinatorError {
	return NewCoordinatorError(ErrorCodeInvalidRequest, message, cause)
}

func NodeNotFound(node string) *CoordinatorError {
	return NewCoordinatorError(ErrorCodeNodeNotFound, fmt.Sprintf("node '%s' not found", node), nil).
		WithDetail("node", node)
}

func RebalanceInProgress() *CoordinatorError {
	return NewCoordinatorError(ErrorCodeRebalanceInProgress, "a rebalance is already running", nil)
}

func InternalError(message string, cause error) *CoordinatorError {
	return NewCoordinatorError(ErrorCodeInternalError, message, cause)
}

// AsCoordinatorError extracts a CoordinatorError from err's chain
func AsCoordinatorError(err error) (*CoordinatorError, bool) {
	var ce *CoordinatorError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if ce, ok := AsCoordinatorError(err); ok {
		return ce.Code
	}
	return ErrorCodeInternalError
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	ce, ok := AsCoordinatorError(err)
	return ok && ce.Code == code
}
