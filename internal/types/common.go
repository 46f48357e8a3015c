// Package types provides unified type definitions shared across the lab node.
package types

import (
	"fmt"
	"time"
)

// NodeStatus represents the reported status of the lab node.
type NodeStatus string

const (
	StatusOnline   NodeStatus = "ONLINE"
	StatusOffline  NodeStatus = "OFFLINE"
	StatusDegraded NodeStatus = "DEGRADED"
)

// String returns the string representation of the status.
func (s NodeStatus) String() string {
	return string(s)
}

// ErrorCode represents unified error codes returned by the node API.
type ErrorCode string

const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrNotAuthenticated ErrorCode = "NOT_AUTHENTICATED"
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrNodeMismatch     ErrorCode = "NODE_MISMATCH"
	ErrNoActiveSession  ErrorCode = "NO_ACTIVE_SESSION"
	ErrSessionConflict  ErrorCode = "SESSION_CONFLICT"
	ErrUnknownCommand   ErrorCode = "UNKNOWN_COMMAND"
	ErrHardwareFault    ErrorCode = "HARDWARE_FAULT"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// String returns the string representation of the error code.
func (e ErrorCode) String() string {
	return string(e)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e ErrorCode) HTTPStatusCode() int {
	switch e {
	case ErrInvalidRequest:
		return 400
	case ErrNotAuthenticated:
		return 401
	case ErrNodeMismatch:
		return 401
	case ErrPermissionDenied:
		return 403
	case ErrNoActiveSession:
		return 400
	case ErrSessionConflict:
		return 409
	case ErrUnknownCommand:
		return 400
	default:
		return 500
	}
}

// ErrorInfo represents detailed error information.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// Error returns a formatted error message.
func (e *ErrorInfo) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ResponseMeta represents metadata included in API responses.
type ResponseMeta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId"`
}

// NewResponseMeta creates a new ResponseMeta with the current timestamp.
func NewResponseMeta(requestID string) *ResponseMeta {
	return &ResponseMeta{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// ApiResponse represents the unified API response format.
type ApiResponse[T any] struct {
	Success  bool          `json:"success"`
	Data     T             `json:"data,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Metadata *ResponseMeta `json:"metadata,omitempty"`
}

// NewSuccessResponse creates a successful API response.
func NewSuccessResponse[T any](data T, requestID string) *ApiResponse[T] {
	return &ApiResponse[T]{
		Success:  true,
		Data:     data,
		Metadata: NewResponseMeta(requestID),
	}
}

// NewErrorResponse creates an error API response.
func NewErrorResponse(code ErrorCode, message string, requestID string) *ApiResponse[struct{}] {
	return &ApiResponse[struct{}]{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
		Metadata: NewResponseMeta(requestID),
	}
}

// NewErrorResponseWithDetails creates an error API response with details.
func NewErrorResponseWithDetails(code ErrorCode, message, details string, requestID string) *ApiResponse[struct{}] {
	return &ApiResponse[struct{}]{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Details: details,
		},
		Metadata: NewResponseMeta(requestID),
	}
}
