package types

import "fmt"

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

const (
	// ErrCodeInternalDB indicates a database operational failure (connection
	// dropped, query error). The engine treats this as a broken session.
	ErrCodeInternalDB ErrorCode = "internal_database_error"
	// ErrCodeBrokerUnavailable indicates the broker is unreachable or the
	// publish circuit breaker is open.
	ErrCodeBrokerUnavailable ErrorCode = "broker_unavailable"
	// ErrCodeBrokerPublish indicates a single publish attempt failed.
	ErrCodeBrokerPublish ErrorCode = "broker_publish_failed"
	// ErrCodeRoutingUnknown indicates a routing key matched no configured queue.
	ErrCodeRoutingUnknown ErrorCode = "routing_key_unknown"
	// ErrCodeInvalidKind indicates an unknown schedule kind.
	ErrCodeInvalidKind ErrorCode = "validation_invalid_kind"
	// ErrCodeInvalidPayload indicates a schedule entry payload is missing
	// fields its kind requires.
	ErrCodeInvalidPayload ErrorCode = "validation_invalid_payload"
)

// AppError is the standard application error type used throughout the core.
// Expressing domain errors as AppError enables consistent formatting and
// error chain support via errors.Is/errors.As.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewDBError wraps err as an internal_database_error.
func NewDBError(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternalDB, Message: message, Err: err}
}

// NewBrokerError wraps err with the given broker error code.
func NewBrokerError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}
