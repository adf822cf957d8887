package errors

import (
	"errors"
	"fmt"
	"net/http"

	"ringnet/internal/core/domain"
)

// ErrorCode classifies application errors for the HTTP/WS boundary.
type ErrorCode string

const (
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeAlreadyInCall    ErrorCode = "ALREADY_IN_CALL"
	ErrCodeMediaAcquisition ErrorCode = "MEDIA_ACQUISITION_FAILED"
	ErrCodeSignalingWrite   ErrorCode = "SIGNALING_WRITE_FAILED"
	ErrCodeCallTimeout      ErrorCode = "CALL_TIMEOUT"
	ErrCodeMalformed        ErrorCode = "MALFORMED_DOCUMENT"
	ErrCodeRateLimit        ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// AppError carries a code, user-facing message and HTTP status alongside the
// wrapped cause.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Cause: err}
}

func NewInvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return New(ErrCodeInternal, message, http.StatusInternalServerError)
}

// FromDomain maps the call domain's sentinel errors onto transport errors so
// handlers return a distinguishable reason instead of a bare 500.
func FromDomain(err error) *AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrAlreadyInCall):
		return Wrap(err, ErrCodeAlreadyInCall, "already in a call", http.StatusConflict)
	case errors.Is(err, domain.ErrSessionNotFound):
		return Wrap(err, ErrCodeNotFound, "call session not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvitationNotFound):
		return Wrap(err, ErrCodeNotFound, "invitation not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrMediaAcquisition):
		return Wrap(err, ErrCodeMediaAcquisition, "could not access capture devices", http.StatusConflict)
	case errors.Is(err, domain.ErrSignalingWrite):
		return Wrap(err, ErrCodeSignalingWrite, "signaling store unreachable", http.StatusBadGateway)
	case errors.Is(err, domain.ErrCallTimeout):
		return Wrap(err, ErrCodeCallTimeout, "call setup timed out", http.StatusGatewayTimeout)
	case errors.Is(err, domain.ErrMalformedDocument):
		return Wrap(err, ErrCodeMalformed, "malformed signaling document", http.StatusUnprocessableEntity)
	default:
		return Wrap(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// GetAppError extracts an AppError from the error chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
