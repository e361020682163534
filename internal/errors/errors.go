// Package errors defines the machine-readable error taxonomy shared by the
// service layer and both transports.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error kind.
type Code string

// Ambient codes.
const (
	ErrCodeNotFound        Code = "NOT_FOUND"
	ErrCodeInvalidInput    Code = "INVALID_INPUT"
	ErrCodeConflict        Code = "CONFLICT"
	ErrCodeUnauthenticated Code = "UNAUTHENTICATED"
	ErrCodeRateLimited     Code = "RATE_LIMITED"
	ErrCodeUnavailable     Code = "UNAVAILABLE"
	ErrCodeInternal        Code = "INTERNAL"
)

// Approval workflow codes.
const (
	ErrCodeDuplicateSubmission      Code = "DUPLICATE_SUBMISSION"
	ErrCodeWorkflowNotFound         Code = "WORKFLOW_NOT_FOUND"
	ErrCodeNoApplicableSteps        Code = "NO_APPLICABLE_STEPS"
	ErrCodeInstanceAlreadyFinalized Code = "INSTANCE_ALREADY_FINALIZED"
	ErrCodeNoActionableStep         Code = "NO_ACTIONABLE_STEP"
	ErrCodeUnauthorizedRole         Code = "UNAUTHORIZED_ROLE"
	ErrCodeMissingReason            Code = "MISSING_REASON"
	ErrCodeEntityNotFound           Code = "ENTITY_NOT_FOUND"
	ErrCodeSideEffectFailed         Code = "SIDE_EFFECT_FAILED"
)

// Error is the error type returned across package boundaries.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a request field that failed validation.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// CodeOf returns the code carried by err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// As is re-exported so callers do not need to import both packages.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Is is re-exported so callers do not need to import both packages.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// HTTPStatus maps a code to the HTTP status used by the REST transport.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeNotFound, ErrCodeWorkflowNotFound, ErrCodeEntityNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput, ErrCodeNoApplicableSteps:
		return http.StatusBadRequest
	case ErrCodeMissingReason:
		return http.StatusUnprocessableEntity
	case ErrCodeDuplicateSubmission, ErrCodeInstanceAlreadyFinalized,
		ErrCodeNoActionableStep, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnauthorizedRole:
		return http.StatusForbidden
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a code to the gRPC status code used by the gRPC transport.
func GRPCCode(code Code) codes.Code {
	switch code {
	case ErrCodeNotFound, ErrCodeWorkflowNotFound, ErrCodeEntityNotFound:
		return codes.NotFound
	case ErrCodeInvalidInput, ErrCodeMissingReason, ErrCodeNoApplicableSteps:
		return codes.InvalidArgument
	case ErrCodeDuplicateSubmission:
		return codes.AlreadyExists
	case ErrCodeInstanceAlreadyFinalized, ErrCodeConflict:
		return codes.FailedPrecondition
	case ErrCodeNoActionableStep:
		return codes.Aborted
	case ErrCodeUnauthorizedRole:
		return codes.PermissionDenied
	case ErrCodeUnauthenticated:
		return codes.Unauthenticated
	case ErrCodeRateLimited:
		return codes.ResourceExhausted
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
