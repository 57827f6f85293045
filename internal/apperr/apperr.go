package apperr

import (
	"fmt"
	"net/http"
)

const (
	CodeValidation = "VALIDATION"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"

	CodeUniqueConstraint = "DB_UNIQUE_CONSTRAINT"
	CodeRecordNotFound   = "DB_RECORD_NOT_FOUND"
	CodeOperationFailed  = "DB_OPERATION_FAILED"
)

// Error is the typed error every repository and service operation
// either returns or wraps. Status is the HTTP status the transport
// layer maps it to; this package never writes responses itself.
type Error struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(message string) *Error {
	return &Error{Code: CodeValidation, Status: http.StatusBadRequest, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

func Conflict(message string) *Error {
	return &Error{Code: CodeConflict, Status: http.StatusConflict, Message: message}
}

func Internal(message string, err error) *Error {
	return &Error{Code: CodeOperationFailed, Status: http.StatusInternalServerError, Message: message, Err: err}
}
