package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Codes surfaced to clients. Handlers serialize these verbatim.
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeForbidden     = "FORBIDDEN"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeLimitExceeded = "LIMIT_EXCEEDED"
	CodeDuplicateKey  = "DUPLICATE_KEY"
	CodeInternal      = "INTERNAL_ERROR"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func BadRequest(format string, args ...any) *Error {
	return New(http.StatusBadRequest, CodeBadRequest, fmt.Errorf(format, args...))
}

func Unauthorized(format string, args ...any) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, fmt.Errorf(format, args...))
}

func Forbidden(format string, args ...any) *Error {
	return New(http.StatusForbidden, CodeForbidden, fmt.Errorf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(http.StatusNotFound, CodeNotFound, fmt.Errorf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(http.StatusConflict, CodeConflict, fmt.Errorf(format, args...))
}

func Internal(err error) *Error {
	return New(http.StatusInternalServerError, CodeInternal, err)
}

// From maps storage failures onto the taxonomy: unique violations become
// DUPLICATE_KEY, missing rows become NOT_FOUND, anything tagged keeps its tag.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return New(http.StatusConflict, CodeDuplicateKey, err)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return New(http.StatusNotFound, CodeNotFound, err)
	}
	return Internal(err)
}
