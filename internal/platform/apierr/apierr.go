package apierr

import (
	"errors"
	"fmt"
	"net/http"

	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
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

// FromError maps the domain taxonomy onto an HTTP status and code.
func FromError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrNotFound):
		return New(http.StatusNotFound, "not_found", err)
	case errors.Is(err, apperr.ErrJobNotCancellable):
		return New(http.StatusConflict, "job_not_cancellable", err)
	case errors.Is(err, apperr.ErrDuplicateSequence):
		return New(http.StatusConflict, "duplicate_sequence", err)
	case errors.Is(err, apperr.ErrInvalidTransition):
		return New(http.StatusBadRequest, "invalid_transition", err)
	case errors.Is(err, apperr.ErrInput):
		return New(http.StatusBadRequest, "invalid_input", err)
	case errors.Is(err, apperr.ErrTimeout):
		return New(http.StatusGatewayTimeout, "timeout", err)
	default:
		return New(http.StatusInternalServerError, "internal", err)
	}
}
