// Package apperr defines the error taxonomy shared by the realtime services
// and the HTTP handlers.
package apperr

import (
	"errors"
	"net/http"
)

type Code string

const (
	Unauthenticated Code = "unauthenticated"
	Forbidden       Code = "forbidden"
	NotFound        Code = "not_found"
	InvalidArgument Code = "invalid_argument"
	Conflict        Code = "conflict"
	RateLimited     Code = "rate_limited"
	Unavailable     Code = "unavailable"
	Internal        Code = "internal"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf reports the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Payload is the client-facing shape of an error.
type Payload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Public strips wrapped causes. Internal and unavailable failures are
// reported with a generic message.
func Public(err error) Payload {
	code := CodeOf(err)
	switch code {
	case Internal:
		return Payload{Code: Internal, Message: "Internal server error"}
	case Unavailable:
		return Payload{Code: Unavailable, Message: "Service temporarily unavailable"}
	}
	var e *Error
	errors.As(err, &e)
	return Payload{Code: code, Message: e.Message}
}

func HTTPStatus(code Code) int {
	switch code {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case InvalidArgument:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
