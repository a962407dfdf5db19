package realtime

import (
	"errors"
	"fmt"
	"strings"
)

const (
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

// Error is the subsystem's error value. Scope names the component or
// conversation the error belongs to, Code is an HTTP-like status, and
// Temporary marks conditions worth retrying (store hiccups, timeouts).
type Error struct {
	Scope     string      `json:"scope,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s: %s (code: %d)", e.Scope, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) withCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) withDetails(details interface{}) *Error {
	e.Details = details
	return e
}

func wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Scope:     e.Scope,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			Details:   e.Details,
			cause:     e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func badRequest(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: StatusBadRequest}
}

func notFound(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: StatusNotFound}
}

func unauthorized(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: StatusUnauthorized}
}

func forbidden(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: StatusForbidden}
}

func internal(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: StatusInternalServerError}
}

func unavailable(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: StatusServiceUnavailable, Temporary: true}
}

func timeoutErr(scope, message string) *Error {
	return &Error{Scope: scope, Message: message, Code: StatusGatewayTimeout, Temporary: true}
}

// MultiError aggregates independent failures from fan-out style operations.
type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func combine(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}

func addError(base, extra error) error {
	if base == nil {
		return extra
	}
	if extra == nil {
		return base
	}

	var me *MultiError
	if errors.As(base, &me) {
		me.errors = append(me.errors, extra)
		return me
	}
	return &MultiError{errors: []error{base, extra}}
}

// errorFrame maps a rejection onto the wire error event for the family that
// produced it. Only the message and code travel to the client; causes stay in
// the logs.
func errorFrame(event string, err error) Frame {
	payload := map[string]interface{}{}

	var e *Error
	if errors.As(err, &e) {
		payload["error"] = e.Message
		payload["code"] = e.Code
		if e.Details != nil {
			payload["details"] = e.Details
		}
	} else if err != nil {
		payload["error"] = err.Error()
	}
	return Frame{Event: event, Payload: payload}
}
