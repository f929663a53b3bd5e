package protocol

import (
	"errors"
	"fmt"
)

// StatusCode is the outcome of a match request.
type StatusCode string

const (
	OK                 StatusCode = "OK"
	NotRegistered      StatusCode = "NOT_REGISTERED"
	NotAuthorized      StatusCode = "NOT_AUTHORIZED"
	NotAllowed         StatusCode = "NOT_ALLOWED"
	Paused             StatusCode = "PAUSED"
	NotFound           StatusCode = "NOT_FOUND"
	AlreadyLaunched    StatusCode = "ALREADY_LAUNCHED"
	UnhandledException StatusCode = "UNHANDLED_EXCEPTION"
	BadRequest         StatusCode = "BAD_REQUEST"
	RateLimited        StatusCode = "RATE_LIMITED"
)

var knownCodes = map[StatusCode]struct{}{
	OK:                 {},
	NotRegistered:      {},
	NotAuthorized:      {},
	NotAllowed:         {},
	Paused:             {},
	NotFound:           {},
	AlreadyLaunched:    {},
	UnhandledException: {},
	BadRequest:         {},
	RateLimited:        {},
}

func IsKnownCode(code StatusCode) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is a status code with an optional message. Errors compare equal
// under errors.Is when their codes match.
type Error struct {
	Code    StatusCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Errorf returns an *Error with a formatted message.
func Errorf(code StatusCode, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrNotRegistered   = &Error{Code: NotRegistered}
	ErrNotAuthorized   = &Error{Code: NotAuthorized}
	ErrNotAllowed      = &Error{Code: NotAllowed}
	ErrPaused          = &Error{Code: Paused}
	ErrNotFound        = &Error{Code: NotFound}
	ErrAlreadyLaunched = &Error{Code: AlreadyLaunched}
)

// CodeOf maps err to the status code reported to clients. Errors that carry
// no code are unexpected failures.
func CodeOf(err error) StatusCode {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return UnhandledException
}

// MessageOf returns the message text reported alongside CodeOf.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
