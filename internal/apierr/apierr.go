// Package apierr classifies failures of the external services the pipeline
// talks to, so callers can decide between retrying, skipping and aborting.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindNetwork         Kind = "network"
	KindAuth            Kind = "auth"
	KindNotFound        Kind = "not_found"
	KindPartialData     Kind = "partial_data"
	KindInvalidResponse Kind = "invalid_response"
)

// Sentinels matched through errors.Is against any *Error of the same kind
var (
	ErrNetwork         = errors.New("network error")
	ErrAuth            = errors.New("authentication error")
	ErrNotFound        = errors.New("not found")
	ErrPartialData     = errors.New("partial data")
	ErrInvalidResponse = errors.New("invalid response")
)

var sentinels = map[Kind]error{
	KindNetwork:         ErrNetwork,
	KindAuth:            ErrAuth,
	KindNotFound:        ErrNotFound,
	KindPartialData:     ErrPartialData,
	KindInvalidResponse: ErrInvalidResponse,
}

// Error is a failure reported by, or while talking to, an external component
type Error struct {
	Component  string
	Kind       Kind
	Message    string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Component, e.Message)}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Body != "" {
		parts = append(parts, "response="+truncate(e.Body, 500))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Transient reports whether a retry may succeed
func (e *Error) Transient() bool {
	return e.Kind == KindNetwork
}

func New(component string, kind Kind, message string) *Error {
	return &Error{Component: component, Kind: kind, Message: message}
}

// FromStatus classifies a non-2xx HTTP response
func FromStatus(component string, statusCode int, body string) *Error {
	e := &Error{
		Component:  component,
		StatusCode: statusCode,
		Body:       body,
	}
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		e.Kind = KindAuth
		e.Message = "authentication rejected"
	case statusCode == http.StatusNotFound:
		e.Kind = KindNotFound
		e.Message = "resource not found"
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout:
		e.Kind = KindNetwork
		e.Message = "rate limited"
	case statusCode >= 500:
		e.Kind = KindNetwork
		e.Message = "server error"
	default:
		e.Kind = KindInvalidResponse
		e.Message = "unexpected status"
	}
	return e
}

// FromTransport wraps an error returned by http.Client.Do. Context
// cancellation is kept permanent so retries stop when the caller gives up.
func FromTransport(component string, err error) *Error {
	kind := KindNetwork
	if errors.Is(err, context.Canceled) {
		kind = KindInvalidResponse
	}
	var netErr net.Error
	msg := "request failed"
	if errors.As(err, &netErr) && netErr.Timeout() {
		msg = "request timed out"
	}
	return &Error{Component: component, Kind: kind, Message: msg, Err: err}
}

// Wrap attaches a kind to an arbitrary error
func Wrap(component string, kind Kind, message string, err error) *Error {
	return &Error{Component: component, Kind: kind, Message: message, Err: err}
}

// IsTransient reports whether any *Error in the chain is retryable.
// Errors outside the taxonomy are treated as permanent.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient()
	}
	return false
}

// KindOf returns the kind of the first *Error in the chain, or "" if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the HTTP status attached to err, or 0
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// truncate keeps at most max runes of s
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
