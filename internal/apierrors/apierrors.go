package apierrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies every error the service reports to a caller.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindMethodNotAllowed
	KindTooManyRequests
	KindUnavailable
)

var (
	ErrBadRequest       = errors.New("bad request")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrTooManyRequests  = errors.New("too many requests")
	ErrInternal         = errors.New("internal error")
	ErrUnavailable      = errors.New("service unavailable")
)

var kinds = map[Kind]struct {
	status int
	title  string
	err    error
}{
	KindInternal:         {http.StatusInternalServerError, "Internal Server Error", ErrInternal},
	KindBadRequest:       {http.StatusBadRequest, "Bad Request", ErrBadRequest},
	KindUnauthorized:     {http.StatusUnauthorized, "Unauthorized", ErrUnauthorized},
	KindForbidden:        {http.StatusForbidden, "Forbidden", ErrForbidden},
	KindNotFound:         {http.StatusNotFound, "Not Found", ErrNotFound},
	KindMethodNotAllowed: {http.StatusMethodNotAllowed, "Method Not Allowed", ErrMethodNotAllowed},
	KindTooManyRequests:  {http.StatusTooManyRequests, "Too Many Requests", ErrTooManyRequests},
	KindUnavailable:      {http.StatusServiceUnavailable, "Service Unavailable", ErrUnavailable},
}

func (k Kind) String() string {
	return kinds[k].title
}

// Status returns the HTTP status code for k.
func (k Kind) Status() int {
	if v, ok := kinds[k]; ok {
		return v.status
	}
	return http.StatusInternalServerError
}

// Error is the caller-facing error. It renders as
// {"error": Title, "message": Message, <Context...>}.
type Error struct {
	Kind    Kind
	Title   string
	Message string
	Context map[string]any
	status  int
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Title: kind.String(), Message: message}
}

func BadRequest(message string) *Error   { return New(KindBadRequest, message) }
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }
func Forbidden(message string) *Error    { return New(KindForbidden, message) }
func NotFound(message string) *Error     { return New(KindNotFound, message) }
func Internal(message string) *Error     { return New(KindInternal, message) }
func Unavailable(message string) *Error  { return New(KindUnavailable, message) }

func TooManyRequests(message string) *Error {
	return New(KindTooManyRequests, message)
}

// WithTitle replaces the "error" field, e.g. to distinguish a CORS rejection
// from other 403s.
func (e *Error) WithTitle(title string) *Error {
	e.Title = title
	return e
}

// With adds a context field to the response body. The keys "error" and
// "message" are reserved and ignored.
func (e *Error) With(key string, value any) *Error {
	if key == "error" || key == "message" {
		return e
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// WithStatus overrides the HTTP status derived from the kind.
func (e *Error) WithStatus(code int) *Error {
	e.status = code
	return e
}

// Wrap records the internal cause. It is never rendered.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Title, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Title, e.Message)
}

// Is matches the sentinel for e's kind, so errors.Is(err, ErrUnauthorized) works.
func (e *Error) Is(target error) bool {
	return kinds[e.Kind].err == target
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) StatusCode() int {
	if e.status != 0 {
		return e.status
	}
	return e.Kind.Status()
}

func (e *Error) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(e.Context)+2)
	for k, v := range e.Context {
		body[k] = v
	}
	body["error"] = e.Title
	body["message"] = e.Message
	return json.Marshal(body)
}

// From converts any error into an *Error. Errors that are not already *Error
// become KindInternal with the error text as message.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err.Error()).Wrap(err)
}
