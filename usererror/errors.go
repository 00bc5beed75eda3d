package usererror

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Fields is a string map holding information about an error, used for logging
type Fields map[string]interface{}

// ErrorBuilder builds an error from the fields in a string map
type ErrorBuilder struct {
	fields Fields
	cause  error
}

// BuildError starts an error carrying fields
func BuildError(fields Fields) *ErrorBuilder {
	return &ErrorBuilder{fields: fields}
}

// WithCause sets the underlying error
func (eb *ErrorBuilder) WithCause(err error) *ErrorBuilder {
	eb.cause = err
	return eb
}

// CreateError builds an error from a HTTP status code and a message meant for the client
func CreateError(code int, message string) *UserError {
	return &UserError{
		Code:    code,
		Message: message,
	}
}

// CreateError builds an error from a HTTP status code, a message string and the builder's fields and cause
func (eb *ErrorBuilder) CreateError(code int, message string) *UserError {
	return &UserError{
		Code:    code,
		Message: message,
		Fields:  eb.fields,
		cause:   eb.cause,
	}
}

// UserError is an error whose message is safe to show to the HTTP client.
// The cause and fields are for logs only.
type UserError struct {
	Code    int
	Message string
	Fields  Fields
	cause   error
}

func (ue *UserError) Error() string {
	s := fmt.Sprintf("UserError: Code: %d, Message: %s", ue.Code, ue.Message)
	if len(ue.Fields) > 0 {
		names := make([]string, 0, len(ue.Fields))
		for k := range ue.Fields {
			names = append(names, k)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%+v", name, ue.Fields[name]))
		}
		s = fmt.Sprintf("%s Fields: %s", s, strings.Join(parts, " "))
	}
	if ue.cause != nil {
		s = fmt.Sprintf("%s: %v", s, ue.cause)
	}
	return s
}

// Cause returns the underlying error, for errors.Cause
func (ue *UserError) Cause() error { return ue.cause }

// Unwrap returns the underlying error, for errors.Is and errors.As
func (ue *UserError) Unwrap() error { return ue.cause }

// Write renders err as a plain text response. Errors that aren't UserErrors become a bare 500.
func Write(w http.ResponseWriter, err error) {
	var ue *UserError
	if !errors.As(err, &ue) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(ue.Code)
	_, _ = w.Write([]byte(ue.Message))
}
