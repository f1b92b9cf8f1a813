package fnerr

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code is a canonical function error code. Values match the gRPC code numbering.
type Code codes.Code

const (
	OK                 = Code(codes.OK)
	Cancelled          = Code(codes.Canceled)
	Unknown            = Code(codes.Unknown)
	InvalidArgument    = Code(codes.InvalidArgument)
	DeadlineExceeded   = Code(codes.DeadlineExceeded)
	NotFound           = Code(codes.NotFound)
	AlreadyExists      = Code(codes.AlreadyExists)
	PermissionDenied   = Code(codes.PermissionDenied)
	ResourceExhausted  = Code(codes.ResourceExhausted)
	FailedPrecondition = Code(codes.FailedPrecondition)
	Aborted            = Code(codes.Aborted)
	OutOfRange         = Code(codes.OutOfRange)
	Unimplemented      = Code(codes.Unimplemented)
	Internal           = Code(codes.Internal)
	Unavailable        = Code(codes.Unavailable)
	DataLoss           = Code(codes.DataLoss)
	Unauthenticated    = Code(codes.Unauthenticated)
)

type codeInfo struct {
	name   string // lowercase kebab name used by handlers
	status string // canonical uppercase name on the wire
	http   int
}

var codeTable = map[Code]codeInfo{
	OK:                 {"ok", "OK", http.StatusOK},
	Cancelled:          {"cancelled", "CANCELLED", 499},
	Unknown:            {"unknown", "UNKNOWN", http.StatusInternalServerError},
	InvalidArgument:    {"invalid-argument", "INVALID_ARGUMENT", http.StatusBadRequest},
	DeadlineExceeded:   {"deadline-exceeded", "DEADLINE_EXCEEDED", http.StatusGatewayTimeout},
	NotFound:           {"not-found", "NOT_FOUND", http.StatusNotFound},
	AlreadyExists:      {"already-exists", "ALREADY_EXISTS", http.StatusConflict},
	PermissionDenied:   {"permission-denied", "PERMISSION_DENIED", http.StatusForbidden},
	Unauthenticated:    {"unauthenticated", "UNAUTHENTICATED", http.StatusUnauthorized},
	ResourceExhausted:  {"resource-exhausted", "RESOURCE_EXHAUSTED", http.StatusTooManyRequests},
	FailedPrecondition: {"failed-precondition", "FAILED_PRECONDITION", http.StatusBadRequest},
	Aborted:            {"aborted", "ABORTED", http.StatusConflict},
	OutOfRange:         {"out-of-range", "OUT_OF_RANGE", http.StatusBadRequest},
	Unimplemented:      {"unimplemented", "UNIMPLEMENTED", http.StatusNotImplemented},
	Internal:           {"internal", "INTERNAL", http.StatusInternalServerError},
	Unavailable:        {"unavailable", "UNAVAILABLE", http.StatusServiceUnavailable},
	DataLoss:           {"data-loss", "DATA_LOSS", http.StatusInternalServerError},
}

// Valid reports whether c is one of the canonical codes
func (c Code) Valid() bool {
	_, ok := codeTable[c]
	return ok
}

// String returns the lowercase kebab name (e.g. "not-found")
func (c Code) String() string {
	if info, ok := codeTable[c]; ok {
		return info.name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Status returns the canonical wire name (e.g. "NOT_FOUND")
func (c Code) Status() string {
	if info, ok := codeTable[c]; ok {
		return info.status
	}
	return codeTable[Internal].status
}

// HTTPStatus returns the HTTP status code for c
func (c Code) HTTPStatus() int {
	if info, ok := codeTable[c]; ok {
		return info.http
	}
	return http.StatusInternalServerError
}

// ParseCode looks up a code by its kebab name or its canonical name
func ParseCode(s string) (Code, bool) {
	for c, info := range codeTable {
		if info.name == s || info.status == s {
			return c, true
		}
	}
	return Internal, false
}

// Error is a structured error a handler returns to control what the caller sees.
type Error struct {
	Code    Code
	Message string
	Details any
	cause   error
}

// New creates a structured error. An invalid code is coerced to Internal.
func New(code Code, message string, details ...any) *Error {
	if !code.Valid() {
		code = Internal
	}
	e := &Error{Code: code, Message: message}
	if len(details) == 1 {
		e.Details = details[0]
	} else if len(details) > 1 {
		e.Details = details
	}
	return e
}

// Errorf creates a structured error with a formatted message
func Errorf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error that keeps cause for server-side logging
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatus returns the HTTP status code for this error
func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Body is the JSON shape of an error on the wire
type Body struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Body returns the wire form of the error. Details are passed through as given.
func (e *Error) Body() Body {
	return Body{Status: e.Code.Status(), Message: e.Message, Details: e.Details}
}

// Envelope wraps the body as {"error": {...}}
func (e *Error) Envelope() map[string]Body {
	return map[string]Body{"error": e.Body()}
}

var (
	// ErrBadRequest is returned for any structurally invalid request
	ErrBadRequest = New(InvalidArgument, "Bad Request")
	// ErrUnauthenticated is returned when a presented token fails verification
	ErrUnauthenticated = New(Unauthenticated, "Unauthenticated")
	// ErrInternal is returned for any unexpected failure; its message never leaks details
	ErrInternal = New(Internal, "INTERNAL")
)

// From maps an arbitrary handler error to a structured one.
// The second result is false when err was not a structured error and got coerced to Internal;
// callers log the original in that case.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, true
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		return New(Code(st.Code()), st.Message()), true
	}
	return ErrInternal, false
}

// PanicError is a recovered handler panic. It is never structured, so it always
// reaches the caller as Internal.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("function panicked: %v", e.Value)
}
