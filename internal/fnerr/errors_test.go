package fnerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCodeTable(t *testing.T) {
	tests := []struct {
		code   Code
		name   string
		status string
		http   int
	}{
		{OK, "ok", "OK", 200},
		{Cancelled, "cancelled", "CANCELLED", 499},
		{Unknown, "unknown", "UNKNOWN", 500},
		{InvalidArgument, "invalid-argument", "INVALID_ARGUMENT", 400},
		{DeadlineExceeded, "deadline-exceeded", "DEADLINE_EXCEEDED", 504},
		{NotFound, "not-found", "NOT_FOUND", 404},
		{AlreadyExists, "already-exists", "ALREADY_EXISTS", 409},
		{PermissionDenied, "permission-denied", "PERMISSION_DENIED", 403},
		{Unauthenticated, "unauthenticated", "UNAUTHENTICATED", 401},
		{ResourceExhausted, "resource-exhausted", "RESOURCE_EXHAUSTED", 429},
		{FailedPrecondition, "failed-precondition", "FAILED_PRECONDITION", 400},
		{Aborted, "aborted", "ABORTED", 409},
		{OutOfRange, "out-of-range", "OUT_OF_RANGE", 400},
		{Unimplemented, "unimplemented", "UNIMPLEMENTED", 501},
		{Internal, "internal", "INTERNAL", 500},
		{Unavailable, "unavailable", "UNAVAILABLE", 503},
		{DataLoss, "data-loss", "DATA_LOSS", 500},
	}

	if len(tests) != len(codeTable) {
		t.Fatalf("code table has %d entries, test covers %d", len(codeTable), len(tests))
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.code.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.code.Status(); got != tt.status {
				t.Errorf("Status() = %q, want %q", got, tt.status)
			}
			if got := tt.code.HTTPStatus(); got != tt.http {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.http)
			}
			if c, ok := ParseCode(tt.name); !ok || c != tt.code {
				t.Errorf("ParseCode(%q) = %v, %v", tt.name, c, ok)
			}
			if c, ok := ParseCode(tt.status); !ok || c != tt.code {
				t.Errorf("ParseCode(%q) = %v, %v", tt.status, c, ok)
			}
		})
	}
}

func TestNewCoercesInvalidCode(t *testing.T) {
	e := New(Code(99), "boom")
	if e.Code != Internal {
		t.Errorf("New() code = %v, want internal", e.Code)
	}
}

func TestErrorEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "without details",
			err:      New(NotFound, "i am error"),
			expected: `{"error":{"status":"NOT_FOUND","message":"i am error"}}`,
		},
		{
			name:     "with details",
			err:      New(FailedPrecondition, "nope", map[string]any{"field": "x"}),
			expected: `{"error":{"status":"FAILED_PRECONDITION","message":"nope","details":{"field":"x"}}}`,
		},
		{
			name:     "bad request",
			err:      ErrBadRequest,
			expected: `{"error":{"status":"INVALID_ARGUMENT","message":"Bad Request"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.err.Envelope())
			if err != nil {
				t.Fatalf("json.Marshal() error: %v", err)
			}
			if string(raw) != tt.expected {
				t.Errorf("Envelope() = %s, want %s", raw, tt.expected)
			}
		})
	}
}

func TestFrom(t *testing.T) {
	structured := New(PermissionDenied, "no")

	tests := []struct {
		name       string
		err        error
		wantCode   Code
		wantMsg    string
		structured bool
	}{
		{
			name:       "structured error passes through",
			err:        structured,
			wantCode:   PermissionDenied,
			wantMsg:    "no",
			structured: true,
		},
		{
			name:       "wrapped structured error",
			err:        fmt.Errorf("outer: %w", structured),
			wantCode:   PermissionDenied,
			wantMsg:    "no",
			structured: true,
		},
		{
			name:       "grpc status",
			err:        status.Error(codes.NotFound, "missing doc"),
			wantCode:   NotFound,
			wantMsg:    "missing doc",
			structured: true,
		},
		{
			name:       "plain error coerced to internal",
			err:        errors.New("database exploded"),
			wantCode:   Internal,
			wantMsg:    "INTERNAL",
			structured: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := From(tt.err)
			if ok != tt.structured {
				t.Errorf("From() structured = %v, want %v", ok, tt.structured)
			}
			if got.Code != tt.wantCode {
				t.Errorf("From() code = %v, want %v", got.Code, tt.wantCode)
			}
			if got.Message != tt.wantMsg {
				t.Errorf("From() message = %q, want %q", got.Message, tt.wantMsg)
			}
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("root")
	e := Wrap(Unavailable, "try later", cause)
	if !errors.Is(e, cause) {
		t.Error("Wrap() should unwrap to the cause")
	}
	if e.HTTPStatus() != 503 {
		t.Errorf("HTTPStatus() = %d, want 503", e.HTTPStatus())
	}
}
