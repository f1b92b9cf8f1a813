// Package respond wraps an http.ResponseWriter so headers are committed exactly
// once and streamed frames are serialized and flushed.
package respond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/austindbirch/fngate/internal/fnerr"
	"github.com/austindbirch/fngate/internal/wire"
)

// ErrHeaderWritten is returned when headers are changed after the first byte
var ErrHeaderWritten = errors.New("response headers already written")

// ErrClosed is returned by stream writes after the client went away
var ErrClosed = errors.New("client connection closed")

const (
	ContentTypeJSON        = "application/json"
	ContentTypeEventStream = "text/event-stream"
)

type Writer struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	ctx context.Context

	mu          sync.Mutex
	wroteHeader bool
	status      int
	writeErr    error
}

// NewWriter wraps w. The request context signals client disconnects.
func NewWriter(w http.ResponseWriter, r *http.Request) *Writer {
	return &Writer{
		w:   w,
		rc:  http.NewResponseController(w),
		ctx: r.Context(),
	}
}

// Header exposes the pending header map. Use SetHeader to get the once-only check.
func (w *Writer) Header() http.Header {
	return w.w.Header()
}

func (w *Writer) HeaderWritten() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wroteHeader
}

// Status returns the status that was committed, or zero
func (w *Writer) Status() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// SetHeader sets a header unless the response already started
func (w *Writer) SetHeader(key, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wroteHeader {
		return ErrHeaderWritten
	}
	w.w.Header().Set(key, value)
	return nil
}

// AddHeader appends a header value unless the response already started
func (w *Writer) AddHeader(key, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wroteHeader {
		return ErrHeaderWritten
	}
	w.w.Header().Add(key, value)
	return nil
}

// WriteHeader commits the status line. A second call is an error.
func (w *Writer) WriteHeader(status int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeHeaderLocked(status)
}

func (w *Writer) writeHeaderLocked(status int) error {
	if w.wroteHeader {
		return ErrHeaderWritten
	}
	w.wroteHeader = true
	w.status = status
	w.w.WriteHeader(status)
	return nil
}

// Closed reports whether the client disconnected or a write failed
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closedLocked()
}

func (w *Writer) closedLocked() bool {
	return w.writeErr != nil || w.ctx.Err() != nil
}

// Done is closed when the client goes away
func (w *Writer) Done() <-chan struct{} {
	return w.ctx.Done()
}

// JSON writes a complete JSON response
func (w *Writer) JSON(status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wroteHeader {
		return ErrHeaderWritten
	}
	w.w.Header().Set("Content-Type", ContentTypeJSON)
	if err := w.writeHeaderLocked(status); err != nil {
		return err
	}
	return w.writeLocked(body)
}

// Error writes the {"error": {...}} envelope with the code's HTTP status
func (w *Writer) Error(e *fnerr.Error) error {
	return w.JSON(e.HTTPStatus(), map[string]fnerr.Body{"error": ErrorBody(e)})
}

// ErrorBody returns the wire body of e with its details wire-encoded.
// Details that cannot be encoded are dropped.
func ErrorBody(e *fnerr.Error) fnerr.Body {
	body := e.Body()
	if body.Details != nil {
		d, err := wire.Encode(body.Details)
		if err != nil {
			d = nil
		}
		body.Details = d
	}
	return body
}

// NoContent writes an empty 204
func (w *Writer) NoContent() error {
	return w.WriteHeader(http.StatusNoContent)
}

// StartStream commits a 200 event-stream response and flushes the headers
func (w *Writer) StartStream() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wroteHeader {
		return ErrHeaderWritten
	}
	h := w.w.Header()
	h.Set("Content-Type", ContentTypeEventStream)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if err := w.writeHeaderLocked(http.StatusOK); err != nil {
		return err
	}
	return w.flushLocked()
}

// Event writes one "data: <json>" frame and flushes it
func (w *Writer) Event(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, "\n\n"...)
	return w.frame(frame)
}

// Comment writes an event-stream comment frame, used for heartbeats
func (w *Writer) Comment(text string) error {
	return w.frame([]byte(": " + text + "\n\n"))
}

func (w *Writer) frame(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.wroteHeader {
		return errors.New("stream not started")
	}
	if w.closedLocked() {
		return ErrClosed
	}
	if err := w.writeLocked(b); err != nil {
		return err
	}
	return w.flushLocked()
}

func (w *Writer) writeLocked(b []byte) error {
	if _, err := w.w.Write(b); err != nil {
		w.writeErr = err
		return err
	}
	return nil
}

// Flush pushes buffered bytes to the client
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if err := w.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		w.writeErr = err
		return err
	}
	return nil
}
