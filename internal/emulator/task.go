// Package emulator is a local stand-in for a task queue. Tasks are published to
// NSQ, dispatched to task functions over HTTP with the queue headers a hosted
// queue would send, and retried or dead-lettered by the queue's RetryConfig.
package emulator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/fngate/internal/wire"
)

type Task struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	FunctionURL string          `json:"function_url,omitempty"` // derived from the queue when empty
	Payload     json.RawMessage `json:"payload"`                // wire-encoded data
	Attempt     int             `json:"attempt"`                // dispatches made so far
	Executions  int             `json:"executions"`             // dispatches that got an HTTP response
	FirstTryAt  string          `json:"first_try_at,omitempty"` // RFC3339, set on the first dispatch
	ScheduledAt string          `json:"scheduled_at"`           // RFC3339
	// PreviousResponse is the HTTP status of the last failed dispatch, zero if none
	PreviousResponse int               `json:"previous_response,omitempty"`
	RetryReason      string            `json:"retry_reason,omitempty"`
	TraceHeaders     map[string]string `json:"trace_headers,omitempty"`
}

// NewTask wire-encodes data into a fresh task for queue
func NewTask(queue string, data any) (Task, error) {
	payload, err := wire.EncodeJSON(data)
	if err != nil {
		return Task{}, fmt.Errorf("encode task data: %w", err)
	}
	return Task{ID: uuid.NewString(), Queue: queue, Payload: payload}, nil
}

// ScheduleTime parses ScheduledAt, falling back to now
func (t Task) ScheduleTime(now time.Time) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, t.ScheduledAt); err == nil {
		return ts
	}
	return now
}

func (t Task) firstTry() (time.Time, bool) {
	ts, err := time.Parse(time.RFC3339Nano, t.FirstTryAt)
	return ts, err == nil
}
