package emulator

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/fngate/internal/logging"
)

// EnqueuePath accepts new tasks for a queue
const EnqueuePath = "/queues/{queue}/tasks"

// EnqueueRequest is the body of POST /queues/{queue}/tasks. Data is a wire value.
type EnqueueRequest struct {
	ID           string          `json:"id,omitempty"`
	Data         json.RawMessage `json:"data"`
	DelaySeconds float64         `json:"delay_seconds,omitempty"`
	FunctionURL  string          `json:"function_url,omitempty"`
}

type EnqueueResponse struct {
	ID          string `json:"id"`
	Queue       string `json:"queue"`
	ScheduledAt string `json:"scheduled_at"`
}

// EnqueueHandler publishes tasks posted to EnqueuePath
func EnqueueHandler(e *Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue := r.PathValue("queue")

		var req EnqueueRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, 10<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if req.DelaySeconds < 0 {
			http.Error(w, "delay_seconds must not be negative", http.StatusBadRequest)
			return
		}
		if len(req.Data) == 0 {
			req.Data = json.RawMessage("null")
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		t := Task{ID: req.ID, Queue: queue, FunctionURL: req.FunctionURL, Payload: req.Data}
		delay := time.Duration(req.DelaySeconds * float64(time.Second))
		t, err := e.Enqueue(r.Context(), t, delay)
		if errors.Is(err, ErrNoQueue) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			logging.WithContext(r.Context()).WithTask(queue, t.ID).WithError(err).Error("enqueue failed")
			http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
			return
		}

		logging.WithContext(r.Context()).WithTask(queue, t.ID).WithField("delay_ms", delay.Milliseconds()).Info("task enqueued")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(EnqueueResponse{ID: t.ID, Queue: t.Queue, ScheduledAt: t.ScheduledAt})
	}
}
