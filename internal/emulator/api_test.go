package emulator

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEnqueueHandler(t *testing.T) {
	quietLogs(t)

	tests := []struct {
		name       string
		body       string
		pubErr     error
		wantStatus int
		wantDelay  time.Duration
	}{
		{name: "immediate", body: `{"data":{"n":1}}`, wantStatus: http.StatusCreated},
		{name: "delayed", body: `{"id":"fixed","data":"x","delay_seconds":1.5}`, wantStatus: http.StatusCreated, wantDelay: 1500 * time.Millisecond},
		{name: "no data", body: `{}`, wantStatus: http.StatusCreated},
		{name: "bad json", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", body: `{"payload":1}`, wantStatus: http.StatusBadRequest},
		{name: "negative delay", body: `{"delay_seconds":-1}`, wantStatus: http.StatusBadRequest},
		{name: "publish failure", body: `{"data":1}`, pubErr: errors.New("down"), wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{err: tt.pubErr}
			mux := http.NewServeMux()
			mux.Handle("POST "+EnqueuePath, EnqueueHandler(NewEnqueuer(pub, "tasks")))

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/queues/resize/tasks", strings.NewReader(tt.body)))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusCreated {
				return
			}

			var resp EnqueueResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			msg := pub.last(t)
			if msg.delay != tt.wantDelay {
				t.Errorf("delay = %v, want %v", msg.delay, tt.wantDelay)
			}
			var sent Task
			if err := json.Unmarshal(msg.body, &sent); err != nil {
				t.Fatal(err)
			}
			if sent.Queue != "resize" || resp.Queue != "resize" || sent.ID != resp.ID || resp.ID == "" {
				t.Errorf("sent %+v, response %+v", sent, resp)
			}
			if sent.ScheduledAt != resp.ScheduledAt {
				t.Errorf("scheduled_at = %q, sent %q", resp.ScheduledAt, sent.ScheduledAt)
			}
		})
	}
}
