package emulator

import "time"

const DLQType = "task.dlq"

type DeadLetter struct {
	Type       string `json:"type"`    // "task.dlq"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the task was dead-lettered
	Reason     string `json:"reason"`
	Attempt    int    `json:"attempt"` // dispatches made
	HTTPStatus int    `json:"http_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Task       Task   `json:"task"`
}

func NewDeadLetter(t Task, attempt, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Task:       t,
	}
}
