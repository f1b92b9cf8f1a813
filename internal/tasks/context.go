package tasks

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/fngate/internal/auth"
)

// Headers set by the queue on every dispatch
const (
	HeaderQueueName        = "X-CloudTasks-QueueName"
	HeaderTaskName         = "X-CloudTasks-TaskName"
	HeaderRetryCount       = "X-CloudTasks-TaskRetryCount"
	HeaderExecutionCount   = "X-CloudTasks-TaskExecutionCount"
	HeaderETA              = "X-CloudTasks-TaskETA"
	HeaderPreviousResponse = "X-CloudTasks-TaskPreviousResponse"
	HeaderRetryReason      = "X-CloudTasks-TaskRetryReason"
)

// Context is what a task handler learns about the dispatch. Numeric fields are
// nil when the queue did not send them.
type Context struct {
	Auth *auth.AuthData

	QueueName        string
	ID               string
	RetryCount       *int
	ExecutionCount   *int
	ScheduledTime    string
	PreviousResponse *int
	RetryReason      string
	// Headers holds every request header except Authorization
	Headers map[string]string

	RawRequest *http.Request
}

// ContextFromRequest reads the queue headers of r
func ContextFromRequest(r *http.Request) *Context {
	h := r.Header
	tc := &Context{
		QueueName:        h.Get(HeaderQueueName),
		ID:               h.Get(HeaderTaskName),
		RetryCount:       headerInt(h, HeaderRetryCount),
		ExecutionCount:   headerInt(h, HeaderExecutionCount),
		PreviousResponse: headerInt(h, HeaderPreviousResponse),
		RetryReason:      h.Get(HeaderRetryReason),
		Headers:          make(map[string]string, len(h)),
		RawRequest:       r,
	}
	if eta := h.Get(HeaderETA); eta != "" {
		tc.ScheduledTime, _ = ParseETA(eta)
	}
	for k, v := range h {
		if strings.EqualFold(k, auth.HeaderAuthorization) {
			continue
		}
		tc.Headers[k] = strings.Join(v, ", ")
	}
	return tc
}

func headerInt(h http.Header, key string) *int {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

// ParseETA converts a schedule time given as epoch seconds (fractions allowed)
// or RFC 3339 into RFC 3339 UTC.
func ParseETA(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(secs) && !math.IsInf(secs, 0) {
		whole, frac := math.Modf(secs)
		t := time.Unix(int64(whole), int64(math.Round(frac*1e3))*int64(time.Millisecond))
		return t.UTC().Format(time.RFC3339Nano), true
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC().Format(time.RFC3339Nano), true
	}
	return "", false
}
