package emulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/austindbirch/fngate/internal/logging"
	"github.com/austindbirch/fngate/internal/metrics"
	"github.com/austindbirch/fngate/internal/tasks"
	"github.com/austindbirch/fngate/internal/tracing"
)

type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeRetry      Outcome = "retry"
	OutcomeDeadLetter Outcome = "dead_letter"
)

// TokenSource supplies the bearer token sent with each dispatch
type TokenSource func(ctx context.Context) (string, error)

type DispatcherOptions struct {
	Client *http.Client
	// BaseURL is where functions are served, used for tasks without a FunctionURL
	BaseURL string
	// Policies holds per-queue settings, queues not listed use Default
	Policies map[string]QueuePolicy
	Default  *QueuePolicy
	// Requeue republishes failed tasks with their updated attempt state
	Requeue  *Enqueuer
	DLQ      Publisher // nil disables dead-letter publishing
	DLQTopic string
	Token    TokenSource
	Now      func() time.Time
}

type queueState struct {
	policy  QueuePolicy
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// Dispatcher delivers queued tasks to their functions. It is an nsq.Handler.
type Dispatcher struct {
	opts DispatcherOptions

	mu     sync.Mutex
	queues map[string]*queueState
}

var _ nsq.Handler = (*Dispatcher)(nil)

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Default == nil {
		def := DefaultPolicy()
		opts.Default = &def
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{opts: opts, queues: map[string]*queueState{}}
}

// MaxInFlight is the largest concurrency any queue allows, for the consumer config
func (d *Dispatcher) MaxInFlight() int {
	n := d.opts.Default.Limits.MaxConcurrent
	for _, p := range d.opts.Policies {
		if p.Limits.MaxConcurrent > n {
			n = p.Limits.MaxConcurrent
		}
	}
	return n
}

func (d *Dispatcher) queue(name string) *queueState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[name]; ok {
		return q
	}
	policy, ok := d.opts.Policies[name]
	if !ok {
		policy = *d.opts.Default
	}
	burst := int(policy.Limits.PerSecond)
	if burst < 1 {
		burst = 1
	}
	q := &queueState{
		policy:  policy,
		limiter: rate.NewLimiter(rate.Limit(policy.Limits.PerSecond), burst),
		sem:     semaphore.NewWeighted(int64(policy.Limits.MaxConcurrent)),
	}
	d.queues[name] = q
	return q
}

// HandleMessage dispatches one queued task and finishes the message. A
// message is only requeued as is when the retry could not be republished.
func (d *Dispatcher) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	var t Task
	if err := json.Unmarshal(m.Body, &t); err != nil {
		logging.Plain().WithError(err).Error("dropping undecodable task")
		m.Finish()
		return nil
	}

	ctx := tracing.ExtractFromMap(context.Background(), t.TraceHeaders)
	if _, err := d.Process(ctx, t); err != nil {
		logging.WithContext(ctx).WithTask(t.Queue, t.ID).WithError(err).Error("requeueing task unchanged")
		m.Requeue(-1)
		return nil
	}
	m.Finish()
	return nil
}

// Process makes one dispatch attempt and then retries or dead-letters the task
// as its queue policy requires. The error is only set when a retry could not
// be republished.
func (d *Dispatcher) Process(ctx context.Context, t Task) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "emulator.dispatch",
		attribute.String("queue", t.Queue),
		attribute.String("task_id", t.ID),
		attribute.Int("attempt", t.Attempt),
	)
	defer span.End()
	log := logging.WithContext(ctx).WithTask(t.Queue, t.ID)

	q := d.queue(t.Queue)
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return OutcomeRetry, err
	}
	defer q.sem.Release(1)
	if err := q.limiter.Wait(ctx); err != nil {
		return OutcomeRetry, err
	}

	if t.FirstTryAt == "" {
		t.FirstTryAt = d.opts.Now().UTC().Format(time.RFC3339Nano)
	}

	start := time.Now()
	status, doErr := d.send(ctx, t)
	latency := time.Since(start)
	span.SetAttributes(attribute.Int("http.status_code", status))

	if doErr == nil && status >= 200 && status < 300 {
		metrics.RecordDispatch(t.Queue, string(OutcomeSuccess), status, latency)
		log.WithFields(map[string]any{"status": status, "latency_ms": latency.Milliseconds()}).Info("task dispatched")
		return OutcomeSuccess, nil
	}

	reason := classifyReason(doErr, status)
	span.SetAttributes(attribute.String("failure_reason", reason))
	metrics.RecordDispatch(t.Queue, "failed", status, latency)

	next := t
	next.Attempt++
	next.RetryReason = reason
	if status > 0 {
		next.Executions++
		next.PreviousResponse = status
	}

	first, _ := next.firstTry()
	if q.policy.Retry.Exhausted(next.Attempt, first, d.opts.Now()) {
		why := fmt.Sprintf("max attempts reached (%d)", next.Attempt)
		if q.policy.Retry.MaxAttempts <= 0 || next.Attempt < q.policy.Retry.MaxAttempts {
			why = fmt.Sprintf("max retry duration exceeded (%s)", q.policy.Retry.MaxRetryDuration)
		}
		d.deadLetter(ctx, next, status, doErr, why)
		return OutcomeDeadLetter, nil
	}

	delay := q.policy.Retry.Backoff(next.Attempt - 1)
	metrics.RecordRetry(reason)
	log.WithFields(map[string]any{
		"status":   status,
		"reason":   reason,
		"attempt":  next.Attempt,
		"delay_ms": delay.Milliseconds(),
	}).Warn("task dispatch failed, retrying")
	tracing.AddSpanEvent(ctx, "emulator.retry", attribute.Int64("delay_ms", delay.Milliseconds()))

	if d.opts.Requeue == nil {
		return OutcomeRetry, fmt.Errorf("no requeue publisher configured")
	}
	if err := d.opts.Requeue.publish(&next, delay); err != nil {
		tracing.SetSpanError(ctx, err)
		return OutcomeRetry, err
	}
	return OutcomeRetry, nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, t Task, status int, doErr error, reason string) {
	log := logging.WithContext(ctx).WithTask(t.Queue, t.ID)
	tracing.AddSpanEvent(ctx, "emulator.dead_letter", attribute.Int("attempt", t.Attempt))
	metrics.RecordDeadLetter(t.Queue, t.RetryReason)
	log.WithFields(map[string]any{"status": status, "attempt": t.Attempt, "reason": reason}).Error("task dead-lettered")

	if d.opts.DLQ == nil {
		return
	}
	b, err := json.Marshal(NewDeadLetter(t, t.Attempt, status, errString(doErr), reason))
	if err == nil {
		err = d.opts.DLQ.Publish(d.opts.DLQTopic, b)
	}
	if err != nil {
		log.WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", d.opts.DLQTopic))
}

func (d *Dispatcher) functionURL(t Task) string {
	if t.FunctionURL != "" {
		return t.FunctionURL
	}
	return strings.TrimRight(d.opts.BaseURL, "/") + "/" + url.PathEscape(t.Queue)
}

// send POSTs the task body with the queue headers and returns the response status
func (d *Dispatcher) send(ctx context.Context, t Task) (int, error) {
	payload := t.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal(map[string]json.RawMessage{"data": payload})
	if err != nil {
		return 0, fmt.Errorf("marshal task body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.functionURL(t), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tasks.HeaderQueueName, t.Queue)
	req.Header.Set(tasks.HeaderTaskName, t.ID)
	req.Header.Set(tasks.HeaderRetryCount, strconv.Itoa(t.Attempt))
	req.Header.Set(tasks.HeaderExecutionCount, strconv.Itoa(t.Executions))
	eta := t.ScheduleTime(d.opts.Now())
	req.Header.Set(tasks.HeaderETA, strconv.FormatFloat(float64(eta.UnixMilli())/1000, 'f', -1, 64))
	if t.PreviousResponse > 0 {
		req.Header.Set(tasks.HeaderPreviousResponse, strconv.Itoa(t.PreviousResponse))
	}
	if t.RetryReason != "" {
		req.Header.Set(tasks.HeaderRetryReason, t.RetryReason)
	}
	if d.opts.Token != nil {
		token, err := d.opts.Token(ctx)
		if err != nil {
			return 0, fmt.Errorf("task token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == http.StatusTooManyRequests {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
