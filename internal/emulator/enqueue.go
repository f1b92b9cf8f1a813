package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/fngate/internal/tracing"
)

// Publisher is the part of *nsq.Producer the emulator needs
type Publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

var _ Publisher = (*nsq.Producer)(nil)

var ErrNoQueue = errors.New("task has no queue")

// Enqueuer publishes tasks onto the tasks topic
type Enqueuer struct {
	pub   Publisher
	topic string
}

func NewEnqueuer(pub Publisher, topic string) *Enqueuer {
	return &Enqueuer{pub: pub, topic: topic}
}

// Enqueue schedules t to be dispatched after delay
func (e *Enqueuer) Enqueue(ctx context.Context, t Task, delay time.Duration) (Task, error) {
	if t.Queue == "" {
		return t, ErrNoQueue
	}
	ctx, span := tracing.StartSpan(ctx, "emulator.enqueue",
		attribute.String("queue", t.Queue),
		attribute.String("task_id", t.ID),
		attribute.Int64("delay_ms", delay.Milliseconds()),
	)
	defer span.End()

	t.TraceHeaders = tracing.PropagateToMap(ctx)
	if err := e.publish(&t, delay); err != nil {
		tracing.SetSpanError(ctx, err)
		return t, err
	}
	return t, nil
}

func (e *Enqueuer) publish(t *Task, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	t.ScheduledAt = time.Now().Add(delay).UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if delay > 0 {
		err = e.pub.DeferredPublish(e.topic, delay, b)
	} else {
		err = e.pub.Publish(e.topic, b)
	}
	if err != nil {
		return fmt.Errorf("publish to %s: %w", e.topic, err)
	}
	return nil
}
