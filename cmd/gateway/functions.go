package main

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/fngate/internal/callable"
	"github.com/austindbirch/fngate/internal/fnerr"
	"github.com/austindbirch/fngate/internal/gateway"
	"github.com/austindbirch/fngate/internal/logging"
	"github.com/austindbirch/fngate/internal/manifest"
	"github.com/austindbirch/fngate/internal/tasks"
	"github.com/austindbirch/fngate/internal/wire"
)

const maxCountdown = 10

// countdownTick is a var so tests can run the stream quickly
var countdownTick = 250 * time.Millisecond

// registerFunctions installs the demo functions served by this binary
func registerFunctions(r *gateway.Registry) error {
	return errors.Join(
		r.Callable("addNumbers", callable.NewLegacyHandler(addNumbers), gateway.CallableOptions{}),
		r.Callable("whoami", callable.NewLegacyHandler(whoami), gateway.CallableOptions{}),
		r.Callable("countdown", callable.NewUnifiedHandler(countdown), gateway.CallableOptions{}),
		r.Task("logTask", tasks.NewUnifiedHandler(logTask), gateway.TaskOptions{
			RetryConfig: &manifest.RetryConfig{
				MaxAttempts:       manifest.Value(5),
				MinBackoffSeconds: manifest.Value(1),
				MaxBackoffSeconds: manifest.Value(30),
				MaxDoublings:      manifest.Value(3),
			},
			RateLimits: &manifest.RateLimits{
				MaxConcurrentDispatches: manifest.Value(10),
				MaxDispatchesPerSecond:  manifest.Value(5.0),
			},
		}),
	)
}

func addNumbers(_ context.Context, data any, _ *callable.Context) (any, error) {
	var in struct {
		A *float64 `json:"a"`
		B *float64 `json:"b"`
	}
	if err := wire.Bind(data, &in); err != nil || in.A == nil || in.B == nil {
		return nil, fnerr.New(fnerr.InvalidArgument, `"a" and "b" must be numbers`)
	}
	return map[string]any{"sum": *in.A + *in.B}, nil
}

func whoami(_ context.Context, _ any, c *callable.Context) (any, error) {
	if c.Auth == nil {
		return nil, fnerr.New(fnerr.Unauthenticated, "sign in to call whoami")
	}
	out := map[string]any{"uid": c.Auth.UID}
	if c.App != nil {
		out["appId"] = c.App.AppID
	}
	return out, nil
}

// countdown streams from the requested number down to one, then returns "liftoff"
func countdown(ctx context.Context, req *callable.Request) (any, error) {
	var in struct {
		From int `json:"from"`
	}
	if err := wire.Bind(req.Data, &in); err != nil || in.From < 1 || in.From > maxCountdown {
		return nil, fnerr.Errorf(fnerr.InvalidArgument, "from must be between 1 and %d", maxCountdown)
	}
	if !req.AcceptsStreaming() {
		return map[string]any{"from": in.From, "result": "liftoff"}, nil
	}

	for i := in.From; i > 0; i-- {
		if !req.SendChunk(i) {
			return nil, fnerr.New(fnerr.Cancelled, "client went away")
		}
		select {
		case <-ctx.Done():
			return nil, fnerr.New(fnerr.Cancelled, "client went away")
		case <-time.After(countdownTick):
		}
	}
	return "liftoff", nil
}

func logTask(ctx context.Context, req *tasks.Request) error {
	var in struct {
		Message string `json:"message"`
		Fail    bool   `json:"fail"`
	}
	if err := wire.Bind(req.Data, &in); err != nil {
		return fnerr.New(fnerr.InvalidArgument, "task data must be an object")
	}

	log := logging.WithContext(ctx).WithTask(req.QueueName, req.ID)
	if req.RetryCount != nil {
		log = log.WithField("retry_count", *req.RetryCount)
	}
	if in.Fail {
		log.Warn("task asked to fail")
		return fnerr.New(fnerr.Unavailable, "task asked to fail")
	}
	log.WithField("message", in.Message).Info("task received")
	return nil
}
