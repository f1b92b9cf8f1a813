// Package callable serves functions invoked directly by client SDKs. It turns an
// HTTP request into a verified invocation, runs the handler and writes the result
// as a single JSON body or as a stream of server-sent events.
package callable

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/fngate/internal/auth"
	"github.com/austindbirch/fngate/internal/cors"
	"github.com/austindbirch/fngate/internal/fnerr"
	"github.com/austindbirch/fngate/internal/logging"
	"github.com/austindbirch/fngate/internal/metrics"
	"github.com/austindbirch/fngate/internal/request"
	"github.com/austindbirch/fngate/internal/respond"
	"github.com/austindbirch/fngate/internal/tracing"
	"github.com/austindbirch/fngate/internal/wire"
)

const kind = "callable"

// Context is what the handler learns about the caller
type Context struct {
	Auth            *auth.AuthData
	App             *auth.AppData
	InstanceIDToken string
	RawRequest      *http.Request
}

type LegacyFunc func(ctx context.Context, data any, cc *Context) (any, error)

type UnifiedFunc func(ctx context.Context, req *Request) (any, error)

// Handler is a user function in one of the two calling conventions
type Handler struct {
	legacy  LegacyFunc
	unified UnifiedFunc
}

// NewLegacyHandler wraps a function that takes the payload and context separately
func NewLegacyHandler(fn LegacyFunc) Handler {
	return Handler{legacy: fn}
}

// NewUnifiedHandler wraps a function that takes one request value and may stream
func NewUnifiedHandler(fn UnifiedFunc) Handler {
	return Handler{unified: fn}
}

type Options struct {
	Name      string
	Checker   *auth.Checker
	CORS      *cors.Negotiator
	Validator *request.Validator
	// Heartbeat is the interval between keep-alive comments on a stream. Zero disables them.
	Heartbeat time.Duration
}

type Invoker struct {
	handler Handler
	opts    Options
}

func New(h Handler, opts Options) *Invoker {
	if opts.Validator == nil {
		opts.Validator = request.Default()
	}
	if opts.Checker == nil {
		opts.Checker = auth.NewChecker(auth.CheckerConfig{})
	}
	return &Invoker{handler: h, opts: opts}
}

func (inv *Invoker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rw := respond.NewWriter(w, r)

	status, preflight := inv.serve(r.Context(), rw, r)
	if !preflight {
		metrics.RecordInvocation(inv.opts.Name, kind, status, time.Since(start))
	}
}

// serve runs the request through the pipeline and returns the canonical status
// it answered with.
func (inv *Invoker) serve(ctx context.Context, rw *respond.Writer, r *http.Request) (string, bool) {
	log := logging.WithContext(ctx)

	preflight, err := inv.opts.CORS.Negotiate(rw, r)
	if err != nil {
		log.WithError(err).Error("failed to apply CORS headers")
		return inv.fail(ctx, rw, fnerr.ErrInternal), false
	}
	if preflight {
		_ = rw.NoContent()
		return "", true
	}

	body, err := inv.opts.Validator.Validate(r)
	if err != nil {
		log.WithError(err).Warn("invalid request, unable to process")
		return inv.fail(ctx, rw, fnerr.ErrBadRequest), false
	}

	tokens := inv.opts.Checker.CheckTokens(ctx, r)
	tracing.AddSpanEvent(ctx, "tokens.checked",
		attribute.String("auth", tokens.Status.Auth.String()),
		attribute.String("app", tokens.Status.App.String()),
	)
	if tokens.Rejected {
		return inv.fail(ctx, rw, fnerr.ErrUnauthenticated), false
	}

	cc := &Context{
		Auth:            tokens.Auth,
		App:             tokens.App,
		InstanceIDToken: auth.InstanceIDToken(r),
		RawRequest:      r,
	}

	data, err := wire.Decode(body.Data)
	if err != nil {
		log.WithError(err).Warn("unable to decode request data")
		return inv.fail(ctx, rw, fnerr.ErrBadRequest), false
	}

	if inv.handler.unified != nil && AcceptsStreaming(r) {
		return inv.serveStream(ctx, rw, data, cc), false
	}

	req := newRequest(inv.opts.Name, data, cc, false, nil)
	result, err := inv.call(ctx, data, cc, req)
	req.close()
	if err != nil {
		return inv.fail(ctx, rw, inv.toError(ctx, err)), false
	}

	encoded, err := wire.Encode(result)
	if err != nil {
		return inv.fail(ctx, rw, inv.toError(ctx, fmt.Errorf("encode result: %w", err))), false
	}
	if err := rw.JSON(http.StatusOK, map[string]any{"result": encoded}); err != nil {
		log.WithError(err).Error("failed to write response")
	}
	return fnerr.OK.Status(), false
}

func (inv *Invoker) serveStream(ctx context.Context, rw *respond.Writer, data any, cc *Context) string {
	log := logging.WithContext(ctx)

	if err := rw.StartStream(); err != nil {
		log.WithError(err).Error("failed to start stream")
		return fnerr.Internal.Status()
	}

	req := newRequest(inv.opts.Name, data, cc, true, rw)
	stop := req.watch(inv.opts.Heartbeat)
	defer stop()

	result, err := inv.call(ctx, data, cc, req)

	var final any
	status := fnerr.OK.Status()
	if err == nil {
		encoded, encErr := wire.Encode(result)
		if encErr != nil {
			err = fmt.Errorf("encode result: %w", encErr)
		} else {
			final = map[string]any{"result": encoded}
		}
	}
	if err != nil {
		fe := inv.toError(ctx, err)
		status = fe.Code.Status()
		final = map[string]any{"error": respond.ErrorBody(fe)}
	}

	if !req.finish(final) {
		log.Debug("client disconnected before the final frame")
	}
	return status
}

// call invokes the user handler and turns a panic into an error
func (inv *Invoker) call(ctx context.Context, data any, cc *Context, req *Request) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &fnerr.PanicError{Value: p, Stack: debug.Stack()}
		}
	}()

	if inv.handler.unified != nil {
		return inv.handler.unified(ctx, req)
	}
	if inv.handler.legacy != nil {
		return inv.handler.legacy(ctx, data, cc)
	}
	return nil, fnerr.New(fnerr.Unimplemented, "function has no handler")
}

// toError maps a handler error to what the caller sees. Unstructured errors are
// logged here and nowhere else.
func (inv *Invoker) toError(ctx context.Context, err error) *fnerr.Error {
	fe, ok := fnerr.From(err)
	if !ok {
		entry := logging.WithContext(ctx).WithError(err)
		var pe *fnerr.PanicError
		if errors.As(err, &pe) {
			entry = entry.WithField("stack", string(pe.Stack))
		}
		entry.Error("unhandled error")
		tracing.SetSpanError(ctx, err)
	}
	return fe
}

func (inv *Invoker) fail(ctx context.Context, rw *respond.Writer, fe *fnerr.Error) string {
	if err := rw.Error(fe); err != nil {
		logging.WithContext(ctx).WithError(err).Error("failed to write error response")
	}
	return fe.Code.Status()
}

// AcceptsStreaming reports whether the client asked for server-sent events
func AcceptsStreaming(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mt, _, _ := strings.Cut(part, ";")
			if strings.EqualFold(strings.TrimSpace(mt), respond.ContentTypeEventStream) {
				return true
			}
		}
	}
	return false
}
