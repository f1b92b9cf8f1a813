// Package tasks serves functions dispatched by a task queue. A handler either
// succeeds with an empty 204 or fails with an error body, and the queue retries
// based on the status alone.
package tasks

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/fngate/internal/auth"
	"github.com/austindbirch/fngate/internal/fnerr"
	"github.com/austindbirch/fngate/internal/logging"
	"github.com/austindbirch/fngate/internal/metrics"
	"github.com/austindbirch/fngate/internal/request"
	"github.com/austindbirch/fngate/internal/respond"
	"github.com/austindbirch/fngate/internal/tracing"
	"github.com/austindbirch/fngate/internal/wire"
)

const kind = "task"

type LegacyFunc func(ctx context.Context, data any, tc *Context) error

type UnifiedFunc func(ctx context.Context, req *Request) error

// Request is the single argument of a unified task handler
type Request struct {
	*Context
	Data any
}

type Handler struct {
	legacy  LegacyFunc
	unified UnifiedFunc
}

func NewLegacyHandler(fn LegacyFunc) Handler {
	return Handler{legacy: fn}
}

func NewUnifiedHandler(fn UnifiedFunc) Handler {
	return Handler{unified: fn}
}

type Options struct {
	Name string
	// Identity decodes the bearer token. Without it a bare decoder is used.
	Identity *auth.Verifier
	// VerifySignature checks the token signature too. The queue is already
	// restricted by its invoker policy, so by default only claims are parsed.
	VerifySignature bool
	// Emulated drops the token requirement for local dispatch. A token that is
	// sent is still decoded, without a signature check.
	Emulated  bool
	Validator *request.Validator
}

type Invoker struct {
	handler Handler
	opts    Options
}

func New(h Handler, opts Options) *Invoker {
	if opts.Validator == nil {
		opts.Validator = request.Default()
	}
	if opts.Identity == nil {
		opts.Identity = auth.NewVerifier(auth.VerifierConfig{Kind: "auth", MaxSubjectLen: 128})
	}
	return &Invoker{handler: h, opts: opts}
}

func (inv *Invoker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := inv.serve(r.Context(), respond.NewWriter(w, r), r)
	metrics.RecordInvocation(inv.opts.Name, kind, status, time.Since(start))
}

func (inv *Invoker) serve(ctx context.Context, rw *respond.Writer, r *http.Request) string {
	log := logging.WithContext(ctx)

	body, err := inv.opts.Validator.Validate(r)
	if err != nil {
		log.WithError(err).Warn("invalid request, unable to process")
		return inv.fail(ctx, rw, fnerr.ErrBadRequest)
	}

	tc := ContextFromRequest(r)
	log = log.WithTask(tc.QueueName, tc.ID)
	tracing.AddSpanEvent(ctx, "task.context",
		attribute.String("queue", tc.QueueName),
		attribute.String("task_id", tc.ID),
		attribute.String("retry_reason", tc.RetryReason),
	)

	authData, err := inv.authenticate(ctx, r)
	switch {
	case err == nil:
		metrics.RecordTokenOutcome("auth", auth.Valid.String())
		tc.Auth = authData
		log = log.WithUID(authData.UID)
	case inv.opts.Emulated:
		// Local dispatch needs no token, but one that was sent still identifies the caller
		if !errors.Is(err, errMissingToken) {
			log.WithError(err).Warn("ignoring undecodable task token under emulation")
		}
	default:
		log.WithError(err).Warn("task request unauthenticated")
		metrics.RecordTokenOutcome("auth", tokenOutcome(err).String())
		return inv.fail(ctx, rw, fnerr.ErrUnauthenticated)
	}

	data, err := wire.Decode(body.Data)
	if err != nil {
		log.WithError(err).Warn("unable to decode task data")
		return inv.fail(ctx, rw, fnerr.ErrBadRequest)
	}

	if err := inv.call(ctx, data, tc); err != nil {
		fe, ok := fnerr.From(err)
		if !ok {
			entry := log.WithError(err)
			var pe *fnerr.PanicError
			if errors.As(err, &pe) {
				entry = entry.WithField("stack", string(pe.Stack))
			}
			entry.Error("unhandled error")
			tracing.SetSpanError(ctx, err)
		}
		return inv.fail(ctx, rw, fe)
	}

	if err := rw.NoContent(); err != nil {
		log.WithError(err).Error("failed to write response")
	}
	return fnerr.OK.Status()
}

var errMissingToken = errors.New("missing bearer token")

func tokenOutcome(err error) auth.Outcome {
	if errors.Is(err, errMissingToken) {
		return auth.Missing
	}
	return auth.Invalid
}

func (inv *Invoker) authenticate(ctx context.Context, r *http.Request) (*auth.AuthData, error) {
	raw := auth.BearerToken(r)
	if raw == "" {
		return nil, errMissingToken
	}
	var (
		claims jwt.MapClaims
		err    error
	)
	if inv.opts.VerifySignature && !inv.opts.Emulated {
		claims, err = inv.opts.Identity.Verify(ctx, raw)
	} else {
		claims, err = inv.opts.Identity.Decode(raw)
	}
	if err != nil {
		return nil, err
	}
	sub, _ := claims.GetSubject()
	return &auth.AuthData{UID: sub, Token: claims, RawToken: raw}, nil
}

func (inv *Invoker) call(ctx context.Context, data any, tc *Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &fnerr.PanicError{Value: p, Stack: debug.Stack()}
		}
	}()

	if inv.handler.unified != nil {
		return inv.handler.unified(ctx, &Request{Context: tc, Data: data})
	}
	if inv.handler.legacy != nil {
		return inv.handler.legacy(ctx, data, tc)
	}
	return fnerr.New(fnerr.Unimplemented, "function has no handler")
}

func (inv *Invoker) fail(ctx context.Context, rw *respond.Writer, fe *fnerr.Error) string {
	if err := rw.Error(fe); err != nil {
		logging.WithContext(ctx).WithError(err).Error("failed to write error response")
	}
	return fe.Code.Status()
}
