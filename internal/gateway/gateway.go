// Package gateway hosts registered callable and task functions behind one HTTP
// server, together with the trigger manifest, health and metrics endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/fngate/internal/auth"
	"github.com/austindbirch/fngate/internal/callable"
	"github.com/austindbirch/fngate/internal/config"
	"github.com/austindbirch/fngate/internal/cors"
	"github.com/austindbirch/fngate/internal/fnerr"
	"github.com/austindbirch/fngate/internal/health"
	"github.com/austindbirch/fngate/internal/logging"
	"github.com/austindbirch/fngate/internal/manifest"
	"github.com/austindbirch/fngate/internal/request"
	"github.com/austindbirch/fngate/internal/respond"
	"github.com/austindbirch/fngate/internal/tasks"
	"github.com/austindbirch/fngate/internal/tracing"
)

const (
	// HeaderExecutionID correlates every log line of one invocation
	HeaderExecutionID = "Function-Execution-Id"
	ManifestPath      = "/__/functions.yaml"
)

var (
	ErrInvalidName   = errors.New("invalid function name")
	ErrDuplicateName = errors.New("function already registered")
)

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,62}$`)

var reservedNames = map[string]bool{"healthz": true, "metrics": true}

type CallableOptions struct {
	Region []string
	Labels map[string]string
	// EnforceAppCheck overrides the gateway-wide setting for this function
	EnforceAppCheck *bool
}

type TaskOptions struct {
	Region      []string
	Labels      map[string]string
	RetryConfig *manifest.RetryConfig
	RateLimits  *manifest.RateLimits
	Invoker     []string
}

type Option func(*Registry)

// WithGatherer serves /metrics from g instead of the default registry
func WithGatherer(g prometheus.Gatherer) Option {
	return func(r *Registry) { r.gatherer = g }
}

// WithHTTPClient is used for JWKS fetches
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// WithStore shares fetched key sets through s instead of the configured redis
func WithStore(s auth.Store) Option {
	return func(r *Registry) { r.store = s }
}

type function struct {
	name    string
	kind    string
	handler http.Handler
}

// Registry holds the functions a gateway serves and the shared pieces they use
type Registry struct {
	cfg       config.Config
	client    *http.Client
	store     auth.Store
	gatherer  prometheus.Gatherer
	validator *request.Validator
	cors      *cors.Negotiator

	identityKeys *auth.KeySet
	appCheckKeys *auth.KeySet
	identity     *auth.Verifier
	appCheck     *auth.Verifier

	checks  map[string]health.Checker
	closers []func() error

	mu        sync.Mutex
	functions map[string]function
	manifest  *manifest.Manifest
}

// NewRegistry builds the verifiers, key sets and CORS policy described by cfg
func NewRegistry(cfg config.Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Registry{
		cfg:       cfg,
		gatherer:  prometheus.DefaultGatherer,
		validator: request.Default(),
		checks:    map[string]health.Checker{},
		functions: map[string]function{},
		manifest:  manifest.New(),
	}
	for _, opt := range opts {
		opt(r)
	}

	negotiator, err := cors.FromConfig(cfg.CORS, cfg.Emulated)
	if err != nil {
		return nil, err
	}
	r.cors = negotiator

	if r.store == nil && cfg.Redis.URL != "" {
		rs, err := auth.NewRedisStoreFromURL(cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
		rs.MaxTTL = cfg.Redis.TTL
		r.store = rs
		r.checks["redis"] = health.CheckFunc(rs.Check)
		r.closers = append(r.closers, rs.Close)
	}

	r.identityKeys = auth.NewKeySet(auth.KeySetOptions{
		Name:               "identity",
		URL:                cfg.Auth.IdentityJWKSURL,
		Client:             r.client,
		DefaultTTL:         cfg.Auth.KeySetTTL,
		MinRefreshInterval: cfg.Auth.MinRefreshInterval,
		Store:              r.store,
	})
	r.appCheckKeys = auth.NewKeySet(auth.KeySetOptions{
		Name:               "appcheck",
		URL:                cfg.Auth.AppCheckJWKSURL,
		Client:             r.client,
		DefaultTTL:         cfg.Auth.KeySetTTL,
		MinRefreshInterval: cfg.Auth.MinRefreshInterval,
		Store:              r.store,
	})
	r.identity = auth.NewIdentityVerifier(cfg.Project.ID, cfg.IdentityIssuer(), r.identityKeys)
	r.appCheck = auth.NewAppCheckVerifier(cfg.Project.Number, cfg.Project.ID, cfg.AppCheckIssuer(), r.appCheckKeys)

	// Signature checks never run when emulation skips them, so key sets need not be reachable
	if !(cfg.Emulated && cfg.Auth.DebugSkipVerification) {
		r.checks["identity_keys"] = r.identityKeys
		r.checks["appcheck_keys"] = r.appCheckKeys
	}

	return r, nil
}

func (r *Registry) checker(enforce bool) *auth.Checker {
	return auth.NewChecker(auth.CheckerConfig{
		Identity:        r.identity,
		AppCheck:        r.appCheck,
		EnforceAppCheck: enforce,
		SkipSignature:   r.cfg.Auth.DebugSkipVerification,
		Emulated:        r.cfg.Emulated,
	})
}

// Callable registers a callable function served at /<name>
func (r *Registry) Callable(name string, h callable.Handler, opts CallableOptions) error {
	enforce := r.cfg.Auth.EnforceAppCheck
	if opts.EnforceAppCheck != nil {
		enforce = *opts.EnforceAppCheck
	}
	inv := callable.New(h, callable.Options{
		Name:      name,
		Checker:   r.checker(enforce),
		CORS:      r.cors,
		Validator: r.validator,
		Heartbeat: r.cfg.Streaming.Heartbeat,
	})

	return r.register(function{name: name, kind: "callable", handler: inv}, func(m *manifest.Manifest) {
		m.AddCallable(name, manifest.Endpoint{Region: opts.Region, Labels: opts.Labels})
	})
}

// Task registers a task queue function served at /<name>
func (r *Registry) Task(name string, h tasks.Handler, opts TaskOptions) error {
	inv := tasks.New(h, tasks.Options{
		Name:            name,
		Identity:        r.identity,
		VerifySignature: r.cfg.Auth.TaskVerifySignature,
		Emulated:        r.cfg.Emulated,
		Validator:       r.validator,
	})

	return r.register(function{name: name, kind: "task", handler: inv}, func(m *manifest.Manifest) {
		m.AddTaskQueue(name, manifest.Endpoint{Region: opts.Region, Labels: opts.Labels}, manifest.TaskQueueTrigger{
			RetryConfig: opts.RetryConfig,
			RateLimits:  opts.RateLimits,
			Invoker:     opts.Invoker,
		})
	})
}

func (r *Registry) register(fn function, describe func(*manifest.Manifest)) error {
	if !namePattern.MatchString(fn.name) || reservedNames[fn.name] {
		return fmt.Errorf("%w: %q", ErrInvalidName, fn.name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.functions[fn.name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, fn.name)
	}
	r.functions[fn.name] = fn
	describe(r.manifest)

	logging.WithFields(map[string]any{"kind": fn.kind}).WithFunction(fn.name).Info("registered function")
	return nil
}

// Manifest returns the trigger metadata of every registered function
func (r *Registry) Manifest() *manifest.Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifest
}

// Checks returns the readiness checks served at /healthz
func (r *Registry) Checks() map[string]health.Checker {
	return r.checks
}

// Warm fetches both key sets so the first request does not pay for it
func (r *Registry) Warm(ctx context.Context) error {
	if r.cfg.Emulated && r.cfg.Auth.DebugSkipVerification {
		return nil
	}
	return errors.Join(r.identityKeys.Refresh(ctx), r.appCheckKeys.Refresh(ctx))
}

// Handler serves every registered function plus the manifest, health and metrics.
// Functions registered after the call are not served.
func (r *Registry) Handler() http.Handler {
	r.mu.Lock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	fns := make([]function, 0, len(names))
	for _, name := range names {
		fns = append(fns, r.functions[name])
	}
	r.mu.Unlock()

	mux := http.NewServeMux()
	for _, fn := range fns {
		mux.Handle("/"+fn.name, instrument(fn))
	}
	mux.HandleFunc("GET "+ManifestPath, r.serveManifest)
	mux.HandleFunc("/healthz", health.HTTPHandler(r.checks))
	mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (r *Registry) serveManifest(w http.ResponseWriter, _ *http.Request) {
	b, err := r.Manifest().YAML()
	if err != nil {
		logging.Plain().WithError(err).Error("failed to render manifest")
		http.Error(w, "failed to render manifest", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(b)
}

// Close releases the redis connection, if any
func (r *Registry) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// instrument wraps one function with a server span, an execution id and a last
// line of panic recovery.
func instrument(fn function) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, span := tracing.StartServerSpan(req, "function "+fn.name,
			attribute.String("function.name", fn.name),
			attribute.String("function.kind", fn.kind),
		)
		defer span.End()

		execID := req.Header.Get(HeaderExecutionID)
		if execID == "" {
			execID = uuid.NewString()
		}
		w.Header().Set(HeaderExecutionID, execID)
		ctx = logging.ContextWithFunction(ctx, logging.FunctionInfo{Name: fn.name, ExecutionID: execID})

		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			if p := recover(); p != nil {
				err := fmt.Errorf("gateway panic: %v", p)
				entry := logging.WithContext(ctx).WithError(err)
				tracing.SetSpanError(ctx, err)
				if rec.Sent() {
					// Part of a response is already on the wire, nothing sane can follow it
					entry.WithField("status", rec.Status()).Error("recovered panic after the response started")
				} else {
					entry.Error("recovered panic outside the function handler")
					_ = respond.NewWriter(rec, req).Error(fnerr.ErrInternal)
				}
			}
			if status := rec.Status(); status != 0 {
				span.SetAttributes(attribute.Int("http.response.status_code", status))
			}
		}()

		fn.handler.ServeHTTP(rec, req.WithContext(ctx))
	})
}

// statusRecorder remembers whether anything reached the client
type statusRecorder struct {
	http.ResponseWriter

	mu     sync.Mutex
	status int
	sent   bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.mu.Lock()
	if !r.sent {
		r.status = code
		r.sent = true
	}
	r.mu.Unlock()
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.commit()
	return r.ResponseWriter.Write(b)
}

// Flush keeps streaming responses working through the wrapper. Flushing
// commits the headers, so it counts as sending.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		r.commit()
		f.Flush()
	}
}

func (r *statusRecorder) commit() {
	r.mu.Lock()
	if !r.sent {
		r.status = http.StatusOK
		r.sent = true
	}
	r.mu.Unlock()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Sent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

func (r *statusRecorder) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
