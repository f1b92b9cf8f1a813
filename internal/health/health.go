package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Checker reports whether one dependency is usable
type Checker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Checker
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Timeout bounds each individual check
var Timeout = 1 * time.Second

// HTTPHandler returns an HTTP handler that reports the health status of the service.
// A nil or empty checks map always reports healthy.
func HTTPHandler(checks map[string]Checker) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		st := Run(r.Context(), names, checks)

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Run executes the named checks in order
func Run(ctx context.Context, names []string, checks map[string]Checker) Status {
	st := Status{OK: true, Message: "ok"}
	if len(names) == 0 {
		return st
	}
	st.Checks = make(map[string]string, len(names))

	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, Timeout)
		err := checks[name].Check(cctx)
		cancel()
		if err != nil {
			st.OK = false
			st.Message = name + " check failed"
			st.Checks[name] = err.Error()
			continue
		}
		st.Checks[name] = "ok"
	}
	return st
}
