package emulator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/fngate/internal/gateway"
	"github.com/austindbirch/fngate/internal/keyserver"
	"github.com/austindbirch/fngate/internal/manifest"
)

func TestLoadPolicies(t *testing.T) {
	m := manifest.New()
	m.AddCallable("addNumbers", manifest.Endpoint{})
	m.AddTaskQueue("resize", manifest.Endpoint{}, manifest.TaskQueueTrigger{
		RetryConfig: &manifest.RetryConfig{MaxAttempts: manifest.Value(7), MinBackoffSeconds: manifest.Value(5)},
		RateLimits:  &manifest.RateLimits{MaxConcurrentDispatches: manifest.Value(2)},
	})
	m.AddTaskQueue("cleanup", manifest.Endpoint{}, manifest.TaskQueueTrigger{})
	doc, err := m.YAML()
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != gateway.ManifestPath {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(doc)
	}))
	defer srv.Close()

	policies, err := LoadPolicies(context.Background(), nil, srv.URL+"/")
	if err != nil {
		t.Fatalf("LoadPolicies() error: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("policies = %v, want resize and cleanup only", policies)
	}
	resize := policies["resize"]
	if resize.Retry.MaxAttempts != 7 || resize.Retry.MinBackoff != 5*time.Second || resize.Limits.MaxConcurrent != 2 {
		t.Errorf("resize policy = %+v", resize)
	}
	if policies["cleanup"] != DefaultPolicy() {
		t.Errorf("cleanup policy = %+v, want defaults", policies["cleanup"])
	}

	if _, err := LoadPolicies(context.Background(), nil, srv.URL+"/missing"); err == nil {
		t.Error("expected error for a missing manifest")
	}
}

func TestKeyServerToken(t *testing.T) {
	iss, err := keyserver.New("k1", 1024)
	if err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		iss.TokenHandler()(w, r)
	}))
	defer srv.Close()

	src := KeyServerToken(nil, srv.URL, "demo-project", "task-emulator")
	first, err := src(context.Background())
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	second, err := src(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first == "" || first != second {
		t.Error("token should be reused until it nears expiry")
	}
	if calls.Load() != 1 {
		t.Errorf("key server called %d times, want 1", calls.Load())
	}

	bad := KeyServerToken(nil, srv.URL, "", "task-emulator")
	if _, err := bad(context.Background()); err == nil {
		t.Error("expected error when the key server rejects the request")
	}
}
