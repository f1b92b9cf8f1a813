package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/fngate/internal/config"
	"github.com/austindbirch/fngate/internal/gateway"
	"github.com/austindbirch/fngate/internal/logging"
	"github.com/austindbirch/fngate/internal/manifest"
	"github.com/austindbirch/fngate/internal/tasks"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	logging.Default().SetOutput(io.Discard)
	t.Cleanup(func() { logging.Default().SetOutput(os.Stdout) })

	cfg := config.FromEnv()
	cfg.Emulated = true
	cfg.Auth.DebugSkipVerification = true
	cfg.Redis.URL = ""

	r, err := gateway.NewRegistry(cfg, gateway.WithGatherer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	if err := registerFunctions(r); err != nil {
		t.Fatalf("registerFunctions() error: %v", err)
	}
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestCallableFunctions(t *testing.T) {
	srv := newServer(t)

	tests := []struct {
		name       string
		function   string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "add", function: "addNumbers", body: `{"data":{"a":2,"b":3.5}}`, wantStatus: 200, wantBody: `{"result":{"sum":5.5}}`},
		{
			name:       "add rejects missing operand",
			function:   "addNumbers",
			body:       `{"data":{"a":2}}`,
			wantStatus: 400,
			wantBody:   `{"error":{"status":"INVALID_ARGUMENT","message":"\"a\" and \"b\" must be numbers"}}`,
		},
		{
			name:       "whoami without auth",
			function:   "whoami",
			body:       `{"data":null}`,
			wantStatus: 401,
			wantBody:   `{"error":{"status":"UNAUTHENTICATED","message":"sign in to call whoami"}}`,
		},
		{name: "countdown without streaming", function: "countdown", body: `{"data":{"from":3}}`, wantStatus: 200, wantBody: `{"result":{"from":3,"result":"liftoff"}}`},
		{
			name:       "countdown out of range",
			function:   "countdown",
			body:       `{"data":{"from":50}}`,
			wantStatus: 400,
			wantBody:   `{"error":{"status":"INVALID_ARGUMENT","message":"from must be between 1 and 10"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, srv.URL+"/"+tt.function, tt.body, nil)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if strings.TrimSpace(body) != tt.wantBody {
				t.Errorf("body = %s, want %s", body, tt.wantBody)
			}
		})
	}
}

func TestCountdownStream(t *testing.T) {
	old := countdownTick
	countdownTick = time.Millisecond
	t.Cleanup(func() { countdownTick = old })

	srv := newServer(t)
	resp, body := post(t, srv.URL+"/countdown", `{"data":{"from":3}}`, map[string]string{"Accept": "text/event-stream"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	want := "data: {\"message\":3}\n\n" +
		"data: {\"message\":2}\n\n" +
		"data: {\"message\":1}\n\n" +
		"data: {\"result\":\"liftoff\"}\n\n"
	if body != want {
		t.Errorf("stream = %q, want %q", body, want)
	}
}

func TestLogTask(t *testing.T) {
	srv := newServer(t)
	headers := map[string]string{tasks.HeaderQueueName: "logTask", tasks.HeaderTaskName: "t1", tasks.HeaderRetryCount: "2"}

	resp, body := post(t, srv.URL+"/logTask", `{"data":{"message":"hi"}}`, headers)
	if resp.StatusCode != http.StatusNoContent || body != "" {
		t.Errorf("status = %d body = %q, want 204 and empty", resp.StatusCode, body)
	}

	resp, body = post(t, srv.URL+"/logTask", `{"data":{"fail":true}}`, headers)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 (body %s)", resp.StatusCode, body)
	}
}

func TestManifestDescribesFunctions(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Get(srv.URL + gateway.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	m, err := manifest.Parse(b)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	want := []string{"addNumbers", "countdown", "logTask", "whoami"}
	if got := m.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	tq, ok := m.TaskQueue("logTask")
	if !ok || tq.RetryConfig == nil {
		t.Fatal("logTask has no retry config")
	}
	if n, _ := tq.RetryConfig.MaxAttempts.Get(); n != 5 {
		t.Errorf("MaxAttempts = %d, want 5", n)
	}
}
