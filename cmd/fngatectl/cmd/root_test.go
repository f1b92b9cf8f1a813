package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/fngate/internal/auth"
	"github.com/austindbirch/fngate/internal/emulator"
	"github.com/austindbirch/fngate/internal/gateway"
	"github.com/austindbirch/fngate/internal/keyserver"
	"github.com/austindbirch/fngate/internal/manifest"
)

// withGlobals restores the flag-backed globals a test changes
func withGlobals(t *testing.T) {
	t.Helper()
	oldServer, oldEmulator, oldKeys := serverURL, emulatorURL, keyServerURL
	oldToken, oldApp, oldJSON, oldTimeout := idToken, appCheckToken, outputJSON, timeout
	timeout = 5 * time.Second
	t.Cleanup(func() {
		serverURL, emulatorURL, keyServerURL = oldServer, oldEmulator, oldKeys
		idToken, appCheckToken, outputJSON, timeout = oldToken, oldApp, oldJSON, oldTimeout
	})
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		base, target, want string
	}{
		{"http://localhost:8080", "addNumbers", "http://localhost:8080/addNumbers"},
		{"http://localhost:8080/", "/addNumbers", "http://localhost:8080/addNumbers"},
		{"http://localhost:8080", "https://fn.example.com/x", "https://fn.example.com/x"},
	}
	for _, tt := range tests {
		if got := joinURL(tt.base, tt.target); got != tt.want {
			t.Errorf("joinURL(%q, %q) = %q, want %q", tt.base, tt.target, got, tt.want)
		}
	}
}

func TestEncodeCallBody(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "empty", data: "", want: `{"data":null}`},
		{name: "object", data: `{"a":1,"b":"x"}`, want: `{"data":{"a":1,"b":"x"}}`},
		{
			name: "large integer is tagged",
			data: `9007199254740993`,
			want: `{"data":{"@type":"type.googleapis.com/google.protobuf.Int64Value","value":"9007199254740993"}}`,
		},
		{name: "invalid", data: `{"a":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := encodeCallBody(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("encodeCallBody() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			b, _ := json.Marshal(body)
			if string(b) != tt.want {
				t.Errorf("body = %s, want %s", b, tt.want)
			}
		})
	}
}

func TestReadStream(t *testing.T) {
	tests := []struct {
		name    string
		stream  string
		want    string
		wantErr string
	}{
		{
			name:   "chunks then result",
			stream: "data: {\"message\":1}\n\n: ping\n\ndata: {\"message\":{\"@type\":\"type.googleapis.com/google.protobuf.Int64Value\",\"value\":\"9007199254740993\"}}\n\ndata: {\"result\":\"done\"}\n\n",
			want:   "1\n9007199254740993\n\"done\"\n",
		},
		{
			name:    "error frame",
			stream:  "data: {\"message\":1}\n\ndata: {\"error\":{\"status\":\"INTERNAL\",\"message\":\"INTERNAL\"}}\n\n",
			want:    "1\n",
			wantErr: "INTERNAL: INTERNAL",
		},
		{
			name:    "truncated",
			stream:  "data: {\"message\":1}\n\n",
			want:    "1\n",
			wantErr: "stream ended without a result",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := readStream(strings.NewReader(tt.stream), &out)
			if out.String() != tt.want {
				t.Errorf("output = %q, want %q", out.String(), tt.want)
			}
			if tt.wantErr == "" && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRunCall(t *testing.T) {
	withGlobals(t)
	idToken, appCheckToken = "id-token", "app-token"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(auth.HeaderAuthorization) != "Bearer id-token" || r.Header.Get(auth.HeaderAppCheck) != "app-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":{"status":"UNAUTHENTICATED","message":"Unauthenticated"}}`)
			return
		}
		switch r.URL.Path {
		case "/echo":
			var body struct {
				Data any `json:"data"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"result": body.Data})
		case "/fail":
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"status":"NOT_FOUND","message":"no such thing","details":{"id":7}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := runCall(context.Background(), &out, joinURL(srv.URL, "echo"), `{"big":9007199254740993}`, false); err != nil {
		t.Fatalf("runCall() error: %v", err)
	}
	if out.String() != "{\"big\":9007199254740993}\n" {
		t.Errorf("output = %q", out.String())
	}

	err := runCall(context.Background(), &out, joinURL(srv.URL, "fail"), `null`, false)
	if err == nil || err.Error() != "NOT_FOUND: no such thing (details: map[id:7])" {
		t.Errorf("error = %v", err)
	}

	if err := runCall(context.Background(), &out, joinURL(srv.URL, "missing"), `null`, false); err == nil {
		t.Error("expected error for a non-JSON response")
	}
}

func TestRunToken(t *testing.T) {
	withGlobals(t)
	iss, err := keyserver.New("k1", 1024)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(iss.Handler())
	defer srv.Close()
	keyServerURL = srv.URL

	var out bytes.Buffer
	if err := runToken(context.Background(), &out, keyserver.TokenRequest{Kind: "id", ProjectID: "demo", UID: "alice"}); err != nil {
		t.Fatalf("runToken() error: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out.String()), "."); len(parts) != 3 {
		t.Errorf("output %q is not a JWT", out.String())
	}

	if err := runToken(context.Background(), &out, keyserver.TokenRequest{Kind: "id"}); err == nil {
		t.Error("expected error when the key server rejects the request")
	}
}

func TestRunEnqueue(t *testing.T) {
	withGlobals(t)
	var got emulator.EnqueueRequest
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(emulator.EnqueueResponse{ID: "t1", Queue: "logTask", ScheduledAt: "2024-01-01T00:00:00Z"})
	}))
	defer srv.Close()
	emulatorURL = srv.URL

	var out bytes.Buffer
	if err := runEnqueue(context.Background(), &out, "logTask", `{"message":"hi"}`, 2*time.Second, "t1"); err != nil {
		t.Fatalf("runEnqueue() error: %v", err)
	}
	if gotPath != "/queues/logTask/tasks" {
		t.Errorf("path = %q", gotPath)
	}
	if string(got.Data) != `{"message":"hi"}` || got.DelaySeconds != 2 || got.ID != "t1" {
		t.Errorf("request = %+v", got)
	}
	if !strings.Contains(out.String(), "Enqueued task t1 on logTask") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunManifest(t *testing.T) {
	withGlobals(t)
	m := manifest.New()
	m.AddCallable("addNumbers", manifest.Endpoint{Region: []string{"us-central1"}})
	m.AddTaskQueue("logTask", manifest.Endpoint{}, manifest.TaskQueueTrigger{
		RetryConfig: &manifest.RetryConfig{MaxAttempts: manifest.Value(5), MaxDoublings: manifest.Reset[int]()},
	})
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
	serverURL = srv.URL

	var out bytes.Buffer
	if err := runManifest(context.Background(), &out, false); err != nil {
		t.Fatalf("runManifest() error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("output = %q", out.String())
	}
	if f := strings.Fields(lines[1]); len(f) < 3 || f[0] != "addNumbers" || f[1] != "callable" || f[2] != "us-central1" {
		t.Errorf("callable row = %q", lines[1])
	}
	if !strings.Contains(lines[2], "attempts=5 doublings=reset") {
		t.Errorf("task row = %q", lines[2])
	}

	out.Reset()
	if err := runManifest(context.Background(), &out, true); err != nil {
		t.Fatal(err)
	}
	if out.String() != string(doc) {
		t.Error("--raw should print the manifest as served")
	}
}

func TestRunHealth(t *testing.T) {
	withGlobals(t)
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			_, _ = io.WriteString(w, `{"ok":true,"message":"ok","checks":{"redis":"ok"}}`)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"ok":false,"message":"redis check failed","checks":{"redis":"connection refused"}}`)
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := runHealth(context.Background(), &out, srv.URL); err != nil {
		t.Errorf("runHealth() error: %v", err)
	}
	if !strings.Contains(out.String(), "healthy") || !strings.Contains(out.String(), "redis: ok") {
		t.Errorf("output = %q", out.String())
	}

	healthy = false
	out.Reset()
	if err := runHealth(context.Background(), &out, srv.URL); err == nil {
		t.Error("expected error for an unhealthy service")
	}
	if !strings.Contains(out.String(), "redis: connection refused") {
		t.Errorf("output = %q", out.String())
	}
}
