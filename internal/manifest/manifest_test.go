package manifest

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFieldJSON(t *testing.T) {
	tests := []struct {
		name string
		cfg  RetryConfig
		want string
	}{
		{
			name: "all unset",
			cfg:  RetryConfig{},
			want: `{}`,
		},
		{
			name: "reset is null not the default",
			cfg:  RetryConfig{MaxAttempts: Reset[int]()},
			want: `{"maxAttempts":null}`,
		},
		{
			name: "mixed",
			cfg: RetryConfig{
				MaxAttempts:       Value(5),
				MaxBackoffSeconds: Reset[int](),
				MinBackoffSeconds: Value(0),
			},
			want: `{"maxAttempts":5,"maxBackoffSeconds":null,"minBackoffSeconds":0}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.cfg)
			if err != nil {
				t.Fatalf("Marshal() error: %v", err)
			}
			if string(b) != tt.want {
				t.Errorf("Marshal() = %s, want %s", b, tt.want)
			}
		})
	}
}

func TestFieldJSONDecode(t *testing.T) {
	var cfg RetryConfig
	if err := json.Unmarshal([]byte(`{"maxAttempts":null,"maxDoublings":3}`), &cfg); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if !cfg.MaxAttempts.IsReset() {
		t.Errorf("MaxAttempts = %s, want reset", cfg.MaxAttempts)
	}
	if v, ok := cfg.MaxDoublings.Get(); !ok || v != 3 {
		t.Errorf("MaxDoublings = %s, want 3", cfg.MaxDoublings)
	}
	if !cfg.MaxRetrySeconds.IsZero() {
		t.Errorf("MaxRetrySeconds = %s, want unset", cfg.MaxRetrySeconds)
	}
}

func TestFieldOr(t *testing.T) {
	if got := Unset[int]().Or(7); got != 7 {
		t.Errorf("Unset.Or = %d", got)
	}
	if got := Reset[int]().Or(7); got != 7 {
		t.Errorf("Reset.Or = %d", got)
	}
	if got := Value(0).Or(7); got != 0 {
		t.Errorf("Value(0).Or = %d", got)
	}
}

func TestManifestYAML(t *testing.T) {
	m := New()
	m.AddCallable("addNumbers", Endpoint{Region: []string{"us-central1"}})
	m.AddTaskQueue("resizeImage", Endpoint{}, TaskQueueTrigger{
		RetryConfig: &RetryConfig{
			MaxAttempts:       Value(5),
			MinBackoffSeconds: Reset[int](),
		},
		RateLimits: &RateLimits{MaxDispatchesPerSecond: Value(2.5)},
		Invoker:    []string{"private"},
	})
	m.AddTaskQueue("sendEmail", Endpoint{}, TaskQueueTrigger{})

	b, err := m.YAML()
	if err != nil {
		t.Fatalf("YAML() error: %v", err)
	}
	out := string(b)

	for _, want := range []string{
		"specVersion: v1alpha1",
		"callableTrigger: {}",
		"platform: gcfv2",
		"entryPoint: resizeImage",
		"maxAttempts: 5",
		"minBackoffSeconds: null",
		"maxDispatchesPerSecond: 2.5",
		"api: cloudtasks.googleapis.com",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("manifest missing %q:\n%s", want, out)
		}
	}
	for _, unwanted := range []string{"maxRetrySeconds", "maxConcurrentDispatches"} {
		if strings.Contains(out, unwanted) {
			t.Errorf("manifest should omit unset %q:\n%s", unwanted, out)
		}
	}
	if n := strings.Count(out, "cloudtasks.googleapis.com"); n != 1 {
		t.Errorf("tasks API listed %d times", n)
	}

	parsed, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got := parsed.Names(); len(got) != 3 || got[0] != "addNumbers" {
		t.Errorf("Names() = %v", got)
	}
	tq, ok := parsed.TaskQueue("resizeImage")
	if !ok {
		t.Fatal("TaskQueue(resizeImage) not found")
	}
	if v, _ := tq.RetryConfig.MaxAttempts.Get(); v != 5 {
		t.Errorf("maxAttempts = %s", tq.RetryConfig.MaxAttempts)
	}
	if !tq.RetryConfig.MinBackoffSeconds.IsReset() {
		t.Errorf("minBackoffSeconds = %s, want reset", tq.RetryConfig.MinBackoffSeconds)
	}
	if !tq.RetryConfig.MaxDoublings.IsZero() {
		t.Errorf("maxDoublings = %s, want unset", tq.RetryConfig.MaxDoublings)
	}
	if v, _ := tq.RateLimits.MaxDispatchesPerSecond.Get(); v != 2.5 {
		t.Errorf("maxDispatchesPerSecond = %s", tq.RateLimits.MaxDispatchesPerSecond)
	}
	if _, ok := parsed.TaskQueue("addNumbers"); ok {
		t.Error("callable endpoint reported as a task queue")
	}
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	if _, err := Parse([]byte("specVersion: v2\nendpoints: {}\n")); err == nil {
		t.Error("Parse() should reject an unknown specVersion")
	}
	if _, err := Parse([]byte("endpoints:\n  fn:\n    taskQueueTrigger:\n      retryConfig: [1]\n")); err == nil {
		t.Error("Parse() should reject a malformed document")
	}
}
