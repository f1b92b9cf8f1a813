package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	tests := []struct {
		name     string
		got      any
		expected any
	}{
		{name: "app name", got: cfg.AppName, expected: "fngate"},
		{name: "http addr", got: cfg.HTTPAddr, expected: ":8080"},
		{name: "emulated", got: cfg.Emulated, expected: false},
		{name: "keyset ttl", got: cfg.Auth.KeySetTTL, expected: 6 * time.Hour},
		{name: "min refresh", got: cfg.Auth.MinRefreshInterval, expected: 30 * time.Second},
		{name: "cors origins", got: cfg.CORS.Origins, expected: []string{"*"}},
		{name: "cors methods", got: cfg.CORS.Methods, expected: []string{"POST"}},
		{name: "heartbeat", got: cfg.Streaming.Heartbeat, expected: 30 * time.Second},
		{name: "tasks topic", got: cfg.NSQ.TasksTopic, expected: "tasks"},
		{name: "dlq topic", got: cfg.NSQ.DLQTopic, expected: "tasks_dlq"},
		{name: "keyserver bits", got: cfg.KeyServer.KeyBits, expected: 2048},
		{name: "tracing ratio", got: cfg.Tracing.Ratio, expected: 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !reflect.DeepEqual(tt.got, tt.expected) {
				t.Errorf("got %v, want %v", tt.got, tt.expected)
			}
		})
	}
}

func TestFromEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg Config)
	}{
		{
			name:    "project id",
			envVars: map[string]string{"FNGATE_PROJECT_ID": "demo-project"},
			check: func(t *testing.T, cfg Config) {
				if cfg.Project.ID != "demo-project" {
					t.Errorf("Project.ID = %q", cfg.Project.ID)
				}
			},
		},
		{
			name:    "emulated flag",
			envVars: map[string]string{"FNGATE_EMULATED": "true"},
			check: func(t *testing.T, cfg Config) {
				if !cfg.Emulated {
					t.Error("Emulated should be true")
				}
			},
		},
		{
			name:    "duration",
			envVars: map[string]string{"FNGATE_STREAMING_HEARTBEAT": "5s"},
			check: func(t *testing.T, cfg Config) {
				if cfg.Streaming.Heartbeat != 5*time.Second {
					t.Errorf("Heartbeat = %v", cfg.Streaming.Heartbeat)
				}
			},
		},
		{
			name:    "comma separated origins",
			envVars: map[string]string{"FNGATE_CORS_ORIGINS": "https://a.example,https://b.example"},
			check: func(t *testing.T, cfg Config) {
				want := []string{"https://a.example", "https://b.example"}
				if !reflect.DeepEqual(cfg.CORS.Origins, want) {
					t.Errorf("Origins = %v, want %v", cfg.CORS.Origins, want)
				}
			},
		},
		{
			name:    "enforce app check",
			envVars: map[string]string{"FNGATE_AUTH_ENFORCE_APP_CHECK": "1"},
			check: func(t *testing.T, cfg Config) {
				if !cfg.Auth.EnforceAppCheck {
					t.Error("EnforceAppCheck should be true")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			tt.check(t, FromEnv())
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fngate.yaml")
	content := strings.Join([]string{
		"project:",
		"  id: file-project",
		"  number: \"12345\"",
		"auth:",
		"  enforce_app_check: true",
		"redis:",
		"  url: redis://localhost:6379/0",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FNGATE_PROJECT_ID", "env-project")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Project.ID != "env-project" {
		t.Errorf("env should override file, got %q", cfg.Project.ID)
	}
	if cfg.Project.Number != "12345" {
		t.Errorf("Project.Number = %q", cfg.Project.Number)
	}
	if !cfg.Auth.EnforceAppCheck {
		t.Error("EnforceAppCheck should come from file")
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("Redis.URL = %q", cfg.Redis.URL)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("unset keys keep defaults, got %q", cfg.HTTPAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) { c.Project.ID = "p" }},
		{name: "emulated without project", mutate: func(c *Config) { c.Emulated = true }},
		{name: "missing project", mutate: func(c *Config) {}, wantErr: "project.id"},
		{
			name:    "debug skip outside emulation",
			mutate:  func(c *Config) { c.Project.ID = "p"; c.Auth.DebugSkipVerification = true },
			wantErr: "debug_skip_verification",
		},
		{
			name:    "negative heartbeat",
			mutate:  func(c *Config) { c.Project.ID = "p"; c.Streaming.Heartbeat = -time.Second },
			wantErr: "heartbeat",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestIssuers(t *testing.T) {
	cfg := Config{Project: Project{ID: "demo", Number: "42"}}
	if got := cfg.IdentityIssuer(); got != "https://securetoken.google.com/demo" {
		t.Errorf("IdentityIssuer() = %q", got)
	}
	if got := cfg.AppCheckIssuer(); got != "https://firebaseappcheck.googleapis.com/42" {
		t.Errorf("AppCheckIssuer() = %q", got)
	}

	cfg.Auth.IdentityIssuer = "http://localhost:8082"
	cfg.Auth.AppCheckIssuer = "http://localhost:8082/appcheck"
	if got := cfg.IdentityIssuer(); got != "http://localhost:8082" {
		t.Errorf("override IdentityIssuer() = %q", got)
	}
	if got := cfg.AppCheckIssuer(); got != "http://localhost:8082/appcheck" {
		t.Errorf("override AppCheckIssuer() = %q", got)
	}
}
