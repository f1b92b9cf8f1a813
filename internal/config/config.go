package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. FNGATE_PROJECT_ID
const EnvPrefix = "FNGATE"

type Project struct {
	ID     string `mapstructure:"id"`     // project id, the identity token audience
	Number string `mapstructure:"number"` // project number, used in the app check issuer
}

type Auth struct {
	IdentityJWKSURL       string        `mapstructure:"identity_jwks_url"`
	AppCheckJWKSURL       string        `mapstructure:"appcheck_jwks_url"`
	IdentityIssuer        string        `mapstructure:"identity_issuer"` // overrides the derived issuer when set
	AppCheckIssuer        string        `mapstructure:"appcheck_issuer"`
	KeySetTTL             time.Duration `mapstructure:"keyset_ttl"`           // used when the JWKS response has no max-age
	MinRefreshInterval    time.Duration `mapstructure:"min_refresh_interval"` // floor between unknown-kid refetches
	DebugSkipVerification bool          `mapstructure:"debug_skip_verification"`
	EnforceAppCheck       bool          `mapstructure:"enforce_app_check"`
	TaskVerifySignature   bool          `mapstructure:"task_verify_signature"`
}

type CORS struct {
	Origins  []string `mapstructure:"origins"` // "*" allows all, "/re/" entries are patterns
	Methods  []string `mapstructure:"methods"`
	Disabled bool     `mapstructure:"disabled"`
}

type Streaming struct {
	Heartbeat time.Duration `mapstructure:"heartbeat"` // zero disables ping frames
}

type Redis struct {
	URL       string        `mapstructure:"url"` // empty disables the shared key-set store
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type NSQ struct {
	NsqdTCPAddr    string `mapstructure:"nsqd_tcp_addr"`    // e.g. nsqd:4150
	NsqdHTTPAddr   string `mapstructure:"nsqd_http_addr"`   // e.g. http://nsqd:4151
	LookupHTTPAddr string `mapstructure:"lookup_http_addr"` // e.g. http://nsqlookupd:4161
	TasksTopic     string `mapstructure:"tasks_topic"`
	DLQTopic       string `mapstructure:"dlq_topic"`
	Channel        string `mapstructure:"channel"`
	PublishDLQ     bool   `mapstructure:"publish_dlq"`
}

type Emulator struct {
	HTTPAddr         string        `mapstructure:"http_addr"` // metrics and health
	FunctionsBaseURL string        `mapstructure:"functions_base_url"`
	BacklogInterval  time.Duration `mapstructure:"backlog_interval"`
	BacklogThreshold int64         `mapstructure:"backlog_threshold"`
	DispatchTimeout  time.Duration `mapstructure:"dispatch_timeout"`
	TokenURL         string        `mapstructure:"token_url"` // key server /token, empty sends no bearer token
}

type KeyServer struct {
	Addr    string `mapstructure:"addr"`
	KeyID   string `mapstructure:"key_id"`
	KeyBits int    `mapstructure:"key_bits"`
}

type Tracing struct {
	Enabled  bool    `mapstructure:"enabled"`
	Endpoint string  `mapstructure:"endpoint"`
	Insecure bool    `mapstructure:"insecure"`
	Ratio    float64 `mapstructure:"ratio"`
}

type Config struct {
	AppName   string    `mapstructure:"app_name"`
	HTTPAddr  string    `mapstructure:"http_addr"` // :8080
	LogLevel  string    `mapstructure:"log_level"`
	Emulated  bool      `mapstructure:"emulated"` // local emulation relaxes auth
	Project   Project   `mapstructure:"project"`
	Auth      Auth      `mapstructure:"auth"`
	CORS      CORS      `mapstructure:"cors"`
	Streaming Streaming `mapstructure:"streaming"`
	Redis     Redis     `mapstructure:"redis"`
	NSQ       NSQ       `mapstructure:"nsq"`
	Emulator  Emulator  `mapstructure:"emulator"`
	KeyServer KeyServer `mapstructure:"keyserver"`
	Tracing   Tracing   `mapstructure:"tracing"`
}

var defaults = map[string]any{
	"app_name":  "fngate",
	"http_addr": ":8080",
	"log_level": "info",
	"emulated":  false,

	"project.id":     "",
	"project.number": "",

	"auth.identity_jwks_url":       "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com",
	"auth.appcheck_jwks_url":       "https://firebaseappcheck.googleapis.com/v1/jwks",
	"auth.identity_issuer":         "",
	"auth.appcheck_issuer":         "",
	"auth.keyset_ttl":              6 * time.Hour,
	"auth.min_refresh_interval":    30 * time.Second,
	"auth.debug_skip_verification": false,
	"auth.enforce_app_check":       false,
	"auth.task_verify_signature":   false,

	"cors.origins":  []string{"*"},
	"cors.methods":  []string{"POST"},
	"cors.disabled": false,

	"streaming.heartbeat": 30 * time.Second,

	"redis.url":        "",
	"redis.key_prefix": "fngate:jwks:",
	"redis.ttl":        time.Hour,

	"nsq.nsqd_tcp_addr":    "nsqd:4150",
	"nsq.nsqd_http_addr":   "http://nsqd:4151",
	"nsq.lookup_http_addr": "http://nsqlookupd:4161",
	"nsq.tasks_topic":      "tasks",
	"nsq.dlq_topic":        "tasks_dlq",
	"nsq.channel":          "dispatchers",
	"nsq.publish_dlq":      true,

	"emulator.http_addr":          ":8083",
	"emulator.functions_base_url": "http://localhost:8080",
	"emulator.backlog_interval":   10 * time.Second,
	"emulator.backlog_threshold":  1000,
	"emulator.dispatch_timeout":   30 * time.Second,
	"emulator.token_url":          "",

	"keyserver.addr":     ":8082",
	"keyserver.key_id":   "fngate-dev-key-1",
	"keyserver.key_bits": 2048,

	"tracing.enabled":  false,
	"tracing.endpoint": "",
	"tracing.insecure": true,
	"tracing.ratio":    1.0,
}

// NewViper returns a viper instance with defaults and FNGATE_ env overrides registered.
// Every key has a default so Unmarshal sees env values for all of them.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads defaults, an optional YAML file and environment overrides
func Load(path string) (Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

// FromEnv loads configuration from defaults and environment only
func FromEnv() Config {
	cfg, err := decode(NewViper())
	if err != nil {
		// Only malformed env values get here; fall back to the defaults
		cfg, _ = decode(defaultsOnly())
	}
	return cfg
}

func defaultsOnly() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports settings the gateway cannot run with
func (c Config) Validate() error {
	var errs []error
	if !c.Emulated && c.Project.ID == "" {
		errs = append(errs, errors.New("project.id is required outside emulation"))
	}
	if c.Auth.DebugSkipVerification && !c.Emulated {
		errs = append(errs, errors.New("auth.debug_skip_verification requires emulated mode"))
	}
	if c.Streaming.Heartbeat < 0 {
		errs = append(errs, errors.New("streaming.heartbeat must not be negative"))
	}
	return errors.Join(errs...)
}

// IdentityIssuer returns the expected iss claim for identity tokens
func (c Config) IdentityIssuer() string {
	if c.Auth.IdentityIssuer != "" {
		return c.Auth.IdentityIssuer
	}
	return "https://securetoken.google.com/" + c.Project.ID
}

// AppCheckIssuer returns the expected iss claim for app check tokens
func (c Config) AppCheckIssuer() string {
	if c.Auth.AppCheckIssuer != "" {
		return c.Auth.AppCheckIssuer
	}
	return "https://firebaseappcheck.googleapis.com/" + c.Project.Number
}
