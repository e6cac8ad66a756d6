// Package config loads the target configuration and writes refreshed
// credentials back into it.
package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/lsm/target-api/internal/auth"
)

// EnvPrefix marks environment variables that override file values
// (TARGET_API_BATCH_SIZE overrides batch_size).
const EnvPrefix = "TARGET_API_"

// DefaultUserAgent is sent when user_agent is not configured.
const DefaultUserAgent = "target-api"

// Config is the target configuration.
type Config struct {
	URL    string `koanf:"url"`
	Method string `koanf:"method"`

	Auth         bool   `koanf:"auth"`
	APIKey       string `koanf:"api_key"`
	APIKeyHeader string `koanf:"api_key_header"`
	APIKeyURL    bool   `koanf:"api_key_url"`

	AccessKey    string `koanf:"access_key"`
	AuthURL      string `koanf:"auth_url"`
	AccessToken  string `koanf:"access_token"`
	RefreshToken string `koanf:"refresh_token"`
	ExpiresIn    int64  `koanf:"expires_in"`

	ProcessAsBatch  bool   `koanf:"process_as_batch"`
	BatchSize       int    `koanf:"batch_size"`
	MaxSizeInBytes  int    `koanf:"max_size_in_bytes"`
	EnforceOrder    bool   `koanf:"enforce_order"`
	PostEmptyRecord bool   `koanf:"post_empty_record"`
	AddStreamKey    bool   `koanf:"add_stream_key"`
	Metadata        any    `koanf:"metadata"`
	CustomHeaders   []any  `koanf:"custom_headers"`
	UserAgent       string `koanf:"user_agent"`

	MaxParallelism          int           `koanf:"max_parallelism"`
	MaxRetries              int           `koanf:"max_retries"`
	RetryInitialInterval    time.Duration `koanf:"retry_initial_interval"`
	RetryMaxInterval        time.Duration `koanf:"retry_max_interval"`
	Timeout                 time.Duration `koanf:"timeout"`
	RateLimit               float64       `koanf:"rate_limit"`
	RateBurst               int           `koanf:"rate_burst"`
	CircuitBreakerThreshold int           `koanf:"circuit_breaker_threshold"`
	CircuitBreakerReset     time.Duration `koanf:"circuit_breaker_reset"`

	BatchIDField   string `koanf:"batch_id_field"`
	ResponseIDPath string `koanf:"response_id_path"`
	DeadLetterPath string `koanf:"dead_letter_path"`
	StreamingJob   bool   `koanf:"streaming_job"`
}

// Header is one configured custom header.
type Header struct {
	Name  string
	Value string
}

// AuthMode is how delivery requests authenticate.
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthAPIKey
	AuthToken
)

func (m AuthMode) String() string {
	switch m {
	case AuthAPIKey:
		return "api_key"
	case AuthToken:
		return "token"
	default:
		return "none"
	}
}

// Load reads path (JSON or YAML) and overlays TARGET_API_* environment
// variables. The result has defaults applied and is validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.ComposeDecodeHookFunc(durationHook),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// durationHook accepts Go duration strings ("90s") and plain numbers, which
// are read as seconds.
func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(v)
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case uint64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

func applyDefaults(c *Config) {
	c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = auth.DefaultAPIKeyHeader
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxParallelism == 0 {
		c.MaxParallelism = 10
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.RetryInitialInterval == 0 {
		c.RetryInitialInterval = 2 * time.Second
	}
	if c.RetryMaxInterval == 0 {
		c.RetryMaxInterval = 60 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 300 * time.Second
	}
	if c.CircuitBreakerReset == 0 {
		c.CircuitBreakerReset = 30 * time.Second
	}
	if c.ResponseIDPath == "" {
		c.ResponseIDPath = "id"
	}
	c.Metadata = ParseMetadata(c.Metadata)
}

// AuthMode reports how requests authenticate. An access key selects the
// token exchange; auth or api_key_url select the static key.
func (c *Config) AuthMode() AuthMode {
	switch {
	case c.AccessKey != "":
		return AuthToken
	case c.Auth || c.APIKeyURL:
		return AuthAPIKey
	default:
		return AuthNone
	}
}

// Concurrency is the worker limit: 1 when order is enforced.
func (c *Config) Concurrency() int {
	if c.EnforceOrder {
		return 1
	}
	return c.MaxParallelism
}

// Headers returns the static request headers: content type, user agent and
// every well-formed custom header. Entries whose name or value is not a
// string are skipped.
func (c *Config) Headers() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", c.UserAgent)
	for _, ch := range c.CustomHeaderList() {
		h.Set(ch.Name, ch.Value)
	}
	return h
}

// CustomHeaderList returns the well-formed entries of custom_headers.
func (c *Config) CustomHeaderList() []Header {
	var out []Header
	for _, entry := range c.CustomHeaders {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, okName := m["name"].(string)
		value, okValue := m["value"].(string)
		if !okName || !okValue || name == "" {
			continue
		}
		out = append(out, Header{Name: name, Value: value})
	}
	return out
}

// InitialCredential returns the credential persisted in the file, if any.
func (c *Config) InitialCredential(now time.Time) *auth.Credential {
	if c.AccessToken == "" {
		return nil
	}
	cred := auth.CredentialFromExpiry(c.AccessToken, c.RefreshToken, time.Unix(c.ExpiresIn, 0), now)
	return &cred
}

// Secrets returns every configured secret value, for masking.
func (c *Config) Secrets() []string {
	var out []string
	for _, s := range []string{c.APIKey, c.AccessKey, c.AccessToken, c.RefreshToken} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseMetadata normalizes the metadata option: a string holding JSON is
// decoded, any other string is kept as is.
func ParseMetadata(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err == nil {
		return decoded
	}
	return s
}
