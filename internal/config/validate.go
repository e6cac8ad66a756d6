package config

import (
	"errors"
	"fmt"
	"net/http"
)

// ConfigurationError reports an unusable option. It is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// IsConfigurationError reports whether err carries a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

var allowedMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
	http.MethodGet:   true,
}

// Validate checks the options that would otherwise fail at the first
// delivery. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, reason string) {
		errs = append(errs, &ConfigurationError{Field: field, Reason: reason})
	}

	if c.URL == "" {
		bad("url", "is required")
	} else if unknown := unknownPlaceholders(c.URL); len(unknown) > 0 {
		bad("url", fmt.Sprintf("unknown template variables %v", unknown))
	}
	if !allowedMethods[c.Method] {
		bad("method", fmt.Sprintf("unsupported HTTP method %q", c.Method))
	}
	if c.AccessKey != "" && c.AuthURL == "" {
		bad("auth_url", "is required with access_key")
	}
	if c.APIKeyURL && c.APIKey == "" {
		bad("api_key", "is required with api_key_url")
	}
	if c.Auth && c.AccessKey == "" && c.APIKey == "" {
		bad("api_key", "is required with auth")
	}
	for _, opt := range []struct {
		field string
		value int
	}{
		{"batch_size", c.BatchSize},
		{"max_size_in_bytes", c.MaxSizeInBytes},
		{"max_parallelism", c.MaxParallelism},
		{"max_retries", c.MaxRetries},
		{"rate_burst", c.RateBurst},
		{"circuit_breaker_threshold", c.CircuitBreakerThreshold},
	} {
		if opt.value < 0 {
			bad(opt.field, "must not be negative")
		}
	}
	if c.RateLimit < 0 {
		bad("rate_limit", "must not be negative")
	}
	if c.RetryInitialInterval < 0 || c.RetryMaxInterval < 0 || c.Timeout < 0 {
		bad("retry", "intervals and timeout must not be negative")
	}
	return errors.Join(errs...)
}
