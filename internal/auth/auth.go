package auth

import (
	"context"
	"errors"
	"fmt"
)

// DefaultAPIKeyHeader is used when api_key_header is not configured.
const DefaultAPIKeyHeader = "x-api-key"

// Header is a single header to attach to a delivery request. A zero Header
// means the request carries no auth header.
type Header struct {
	Name  string
	Value string
}

// IsZero reports whether h carries nothing.
func (h Header) IsZero() bool { return h.Name == "" }

// HeaderProvider supplies the auth header for a delivery request.
type HeaderProvider interface {
	Header(ctx context.Context) (Header, error)
}

// NoopProvider attaches no header; used when auth is off or the key travels in the URL.
type NoopProvider struct{}

func (NoopProvider) Header(context.Context) (Header, error) { return Header{}, nil }

// APIKeyProvider sends a static key in a named header.
type APIKeyProvider struct {
	name string
	key  string
}

// NewAPIKeyProvider creates a provider sending key in header name
// (DefaultAPIKeyHeader when empty).
func NewAPIKeyProvider(name, key string) (*APIKeyProvider, error) {
	if key == "" {
		return nil, errors.New("api key is empty")
	}
	if name == "" {
		name = DefaultAPIKeyHeader
	}
	return &APIKeyProvider{name: name, key: key}, nil
}

func (p *APIKeyProvider) Header(context.Context) (Header, error) {
	return Header{Name: p.name, Value: p.key}, nil
}

// AuthError reports a failed credential refresh. Body is the raw response
// body of the auth endpoint, kept for diagnostics.
type AuthError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("auth refresh failed with status %d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("auth refresh failed with status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("auth refresh failed: %v", e.Err)
	default:
		return "auth refresh failed"
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err carries an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
