package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/lsm/target-api/internal/observability"
	"github.com/lsm/target-api/internal/redact"
	"github.com/lsm/target-api/internal/retry"
	"github.com/lsm/target-api/internal/tracing"
)

const (
	refreshKey         = "refresh"
	maxAuthBodyChars   = 5000
	authenticationType = "ACCESS_KEY"
)

// Persister stores a refreshed credential durably (the config file).
type Persister interface {
	SaveCredential(c Credential) error
}

// TokenStoreConfig configures a TokenStore.
type TokenStoreConfig struct {
	Endpoint  string
	AccessKey string
	Initial   *Credential
	Persister Persister
	Retry     retry.Config
}

// TokenStore owns the shared access credential. Only the store replaces it;
// concurrent refreshes are collapsed, and a late writer may still overwrite
// an earlier one since any refreshed token is valid.
type TokenStore struct {
	endpoint  string
	accessKey string
	persister Persister
	retry     retry.Config

	mu   sync.RWMutex
	cred Credential

	group   singleflight.Group
	client  *http.Client
	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	masker  *redact.Masker
}

// Option configures a TokenStore.
type Option func(*TokenStore)

// WithClock sets a custom clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *TokenStore) { s.clock = clock }
}

// WithHTTPClient overrides the client used to call the auth endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(s *TokenStore) { s.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *TokenStore) { s.logger = l }
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *TokenStore) { s.metrics = m }
}

// WithTracer sets the tracer for refresh spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *TokenStore) { s.tracer = t }
}

// WithMasker shares the run's masker; refreshed tokens are registered on it.
func WithMasker(m *redact.Masker) Option {
	return func(s *TokenStore) { s.masker = m }
}

// NewTokenStore creates a token store for the ACCESS_KEY exchange.
func NewTokenStore(cfg TokenStoreConfig, opts ...Option) (*TokenStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("auth endpoint is required")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("access key is required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Config{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second}
	}
	s := &TokenStore{
		endpoint:  cfg.Endpoint,
		accessKey: cfg.AccessKey,
		persister: cfg.Persister,
		retry:     cfg.Retry,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		clock:  time.Now,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("auth"),
	}
	if cfg.Initial != nil {
		s.cred = *cfg.Initial
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.masker == nil {
		s.masker = redact.New([]string{cfg.AccessKey}, "accessKey")
	} else {
		s.masker.AddSecret(cfg.AccessKey)
	}
	s.masker.AddSecret(s.cred.Value)
	return s, nil
}

// IsValid reports whether the held credential can be sent now.
func (s *TokenStore) IsValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Usable(s.clock())
}

// Current returns a copy of the held credential.
func (s *TokenStore) Current() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

// Header returns the bearer header, refreshing first when the credential is
// missing or inside the safety margin.
func (s *TokenStore) Header(ctx context.Context) (Header, error) {
	if !s.IsValid() {
		if err := s.Refresh(ctx); err != nil {
			return Header{}, err
		}
	}
	c := s.Current()
	return Header{Name: "Authorization", Value: "Bearer " + c.Value}, nil
}

// Token implements oauth2.TokenSource.
func (s *TokenStore) Token() (*oauth2.Token, error) {
	if !s.IsValid() {
		if err := s.Refresh(context.Background()); err != nil {
			return nil, err
		}
	}
	c := s.Current()
	return &oauth2.Token{
		AccessToken:  c.Value,
		TokenType:    "Bearer",
		RefreshToken: c.RefreshToken,
		Expiry:       c.ExpiresAt(),
	}, nil
}

// Offer adopts a credential written elsewhere (another worker process) when
// it is usable and outlives the one held. Reports whether it was adopted.
func (s *TokenStore) Offer(c Credential) bool {
	now := s.clock()
	if !c.Usable(now) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred.Usable(now) && !c.ExpiresAt().After(s.cred.ExpiresAt()) {
		return false
	}
	s.cred = c
	s.masker.AddSecret(c.Value)
	return true
}

// Refresh exchanges the access key for a new credential, retrying with
// exponential backoff. Concurrent callers share one exchange.
func (s *TokenStore) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do(refreshKey, func() (any, error) {
		ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanAuthRefresh)
		defer span.End()

		var fresh Credential
		err := retry.Do(ctx, s.retry, func(attempt int) error {
			c, err := s.fetch(ctx)
			s.metrics.ObserveAuthRefresh(err == nil)
			if err != nil {
				s.logger.Warn("auth refresh attempt failed", "attempt", attempt+1, "error", s.masker.Error(err))
				return err
			}
			fresh = c
			return nil
		})
		if err != nil {
			tracing.SetSpanError(span, err)
			return nil, err
		}

		s.mu.Lock()
		s.cred = fresh
		s.masker.AddSecret(fresh.Value)
		s.mu.Unlock()

		if s.persister != nil {
			if err := s.persister.SaveCredential(fresh); err != nil {
				s.logger.Warn("failed to persist refreshed credential", "error", err)
			}
		}
		tracing.SetSpanOK(span)
		s.logger.Info("auth refresh succeeded", "expires_at", fresh.ExpiresAt().UTC().Format(time.RFC3339))
		return nil, nil
	})
	return err
}

type tokenResponse struct {
	Data struct {
		SessionToken string `json:"sessionToken"`
		RefreshToken string `json:"refreshToken"`
		MaxAge       *int64 `json:"maxAge"`
	} `json:"data"`
}

func (s *TokenStore) fetch(ctx context.Context) (Credential, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return Credential{}, retry.Permanent(&AuthError{Err: fmt.Errorf("parse endpoint: %w", err)})
	}
	q := u.Query()
	q.Set("authenticationType", authenticationType)
	q.Set("accessKey", s.accessKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Credential{}, retry.Permanent(&AuthError{Err: errors.New(s.masker.Error(err))})
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Credential{}, &AuthError{Err: errors.New(s.masker.Error(err))}
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	body := redact.Truncate(s.masker.String(string(raw)), maxAuthBodyChars)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, &AuthError{StatusCode: resp.StatusCode, Body: body}
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Credential{}, &AuthError{StatusCode: resp.StatusCode, Body: body, Err: fmt.Errorf("decode response: %w", err)}
	}
	if tr.Data.SessionToken == "" || tr.Data.MaxAge == nil || *tr.Data.MaxAge <= 0 {
		return Credential{}, &AuthError{StatusCode: resp.StatusCode, Body: body, Err: errors.New("response missing sessionToken or maxAge")}
	}
	return Credential{
		Value:        tr.Data.SessionToken,
		RefreshToken: tr.Data.RefreshToken,
		IssuedAt:     s.clock(),
		TTL:          time.Duration(*tr.Data.MaxAge) * time.Second,
	}, nil
}
