package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsm/target-api/internal/observability"
	"github.com/lsm/target-api/internal/redact"
	"github.com/lsm/target-api/internal/retry"
)

func fastRetry(n int) retry.Config {
	return retry.Config{MaxAttempts: n, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestSend_Success(t *testing.T) {
	var got []byte
	var gotHeader http.Header
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		gotHeader = r.Header
		w.Header().Set("X-Request-Id", "req-9")
		_, _ = w.Write([]byte(`{"id":"abc"}`))
	})

	c := New(Config{Retry: fastRetry(5)}, quiet())
	resp, err := c.Send(context.Background(), Request{
		URL:    srv.URL,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`[{"a":1}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"id":"abc"}`, string(resp.Body))
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, "req-9", resp.CorrelationID.Value)
	assert.Equal(t, `[{"a":1}]`, string(got))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
}

func TestSend_RetriesServerErrorThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	c := New(Config{Retry: fastRetry(5)}, quiet())
	resp, err := c.Send(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 2, resp.Attempts)
	assert.EqualValues(t, 2, calls.Load())
}

func TestSend_ExhaustsExactAttempts(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
			})

			c := New(Config{Retry: fastRetry(5)}, quiet())
			_, err := c.Send(context.Background(), Request{URL: srv.URL})
			require.Error(t, err)

			var ex *retry.ExhaustedError
			require.ErrorAs(t, err, &ex)
			assert.Equal(t, 5, ex.Attempts)
			var re *RetriableError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, status, re.StatusCode)
			assert.Equal(t, status, StatusCode(err))
			assert.EqualValues(t, 5, calls.Load())
		})
	}
}

func TestSend_ClientErrorIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad field"}`))
	})

	c := New(Config{Retry: fastRetry(5)}, quiet())
	_, err := c.Send(context.Background(), Request{URL: srv.URL + "/users"})
	require.Error(t, err)

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusBadRequest, fe.StatusCode)
	assert.True(t, strings.HasPrefix(fe.Message, "Status code: 400 with Bad Request for path: "))
	assert.Contains(t, fe.Message, `with response body: '{"message":"bad field"}'`)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSend_MasksSecrets(t *testing.T) {
	const secret = "sk-live-123"
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("key " + secret + " rejected"))
	})

	m := redact.New([]string{secret}, "x-api-key")
	c := New(Config{Retry: fastRetry(1)}, quiet(), WithMasker(m))
	_, err := c.Send(context.Background(), Request{
		URL:    srv.URL + "/users?x-api-key=" + secret,
		Header: http.Header{"X-Api-Key": {secret}},
		Body:   []byte(`{"token":"` + secret + `"}`),
	})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), secret)
	curl := Curl(err)
	require.NotEmpty(t, curl)
	assert.NotContains(t, curl, secret)
	assert.Contains(t, curl, redact.Mask)
}

func TestSend_RetriesTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	})

	c := New(Config{Timeout: 50 * time.Millisecond, Retry: fastRetry(3)}, quiet())
	resp, err := c.Send(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
}

func TestSend_ConnectionRefusedIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{Retry: fastRetry(5)}, quiet())
	_, err := c.Send(context.Background(), Request{URL: url})
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Zero(t, fe.StatusCode)
}

func TestSend_ContextCancelled(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cfg := retry.Config{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: time.Second}
	cfg.OnRetry = func(int, time.Duration, error) { cancel() }
	c := New(Config{Retry: cfg}, quiet())
	_, err := c.Send(ctx, Request{URL: srv.URL})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSend_RecordsMetrics(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	m := observability.NewMetrics(prometheus.NewRegistry())
	c := New(Config{Retry: fastRetry(3)}, quiet(), WithMetrics(m))
	_, err := c.Send(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPAttempts.WithLabelValues("429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPAttempts.WithLabelValues("2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("429")))
}

func TestSend_BreakerOpensAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	c := New(Config{
		Retry:   fastRetry(1),
		Breaker: BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute},
	}, quiet(), WithClock(clock))

	for i := 0; i < 2; i++ {
		_, err := c.Send(context.Background(), Request{URL: srv.URL})
		require.Error(t, err)
	}
	assert.Equal(t, Open, c.BreakerState())

	_, err := c.Send(context.Background(), Request{URL: srv.URL})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.EqualValues(t, 2, calls.Load())

	now = now.Add(2 * time.Minute)
	healthy.Store(true)
	_, err = c.Send(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, Closed, c.BreakerState())
}

func TestSend_RateLimited(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	c := New(Config{Retry: fastRetry(1), RateLimit: 20, RateBurst: 1}, quiet())
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Send(context.Background(), Request{URL: srv.URL})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestIsRetriableStatus(t *testing.T) {
	assert.True(t, IsRetriableStatus(429))
	assert.True(t, IsRetriableStatus(500))
	assert.True(t, IsRetriableStatus(599))
	assert.False(t, IsRetriableStatus(400))
	assert.False(t, IsRetriableStatus(404))
	assert.False(t, IsRetriableStatus(200))
}
