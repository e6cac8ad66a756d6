package sink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsm/target-api/internal/auth"
	"github.com/lsm/target-api/internal/batch"
	"github.com/lsm/target-api/internal/client"
	"github.com/lsm/target-api/internal/correlation"
	"github.com/lsm/target-api/internal/dlq"
	"github.com/lsm/target-api/internal/record"
	"github.com/lsm/target-api/internal/retry"
	"github.com/lsm/target-api/internal/state"
)

type fakeSender struct {
	requests []client.Request
	respond  func(n int, req client.Request) (*client.Response, error)
}

func (f *fakeSender) Send(_ context.Context, req client.Request) (*client.Response, error) {
	f.requests = append(f.requests, req)
	if f.respond != nil {
		return f.respond(len(f.requests), req)
	}
	return &client.Response{StatusCode: http.StatusOK}, nil
}

func (f *fakeSender) batchSizes(t *testing.T) []int {
	t.Helper()
	var sizes []int
	for _, req := range f.requests {
		var arr []map[string]any
		require.NoError(t, json.Unmarshal(req.Body, &arr))
		sizes = append(sizes, len(arr))
	}
	return sizes
}

type fakeProvider struct {
	header auth.Header
	err    error
}

func (p fakeProvider) Header(context.Context) (auth.Header, error) { return p.header, p.err }

type deltaLog struct{ deltas []state.StreamDelta }

func (d *deltaLog) add(sd state.StreamDelta) { d.deltas = append(d.deltas, sd) }

func (d *deltaLog) snapshot() *state.Snapshot {
	s := state.NewSnapshot()
	for _, sd := range d.deltas {
		s.Apply(sd)
	}
	return s
}

func quiet() Option { return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))) }

func baseConfig(mode Mode) Config {
	return Config{
		Stream: "users",
		RunID:  "run-1",
		URL:    "https://api.example.com/users",
		Mode:   mode,
		Header: http.Header{"Content-Type": {"application/json"}},
	}
}

func newController(t *testing.T, cfg Config, sender Sender, opts ...Option) (*Controller, *deltaLog) {
	t.Helper()
	log := &deltaLog{}
	opts = append([]Option{quiet(), WithReconciler(log.add)}, opts...)
	c, err := New(cfg, sender, nil, nil, state.Summary{}, opts...)
	require.NoError(t, err)
	return c, log
}

func feed(t *testing.T, c *Controller, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, c.Process(context.Background(), record.New("users", map[string]any{"id": i})))
	}
}

func TestController_BatchesBySize(t *testing.T) {
	sender := &fakeSender{}
	cfg := baseConfig(ModeBatch)
	cfg.Limits = batch.Limits{MaxCount: 100}
	c, log := newController(t, cfg, sender)

	feed(t, c, 250)
	assert.Equal(t, Accumulating, c.Phase())
	c.Drain(context.Background())
	assert.Equal(t, Idle, c.Phase())

	assert.Equal(t, []int{100, 100, 50}, sender.batchSizes(t))
	assert.Equal(t, state.Summary{Success: 250}, c.Summary())

	snap := log.snapshot()
	assert.Equal(t, state.Summary{Success: 250}, snap.Summary["users"])
	require.Len(t, snap.Bookmarks["users"], 3)
	for i, b := range snap.Bookmarks["users"] {
		assert.Equal(t, correlation.BatchID("run-1", "users", uint64(i+1)), b["batchId"])
		assert.Equal(t, true, b["success"])
	}
	assert.NoError(t, c.Err())
}

func TestController_DefaultBatchSize(t *testing.T) {
	sender := &fakeSender{}
	c, _ := newController(t, baseConfig(ModeBatch), sender)
	feed(t, c, 150)
	c.Drain(context.Background())
	assert.Equal(t, []int{DefaultBatchSize, 50}, sender.batchSizes(t))
}

func TestController_BatchIDsAreDeterministic(t *testing.T) {
	run := func() []any {
		sender := &fakeSender{}
		cfg := baseConfig(ModeBatch)
		cfg.Limits = batch.Limits{MaxCount: 2}
		cfg.BatchIDField = "externalBatchId"
		c, _ := newController(t, cfg, sender)
		feed(t, c, 4)
		c.Drain(context.Background())

		var ids []any
		for _, req := range sender.requests {
			var arr []map[string]any
			require.NoError(t, json.Unmarshal(req.Body, &arr))
			assert.Equal(t, arr[0]["externalBatchId"], arr[1]["externalBatchId"])
			ids = append(ids, arr[0]["externalBatchId"])
		}
		return ids
	}
	first, second := run(), run()
	require.Len(t, first, 2)
	assert.NotEqual(t, first[0], first[1])
	assert.Equal(t, first, second)
}

func TestController_BatchIDFieldCountsTowardByteLimit(t *testing.T) {
	sender := &fakeSender{}
	cfg := baseConfig(ModeBatch)
	cfg.Limits = batch.Limits{MaxBytes: 1000}
	cfg.BatchIDField = "batch_id"
	c, _ := newController(t, cfg, sender)

	feed(t, c, 300)
	c.Drain(context.Background())

	require.Greater(t, len(sender.requests), 1)
	total := 0
	for i, req := range sender.requests {
		assert.LessOrEqual(t, len(req.Body), 1000, "request %d", i)
		var arr []map[string]any
		require.NoError(t, json.Unmarshal(req.Body, &arr))
		want := correlation.BatchID("run-1", "users", uint64(i+1))
		for _, r := range arr {
			assert.Equal(t, want, r["batch_id"])
		}
		total += len(arr)
	}
	assert.Equal(t, 300, total)
}

func TestController_AbandonCountsAsFailed(t *testing.T) {
	sender := &fakeSender{}
	cfg := baseConfig(ModeBatch)
	cfg.Limits = batch.Limits{MaxCount: 10}
	c, log := newController(t, cfg, sender)

	feed(t, c, 3)
	c.Abandon(context.Background(), 4, context.Canceled)
	c.Abandon(context.Background(), 0, context.Canceled)
	c.Drain(context.Background())

	assert.Equal(t, state.Summary{Success: 3, Fail: 4}, c.Summary())
	snap := log.snapshot()
	assert.Equal(t, state.Summary{Success: 3, Fail: 4}, snap.Summary["users"])
	require.Len(t, snap.Bookmarks["users"], 2)
	skipped := snap.Bookmarks["users"][0]
	assert.Equal(t, false, skipped["success"])
	assert.Equal(t, true, skipped["skipped"])
	assert.Equal(t, 4, skipped["records"])
	assert.Equal(t, "context canceled", skipped["error"])
	require.Error(t, c.Err())
}

func TestController_EmptyStreamPostsOnce(t *testing.T) {
	sender := &fakeSender{}
	cfg := baseConfig(ModeBatch)
	cfg.PostEmptyRecord = true
	c, log := newController(t, cfg, sender)

	c.Drain(context.Background())
	require.Len(t, sender.requests, 1)
	assert.Equal(t, "{}", string(sender.requests[0].Body))
	assert.Equal(t, state.Summary{Success: 1}, log.snapshot().Summary["users"])

	// a later empty cycle does not post again
	c.Drain(context.Background())
	assert.Len(t, sender.requests, 1)
}

func TestController_EmptyStreamWithPriorSuccessIsSilent(t *testing.T) {
	sender := &fakeSender{}
	cfg := baseConfig(ModeSingle)
	cfg.PostEmptyRecord = true
	c, err := New(cfg, sender, nil, nil, state.Summary{Success: 3}, quiet())
	require.NoError(t, err)

	c.Drain(context.Background())
	assert.Empty(t, sender.requests)
}

func TestController_EmptyStreamStillReconciles(t *testing.T) {
	sender := &fakeSender{}
	c, log := newController(t, baseConfig(ModeBatch), sender)
	c.Drain(context.Background())

	assert.Empty(t, sender.requests)
	require.Len(t, log.deltas, 1)
	assert.Contains(t, log.snapshot().Summary, "users")
}

func TestController_FatalFailureIsIsolated(t *testing.T) {
	sender := &fakeSender{respond: func(n int, _ client.Request) (*client.Response, error) {
		if n == 1 {
			return nil, &client.FatalError{StatusCode: 400, Message: "Status code: 400 with Bad Request"}
		}
		return &client.Response{StatusCode: 200}, nil
	}}
	cfg := baseConfig(ModeBatch)
	cfg.Limits = batch.Limits{MaxCount: 10}
	c, log := newController(t, cfg, sender)

	feed(t, c, 15)
	c.Drain(context.Background())

	assert.Equal(t, state.Summary{Success: 5, Fail: 10}, c.Summary())
	bookmarks := log.snapshot().Bookmarks["users"]
	require.Len(t, bookmarks, 2)
	assert.Equal(t, false, bookmarks[0]["success"])
	assert.Equal(t, 400, bookmarks[0]["statusCode"])
	assert.Equal(t, 10, bookmarks[0]["records"])
	assert.Equal(t, correlation.BatchID("run-1", "users", 1), bookmarks[0]["batchId"])
	assert.Contains(t, bookmarks[0]["error"], "Bad Request")
	assert.Equal(t, true, bookmarks[1]["success"])
	assert.Error(t, c.Err())
}

func TestController_AuthFailureAbortsStream(t *testing.T) {
	sender := &fakeSender{}
	provider := fakeProvider{err: &auth.AuthError{StatusCode: 401, Body: `{"error":"denied"}`}}
	cfg := baseConfig(ModeSingle)
	log := &deltaLog{}
	c, err := New(cfg, sender, provider, nil, state.Summary{}, quiet(), WithReconciler(log.add))
	require.NoError(t, err)

	feed(t, c, 3)
	c.Drain(context.Background())

	assert.Empty(t, sender.requests)
	assert.Equal(t, state.Summary{Fail: 3}, c.Summary())
	snap := log.snapshot()
	assert.Equal(t, `{"error":"denied"}`, snap.AuthErrorResponse)
	require.Error(t, c.Err())
	assert.Contains(t, c.Err().Error(), "3 deliveries failed")
}

func TestController_SingleModeReadsResponse(t *testing.T) {
	bodies := []string{`{"id":"abc"}`, `{"id":7,"existing":true}`, `{"data":{"id":"x"},"updated":true}`, `not json`}
	sender := &fakeSender{respond: func(n int, _ client.Request) (*client.Response, error) {
		return &client.Response{StatusCode: 200, Body: []byte(bodies[n-1])}, nil
	}}
	c, log := newController(t, baseConfig(ModeSingle), sender)

	feed(t, c, 4)
	c.Drain(context.Background())

	assert.Equal(t, state.Summary{Success: 2, Existing: 1, Updated: 1}, c.Summary())
	bookmarks := log.snapshot().Bookmarks["users"]
	require.Len(t, bookmarks, 4)
	assert.Equal(t, state.Bookmark{"id": "abc", "success": true}, bookmarks[0])
	assert.Equal(t, state.Bookmark{"id": "7", "success": true, "existing": true}, bookmarks[1])
	assert.Equal(t, state.Bookmark{"success": true, "updated": true}, bookmarks[2])
	assert.Equal(t, state.Bookmark{"success": true}, bookmarks[3])

	var first map[string]any
	require.NoError(t, json.Unmarshal(sender.requests[0].Body, &first))
	assert.EqualValues(t, 0, first["id"])
}

func TestController_ResponseIDPath(t *testing.T) {
	sender := &fakeSender{respond: func(int, client.Request) (*client.Response, error) {
		return &client.Response{StatusCode: 200, Body: []byte(`{"data":{"record":{"uid":"u-1"}}}`)}, nil
	}}
	cfg := baseConfig(ModeSingle)
	cfg.ResponseIDPath = "data.record.uid"
	c, _ := newController(t, cfg, sender)
	feed(t, c, 1)
	assert.Equal(t, "u-1", c.Bookmarks()[0]["id"])
}

func TestController_AuthHeaderAttached(t *testing.T) {
	sender := &fakeSender{}
	provider := fakeProvider{header: auth.Header{Name: "Authorization", Value: "Bearer tok"}}
	cfg := baseConfig(ModeSingle)
	c, err := New(cfg, sender, provider, nil, state.Summary{}, quiet())
	require.NoError(t, err)

	feed(t, c, 1)
	require.Len(t, sender.requests, 1)
	assert.Equal(t, "Bearer tok", sender.requests[0].Header.Get("Authorization"))
	assert.Equal(t, "application/json", sender.requests[0].Header.Get("Content-Type"))
	assert.Empty(t, cfg.Header.Get("Authorization"), "static header must not be mutated")
}

func TestController_Preprocess(t *testing.T) {
	sender := &fakeSender{}
	cfg := baseConfig(ModeSingle)
	cfg.AddStreamKey = true
	cfg.Metadata = map[string]any{"source": "crm", "tenant": "acme"}
	c, _ := newController(t, cfg, sender)

	require.NoError(t, c.Process(context.Background(), record.New("users", map[string]any{
		"id":       1,
		"metadata": map[string]any{"tenant": "own", "extra": true},
	})))
	require.NoError(t, c.Process(context.Background(), record.New("users", map[string]any{"id": 2})))

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(sender.requests[0].Body, &first))
	require.NoError(t, json.Unmarshal(sender.requests[1].Body, &second))

	assert.Equal(t, "users", first["stream"])
	assert.Equal(t, map[string]any{"source": "crm", "tenant": "own", "extra": true}, first["metadata"])
	assert.Equal(t, map[string]any{"source": "crm", "tenant": "acme"}, second["metadata"])
}

func TestController_StringMetadata(t *testing.T) {
	sender := &fakeSender{}
	cfg := baseConfig(ModeSingle)
	cfg.Metadata = "plain-text"
	c, _ := newController(t, cfg, sender)
	feed(t, c, 1)

	var body map[string]any
	require.NoError(t, json.Unmarshal(sender.requests[0].Body, &body))
	assert.Equal(t, "plain-text", body["metadata"])
}

type memPublisher struct{ values []string }

func (m *memPublisher) Publish(_ context.Context, _ string, _, value []byte, _ map[string]string) error {
	m.values = append(m.values, string(value))
	return nil
}

func (m *memPublisher) Close() error { return nil }

func TestController_DeadLettersFailedRecords(t *testing.T) {
	sender := &fakeSender{respond: func(int, client.Request) (*client.Response, error) {
		return nil, &client.FatalError{StatusCode: 422, Message: "Status code: 422"}
	}}
	pub := &memPublisher{}
	cfg := baseConfig(ModeBatch)
	cfg.Limits = batch.Limits{MaxCount: 2}
	c, _ := newController(t, cfg, sender, WithDeadLetter(dlq.NewHandler(pub)))

	feed(t, c, 2)
	assert.Equal(t, []string{`{"id":0}`, `{"id":1}`}, pub.values)
}

func TestController_RetriedDeliveryCountsOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cl := client.New(client.Config{Retry: retry.Config{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}},
		client.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	cfg := baseConfig(ModeBatch)
	cfg.URL = srv.URL
	c, log := newController(t, cfg, cl)

	feed(t, c, 1)
	c.Drain(context.Background())

	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, state.Summary{Success: 1}, log.snapshot().Summary["users"])
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{URL: "http://x"}, &fakeSender{}, nil, nil, state.Summary{})
	assert.Error(t, err)
	_, err = New(Config{Stream: "s"}, &fakeSender{}, nil, nil, state.Summary{})
	assert.Error(t, err)
	_, err = New(Config{Stream: "s", URL: "http://x"}, nil, nil, nil, state.Summary{})
	assert.Error(t, err)
}
