package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/target-api/internal/auth"
	"github.com/lsm/target-api/internal/batch"
	"github.com/lsm/target-api/internal/client"
	"github.com/lsm/target-api/internal/correlation"
	"github.com/lsm/target-api/internal/dlq"
	"github.com/lsm/target-api/internal/jsonpath"
	"github.com/lsm/target-api/internal/observability"
	"github.com/lsm/target-api/internal/record"
	"github.com/lsm/target-api/internal/redact"
	"github.com/lsm/target-api/internal/state"
	"github.com/lsm/target-api/internal/tracing"
)

// DefaultBatchSize applies in batch mode when no threshold is configured.
const DefaultBatchSize = 100

// DefaultResponseIDPath locates the delivered id in a single-record response.
const DefaultResponseIDPath = "id"

// ErrAuthAborted marks units that were not sent because the credential could
// not be refreshed earlier in the run.
var ErrAuthAborted = errors.New("delivery skipped: credential refresh failed")

// Config describes one stream's delivery.
type Config struct {
	Stream          string
	RunID           string
	URL             string
	Method          string
	Mode            Mode
	Limits          batch.Limits
	Header          http.Header
	AddStreamKey    bool
	Metadata        any
	PostEmptyRecord bool
	BatchIDField    string
	ResponseIDPath  string
}

// Controller runs the drain cycle of one stream: records are preprocessed and
// accumulated, delivered once a threshold is met or a drain is requested, and
// every outcome is reconciled into the stream's DeliveryState. A Controller
// is owned by one goroutine.
type Controller struct {
	cfg      Config
	sender   Sender
	provider auth.HeaderProvider
	state    *state.DeliveryState
	acc      *batch.Accumulator

	phase        Phase
	batchIndex   uint64
	cycleRecords int
	authErr      error
	failures     int
	firstErr     error

	reconcile func(state.StreamDelta)
	dead      *dlq.Handler
	masker    *redact.Masker
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

// Option configures a Controller.
type Option func(*Controller)

// WithReconciler receives the stream delta after every reconciled delivery
// and at the end of each drain.
func WithReconciler(fn func(state.StreamDelta)) Option {
	return func(c *Controller) { c.reconcile = fn }
}

// WithDeadLetter journals the records of failed deliveries.
func WithDeadLetter(h *dlq.Handler) Option {
	return func(c *Controller) { c.dead = h }
}

// WithMasker masks error messages kept in bookmarks.
func WithMasker(m *redact.Masker) Option {
	return func(c *Controller) { c.masker = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer sets the tracer for delivery spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// New creates a controller for cfg.Stream resuming from the given bookmarks
// and summary.
func New(cfg Config, sender Sender, provider auth.HeaderProvider, bookmarks []state.Bookmark, summary state.Summary, opts ...Option) (*Controller, error) {
	if cfg.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if provider == nil {
		provider = auth.NoopProvider{}
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Mode == ModeBatch && cfg.Limits.MaxCount <= 0 && cfg.Limits.MaxBytes <= 0 {
		cfg.Limits.MaxCount = DefaultBatchSize
	}
	if cfg.ResponseIDPath == "" {
		cfg.ResponseIDPath = DefaultResponseIDPath
	}
	c := &Controller{
		cfg:      cfg,
		sender:   sender,
		provider: provider,
		state:    state.NewDeliveryState(cfg.Stream, bookmarks, summary),
		acc:      batch.New(cfg.Limits),
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer("sink"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("stream", cfg.Stream, "mode", cfg.Mode.String())
	return c, nil
}

// Stream returns the stream name.
func (c *Controller) Stream() string { return c.cfg.Stream }

// Phase returns the current drain phase.
func (c *Controller) Phase() Phase { return c.phase }

// Summary returns the stream's cumulative summary.
func (c *Controller) Summary() state.Summary { return c.state.Summary() }

// Bookmarks returns the stream's bookmark sequence.
func (c *Controller) Bookmarks() []state.Bookmark { return c.state.Bookmarks() }

// Err reports the delivery failures of the run so far, or nil.
func (c *Controller) Err() error {
	if c.failures == 0 {
		return nil
	}
	return fmt.Errorf("stream %s: %d deliveries failed: %w", c.cfg.Stream, c.failures, c.firstErr)
}

// Process takes ownership of r. In single mode r is delivered at once; in
// batch mode it is buffered and the batch is delivered when full. Delivery
// failures are reconciled into state, not returned; only cancellation is.
func (c *Controller) Process(ctx context.Context, r record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.Stream = c.cfg.Stream
	r = c.preprocess(r)
	c.cycleRecords++

	if c.cfg.Mode == ModeSingle {
		c.deliver(ctx, []record.Record{r}, false)
		return nil
	}

	c.phase = Accumulating
	if c.cfg.BatchIDField != "" {
		// the pending batch is always the next one to be flushed
		r.Fields[c.cfg.BatchIDField] = correlation.BatchID(c.cfg.RunID, c.cfg.Stream, c.batchIndex+1)
	}
	if err := c.acc.Add(r); err != nil {
		c.fail(ctx, []record.Record{r}, "", err)
		c.afterDelivery()
		return nil
	}
	if c.acc.IsFull() {
		c.deliver(ctx, c.acc.DrainAll(), false)
	}
	return nil
}

// Drain ends the current cycle: the pending batch is delivered even when not
// full, an empty delivery is synthesized for a stream that produced no
// records and never succeeded (when PostEmptyRecord is set), and the final
// delta is reconciled. The controller is Idle afterwards.
func (c *Controller) Drain(ctx context.Context) {
	if pending := c.acc.DrainAll(); len(pending) > 0 {
		c.deliver(ctx, pending, false)
	}
	if c.cycleRecords == 0 && c.cfg.PostEmptyRecord && c.state.Summary().Success == 0 {
		c.deliver(ctx, nil, true)
	}
	c.cycleRecords = 0
	c.phase = Reconciled
	c.emit()
	c.phase = Idle
}

// Abandon accounts for n records that reached the stream but were never
// processed, as after cancellation. They count as failed under one bookmark
// and the delta is reconciled at once.
func (c *Controller) Abandon(ctx context.Context, n int, err error) {
	if n <= 0 {
		return
	}
	if err == nil {
		err = errors.New("record not processed")
	}
	msg := c.masker.Error(err)
	c.state.Update(state.Bookmark{"success": false, "skipped": true, "records": n, "error": msg}, state.Summary{Fail: n})
	c.metrics.ObserveRecords(c.cfg.Stream, "fail", n)
	c.failures++
	if c.firstErr == nil {
		c.firstErr = errors.New(msg)
	}
	c.logger.WarnContext(ctx, "records not processed", "records", n, "error", msg)
	c.emit()
}

func (c *Controller) deliver(ctx context.Context, records []record.Record, empty bool) {
	c.phase = Delivering
	defer c.afterDelivery()

	var batchID string
	if c.cfg.Mode == ModeBatch && !empty {
		c.batchIndex++
		batchID = correlation.BatchID(c.cfg.RunID, c.cfg.Stream, c.batchIndex)
	}

	if c.authErr != nil {
		c.fail(ctx, records, batchID, c.authErr)
		return
	}

	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanDeliver,
		trace.WithAttributes(
			tracing.RunAttr(c.cfg.RunID),
			tracing.StreamAttr(c.cfg.Stream),
			tracing.RecordsAttr(len(records)),
		))
	defer span.End()
	if batchID != "" {
		span.SetAttributes(tracing.BatchAttr(batchID))
	}

	body, err := c.encode(records, empty)
	if err != nil {
		tracing.SetSpanError(span, err)
		c.fail(ctx, records, batchID, err)
		return
	}

	header := c.cfg.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	ah, err := c.provider.Header(ctx)
	if err != nil {
		tracing.SetSpanError(span, err)
		var ae *auth.AuthError
		if errors.As(err, &ae) {
			c.authErr = fmt.Errorf("%w: %s", ErrAuthAborted, c.masker.Error(err))
			c.state.SetAuthError(ae.Body)
			c.logger.ErrorContext(ctx, "credential refresh failed, stream aborted", "error", c.masker.Error(err))
		}
		c.fail(ctx, records, batchID, err)
		return
	}
	if !ah.IsZero() {
		header.Set(ah.Name, ah.Value)
	}

	resp, err := c.sender.Send(ctx, client.Request{
		Method: c.cfg.Method,
		URL:    c.cfg.URL,
		Header: header,
		Body:   body,
	})
	n := max(len(records), 1)
	c.metrics.ObserveDelivery(c.cfg.Stream, err == nil, time.Since(start).Seconds(), n)
	if err != nil {
		tracing.SetSpanError(span, err)
		c.fail(ctx, records, batchID, err)
		return
	}
	if resp.CorrelationID.Value != "" {
		span.SetAttributes(tracing.CorrelationAttr(resp.CorrelationID.Value))
	}
	tracing.SetSpanOK(span)

	switch {
	case empty:
		c.succeed(state.Bookmark{"success": true, "records": 0}, state.Summary{Success: 1})
	case c.cfg.Mode == ModeBatch:
		b := state.Bookmark{"batchId": batchID, "success": true, "records": len(records)}
		if resp.CorrelationID.Value != "" {
			b["correlationId"] = resp.CorrelationID.Value
		}
		c.succeed(b, state.Summary{Success: len(records)})
	default:
		c.succeed(c.interpretSingle(resp))
	}
}

// interpretSingle reads the delivered id and the existing/updated flags out
// of a single-record response.
func (c *Controller) interpretSingle(resp *client.Response) (state.Bookmark, state.Summary) {
	b := state.Bookmark{"success": true}
	var doc any
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &doc) == nil {
		if id := jsonpath.String(doc, c.cfg.ResponseIDPath); id != "" {
			b["id"] = id
		}
	}
	switch {
	case jsonpath.Bool(doc, "existing"):
		b["existing"] = true
		return b, state.Summary{Existing: 1}
	case jsonpath.Bool(doc, "updated"):
		b["updated"] = true
		return b, state.Summary{Updated: 1}
	default:
		return b, state.Summary{Success: 1}
	}
}

func (c *Controller) encode(records []record.Record, empty bool) ([]byte, error) {
	switch {
	case empty:
		return []byte("{}"), nil
	case c.cfg.Mode == ModeBatch:
		return json.Marshal(records)
	default:
		return json.Marshal(records[0])
	}
}

func (c *Controller) succeed(b state.Bookmark, inc state.Summary) {
	c.state.Update(b, inc)
	c.metrics.ObserveRecords(c.cfg.Stream, "success", inc.Success)
	c.metrics.ObserveRecords(c.cfg.Stream, "existing", inc.Existing)
	c.metrics.ObserveRecords(c.cfg.Stream, "updated", inc.Updated)
}

// fail reconciles a unit that could not be delivered: every record in it
// counts as failed and one bookmark carries the masked error.
func (c *Controller) fail(ctx context.Context, records []record.Record, batchID string, err error) {
	n := max(len(records), 1)
	msg := c.masker.Error(err)
	b := state.Bookmark{"success": false, "records": len(records), "error": msg}
	if batchID != "" {
		b["batchId"] = batchID
	}
	if code := client.StatusCode(err); code != 0 {
		b["statusCode"] = code
	}
	c.state.Update(b, state.Summary{Fail: n})
	c.metrics.ObserveRecords(c.cfg.Stream, "fail", n)

	c.failures++
	if c.firstErr == nil {
		c.firstErr = errors.New(msg)
	}
	c.logger.WarnContext(ctx, "delivery failed", "batch_id", batchID, "records", len(records), "error", msg)

	if c.dead == nil {
		return
	}
	info := dlq.FailureInfo{
		Stream:       c.cfg.Stream,
		BatchID:      batchID,
		StatusCode:   client.StatusCode(err),
		ErrorMessage: msg,
		RunID:        c.cfg.RunID,
	}
	for _, r := range records {
		value, encErr := r.MarshalJSON()
		if encErr != nil {
			value = []byte(fmt.Sprintf("%q", fmt.Sprint(r.Fields)))
		}
		if dErr := c.dead.Send(ctx, []byte(batchID), value, info); dErr != nil {
			c.logger.Warn("dead-letter write failed", "error", dErr)
		}
	}
}

// afterDelivery reconciles the unit just handled and returns to accumulating
// or idle.
func (c *Controller) afterDelivery() {
	c.phase = Reconciled
	c.emit()
	if c.acc.Len() > 0 {
		c.phase = Accumulating
	} else {
		c.phase = Idle
	}
}

func (c *Controller) emit() {
	if c.reconcile != nil {
		c.reconcile(c.state.Delta())
	}
}
