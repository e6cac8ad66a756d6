// Package dispatch fans records out to one controller per stream and folds
// their reconciled state into the run snapshot.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lsm/target-api/internal/record"
	"github.com/lsm/target-api/internal/state"
	"github.com/lsm/target-api/internal/tracing"
)

// DefaultConcurrency is the worker limit when none is configured.
const DefaultConcurrency = 10

// streamBuffer is the per-stream queue between the reader and its worker.
const streamBuffer = 256

// ErrDeliveryFailures is returned when at least one delivery ended failed.
var ErrDeliveryFailures = errors.New("one or more deliveries failed")

// Event is one item of the inbound sequence: a stream declaration when
// Record is nil, otherwise a record of Stream.
type Event struct {
	Stream string
	Record *record.Record
}

// Source yields events until it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// StateSource is implemented by sources that carry upstream state. A stream
// absent from the prior snapshot resumes from the bookmarks and summary it
// reports.
type StateSource interface {
	StreamState(stream string) ([]state.Bookmark, state.Summary, bool)
}

// Controller is the per-stream drain cycle; *sink.Controller implements it.
// Abandon accounts for records that were read but never processed.
type Controller interface {
	Process(ctx context.Context, r record.Record) error
	Drain(ctx context.Context)
	Abandon(ctx context.Context, n int, err error)
	Err() error
}

// Factory creates the controller of a stream resuming from its persisted
// bookmarks and summary. reconcile must receive every delta it produces.
type Factory func(stream string, bookmarks []state.Bookmark, summary state.Summary, reconcile func(state.StreamDelta)) (Controller, error)

// Store persists the snapshot.
type Store interface {
	Save(s *state.Snapshot) error
}

// Dispatcher runs the controllers of a run.
type Dispatcher struct {
	factory     Factory
	store       Store
	concurrency int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency bounds how many controllers work at once. A limit of 1
// runs every stream in declaration order on the reading goroutine.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) { d.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// New creates a Dispatcher.
func New(factory Factory, store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		factory:     factory,
		store:       store,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		tracer:      noop.NewTracerProvider().Tracer("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.concurrency <= 0 {
		d.concurrency = DefaultConcurrency
	}
	return d
}

// merger owns the snapshot; deltas are applied one at a time.
type merger struct {
	snapshot *state.Snapshot
	deltas   chan state.StreamDelta
	done     chan struct{}
}

func newMerger(initial *state.Snapshot) *merger {
	m := &merger{snapshot: initial, deltas: make(chan state.StreamDelta, 64), done: make(chan struct{})}
	go func() {
		defer close(m.done)
		for d := range m.deltas {
			m.snapshot.Apply(d)
		}
	}()
	return m
}

func (m *merger) send(d state.StreamDelta) { m.deltas <- d }

func (m *merger) close() *state.Snapshot {
	close(m.deltas)
	<-m.done
	return m.snapshot
}

// Run consumes src, drains every stream and persists the snapshot once. The
// snapshot is persisted even when reading or delivery failed. The error
// wraps ErrDeliveryFailures when any delivery failed.
func (d *Dispatcher) Run(ctx context.Context, src Source, prior *state.Snapshot) (*state.Snapshot, error) {
	if prior == nil {
		prior = state.NewSnapshot()
	}
	// controllers resume from prior; the merger owns its own copy
	m := newMerger(prior.Clone())
	r := &resumer{prior: prior, merger: m}
	r.upstream, _ = src.(StateSource)

	var runErr error
	var ctrls []Controller
	if d.concurrency == 1 {
		ctrls, runErr = d.runOrdered(ctx, src, r)
	} else {
		ctrls, runErr = d.runParallel(ctx, src, r)
	}

	snapshot := m.close()
	if err := d.persist(ctx, snapshot); err != nil {
		return snapshot, errors.Join(runErr, err)
	}
	if runErr != nil {
		return snapshot, runErr
	}

	var failures []error
	for _, c := range ctrls {
		if err := c.Err(); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return snapshot, fmt.Errorf("%w: %w", ErrDeliveryFailures, errors.Join(failures...))
	}
	return snapshot, nil
}

// resumer hands new streams their starting point: the prior snapshot when
// it knows the stream, otherwise the upstream state.
type resumer struct {
	prior    *state.Snapshot
	upstream StateSource
	merger   *merger
}

func (d *Dispatcher) newController(stream string, r *resumer) (Controller, error) {
	bookmarks, summary := r.prior.Stream(stream)
	from := "state"
	if !r.prior.Has(stream) && r.upstream != nil {
		if b, s, ok := r.upstream.StreamState(stream); ok {
			bookmarks, summary, from = b, s, "upstream"
			// seed the merged snapshot; later deltas only carry increments
			r.merger.send(state.StreamDelta{Stream: stream, Bookmarks: b, Summary: s})
		}
	}
	c, err := d.factory(stream, bookmarks, summary, r.merger.send)
	if err != nil {
		return nil, fmt.Errorf("create controller for stream %s: %w", stream, err)
	}
	d.logger.Debug("stream opened", "stream", stream, "resumed_from", from, "prior_success", summary.Success)
	return c, nil
}

// runOrdered delivers everything on the calling goroutine and drains streams
// in the order they were declared.
func (d *Dispatcher) runOrdered(ctx context.Context, src Source, r *resumer) ([]Controller, error) {
	byStream := make(map[string]Controller)
	var order []Controller

	get := func(stream string) (Controller, error) {
		if c, ok := byStream[stream]; ok {
			return c, nil
		}
		c, err := d.newController(stream, r)
		if err != nil {
			return nil, err
		}
		byStream[stream] = c
		order = append(order, c)
		return c, nil
	}

	var readErr error
	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		c, err := get(ev.Stream)
		if err != nil {
			readErr = err
			break
		}
		if ev.Record == nil {
			continue
		}
		if err := c.Process(ctx, *ev.Record); err != nil {
			c.Abandon(context.WithoutCancel(ctx), 1, err)
			readErr = err
			break
		}
	}
	drainCtx := ctx
	if ctx.Err() != nil {
		drainCtx = context.WithoutCancel(ctx)
	}
	for _, c := range order {
		c.Drain(drainCtx)
	}
	return order, readErr
}

// runParallel gives every stream its own worker fed through a FIFO queue;
// at most d.concurrency workers are inside their controller at a time.
func (d *Dispatcher) runParallel(ctx context.Context, src Source, r *resumer) ([]Controller, error) {
	sem := semaphore.NewWeighted(int64(d.concurrency))
	g, gctx := errgroup.WithContext(ctx)

	queues := make(map[string]chan record.Record)
	byStream := make(map[string]Controller)
	var ctrls []Controller

	start := func(stream string) error {
		if _, ok := queues[stream]; ok {
			return nil
		}
		c, err := d.newController(stream, r)
		if err != nil {
			return err
		}
		q := make(chan record.Record, streamBuffer)
		queues[stream] = q
		byStream[stream] = c
		ctrls = append(ctrls, c)
		g.Go(func() error { return d.work(gctx, sem, c, q) })
		return nil
	}

	var readErr error
	var dropped string
	for {
		ev, err := src.Next(gctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		if err := start(ev.Stream); err != nil {
			readErr = err
			break
		}
		if ev.Record == nil {
			continue
		}
		select {
		case queues[ev.Stream] <- *ev.Record:
		case <-gctx.Done():
			dropped = ev.Stream
		}
		if gctx.Err() != nil {
			break
		}
	}
	for _, q := range queues {
		close(q)
	}
	if err := g.Wait(); err != nil && readErr == nil {
		readErr = err
	}
	// every worker has returned, so the controller is free again
	if dropped != "" {
		byStream[dropped].Abandon(context.WithoutCancel(ctx), 1, gctx.Err())
	}
	if readErr == nil && ctx.Err() != nil {
		readErr = ctx.Err()
	}
	return ctrls, readErr
}

// work feeds one stream's queue into its controller and drains it at the end.
// Once processing has failed the rest of the queue is consumed unprocessed
// and reported to the controller as abandoned.
func (d *Dispatcher) work(ctx context.Context, sem *semaphore.Weighted, c Controller, q <-chan record.Record) error {
	var procErr error
	skipped := 0
	for r := range q {
		if procErr != nil {
			skipped++
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			procErr = err
			skipped++
			continue
		}
		if err := c.Process(ctx, r); err != nil {
			procErr = err
			skipped++
		}
		sem.Release(1)
	}
	// the pending batch is flushed even after cancellation so it is reconciled
	drainCtx := ctx
	if ctx.Err() != nil {
		drainCtx = context.WithoutCancel(ctx)
	}
	if skipped > 0 {
		c.Abandon(drainCtx, skipped, procErr)
	}
	if err := sem.Acquire(drainCtx, 1); err != nil {
		return errors.Join(procErr, err)
	}
	c.Drain(drainCtx)
	sem.Release(1)
	return procErr
}

func (d *Dispatcher) persist(ctx context.Context, s *state.Snapshot) error {
	if d.store == nil {
		return nil
	}
	_, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanPersist)
	defer span.End()
	if err := d.store.Save(s); err != nil {
		tracing.SetSpanError(span, err)
		return fmt.Errorf("persist state: %w", err)
	}
	tracing.SetSpanOK(span)
	d.logger.Info("state persisted", "streams", len(s.Streams()))
	return nil
}
