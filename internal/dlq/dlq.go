// Package dlq journals records that could not be delivered so they can be
// replayed later.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Headers attached to every dead-lettered record.
const (
	HeaderStream     = "target-stream"
	HeaderBatchID    = "target-batch-id"
	HeaderStatusCode = "target-status-code"
	HeaderError      = "target-error-message"
	HeaderRunID      = "target-run-id"
	HeaderFailedAt   = "target-failed-at"
)

// Publisher writes a dead-lettered record somewhere durable.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo describes why a record could not be delivered.
type FailureInfo struct {
	Stream       string
	BatchID      string
	StatusCode   int
	ErrorMessage string
	RunID        string
}

// Handler dead-letters failed records, one topic per stream.
type Handler struct {
	publisher Publisher
	topicFn   func(stream string) string
	clock     func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides the default topic naming function.
func WithTopicFunc(fn func(stream string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// WithClock sets a custom clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(h *Handler) {
		h.clock = clock
	}
}

// NewHandler creates a new dead-letter handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   func(stream string) string { return "target-api-dlq-" + stream },
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send dead-letters one encoded record. ErrorMessage must already be masked.
// Batch id and status code headers are set only when known.
func (h *Handler) Send(ctx context.Context, key, value []byte, info FailureInfo) error {
	topic := h.topicFn(info.Stream)

	headers := map[string]string{
		HeaderStream:   info.Stream,
		HeaderError:    info.ErrorMessage,
		HeaderRunID:    info.RunID,
		HeaderFailedAt: h.clock().UTC().Format(time.RFC3339),
	}
	if info.BatchID != "" {
		headers[HeaderBatchID] = info.BatchID
	}
	if info.StatusCode != 0 {
		headers[HeaderStatusCode] = strconv.Itoa(info.StatusCode)
	}

	if err := h.publisher.Publish(ctx, topic, key, value, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// NoopPublisher discards everything; used when no dead-letter path is set.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (*NoopPublisher) Close() error { return nil }
