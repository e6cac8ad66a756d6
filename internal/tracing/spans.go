package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrRunID         = "target.run_id"
	AttrStream        = "target.stream"
	AttrBatchID       = "target.batch_id"
	AttrRecords       = "target.records"
	AttrCorrelationID = "target.correlation_id"
	AttrHTTPMethod    = "http.method"
	AttrHTTPStatus    = "http.status_code"
	AttrAttempt       = "http.attempt"
)

// Span names.
const (
	SpanDeliver     = "target.deliver"
	SpanHTTPSend    = "http.send"
	SpanAuthRefresh = "auth.refresh"
	SpanPersist     = "state.persist"
)

// StartSpan starts a span, or returns the span already in ctx when tracer is nil.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RunAttr tags a span with the run id.
func RunAttr(id string) attribute.KeyValue {
	return attribute.String(AttrRunID, id)
}

// StreamAttr tags a span with the stream name.
func StreamAttr(name string) attribute.KeyValue {
	return attribute.String(AttrStream, name)
}

// BatchAttr tags a span with the batch id.
func BatchAttr(id string) attribute.KeyValue {
	return attribute.String(AttrBatchID, id)
}

// RecordsAttr tags a span with the number of records in the unit.
func RecordsAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrRecords, n)
}

// CorrelationAttr tags a span with the id the endpoint answered with.
func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

func HTTPMethodAttr(m string) attribute.KeyValue {
	return attribute.String(AttrHTTPMethod, m)
}

func HTTPStatusAttr(code int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, code)
}

func AttemptAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}
