package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// EnvLogLevel is consulted when no level flag is given.
const EnvLogLevel = "TARGET_API_LOG_LEVEL"

// NewLogger creates a structured JSON logger for a target component. Output
// goes to w, or stderr when w is nil; stdout is reserved for emitted state.
// Records logged with a context inside a span carry trace_id and span_id.
func NewLogger(w io.Writer, component string, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(traceHandler{handler}).With("component", component)
}

// traceHandler adds the span context of the record's context.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

// ParseLogLevel parses debug, info, warn (or warning) and error, ignoring
// case. Anything else is info.
func ParseLogLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// GetLogLevel returns the level from the flag, then TARGET_API_LOG_LEVEL,
// then info.
func GetLogLevel(flagLevel string) slog.Level {
	if flagLevel != "" {
		return ParseLogLevel(flagLevel)
	}
	return ParseLogLevel(os.Getenv(EnvLogLevel))
}
