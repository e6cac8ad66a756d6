package correlation

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderCorrelationID  = "X-Correlation-Id"
	HeaderRequestID      = "X-Request-Id"
	HeaderAmznRequestID  = "X-Amzn-Requestid"
	HeaderTraceparent    = "Traceparent"
	EnvJobID             = "JOB_ID"
	sourceGenerated      = "generated"
	sourceEnvironment    = "env"
	batchNamespaceString = "target-api/batch"
)

// batchNamespace scopes batch ids so they never collide with other UUIDv5 users.
var batchNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(batchNamespaceString))

// ID is a correlation identifier and where it came from.
type ID struct {
	Value  string
	Source string
}

// RunID returns the identifier of the current run: JOB_ID when the job
// scheduler provides one, otherwise a fresh UUID.
func RunID() ID {
	if v := strings.TrimSpace(os.Getenv(EnvJobID)); v != "" {
		return ID{Value: v, Source: sourceEnvironment}
	}
	return ID{Value: uuid.New().String(), Source: sourceGenerated}
}

// FromResponse extracts the receiver's correlation id from response headers.
// Priority: x-correlation-id > x-request-id > x-amzn-requestid > traceparent.
// Returns the zero ID when none is present.
func FromResponse(h http.Header) ID {
	for _, name := range []string{HeaderCorrelationID, HeaderRequestID, HeaderAmznRequestID} {
		if v := h.Get(name); v != "" {
			return ID{Value: v, Source: strings.ToLower(name)}
		}
	}
	if tp := h.Get(HeaderTraceparent); tp != "" {
		if traceID := extractTraceID(tp); traceID != "" {
			return ID{Value: traceID, Source: strings.ToLower(HeaderTraceparent)}
		}
	}
	return ID{}
}

// BatchID derives the external id of a batch. index is the 1-based position
// of the batch among the batches flushed for that stream in this run; it does
// not count records and is independent of other streams. The same (run,
// stream, index) always yields the same id, so a replayed batch can be
// recognised downstream.
func BatchID(runID, stream string, index uint64) string {
	name := runID + "/" + stream + "/" + strconv.FormatUint(index, 10)
	return uuid.NewSHA1(batchNamespace, []byte(name)).String()
}

// extractTraceID parses W3C traceparent format: version-traceid-parentid-flags
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}
