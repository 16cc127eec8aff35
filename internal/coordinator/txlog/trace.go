package txlog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars).
	// Empty string if no active span is found in the context.
	TraceID string

	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx and returns
// its trace_id and span_id as hex strings. Without an active span (e.g. in
// unit tests) both fields are empty.
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewRecord builds a log record for an encoded archive with the trace info
// extracted from ctx.
func NewRecord(ctx context.Context, xid archive.Xid, status archive.Status, payload []byte) *Record {
	ti := ExtractTraceInfo(ctx)
	return &Record{
		Key:           KeyOf(xid),
		FormatVersion: FormatV1,
		Status:        status,
		Payload:       payload,
		TraceID:       ti.TraceID,
		SpanID:        ti.SpanID,
		UpdatedAt:     time.Now().UTC(),
	}
}

// KeyOf returns the log key of the transaction xid belongs to.
func KeyOf(xid archive.Xid) string {
	return xid.Global().String()
}
