// Package txlog defines the recovery log of the transaction coordinator.
//
// Every significant state transition of a global transaction appends a
// Record holding the encoded TransactionArchive. The log serves two
// purposes:
//
//  1. Recovery: on restart the coordinator replays the latest record of
//     every transaction that was not forgotten and drives it to an outcome.
//
//  2. Observability: each record carries the trace_id of the span that
//     wrote it, so a stuck transaction can be correlated with its trace.
package txlog

import (
	"time"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
)

// FormatV1 is the record layout implemented by codec.TransactionCodec.
// A new layout gets a new version; records of older versions stay readable.
const FormatV1 uint8 = 1

// Record is a single entry in the recovery log.
type Record struct {
	// Key is the global Xid in its string form. Several records share a key,
	// one per transition; the newest wins.
	Key string

	// FormatVersion selects the decoder for Payload.
	FormatVersion uint8

	// Status mirrors the archive status so stores can be queried without
	// decoding the payload.
	Status archive.Status

	// Payload is the encoded TransactionArchive.
	Payload []byte

	// TraceID is the W3C trace ID of the span active when the record was
	// written.
	TraceID string

	// SpanID is the specific span within the trace.
	SpanID string

	// UpdatedAt is the wall-clock time of this record.
	UpdatedAt time.Time

	// ReadErr is set by a repository listing pending records when the stored
	// metadata of this key could not be read. Only Key is reliable then.
	ReadErr error
}
