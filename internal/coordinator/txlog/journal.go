package txlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive/codec"
)

var (
	ErrUnsupportedVersion = errors.New("txlog: unsupported record format version")
	ErrCorruptRecord      = errors.New("txlog: corrupt record metadata")
)

// Journal writes transaction archives to a Repository and reads them back.
type Journal struct {
	repo  Repository
	codec *codec.TransactionCodec
}

func NewJournal(repo Repository, c *codec.TransactionCodec) *Journal {
	return &Journal{repo: repo, codec: c}
}

// Write encodes a and appends it to the log.
func (j *Journal) Write(ctx context.Context, a *archive.TransactionArchive) error {
	payload, err := j.codec.Encode(a.Xid, a)
	if err != nil {
		return fmt.Errorf("txlog: encode %s: %w", a.Xid, err)
	}
	if err := j.repo.Save(ctx, NewRecord(ctx, a.Xid, a.Status, payload)); err != nil {
		return err
	}
	recordsWrittenCounter.WithLabelValues(a.Status.String()).Inc()
	recordBytesHistogram.Observe(float64(len(payload)))
	slog.DebugContext(ctx, "transaction archived", "xid", a.Xid.String(), "status", a.Status.String(), "bytes", len(payload))
	return nil
}

// Load decodes the newest record of the transaction xid belongs to.
func (j *Journal) Load(ctx context.Context, xid archive.Xid) (*archive.TransactionArchive, error) {
	rec, err := j.repo.Latest(ctx, KeyOf(xid))
	if err != nil {
		return nil, err
	}
	return j.Decode(rec)
}

// Decode turns a stored record back into an archive.
func (j *Journal) Decode(rec *Record) (*archive.TransactionArchive, error) {
	if rec.ReadErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, rec.ReadErr)
	}
	if rec.FormatVersion != FormatV1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, rec.FormatVersion)
	}
	xid, err := archive.ParseXid(rec.Key)
	if err != nil {
		return nil, err
	}
	a, err := j.codec.Decode(xid, rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("txlog: decode %s: %w", rec.Key, err)
	}
	return a, nil
}

// Forget removes the transaction from the log once it has an outcome.
func (j *Journal) Forget(ctx context.Context, xid archive.Xid) error {
	return j.repo.Forget(ctx, KeyOf(xid))
}

// Indeterminate is a pending record that could not be decoded. Its
// transaction's outcome is unknown and needs manual resolution.
type Indeterminate struct {
	Key    string
	Status archive.Status
	Err    error
}

// RecoveryReport is the result of replaying the log.
type RecoveryReport struct {
	Recovered     []*archive.TransactionArchive
	Indeterminate []Indeterminate
}

// Recover decodes the newest record of every pending transaction. A record
// that fails to decode is reported as indeterminate and never stops the
// others; only a failing repository aborts the replay.
func (j *Journal) Recover(ctx context.Context) (*RecoveryReport, error) {
	records, err := j.repo.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("txlog: list pending records: %w", err)
	}

	report := &RecoveryReport{}
	for _, rec := range records {
		a, err := j.Decode(rec)
		if err != nil {
			slog.ErrorContext(ctx, "recovery record is unreadable, transaction outcome unknown",
				"key", rec.Key,
				"status", rec.Status.String(),
				"trace_id", rec.TraceID,
				"error", err,
			)
			recordsIndeterminateCounter.Inc()
			report.Indeterminate = append(report.Indeterminate, Indeterminate{Key: rec.Key, Status: rec.Status, Err: err})
			continue
		}
		recordsRecoveredCounter.Inc()
		report.Recovered = append(report.Recovered, a)
	}
	slog.InfoContext(ctx, "recovery log replayed",
		"recovered", len(report.Recovered),
		"indeterminate", len(report.Indeterminate),
	)
	return report, nil
}
