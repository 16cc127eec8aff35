// Package redis provides a Redis-backed implementation of txlog.Repository.
//
// Redis keeps only the newest record of each transaction, which is all
// recovery reads: one hash per transaction plus a set of pending keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog"
)

const (
	fieldVersion   = "format_version"
	fieldStatus    = "status"
	fieldPayload   = "payload"
	fieldTraceID   = "trace_id"
	fieldSpanID    = "span_id"
	fieldUpdatedAt = "updated_at"
)

// Repository is the Redis implementation of txlog.Repository.
type Repository struct {
	client      *goredis.Client
	serviceName string
}

var _ txlog.Repository = (*Repository)(nil)

func NewRepository(addr, serviceName string) *Repository {
	return &Repository{
		client:      goredis.NewClient(&goredis.Options{Addr: addr}),
		serviceName: serviceName,
	}
}

// Close releases the client connections.
func (r *Repository) Close() error {
	return r.client.Close()
}

// GenerateKey namespaces a key the same way for every operation.
func (r *Repository) GenerateKey(operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.serviceName, operation, key)
}

func (r *Repository) pendingKey() string {
	return r.GenerateKey("txlog", "pending")
}

func (r *Repository) Save(ctx context.Context, rec *txlog.Record) error {
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, r.GenerateKey("tx", rec.Key), recordFields(rec))
		pipe.SAdd(ctx, r.pendingKey(), rec.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save record for %q: %w", rec.Key, err)
	}
	return nil
}

func (r *Repository) Latest(ctx context.Context, key string) (*txlog.Record, error) {
	fields, err := r.client.HGetAll(ctx, r.GenerateKey("tx", key)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis: get latest for %q: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("redis: %q: %w", key, txlog.ErrNotFound)
	}
	return recordFromHash(key, fields)
}

func (r *Repository) Pending(ctx context.Context) ([]*txlog.Record, error) {
	keys, err := r.client.SMembers(ctx, r.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list pending: %w", err)
	}
	sort.Strings(keys)

	cmds := make([]*goredis.MapStringStringCmd, len(keys))
	_, err = r.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, r.GenerateKey("tx", key))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: list pending: %w", err)
	}

	out := make([]*txlog.Record, 0, len(keys))
	for i, key := range keys {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			// Forgotten between SMEMBERS and HGETALL.
			continue
		}
		out = append(out, pendingRecord(key, fields))
	}
	return out, nil
}

func (r *Repository) Forget(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, r.GenerateKey("tx", key))
		pipe.SRem(ctx, r.pendingKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: forget %q: %w", key, err)
	}
	return nil
}

func recordFields(rec *txlog.Record) map[string]any {
	return map[string]any{
		fieldVersion:   int(rec.FormatVersion),
		fieldStatus:    int(rec.Status),
		fieldPayload:   rec.Payload,
		fieldTraceID:   rec.TraceID,
		fieldSpanID:    rec.SpanID,
		fieldUpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// pendingRecord is recordFromHash for listings: a hash that does not parse
// still yields a record, so one corrupt key cannot hide the others.
func pendingRecord(key string, fields map[string]string) *txlog.Record {
	rec, err := recordFromHash(key, fields)
	if err != nil {
		return &txlog.Record{Key: key, Status: archive.StatusUnknown, ReadErr: err}
	}
	return rec
}

func recordFromHash(key string, fields map[string]string) (*txlog.Record, error) {
	version, err := strconv.ParseUint(fields[fieldVersion], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("redis: %q: format version: %w", key, err)
	}
	status, err := strconv.ParseUint(fields[fieldStatus], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("redis: %q: status: %w", key, err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt])
	if err != nil {
		return nil, fmt.Errorf("redis: %q: updated_at: %w", key, err)
	}
	return &txlog.Record{
		Key:           key,
		FormatVersion: uint8(version),
		Status:        archive.Status(status),
		Payload:       []byte(fields[fieldPayload]),
		TraceID:       fields[fieldTraceID],
		SpanID:        fields[fieldSpanID],
		UpdatedAt:     updatedAt,
	}, nil
}
