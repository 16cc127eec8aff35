// Package codec turns transaction archives into recovery-log records and
// back.
//
// Record layout (big-endian):
//
//	status            1
//	vote              1
//	coordinator       1   0x01 / 0x00
//	native count      1
//	optimized flag    1   0x01 / 0x00
//	remote count      1
//	strategy          1
//	host octets       4   each stored as octet-128
//	name length       1   stored as length-128
//	name              n
//	port              2   stored as port-32768
//	native branches   (2-byte length + payload) * native count
//	optimized branch  (2-byte length + payload) if flag set
//	remote branches   (2-byte length + payload) * remote count
//
// The layout is a stable on-disk contract: a new field means a new format
// version at the log layer, never an in-place change.
package codec

import (
	"errors"
	"fmt"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive/wire"
)

// MaxBranches is the largest native or remote list a record can hold.
const MaxBranches = 255

// headerSize is the fixed part of a record with an empty process name.
const headerSize = 7 + 4 + 1 + 2

var (
	ErrTooManyBranches = errors.New("codec: too many branches")
	ErrBranchTooLarge  = errors.New("codec: branch payload too large")
	ErrTrailingData    = errors.New("codec: trailing data after record")
	ErrNilArchive      = errors.New("codec: nil archive")
)

// ResourceCodec encodes a single branch. Implementations must be safe for
// concurrent use when the coordinator archives transactions concurrently.
type ResourceCodec interface {
	Encode(xid archive.Xid, r *archive.ResourceArchive) ([]byte, error)
	Decode(xid archive.Xid, b []byte) (*archive.ResourceArchive, error)
}

// TransactionCodec encodes whole transaction archives, delegating each
// branch to a ResourceCodec. It holds no other state.
type TransactionCodec struct {
	resources ResourceCodec
}

func NewTransactionCodec(resources ResourceCodec) *TransactionCodec {
	return &TransactionCodec{resources: resources}
}

// Encode serializes a. It never mutates a. A malformed PropagatedBy is not
// an error: it is written as the zero origin.
func (c *TransactionCodec) Encode(xid archive.Xid, a *archive.TransactionArchive) ([]byte, error) {
	if a == nil {
		return nil, ErrNilArchive
	}
	if n := len(a.NativeResources); n > MaxBranches {
		return nil, fmt.Errorf("%w: %d native, limit %d", ErrTooManyBranches, n, MaxBranches)
	}
	if n := len(a.RemoteResources); n > MaxBranches {
		return nil, fmt.Errorf("%w: %d remote, limit %d", ErrTooManyBranches, n, MaxBranches)
	}

	// Branch payloads are produced first, in list order, so a delegate
	// failure leaves nothing half written.
	native, err := c.encodeBranches(xid, "native", a.NativeResources)
	if err != nil {
		return nil, err
	}
	var optimized []byte
	hasOptimized := a.OptimizedResource != nil
	if hasOptimized {
		if optimized, err = c.encodeBranch(xid, "optimized", 0, a.OptimizedResource); err != nil {
			return nil, err
		}
	}
	remote, err := c.encodeBranches(xid, "remote", a.RemoteResources)
	if err != nil {
		return nil, err
	}

	origin := archive.ParseOrigin(a.PropagatedBy)

	size := headerSize + len(origin.Name) + framedSize(native) + framedSize(remote)
	if hasOptimized {
		size += 2 + len(optimized)
	}
	w := wire.NewWriter(size)

	w.Uint8(uint8(a.Status))
	w.Uint8(uint8(a.Vote))
	w.Bool(a.Coordinator)
	w.Uint8(uint8(len(native)))
	w.Bool(hasOptimized)
	w.Uint8(uint8(len(remote)))
	w.Uint8(uint8(a.Strategy))

	for _, octet := range origin.Host {
		w.BiasedUint8(octet)
	}
	if err := w.BiasedSpan8([]byte(origin.Name)); err != nil {
		return nil, fmt.Errorf("codec: origin name: %w", err)
	}
	w.BiasedUint16(origin.Port)

	for _, b := range native {
		_ = w.Span16(b)
	}
	if hasOptimized {
		_ = w.Span16(optimized)
	}
	for _, b := range remote {
		_ = w.Span16(b)
	}
	return w.Bytes(), nil
}

// Decode rebuilds an archive from a record. The returned archive carries
// xid; nothing in the record identifies the transaction. A short buffer
// fails the whole call.
func (c *TransactionCodec) Decode(xid archive.Xid, b []byte) (*archive.TransactionArchive, error) {
	r := wire.NewReader(b)
	a := archive.New(xid)

	status, err := r.Uint8("status")
	if err != nil {
		return nil, err
	}
	vote, err := r.Uint8("vote")
	if err != nil {
		return nil, err
	}
	if a.Coordinator, err = r.Bool("coordinator flag"); err != nil {
		return nil, err
	}
	nativeCount, err := r.Uint8("native count")
	if err != nil {
		return nil, err
	}
	hasOptimized, err := r.Bool("optimized flag")
	if err != nil {
		return nil, err
	}
	remoteCount, err := r.Uint8("remote count")
	if err != nil {
		return nil, err
	}
	strategy, err := r.Uint8("strategy")
	if err != nil {
		return nil, err
	}
	a.Status = archive.Status(status)
	a.Vote = archive.Vote(vote)
	a.Strategy = archive.Strategy(strategy)

	var origin archive.Origin
	for i := range origin.Host {
		if origin.Host[i], err = r.BiasedUint8("host octet"); err != nil {
			return nil, err
		}
	}
	name, err := r.BiasedSpan8("origin name")
	if err != nil {
		return nil, err
	}
	origin.Name = string(name)
	if origin.Port, err = r.BiasedUint16("origin port"); err != nil {
		return nil, err
	}
	a.PropagatedBy = origin.String()

	a.NativeResources = make([]*archive.ResourceArchive, 0, nativeCount)
	for i := 0; i < int(nativeCount); i++ {
		res, err := c.decodeBranch(xid, r, "native branch")
		if err != nil {
			return nil, err
		}
		a.AddNative(res)
	}
	if hasOptimized {
		if a.OptimizedResource, err = c.decodeBranch(xid, r, "optimized branch"); err != nil {
			return nil, err
		}
	}
	a.RemoteResources = make([]*archive.ResourceArchive, 0, remoteCount)
	for i := 0; i < int(remoteCount); i++ {
		res, err := c.decodeBranch(xid, r, "remote branch")
		if err != nil {
			return nil, err
		}
		a.AddRemote(res)
	}

	if n := r.Remaining(); n > 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingData, n)
	}
	return a, nil
}

func (c *TransactionCodec) encodeBranches(xid archive.Xid, kind string, list []*archive.ResourceArchive) ([][]byte, error) {
	out := make([][]byte, len(list))
	for i, res := range list {
		b, err := c.encodeBranch(xid, kind, i, res)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (c *TransactionCodec) encodeBranch(xid archive.Xid, kind string, i int, res *archive.ResourceArchive) ([]byte, error) {
	b, err := c.resources.Encode(xid, res)
	if err != nil {
		return nil, err
	}
	if len(b) > wire.MaxSpan16 {
		return nil, fmt.Errorf("%w: %s branch %d is %d bytes, limit %d",
			ErrBranchTooLarge, kind, i, len(b), wire.MaxSpan16)
	}
	return b, nil
}

func (c *TransactionCodec) decodeBranch(xid archive.Xid, r *wire.Reader, what string) (*archive.ResourceArchive, error) {
	b, err := r.Span16(what)
	if err != nil {
		return nil, err
	}
	return c.resources.Decode(xid, b)
}

func framedSize(list [][]byte) int {
	n := 0
	for _, b := range list {
		n += 2 + len(b)
	}
	return n
}
