package codec

import (
	"errors"
	"fmt"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive/wire"
)

var ErrForeignBranch = errors.New("codec: branch belongs to another transaction")

const (
	flagSuspended uint8 = 1 << iota
	flagDelisted
	flagPrepared
	flagReadOnly
	flagCommitted
	flagRolledBack
	flagCompleted
	flagHeuristic
)

// XAResourceCodec is the default ResourceCodec.
//
//	qualifier length  1
//	qualifier         n   (≤ 64)
//	flags             1
//	vote              1
//	resource key len  1
//	resource key      m
//
// Only the branch qualifier is stored; the format id and global id come
// from the transaction Xid handed to Decode.
type XAResourceCodec struct{}

var _ ResourceCodec = XAResourceCodec{}

func (XAResourceCodec) Encode(xid archive.Xid, r *archive.ResourceArchive) ([]byte, error) {
	if r == nil {
		return nil, ErrNilArchive
	}
	if !r.Xid.SameGlobal(xid) {
		return nil, fmt.Errorf("%w: %s in %s", ErrForeignBranch, r.Xid, xid)
	}
	if n := len(r.Xid.BranchQualifier); n > archive.MaxXidPartSize {
		return nil, fmt.Errorf("codec: branch qualifier is %d bytes, limit %d", n, archive.MaxXidPartSize)
	}

	w := wire.NewWriter(4 + len(r.Xid.BranchQualifier) + len(r.ResourceKey))
	_ = w.Span8(r.Xid.BranchQualifier)
	w.Uint8(resourceFlags(r))
	w.Uint8(uint8(r.Vote))
	if err := w.Span8([]byte(r.ResourceKey)); err != nil {
		return nil, fmt.Errorf("codec: resource key %q: %w", r.ResourceKey, err)
	}
	return w.Bytes(), nil
}

func (XAResourceCodec) Decode(xid archive.Xid, b []byte) (*archive.ResourceArchive, error) {
	rd := wire.NewReader(b)
	bqual, err := rd.Span8("branch qualifier")
	if err != nil {
		return nil, err
	}
	flags, err := rd.Uint8("branch flags")
	if err != nil {
		return nil, err
	}
	vote, err := rd.Uint8("branch vote")
	if err != nil {
		return nil, err
	}
	key, err := rd.Span8("resource key")
	if err != nil {
		return nil, err
	}
	if n := rd.Remaining(); n > 0 {
		return nil, fmt.Errorf("%w: %d bytes in branch", ErrTrailingData, n)
	}

	branch := xid.Global()
	if len(bqual) > 0 {
		branch.BranchQualifier = bqual
	}
	return &archive.ResourceArchive{
		Xid:         branch,
		ResourceKey: string(key),
		Vote:        archive.Vote(vote),
		Suspended:   flags&flagSuspended != 0,
		Delisted:    flags&flagDelisted != 0,
		Prepared:    flags&flagPrepared != 0,
		ReadOnly:    flags&flagReadOnly != 0,
		Committed:   flags&flagCommitted != 0,
		RolledBack:  flags&flagRolledBack != 0,
		Completed:   flags&flagCompleted != 0,
		Heuristic:   flags&flagHeuristic != 0,
	}, nil
}

func resourceFlags(r *archive.ResourceArchive) uint8 {
	var f uint8
	set := func(on bool, bit uint8) {
		if on {
			f |= bit
		}
	}
	set(r.Suspended, flagSuspended)
	set(r.Delisted, flagDelisted)
	set(r.Prepared, flagPrepared)
	set(r.ReadOnly, flagReadOnly)
	set(r.Committed, flagCommitted)
	set(r.RolledBack, flagRolledBack)
	set(r.Completed, flagCompleted)
	set(r.Heuristic, flagHeuristic)
	return f
}
