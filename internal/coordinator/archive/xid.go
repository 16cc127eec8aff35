package archive

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// XidFormatID tags identifiers minted by this coordinator ("XA").
const XidFormatID int32 = 0x5841

// MaxXidPartSize is the XA limit for both the global id and the qualifier.
const MaxXidPartSize = 64

var ErrInvalidXid = errors.New("archive: invalid xid")

// Xid is an XA transaction identifier. A global Xid has an empty
// BranchQualifier; a branch Xid shares the global id of its transaction.
type Xid struct {
	FormatID            int32
	GlobalTransactionID []byte
	BranchQualifier     []byte
}

// NewXid mints a global Xid from a random UUID.
func NewXid() Xid {
	id := uuid.New()
	return Xid{FormatID: XidFormatID, GlobalTransactionID: id[:]}
}

// Branch derives a branch Xid with a fresh random qualifier.
func (x Xid) Branch() Xid {
	q := uuid.New()
	return Xid{
		FormatID:            x.FormatID,
		GlobalTransactionID: bytes.Clone(x.GlobalTransactionID),
		BranchQualifier:     q[:],
	}
}

// Global returns x without its branch qualifier.
func (x Xid) Global() Xid {
	return Xid{FormatID: x.FormatID, GlobalTransactionID: bytes.Clone(x.GlobalTransactionID)}
}

// SameGlobal reports whether x and o belong to the same global transaction.
func (x Xid) SameGlobal(o Xid) bool {
	return x.FormatID == o.FormatID && bytes.Equal(x.GlobalTransactionID, o.GlobalTransactionID)
}

func (x Xid) Clone() Xid {
	return Xid{
		FormatID:            x.FormatID,
		GlobalTransactionID: bytes.Clone(x.GlobalTransactionID),
		BranchQualifier:     bytes.Clone(x.BranchQualifier),
	}
}

// String renders x as "<format>:<hex gtrid>:<hex bqual>".
func (x Xid) String() string {
	return fmt.Sprintf("%d:%s:%s", x.FormatID,
		hex.EncodeToString(x.GlobalTransactionID),
		hex.EncodeToString(x.BranchQualifier))
}

// ParseXid is the inverse of Xid.String.
func ParseXid(s string) (Xid, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("%w: %q", ErrInvalidXid, s)
	}
	format, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("%w: format id %q", ErrInvalidXid, parts[0])
	}
	gtrid, err := hex.DecodeString(parts[1])
	if err != nil || len(gtrid) == 0 || len(gtrid) > MaxXidPartSize {
		return Xid{}, fmt.Errorf("%w: global id %q", ErrInvalidXid, parts[1])
	}
	bqual, err := hex.DecodeString(parts[2])
	if err != nil || len(bqual) > MaxXidPartSize {
		return Xid{}, fmt.Errorf("%w: branch qualifier %q", ErrInvalidXid, parts[2])
	}
	x := Xid{FormatID: int32(format), GlobalTransactionID: gtrid}
	if len(bqual) > 0 {
		x.BranchQualifier = bqual
	}
	return x, nil
}
