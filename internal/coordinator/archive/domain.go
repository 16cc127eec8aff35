// Package archive defines the durable snapshot a transaction coordinator
// writes to its recovery log.
//
// A TransactionArchive captures everything needed to finish a global
// transaction after a crash: the global status and vote, whether this
// process coordinates it, the commit strategy in effect, where it was
// propagated from, and the resource-manager branches enlisted in it.
package archive

import "strconv"

// Status is the lifecycle state of a global transaction.
// Values follow the JTA numbering so archives stay readable by other
// coordinators sharing the same log format.
type Status uint8

const (
	StatusActive         Status = 0
	StatusMarkedRollback Status = 1
	StatusPrepared       Status = 2
	StatusCommitted      Status = 3
	StatusRolledBack     Status = 4
	StatusUnknown        Status = 5
	StatusNoTransaction  Status = 6
	StatusPreparing      Status = 7
	StatusCommitting     Status = 8
	StatusRollingBack    Status = 9
)

var statusNames = map[Status]string{
	StatusActive:         "ACTIVE",
	StatusMarkedRollback: "MARKED_ROLLBACK",
	StatusPrepared:       "PREPARED",
	StatusCommitted:      "COMMITTED",
	StatusRolledBack:     "ROLLED_BACK",
	StatusUnknown:        "UNKNOWN",
	StatusNoTransaction:  "NO_TRANSACTION",
	StatusPreparing:      "PREPARING",
	StatusCommitting:     "COMMITTING",
	StatusRollingBack:    "ROLLING_BACK",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "STATUS(" + strconv.Itoa(int(s)) + ")"
}

// Vote is the aggregated (or per-branch) answer to the prepare phase.
type Vote uint8

const (
	VoteUnknown  Vote = 0
	VoteCommit   Vote = 1
	VoteRollback Vote = 2
	VoteReadOnly Vote = 3
	VoteError    Vote = 4
)

func (v Vote) String() string {
	switch v {
	case VoteUnknown:
		return "UNKNOWN"
	case VoteCommit:
		return "COMMIT"
	case VoteRollback:
		return "ROLLBACK"
	case VoteReadOnly:
		return "READONLY"
	case VoteError:
		return "ERROR"
	}
	return "VOTE(" + strconv.Itoa(int(v)) + ")"
}

// Strategy selects the commit protocol variant. It changes how branches are
// driven, never how they are encoded.
type Strategy uint8

const (
	StrategyVacant       Strategy = 0
	StrategyCommon       Strategy = 1
	StrategyLastResource Strategy = 2
	StrategySimple       Strategy = 3
)

func (s Strategy) String() string {
	switch s {
	case StrategyVacant:
		return "VACANT"
	case StrategyCommon:
		return "COMMON"
	case StrategyLastResource:
		return "LAST_RESOURCE"
	case StrategySimple:
		return "SIMPLE"
	}
	return "STRATEGY(" + strconv.Itoa(int(s)) + ")"
}

// ResourceArchive is one resource manager's participation (a branch) in a
// global transaction.
type ResourceArchive struct {
	// Xid is the branch identifier: the transaction's global id plus a
	// branch qualifier unique within the transaction.
	Xid Xid

	// ResourceKey identifies the resource manager so recovery can resolve
	// a live connection to it again.
	ResourceKey string

	// Vote is this branch's answer to prepare.
	Vote Vote

	Suspended  bool
	Delisted   bool
	Prepared   bool
	ReadOnly   bool
	Committed  bool
	RolledBack bool
	Completed  bool
	Heuristic  bool
}

// TransactionArchive is the persisted state of one global transaction.
type TransactionArchive struct {
	// Xid keys the archive in the recovery log. It is carried alongside the
	// encoded record, never inside it.
	Xid Xid

	Status      Status
	Vote        Vote
	Coordinator bool
	Strategy    Strategy

	// PropagatedBy is the origin of the transaction as "host:name:port".
	PropagatedBy string

	// NativeResources, OptimizedResource and RemoteResources partition the
	// branches; a branch belongs to exactly one of them. List order is
	// insertion order and survives a round trip.
	NativeResources   []*ResourceArchive
	OptimizedResource *ResourceArchive
	RemoteResources   []*ResourceArchive
}

// New returns an empty archive for xid.
func New(xid Xid) *TransactionArchive {
	return &TransactionArchive{
		Xid:             xid,
		Status:          StatusActive,
		NativeResources: []*ResourceArchive{},
		RemoteResources: []*ResourceArchive{},
	}
}

func (a *TransactionArchive) AddNative(r *ResourceArchive) {
	a.NativeResources = append(a.NativeResources, r)
}

func (a *TransactionArchive) AddRemote(r *ResourceArchive) {
	a.RemoteResources = append(a.RemoteResources, r)
}

// SetOptimized installs r as the one-phase (last resource) branch.
// It reports false if an optimized branch is already present.
func (a *TransactionArchive) SetOptimized(r *ResourceArchive) bool {
	if a.OptimizedResource != nil {
		return false
	}
	a.OptimizedResource = r
	return true
}

// Branches returns every branch in wire order: native, optimized, remote.
func (a *TransactionArchive) Branches() []*ResourceArchive {
	out := make([]*ResourceArchive, 0, len(a.NativeResources)+len(a.RemoteResources)+1)
	out = append(out, a.NativeResources...)
	if a.OptimizedResource != nil {
		out = append(out, a.OptimizedResource)
	}
	return append(out, a.RemoteResources...)
}

// Clone returns a deep copy, used to hand a stable snapshot to the log
// writer while the live archive keeps changing.
func (a *TransactionArchive) Clone() *TransactionArchive {
	c := *a
	c.Xid = a.Xid.Clone()
	c.NativeResources = cloneResources(a.NativeResources)
	c.RemoteResources = cloneResources(a.RemoteResources)
	if a.OptimizedResource != nil {
		c.OptimizedResource = a.OptimizedResource.Clone()
	}
	return &c
}

func (r *ResourceArchive) Clone() *ResourceArchive {
	c := *r
	c.Xid = r.Xid.Clone()
	return &c
}

func cloneResources(in []*ResourceArchive) []*ResourceArchive {
	out := make([]*ResourceArchive, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
