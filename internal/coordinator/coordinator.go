// Package coordinator drives global transactions through two-phase commit
// and archives every transition to the recovery log, so a restarted
// process can finish what a crashed one started.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog"
)

// Resource is a resource manager's XA surface for one branch.
type Resource interface {
	Prepare(ctx context.Context, xid archive.Xid) (archive.Vote, error)
	Commit(ctx context.Context, xid archive.Xid, onePhase bool) error
	Rollback(ctx context.Context, xid archive.Xid) error
}

// Resolver maps the ResourceKey stored in a branch archive back to a live
// resource manager.
type Resolver interface {
	Resolve(key string) (Resource, error)
}

// BranchKind selects the partition a branch is enlisted in.
type BranchKind int

const (
	BranchNative BranchKind = iota
	BranchOptimized
	BranchRemote
)

var (
	// ErrResourceRolledBack is returned, wrapped, by a Resource whose branch
	// is known to be rolled back. Any other Commit error leaves the branch
	// outcome unknown.
	ErrResourceRolledBack = errors.New("coordinator: resource rolled back the branch")

	ErrRolledBack       = errors.New("coordinator: transaction rolled back")
	ErrOptimizedTaken   = errors.New("coordinator: optimized branch already enlisted")
	ErrNotActive        = errors.New("coordinator: transaction is not active")
	ErrHeuristicOutcome = errors.New("coordinator: branches did not reach the decided outcome")
	ErrOutcomeUnknown   = errors.New("coordinator: last resource outcome unknown")
)

// Coordinator manages global transactions it originated.
type Coordinator struct {
	journal  *txlog.Journal
	resolver Resolver
}

func New(journal *txlog.Journal, resolver Resolver) *Coordinator {
	return &Coordinator{journal: journal, resolver: resolver}
}

// Begin starts a global transaction propagated from origin.
func (c *Coordinator) Begin(origin string, strategy archive.Strategy) *archive.TransactionArchive {
	a := archive.New(archive.NewXid())
	a.Coordinator = true
	a.Strategy = strategy
	a.PropagatedBy = origin
	return a
}

// Enlist adds a branch on the resource manager identified by key.
func (c *Coordinator) Enlist(tx *archive.TransactionArchive, key string, kind BranchKind) (*archive.ResourceArchive, error) {
	if tx.Status != archive.StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, tx.Status)
	}
	branch := &archive.ResourceArchive{Xid: tx.Xid.Branch(), ResourceKey: key}
	switch kind {
	case BranchOptimized:
		if !tx.SetOptimized(branch) {
			return nil, ErrOptimizedTaken
		}
	case BranchRemote:
		tx.AddRemote(branch)
	default:
		tx.AddNative(branch)
	}
	return branch, nil
}

// Commit runs two-phase commit. Native then remote branches are prepared in
// enlistment order; the optimized branch, if any, is committed in one phase
// and its outcome decides the transaction. Any negative vote rolls back.
func (c *Coordinator) Commit(ctx context.Context, tx *archive.TransactionArchive) error {
	if tx.Status != archive.StatusActive {
		return fmt.Errorf("%w: %s", ErrNotActive, tx.Status)
	}
	if err := c.transition(ctx, tx, archive.StatusPreparing); err != nil {
		return err
	}

	for _, branch := range twoPhaseBranches(tx) {
		slog.InfoContext(ctx, "preparing branch", "xid", branch.Xid.String(), "resource", branch.ResourceKey)
		vote, err := c.prepare(ctx, branch)
		branch.Vote = vote
		if err != nil || (vote != archive.VoteCommit && vote != archive.VoteReadOnly) {
			slog.WarnContext(ctx, "branch refused to prepare, rolling back",
				"xid", branch.Xid.String(), "vote", vote.String(), "error", err)
			tx.Vote = archive.VoteRollback
			if rbErr := c.rollback(ctx, tx); rbErr != nil {
				return rbErr
			}
			return fmt.Errorf("%w: branch %s voted %s", ErrRolledBack, branch.ResourceKey, vote)
		}
		branch.Prepared = true
		branch.ReadOnly = vote == archive.VoteReadOnly
	}

	if opt := tx.OptimizedResource; opt != nil {
		// Prepared without a vote: the last resource decides, and until it
		// has, recovery must neither commit nor roll back.
		tx.Vote = archive.VoteUnknown
		if err := c.transition(ctx, tx, archive.StatusPrepared); err != nil {
			return err
		}
		if err := c.commitBranch(ctx, opt, true); err != nil {
			if !errors.Is(err, ErrResourceRolledBack) {
				slog.ErrorContext(ctx, "CRITICAL: last resource outcome unknown, manual resolution required",
					"xid", opt.Xid.String(), "resource", opt.ResourceKey, "error", err)
				return fmt.Errorf("%w: %s: %v", ErrOutcomeUnknown, opt.ResourceKey, err)
			}
			slog.WarnContext(ctx, "last resource rolled back, rolling back", "xid", opt.Xid.String(), "error", err)
			opt.RolledBack, opt.Completed = true, true
			tx.Vote = archive.VoteRollback
			if rbErr := c.rollback(ctx, tx); rbErr != nil {
				return rbErr
			}
			return fmt.Errorf("%w: last resource %s: %v", ErrRolledBack, opt.ResourceKey, err)
		}
	}

	tx.Vote = archive.VoteCommit
	if err := c.transition(ctx, tx, archive.StatusCommitting); err != nil {
		return err
	}
	return c.finishCommit(ctx, tx)
}

// Rollback aborts tx and rolls back every branch not yet completed.
func (c *Coordinator) Rollback(ctx context.Context, tx *archive.TransactionArchive) error {
	return c.rollback(ctx, tx)
}

// Recover replays the recovery log. Transactions that reached the commit
// decision are committed; everything else is rolled back. Records that do
// not decode, and transactions whose last resource may have committed
// unrecorded, are left in the log for manual resolution and returned.
func (c *Coordinator) Recover(ctx context.Context) ([]txlog.Indeterminate, error) {
	report, err := c.journal.Recover(ctx)
	if err != nil {
		return nil, err
	}
	for _, ind := range report.Indeterminate {
		slog.ErrorContext(ctx, "CRITICAL: transaction outcome unknown, manual resolution required",
			"key", ind.Key, "status", ind.Status.String(), "error", ind.Err)
	}

	indeterminate := report.Indeterminate
	var errs []error
	for _, tx := range report.Recovered {
		slog.InfoContext(ctx, "recovering transaction", "xid", tx.Xid.String(), "status", tx.Status.String())
		if lastResourceInDoubt(tx) {
			slog.ErrorContext(ctx, "CRITICAL: last resource outcome unknown, manual resolution required",
				"xid", tx.Xid.String(), "resource", tx.OptimizedResource.ResourceKey)
			indeterminate = append(indeterminate, txlog.Indeterminate{
				Key:    txlog.KeyOf(tx.Xid),
				Status: tx.Status,
				Err:    fmt.Errorf("%w: %s", ErrOutcomeUnknown, tx.OptimizedResource.ResourceKey),
			})
			continue
		}
		if committed(tx) {
			if tx.Status != archive.StatusCommitting {
				if err := c.transition(ctx, tx, archive.StatusCommitting); err != nil {
					errs = append(errs, err)
					continue
				}
			}
			err = c.finishCommit(ctx, tx)
		} else {
			err = c.rollback(ctx, tx)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return indeterminate, errors.Join(errs...)
}

// lastResourceInDoubt reports whether the one-phase commit of the optimized
// branch may have been sent without its outcome being recorded. Such a
// branch is never prepared, so it cannot be finished with a two-phase commit.
func lastResourceInDoubt(tx *archive.TransactionArchive) bool {
	opt := tx.OptimizedResource
	if opt == nil || opt.Completed {
		return false
	}
	switch tx.Status {
	case archive.StatusPrepared, archive.StatusCommitting, archive.StatusCommitted:
		return true
	}
	return false
}

// committed reports whether the commit decision was made before the crash.
func committed(tx *archive.TransactionArchive) bool {
	switch tx.Status {
	case archive.StatusCommitting, archive.StatusCommitted:
		return true
	case archive.StatusPrepared:
		return tx.Vote == archive.VoteCommit
	}
	return false
}

func (c *Coordinator) finishCommit(ctx context.Context, tx *archive.TransactionArchive) error {
	var failed []string
	for _, branch := range tx.Branches() {
		if branch.Completed || branch.ReadOnly {
			continue
		}
		if err := c.commitBranch(ctx, branch, false); err != nil {
			slog.ErrorContext(ctx, "branch commit failed, will retry on recovery",
				"xid", branch.Xid.String(), "resource", branch.ResourceKey, "error", err)
			failed = append(failed, branch.ResourceKey)
		}
	}
	if len(failed) > 0 {
		// Keep the Committing record so recovery retries the stragglers.
		if err := c.journal.Write(ctx, tx); err != nil {
			return err
		}
		return fmt.Errorf("%w: commit pending on %v", ErrHeuristicOutcome, failed)
	}
	if err := c.transition(ctx, tx, archive.StatusCommitted); err != nil {
		return err
	}
	return c.journal.Forget(ctx, tx.Xid)
}

func (c *Coordinator) rollback(ctx context.Context, tx *archive.TransactionArchive) error {
	if err := c.transition(ctx, tx, archive.StatusRollingBack); err != nil {
		return err
	}
	var failed []string
	// LIFO, so the most recently enlisted branch is undone first.
	branches := tx.Branches()
	for i := len(branches) - 1; i >= 0; i-- {
		branch := branches[i]
		if branch.Completed || branch.ReadOnly {
			continue
		}
		res, err := c.resolver.Resolve(branch.ResourceKey)
		if err == nil {
			err = res.Rollback(ctx, branch.Xid)
		}
		if err != nil {
			slog.ErrorContext(ctx, "CRITICAL: failed to roll back branch",
				"xid", branch.Xid.String(), "resource", branch.ResourceKey, "error", err)
			failed = append(failed, branch.ResourceKey)
			continue
		}
		branch.RolledBack, branch.Completed = true, true
	}
	if len(failed) > 0 {
		if err := c.journal.Write(ctx, tx); err != nil {
			return err
		}
		return fmt.Errorf("%w: rollback pending on %v", ErrHeuristicOutcome, failed)
	}
	if err := c.transition(ctx, tx, archive.StatusRolledBack); err != nil {
		return err
	}
	return c.journal.Forget(ctx, tx.Xid)
}

// twoPhaseBranches lists the branches that take part in the prepare phase.
func twoPhaseBranches(tx *archive.TransactionArchive) []*archive.ResourceArchive {
	out := make([]*archive.ResourceArchive, 0, len(tx.NativeResources)+len(tx.RemoteResources))
	out = append(out, tx.NativeResources...)
	return append(out, tx.RemoteResources...)
}

func (c *Coordinator) prepare(ctx context.Context, branch *archive.ResourceArchive) (archive.Vote, error) {
	res, err := c.resolver.Resolve(branch.ResourceKey)
	if err != nil {
		return archive.VoteError, err
	}
	vote, err := res.Prepare(ctx, branch.Xid)
	if err != nil {
		return archive.VoteError, err
	}
	return vote, nil
}

func (c *Coordinator) commitBranch(ctx context.Context, branch *archive.ResourceArchive, onePhase bool) error {
	res, err := c.resolver.Resolve(branch.ResourceKey)
	if err != nil {
		return err
	}
	if err := res.Commit(ctx, branch.Xid, onePhase); err != nil {
		return err
	}
	branch.Committed, branch.Completed = true, true
	return nil
}

// transition records a new status before the coordinator acts on it.
func (c *Coordinator) transition(ctx context.Context, tx *archive.TransactionArchive, status archive.Status) error {
	tx.Status = status
	if err := c.journal.Write(ctx, tx); err != nil {
		return fmt.Errorf("coordinator: archive %s as %s: %w", tx.Xid, status, err)
	}
	return nil
}
