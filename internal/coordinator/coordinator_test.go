package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive/codec"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog/sqlite"
)

type fakeResource struct {
	key        string
	log        *callLog
	vote       archive.Vote
	prepareErr error
	commitErr  error
}

func (r *fakeResource) Prepare(_ context.Context, _ archive.Xid) (archive.Vote, error) {
	r.log.add("prepare:" + r.key)
	return r.vote, r.prepareErr
}

func (r *fakeResource) Commit(_ context.Context, _ archive.Xid, onePhase bool) error {
	if onePhase {
		r.log.add("commit1p:" + r.key)
	} else {
		r.log.add("commit:" + r.key)
	}
	return r.commitErr
}

func (r *fakeResource) Rollback(_ context.Context, _ archive.Xid) error {
	r.log.add("rollback:" + r.key)
	return nil
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeResolver struct {
	log       *callLog
	resources map[string]*fakeResource
}

func newFakeResolver(keys ...string) *fakeResolver {
	r := &fakeResolver{log: &callLog{}, resources: map[string]*fakeResource{}}
	for _, k := range keys {
		r.resources[k] = &fakeResource{key: k, log: r.log, vote: archive.VoteCommit}
	}
	return r
}

func (r *fakeResolver) Resolve(key string) (Resource, error) {
	res, ok := r.resources[key]
	if !ok {
		return nil, errors.New("unknown resource " + key)
	}
	return res, nil
}

type fixture struct {
	repo     *sqlite.Repository
	journal  *txlog.Journal
	resolver *fakeResolver
	coord    *Coordinator
}

func newFixture(t *testing.T, keys ...string) *fixture {
	t.Helper()
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "xalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	journal := txlog.NewJournal(repo, codec.NewTransactionCodec(codec.XAResourceCodec{}))
	resolver := newFakeResolver(keys...)
	return &fixture{repo: repo, journal: journal, resolver: resolver, coord: New(journal, resolver)}
}

func (f *fixture) pending(t *testing.T) []*txlog.Record {
	t.Helper()
	recs, err := f.repo.Pending(context.Background())
	require.NoError(t, err)
	return recs
}

func TestEnlist(t *testing.T) {
	f := newFixture(t)
	tx := f.coord.Begin("10.0.0.1:node:8080", archive.StrategyCommon)
	assert.True(t, tx.Coordinator)
	assert.Equal(t, archive.StatusActive, tx.Status)

	b, err := f.coord.Enlist(tx, "orders", BranchNative)
	require.NoError(t, err)
	assert.True(t, b.Xid.SameGlobal(tx.Xid))
	assert.NotEqual(t, tx.Xid.BranchQualifier, b.Xid.BranchQualifier)

	_, err = f.coord.Enlist(tx, "ledger", BranchOptimized)
	require.NoError(t, err)
	_, err = f.coord.Enlist(tx, "other", BranchOptimized)
	assert.ErrorIs(t, err, ErrOptimizedTaken)

	tx.Status = archive.StatusPreparing
	_, err = f.coord.Enlist(tx, "late", BranchRemote)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestCommitTwoPhase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "orders", "stock", "billing")
	f.resolver.resources["stock"].vote = archive.VoteReadOnly

	tx := f.coord.Begin("10.0.0.1:node:8080", archive.StrategyCommon)
	for _, step := range []struct {
		key  string
		kind BranchKind
	}{{"orders", BranchNative}, {"stock", BranchNative}, {"billing", BranchRemote}} {
		_, err := f.coord.Enlist(tx, step.key, step.kind)
		require.NoError(t, err)
	}

	require.NoError(t, f.coord.Commit(ctx, tx))
	assert.Equal(t, archive.StatusCommitted, tx.Status)
	assert.Equal(t, []string{
		"prepare:orders", "prepare:stock", "prepare:billing",
		"commit:orders", "commit:billing",
	}, f.resolver.log.snapshot())
	assert.Empty(t, f.pending(t))

	err := f.coord.Commit(ctx, tx)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestCommitNegativeVoteRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "orders", "stock", "billing")
	f.resolver.resources["stock"].vote = archive.VoteRollback

	tx := f.coord.Begin("", archive.StrategyCommon)
	for _, k := range []string{"orders", "stock", "billing"} {
		_, err := f.coord.Enlist(tx, k, BranchNative)
		require.NoError(t, err)
	}

	err := f.coord.Commit(ctx, tx)
	assert.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, archive.StatusRolledBack, tx.Status)
	assert.Equal(t, archive.VoteRollback, tx.Vote)
	assert.Equal(t, []string{
		"prepare:orders", "prepare:stock",
		"rollback:billing", "rollback:stock", "rollback:orders",
	}, f.resolver.log.snapshot())
	assert.Empty(t, f.pending(t))
}

func TestCommitPrepareErrorRollsBack(t *testing.T) {
	f := newFixture(t, "orders")
	f.resolver.resources["orders"].prepareErr = errors.New("connection reset")

	tx := f.coord.Begin("", archive.StrategyCommon)
	_, err := f.coord.Enlist(tx, "orders", BranchNative)
	require.NoError(t, err)

	err = f.coord.Commit(context.Background(), tx)
	assert.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, archive.VoteError, tx.NativeResources[0].Vote)
}

func TestCommitLastResource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "orders", "ledger")

	tx := f.coord.Begin("", archive.StrategyLastResource)
	_, err := f.coord.Enlist(tx, "orders", BranchNative)
	require.NoError(t, err)
	_, err = f.coord.Enlist(tx, "ledger", BranchOptimized)
	require.NoError(t, err)

	require.NoError(t, f.coord.Commit(ctx, tx))
	assert.Equal(t, []string{"prepare:orders", "commit1p:ledger", "commit:orders"}, f.resolver.log.snapshot())
	assert.True(t, tx.OptimizedResource.Committed)
	assert.Empty(t, f.pending(t))
}

func TestCommitLastResourceFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "orders", "ledger")
	f.resolver.resources["ledger"].commitErr = fmt.Errorf("%w: constraint violation", ErrResourceRolledBack)

	tx := f.coord.Begin("", archive.StrategyLastResource)
	_, err := f.coord.Enlist(tx, "orders", BranchNative)
	require.NoError(t, err)
	_, err = f.coord.Enlist(tx, "ledger", BranchOptimized)
	require.NoError(t, err)

	err = f.coord.Commit(ctx, tx)
	assert.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, []string{"prepare:orders", "commit1p:ledger", "rollback:orders"}, f.resolver.log.snapshot())
	assert.Empty(t, f.pending(t))
}

func TestCommitLastResourceUnknownOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "orders", "ledger")
	f.resolver.resources["ledger"].commitErr = errors.New("read tcp: i/o timeout")

	tx := f.coord.Begin("", archive.StrategyLastResource)
	_, err := f.coord.Enlist(tx, "orders", BranchNative)
	require.NoError(t, err)
	_, err = f.coord.Enlist(tx, "ledger", BranchOptimized)
	require.NoError(t, err)

	err = f.coord.Commit(ctx, tx)
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.Equal(t, []string{"prepare:orders", "commit1p:ledger"}, f.resolver.log.snapshot())

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, archive.StatusPrepared, pending[0].Status)

	// Recovery leaves the decision to an operator.
	indeterminate, err := f.coord.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, indeterminate, 1)
	assert.Equal(t, txlog.KeyOf(tx.Xid), indeterminate[0].Key)
	assert.ErrorIs(t, indeterminate[0].Err, ErrOutcomeUnknown)
	assert.Equal(t, []string{"prepare:orders", "commit1p:ledger"}, f.resolver.log.snapshot())
	assert.Len(t, f.pending(t), 1)
}

func TestRecoverNeverCommitsLastResourceTwoPhase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "orders", "ledger")

	// Crash after the prepared record, before the one-phase commit returned.
	for _, vote := range []archive.Vote{archive.VoteUnknown, archive.VoteCommit} {
		tx := archive.New(archive.NewXid())
		tx.Coordinator = true
		tx.Strategy = archive.StrategyLastResource
		tx.Status = archive.StatusPrepared
		tx.Vote = vote
		tx.AddNative(&archive.ResourceArchive{Xid: tx.Xid.Branch(), ResourceKey: "orders", Prepared: true, Vote: archive.VoteCommit})
		tx.SetOptimized(&archive.ResourceArchive{Xid: tx.Xid.Branch(), ResourceKey: "ledger"})
		require.NoError(t, f.journal.Write(ctx, tx))
	}

	indeterminate, err := f.coord.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, indeterminate, 2)
	for _, ind := range indeterminate {
		assert.ErrorIs(t, ind.Err, ErrOutcomeUnknown)
		assert.Equal(t, archive.StatusPrepared, ind.Status)
	}
	assert.Empty(t, f.resolver.log.snapshot())
	assert.Len(t, f.pending(t), 2)
}

func TestCommitFailureIsRetriedByRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "orders", "billing")
	f.resolver.resources["billing"].commitErr = errors.New("timeout")

	tx := f.coord.Begin("", archive.StrategyCommon)
	_, err := f.coord.Enlist(tx, "orders", BranchNative)
	require.NoError(t, err)
	_, err = f.coord.Enlist(tx, "billing", BranchRemote)
	require.NoError(t, err)

	err = f.coord.Commit(ctx, tx)
	assert.ErrorIs(t, err, ErrHeuristicOutcome)

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, archive.StatusCommitting, pending[0].Status)

	f.resolver.resources["billing"].commitErr = nil
	indeterminate, err := f.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, indeterminate)
	assert.Empty(t, f.pending(t))

	// orders finished before the crash and is not committed twice.
	calls := f.resolver.log.snapshot()
	assert.Equal(t, []string{"commit:billing", "commit:billing"}, filter(calls, "commit:billing"))
	assert.Equal(t, []string{"commit:orders"}, filter(calls, "commit:orders"))
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "orders", "billing")

	decided := archive.New(archive.NewXid())
	decided.Coordinator = true
	decided.Status = archive.StatusCommitting
	decided.Vote = archive.VoteCommit
	decided.AddNative(&archive.ResourceArchive{Xid: decided.Xid.Branch(), ResourceKey: "orders", Prepared: true})
	require.NoError(t, f.journal.Write(ctx, decided))

	undecided := archive.New(archive.NewXid())
	undecided.Coordinator = true
	undecided.Status = archive.StatusPreparing
	undecided.AddNative(&archive.ResourceArchive{Xid: undecided.Xid.Branch(), ResourceKey: "billing"})
	require.NoError(t, f.journal.Write(ctx, undecided))

	garbled := archive.NewXid().String()
	require.NoError(t, f.repo.Save(ctx, &txlog.Record{
		Key:           garbled,
		FormatVersion: txlog.FormatV1,
		Status:        archive.StatusPrepared,
		Payload:       []byte{0x02, 0x01},
		UpdatedAt:     time.Now(),
	}))

	indeterminate, err := f.coord.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, indeterminate, 1)
	assert.Equal(t, garbled, indeterminate[0].Key)
	assert.Equal(t, archive.StatusPrepared, indeterminate[0].Status)

	assert.ElementsMatch(t, []string{"commit:orders", "rollback:billing"}, f.resolver.log.snapshot())

	// Only the record that needs a human stays in the log.
	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, garbled, pending[0].Key)
}

func TestRecoverPreparedWithCommitVote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "orders", "ledger")

	tx := archive.New(archive.NewXid())
	tx.Coordinator = true
	tx.Status = archive.StatusPrepared
	tx.Vote = archive.VoteCommit
	tx.AddNative(&archive.ResourceArchive{Xid: tx.Xid.Branch(), ResourceKey: "orders", Prepared: true})
	tx.SetOptimized(&archive.ResourceArchive{Xid: tx.Xid.Branch(), ResourceKey: "ledger", Committed: true, Completed: true})
	require.NoError(t, f.journal.Write(ctx, tx))

	_, err := f.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"commit:orders"}, f.resolver.log.snapshot())
	assert.Empty(t, f.pending(t))
}

func filter(calls []string, want string) []string {
	var out []string
	for _, c := range calls {
		if c == want {
			out = append(out, c)
		}
	}
	return out
}
