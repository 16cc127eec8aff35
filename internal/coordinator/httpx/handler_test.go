package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive/codec"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog/sqlite"
)

type fixture struct {
	repo    *sqlite.Repository
	journal *txlog.Journal
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "xalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	journal := txlog.NewJournal(repo, codec.NewTransactionCodec(codec.XAResourceCodec{}))
	server := httptest.NewServer(NewRouter(NewHandler(repo, journal)))
	t.Cleanup(server.Close)
	return &fixture{repo: repo, journal: journal, server: server}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func committing(t *testing.T, j *txlog.Journal) *archive.TransactionArchive {
	t.Helper()
	xid := archive.NewXid()
	a := archive.New(xid)
	a.Status = archive.StatusCommitting
	a.Vote = archive.VoteCommit
	a.Coordinator = true
	a.Strategy = archive.StrategyLastResource
	a.PropagatedBy = "10.0.0.7:node-b:9090"
	a.AddNative(&archive.ResourceArchive{Xid: xid.Branch(), ResourceKey: "orders", Prepared: true, Vote: archive.VoteCommit})
	a.SetOptimized(&archive.ResourceArchive{Xid: xid.Branch(), ResourceKey: "ledger", Committed: true, Completed: true})
	require.NoError(t, j.Write(context.Background(), a))
	return a
}

func TestGetTransaction(t *testing.T) {
	f := newFixture(t)
	a := committing(t, f.journal)

	var got TransactionResponse
	require.Equal(t, http.StatusOK, f.get(t, "/transactions/"+a.Xid.String(), &got))
	assert.Equal(t, a.Xid.String(), got.Xid)
	assert.Equal(t, "COMMITTING", got.Status)
	assert.Equal(t, "10.0.0.7:node-b:9090", got.PropagatedBy)
	require.Len(t, got.Native, 1)
	assert.Equal(t, "orders", got.Native[0].ResourceKey)
	assert.True(t, got.Native[0].Prepared)
	require.NotNil(t, got.Optimized)
	assert.True(t, got.Optimized.Committed)
	assert.Empty(t, got.Remote)
	assert.Positive(t, got.SizeBytes)

	// A branch xid finds its transaction.
	var byBranch TransactionResponse
	require.Equal(t, http.StatusOK, f.get(t, "/transactions/"+a.NativeResources[0].Xid.String(), &byBranch))
	assert.Equal(t, got.Xid, byBranch.Xid)
}

func TestGetTransactionErrors(t *testing.T) {
	f := newFixture(t)

	var e ErrorResponse
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/transactions/garbage", &e))
	assert.Equal(t, "invalid_xid", e.Error)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/transactions/"+archive.NewXid().String(), &e))
	assert.Equal(t, "transaction_not_found", e.Error)

	key := archive.NewXid().String()
	require.NoError(t, f.repo.Save(context.Background(), &txlog.Record{
		Key:           key,
		FormatVersion: txlog.FormatV1,
		Status:        archive.StatusPrepared,
		Payload:       []byte{0x02},
		UpdatedAt:     time.Now(),
	}))
	assert.Equal(t, http.StatusUnprocessableEntity, f.get(t, "/transactions/"+key, &e))
	assert.Equal(t, "undecodable_record", e.Error)
}

func TestListTransactions(t *testing.T) {
	f := newFixture(t)
	a := committing(t, f.journal)

	bad := archive.NewXid().String()
	require.NoError(t, f.repo.Save(context.Background(), &txlog.Record{
		Key:           bad,
		FormatVersion: 9,
		Status:        archive.StatusPreparing,
		UpdatedAt:     time.Now(),
	}))

	var got ListResponse
	require.Equal(t, http.StatusOK, f.get(t, "/transactions", &got))
	require.Len(t, got.Transactions, 1)
	assert.Equal(t, a.Xid.String(), got.Transactions[0].Xid)
	require.Len(t, got.Indeterminate, 1)
	assert.Equal(t, bad, got.Indeterminate[0].Key)
	assert.Equal(t, "PREPARING", got.Indeterminate[0].Status)
	assert.Contains(t, got.Indeterminate[0].Error, "unsupported record format version")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	committing(t, f.journal)

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
