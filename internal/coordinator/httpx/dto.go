package httpx

import (
	"time"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog"
)

type TransactionResponse struct {
	Xid          string           `json:"xid"`
	Status       string           `json:"status"`
	Vote         string           `json:"vote"`
	Coordinator  bool             `json:"coordinator"`
	Strategy     string           `json:"strategy"`
	PropagatedBy string           `json:"propagated_by"`
	Native       []BranchResponse `json:"native"`
	Optimized    *BranchResponse  `json:"optimized,omitempty"`
	Remote       []BranchResponse `json:"remote"`
	TraceID      string           `json:"trace_id,omitempty"`
	UpdatedAt    string           `json:"updated_at"`
	SizeBytes    int              `json:"size_bytes"`
}

type BranchResponse struct {
	Xid         string `json:"xid"`
	ResourceKey string `json:"resource_key"`
	Vote        string `json:"vote"`
	Prepared    bool   `json:"prepared"`
	ReadOnly    bool   `json:"read_only"`
	Committed   bool   `json:"committed"`
	RolledBack  bool   `json:"rolled_back"`
	Completed   bool   `json:"completed"`
	Heuristic   bool   `json:"heuristic"`
}

type IndeterminateResponse struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type ListResponse struct {
	Transactions  []TransactionResponse   `json:"transactions"`
	Indeterminate []IndeterminateResponse `json:"indeterminate"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// MapTransaction converts a decoded archive and the record it came from to
// the HTTP response format.
func MapTransaction(rec *txlog.Record, a *archive.TransactionArchive) TransactionResponse {
	out := TransactionResponse{
		Xid:          a.Xid.String(),
		Status:       a.Status.String(),
		Vote:         a.Vote.String(),
		Coordinator:  a.Coordinator,
		Strategy:     a.Strategy.String(),
		PropagatedBy: a.PropagatedBy,
		Native:       mapBranches(a.NativeResources),
		Remote:       mapBranches(a.RemoteResources),
		TraceID:      rec.TraceID,
		UpdatedAt:    rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		SizeBytes:    len(rec.Payload),
	}
	if a.OptimizedResource != nil {
		b := mapBranch(a.OptimizedResource)
		out.Optimized = &b
	}
	return out
}

func mapBranches(in []*archive.ResourceArchive) []BranchResponse {
	out := make([]BranchResponse, len(in))
	for i, r := range in {
		out[i] = mapBranch(r)
	}
	return out
}

func mapBranch(r *archive.ResourceArchive) BranchResponse {
	return BranchResponse{
		Xid:         r.Xid.String(),
		ResourceKey: r.ResourceKey,
		Vote:        r.Vote.String(),
		Prepared:    r.Prepared,
		ReadOnly:    r.ReadOnly,
		Committed:   r.Committed,
		RolledBack:  r.RolledBack,
		Completed:   r.Completed,
		Heuristic:   r.Heuristic,
	}
}
