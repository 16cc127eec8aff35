package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog"
)

// Handler serves read-only views of the recovery log.
type Handler struct {
	repo    txlog.Repository
	journal *txlog.Journal
}

func NewHandler(repo txlog.Repository, journal *txlog.Journal) *Handler {
	return &Handler{repo: repo, journal: journal}
}

// ListTransactions decodes every pending record. Records that do not decode
// are listed separately instead of failing the request.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.repo.Pending(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "listing pending records failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	resp := ListResponse{
		Transactions:  make([]TransactionResponse, 0, len(recs)),
		Indeterminate: []IndeterminateResponse{},
	}
	for _, rec := range recs {
		a, err := h.journal.Decode(rec)
		if err != nil {
			resp.Indeterminate = append(resp.Indeterminate, IndeterminateResponse{
				Key:    rec.Key,
				Status: rec.Status.String(),
				Error:  err.Error(),
			})
			continue
		}
		resp.Transactions = append(resp.Transactions, MapTransaction(rec, a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTransaction returns the newest archive of one transaction. Any branch
// xid of the transaction resolves to the same record.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	xid, err := archive.ParseXid(chi.URLParam(r, "xid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_xid", err.Error())
		return
	}

	rec, err := h.repo.Latest(r.Context(), txlog.KeyOf(xid))
	if errors.Is(err, txlog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transaction_not_found", xid.String())
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "reading record failed", "xid", xid.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	a, err := h.journal.Decode(rec)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "undecodable_record", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, MapTransaction(rec, a))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
