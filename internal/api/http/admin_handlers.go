package httpapi

import (
	"net/http"

	"github.com/pesalock/pesalock/internal/domain/transaction"
)

func (s *Server) listPayouts(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 20, 100)
	txs, err := s.escrowSvc.ListAwaitingPayout(r.Context(), limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if txs == nil {
		txs = []*transaction.Transaction{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

func (s *Server) disburse(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	t, err := s.escrowSvc.Disburse(r.Context(), auth.User, transactionIDParam(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	t, err := s.escrowSvc.ResolveDispute(r.Context(), auth.User, transactionIDParam(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) walletSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.escrowSvc.WalletSummary(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
