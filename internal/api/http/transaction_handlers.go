package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	appEscrow "github.com/pesalock/pesalock/internal/application/escrow"
	"github.com/pesalock/pesalock/internal/domain/transaction"
	"github.com/pesalock/pesalock/internal/infrastructure/daraja"
)

type transactionCreateRequest struct {
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	AssetType         string          `json:"assetType"`
	AssetTitle        string          `json:"assetTitle,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	Terms             string          `json:"terms,omitempty"`
	Deadline          time.Time       `json:"deadline"`
	InspectionPeriod  int             `json:"inspectionPeriod,omitempty"`
	Role              string          `json:"role"`
	CounterpartyEmail string          `json:"counterpartyEmail,omitempty"`
	CounterpartyPhone string          `json:"counterpartyPhone,omitempty"`
}

type transactionResponse struct {
	Transaction *transaction.Transaction `json:"transaction"`
	IsBuyer     bool                     `json:"isBuyer"`
	IsSeller    bool                     `json:"isSeller"`
}

func (s *Server) createTransaction(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	var req transactionCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	t, err := s.escrowSvc.Create(r.Context(), auth.User, appEscrow.CreateInput{
		Title:             req.Title,
		Description:       req.Description,
		AssetType:         transaction.AssetType(req.AssetType),
		AssetTitle:        req.AssetTitle,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Terms:             transaction.Terms(req.Terms),
		Deadline:          req.Deadline,
		InspectionPeriod:  req.InspectionPeriod,
		Role:              transaction.PartySide(req.Role),
		CounterpartyEmail: req.CounterpartyEmail,
		CounterpartyPhone: req.CounterpartyPhone,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	limit, offset := parseLimitOffset(r, 20, 100)
	txs, err := s.escrowSvc.ListMine(r.Context(), auth.User, limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if txs == nil {
		txs = []*transaction.Transaction{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	t, roles, err := s.escrowSvc.Get(r.Context(), auth.User, transactionIDParam(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transactionResponse{
		Transaction: t,
		IsBuyer:     roles.IsBuyer,
		IsSeller:    roles.IsSeller,
	})
}

type initiatePaymentRequest struct {
	Method string `json:"method,omitempty"`
	Phone  string `json:"phone"`
}

func (s *Server) initiatePayment(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	var req initiatePaymentRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	method := req.Method
	if method == "" {
		method = "mpesa"
	}
	t, stk, err := s.escrowSvc.InitiatePayment(r.Context(), auth.User, transactionIDParam(r), method, req.Phone)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"transaction":       t,
		"checkoutRequestId": stk.CheckoutRequestID,
		"merchantRequestId": stk.MerchantRequestID,
	})
}

// queryPayment re-checks an in-flight push with the gateway for a buyer
// whose STK callback never arrived.
func (s *Server) queryPayment(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	t, status, err := s.escrowSvc.QueryPayment(r.Context(), auth.User, transactionIDParam(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"transaction":          t,
		"paymentRequestStatus": status,
	})
}

func (s *Server) confirmPayment(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	t, err := s.escrowSvc.ConfirmPayment(r.Context(), auth.User, transactionIDParam(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

type transferAssetRequest struct {
	Method        string `json:"method"`
	RecipientInfo string `json:"recipientInfo,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

func (s *Server) transferAsset(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	var req transferAssetRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	t, err := s.escrowSvc.TransferAsset(r.Context(), auth.User, transactionIDParam(r), appEscrow.TransferInput{
		Method:        req.Method,
		RecipientInfo: req.RecipientInfo,
		Notes:         req.Notes,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) releaseFunds(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	t, err := s.escrowSvc.ReleaseFunds(r.Context(), auth.User, transactionIDParam(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) acceptAsset(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	t, err := s.escrowSvc.AcceptAsset(r.Context(), auth.User, transactionIDParam(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	t, err := s.escrowSvc.Cancel(r.Context(), auth.User, transactionIDParam(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) raiseDispute(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	var req disputeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	t, err := s.escrowSvc.RaiseDispute(r.Context(), auth.User, transactionIDParam(r), req.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// mpesaCallback accepts the asynchronous gateway confirmation. Daraja
// expects ResultCode 0 in the acknowledgement regardless of outcome;
// repeated or unknown callbacks are acknowledged without effect.
func (s *Server) mpesaCallback(w http.ResponseWriter, r *http.Request) {
	result, err := daraja.ParseCallback(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if _, err := s.escrowSvc.HandleGatewayCallback(r.Context(), *result); err != nil {
		var invalidState *transaction.InvalidStateError
		if !errors.Is(err, transaction.ErrNotFound) && !errors.As(err, &invalidState) {
			respondDomainError(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}
