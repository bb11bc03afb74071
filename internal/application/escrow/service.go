package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pesalock/pesalock/internal/domain/event"
	"github.com/pesalock/pesalock/internal/domain/payment"
	"github.com/pesalock/pesalock/internal/domain/transaction"
	"github.com/pesalock/pesalock/internal/domain/user"
)

// Service is the transaction state machine. Every mutation funnels through
// the access guard, the dispute gate, the status guard, and a conditional
// store update in that order; fan-out happens only after the store commits.
type Service struct {
	txRepo   transaction.Repository
	gateway  payment.Gateway
	bus      event.Bus
	feeRate  decimal.Decimal
	inspDays int
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService creates the escrow service.
func NewService(txRepo transaction.Repository, gateway payment.Gateway, bus event.Bus, feeRate decimal.Decimal, inspectionDays int, logger zerolog.Logger) *Service {
	if feeRate.IsZero() {
		feeRate = transaction.DefaultFeeRate
	}
	if inspectionDays <= 0 {
		inspectionDays = transaction.DefaultInspectionDays
	}
	return &Service{
		txRepo:   txRepo,
		gateway:  gateway,
		bus:      bus,
		feeRate:  feeRate,
		inspDays: inspectionDays,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("service", "escrow").Logger(),
	}
}

// SetClock overrides the service clock, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreateInput carries the creation request.
type CreateInput struct {
	Title             string
	Description       string
	AssetType         transaction.AssetType
	AssetTitle        string
	Amount            decimal.Decimal
	Currency          string
	Terms             transaction.Terms
	Deadline          time.Time
	InspectionPeriod  int
	Role              transaction.PartySide
	CounterpartyEmail string
	CounterpartyPhone string
}

// Create allocates identifiers and opens a transaction in the agreement
// state. The creator takes the side named in Role; the counterparty starts
// pending, referenced by contact only.
func (s *Service) Create(ctx context.Context, actor *user.User, in CreateInput) (*transaction.Transaction, error) {
	if err := validateCreate(actor, in); err != nil {
		return nil, err
	}

	seq, err := s.txRepo.NextInvoiceSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate invoice number: %w", err)
	}

	self := transaction.Party{
		UserID: &actor.UserID,
		Email:  actor.Email,
		Phone:  actor.Phone,
		Name:   actor.DisplayName(),
	}
	other := transaction.Party{
		Email: user.NormalizeEmail(in.CounterpartyEmail),
		Phone: in.CounterpartyPhone,
	}

	params := transaction.NewParams{
		Title:            in.Title,
		Description:      in.Description,
		AssetType:        in.AssetType,
		AssetTitle:       in.AssetTitle,
		Amount:           in.Amount,
		Currency:         in.Currency,
		Terms:            in.Terms,
		Deadline:         in.Deadline,
		InspectionPeriod: orDefault(in.InspectionPeriod, s.inspDays),
		FeeRate:          s.feeRate,
		InvoiceNumber:    transaction.FormatInvoiceNumber(seq),
	}
	if in.Role == transaction.SideSeller {
		other.Name = "Pending Buyer"
		params.Seller = self
		params.Buyer = other
	} else {
		other.Name = "Pending Seller"
		params.Buyer = self
		params.Seller = other
	}

	t := transaction.New(params, s.now())
	if err := s.txRepo.Create(ctx, t); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("transaction_id", t.TransactionID).
		Str("invoice_number", t.InvoiceNumber).
		Str("created_by", actor.UserID.String()).
		Msg("transaction created")

	s.notifyUser(actor.UserID, event.EventTransactionCreated, t, nil)
	return t, nil
}

// Get loads a transaction for a participant, applying lazy deadline expiry
// before returning it.
func (s *Service) Get(ctx context.Context, actor *user.User, transactionID string) (*transaction.Transaction, transaction.RoleFlags, error) {
	t, err := s.txRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, transaction.RoleFlags{}, err
	}
	roles := t.Roles(actor.UserID, actor.IsAdmin())
	if err := transaction.Authorize(transaction.ActionView, roles); err != nil {
		return nil, transaction.RoleFlags{}, err
	}
	if t.IsExpired(s.now()) {
		if expired, expireErr := s.expire(ctx, t); expireErr == nil {
			return expired, roles, nil
		}
		// A concurrent transition beat the lazy expiry; serve the re-read.
		if t, err = s.txRepo.GetByTransactionID(ctx, transactionID); err != nil {
			return nil, transaction.RoleFlags{}, err
		}
	}
	return t, roles, nil
}

// ListMine returns transactions where the actor is a claimed party.
func (s *Service) ListMine(ctx context.Context, actor *user.User, limit, offset int) ([]*transaction.Transaction, error) {
	return s.txRepo.ListByParty(ctx, actor.UserID, limit, offset)
}

// InitiatePayment asks the gateway to prompt the buyer, then advances
// agreement → payment. A gateway failure leaves the record untouched.
func (s *Service) InitiatePayment(ctx context.Context, actor *user.User, transactionID, method, phone string) (*transaction.Transaction, *payment.STKResult, error) {
	t, err := s.guarded(ctx, actor, transactionID, transaction.ActionFund, transaction.StatusAgreement)
	if err != nil {
		return nil, nil, err
	}

	if phone == "" {
		phone = actor.Phone
	}
	if phone == "" {
		return nil, nil, &transaction.ValidationError{Msg: "payer phone number is required"}
	}

	stk, err := s.gateway.InitiateSTKPush(ctx, payment.STKRequest{
		Phone:     phone,
		Amount:    t.Amount.Add(t.EscrowFee),
		Reference: "Escrow-" + t.TransactionID,
		Narrative: "Invoice Payment - " + t.InvoiceNumber,
	})
	if err != nil {
		return nil, nil, &transaction.UpstreamError{Op: "stk push", Err: err}
	}

	prev := t.Status
	now := s.now()
	t.Status = transaction.StatusPayment
	t.PaymentStatus = transaction.PaymentProcessing
	t.PaymentDetails = &transaction.PaymentDetails{
		Method:            method,
		Reference:         fmt.Sprintf("PAY-%d", now.UnixMilli()),
		CheckoutRequestID: stk.CheckoutRequestID,
	}
	if err := s.commit(ctx, t, prev); err != nil {
		return nil, nil, err
	}
	s.broadcastStatus(t, map[string]any{"paymentStatus": t.PaymentStatus})
	return t, stk, nil
}

// ConfirmPayment records a confirmed funding outcome and advances
// payment → transfer. Called by the buyer after an out-of-band
// confirmation, or by the gateway callback acting for the buyer.
func (s *Service) ConfirmPayment(ctx context.Context, actor *user.User, transactionID string) (*transaction.Transaction, error) {
	t, err := s.guarded(ctx, actor, transactionID, transaction.ActionConfirm, transaction.StatusPayment)
	if err != nil {
		return nil, err
	}
	return s.confirmFunded(ctx, t, "")
}

// HandleGatewayCallback maps the asynchronous gateway outcome onto the
// confirm-payment action. The callback acts on behalf of the buyer, so the
// access guard is bypassed but every other gate still applies.
func (s *Service) HandleGatewayCallback(ctx context.Context, result payment.CallbackResult) (*transaction.Transaction, error) {
	t, err := s.txRepo.GetByCheckoutRequestID(ctx, result.CheckoutRequestID)
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		prev := t.Status
		t.PaymentStatus = transaction.PaymentFailed
		if err := s.txRepo.UpdateStatus(ctx, t, prev); err != nil {
			return nil, err
		}
		s.publishRoom(t, event.EventPaymentUpdated, map[string]any{
			"paymentStatus": t.PaymentStatus,
			"resultDesc":    result.ResultDesc,
		})
		return t, nil
	}
	if err := transaction.CheckDispute(t); err != nil {
		return nil, err
	}
	if err := transaction.CheckStatus(t, transaction.StatusPayment); err != nil {
		return nil, err
	}
	return s.confirmFunded(ctx, t, result.Receipt)
}

// QueryPayment re-queries the gateway for an in-flight push whose callback
// has not arrived. A confirmed outcome advances the transaction exactly as
// the callback would; a pending one leaves it untouched.
func (s *Service) QueryPayment(ctx context.Context, actor *user.User, transactionID string) (*transaction.Transaction, payment.RequestStatus, error) {
	t, err := s.guarded(ctx, actor, transactionID, transaction.ActionConfirm, transaction.StatusPayment)
	if err != nil {
		return nil, "", err
	}
	if t.PaymentDetails == nil || t.PaymentDetails.CheckoutRequestID == "" {
		return nil, "", &transaction.InvalidStateError{Current: t.Status, Reason: "no payment request in flight"}
	}

	status, err := s.gateway.QueryStatus(ctx, t.PaymentDetails.CheckoutRequestID)
	if err != nil {
		return nil, "", &transaction.UpstreamError{Op: "stk query", Err: err}
	}

	switch status {
	case payment.RequestSucceeded:
		t, err = s.confirmFunded(ctx, t, "")
		return t, status, err
	case payment.RequestFailed:
		prev := t.Status
		t.PaymentStatus = transaction.PaymentFailed
		if err := s.txRepo.UpdateStatus(ctx, t, prev); err != nil {
			return nil, "", err
		}
		s.publishRoom(t, event.EventPaymentUpdated, map[string]any{"paymentStatus": t.PaymentStatus})
		return t, status, nil
	default:
		return t, status, nil
	}
}

func (s *Service) confirmFunded(ctx context.Context, t *transaction.Transaction, receipt string) (*transaction.Transaction, error) {
	prev := t.Status
	now := s.now()
	t.Status = transaction.StatusTransfer
	t.PaymentStatus = transaction.PaymentCompleted
	if t.PaymentDetails == nil {
		t.PaymentDetails = &transaction.PaymentDetails{}
	}
	t.PaymentDetails.CompletedAt = &now
	if receipt != "" {
		t.PaymentDetails.Reference = receipt
	}
	if err := s.commit(ctx, t, prev); err != nil {
		return nil, err
	}
	s.broadcastStatus(t, map[string]any{"paymentStatus": t.PaymentStatus})
	return t, nil
}

// TransferInput describes the seller's asset handover.
type TransferInput struct {
	Method        string
	RecipientInfo string
	Notes         string
}

// TransferAsset records the handover and advances transfer → inspection,
// stamping the inspection deadline on first entry only.
func (s *Service) TransferAsset(ctx context.Context, actor *user.User, transactionID string, in TransferInput) (*transaction.Transaction, error) {
	t, err := s.guarded(ctx, actor, transactionID, transaction.ActionTransfer, transaction.StatusTransfer)
	if err != nil {
		return nil, err
	}
	prev := t.Status
	now := s.now()
	t.TransferDetails = &transaction.TransferDetails{
		Method:        in.Method,
		RecipientInfo: in.RecipientInfo,
		Notes:         in.Notes,
		CompletedAt:   &now,
	}
	t.EnterInspection(now)
	if err := s.commit(ctx, t, prev); err != nil {
		return nil, err
	}
	s.broadcastStatus(t, map[string]any{"inspectionPeriodEnd": t.InspectionPeriodEnd})
	return t, nil
}

// ReleaseFunds is the buyer handing the money leg to the admin queue:
// inspection → awaiting_admin_payout.
func (s *Service) ReleaseFunds(ctx context.Context, actor *user.User, transactionID string) (*transaction.Transaction, error) {
	t, err := s.guarded(ctx, actor, transactionID, transaction.ActionAccept, transaction.StatusInspection)
	if err != nil {
		return nil, err
	}
	prev := t.Status
	now := s.now()
	t.Status = transaction.StatusAwaitingPayout
	if t.PaymentDetails == nil {
		t.PaymentDetails = &transaction.PaymentDetails{}
	}
	t.PaymentDetails.ReleasedAt = &now
	if err := s.commit(ctx, t, prev); err != nil {
		return nil, err
	}
	s.broadcastStatus(t, nil)
	return t, nil
}

// AcceptAsset is the buyer closing the trade directly: inspection → completed.
func (s *Service) AcceptAsset(ctx context.Context, actor *user.User, transactionID string) (*transaction.Transaction, error) {
	t, err := s.guarded(ctx, actor, transactionID, transaction.ActionAccept, transaction.StatusInspection)
	if err != nil {
		return nil, err
	}
	prev := t.Status
	now := s.now()
	t.Status = transaction.StatusCompleted
	t.CompletedAt = &now
	if err := s.commit(ctx, t, prev); err != nil {
		return nil, err
	}
	s.broadcastStatus(t, nil)
	return t, nil
}

// Cancel ends the transaction before funding. Allowed to either party while
// still in agreement.
func (s *Service) Cancel(ctx context.Context, actor *user.User, transactionID string) (*transaction.Transaction, error) {
	t, err := s.guarded(ctx, actor, transactionID, transaction.ActionCancel, transaction.StatusAgreement)
	if err != nil {
		return nil, err
	}
	prev := t.Status
	t.Status = transaction.StatusCancelled
	t.PaymentStatus = transaction.PaymentCancelled
	if err := s.commit(ctx, t, prev); err != nil {
		return nil, err
	}
	s.broadcastStatus(t, nil)
	return t, nil
}

// RaiseDispute attaches an open dispute without moving Status. Any further
// forward transition is blocked until an admin resolves it.
func (s *Service) RaiseDispute(ctx context.Context, actor *user.User, transactionID, reason string) (*transaction.Transaction, error) {
	if reason == "" {
		return nil, &transaction.ValidationError{Msg: "dispute reason is required"}
	}
	t, err := s.txRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	roles := t.Roles(actor.UserID, actor.IsAdmin())
	if err := transaction.Authorize(transaction.ActionDispute, roles); err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, &transaction.InvalidStateError{Current: t.Status}
	}
	if t.Dispute.IsOpen() {
		return nil, &transaction.InvalidStateError{Current: t.Status, Reason: "dispute already open"}
	}
	t.RaiseDispute(roles.Side(), reason, s.now())
	if err := s.txRepo.UpdateDispute(ctx, t); err != nil {
		return nil, err
	}
	s.publishRoom(t, event.EventDisputeRaised, map[string]any{"dispute": t.Dispute})
	s.notifyParties(t, event.EventDisputeRaised, map[string]any{"dispute": t.Dispute})
	return t, nil
}

// ResolveDispute closes an open dispute so the main path can resume. Admin
// only; the one action exempt from the dispute gate.
func (s *Service) ResolveDispute(ctx context.Context, actor *user.User, transactionID string) (*transaction.Transaction, error) {
	t, err := s.txRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	roles := t.Roles(actor.UserID, actor.IsAdmin())
	if err := transaction.Authorize(transaction.ActionResolve, roles); err != nil {
		return nil, err
	}
	if !t.Dispute.IsOpen() {
		return nil, &transaction.InvalidStateError{Current: t.Status, Reason: "no open dispute"}
	}
	t.ResolveDispute()
	if err := s.txRepo.UpdateDispute(ctx, t); err != nil {
		return nil, err
	}
	s.publishRoom(t, event.EventDisputeResolved, map[string]any{"dispute": t.Dispute})
	s.notifyParties(t, event.EventDisputeResolved, map[string]any{"dispute": t.Dispute})
	return t, nil
}

// Disburse is the admin paying the seller out: awaiting_admin_payout →
// completed.
func (s *Service) Disburse(ctx context.Context, actor *user.User, transactionID string) (*transaction.Transaction, error) {
	t, err := s.guarded(ctx, actor, transactionID, transaction.ActionDisburse, transaction.StatusAwaitingPayout)
	if err != nil {
		return nil, err
	}
	prev := t.Status
	now := s.now()
	t.Status = transaction.StatusCompleted
	t.CompletedAt = &now
	if t.PaymentDetails == nil {
		t.PaymentDetails = &transaction.PaymentDetails{}
	}
	t.PaymentDetails.DisbursedAt = &now
	t.PaymentDetails.DisbursedBy = actor.UserID.String()
	if err := s.commit(ctx, t, prev); err != nil {
		return nil, err
	}
	s.broadcastStatus(t, map[string]any{"disbursedBy": t.PaymentDetails.DisbursedBy})
	return t, nil
}

// ListAwaitingPayout returns the admin payout queue.
func (s *Service) ListAwaitingPayout(ctx context.Context, limit, offset int) ([]*transaction.Transaction, error) {
	return s.txRepo.ListByStatus(ctx, transaction.StatusAwaitingPayout, limit, offset)
}

// WalletSummary aggregates the money currently held.
func (s *Service) WalletSummary(ctx context.Context) (*transaction.WalletSummary, error) {
	return s.txRepo.WalletSummary(ctx)
}

// ExpireOverdue is the periodic sweep companion to lazy expiry. Each
// overdue transaction goes through the same guarded expiry transition;
// conflicts are skipped, not retried.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	candidates, err := s.txRepo.ListExpirable(ctx, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, t := range candidates {
		if !t.IsExpired(s.now()) {
			continue
		}
		if _, err := s.expire(ctx, t); err != nil {
			s.logger.Warn().Err(err).Str("transaction_id", t.TransactionID).Msg("expiry sweep skipped transaction")
			continue
		}
		expired++
	}
	return expired, nil
}

// expire performs the deadline-driven transition to expired. Time-triggered,
// so there is no access guard, but the status guard and the conditional
// update still apply.
func (s *Service) expire(ctx context.Context, t *transaction.Transaction) (*transaction.Transaction, error) {
	if err := transaction.CheckStatus(t, transaction.StatusAgreement, transaction.StatusPayment); err != nil {
		return nil, err
	}
	prev := t.Status
	t.Status = transaction.StatusExpired
	t.PaymentStatus = transaction.PaymentCancelled
	if err := s.commit(ctx, t, prev); err != nil {
		return nil, err
	}
	s.broadcastStatus(t, map[string]any{"reason": "funding deadline passed"})
	return t, nil
}

// guarded runs the full gate sequence for a forward transition: load, access
// guard, dispute gate, status guard.
func (s *Service) guarded(ctx context.Context, actor *user.User, transactionID string, action transaction.Action, allowed ...transaction.Status) (*transaction.Transaction, error) {
	t, err := s.txRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	roles := t.Roles(actor.UserID, actor.IsAdmin())
	if err := transaction.Authorize(action, roles); err != nil {
		return nil, err
	}
	if err := transaction.CheckDispute(t); err != nil {
		return nil, err
	}
	if err := transaction.CheckStatus(t, allowed...); err != nil {
		return nil, err
	}
	return t, nil
}

// commit persists the transition conditioned on the status observed at
// guard time. The pre-transition graph is validated here as a final
// invariant check.
func (s *Service) commit(ctx context.Context, t *transaction.Transaction, prev transaction.Status) error {
	if !transaction.ValidStatus(t.Status) {
		return fmt.Errorf("invalid target status %q", t.Status)
	}
	t.UpdatedAt = s.now()
	if err := s.txRepo.UpdateStatus(ctx, t, prev); err != nil {
		return err
	}
	s.logger.Info().
		Str("transaction_id", t.TransactionID).
		Str("from", string(prev)).
		Str("to", string(t.Status)).
		Msg("transaction transitioned")
	return nil
}

// broadcastStatus publishes a state change to the transaction room and both
// participants' personal channels. Fire-and-forget: a failed or dropped
// delivery never affects the committed transition.
func (s *Service) broadcastStatus(t *transaction.Transaction, extra map[string]any) {
	data := map[string]any{
		"transactionId": t.TransactionID,
		"status":        t.Status,
		"timestamp":     s.now(),
	}
	for k, v := range extra {
		data[k] = v
	}
	s.publishRoomRaw(t, event.EventStatusChanged, data)
	s.notifyParties(t, event.EventStatusChanged, data)
}

func (s *Service) publishRoom(t *transaction.Transaction, name string, extra map[string]any) {
	data := map[string]any{
		"transactionId": t.TransactionID,
		"status":        t.Status,
		"timestamp":     s.now(),
	}
	for k, v := range extra {
		data[k] = v
	}
	s.publishRoomRaw(t, name, data)
}

func (s *Service) publishRoomRaw(t *transaction.Transaction, name string, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal event payload")
		return
	}
	s.bus.Publish(event.TransactionRoom(t.TransactionID), event.NewMessage(name, payload))
}

func (s *Service) notifyParties(t *transaction.Transaction, name string, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	if t.Buyer.UserID != nil {
		s.bus.PublishToUser(*t.Buyer.UserID, event.NewMessage(name, payload))
	}
	if t.Seller.UserID != nil {
		s.bus.PublishToUser(*t.Seller.UserID, event.NewMessage(name, payload))
	}
}

func (s *Service) notifyUser(userID uuid.UUID, name string, t *transaction.Transaction, extra map[string]any) {
	data := map[string]any{
		"transactionId": t.TransactionID,
		"status":        t.Status,
		"invoiceNumber": t.InvoiceNumber,
	}
	for k, v := range extra {
		data[k] = v
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	s.bus.PublishToUser(userID, event.NewMessage(name, payload))
}

func validateCreate(actor *user.User, in CreateInput) error {
	switch {
	case in.Title == "":
		return &transaction.ValidationError{Msg: "title is required"}
	case in.AssetTitle == "":
		return &transaction.ValidationError{Msg: "asset title is required"}
	case !in.Amount.IsPositive():
		return &transaction.ValidationError{Msg: "amount must be positive"}
	case in.Deadline.IsZero():
		return &transaction.ValidationError{Msg: "deadline is required"}
	case in.Role != transaction.SideBuyer && in.Role != transaction.SideSeller:
		return &transaction.ValidationError{Msg: "role must be buyer or seller"}
	case in.CounterpartyEmail == "":
		return &transaction.ValidationError{Msg: "counterparty email is required"}
	}
	switch in.AssetType {
	case transaction.AssetDomain, transaction.AssetWebsite, transaction.AssetApp,
		transaction.AssetSaaS, transaction.AssetOther:
	default:
		return &transaction.ValidationError{Msg: "invalid asset type"}
	}
	email := user.NormalizeEmail(in.CounterpartyEmail)
	if err := user.ValidateEmail(email); err != nil {
		return &transaction.ValidationError{Msg: err.Error()}
	}
	// The same user must never hold both sides of a transaction, so the
	// counterparty contact may not resolve to the creator.
	if email == user.NormalizeEmail(actor.Email) ||
		(in.CounterpartyPhone != "" && in.CounterpartyPhone == actor.Phone) {
		return &transaction.ValidationError{Msg: "counterparty must be a different user"}
	}
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
