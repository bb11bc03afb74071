package transaction

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents the custody state of an escrow transaction.
type Status string

const (
	StatusAgreement      Status = "agreement"
	StatusPayment        Status = "payment"
	StatusTransfer       Status = "transfer"
	StatusInspection     Status = "inspection"
	StatusAwaitingPayout Status = "awaiting_admin_payout"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusDisputed       Status = "disputed"
	StatusExpired        Status = "expired"
)

// PaymentStatus tracks the money leg independently of Status.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentFunded     PaymentStatus = "funded"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
)

// AssetType classifies the traded asset.
type AssetType string

const (
	AssetDomain  AssetType = "domain"
	AssetWebsite AssetType = "website"
	AssetApp     AssetType = "app"
	AssetSaaS    AssetType = "saas business"
	AssetOther   AssetType = "other"
)

// Terms describes the settlement structure.
type Terms string

const (
	TermsSingle Terms = "single"
	TermsStaged Terms = "staged"
)

// DisputeStatus tracks the dispute sub-record lifecycle.
type DisputeStatus string

const (
	DisputeOpen      DisputeStatus = "open"
	DisputeResolved  DisputeStatus = "resolved"
	DisputeEscalated DisputeStatus = "escalated"
)

// PartySide names which side of the trade a party is on.
type PartySide string

const (
	SideBuyer  PartySide = "buyer"
	SideSeller PartySide = "seller"
)

// Party is one counterparty. A party is "claimed" once UserID is set and
// "pending" while it is referenced by contact details only. The upgrade is
// one-way: Claim never unbinds an already-claimed party.
type Party struct {
	UserID *uuid.UUID `json:"userId,omitempty"`
	Email  string     `json:"email,omitempty"`
	Phone  string     `json:"phone,omitempty"`
	Name   string     `json:"name,omitempty"`
}

func (p *Party) IsClaimed() bool {
	return p.UserID != nil
}

// Claim binds a pending party to a registered identity. Returns false if the
// party is already claimed; ownership never changes after bind.
func (p *Party) Claim(userID uuid.UUID, name, phone string) bool {
	if p.UserID != nil {
		return false
	}
	p.UserID = &userID
	if name != "" {
		p.Name = name
	}
	if phone != "" && p.Phone == "" {
		p.Phone = phone
	}
	return true
}

// MatchesContact reports whether the given email or phone identifies this
// party. Matching is case-insensitive on email.
func (p *Party) MatchesContact(email, phone string) bool {
	if email != "" && p.Email != "" && strings.EqualFold(email, p.Email) {
		return true
	}
	if phone != "" && p.Phone != "" && phone == p.Phone {
		return true
	}
	return false
}

// Dispute is the orthogonal dispute sub-record. While Raised is true and
// Status is open, every forward transition on the parent transaction is
// blocked until an admin resolves it.
type Dispute struct {
	Raised    bool          `json:"raised"`
	RaisedBy  PartySide     `json:"raisedBy,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Status    DisputeStatus `json:"status,omitempty"`
	CreatedAt *time.Time    `json:"createdAt,omitempty"`
}

func (d *Dispute) IsOpen() bool {
	return d != nil && d.Raised && d.Status == DisputeOpen
}

// TransferDetails records the seller's asset handover.
type TransferDetails struct {
	Method        string     `json:"method,omitempty"`
	RecipientInfo string     `json:"recipientInfo,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// PaymentDetails records the money leg.
type PaymentDetails struct {
	Method            string     `json:"method,omitempty"`
	Reference         string     `json:"reference,omitempty"`
	CheckoutRequestID string     `json:"checkoutRequestId,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	ReleasedAt        *time.Time `json:"releasedAt,omitempty"`
	DisbursedAt       *time.Time `json:"disbursedAt,omitempty"`
	DisbursedBy       string     `json:"disbursedBy,omitempty"`
}

// Transaction is the escrow aggregate root. It is created once, mutated in
// place through the guarded state machine, and never deleted.
type Transaction struct {
	ID            int64  `json:"-"`
	TransactionID string `json:"id"`
	InvoiceNumber string `json:"invoiceNumber"`

	Title       string    `json:"title"`
	Description string    `json:"description"`
	AssetType   AssetType `json:"assetType"`
	AssetTitle  string    `json:"assetTitle"`

	Amount    decimal.Decimal `json:"amount"`
	EscrowFee decimal.Decimal `json:"escrowFee"`
	Currency  string          `json:"currency"`

	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`

	Buyer  Party `json:"buyer"`
	Seller Party `json:"seller"`

	Terms               Terms      `json:"terms"`
	Deadline            time.Time  `json:"deadline"`
	InspectionPeriod    int        `json:"inspectionPeriod"`
	InspectionPeriodEnd *time.Time `json:"inspectionPeriodEnd,omitempty"`

	TransferDetails *TransferDetails `json:"transferDetails,omitempty"`
	PaymentDetails  *PaymentDetails  `json:"paymentDetails,omitempty"`
	Dispute         *Dispute         `json:"dispute,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// DefaultFeeRate is the fixed escrow fee rate applied once at creation.
var DefaultFeeRate = decimal.NewFromFloat(0.0025)

// DefaultInspectionDays is the inspection window when the creator does not
// choose one.
const DefaultInspectionDays = 3

// NewParams carries creation input after validation.
type NewParams struct {
	Title            string
	Description      string
	AssetType        AssetType
	AssetTitle       string
	Amount           decimal.Decimal
	Currency         string
	Terms            Terms
	Deadline         time.Time
	InspectionPeriod int
	FeeRate          decimal.Decimal
	Buyer            Party
	Seller           Party
	InvoiceNumber    string
}

// New builds a transaction in the agreement state. The escrow fee is
// computed here from the fee rate and never recomputed afterwards.
func New(p NewParams, now time.Time) *Transaction {
	rate := p.FeeRate
	if rate.IsZero() {
		rate = DefaultFeeRate
	}
	days := p.InspectionPeriod
	if days <= 0 {
		days = DefaultInspectionDays
	}
	currency := p.Currency
	if currency == "" {
		currency = "KES"
	}
	terms := p.Terms
	if terms == "" {
		terms = TermsSingle
	}
	return &Transaction{
		TransactionID:    NewTransactionID(now),
		InvoiceNumber:    p.InvoiceNumber,
		Title:            p.Title,
		Description:      p.Description,
		AssetType:        p.AssetType,
		AssetTitle:       p.AssetTitle,
		Amount:           p.Amount,
		EscrowFee:        p.Amount.Mul(rate).Round(0),
		Currency:         currency,
		Status:           StatusAgreement,
		PaymentStatus:    PaymentPending,
		Buyer:            p.Buyer,
		Seller:           p.Seller,
		Terms:            terms,
		Deadline:         p.Deadline,
		InspectionPeriod: days,
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}
}

// FormatInvoiceNumber renders an allocator sequence value as the
// zero-padded invoice number used for external reconciliation.
func FormatInvoiceNumber(seq int64) string {
	return fmt.Sprintf("%06d", seq)
}

// NewTransactionID generates the human-shareable transaction identifier:
// "ET" + unix millis + short random suffix. Unique enough, not
// sequence-ordered; strict ordering lives on the invoice counter.
func NewTransactionID(now time.Time) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	suffix := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	if len(suffix) > 5 {
		suffix = suffix[:5]
	}
	return "ET" + formatMillis(now.UnixMilli()) + suffix
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for ms > 0 {
		i--
		b[i] = byte(ms%10) + '0'
		ms /= 10
	}
	return string(b[i:])
}

// ValidStatus reports whether s is one of the defined custody states.
func ValidStatus(s Status) bool {
	switch s {
	case StatusAgreement, StatusPayment, StatusTransfer, StatusInspection,
		StatusAwaitingPayout, StatusCompleted, StatusCancelled, StatusDisputed,
		StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether the transaction is in a final resting state.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// CanTransitionTo validates the custody state graph.
func (t *Transaction) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusAgreement:      {StatusPayment, StatusCancelled, StatusExpired},
		StatusPayment:        {StatusTransfer, StatusExpired},
		StatusTransfer:       {StatusInspection},
		StatusInspection:     {StatusAwaitingPayout, StatusCompleted},
		StatusAwaitingPayout: {StatusCompleted},
		StatusCompleted:      {},
		StatusCancelled:      {},
		StatusDisputed:       {},
		StatusExpired:        {},
	}
	for _, s := range transitions[t.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// EnterInspection moves the transaction into inspection and stamps the
// inspection deadline exactly once. Re-entering inspection never resets it.
func (t *Transaction) EnterInspection(now time.Time) {
	t.Status = StatusInspection
	if t.InspectionPeriodEnd == nil {
		end := now.UTC().Add(time.Duration(t.InspectionPeriod) * 24 * time.Hour)
		t.InspectionPeriodEnd = &end
	}
}

// IsExpired reports whether the funding deadline has passed while the
// transaction is still waiting to be funded. Pure function of the record
// and the supplied clock; callers route the actual expiry through the
// guarded state machine.
func (t *Transaction) IsExpired(now time.Time) bool {
	if t.Status != StatusAgreement && t.Status != StatusPayment {
		return false
	}
	if t.Deadline.IsZero() {
		return false
	}
	return now.After(t.Deadline)
}

// RaiseDispute attaches an open dispute without moving Status.
func (t *Transaction) RaiseDispute(by PartySide, reason string, now time.Time) {
	created := now.UTC()
	t.Dispute = &Dispute{
		Raised:    true,
		RaisedBy:  by,
		Reason:    reason,
		Status:    DisputeOpen,
		CreatedAt: &created,
	}
}

// ResolveDispute closes an open dispute. Status is left where it was so the
// main path can resume.
func (t *Transaction) ResolveDispute() {
	if t.Dispute != nil {
		t.Dispute.Status = DisputeResolved
	}
}
