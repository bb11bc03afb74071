package transaction

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletSummary is the admin view of money currently held in escrow.
type WalletSummary struct {
	TotalInEscrow  decimal.Decimal `json:"totalInEscrow"`
	AwaitingPayout decimal.Decimal `json:"awaitingPayout"`
	TotalReleased  decimal.Decimal `json:"totalReleased"`
}

// Repository defines transaction persistence. UpdateStatus is the
// compare-and-swap entry point every transition goes through: the write
// commits only if the stored status still equals expected, otherwise the
// implementation returns ErrConflict and leaves the record untouched.
type Repository interface {
	Create(ctx context.Context, t *Transaction) error
	GetByTransactionID(ctx context.Context, transactionID string) (*Transaction, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*Transaction, error)
	ListByParty(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Transaction, error)
	ListExpirable(ctx context.Context, limit int) ([]*Transaction, error)

	// UpdateStatus persists t conditioned on the previously observed status.
	UpdateStatus(ctx context.Context, t *Transaction, expected Status) error
	// UpdateDispute persists only the dispute sub-record; the flag is
	// orthogonal to Status so no status condition applies.
	UpdateDispute(ctx context.Context, t *Transaction) error
	// ClaimParty binds pending parties matching the contact to the user,
	// returning the transactions that were upgraded.
	ClaimParty(ctx context.Context, userID uuid.UUID, name, email, phone string) ([]*Transaction, error)

	// NextInvoiceSeq atomically increments and returns the named invoice
	// counter. Increment and read are one indivisible operation.
	NextInvoiceSeq(ctx context.Context) (int64, error)

	// WalletSummary aggregates held, awaiting-payout, and released totals
	// for the admin console.
	WalletSummary(ctx context.Context) (*WalletSummary, error)
}
