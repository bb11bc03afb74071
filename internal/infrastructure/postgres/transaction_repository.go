package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pesalock/pesalock/internal/domain/transaction"
)

const txColumns = `
	id, transaction_id, invoice_number, title, description, asset_type, asset_title,
	amount::text, escrow_fee::text, currency, status, payment_status,
	buyer_user_id, buyer_email, buyer_phone, buyer_name,
	seller_user_id, seller_email, seller_phone, seller_name,
	terms, deadline, inspection_period, inspection_period_end,
	transfer_details, payment_details, dispute,
	created_at, updated_at, completed_at`

// TransactionRepository implements transaction.Repository on Postgres. The
// status column doubles as the optimistic-concurrency token: every
// transition update is conditioned on the status the caller observed.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

func (r *TransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	transferJSON, paymentJSON, disputeJSON, err := marshalSubDocs(t)
	if err != nil {
		return err
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO transactions
		(transaction_id, invoice_number, title, description, asset_type, asset_title,
		 amount, escrow_fee, currency, status, payment_status,
		 buyer_user_id, buyer_email, buyer_phone, buyer_name,
		 seller_user_id, seller_email, seller_phone, seller_name,
		 terms, deadline, inspection_period, inspection_period_end,
		 transfer_details, payment_details, dispute,
		 created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)
		RETURNING id
	`, t.TransactionID, t.InvoiceNumber, t.Title, t.Description, t.AssetType, t.AssetTitle,
		t.Amount.String(), t.EscrowFee.String(), t.Currency, t.Status, t.PaymentStatus,
		t.Buyer.UserID, t.Buyer.Email, t.Buyer.Phone, t.Buyer.Name,
		t.Seller.UserID, t.Seller.Email, t.Seller.Phone, t.Seller.Name,
		t.Terms, t.Deadline, t.InspectionPeriod, t.InspectionPeriodEnd,
		transferJSON, paymentJSON, disputeJSON,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	return row.Scan(&t.ID)
}

func (r *TransactionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*transaction.Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE transaction_id=$1`, transactionID)
	return scanTransaction(row)
}

func (r *TransactionRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*transaction.Transaction, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE payment_details->>'checkoutRequestId' = $1
	`, checkoutRequestID)
	return scanTransaction(row)
}

func (r *TransactionRepository) ListByParty(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*transaction.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE buyer_user_id=$1 OR seller_user_id=$1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *TransactionRepository) ListByStatus(ctx context.Context, status transaction.Status, limit, offset int) ([]*transaction.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status=$1
		ORDER BY updated_at DESC LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *TransactionRepository) ListExpirable(ctx context.Context, limit int) ([]*transaction.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status IN ('agreement','payment') AND deadline < NOW()
		ORDER BY deadline ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// UpdateStatus is the compare-and-swap transition write: it commits only if
// the stored status still equals expected. Zero rows affected means either
// the id is gone (ErrNotFound) or a concurrent transition won (ErrConflict).
func (r *TransactionRepository) UpdateStatus(ctx context.Context, t *transaction.Transaction, expected transaction.Status) error {
	transferJSON, paymentJSON, disputeJSON, err := marshalSubDocs(t)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions SET
			status=$1, payment_status=$2,
			inspection_period_end=$3,
			transfer_details=$4, payment_details=$5, dispute=$6,
			updated_at=$7, completed_at=$8
		WHERE transaction_id=$9 AND status=$10
	`, t.Status, t.PaymentStatus,
		t.InspectionPeriodEnd,
		transferJSON, paymentJSON, disputeJSON,
		t.UpdatedAt, t.CompletedAt,
		t.TransactionID, expected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if exists, err := r.exists(ctx, t.TransactionID); err != nil {
			return err
		} else if !exists {
			return transaction.ErrNotFound
		}
		return transaction.ErrConflict
	}
	return nil
}

// UpdateDispute writes only the dispute sub-record. The dispute flag is
// orthogonal to status, so no status condition applies here.
func (r *TransactionRepository) UpdateDispute(ctx context.Context, t *transaction.Transaction) error {
	disputeJSON, err := marshalJSON(t.Dispute)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions SET dispute=$1, updated_at=NOW() WHERE transaction_id=$2
	`, disputeJSON, t.TransactionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return transaction.ErrNotFound
	}
	return nil
}

// ClaimParty binds pending party slots whose contact matches to the user.
// The WHERE clauses only touch rows with a NULL user id, so the upgrade is
// one-way by construction. Each query also excludes rows where the user
// already holds the opposite slot: a transaction never has the same user
// on both sides.
func (r *TransactionRepository) ClaimParty(ctx context.Context, userID uuid.UUID, name, email, phone string) ([]*transaction.Transaction, error) {
	var claimed []*transaction.Transaction

	buyerRows, err := r.pool.Query(ctx, `
		UPDATE transactions SET
			buyer_user_id=$1, buyer_name=$2,
			buyer_phone=CASE WHEN buyer_phone='' THEN $3 ELSE buyer_phone END,
			updated_at=NOW()
		WHERE buyer_user_id IS NULL
		  AND seller_user_id IS DISTINCT FROM $1
		  AND ((buyer_email <> '' AND lower(buyer_email)=lower($4))
		    OR ($3 <> '' AND buyer_phone=$3))
		RETURNING `+txColumns+`
	`, userID, name, phone, email)
	if err != nil {
		return nil, err
	}
	txs, err := collectTransactions(buyerRows)
	if err != nil {
		return nil, err
	}
	claimed = append(claimed, txs...)

	sellerRows, err := r.pool.Query(ctx, `
		UPDATE transactions SET
			seller_user_id=$1, seller_name=$2,
			seller_phone=CASE WHEN seller_phone='' THEN $3 ELSE seller_phone END,
			updated_at=NOW()
		WHERE seller_user_id IS NULL
		  AND buyer_user_id IS DISTINCT FROM $1
		  AND ((seller_email <> '' AND lower(seller_email)=lower($4))
		    OR ($3 <> '' AND seller_phone=$3))
		RETURNING `+txColumns+`
	`, userID, name, phone, email)
	if err != nil {
		return nil, err
	}
	txs, err = collectTransactions(sellerRows)
	if err != nil {
		return nil, err
	}
	claimed = append(claimed, txs...)

	return claimed, nil
}

// NextInvoiceSeq atomically increments and returns the invoice counter in a
// single statement; there is no separate read to race against.
func (r *TransactionRepository) NextInvoiceSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO counters (name, seq) VALUES ('invoice', 1)
		ON CONFLICT (name) DO UPDATE SET seq = counters.seq + 1
		RETURNING seq
	`).Scan(&seq)
	return seq, err
}

func (r *TransactionRepository) WalletSummary(ctx context.Context) (*transaction.WalletSummary, error) {
	var inEscrow, awaiting, released string
	err := r.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE payment_status='completed'), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE status='awaiting_admin_payout'), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE status='completed' AND payment_details ? 'disbursedAt'), 0)::text
		FROM transactions
	`).Scan(&inEscrow, &awaiting, &released)
	if err != nil {
		return nil, err
	}
	summary := &transaction.WalletSummary{}
	if summary.TotalInEscrow, err = decimal.NewFromString(inEscrow); err != nil {
		return nil, err
	}
	if summary.AwaitingPayout, err = decimal.NewFromString(awaiting); err != nil {
		return nil, err
	}
	if summary.TotalReleased, err = decimal.NewFromString(released); err != nil {
		return nil, err
	}
	return summary, nil
}

func (r *TransactionRepository) exists(ctx context.Context, transactionID string) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM transactions WHERE transaction_id=$1`, transactionID).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func marshalSubDocs(t *transaction.Transaction) (transferJSON, paymentJSON, disputeJSON []byte, err error) {
	if transferJSON, err = marshalJSON(t.TransferDetails); err != nil {
		return
	}
	if paymentJSON, err = marshalJSON(t.PaymentDetails); err != nil {
		return
	}
	disputeJSON, err = marshalJSON(t.Dispute)
	return
}

func marshalJSON(v any) ([]byte, error) {
	switch val := v.(type) {
	case *transaction.TransferDetails:
		if val == nil {
			return nil, nil
		}
	case *transaction.PaymentDetails:
		if val == nil {
			return nil, nil
		}
	case *transaction.Dispute:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func collectTransactions(rows pgx.Rows) ([]*transaction.Transaction, error) {
	defer rows.Close()
	var out []*transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*transaction.Transaction, error) {
	var t transaction.Transaction
	var amount, escrowFee string
	var buyerID, sellerID *uuid.UUID
	var transferJSON, paymentJSON, disputeJSON []byte
	var deadline time.Time
	err := row.Scan(
		&t.ID, &t.TransactionID, &t.InvoiceNumber, &t.Title, &t.Description, &t.AssetType, &t.AssetTitle,
		&amount, &escrowFee, &t.Currency, &t.Status, &t.PaymentStatus,
		&buyerID, &t.Buyer.Email, &t.Buyer.Phone, &t.Buyer.Name,
		&sellerID, &t.Seller.Email, &t.Seller.Phone, &t.Seller.Name,
		&t.Terms, &deadline, &t.InspectionPeriod, &t.InspectionPeriodEnd,
		&transferJSON, &paymentJSON, &disputeJSON,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, transaction.ErrNotFound
		}
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if t.EscrowFee, err = decimal.NewFromString(escrowFee); err != nil {
		return nil, err
	}
	t.Buyer.UserID = buyerID
	t.Seller.UserID = sellerID
	t.Deadline = deadline
	if len(transferJSON) > 0 {
		t.TransferDetails = &transaction.TransferDetails{}
		if err := json.Unmarshal(transferJSON, t.TransferDetails); err != nil {
			return nil, err
		}
	}
	if len(paymentJSON) > 0 {
		t.PaymentDetails = &transaction.PaymentDetails{}
		if err := json.Unmarshal(paymentJSON, t.PaymentDetails); err != nil {
			return nil, err
		}
	}
	if len(disputeJSON) > 0 {
		t.Dispute = &transaction.Dispute{}
		if err := json.Unmarshal(disputeJSON, t.Dispute); err != nil {
			return nil, err
		}
	}
	return &t, nil
}
