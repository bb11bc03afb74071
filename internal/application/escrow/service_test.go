package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	eventMocks "github.com/pesalock/pesalock/internal/domain/event/mocks"
	"github.com/pesalock/pesalock/internal/domain/payment"
	paymentMocks "github.com/pesalock/pesalock/internal/domain/payment/mocks"
	"github.com/pesalock/pesalock/internal/domain/transaction"
	txMocks "github.com/pesalock/pesalock/internal/domain/transaction/mocks"
	domainUser "github.com/pesalock/pesalock/internal/domain/user"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctrl    *gomock.Controller
	txRepo  *txMocks.MockRepository
	gateway *paymentMocks.MockGateway
	bus     *eventMocks.MockBus
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	f := &fixture{
		ctrl:    ctrl,
		txRepo:  txMocks.NewMockRepository(ctrl),
		gateway: paymentMocks.NewMockGateway(ctrl),
		bus:     eventMocks.NewMockBus(ctrl),
	}
	f.svc = NewService(f.txRepo, f.gateway, f.bus, decimal.NewFromFloat(0.0025), 3, zerolog.Nop())
	f.svc.SetClock(func() time.Time { return testNow })
	// Fan-out is fire-and-forget; tests assert state, not delivery counts.
	f.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).AnyTimes()
	f.bus.EXPECT().PublishToUser(gomock.Any(), gomock.Any()).AnyTimes()
	return f
}

func testUser(role domainUser.Role) *domainUser.User {
	return &domainUser.User{
		UserID:    uuid.New(),
		Email:     "buyer@example.com",
		FirstName: "Jane",
		LastName:  "Wanjiku",
		Phone:     "254712345678",
		Role:      role,
		Status:    domainUser.StatusActive,
	}
}

func openTransaction(status transaction.Status, buyer, seller *domainUser.User) *transaction.Transaction {
	t := transaction.New(transaction.NewParams{
		Title:         "example.co.ke sale",
		AssetType:     transaction.AssetDomain,
		AssetTitle:    "example.co.ke",
		Amount:        decimal.NewFromInt(100000),
		Deadline:      testNow.Add(72 * time.Hour),
		InvoiceNumber: "000042",
	}, testNow)
	t.Status = status
	if buyer != nil {
		t.Buyer = transaction.Party{UserID: &buyer.UserID, Email: buyer.Email, Phone: buyer.Phone, Name: buyer.DisplayName()}
	}
	if seller != nil {
		t.Seller = transaction.Party{UserID: &seller.UserID, Email: seller.Email, Name: seller.DisplayName()}
	}
	return t
}

func TestService_Create(t *testing.T) {
	t.Run("allocates invoice and opens in agreement", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)

		f.txRepo.EXPECT().NextInvoiceSeq(gomock.Any()).Return(int64(7), nil)
		f.txRepo.EXPECT().
			Create(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction) error {
				assert.Equal(t, transaction.StatusAgreement, tx.Status)
				assert.Equal(t, transaction.PaymentPending, tx.PaymentStatus)
				assert.Equal(t, "000007", tx.InvoiceNumber)
				assert.True(t, decimal.NewFromInt(250).Equal(tx.EscrowFee))
				assert.Equal(t, &buyer.UserID, tx.Buyer.UserID)
				assert.Nil(t, tx.Seller.UserID)
				assert.Equal(t, "Pending Seller", tx.Seller.Name)
				assert.Equal(t, "seller@example.com", tx.Seller.Email)
				return nil
			})

		tx, err := f.svc.Create(context.Background(), buyer, CreateInput{
			Title:             "example.co.ke sale",
			AssetType:         transaction.AssetDomain,
			AssetTitle:        "example.co.ke",
			Amount:            decimal.NewFromInt(100000),
			Deadline:          testNow.Add(72 * time.Hour),
			Role:              transaction.SideBuyer,
			CounterpartyEmail: "Seller@Example.com",
		})
		require.NoError(t, err)
		require.NotNil(t, tx)
		assert.NotEmpty(t, tx.TransactionID)
	})

	t.Run("creator as seller takes the seller slot", func(t *testing.T) {
		f := newFixture(t)
		seller := testUser(domainUser.RoleSeller)

		f.txRepo.EXPECT().NextInvoiceSeq(gomock.Any()).Return(int64(8), nil)
		f.txRepo.EXPECT().
			Create(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction) error {
				assert.Equal(t, &seller.UserID, tx.Seller.UserID)
				assert.Nil(t, tx.Buyer.UserID)
				assert.Equal(t, "Pending Buyer", tx.Buyer.Name)
				return nil
			})

		_, err := f.svc.Create(context.Background(), seller, CreateInput{
			Title:             "SaaS handover",
			AssetType:         transaction.AssetSaaS,
			AssetTitle:        "acme-crm",
			Amount:            decimal.NewFromInt(5000),
			Deadline:          testNow.Add(24 * time.Hour),
			Role:              transaction.SideSeller,
			CounterpartyEmail: "counterparty@example.com",
		})
		require.NoError(t, err)
	})

	t.Run("rejects a counterparty matching the creator's own contact", func(t *testing.T) {
		f := newFixture(t)
		seller := testUser(domainUser.RoleSeller)

		// Same email, different casing.
		_, err := f.svc.Create(context.Background(), seller, CreateInput{
			Title:             "example.co.ke sale",
			AssetType:         transaction.AssetDomain,
			AssetTitle:        "example.co.ke",
			Amount:            decimal.NewFromInt(100000),
			Deadline:          testNow.Add(72 * time.Hour),
			Role:              transaction.SideSeller,
			CounterpartyEmail: "Buyer@Example.COM",
		})
		var validation *transaction.ValidationError
		require.ErrorAs(t, err, &validation)

		// Different email but the creator's own phone.
		_, err = f.svc.Create(context.Background(), seller, CreateInput{
			Title:             "example.co.ke sale",
			AssetType:         transaction.AssetDomain,
			AssetTitle:        "example.co.ke",
			Amount:            decimal.NewFromInt(100000),
			Deadline:          testNow.Add(72 * time.Hour),
			Role:              transaction.SideSeller,
			CounterpartyEmail: "other@example.com",
			CounterpartyPhone: seller.Phone,
		})
		require.ErrorAs(t, err, &validation)
	})

	t.Run("rejects invalid input before touching the store", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)

		cases := []CreateInput{
			{AssetType: transaction.AssetDomain, AssetTitle: "x", Amount: decimal.NewFromInt(1), Deadline: testNow, Role: transaction.SideBuyer, CounterpartyEmail: "a@b.co"},
			{Title: "t", AssetType: transaction.AssetDomain, AssetTitle: "x", Amount: decimal.NewFromInt(-5), Deadline: testNow, Role: transaction.SideBuyer, CounterpartyEmail: "a@b.co"},
			{Title: "t", AssetType: "livestock", AssetTitle: "x", Amount: decimal.NewFromInt(1), Deadline: testNow, Role: transaction.SideBuyer, CounterpartyEmail: "a@b.co"},
			{Title: "t", AssetType: transaction.AssetDomain, AssetTitle: "x", Amount: decimal.NewFromInt(1), Deadline: testNow, Role: "broker", CounterpartyEmail: "a@b.co"},
			{Title: "t", AssetType: transaction.AssetDomain, AssetTitle: "x", Amount: decimal.NewFromInt(1), Deadline: testNow, Role: transaction.SideBuyer},
		}
		for _, in := range cases {
			_, err := f.svc.Create(context.Background(), buyer, in)
			var validation *transaction.ValidationError
			assert.ErrorAs(t, err, &validation)
		}
	})
}

func TestService_InitiatePayment(t *testing.T) {
	t.Run("advances agreement to payment after gateway accepts", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusAgreement, buyer, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.gateway.EXPECT().
			InitiateSTKPush(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req payment.STKRequest) (*payment.STKResult, error) {
				assert.Equal(t, "254712345678", req.Phone)
				assert.True(t, decimal.NewFromInt(100250).Equal(req.Amount))
				return &payment.STKResult{MerchantRequestID: "mr-1", CheckoutRequestID: "ws_CO_123"}, nil
			})
		f.txRepo.EXPECT().
			UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusAgreement).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction, _ transaction.Status) error {
				assert.Equal(t, transaction.StatusPayment, tx.Status)
				assert.Equal(t, transaction.PaymentProcessing, tx.PaymentStatus)
				require.NotNil(t, tx.PaymentDetails)
				assert.Equal(t, "ws_CO_123", tx.PaymentDetails.CheckoutRequestID)
				return nil
			})

		got, stk, err := f.svc.InitiatePayment(context.Background(), buyer, tx.TransactionID, "mpesa", "")
		require.NoError(t, err)
		assert.Equal(t, "ws_CO_123", stk.CheckoutRequestID)
		assert.Equal(t, transaction.StatusPayment, got.Status)
	})

	t.Run("gateway failure leaves the record untouched", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusAgreement, buyer, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.gateway.EXPECT().InitiateSTKPush(gomock.Any(), gomock.Any()).Return(nil, errors.New("timeout"))

		_, _, err := f.svc.InitiatePayment(context.Background(), buyer, tx.TransactionID, "mpesa", "")
		var upstream *transaction.UpstreamError
		require.ErrorAs(t, err, &upstream)
	})

	t.Run("seller cannot fund", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		seller := testUser(domainUser.RoleSeller)
		tx := openTransaction(transaction.StatusAgreement, buyer, seller)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

		_, _, err := f.svc.InitiatePayment(context.Background(), seller, tx.TransactionID, "mpesa", "254700000000")
		assert.ErrorIs(t, err, transaction.ErrForbidden)
	})

	t.Run("rejected outside agreement", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusTransfer, buyer, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

		_, _, err := f.svc.InitiatePayment(context.Background(), buyer, tx.TransactionID, "mpesa", "")
		var invalidState *transaction.InvalidStateError
		require.ErrorAs(t, err, &invalidState)
		assert.Equal(t, transaction.StatusTransfer, invalidState.Current)
	})

	t.Run("concurrent transition surfaces as conflict", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusAgreement, buyer, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.gateway.EXPECT().InitiateSTKPush(gomock.Any(), gomock.Any()).
			Return(&payment.STKResult{CheckoutRequestID: "ws_CO_9"}, nil)
		f.txRepo.EXPECT().UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusAgreement).
			Return(transaction.ErrConflict)

		_, _, err := f.svc.InitiatePayment(context.Background(), buyer, tx.TransactionID, "mpesa", "")
		assert.ErrorIs(t, err, transaction.ErrConflict)
	})
}

func TestService_HandleGatewayCallback(t *testing.T) {
	t.Run("successful callback confirms funding", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusPayment, buyer, nil)
		tx.PaymentDetails = &transaction.PaymentDetails{Method: "mpesa", CheckoutRequestID: "ws_CO_123"}

		f.txRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_123").Return(tx, nil)
		f.txRepo.EXPECT().
			UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusPayment).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction, _ transaction.Status) error {
				assert.Equal(t, transaction.StatusTransfer, tx.Status)
				assert.Equal(t, transaction.PaymentCompleted, tx.PaymentStatus)
				assert.Equal(t, "SBC1XYZ", tx.PaymentDetails.Reference)
				require.NotNil(t, tx.PaymentDetails.CompletedAt)
				return nil
			})

		got, err := f.svc.HandleGatewayCallback(context.Background(), payment.CallbackResult{
			CheckoutRequestID: "ws_CO_123",
			ResultCode:        0,
			Receipt:           "SBC1XYZ",
		})
		require.NoError(t, err)
		assert.Equal(t, transaction.StatusTransfer, got.Status)
	})

	t.Run("failed callback marks payment failed without advancing", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusPayment, buyer, nil)
		tx.PaymentDetails = &transaction.PaymentDetails{CheckoutRequestID: "ws_CO_123"}

		f.txRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_123").Return(tx, nil)
		f.txRepo.EXPECT().
			UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusPayment).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction, _ transaction.Status) error {
				assert.Equal(t, transaction.StatusPayment, tx.Status)
				assert.Equal(t, transaction.PaymentFailed, tx.PaymentStatus)
				return nil
			})

		got, err := f.svc.HandleGatewayCallback(context.Background(), payment.CallbackResult{
			CheckoutRequestID: "ws_CO_123",
			ResultCode:        1032,
			ResultDesc:        "Request cancelled by user",
		})
		require.NoError(t, err)
		assert.Equal(t, transaction.StatusPayment, got.Status)
	})

	t.Run("stale callback after transition is rejected by the status guard", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusTransfer, buyer, nil)
		tx.PaymentDetails = &transaction.PaymentDetails{CheckoutRequestID: "ws_CO_123"}

		f.txRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_123").Return(tx, nil)

		_, err := f.svc.HandleGatewayCallback(context.Background(), payment.CallbackResult{
			CheckoutRequestID: "ws_CO_123",
			ResultCode:        0,
		})
		var invalidState *transaction.InvalidStateError
		assert.ErrorAs(t, err, &invalidState)
	})
}

func TestService_QueryPayment(t *testing.T) {
	t.Run("confirmed outcome advances like the callback", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusPayment, buyer, nil)
		tx.PaymentDetails = &transaction.PaymentDetails{Method: "mpesa", CheckoutRequestID: "ws_CO_123"}

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.gateway.EXPECT().QueryStatus(gomock.Any(), "ws_CO_123").Return(payment.RequestSucceeded, nil)
		f.txRepo.EXPECT().
			UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusPayment).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction, _ transaction.Status) error {
				assert.Equal(t, transaction.StatusTransfer, tx.Status)
				assert.Equal(t, transaction.PaymentCompleted, tx.PaymentStatus)
				return nil
			})

		got, status, err := f.svc.QueryPayment(context.Background(), buyer, tx.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, payment.RequestSucceeded, status)
		assert.Equal(t, transaction.StatusTransfer, got.Status)
	})

	t.Run("pending outcome leaves the record untouched", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusPayment, buyer, nil)
		tx.PaymentStatus = transaction.PaymentProcessing
		tx.PaymentDetails = &transaction.PaymentDetails{CheckoutRequestID: "ws_CO_123"}

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.gateway.EXPECT().QueryStatus(gomock.Any(), "ws_CO_123").Return(payment.RequestPending, nil)

		got, status, err := f.svc.QueryPayment(context.Background(), buyer, tx.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, payment.RequestPending, status)
		assert.Equal(t, transaction.StatusPayment, got.Status)
		assert.Equal(t, transaction.PaymentProcessing, got.PaymentStatus)
	})

	t.Run("failed outcome marks the payment failed without advancing", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusPayment, buyer, nil)
		tx.PaymentDetails = &transaction.PaymentDetails{CheckoutRequestID: "ws_CO_123"}

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.gateway.EXPECT().QueryStatus(gomock.Any(), "ws_CO_123").Return(payment.RequestFailed, nil)
		f.txRepo.EXPECT().
			UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusPayment).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction, _ transaction.Status) error {
				assert.Equal(t, transaction.StatusPayment, tx.Status)
				assert.Equal(t, transaction.PaymentFailed, tx.PaymentStatus)
				return nil
			})

		got, status, err := f.svc.QueryPayment(context.Background(), buyer, tx.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, payment.RequestFailed, status)
		assert.Equal(t, transaction.StatusPayment, got.Status)
	})

	t.Run("rejected without an in-flight request", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusPayment, buyer, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

		_, _, err := f.svc.QueryPayment(context.Background(), buyer, tx.TransactionID)
		var invalidState *transaction.InvalidStateError
		require.ErrorAs(t, err, &invalidState)
		assert.Equal(t, "no payment request in flight", invalidState.Reason)
	})

	t.Run("seller cannot query the buyer's payment", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		seller := testUser(domainUser.RoleSeller)
		tx := openTransaction(transaction.StatusPayment, buyer, seller)
		tx.PaymentDetails = &transaction.PaymentDetails{CheckoutRequestID: "ws_CO_123"}

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

		_, _, err := f.svc.QueryPayment(context.Background(), seller, tx.TransactionID)
		assert.ErrorIs(t, err, transaction.ErrForbidden)
	})

	t.Run("gateway failure surfaces as upstream error", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusPayment, buyer, nil)
		tx.PaymentDetails = &transaction.PaymentDetails{CheckoutRequestID: "ws_CO_123"}

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.gateway.EXPECT().QueryStatus(gomock.Any(), "ws_CO_123").Return(payment.RequestPending, errors.New("timeout"))

		_, _, err := f.svc.QueryPayment(context.Background(), buyer, tx.TransactionID)
		var upstream *transaction.UpstreamError
		require.ErrorAs(t, err, &upstream)
	})
}

func TestService_TransferAsset(t *testing.T) {
	t.Run("stamps inspection window on first entry", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		seller := testUser(domainUser.RoleSeller)
		tx := openTransaction(transaction.StatusTransfer, buyer, seller)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.txRepo.EXPECT().
			UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusTransfer).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction, _ transaction.Status) error {
				assert.Equal(t, transaction.StatusInspection, tx.Status)
				require.NotNil(t, tx.InspectionPeriodEnd)
				assert.Equal(t, testNow.Add(3*24*time.Hour), *tx.InspectionPeriodEnd)
				require.NotNil(t, tx.TransferDetails)
				assert.Equal(t, "registrar push", tx.TransferDetails.Method)
				return nil
			})

		_, err := f.svc.TransferAsset(context.Background(), seller, tx.TransactionID, TransferInput{Method: "registrar push"})
		require.NoError(t, err)
	})

	t.Run("buyer cannot transfer", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		seller := testUser(domainUser.RoleSeller)
		tx := openTransaction(transaction.StatusTransfer, buyer, seller)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

		_, err := f.svc.TransferAsset(context.Background(), buyer, tx.TransactionID, TransferInput{Method: "x"})
		assert.ErrorIs(t, err, transaction.ErrForbidden)
	})

	t.Run("blocked while a dispute is open", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		seller := testUser(domainUser.RoleSeller)
		tx := openTransaction(transaction.StatusTransfer, buyer, seller)
		tx.RaiseDispute(transaction.SideBuyer, "asset not as described", testNow)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

		_, err := f.svc.TransferAsset(context.Background(), seller, tx.TransactionID, TransferInput{Method: "x"})
		var invalidState *transaction.InvalidStateError
		require.ErrorAs(t, err, &invalidState)
		assert.Equal(t, "dispute open", invalidState.Reason)
	})
}

func TestService_InspectionOutcomes(t *testing.T) {
	t.Run("release funds queues admin payout", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusInspection, buyer, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.txRepo.EXPECT().
			UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusInspection).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction, _ transaction.Status) error {
				assert.Equal(t, transaction.StatusAwaitingPayout, tx.Status)
				require.NotNil(t, tx.PaymentDetails)
				assert.NotNil(t, tx.PaymentDetails.ReleasedAt)
				return nil
			})

		_, err := f.svc.ReleaseFunds(context.Background(), buyer, tx.TransactionID)
		require.NoError(t, err)
	})

	t.Run("accept asset completes directly", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusInspection, buyer, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.txRepo.EXPECT().
			UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusInspection).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction, _ transaction.Status) error {
				assert.Equal(t, transaction.StatusCompleted, tx.Status)
				assert.NotNil(t, tx.CompletedAt)
				return nil
			})

		_, err := f.svc.AcceptAsset(context.Background(), buyer, tx.TransactionID)
		require.NoError(t, err)
	})
}

func TestService_Cancel(t *testing.T) {
	t.Run("either party may cancel in agreement", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		seller := testUser(domainUser.RoleSeller)
		tx := openTransaction(transaction.StatusAgreement, buyer, seller)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.txRepo.EXPECT().
			UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusAgreement).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction, _ transaction.Status) error {
				assert.Equal(t, transaction.StatusCancelled, tx.Status)
				assert.Equal(t, transaction.PaymentCancelled, tx.PaymentStatus)
				return nil
			})

		_, err := f.svc.Cancel(context.Background(), seller, tx.TransactionID)
		require.NoError(t, err)
	})

	t.Run("cancel rejected once funded", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusTransfer, buyer, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

		_, err := f.svc.Cancel(context.Background(), buyer, tx.TransactionID)
		var invalidState *transaction.InvalidStateError
		assert.ErrorAs(t, err, &invalidState)
	})
}

func TestService_Disputes(t *testing.T) {
	t.Run("raise attaches an open dispute without moving status", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusInspection, buyer, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.txRepo.EXPECT().
			UpdateDispute(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction) error {
				require.NotNil(t, tx.Dispute)
				assert.True(t, tx.Dispute.IsOpen())
				assert.Equal(t, transaction.SideBuyer, tx.Dispute.RaisedBy)
				assert.Equal(t, transaction.StatusInspection, tx.Status)
				return nil
			})

		_, err := f.svc.RaiseDispute(context.Background(), buyer, tx.TransactionID, "asset not delivered")
		require.NoError(t, err)
	})

	t.Run("reason is mandatory", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)

		_, err := f.svc.RaiseDispute(context.Background(), buyer, "ET1", "")
		var validation *transaction.ValidationError
		assert.ErrorAs(t, err, &validation)
	})

	t.Run("raise rejected on terminal transaction", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusCompleted, buyer, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

		_, err := f.svc.RaiseDispute(context.Background(), buyer, tx.TransactionID, "late")
		var invalidState *transaction.InvalidStateError
		assert.ErrorAs(t, err, &invalidState)
	})

	t.Run("raise rejected when a dispute is already open", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusInspection, buyer, nil)
		tx.RaiseDispute(transaction.SideBuyer, "first", testNow)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

		_, err := f.svc.RaiseDispute(context.Background(), buyer, tx.TransactionID, "second")
		var invalidState *transaction.InvalidStateError
		assert.ErrorAs(t, err, &invalidState)
	})

	t.Run("resolve requires admin", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusInspection, buyer, nil)
		tx.RaiseDispute(transaction.SideBuyer, "issue", testNow)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

		_, err := f.svc.ResolveDispute(context.Background(), buyer, tx.TransactionID)
		assert.ErrorIs(t, err, transaction.ErrForbidden)
	})

	t.Run("resolve closes the dispute and unblocks transitions", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		admin := testUser(domainUser.RoleAdmin)
		tx := openTransaction(transaction.StatusInspection, buyer, nil)
		tx.RaiseDispute(transaction.SideBuyer, "issue", testNow)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.txRepo.EXPECT().
			UpdateDispute(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction) error {
				assert.False(t, tx.Dispute.IsOpen())
				return nil
			})

		got, err := f.svc.ResolveDispute(context.Background(), admin, tx.TransactionID)
		require.NoError(t, err)
		assert.NoError(t, transaction.CheckDispute(got))
	})

	t.Run("resolve without an open dispute is rejected", func(t *testing.T) {
		f := newFixture(t)
		admin := testUser(domainUser.RoleAdmin)
		tx := openTransaction(transaction.StatusInspection, nil, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

		_, err := f.svc.ResolveDispute(context.Background(), admin, tx.TransactionID)
		var invalidState *transaction.InvalidStateError
		assert.ErrorAs(t, err, &invalidState)
	})
}

func TestService_Disburse(t *testing.T) {
	t.Run("admin completes the payout", func(t *testing.T) {
		f := newFixture(t)
		admin := testUser(domainUser.RoleAdmin)
		tx := openTransaction(transaction.StatusAwaitingPayout, nil, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)
		f.txRepo.EXPECT().
			UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusAwaitingPayout).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction, _ transaction.Status) error {
				assert.Equal(t, transaction.StatusCompleted, tx.Status)
				require.NotNil(t, tx.PaymentDetails)
				assert.Equal(t, admin.UserID.String(), tx.PaymentDetails.DisbursedBy)
				assert.NotNil(t, tx.PaymentDetails.DisbursedAt)
				return nil
			})

		_, err := f.svc.Disburse(context.Background(), admin, tx.TransactionID)
		require.NoError(t, err)
	})

	t.Run("participants cannot disburse", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		tx := openTransaction(transaction.StatusAwaitingPayout, buyer, nil)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

		_, err := f.svc.Disburse(context.Background(), buyer, tx.TransactionID)
		assert.ErrorIs(t, err, transaction.ErrForbidden)
	})
}

func TestService_Expiry(t *testing.T) {
	t.Run("sweep expires overdue funding-phase transactions", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		overdue := openTransaction(transaction.StatusAgreement, buyer, nil)
		overdue.Deadline = testNow.Add(-time.Hour)

		f.txRepo.EXPECT().ListExpirable(gomock.Any(), 50).Return([]*transaction.Transaction{overdue}, nil)
		f.txRepo.EXPECT().
			UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusAgreement).
			DoAndReturn(func(_ context.Context, tx *transaction.Transaction, _ transaction.Status) error {
				assert.Equal(t, transaction.StatusExpired, tx.Status)
				assert.Equal(t, transaction.PaymentCancelled, tx.PaymentStatus)
				return nil
			})

		n, err := f.svc.ExpireOverdue(context.Background(), 50)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("sweep skips transactions that lost the conditional update", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		overdue := openTransaction(transaction.StatusPayment, buyer, nil)
		overdue.Deadline = testNow.Add(-time.Hour)

		f.txRepo.EXPECT().ListExpirable(gomock.Any(), 50).Return([]*transaction.Transaction{overdue}, nil)
		f.txRepo.EXPECT().UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusPayment).
			Return(transaction.ErrConflict)

		n, err := f.svc.ExpireOverdue(context.Background(), 50)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("get applies lazy expiry on read", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		overdue := openTransaction(transaction.StatusAgreement, buyer, nil)
		overdue.Deadline = testNow.Add(-time.Minute)

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), overdue.TransactionID).Return(overdue, nil)
		f.txRepo.EXPECT().UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusAgreement).Return(nil)

		got, roles, err := f.svc.Get(context.Background(), buyer, overdue.TransactionID)
		require.NoError(t, err)
		assert.True(t, roles.IsBuyer)
		assert.Equal(t, transaction.StatusExpired, got.Status)
	})

	t.Run("get serves the fresh record when lazy expiry loses the race", func(t *testing.T) {
		f := newFixture(t)
		buyer := testUser(domainUser.RoleBuyer)
		overdue := openTransaction(transaction.StatusAgreement, buyer, nil)
		overdue.Deadline = testNow.Add(-time.Minute)
		fresh := openTransaction(transaction.StatusPayment, buyer, nil)
		fresh.TransactionID = overdue.TransactionID

		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), overdue.TransactionID).Return(overdue, nil)
		f.txRepo.EXPECT().UpdateStatus(gomock.Any(), gomock.Any(), transaction.StatusAgreement).
			Return(transaction.ErrConflict)
		f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), overdue.TransactionID).Return(fresh, nil)

		got, _, err := f.svc.Get(context.Background(), buyer, overdue.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, transaction.StatusPayment, got.Status)
	})
}

func TestService_Get_ViewGuard(t *testing.T) {
	f := newFixture(t)
	buyer := testUser(domainUser.RoleBuyer)
	outsider := testUser(domainUser.RoleBuyer)
	tx := openTransaction(transaction.StatusAgreement, buyer, nil)

	f.txRepo.EXPECT().GetByTransactionID(gomock.Any(), tx.TransactionID).Return(tx, nil)

	_, _, err := f.svc.Get(context.Background(), outsider, tx.TransactionID)
	assert.ErrorIs(t, err, transaction.ErrForbidden)
}
