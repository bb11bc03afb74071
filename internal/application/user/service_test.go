package user

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	eventMocks "github.com/pesalock/pesalock/internal/domain/event/mocks"
	"github.com/pesalock/pesalock/internal/domain/transaction"
	txMocks "github.com/pesalock/pesalock/internal/domain/transaction/mocks"
	domainUser "github.com/pesalock/pesalock/internal/domain/user"
	userMocks "github.com/pesalock/pesalock/internal/domain/user/mocks"
)

type fixture struct {
	userRepo *userMocks.MockRepository
	txRepo   *txMocks.MockRepository
	bus      *eventMocks.MockBus
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	f := &fixture{
		userRepo: userMocks.NewMockRepository(ctrl),
		txRepo:   txMocks.NewMockRepository(ctrl),
		bus:      eventMocks.NewMockBus(ctrl),
	}
	f.svc = NewService(f.userRepo, f.txRepo, f.bus, zerolog.Nop())
	f.bus.EXPECT().PublishToUser(gomock.Any(), gomock.Any()).AnyTimes()
	return f
}

func TestService_Register(t *testing.T) {
	t.Run("creates the account and reconciles pending parties", func(t *testing.T) {
		f := newFixture(t)

		f.userRepo.EXPECT().GetByEmail(gomock.Any(), "jane@example.com").Return(nil, nil)
		f.userRepo.EXPECT().
			Create(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, u *domainUser.User) error {
				assert.Equal(t, "jane@example.com", u.Email)
				assert.Equal(t, domainUser.RoleBuyer, u.Role)
				assert.Equal(t, domainUser.StatusActive, u.Status)
				assert.NotEmpty(t, u.PasswordHash)
				assert.NotEqual(t, "s3cret-pass", u.PasswordHash)
				return nil
			})
		f.txRepo.EXPECT().
			ClaimParty(gomock.Any(), gomock.Any(), "Jane Wanjiku", "jane@example.com", "254712345678").
			Return(nil, nil)

		u, err := f.svc.Register(context.Background(), RegisterInput{
			Email:     "Jane@Example.com",
			Password:  "s3cret-pass",
			FirstName: "Jane",
			LastName:  "Wanjiku",
			Phone:     "254712345678",
		})
		require.NoError(t, err)
		assert.True(t, domainUser.VerifyPassword(u.PasswordHash, "s3cret-pass"))
	})

	t.Run("rejects duplicate email", func(t *testing.T) {
		f := newFixture(t)

		f.userRepo.EXPECT().GetByEmail(gomock.Any(), "jane@example.com").
			Return(&domainUser.User{UserID: uuid.New()}, nil)

		_, err := f.svc.Register(context.Background(), RegisterInput{
			Email:    "jane@example.com",
			Password: "s3cret-pass",
		})
		var validation *transaction.ValidationError
		assert.ErrorAs(t, err, &validation)
	})

	t.Run("rejects weak password and bad email before the store", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Register(context.Background(), RegisterInput{Email: "jane@example.com", Password: "short"})
		var validation *transaction.ValidationError
		assert.ErrorAs(t, err, &validation)

		_, err = f.svc.Register(context.Background(), RegisterInput{Email: "not-an-email", Password: "s3cret-pass"})
		assert.ErrorAs(t, err, &validation)
	})

	t.Run("registration survives a failed reconciliation", func(t *testing.T) {
		f := newFixture(t)

		f.userRepo.EXPECT().GetByEmail(gomock.Any(), gomock.Any()).Return(nil, nil)
		f.userRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
		f.txRepo.EXPECT().ClaimParty(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, assert.AnError)

		u, err := f.svc.Register(context.Background(), RegisterInput{
			Email:    "jane@example.com",
			Password: "s3cret-pass",
		})
		require.NoError(t, err)
		require.NotNil(t, u)
	})
}

func TestService_ClaimPendingParties(t *testing.T) {
	t.Run("counts claimed transactions and notifies counterparties", func(t *testing.T) {
		f := newFixture(t)
		u := &domainUser.User{
			UserID:    uuid.New(),
			Email:     "seller@example.com",
			FirstName: "John",
			LastName:  "Otieno",
		}

		buyerID := uuid.New()
		claimed := &transaction.Transaction{
			TransactionID: "ET1",
			Status:        transaction.StatusAgreement,
			Buyer:         transaction.Party{UserID: &buyerID},
			Seller:        transaction.Party{UserID: &u.UserID, Email: u.Email},
		}
		f.txRepo.EXPECT().
			ClaimParty(gomock.Any(), u.UserID, "John Otieno", "seller@example.com", "").
			Return([]*transaction.Transaction{claimed}, nil)

		n, err := f.svc.ClaimPendingParties(context.Background(), u)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("no matches is a no-op", func(t *testing.T) {
		f := newFixture(t)
		u := &domainUser.User{UserID: uuid.New(), Email: "nobody@example.com"}

		f.txRepo.EXPECT().
			ClaimParty(gomock.Any(), u.UserID, gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, nil)

		n, err := f.svc.ClaimPendingParties(context.Background(), u)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestService_UpdatePayoutDetails(t *testing.T) {
	t.Run("stores the destination", func(t *testing.T) {
		f := newFixture(t)
		userID := uuid.New()

		f.userRepo.EXPECT().GetByID(gomock.Any(), userID).
			Return(&domainUser.User{UserID: userID, Email: "s@example.com"}, nil)
		f.userRepo.EXPECT().
			Update(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, u *domainUser.User) error {
				require.NotNil(t, u.PayoutDetails)
				assert.Equal(t, domainUser.PayoutMpesa, u.PayoutDetails.Method)
				assert.Equal(t, "254712345678", u.PayoutDetails.MpesaNumber)
				return nil
			})

		_, err := f.svc.UpdatePayoutDetails(context.Background(), userID, domainUser.PayoutDetails{
			Method:      domainUser.PayoutMpesa,
			MpesaNumber: "254712345678",
		})
		require.NoError(t, err)
	})

	t.Run("rejects unknown method", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.UpdatePayoutDetails(context.Background(), uuid.New(), domainUser.PayoutDetails{
			Method: "cash",
		})
		var validation *transaction.ValidationError
		assert.ErrorAs(t, err, &validation)
	})
}
