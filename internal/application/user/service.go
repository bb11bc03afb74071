package user

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesalock/pesalock/internal/domain/event"
	"github.com/pesalock/pesalock/internal/domain/transaction"
	domainUser "github.com/pesalock/pesalock/internal/domain/user"
)

// Service handles account registration, profile updates, and the
// pending-party reconciliation that binds new accounts to transactions that
// referenced them by contact only.
type Service struct {
	userRepo domainUser.Repository
	txRepo   transaction.Repository
	bus      event.Bus
	logger   zerolog.Logger
}

// NewService creates a user service.
func NewService(userRepo domainUser.Repository, txRepo transaction.Repository, bus event.Bus, logger zerolog.Logger) *Service {
	return &Service{
		userRepo: userRepo,
		txRepo:   txRepo,
		bus:      bus,
		logger:   logger.With().Str("service", "user").Logger(),
	}
}

// RegisterInput carries a registration request.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
	Role      domainUser.Role
}

// Register creates an account and immediately reconciles any pending party
// references that match the new user's contact details.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*domainUser.User, error) {
	email := domainUser.NormalizeEmail(in.Email)
	if err := domainUser.ValidateEmail(email); err != nil {
		return nil, &transaction.ValidationError{Msg: err.Error()}
	}
	if err := domainUser.ValidatePassword(in.Password); err != nil {
		return nil, &transaction.ValidationError{Msg: err.Error()}
	}
	role := in.Role
	if role == "" {
		role = domainUser.RoleBuyer
	}
	if err := domainUser.ValidateRole(role); err != nil {
		return nil, &transaction.ValidationError{Msg: err.Error()}
	}
	if existing, err := s.userRepo.GetByEmail(ctx, email); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, &transaction.ValidationError{Msg: "email already registered"}
	}

	hash, err := domainUser.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	u := &domainUser.User{
		UserID:       uuid.New(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Phone:        in.Phone,
		Role:         role,
		Status:       domainUser.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.UserID.String()).Msg("user registered")

	if _, err := s.ClaimPendingParties(ctx, u); err != nil {
		s.logger.Warn().Err(err).Str("user_id", u.UserID.String()).Msg("pending party reconciliation failed")
	}
	return u, nil
}

// ClaimPendingParties upgrades Pending party references matching the user's
// contact to Claimed. The upgrade is one-way; transactions whose parties
// are already bound are untouched. Each claimed counterparty gets a
// personal-channel notification.
func (s *Service) ClaimPendingParties(ctx context.Context, u *domainUser.User) (int, error) {
	claimed, err := s.txRepo.ClaimParty(ctx, u.UserID, u.DisplayName(), u.Email, u.Phone)
	if err != nil {
		return 0, err
	}
	for _, t := range claimed {
		s.logger.Info().
			Str("transaction_id", t.TransactionID).
			Str("user_id", u.UserID.String()).
			Msg("pending party claimed")
		s.notifyJoined(t, u.UserID)
	}
	return len(claimed), nil
}

// Get retrieves a user by id.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*domainUser.User, error) {
	u, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user not found: %s", userID)
	}
	return u, nil
}

// UpdatePayoutDetails stores the user's disbursement destination.
func (s *Service) UpdatePayoutDetails(ctx context.Context, userID uuid.UUID, details domainUser.PayoutDetails) (*domainUser.User, error) {
	if err := domainUser.ValidatePayoutMethod(details.Method); err != nil {
		return nil, &transaction.ValidationError{Msg: err.Error()}
	}
	u, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.PayoutDetails = &details
	u.UpdatedAt = time.Now().UTC()
	if err := s.userRepo.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) notifyJoined(t *transaction.Transaction, joined uuid.UUID) {
	payload, err := json.Marshal(map[string]any{
		"transactionId": t.TransactionID,
		"status":        t.Status,
		"joinedUserId":  joined.String(),
	})
	if err != nil {
		return
	}
	msg := event.NewMessage(event.EventNotification, payload)
	if t.Buyer.UserID != nil && *t.Buyer.UserID != joined {
		s.bus.PublishToUser(*t.Buyer.UserID, msg)
	}
	if t.Seller.UserID != nil && *t.Seller.UserID != joined {
		s.bus.PublishToUser(*t.Seller.UserID, msg)
	}
}
