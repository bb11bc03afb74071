package user

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Role represents a user role.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// Status represents user status.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// PayoutMethod names how a user receives disbursements.
type PayoutMethod string

const (
	PayoutMpesa PayoutMethod = "mpesa"
	PayoutBank  PayoutMethod = "bank"
)

// PayoutDetails holds disbursement destination data.
type PayoutDetails struct {
	Method        PayoutMethod `json:"method,omitempty"`
	MpesaNumber   string       `json:"mpesaNumber,omitempty"`
	BankName      string       `json:"bankName,omitempty"`
	AccountName   string       `json:"accountName,omitempty"`
	AccountNumber string       `json:"accountNumber,omitempty"`
}

// User represents a registered account.
type User struct {
	ID            int64          `json:"id"`
	UserID        uuid.UUID      `json:"userId"`
	Email         string         `json:"email"`
	PasswordHash  string         `json:"-"`
	FirstName     string         `json:"firstName,omitempty"`
	LastName      string         `json:"lastName,omitempty"`
	Phone         string         `json:"phone,omitempty"`
	Role          Role           `json:"role"`
	Status        Status         `json:"status"`
	PayoutDetails *PayoutDetails `json:"payoutDetails,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// DisplayName is the name used when claiming a pending party slot.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func ValidateEmail(email string) error {
	if email == "" {
		return errors.New("email is required")
	}
	if !emailPattern.MatchString(email) {
		return errors.New("invalid email address")
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	return nil
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func VerifyPassword(hash string, password string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func ValidateRole(role Role) error {
	switch role {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return nil
	default:
		return errors.New("invalid role")
	}
}

func ValidatePayoutMethod(m PayoutMethod) error {
	switch m {
	case PayoutMpesa, PayoutBank:
		return nil
	default:
		return errors.New("invalid payout method")
	}
}
