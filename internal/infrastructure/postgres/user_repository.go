package postgres

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesalock/pesalock/internal/domain/user"
)

// UserRepository implements user.Repository.
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) Create(ctx context.Context, u *user.User) error {
	payoutJSON, err := marshalPayout(u.PayoutDetails)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO users
		(user_id, email, password_hash, first_name, last_name, phone, role, status, payout_details, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, u.UserID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Phone, u.Role, u.Status, payoutJSON, u.CreatedAt, u.UpdatedAt)
	return err
}

func (r *UserRepository) Update(ctx context.Context, u *user.User) error {
	payoutJSON, err := marshalPayout(u.PayoutDetails)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE users
		SET email=$1, password_hash=$2, first_name=$3, last_name=$4, phone=$5, role=$6, status=$7, payout_details=$8, updated_at=$9
		WHERE user_id=$10
	`, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Phone, u.Role, u.Status, payoutJSON, u.UpdatedAt, u.UserID)
	return err
}

func (r *UserRepository) GetByID(ctx context.Context, userID uuid.UUID) (*user.User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, email, password_hash, first_name, last_name, phone, role, status, payout_details, created_at, updated_at
		FROM users WHERE user_id=$1
	`, userID)
	return scanUser(row)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, email, password_hash, first_name, last_name, phone, role, status, payout_details, created_at, updated_at
		FROM users WHERE email=$1
	`, email)
	return scanUser(row)
}

func marshalPayout(p *user.PayoutDetails) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func scanUser(row pgx.Row) (*user.User, error) {
	var u user.User
	var payoutJSON []byte
	err := row.Scan(&u.ID, &u.UserID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Phone,
		&u.Role, &u.Status, &payoutJSON, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if len(payoutJSON) > 0 {
		u.PayoutDetails = &user.PayoutDetails{}
		if err := json.Unmarshal(payoutJSON, u.PayoutDetails); err != nil {
			return nil, err
		}
	}
	return &u, nil
}
