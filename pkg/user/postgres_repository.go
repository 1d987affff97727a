package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{
		pool: pool,
	}
}

const userColumns = `
	id, email, name, password_hash,
	two_factor_secret, two_factor_recovery_codes, two_factor_confirmed_at,
	created_at, updated_at
`

func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	return r.scanOne(r.pool.QueryRow(ctx, query, email))
}

func (r *PostgresRepository) FindByID(ctx context.Context, id uuid.UUID) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) Create(ctx context.Context, u User) (User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	query := `
		INSERT INTO users (id, email, name, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + userColumns
	return r.scanOne(r.pool.QueryRow(ctx, query, u.ID, u.Email, u.Name, u.PasswordHash))
}

// Save writes the mutated fields with an optimistic guard on updated_at, so
// two concurrent recovery-code consumptions cannot clobber each other's pool
// update.
func (r *PostgresRepository) Save(ctx context.Context, u User) (User, error) {
	query := `
		UPDATE users SET
			email = $3,
			name = $4,
			password_hash = $5,
			two_factor_secret = NULLIF($6, ''),
			two_factor_recovery_codes = NULLIF($7, ''),
			two_factor_confirmed_at = $8,
			updated_at = clock_timestamp()
		WHERE id = $1 AND updated_at = $2
		RETURNING ` + userColumns

	var confirmedAt sql.NullTime
	if u.TwoFactorConfirmedAt != nil {
		confirmedAt = sql.NullTime{Time: *u.TwoFactorConfirmedAt, Valid: true}
	}

	saved, err := r.scanOne(r.pool.QueryRow(ctx, query,
		u.ID,
		u.UpdatedAt,
		u.Email,
		u.Name,
		u.PasswordHash,
		u.TwoFactorSecret,
		u.TwoFactorRecoveryCodes,
		confirmedAt,
	))
	if errors.Is(err, ErrNotFound) {
		// Row exists but the guard did not match, or the user is gone.
		if _, findErr := r.FindByID(ctx, u.ID); findErr == nil {
			return User{}, ErrStale
		}
		return User{}, ErrNotFound
	}
	return saved, err
}

func (r *PostgresRepository) scanOne(row pgx.Row) (User, error) {
	var u User
	var secret, recoveryCodes sql.NullString
	var confirmedAt sql.NullTime

	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.PasswordHash,
		&secret,
		&recoveryCodes,
		&confirmedAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to scan user: %w", err)
	}

	u.TwoFactorSecret = secret.String
	u.TwoFactorRecoveryCodes = recoveryCodes.String
	if confirmedAt.Valid {
		t := confirmedAt.Time
		u.TwoFactorConfirmedAt = &t
	}
	u.TwoFactorCapable = true
	return u, nil
}
