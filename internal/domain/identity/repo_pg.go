package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepoPG implements Repo against the app_user table.
type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

const userCols = `id, email, role, clinic_id, permissions, token_version, active, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.Role, &u.ClinicID, &u.Permissions,
		&u.TokenVersion, &u.Active, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	q := fmt.Sprintf("SELECT %s FROM app_user WHERE id = $1", userCols)
	return scanUser(r.pool.QueryRow(ctx, q, id))
}

func (r *RepoPG) TokenVersion(ctx context.Context, id uuid.UUID) (int64, error) {
	var version int64
	err := r.pool.QueryRow(ctx,
		"SELECT token_version FROM app_user WHERE id = $1 AND active", id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read token version: %w", err)
	}
	return version, nil
}

func (r *RepoPG) BumpTokenVersion(ctx context.Context, id uuid.UUID) (int64, error) {
	var version int64
	err := r.pool.QueryRow(ctx,
		"UPDATE app_user SET token_version = token_version + 1, updated_at = now() WHERE id = $1 RETURNING token_version",
		id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("bump token version: %w", err)
	}
	return version, nil
}
