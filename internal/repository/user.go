package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRepo handles user persistence.
type UserRepo struct {
	pool *pgxpool.Pool
}

// NewUserRepo creates a UserRepo.
func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

// EnsureUser creates a user record if it doesn't already exist, bumping
// last_login_at on every call. Firebase and internal-auth paths both resolve
// to a bare user ID, so email is seeded from it and can be corrected later.
func (r *UserRepo) EnsureUser(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email, created_at, last_login_at)
		VALUES ($1, $1, now(), now())
		ON CONFLICT (id) DO UPDATE SET last_login_at = now()
	`, userID)
	return err
}

// ListIDs returns every known user ID, used by the periodic maintenance
// loop to sweep consolidation/corpus-health per user.
func (r *UserRepo) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
