package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// PreferencesRepo persists a user's boost/suppress topics and search options
// (§3, §6 UserPreference/SearchOpts), used by the Re-ranker (component I).
type PreferencesRepo struct {
	pool *pgxpool.Pool
}

// NewPreferencesRepo creates a PreferencesRepo.
func NewPreferencesRepo(pool *pgxpool.Pool) *PreferencesRepo {
	return &PreferencesRepo{pool: pool}
}

// GetPreferences returns a user's preferences, or nil if they've never set
// any — the Re-ranker treats a nil result the same as empty topic lists.
func (r *PreferencesRepo) GetPreferences(ctx context.Context, userID string) (*model.UserPreference, error) {
	var p model.UserPreference
	var searchOpts json.RawMessage

	err := r.pool.QueryRow(ctx, `
		SELECT user_id, boost_topics, suppress_topics, search_opts
		FROM user_preferences WHERE user_id = $1`, userID).Scan(
		&p.UserID, &p.BoostTopics, &p.SuppressTopics, &searchOpts,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository.GetPreferences: %w", err)
	}

	if len(searchOpts) > 0 {
		if err := json.Unmarshal(searchOpts, &p.SearchOpts); err != nil {
			return nil, fmt.Errorf("repository.GetPreferences: decode search_opts: %w", err)
		}
	}
	return &p, nil
}

// SetPreferences upserts a user's preferences (§6).
func (r *PreferencesRepo) SetPreferences(ctx context.Context, p *model.UserPreference) error {
	searchOpts, err := json.Marshal(p.SearchOpts)
	if err != nil {
		return fmt.Errorf("repository.SetPreferences: encode search_opts: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO user_preferences (user_id, boost_topics, suppress_topics, search_opts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			boost_topics = EXCLUDED.boost_topics,
			suppress_topics = EXCLUDED.suppress_topics,
			search_opts = EXCLUDED.search_opts`,
		p.UserID, p.BoostTopics, p.SuppressTopics, searchOpts,
	)
	if err != nil {
		return fmt.Errorf("repository.SetPreferences: %w", err)
	}
	return nil
}
