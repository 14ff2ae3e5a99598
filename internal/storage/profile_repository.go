package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/types"
	"github.com/jackc/pgx/v5"
)

// ProfileRepository handles user profile persistence
type ProfileRepository struct {
	db *PostgresDB
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *PostgresDB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetProfile returns the stored profile or the default one when absent
func (r *ProfileRepository) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	query := `
		SELECT user_id, nickname, default_visibility, created_at, updated_at
		FROM user_profiles
		WHERE user_id = $1
	`

	var p models.UserProfile
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&p.Nickname,
		&p.DefaultVisibility,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DefaultProfile(userID), nil
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

// UpsertProfile creates or updates a profile
func (r *ProfileRepository) UpsertProfile(ctx context.Context, p *models.UserProfile) error {
	if err := validateVisibility(p.DefaultVisibility); err != nil {
		return err
	}

	query := `
		INSERT INTO user_profiles (user_id, nickname, default_visibility, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			nickname = EXCLUDED.nickname,
			default_visibility = EXCLUDED.default_visibility,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.Pool().Exec(ctx, query, p.UserID, p.Nickname, p.DefaultVisibility, p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func validateVisibility(v types.Visibility) error {
	switch v {
	case types.VisibilityPublic, types.VisibilityFollowers, types.VisibilityPrivate:
		return nil
	default:
		return fmt.Errorf("invalid visibility: %s", v)
	}
}
