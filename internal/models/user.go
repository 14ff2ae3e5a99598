package models

import (
	"time"

	"github.com/activity-migrator/internal/types"
)

// UserProfile holds the fields the importer stamps onto new records
type UserProfile struct {
	UserID            string           `json:"userId" db:"user_id"`
	Nickname          string           `json:"nickname" db:"nickname"`
	DefaultVisibility types.Visibility `json:"defaultVisibility" db:"default_visibility"`
	CreatedAt         time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time        `json:"updatedAt" db:"updated_at"`
}

// DefaultProfile is used when a user has no stored profile
func DefaultProfile(userID string) *UserProfile {
	return &UserProfile{
		UserID:            userID,
		Nickname:          userID,
		DefaultVisibility: types.VisibilityPrivate,
	}
}
