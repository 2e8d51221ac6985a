package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tOgg1/huddle/internal/models"
)

// Profile repository errors.
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidProfile  = errors.New("invalid profile")
)

// DefaultRole is assigned to profiles created without one.
const DefaultRole = "member"

// ProfileRepository is the read-mostly user directory.
type ProfileRepository struct {
	db *DB
}

// NewProfileRepository creates a new ProfileRepository.
func NewProfileRepository(db *DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Upsert creates or updates a directory entry. An empty id gets a new uuid.
func (r *ProfileRepository) Upsert(ctx context.Context, profile *models.Counterparty) error {
	if profile == nil || strings.TrimSpace(profile.DisplayName) == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalidProfile)
	}
	if profile.ID == "" {
		profile.ID = uuid.New().String()
	}
	if profile.Role == "" {
		profile.Role = DefaultRole
	}
	if profile.ID == models.BroadcastID {
		return fmt.Errorf("%w: id %q is reserved", ErrInvalidProfile, profile.ID)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, role = excluded.role
	`, profile.ID, profile.DisplayName, profile.Role, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// Get retrieves a profile by ID.
func (r *ProfileRepository) Get(ctx context.Context, id string) (*models.Counterparty, error) {
	var profile models.Counterparty
	err := r.db.QueryRowContext(ctx, `
		SELECT id, display_name, role FROM profiles WHERE id = ?
	`, id).Scan(&profile.ID, &profile.DisplayName, &profile.Role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &profile, nil
}

// List returns every profile ordered by display name.
func (r *ProfileRepository) List(ctx context.Context) ([]models.Counterparty, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, display_name, role FROM profiles ORDER BY display_name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.Counterparty
	for rows.Next() {
		var profile models.Counterparty
		if err := rows.Scan(&profile.ID, &profile.DisplayName, &profile.Role); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profiles: %w", err)
	}
	return profiles, nil
}

// Delete removes a profile. Messages it sent are kept.
func (r *ProfileRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get deleted count: %w", err)
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func isAdmin(ctx context.Context, tx *sql.Tx, userID string) (bool, error) {
	var role string
	err := tx.QueryRowContext(ctx, `SELECT role FROM profiles WHERE id = ?`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up requester role: %w", err)
	}
	profile := models.Counterparty{Role: role}
	return profile.IsAdmin(), nil
}
