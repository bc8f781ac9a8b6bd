// Package settings persists grouped application settings as JSON payloads.
package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/skyrem/backoffice/internal/platform/db"
)

// GroupSystem holds instance-wide switches.
const GroupSystem = "system"

// SystemSettings are the instance-wide switches.
type SystemSettings struct {
	RegistrationEnabled bool `json:"registration_enabled"`
}

// DefaultSystemSettings applies when a setting has no row yet.
func DefaultSystemSettings() SystemSettings {
	return SystemSettings{RegistrationEnabled: true}
}

// Store loads and saves system settings.
type Store interface {
	Get(ctx context.Context) (SystemSettings, error)
	Save(ctx context.Context, s SystemSettings) error
}

// PGStore keeps settings in the settings table, one row per name.
type PGStore struct {
	pool db.Pool
}

// NewPGStore constructs a PGStore.
func NewPGStore(pool db.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Get returns the system settings, falling back to defaults per missing name.
func (s *PGStore) Get(ctx context.Context) (SystemSettings, error) {
	out := DefaultSystemSettings()
	rows, err := s.pool.Query(ctx, `SELECT name, payload FROM settings WHERE "group" = $1`, GroupSystem)
	if err != nil {
		return out, fmt.Errorf("settings: load: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var payload []byte
		if err := rows.Scan(&name, &payload); err != nil {
			return out, fmt.Errorf("settings: scan: %w", err)
		}
		switch name {
		case "registration_enabled":
			if err := json.Unmarshal(payload, &out.RegistrationEnabled); err != nil {
				return out, fmt.Errorf("settings: decode %s: %w", name, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("settings: iterate: %w", err)
	}
	return out, nil
}

// Save upserts every system setting in one transaction.
func (s *PGStore) Save(ctx context.Context, settings SystemSettings) error {
	values := map[string]any{
		"registration_enabled": settings.RegistrationEnabled,
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for name, value := range values {
			payload, err := json.Marshal(value)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO settings ("group", name, payload, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT ("group", name) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
				GroupSystem, name, payload); err != nil {
				return fmt.Errorf("settings: save %s: %w", name, err)
			}
		}
		return nil
	})
}

var _ Store = (*PGStore)(nil)
