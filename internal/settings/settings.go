// Package settings persists the user's RGB slider preferences.
//
// The panel remembers the last colour and brightness the user chose so the
// sliders come back where they were left. One row is stored; when none exists
// Load returns control.DefaultRGB.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/esp32panel/panel-core/internal/control"
)

// Repository loads and saves RGB preferences.
type Repository interface {
	Load(ctx context.Context) (control.RGBCommand, error)
	Save(ctx context.Context, cmd control.RGBCommand) error
}

// settingsRowID is the primary key of the single preferences row.
const settingsRowID = 1

// SQLiteRepository stores preferences in the rgb_settings table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository on an already migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Load returns the saved preferences, or the defaults when nothing is saved.
func (r *SQLiteRepository) Load(ctx context.Context) (control.RGBCommand, error) {
	var cmd control.RGBCommand
	err := r.db.QueryRowContext(ctx,
		`SELECT red, green, blue, brightness FROM rgb_settings WHERE id = ?`,
		settingsRowID,
	).Scan(&cmd.Red, &cmd.Green, &cmd.Blue, &cmd.Brightness)

	if errors.Is(err, sql.ErrNoRows) {
		return control.DefaultRGB(), nil
	}
	if err != nil {
		return control.RGBCommand{}, fmt.Errorf("loading rgb settings: %w", err)
	}
	return cmd, nil
}

// Save replaces the stored preferences. Values outside [0,255] are rejected
// with control.ErrOutOfRange.
func (r *SQLiteRepository) Save(ctx context.Context, cmd control.RGBCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rgb_settings (id, red, green, blue, brightness, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			red = excluded.red,
			green = excluded.green,
			blue = excluded.blue,
			brightness = excluded.brightness,
			updated_at = excluded.updated_at`,
		settingsRowID, cmd.Red, cmd.Green, cmd.Blue, cmd.Brightness,
		r.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving rgb settings: %w", err)
	}
	return nil
}
