// Package store keeps mapping history in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
	"github.com/dj-oyu/coop-density/mapping-server/internal/sink"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when no mapping has been recorded yet.
var ErrNotFound = errors.New("no mapping recorded")

// Store implements sink.MappingRecorder on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	// m is not closed: that would close db as well.
	m.Log = logger.NewPrinter("Migrate", false)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordMapping implements sink.MappingRecorder.
func (s *Store) RecordMapping(ctx context.Context, rec sink.Record) error {
	grid, err := json.Marshal(rec.GridDensity)
	if err != nil {
		return err
	}
	alerts, err := json.Marshal(rec.Alerts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO density_mappings (
			id, mapping_timestamp, source_screenshot_url, density_plot_url,
			in_roi_count, excluded_count, grid_density_data, alerts, detector_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.SnapshotURL, rec.PlotURL,
		rec.InROICount, rec.ExcludedCount, string(grid), string(alerts), rec.DetectorError,
	)
	if err != nil {
		return fmt.Errorf("insert mapping %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = `
	SELECT id, mapping_timestamp, source_screenshot_url, density_plot_url,
	       in_roi_count, excluded_count, grid_density_data, alerts, detector_error
	FROM density_mappings`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (sink.Record, error) {
	var rec sink.Record
	var ts, grid, alerts string
	if err := row.Scan(&rec.ID, &ts, &rec.SnapshotURL, &rec.PlotURL,
		&rec.InROICount, &rec.ExcludedCount, &grid, &alerts, &rec.DetectorError); err != nil {
		return rec, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return rec, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	rec.Timestamp = t
	if err := json.Unmarshal([]byte(grid), &rec.GridDensity); err != nil {
		return rec, fmt.Errorf("decode grid data: %w", err)
	}
	if err := json.Unmarshal([]byte(alerts), &rec.Alerts); err != nil {
		return rec, fmt.Errorf("decode alerts: %w", err)
	}
	return rec, nil
}

// Latest returns the most recent mapping.
func (s *Store) Latest(ctx context.Context) (sink.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` ORDER BY mapping_timestamp DESC, rowid DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

// Recent returns up to limit mappings, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]sink.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY mapping_timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sink.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored mappings.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM density_mappings`).Scan(&n)
	return n, err
}
