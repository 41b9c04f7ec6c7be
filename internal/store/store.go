// Package store persists the ERP side of the integration (employees,
// devices, checkins, shift types and attendance) in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/harrylevesque/biotimesync/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate entry")
)

// Store wraps the SQLite handle. Times are stored as wall-clock text in
// models.TimeLayout, interpreted in loc.
type Store struct {
	db  *sql.DB
	loc *time.Location
	lg  *zap.Logger
}

// Open initializes the database at path and applies migrations.
func Open(path string, loc *time.Location, lg *zap.Logger) (*Store, error) {
	if loc == nil {
		loc = time.Local
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		lg.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		lg.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	s := &Store{db: db, loc: loc, lg: lg}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Location is the zone stored wall-clock times are read in.
func (s *Store) Location() *time.Location {
	return s.loc
}

func (s *Store) formatTime(t time.Time) string {
	return t.In(s.loc).Format(models.TimeLayout)
}

func (s *Store) formatOptTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: s.formatTime(*t), Valid: true}
}

func (s *Store) parseTime(v string) (time.Time, error) {
	return time.ParseInLocation(models.TimeLayout, v, s.loc)
}

func (s *Store) parseOptTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := s.parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// insertOrDuplicate runs an INSERT ... ON CONFLICT DO NOTHING and maps the
// ignored insert to ErrDuplicate.
func (s *Store) insertOrDuplicate(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
