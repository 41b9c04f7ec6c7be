package store

import (
	"context"
	"fmt"
)

// migrations run in order; each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS employees (
		name TEXT PRIMARY KEY,
		employee_name TEXT NOT NULL DEFAULT '',
		attendance_device_id TEXT NOT NULL DEFAULT '',
		default_shift TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_employees_device_code ON employees(attendance_device_id)`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id INTEGER PRIMARY KEY,
		device_name TEXT NOT NULL DEFAULT '',
		device_alias TEXT NOT NULL DEFAULT '',
		device_ip_address TEXT NOT NULL DEFAULT '',
		device_area TEXT NOT NULL DEFAULT '',
		last_activity TEXT,
		last_sync_request TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS employee_checkins (
		name TEXT PRIMARY KEY,
		employee TEXT NOT NULL,
		employee_name TEXT NOT NULL DEFAULT '',
		log_type TEXT NOT NULL,
		time TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		shift TEXT NOT NULL DEFAULT '',
		shift_start TEXT,
		shift_end TEXT,
		shift_actual_start TEXT,
		shift_actual_end TEXT,
		offshift INTEGER NOT NULL DEFAULT 0,
		attendance TEXT NOT NULL DEFAULT '',
		UNIQUE(employee, time, log_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_employee_checkins_time ON employee_checkins(time)`,
	`CREATE INDEX IF NOT EXISTS idx_employee_checkins_shift ON employee_checkins(employee, shift, shift_actual_start)`,
	`CREATE TABLE IF NOT EXISTS biotime_checkins (
		name TEXT PRIMARY KEY,
		biotime_employee_code TEXT NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		department TEXT NOT NULL DEFAULT '',
		position TEXT NOT NULL DEFAULT '',
		device_sn TEXT NOT NULL DEFAULT '',
		device_alias TEXT NOT NULL DEFAULT '',
		log_type TEXT NOT NULL,
		time TEXT NOT NULL,
		UNIQUE(biotime_employee_code, time, log_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_biotime_checkins_time ON biotime_checkins(time)`,
	`CREATE TABLE IF NOT EXISTS shift_types (
		name TEXT PRIMARY KEY,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		begin_checkin_before INTEGER NOT NULL DEFAULT 0,
		allow_checkout_after INTEGER NOT NULL DEFAULT 0,
		late_entry_grace INTEGER NOT NULL DEFAULT 0,
		early_exit_grace INTEGER NOT NULL DEFAULT 0,
		half_day_threshold REAL NOT NULL DEFAULT 0,
		absent_threshold REAL NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS attendance (
		name TEXT PRIMARY KEY,
		employee TEXT NOT NULL,
		attendance_date TEXT NOT NULL,
		status TEXT NOT NULL,
		working_hours REAL NOT NULL DEFAULT 0,
		shift TEXT NOT NULL DEFAULT '',
		late_entry INTEGER NOT NULL DEFAULT 0,
		early_exit INTEGER NOT NULL DEFAULT 0,
		in_time TEXT,
		out_time TEXT,
		UNIQUE(employee, attendance_date)
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return tx.Commit()
}
