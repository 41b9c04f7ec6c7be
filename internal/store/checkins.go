package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/biotimesync/internal/models"
)

const checkinColumns = `name, employee, employee_name, log_type, time, device_id, shift, shift_start, shift_end,
	shift_actual_start, shift_actual_end, offshift, attendance`

// CheckinExists reports whether an employee checkin with the same
// (employee, time, log_type) key is stored.
func (s *Store) CheckinExists(ctx context.Context, employee string, at time.Time, logType string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM employee_checkins WHERE employee = ? AND time = ? AND log_type = ?`,
		employee, s.formatTime(at), logType).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// InsertCheckin stores c, assigning a name when empty. A checkin with the
// same key yields ErrDuplicate.
func (s *Store) InsertCheckin(ctx context.Context, c *models.EmployeeCheckin) error {
	if c.Name == "" {
		c.Name = "EMP-CKIN-" + uuid.NewString()
	}
	return s.insertOrDuplicate(ctx, `INSERT INTO employee_checkins (`+checkinColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		c.Name, c.Employee, c.EmployeeName, c.LogType, s.formatTime(c.Time), c.DeviceID, c.Shift,
		s.formatOptTime(c.ShiftStart), s.formatOptTime(c.ShiftEnd),
		s.formatOptTime(c.ShiftActualStart), s.formatOptTime(c.ShiftActualEnd),
		boolInt(c.Offshift), c.Attendance)
}

func (s *Store) Checkin(ctx context.Context, name string) (models.EmployeeCheckin, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkinColumns+` FROM employee_checkins WHERE name = ?`, name)
	return s.scanCheckin(row)
}

// LastCheckinTime returns the latest checkin whose device_id mentions alias.
func (s *Store) LastCheckinTime(ctx context.Context, alias string) (time.Time, bool, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(time) FROM employee_checkins WHERE device_id LIKE ?`,
		"%"+alias+"%").Scan(&v)
	if err != nil {
		return time.Time{}, false, err
	}
	if !v.Valid || v.String == "" {
		return time.Time{}, false, nil
	}
	t, err := s.parseTime(v.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// CheckinsBetween lists employee checkins with start <= time <= end. A zero
// bound is open.
func (s *Store) CheckinsBetween(ctx context.Context, start, end time.Time) ([]models.EmployeeCheckin, error) {
	lo, hi := s.bounds(start, end)
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkinColumns+` FROM employee_checkins
		WHERE time >= ? AND time <= ? ORDER BY time, employee`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectCheckins(rows)
}

// CheckinByKey returns the checkin stored under (employee, time, log_type).
func (s *Store) CheckinByKey(ctx context.Context, employee string, at time.Time, logType string) (models.EmployeeCheckin, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkinColumns+` FROM employee_checkins
		WHERE employee = ? AND time = ? AND log_type = ?`, employee, s.formatTime(at), logType)
	return s.scanCheckin(row)
}

// SetCheckinDeviceID rewrites the device location of a checkin.
func (s *Store) SetCheckinDeviceID(ctx context.Context, name, location string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE employee_checkins SET device_id = ? WHERE name = ?`, location, name)
	return err
}

// ShiftLogs returns the on-shift checkins of one employee shift instance,
// ordered by time.
func (s *Store) ShiftLogs(ctx context.Context, employee, shift string, actualStart time.Time) ([]models.EmployeeCheckin, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkinColumns+` FROM employee_checkins
		WHERE employee = ? AND shift = ? AND shift_actual_start = ? AND offshift = 0 ORDER BY time`,
		employee, shift, s.formatTime(actualStart))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectCheckins(rows)
}

// LinkAttendance points the named checkins at an attendance record.
func (s *Store) LinkAttendance(ctx context.Context, names []string, attendance string) error {
	if len(names) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(names)+1)
	args = append(args, attendance)
	for _, n := range names {
		args = append(args, n)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE employee_checkins SET attendance = ? WHERE name IN (`+placeholders(len(names))+`)`, args...)
	return err
}

func (s *Store) BioTimeCheckinExists(ctx context.Context, code string, at time.Time, logType string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM biotime_checkins WHERE biotime_employee_code = ? AND time = ? AND log_type = ?`,
		code, s.formatTime(at), logType).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) InsertBioTimeCheckin(ctx context.Context, c *models.BioTimeCheckin) error {
	if c.Name == "" {
		c.Name = "BT-CKIN-" + uuid.NewString()
	}
	return s.insertOrDuplicate(ctx, `INSERT INTO biotime_checkins (name, biotime_employee_code, first_name, last_name,
		department, position, device_sn, device_alias, log_type, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		c.Name, c.BioTimeEmployeeCode, c.FirstName, c.LastName, c.Department, c.Position,
		c.DeviceSN, c.DeviceAlias, c.LogType, s.formatTime(c.Time))
}

func (s *Store) BioTimeCheckinsBetween(ctx context.Context, start, end time.Time) ([]models.BioTimeCheckin, error) {
	lo, hi := s.bounds(start, end)
	rows, err := s.db.QueryContext(ctx, `SELECT name, biotime_employee_code, first_name, last_name, department, position,
		device_sn, device_alias, log_type, time FROM biotime_checkins
		WHERE time >= ? AND time <= ? ORDER BY time, biotime_employee_code`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.BioTimeCheckin
	for rows.Next() {
		var c models.BioTimeCheckin
		var at string
		if err := rows.Scan(&c.Name, &c.BioTimeEmployeeCode, &c.FirstName, &c.LastName, &c.Department, &c.Position,
			&c.DeviceSN, &c.DeviceAlias, &c.LogType, &at); err != nil {
			return nil, err
		}
		if c.Time, err = s.parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) bounds(start, end time.Time) (string, string) {
	lo, hi := "", "9999-12-31 23:59:59"
	if !start.IsZero() {
		lo = s.formatTime(start)
	}
	if !end.IsZero() {
		hi = s.formatTime(end)
	}
	return lo, hi
}

func (s *Store) collectCheckins(rows *sql.Rows) ([]models.EmployeeCheckin, error) {
	var out []models.EmployeeCheckin
	for rows.Next() {
		c, err := s.scanCheckin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) scanCheckin(r scanner) (models.EmployeeCheckin, error) {
	var c models.EmployeeCheckin
	var at string
	var offshift int
	var ss, se, sas, sae sql.NullString
	if err := r.Scan(&c.Name, &c.Employee, &c.EmployeeName, &c.LogType, &at, &c.DeviceID, &c.Shift,
		&ss, &se, &sas, &sae, &offshift, &c.Attendance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EmployeeCheckin{}, ErrNotFound
		}
		return models.EmployeeCheckin{}, err
	}
	var err error
	if c.Time, err = s.parseTime(at); err != nil {
		return models.EmployeeCheckin{}, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{{&c.ShiftStart, ss}, {&c.ShiftEnd, se}, {&c.ShiftActualStart, sas}, {&c.ShiftActualEnd, sae}} {
		if *f.dst, err = s.parseOptTime(f.src); err != nil {
			return models.EmployeeCheckin{}, err
		}
	}
	c.Offshift = offshift != 0
	return c, nil
}
