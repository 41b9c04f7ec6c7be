package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/harrylevesque/biotimesync/internal/models"
)

const (
	settingAutoUpdateAttendance = "autoupdate_attendance"

	attendanceColumns = `name, employee, attendance_date, status, working_hours, shift, late_entry, early_exit, in_time, out_time`
)

var ErrInvalidShiftType = errors.New("invalid shift type")

func (s *Store) UpsertShiftType(ctx context.Context, st models.ShiftType) error {
	st.Name = strings.TrimSpace(st.Name)
	if st.Name == "" || st.StartTime == "" || st.EndTime == "" {
		return fmt.Errorf("%w: name, start_time and end_time are required", ErrInvalidShiftType)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO shift_types (name, start_time, end_time, begin_checkin_before,
		allow_checkout_after, late_entry_grace, early_exit_grace, half_day_threshold, absent_threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			begin_checkin_before = excluded.begin_checkin_before,
			allow_checkout_after = excluded.allow_checkout_after,
			late_entry_grace = excluded.late_entry_grace,
			early_exit_grace = excluded.early_exit_grace,
			half_day_threshold = excluded.half_day_threshold,
			absent_threshold = excluded.absent_threshold`,
		st.Name, st.StartTime, st.EndTime, st.BeginCheckinBeforeMinutes, st.AllowCheckoutAfterMinutes,
		st.LateEntryGraceMinutes, st.EarlyExitGraceMinutes, st.HalfDayThresholdHours, st.AbsentThresholdHours)
	return err
}

func (s *Store) ShiftType(ctx context.Context, name string) (models.ShiftType, error) {
	var st models.ShiftType
	err := s.db.QueryRowContext(ctx, `SELECT name, start_time, end_time, begin_checkin_before, allow_checkout_after,
		late_entry_grace, early_exit_grace, half_day_threshold, absent_threshold FROM shift_types WHERE name = ?`, name).
		Scan(&st.Name, &st.StartTime, &st.EndTime, &st.BeginCheckinBeforeMinutes, &st.AllowCheckoutAfterMinutes,
			&st.LateEntryGraceMinutes, &st.EarlyExitGraceMinutes, &st.HalfDayThresholdHours, &st.AbsentThresholdHours)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ShiftType{}, ErrNotFound
	}
	return st, err
}

func (s *Store) ShiftTypes(ctx context.Context) ([]models.ShiftType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, start_time, end_time, begin_checkin_before, allow_checkout_after,
		late_entry_grace, early_exit_grace, half_day_threshold, absent_threshold FROM shift_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ShiftType
	for rows.Next() {
		var st models.ShiftType
		if err := rows.Scan(&st.Name, &st.StartTime, &st.EndTime, &st.BeginCheckinBeforeMinutes, &st.AllowCheckoutAfterMinutes,
			&st.LateEntryGraceMinutes, &st.EarlyExitGraceMinutes, &st.HalfDayThresholdHours, &st.AbsentThresholdHours); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AttendanceBetween lists attendance with from <= attendance_date <= to.
// Dates are YYYY-MM-DD; an empty bound is open.
func (s *Store) AttendanceBetween(ctx context.Context, from, to string) ([]models.Attendance, error) {
	if to == "" {
		to = "9999-12-31"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+attendanceColumns+` FROM attendance
		WHERE attendance_date >= ? AND attendance_date <= ? ORDER BY attendance_date, employee`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Attendance
	for rows.Next() {
		a, err := s.scanAttendance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AttendanceFor returns the attendance of employee on date (YYYY-MM-DD).
func (s *Store) AttendanceFor(ctx context.Context, employee, date string) (models.Attendance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attendanceColumns+` FROM attendance
		WHERE employee = ? AND attendance_date = ?`, employee, date)
	return s.scanAttendance(row)
}

// InsertAttendance creates a, assigning a name when empty.
func (s *Store) InsertAttendance(ctx context.Context, a *models.Attendance) error {
	if a.Name == "" {
		a.Name = "ATT-" + uuid.NewString()
	}
	return s.insertOrDuplicate(ctx, `INSERT INTO attendance (`+attendanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		a.Name, a.Employee, a.AttendanceDate, a.Status, a.WorkingHours, a.Shift,
		boolInt(a.LateEntry), boolInt(a.EarlyExit), s.formatOptTime(a.InTime), s.formatOptTime(a.OutTime))
}

// UpdateAttendance rewrites the computed fields of an existing record.
func (s *Store) UpdateAttendance(ctx context.Context, a models.Attendance) error {
	res, err := s.db.ExecContext(ctx, `UPDATE attendance SET status = ?, working_hours = ?, shift = ?, late_entry = ?,
		early_exit = ?, in_time = ?, out_time = ? WHERE name = ?`,
		a.Status, a.WorkingHours, a.Shift, boolInt(a.LateEntry), boolInt(a.EarlyExit),
		s.formatOptTime(a.InTime), s.formatOptTime(a.OutTime), a.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanAttendance(r scanner) (models.Attendance, error) {
	var a models.Attendance
	var late, early int
	var in, out sql.NullString
	if err := r.Scan(&a.Name, &a.Employee, &a.AttendanceDate, &a.Status, &a.WorkingHours, &a.Shift,
		&late, &early, &in, &out); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Attendance{}, ErrNotFound
		}
		return models.Attendance{}, err
	}
	a.LateEntry, a.EarlyExit = late != 0, early != 0
	var err error
	if a.InTime, err = s.parseOptTime(in); err != nil {
		return models.Attendance{}, err
	}
	if a.OutTime, err = s.parseOptTime(out); err != nil {
		return models.Attendance{}, err
	}
	return a, nil
}

// AutoUpdateAttendance reports whether checkins should drive attendance.
func (s *Store) AutoUpdateAttendance(ctx context.Context) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingAutoUpdateAttendance).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (s *Store) SetAutoUpdateAttendance(ctx context.Context, on bool) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		settingAutoUpdateAttendance, fmt.Sprint(boolInt(on)))
	return err
}
