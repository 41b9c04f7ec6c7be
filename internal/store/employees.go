package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/harrylevesque/biotimesync/internal/models"
)

var ErrInvalidEmployee = errors.New("invalid employee")

// UpsertEmployee creates or replaces an employee mapping.
func (s *Store) UpsertEmployee(ctx context.Context, e models.Employee) error {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEmployee)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO employees (name, employee_name, attendance_device_id, default_shift)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			employee_name = excluded.employee_name,
			attendance_device_id = excluded.attendance_device_id,
			default_shift = excluded.default_shift`,
		e.Name, e.EmployeeName, strings.TrimSpace(e.AttendanceDeviceID), e.DefaultShift)
	return err
}

func (s *Store) Employee(ctx context.Context, name string) (models.Employee, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, employee_name, attendance_device_id, default_shift
		FROM employees WHERE name = ?`, name)
	return scanEmployee(row)
}

// EmployeeByDeviceCode resolves the employee enrolled on the terminals under
// code. Empty codes never match.
func (s *Store) EmployeeByDeviceCode(ctx context.Context, code string) (models.Employee, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.Employee{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT name, employee_name, attendance_device_id, default_shift
		FROM employees WHERE attendance_device_id = ? ORDER BY name LIMIT 1`, code)
	return scanEmployee(row)
}

func (s *Store) Employees(ctx context.Context) ([]models.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, employee_name, attendance_device_id, default_shift
		FROM employees ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEmployee(r scanner) (models.Employee, error) {
	var e models.Employee
	if err := r.Scan(&e.Name, &e.EmployeeName, &e.AttendanceDeviceID, &e.DefaultShift); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Employee{}, ErrNotFound
		}
		return models.Employee{}, err
	}
	return e, nil
}
