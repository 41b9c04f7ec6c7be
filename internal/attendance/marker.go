package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harrylevesque/biotimesync/internal/models"
	"github.com/harrylevesque/biotimesync/internal/store"
)

var ErrInvalidStatus = errors.New("invalid attendance status")

// Store is the persistence Marker needs.
type Store interface {
	Employee(ctx context.Context, name string) (models.Employee, error)
	ShiftType(ctx context.Context, name string) (models.ShiftType, error)
	ShiftLogs(ctx context.Context, employee, shift string, actualStart time.Time) ([]models.EmployeeCheckin, error)
	AttendanceFor(ctx context.Context, employee, date string) (models.Attendance, error)
	InsertAttendance(ctx context.Context, a *models.Attendance) error
	UpdateAttendance(ctx context.Context, a models.Attendance) error
	LinkAttendance(ctx context.Context, names []string, attendance string) error
	AutoUpdateAttendance(ctx context.Context) (bool, error)
}

// Marker keeps attendance in step with inserted checkins.
type Marker struct {
	st Store
	lg *zap.Logger
}

func NewMarker(st Store, lg *zap.Logger) *Marker {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Marker{st: st, lg: lg}
}

// PrepareCheckin assigns the employee's default shift to c before it is
// stored. Employees without a default shift are left untouched.
func (m *Marker) PrepareCheckin(ctx context.Context, c *models.EmployeeCheckin) error {
	emp, err := m.st.Employee(ctx, c.Employee)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if emp.DefaultShift == "" {
		return nil
	}
	st, err := m.st.ShiftType(ctx, emp.DefaultShift)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.lg.Warn("default shift type missing", zap.String("employee", emp.Name), zap.String("shift", emp.DefaultShift))
			return nil
		}
		return err
	}
	return AssignShift(c, st)
}

// OnCheckin recomputes attendance for the shift c belongs to. It is a no-op
// unless automatic attendance is enabled and c is an on-shift punch.
func (m *Marker) OnCheckin(ctx context.Context, c models.EmployeeCheckin) (*models.Attendance, error) {
	on, err := m.st.AutoUpdateAttendance(ctx)
	if err != nil {
		return nil, err
	}
	if !on || c.Shift == "" || c.Offshift || c.ShiftActualStart == nil || c.ShiftStart == nil || c.ShiftEnd == nil {
		return nil, nil
	}
	st, err := m.st.ShiftType(ctx, c.Shift)
	if err != nil {
		return nil, fmt.Errorf("shift type %s: %w", c.Shift, err)
	}
	logs, err := m.st.ShiftLogs(ctx, c.Employee, c.Shift, *c.ShiftActualStart)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}
	res := Evaluate(logs, st, *c.ShiftStart, *c.ShiftEnd)
	return m.Mark(ctx, logs, res, c.ShiftActualStart.Format("2006-01-02"), c.Shift)
}

// Mark creates or updates the attendance of logs' employee on date and links
// the logs to it. Only Present, Absent and Half Day are accepted.
func (m *Marker) Mark(ctx context.Context, logs []models.EmployeeCheckin, res Result, date, shift string) (*models.Attendance, error) {
	switch res.Status {
	case models.StatusPresent, models.StatusAbsent, models.StatusHalfDay:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, res.Status)
	}
	if len(logs) == 0 {
		return nil, nil
	}
	employee := logs[0].Employee
	att, err := m.st.AttendanceFor(ctx, employee, date)
	switch {
	case err == nil:
		fill(&att, res, shift)
		if err := m.st.UpdateAttendance(ctx, att); err != nil {
			return nil, err
		}
	case errors.Is(err, store.ErrNotFound):
		att = models.Attendance{Employee: employee, AttendanceDate: date}
		fill(&att, res, shift)
		if err := m.st.InsertAttendance(ctx, &att); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	names := make([]string, 0, len(logs))
	for _, l := range logs {
		names = append(names, l.Name)
	}
	if err := m.st.LinkAttendance(ctx, names, att.Name); err != nil {
		return nil, err
	}
	m.lg.Debug("attendance marked",
		zap.String("employee", employee),
		zap.String("date", date),
		zap.String("status", att.Status),
		zap.Float64("working_hours", att.WorkingHours))
	return &att, nil
}

func fill(a *models.Attendance, res Result, shift string) {
	a.Status = res.Status
	a.WorkingHours = res.WorkingHours
	a.Shift = shift
	a.LateEntry = res.LateEntry
	a.EarlyExit = res.EarlyExit
	a.InTime = res.InTime
	a.OutTime = res.OutTime
}
