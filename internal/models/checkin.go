package models

import "time"

const (
	LogTypeIn  = "IN"
	LogTypeOut = "OUT"
)

// TimeLayout is the wall-clock format BioTime uses for punch times and
// query ranges. Stored checkin times use it too.
const TimeLayout = "2006-01-02 15:04:05"

// Employee maps a local employee to the code enrolled on the terminals.
type Employee struct {
	Name               string `json:"name"`
	EmployeeName       string `json:"employee_name"`
	AttendanceDeviceID string `json:"attendance_device_id"`
	DefaultShift       string `json:"default_shift,omitempty"`
}

// EmployeeCheckin is a punch recorded against a known employee.
type EmployeeCheckin struct {
	Name             string     `json:"name"`
	Employee         string     `json:"employee"`
	EmployeeName     string     `json:"employee_name"`
	LogType          string     `json:"log_type"`
	Time             time.Time  `json:"time"`
	DeviceID         string     `json:"device_id"`
	Shift            string     `json:"shift,omitempty"`
	ShiftStart       *time.Time `json:"shift_start,omitempty"`
	ShiftEnd         *time.Time `json:"shift_end,omitempty"`
	ShiftActualStart *time.Time `json:"shift_actual_start,omitempty"`
	ShiftActualEnd   *time.Time `json:"shift_actual_end,omitempty"`
	Offshift         bool       `json:"offshift"`
	Attendance       string     `json:"attendance,omitempty"`
}

// BioTimeCheckin is a punch whose employee code has no local employee.
type BioTimeCheckin struct {
	Name                string    `json:"name"`
	BioTimeEmployeeCode string    `json:"biotime_employee_code"`
	FirstName           string    `json:"first_name"`
	LastName            string    `json:"last_name"`
	Department          string    `json:"department"`
	Position            string    `json:"position"`
	DeviceSN            string    `json:"device_sn"`
	DeviceAlias         string    `json:"device_alias"`
	LogType             string    `json:"log_type"`
	Time                time.Time `json:"time"`
}
