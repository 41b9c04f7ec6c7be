package models

import "time"

const (
	StatusPresent = "Present"
	StatusAbsent  = "Absent"
	StatusHalfDay = "Half Day"
)

// ShiftType describes a working shift. Thresholds of zero disable the check.
type ShiftType struct {
	Name                      string  `json:"name"`
	StartTime                 string  `json:"start_time"`
	EndTime                   string  `json:"end_time"`
	BeginCheckinBeforeMinutes int     `json:"begin_check_in_before_shift_start_time"`
	AllowCheckoutAfterMinutes int     `json:"allow_check_out_after_shift_end_time"`
	LateEntryGraceMinutes     int     `json:"late_entry_grace_period"`
	EarlyExitGraceMinutes     int     `json:"early_exit_grace_period"`
	HalfDayThresholdHours     float64 `json:"working_hours_threshold_for_half_day"`
	AbsentThresholdHours      float64 `json:"working_hours_threshold_for_absent"`
}

type Attendance struct {
	Name           string     `json:"name"`
	Employee       string     `json:"employee"`
	AttendanceDate string     `json:"attendance_date"`
	Status         string     `json:"status"`
	WorkingHours   float64    `json:"working_hours"`
	Shift          string     `json:"shift"`
	LateEntry      bool       `json:"late_entry"`
	EarlyExit      bool       `json:"early_exit"`
	InTime         *time.Time `json:"in_time,omitempty"`
	OutTime        *time.Time `json:"out_time,omitempty"`
}
