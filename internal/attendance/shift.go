// Package attendance assigns checkins to shifts and derives attendance
// records from the checkins of a shift.
package attendance

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/harrylevesque/biotimesync/internal/models"
)

var ErrInvalidClock = errors.New("invalid shift clock time")

// window is one concrete occurrence of a shift.
type window struct {
	start, end             time.Time
	actualStart, actualEnd time.Time
}

func parseClock(v string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, v); err == nil {
			return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidClock, v)
}

func shiftWindow(st models.ShiftType, day time.Time) (window, error) {
	startOff, err := parseClock(st.StartTime)
	if err != nil {
		return window{}, err
	}
	endOff, err := parseClock(st.EndTime)
	if err != nil {
		return window{}, err
	}
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	w := window{start: midnight.Add(startOff), end: midnight.Add(endOff)}
	if !w.end.After(w.start) {
		// overnight
		w.end = w.end.Add(24 * time.Hour)
	}
	w.actualStart = w.start.Add(-time.Duration(st.BeginCheckinBeforeMinutes) * time.Minute)
	w.actualEnd = w.end.Add(time.Duration(st.AllowCheckoutAfterMinutes) * time.Minute)
	return w, nil
}

// AssignShift fills the shift fields of c. The punch day's occurrence is
// tried first, then the previous day's so overnight shifts keep their
// morning punches. A punch outside both windows is marked off-shift.
func AssignShift(c *models.EmployeeCheckin, st models.ShiftType) error {
	today, err := shiftWindow(st, c.Time)
	if err != nil {
		return err
	}
	yesterday, err := shiftWindow(st, c.Time.AddDate(0, 0, -1))
	if err != nil {
		return err
	}
	chosen, offshift := today, true
	for _, w := range []window{today, yesterday} {
		if !c.Time.Before(w.actualStart) && !c.Time.After(w.actualEnd) {
			chosen, offshift = w, false
			break
		}
	}
	c.Shift = st.Name
	c.ShiftStart = ptr(chosen.start)
	c.ShiftEnd = ptr(chosen.end)
	c.ShiftActualStart = ptr(chosen.actualStart)
	c.ShiftActualEnd = ptr(chosen.actualEnd)
	c.Offshift = offshift
	return nil
}

// Result is the attendance derived from one shift's logs.
type Result struct {
	Status       string
	WorkingHours float64
	LateEntry    bool
	EarlyExit    bool
	InTime       *time.Time
	OutTime      *time.Time
}

// Evaluate computes attendance from logs ordered by time using the first
// check-in and last check-out.
func Evaluate(logs []models.EmployeeCheckin, st models.ShiftType, shiftStart, shiftEnd time.Time) Result {
	var r Result
	if len(logs) == 0 {
		r.Status = models.StatusAbsent
		return r
	}
	r.InTime = ptr(logs[0].Time)
	if len(logs) > 1 {
		r.OutTime = ptr(logs[len(logs)-1].Time)
		r.WorkingHours = math.Round(r.OutTime.Sub(*r.InTime).Hours()*100) / 100
	}
	grace := time.Duration(st.LateEntryGraceMinutes) * time.Minute
	r.LateEntry = r.InTime.After(shiftStart.Add(grace))
	if r.OutTime != nil {
		grace = time.Duration(st.EarlyExitGraceMinutes) * time.Minute
		r.EarlyExit = r.OutTime.Before(shiftEnd.Add(-grace))
	}
	switch {
	case st.AbsentThresholdHours > 0 && r.WorkingHours < st.AbsentThresholdHours:
		r.Status = models.StatusAbsent
	case st.HalfDayThresholdHours > 0 && r.WorkingHours < st.HalfDayThresholdHours:
		r.Status = models.StatusHalfDay
	default:
		r.Status = models.StatusPresent
	}
	return r
}

func ptr(t time.Time) *time.Time {
	return &t
}
