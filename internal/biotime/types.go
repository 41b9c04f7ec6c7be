package biotime

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/harrylevesque/biotimesync/internal/models"
)

// PunchCheckIn is the punch_state_display value of an IN punch. Every other
// state is treated as OUT.
const PunchCheckIn = "Check In"

// Area is the zone a terminal is assigned to.
type Area struct {
	ID       int64  `json:"id"`
	AreaCode string `json:"area_code"`
	AreaName string `json:"area_name"`
}

// Terminal is a BioTime device as returned by /iclock/api/terminals/.
type Terminal struct {
	ID           int64  `json:"id"`
	SN           string `json:"sn"`
	IPAddress    string `json:"ip_address"`
	Alias        string `json:"alias"`
	TerminalName string `json:"terminal_name"`
	LastActivity string `json:"last_activity"`
	Area         Area   `json:"area"`
}

// Transaction is a single punch from /iclock/api/transactions/.
type Transaction struct {
	ID                int64  `json:"id"`
	EmpCode           Code   `json:"emp_code"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Department        string `json:"department"`
	Position          string `json:"position"`
	PunchTime         string `json:"punch_time"`
	PunchState        string `json:"punch_state"`
	PunchStateDisplay string `json:"punch_state_display"`
	TerminalSN        string `json:"terminal_sn"`
	TerminalAlias     string `json:"terminal_alias"`
	AreaAlias         string `json:"area_alias"`
	UploadTime        string `json:"upload_time"`
}

// LogType maps the punch state to IN or OUT.
func (t Transaction) LogType() string {
	if t.PunchStateDisplay == PunchCheckIn {
		return models.LogTypeIn
	}
	return models.LogTypeOut
}

// Code accepts employee codes sent either as JSON strings or numbers.
type Code string

func (c *Code) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*c = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = Code(n.String())
	return nil
}

// page is the envelope every list endpoint uses.
type page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Data     []T     `json:"data"`
}

// TransactionPage is one page of transactions.
type TransactionPage struct {
	Count        int
	HasNext      bool
	Transactions []Transaction
}

// TransactionQuery filters /iclock/api/transactions/. Zero fields are omitted.
type TransactionQuery struct {
	StartTime     time.Time
	EndTime       time.Time
	PageSize      int
	EmpCode       string
	TerminalSN    string
	TerminalAlias string
}

func (q TransactionQuery) params(page int) map[string]string {
	p := map[string]string{}
	if !q.StartTime.IsZero() {
		p["start_time"] = q.StartTime.Format(models.TimeLayout)
	}
	if !q.EndTime.IsZero() {
		p["end_time"] = q.EndTime.Format(models.TimeLayout)
	}
	if q.PageSize > 0 {
		p["page_size"] = strconv.Itoa(q.PageSize)
	}
	if q.EmpCode != "" {
		p["emp_code"] = q.EmpCode
	}
	if q.TerminalSN != "" {
		p["terminal_sn"] = q.TerminalSN
	}
	if q.TerminalAlias != "" {
		p["terminal_alias"] = q.TerminalAlias
	}
	if page > 0 {
		p["page"] = strconv.Itoa(page)
	}
	return p
}
