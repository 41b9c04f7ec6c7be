package report

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"github.com/harrylevesque/biotimesync/internal/models"
)

const maxXLSRows = 100000

var (
	ErrEmptyWorksheet = errors.New("worksheet is empty")
	ErrMissingColumn  = errors.New("roster is missing a required column")
)

// header aliases per roster column
var rosterColumns = map[string][]string{
	"name":                 {"name", "employee", "employee id", "id"},
	"employee_name":        {"employee_name", "employee name", "full name"},
	"attendance_device_id": {"attendance_device_id", "attendance device id", "biometric id", "device id", "emp_code", "employee code"},
	"default_shift":        {"default_shift", "default shift", "shift"},
}

// ReadRoster parses an employee roster from XLSX or legacy XLS. The first
// row is the header. Rows without a name are skipped.
func ReadRoster(r io.Reader, filename string) ([]models.Employee, error) {
	rows, err := readRows(r, filename)
	if err != nil {
		return nil, err
	}
	idx := map[string]int{}
	for col, aliases := range rosterColumns {
		idx[col] = -1
		for i, h := range rows[0] {
			if contains(aliases, normalizeHeader(h)) {
				idx[col] = i
				break
			}
		}
	}
	if idx["name"] < 0 {
		return nil, fmt.Errorf("%w: name", ErrMissingColumn)
	}
	var out []models.Employee
	for _, row := range rows[1:] {
		e := models.Employee{
			Name:               cellValue(row, idx["name"]),
			EmployeeName:       cellValue(row, idx["employee_name"]),
			AttendanceDeviceID: normalizeCode(cellValue(row, idx["attendance_device_id"])),
			DefaultShift:       cellValue(row, idx["default_shift"]),
		}
		if e.Name == "" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func readRows(r io.Reader, filename string) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xls":
		wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
		if err != nil {
			return nil, err
		}
		if wb.NumSheets() == 0 {
			return nil, errors.New("no worksheet found")
		}
		rows := wb.ReadAllCells(maxXLSRows)
		if len(rows) == 0 {
			return nil, ErrEmptyWorksheet
		}
		return rows, nil
	case ".xlsx", ".xlsm":
		f, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		sheet := f.GetSheetName(0)
		if sheet == "" {
			return nil, errors.New("no worksheet found")
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, ErrEmptyWorksheet
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("unsupported roster file type %q", filepath.Ext(filename))
	}
}

// normalizeCode turns numeric cells like "1001.0" back into "1001". Text
// codes keep their leading zeros.
func normalizeCode(v string) string {
	whole, frac, ok := strings.Cut(v, ".")
	if !ok || whole == "" || strings.Trim(frac, "0") != "" || strings.Trim(whole, "0123456789") != "" {
		return v
	}
	return whole
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

func cellValue(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
