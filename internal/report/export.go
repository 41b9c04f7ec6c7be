// Package report reads and writes the spreadsheets operators exchange with
// the service.
package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/harrylevesque/biotimesync/internal/models"
)

const (
	CheckinsSheet        = "Employee Checkins"
	BioTimeCheckinsSheet = "BioTime Checkins"
)

var (
	checkinHeader = []interface{}{
		"Name", "Employee", "Employee Name", "Log Type", "Time", "Device ID",
		"Shift", "Off Shift", "Attendance",
	}
	bioTimeHeader = []interface{}{
		"Name", "BioTime Employee Code", "First Name", "Last Name", "Department",
		"Position", "Device SN", "Device Alias", "Log Type", "Time",
	}
)

// WriteCheckins writes both checkin kinds to an XLSX workbook, one sheet each.
func WriteCheckins(w io.Writer, checkins []models.EmployeeCheckin, bt []models.BioTimeCheckin) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), CheckinsSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(BioTimeCheckinsSheet); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	rows := make([][]interface{}, 0, len(checkins))
	for _, c := range checkins {
		rows = append(rows, []interface{}{
			c.Name, c.Employee, c.EmployeeName, c.LogType, c.Time.Format(models.TimeLayout),
			c.DeviceID, c.Shift, c.Offshift, c.Attendance,
		})
	}
	if err := writeSheet(f, CheckinsSheet, checkinHeader, rows, bold); err != nil {
		return err
	}

	rows = rows[:0]
	for _, c := range bt {
		rows = append(rows, []interface{}{
			c.Name, c.BioTimeEmployeeCode, c.FirstName, c.LastName, c.Department,
			c.Position, c.DeviceSN, c.DeviceAlias, c.LogType, c.Time.Format(models.TimeLayout),
		})
	}
	if err := writeSheet(f, BioTimeCheckinsSheet, bioTimeHeader, rows, bold); err != nil {
		return err
	}
	return f.Write(w)
}

func writeSheet(f *excelize.File, sheet string, header []interface{}, rows [][]interface{}, headerStyle int) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return err
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+2, err)
		}
	}
	lastCol, _ := excelize.ColumnNumberToName(len(header))
	return f.SetColWidth(sheet, "A", lastCol, 20)
}
