// Package findings reads lesion tables (patient, finding, fiducial, zone and
// optional clinical significance) from CSV or Excel files.
package findings

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"prostatexcnn/internal/models"
)

// column aliases, compared lower case
var aliases = map[string][]string{
	"patient": {"proxid", "patient_id", "patientid", "patient"},
	"finding": {"fid", "finding_id", "findingid"},
	"pos":     {"pos", "position", "fiducial"},
	"zone":    {"zone"},
	"label":   {"clinsig", "clin_sig", "label"},
}

// Read loads a findings table, choosing the reader by extension. Excel files
// are read from their first sheet.
func Read(path string, negateXY bool) ([]models.Finding, error) {
	rows, err := readTable(path)
	if err != nil {
		return nil, err
	}
	return parseRows(rows, negateXY)
}

// ReadCSV loads a findings table from a CSV file.
func ReadCSV(path string, negateXY bool) ([]models.Finding, error) {
	rows, err := csvRows(path)
	if err != nil {
		return nil, err
	}
	return parseRows(rows, negateXY)
}

// ReadXLSX loads a findings table from an Excel sheet; an empty sheet name
// selects the first sheet.
func ReadXLSX(path, sheet string, negateXY bool) ([]models.Finding, error) {
	rows, err := xlsxRows(path, sheet)
	if err != nil {
		return nil, err
	}
	return parseRows(rows, negateXY)
}

// readTable returns the raw rows of a .csv file or of the first sheet of an
// .xlsx file.
func readTable(path string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return csvRows(path)
	case ".xlsx":
		return xlsxRows(path, "")
	}
	return nil, fmt.Errorf("unsupported table file type: %s", path)
}

func csvRows(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV file: %w", err)
	}
	return rows, nil
}

func xlsxRows(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("excel file %s has no sheets", path)
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sheet, err)
	}
	return rows, nil
}

func parseRows(rows [][]string, negateXY bool) ([]models.Finding, error) {
	if len(rows) < 1 {
		return nil, fmt.Errorf("findings table has no header row")
	}
	cols, err := headerColumns(rows[0], aliases, "patient", "finding", "pos")
	if err != nil {
		return nil, err
	}

	var out []models.Finding
	for i, row := range rows[1:] {
		line := i + 2
		if blank(row) {
			continue
		}
		get := func(name string) string {
			c, ok := cols[name]
			if !ok || c >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[c])
		}

		f := models.Finding{PatientID: get("patient"), Zone: get("zone")}
		if f.PatientID == "" {
			return nil, fmt.Errorf("row %d: empty patient id", line)
		}
		if f.FindingID, err = strconv.Atoi(get("finding")); err != nil {
			return nil, fmt.Errorf("row %d: finding id: %w", line, err)
		}
		if f.Fiducial, err = models.ParseFiducial(get("pos"), negateXY); err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		if _, ok := cols["label"]; ok {
			label, err := parseLabel(get("label"))
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", line, err)
			}
			f.Label = label
		}
		out = append(out, f)
	}
	return out, nil
}

func headerColumns(header []string, table map[string][]string, required ...string) (map[string]int, error) {
	cols := make(map[string]int)
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for name, names := range table {
			for _, alias := range names {
				if h == alias {
					if _, dup := cols[name]; dup {
						return nil, fmt.Errorf("table header has more than one %s column", name)
					}
					cols[name] = i
				}
			}
		}
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("table header %v lacks a %s column", header, name)
		}
	}
	return cols, nil
}

// parseLabel accepts TRUE/FALSE as written by the challenge tables and 0/1.
// An empty cell means unlabelled.
func parseLabel(s string) (*int, error) {
	switch strings.ToLower(s) {
	case "":
		return nil, nil
	case "true", "1":
		return models.IntPtr(1), nil
	case "false", "0":
		return models.IntPtr(0), nil
	}
	return nil, fmt.Errorf("invalid clinical significance %q", s)
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
