package findings

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"prostatexcnn/internal/models"
)

// FiducialDir is the cohort subdirectory holding one markups file per patient.
const FiducialDir = "fiducials"

var gleasonAliases = map[string][]string{
	"patient": {"anonymized", "patient_id", "patientid", "patient"},
	"gleason": {"total gleason xypeguide", "total gleason", "gleason"},
}

// ReadFiducialFile reads the first point of a 3D Slicer markups file
// (.fcsv). Points recorded in RAS, which is the default when the file does
// not name a coordinate system, are flagged for the x/y flip.
func ReadFiducialFile(path string) (models.Fiducial, error) {
	file, err := os.Open(path)
	if err != nil {
		return models.Fiducial{}, fmt.Errorf("failed to open fiducial file: %w", err)
	}
	defer file.Close()

	ras := true
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if key, value, ok := strings.Cut(strings.TrimLeft(line, "# "), "="); ok &&
				strings.EqualFold(strings.TrimSpace(key), "CoordinateSystem") {
				switch strings.ToUpper(strings.TrimSpace(value)) {
				case "0", "RAS":
					ras = true
				case "1", "LPS":
					ras = false
				default:
					return models.Fiducial{}, fmt.Errorf("%s: unknown coordinate system %q", path, value)
				}
			}
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			return models.Fiducial{}, fmt.Errorf("%s: markup line has %d fields, want id,x,y,z", path, len(fields))
		}
		var p models.Point
		for a := 0; a < 3; a++ {
			if p[a], err = strconv.ParseFloat(strings.TrimSpace(fields[a+1]), 64); err != nil {
				return models.Fiducial{}, fmt.Errorf("%s: coordinate %d: %w", path, a, err)
			}
		}
		return models.Fiducial{Point: p, NegateXY: ras}, nil
	}
	if err := scanner.Err(); err != nil {
		return models.Fiducial{}, fmt.Errorf("failed to read fiducial file: %w", err)
	}
	return models.Fiducial{}, fmt.Errorf("%s holds no markup", path)
}

// ReadCohort lists the findings of an external cohort laid out as
// {root}/fiducials/{patientID}[.fcsv], one finding per patient, in patient
// order. Findings are unlabelled until ApplyLabels.
func ReadCohort(root string) ([]models.Finding, error) {
	dir := filepath.Join(root, FiducialDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list fiducials: %w", err)
	}

	var out []models.Finding
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		fid, err := ReadFiducialFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, models.Finding{
			PatientID: strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			FindingID: 1,
			Fiducial:  fid,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}

// CohortID returns the label-table id of a cohort folder name: its first two
// underscore separated fields, so "KGH_017_b" reads as "KGH_017".
func CohortID(patientID string) string {
	parts := strings.SplitN(patientID, "_", 3)
	if len(parts) < 2 {
		return patientID
	}
	return parts[0] + "_" + parts[1]
}

// ReadGleasonLabels reads a cohort label table (.csv or .xlsx) mapping
// patient ids to clinical significance: a total Gleason score of 0 is benign
// and any positive score is significant. Rows whose score is blank or not a
// number are left out.
func ReadGleasonLabels(path string) (map[string]int, error) {
	rows, err := readTable(path)
	if err != nil {
		return nil, err
	}
	if len(rows) < 1 {
		return nil, fmt.Errorf("label table has no header row")
	}
	cols, err := headerColumns(rows[0], gleasonAliases, "patient", "gleason")
	if err != nil {
		return nil, err
	}

	labels := make(map[string]int)
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		get := func(name string) string {
			if c := cols[name]; c < len(row) {
				return strings.TrimSpace(row[c])
			}
			return ""
		}
		id := get("patient")
		if id == "" {
			return nil, fmt.Errorf("row %d: empty patient id", i+2)
		}
		score, err := strconv.Atoi(get("gleason"))
		if err != nil || score < 0 {
			continue
		}
		if _, dup := labels[id]; dup {
			return nil, fmt.Errorf("row %d: duplicate patient %s", i+2, id)
		}
		labels[id] = 0
		if score > 0 {
			labels[id] = 1
		}
	}
	return labels, nil
}

// ApplyLabels labels every finding whose cohort id appears in labels and
// returns how many were labelled.
func ApplyLabels(list []models.Finding, labels map[string]int) int {
	n := 0
	for i := range list {
		if l, ok := labels[CohortID(list[i].PatientID)]; ok {
			list[i].Label = models.IntPtr(l)
			n++
		}
	}
	return n
}
