package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Modality identifies one MRI channel of a study.
type Modality string

const (
	T2   Modality = "t2"
	ADC  Modality = "adc"
	BVal Modality = "bval"
)

// Modalities returns the channels in canonical order. The first entry is the
// one checked for degenerate (all-zero) crops.
func Modalities() []Modality {
	return []Modality{T2, ADC, BVal}
}

// ParseModality validates a modality name.
func ParseModality(s string) (Modality, error) {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modalities() {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown modality %q", s)
}

// Fiducial is a biopsy location as recorded in a findings table.
type Fiducial struct {
	// Point is the coordinate exactly as it was recorded
	Point Point

	// NegateXY marks coordinates recorded in RAS that need x and y flipped
	// to become LPS
	NegateXY bool
}

// LPS returns the fiducial in LPS convention. This is the only place the
// RAS/LPS sign flip is applied.
func (f Fiducial) LPS() Point {
	p := f.Point
	if f.NegateXY {
		p[0], p[1] = -p[0], -p[1]
	}
	return p
}

// ParseFiducial parses a space separated "x y z" coordinate string.
func ParseFiducial(pos string, negateXY bool) (Fiducial, error) {
	var p Point
	n := 0
	for _, field := range strings.Fields(pos) {
		if n == 3 {
			return Fiducial{}, fmt.Errorf("fiducial %q has more than 3 coordinates", pos)
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return Fiducial{}, fmt.Errorf("fiducial %q: %w", pos, err)
		}
		p[n] = v
		n++
	}
	if n != 3 {
		return Fiducial{}, fmt.Errorf("fiducial %q has %d coordinates, want 3", pos, n)
	}
	return Fiducial{Point: p, NegateXY: negateXY}, nil
}

// Finding is one lesion of one patient.
type Finding struct {
	PatientID string
	FindingID int
	Fiducial  Fiducial
	Zone      string

	// Label is the clinical significance (0 or 1); nil at test time
	Label *int
}

// Labeled reports whether the finding carries a clinical significance label.
func (f Finding) Labeled() bool {
	return f.Label != nil
}

// Key returns the patch set key. Labelled findings use "patientID_label";
// unlabelled findings use the patient ID alone so labels can never leak into
// the test key space.
func (f Finding) Key() string {
	if f.Label == nil {
		return f.PatientID
	}
	return fmt.Sprintf("%s_%d", f.PatientID, *f.Label)
}

// IntPtr is a small helper for building labelled findings.
func IntPtr(v int) *int {
	return &v
}

// ErrUnsupportedDevice is returned by components that cannot run on the
// configured device.
var ErrUnsupportedDevice = errors.New("unsupported device")

// Device is a compute placement such as "cpu" or "cuda:1".
type Device string

// CPU is the default device.
const CPU Device = "cpu"

// ParseDevice validates a device string.
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == "cpu":
		return CPU, nil
	case s == "mps":
		return Device(s), nil
	case strings.HasPrefix(s, "cuda"):
		rest := strings.TrimPrefix(s, "cuda")
		if rest == "" {
			return Device("cuda:0"), nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", fmt.Errorf("invalid device %q", s)
		}
		if _, err := strconv.Atoi(rest[1:]); err != nil {
			return "", fmt.Errorf("invalid device ordinal in %q", s)
		}
		return Device(s), nil
	}
	return "", fmt.Errorf("invalid device %q", s)
}
