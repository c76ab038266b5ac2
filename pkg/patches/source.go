package patches

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"prostatexcnn/internal/models"
	"prostatexcnn/pkg/logging"
	"prostatexcnn/pkg/resample"
	"prostatexcnn/pkg/volumeio"
)

// ErrUnreadable marks a patient whose volumes exist but could not be loaded.
var ErrUnreadable = errors.New("unreadable volume")

// VolumeSource provides the per-modality volumes of one patient. A missing
// acquisition is reported as a nil entry, never as an error.
type VolumeSource interface {
	Volumes(patientID string) (map[models.Modality]*models.Volume, error)
}

// DirSource reads volumes laid out as {Root}/{modality}/{patientID}.nrrd or
// {Root}/{modality}/{patientID}/ (DICOM series), resampling each to Spacing
// when Resample is set.
type DirSource struct {
	Root       string
	Modalities []models.Modality
	Spacing    [3]float64
	Resample   bool
	Log        *logging.Logger

	mu        sync.Mutex
	cachedID  string
	cachedSet map[models.Modality]*models.Volume
}

// NewDirSource creates a directory-backed source.
func NewDirSource(root string, modalities []models.Modality, spacing [3]float64, resampleOnLoad bool, log *logging.Logger) *DirSource {
	return &DirSource{
		Root:       root,
		Modalities: modalities,
		Spacing:    spacing,
		Resample:   resampleOnLoad,
		Log:        log,
	}
}

// Volumes loads every modality of patientID. Consecutive findings of the same
// patient reuse the previous load.
func (s *DirSource) Volumes(patientID string) (map[models.Modality]*models.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cachedSet != nil && s.cachedID == patientID {
		return s.cachedSet, nil
	}

	vols := make(map[models.Modality]*models.Volume, len(s.Modalities))
	for _, m := range s.Modalities {
		path, ok := s.locate(m, patientID)
		if !ok {
			s.Log.Debug("no %s volume for %s", m, patientID)
			vols[m] = nil
			continue
		}
		v, err := volumeio.Load(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreadable, patientID, m, err)
		}
		if s.Resample {
			if v, err = resample.Resample(v, s.Spacing, false); err != nil {
				return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreadable, patientID, m, err)
			}
		}
		vols[m] = v
	}

	s.cachedID, s.cachedSet = patientID, vols
	return vols, nil
}

func (s *DirSource) locate(m models.Modality, patientID string) (string, bool) {
	for _, candidate := range []string{
		filepath.Join(s.Root, string(m), patientID+".nrrd"),
		filepath.Join(s.Root, string(m), patientID+".nhdr"),
		filepath.Join(s.Root, string(m), patientID),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		} else if !errors.Is(err, fs.ErrNotExist) {
			s.Log.Warn("cannot stat %s: %v", candidate, err)
		}
	}
	return "", false
}

// MemorySource serves preloaded volumes; handy for tests and for callers that
// already hold resampled data.
type MemorySource map[string]map[models.Modality]*models.Volume

// Volumes returns the stored volumes of patientID.
func (m MemorySource) Volumes(patientID string) (map[models.Modality]*models.Volume, error) {
	return m[patientID], nil
}

// CohortSource reads an external cohort laid out as {Root}/{patientID}/ with
// one NRRD per modality whose file name contains the modality name, such as
// "KGH_017_adc.nrrd". Every volume is resampled to Spacing and, when a
// reference volume is set for its modality, histogram matched to it.
type CohortSource struct {
	Root       string
	Modalities []models.Modality
	Spacing    [3]float64

	References map[models.Modality]*models.Volume
	Match      resample.HistogramMatch

	Log *logging.Logger

	mu        sync.Mutex
	cachedID  string
	cachedSet map[models.Modality]*models.Volume
}

// NewCohortSource creates a source without histogram references.
func NewCohortSource(root string, modalities []models.Modality, spacing [3]float64, log *logging.Logger) *CohortSource {
	return &CohortSource{
		Root:       root,
		Modalities: modalities,
		Spacing:    spacing,
		Match:      resample.DefaultHistogramMatch(),
		Log:        log,
	}
}

// Volumes loads every modality of patientID.
func (s *CohortSource) Volumes(patientID string) (map[models.Modality]*models.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cachedSet != nil && s.cachedID == patientID {
		return s.cachedSet, nil
	}

	files, err := s.locate(patientID)
	if err != nil {
		return nil, err
	}
	vols := make(map[models.Modality]*models.Volume, len(s.Modalities))
	for _, m := range s.Modalities {
		path, ok := files[m]
		if !ok {
			s.Log.Debug("no %s volume for %s", m, patientID)
			vols[m] = nil
			continue
		}
		v, err := volumeio.LoadNRRD(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreadable, patientID, m, err)
		}
		if v, err = resample.Resample(v, s.Spacing, false); err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreadable, patientID, m, err)
		}
		if ref := s.References[m]; ref != nil {
			if v, err = resample.MatchHistogram(v, ref, s.Match); err != nil {
				return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreadable, patientID, m, err)
			}
		}
		vols[m] = v
	}

	s.cachedID, s.cachedSet = patientID, vols
	return vols, nil
}

// locate picks, per modality, the first NRRD file in name order whose name
// contains the modality.
func (s *CohortSource) locate(patientID string) (map[models.Modality]string, error) {
	dir := filepath.Join(s.Root, patientID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, patientID, err)
	}

	files := make(map[models.Modality]string)
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if e.IsDir() || !(strings.HasSuffix(name, ".nrrd") || strings.HasSuffix(name, ".nhdr")) {
			continue
		}
		for _, m := range s.Modalities {
			if _, seen := files[m]; !seen && strings.Contains(name, string(m)) {
				files[m] = filepath.Join(dir, e.Name())
			}
		}
	}
	return files, nil
}
