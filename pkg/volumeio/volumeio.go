// Package volumeio reads and writes 3D medical volumes: NRRD files and
// single-frame DICOM series.
package volumeio

import (
	"fmt"
	"os"

	"prostatexcnn/internal/models"
)

// Load reads a volume from path. Regular files are parsed as NRRD and
// directories as a DICOM series.
func Load(path string) (*models.Volume, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("error accessing volume: %w", err)
	}
	if info.IsDir() {
		return LoadDICOMSeries(path)
	}
	return LoadNRRD(path)
}
