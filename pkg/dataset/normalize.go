package dataset

import (
	"fmt"
	"math"
	"path/filepath"

	"gonum.org/v1/gonum/stat"

	"prostatexcnn/internal/models"
	"prostatexcnn/pkg/volumeio"
)

// Normalizer standardizes the voxels of one patch into a new slice.
type Normalizer interface {
	Normalize(data []float64) ([]float64, error)
	Name() string
}

// SampleZScore standardizes each patch by its own mean and unbiased standard
// deviation. Constant patches produce non-finite values.
type SampleZScore struct{}

// Name returns "sample".
func (SampleZScore) Name() string { return "sample" }

// Normalize returns (x - mean) / std of the patch.
func (SampleZScore) Normalize(data []float64) ([]float64, error) {
	mean, std := stat.MeanStdDev(data, nil)
	out := make([]float64, len(data))
	for i, x := range data {
		out[i] = (x - mean) / std
	}
	return out, nil
}

// GlobalZScore standardizes voxelwise with precomputed mean and standard
// deviation volumes of the training store.
type GlobalZScore struct {
	Mean []float64
	Std  []float64
}

// Name returns "global".
func (GlobalZScore) Name() string { return "global" }

// Normalize returns (x - mean[i]) / std[i] per voxel.
func (g GlobalZScore) Normalize(data []float64) ([]float64, error) {
	if len(data) != len(g.Mean) || len(data) != len(g.Std) {
		return nil, fmt.Errorf("patch has %d voxels but normalization volumes have %d", len(data), len(g.Mean))
	}
	out := make([]float64, len(data))
	for i, x := range data {
		out[i] = (x - g.Mean[i]) / g.Std[i]
	}
	return out, nil
}

// StatsPaths returns the mean and std volume paths of a modality.
func StatsPaths(dir string, m models.Modality) (mean, std string) {
	return filepath.Join(dir, string(m)+"_mean.nrrd"), filepath.Join(dir, string(m)+"_std.nrrd")
}

// LoadGlobalZScore reads the mean and std volumes of a modality from dir.
func LoadGlobalZScore(dir string, m models.Modality) (*GlobalZScore, error) {
	meanPath, stdPath := StatsPaths(dir, m)
	mean, err := volumeio.LoadNRRD(meanPath)
	if err != nil {
		return nil, fmt.Errorf("error loading mean volume: %w", err)
	}
	std, err := volumeio.LoadNRRD(stdPath)
	if err != nil {
		return nil, fmt.Errorf("error loading std volume: %w", err)
	}
	if mean.Size != std.Size {
		return nil, fmt.Errorf("mean size %v differs from std size %v", mean.Size, std.Size)
	}
	return &GlobalZScore{Mean: mean.Data, Std: std.Data}, nil
}

// ComputeGlobalStats computes the voxelwise mean and unbiased standard
// deviation over every patch the provider currently exposes, reading raw
// (unnormalized) data.
func ComputeGlobalStats(p *Provider) (mean, std *models.Volume, err error) {
	n := p.Len()
	if n < 2 {
		return nil, nil, fmt.Errorf("need at least 2 patches for global statistics, have %d", n)
	}

	var first *models.Volume
	var sum, sumSq []float64
	for i := 0; i < n; i++ {
		v, _, err := p.Raw(i)
		if err != nil {
			return nil, nil, err
		}
		if first == nil {
			first = v
			sum = make([]float64, len(v.Data))
			sumSq = make([]float64, len(v.Data))
		} else if v.Size != first.Size {
			return nil, nil, fmt.Errorf("patch %d has size %v, want %v", i, v.Size, first.Size)
		}
		for j, x := range v.Data {
			sum[j] += x
			sumSq[j] += x * x
		}
	}

	mean = first.CopyGeometry()
	std = first.CopyGeometry()
	fn := float64(n)
	for j := range sum {
		m := sum[j] / fn
		mean.Data[j] = m
		variance := (sumSq[j] - fn*m*m) / (fn - 1)
		if variance < 0 {
			variance = 0
		}
		std.Data[j] = math.Sqrt(variance)
	}
	return mean, std, nil
}

// SaveGlobalStats writes mean and std volumes next to each other in dir.
func SaveGlobalStats(dir string, m models.Modality, mean, std *models.Volume) error {
	meanPath, stdPath := StatsPaths(dir, m)
	if err := volumeio.SaveNRRD(meanPath, mean, volumeio.NRRDOptions{}); err != nil {
		return err
	}
	return volumeio.SaveNRRD(stdPath, std, volumeio.NRRDOptions{})
}
