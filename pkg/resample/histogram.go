package resample

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"prostatexcnn/internal/models"
)

// ErrFlatHistogram is returned when a volume has too few distinct intensities
// to estimate quantiles from.
var ErrFlatHistogram = errors.New("flat intensity histogram")

// HistogramMatch configures MatchHistogram.
type HistogramMatch struct {
	// MatchPoints is the number of interior quantiles matched between the
	// minimum and the maximum
	MatchPoints int

	// ThresholdAtMean restricts quantile estimation to voxels brighter than
	// the volume mean, which leaves the background out
	ThresholdAtMean bool
}

// DefaultHistogramMatch mirrors the usual scanner-harmonization setup.
func DefaultHistogramMatch() HistogramMatch {
	return HistogramMatch{MatchPoints: 7, ThresholdAtMean: true}
}

// MatchHistogram maps the intensities of src onto the distribution of ref
// with a piecewise linear transfer through matching quantiles. Values
// outside the source range are extrapolated with the slope of the outermost
// segment. Geometry is taken from src.
func MatchHistogram(src, ref *models.Volume, opts HistogramMatch) (*models.Volume, error) {
	if src == nil || ref == nil || src.Len() == 0 || ref.Len() == 0 {
		return nil, fmt.Errorf("histogram matching needs two non-empty volumes")
	}
	if opts.MatchPoints < 0 {
		return nil, fmt.Errorf("match points must not be negative, got %d", opts.MatchPoints)
	}

	srcKnots, err := quantileKnots(src.Data, opts)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	refKnots, err := quantileKnots(ref.Data, opts)
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}

	// Keep a strictly increasing source axis
	xs := []float64{srcKnots[0]}
	ys := []float64{refKnots[0]}
	for i := 1; i < len(srcKnots); i++ {
		if srcKnots[i] > xs[len(xs)-1] {
			xs = append(xs, srcKnots[i])
			ys = append(ys, refKnots[i])
		}
	}
	if len(xs) < 2 {
		return nil, fmt.Errorf("source: %w", ErrFlatHistogram)
	}

	out := src.CopyGeometry()
	for i, x := range src.Data {
		out.Data[i] = transfer(xs, ys, x)
	}
	return out, nil
}

// quantileKnots returns min, the interior quantiles and max of the voxels
// used for matching.
func quantileKnots(data []float64, opts HistogramMatch) ([]float64, error) {
	sample := append([]float64(nil), data...)
	if opts.ThresholdAtMean {
		mean := stat.Mean(data, nil)
		sample = sample[:0]
		for _, x := range data {
			if x > mean {
				sample = append(sample, x)
			}
		}
	}
	if len(sample) < 2 {
		return nil, ErrFlatHistogram
	}
	sort.Float64s(sample)

	knots := make([]float64, 0, opts.MatchPoints+2)
	knots = append(knots, floats.Min(sample))
	for k := 1; k <= opts.MatchPoints; k++ {
		p := float64(k) / float64(opts.MatchPoints+1)
		knots = append(knots, stat.Quantile(p, stat.Empirical, sample, nil))
	}
	knots = append(knots, floats.Max(sample))
	return knots, nil
}

func transfer(xs, ys []float64, x float64) float64 {
	n := len(xs)
	seg := sort.SearchFloat64s(xs, x) - 1
	if seg < 0 {
		seg = 0
	}
	if seg > n-2 {
		seg = n - 2
	}
	slope := (ys[seg+1] - ys[seg]) / (xs[seg+1] - xs[seg])
	return ys[seg] + slope*(x-xs[seg])
}
