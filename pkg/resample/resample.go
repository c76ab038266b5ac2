// Package resample rescales volumes to a canonical voxel spacing.
//
// The output grid keeps the input origin and direction; only spacing and size
// change. Because both grids share their direction cosines, the mapping from an
// output index to an input continuous index is separable per axis:
//
//	x_in = x_out * targetSpacing / inputSpacing
//
// which lets every interpolator run as three 1D passes.
package resample

import (
	"errors"
	"fmt"
	"math"

	"prostatexcnn/internal/models"
)

// ErrInvalidSpacing is returned for non-positive input or target spacing.
var ErrInvalidSpacing = errors.New("invalid spacing")

// Interpolator selects how output samples are computed.
type Interpolator int

const (
	// NearestNeighbor is used for label maps
	NearestNeighbor Interpolator = iota
	// CosineWindowedSinc is used for intensity images
	CosineWindowedSinc
)

// WindowRadius is the half-width of the windowed sinc kernel in input voxels.
const WindowRadius = 3

func (i Interpolator) String() string {
	switch i {
	case NearestNeighbor:
		return "nearest"
	case CosineWindowedSinc:
		return "cosine-windowed-sinc"
	}
	return fmt.Sprintf("Interpolator(%d)", int(i))
}

// OutputSize returns round(size * spacing / target) per axis, rounding halves
// to even.
func OutputSize(size [3]int, spacing, target [3]float64) ([3]int, error) {
	var out [3]int
	for a := 0; a < 3; a++ {
		if !(spacing[a] > 0) || !(target[a] > 0) {
			return out, fmt.Errorf("%w: input %v, target %v", ErrInvalidSpacing, spacing, target)
		}
		out[a] = int(math.RoundToEven(float64(size[a]) * spacing[a] / target[a]))
	}
	return out, nil
}

// Resample rescales v to the target spacing. Labels use nearest neighbour,
// intensities a cosine windowed sinc.
func Resample(v *models.Volume, target [3]float64, isLabel bool) (*models.Volume, error) {
	interp := CosineWindowedSinc
	if isLabel {
		interp = NearestNeighbor
	}
	return ResampleWith(v, target, interp)
}

// ResampleWith rescales v using an explicit interpolator.
func ResampleWith(v *models.Volume, target [3]float64, interp Interpolator) (*models.Volume, error) {
	if v == nil {
		return nil, fmt.Errorf("resample: nil volume")
	}
	size, err := OutputSize(v.Size, v.Spacing, target)
	if err != nil {
		return nil, err
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}

	cur := v
	for axis := 0; axis < 3; axis++ {
		scale := target[axis] / v.Spacing[axis]
		cur = resampleAxis(cur, axis, size[axis], scale, interp)
	}

	out := cur
	out.Spacing = target
	out.Origin = v.Origin
	out.Direction = v.Direction
	return out, nil
}

// ResampleAll resamples every intensity volume to the target spacing. Nil
// entries mark missing acquisitions and stay nil.
func ResampleAll(vols []*models.Volume, target [3]float64) ([]*models.Volume, error) {
	out := make([]*models.Volume, len(vols))
	for i, v := range vols {
		if v == nil {
			continue
		}
		r, err := Resample(v, target, false)
		if err != nil {
			return nil, fmt.Errorf("volume %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// resampleAxis resizes one axis to n samples located at x_in = x_out*scale.
// Samples whose continuous index falls outside [-0.5, size-0.5) are zero.
func resampleAxis(v *models.Volume, axis, n int, scale float64, interp Interpolator) *models.Volume {
	size := v.Size
	size[axis] = n
	out := &models.Volume{
		Size:      size,
		Spacing:   v.Spacing,
		Origin:    v.Origin,
		Direction: v.Direction,
		Data:      make([]float64, size[0]*size[1]*size[2]),
	}

	inLen := v.Size[axis]
	weights := make([][]tap, n)
	for o := 0; o < n; o++ {
		x := float64(o) * scale
		if x < -0.5 || x >= float64(inLen)-0.5 {
			continue
		}
		if interp == NearestNeighbor {
			weights[o] = []tap{{index: int(math.Floor(x + 0.5)), weight: 1}}
		} else {
			weights[o] = sincTaps(x, inLen)
		}
	}

	inStride := [3]int{1, v.Size[0], v.Size[0] * v.Size[1]}
	outStride := [3]int{1, size[0], size[0] * size[1]}

	// iterate over the two axes that are not being resampled
	var other [2]int
	for a, c := 0, 0; a < 3; a++ {
		if a != axis {
			other[c] = a
			c++
		}
	}
	for p := 0; p < size[other[1]]; p++ {
		for q := 0; q < size[other[0]]; q++ {
			inBase := p*inStride[other[1]] + q*inStride[other[0]]
			outBase := p*outStride[other[1]] + q*outStride[other[0]]
			for o, taps := range weights {
				var sum float64
				for _, t := range taps {
					sum += t.weight * v.Data[inBase+t.index*inStride[axis]]
				}
				out.Data[outBase+o*outStride[axis]] = sum
			}
		}
	}
	return out
}

// tap is one input sample contributing to an output sample.
type tap struct {
	index  int
	weight float64
}

// sincTaps returns the normalized cosine-windowed sinc weights for a sample at
// continuous index x. Neighbours beyond the edge repeat the edge voxel
// (zero-flux Neumann boundary).
func sincTaps(x float64, n int) []tap {
	base := int(math.Floor(x))
	frac := x - float64(base)
	if frac == 0 {
		return []tap{{index: clampIndex(base, n), weight: 1}}
	}

	taps := make([]tap, 0, 2*WindowRadius)
	var total float64
	for off := 1 - WindowRadius; off <= WindowRadius; off++ {
		d := frac - float64(off)
		w := windowedSinc(d)
		taps = append(taps, tap{index: clampIndex(base+off, n), weight: w})
		total += w
	}
	if total != 0 {
		for i := range taps {
			taps[i].weight /= total
		}
	}
	return taps
}

// windowedSinc evaluates sinc(d) * cos(pi*d / (2*radius)).
func windowedSinc(d float64) float64 {
	if d == 0 {
		return 1
	}
	px := math.Pi * d
	return math.Sin(px) / px * math.Cos(px/(2*WindowRadius))
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
