package resample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prostatexcnn/internal/models"
)

func TestMatchHistogramLinearScale(t *testing.T) {
	src := ramp([3]int{10, 5, 2}, [3]float64{2, 2, 3})
	ref := ramp([3]int{10, 5, 2}, [3]float64{0.5, 0.5, 3})
	for i := range ref.Data {
		ref.Data[i] *= 2
	}

	for _, threshold := range []bool{false, true} {
		out, err := MatchHistogram(src, ref, HistogramMatch{MatchPoints: 3, ThresholdAtMean: threshold})
		require.NoError(t, err)
		assert.Equal(t, src.Spacing, out.Spacing)
		assert.Equal(t, src.Size, out.Size)
		for i, x := range src.Data {
			assert.InDelta(t, 2*x, out.Data[i], 1e-9, "voxel %d threshold %v", i, threshold)
		}
	}
	// source untouched
	assert.Equal(t, 99.0, src.Data[99])
}

func TestMatchHistogramIsMonotone(t *testing.T) {
	src := ramp([3]int{8, 8, 2}, [3]float64{1, 1, 1})
	ref := ramp([3]int{6, 6, 3}, [3]float64{1, 1, 1})
	for i := range ref.Data {
		x := ref.Data[i]
		ref.Data[i] = x * x / 10
	}
	out, err := MatchHistogram(src, ref, DefaultHistogramMatch())
	require.NoError(t, err)
	for i := 1; i < len(out.Data); i++ {
		assert.GreaterOrEqual(t, out.Data[i], out.Data[i-1])
	}
}

func TestMatchHistogramRejectsFlatVolumes(t *testing.T) {
	flat := models.NewVolume([3]int{4, 4, 1}, [3]float64{1, 1, 1}, models.Point{})
	ref := ramp([3]int{4, 4, 1}, [3]float64{1, 1, 1})

	_, err := MatchHistogram(flat, ref, DefaultHistogramMatch())
	assert.ErrorIs(t, err, ErrFlatHistogram)

	_, err = MatchHistogram(ref, flat, HistogramMatch{MatchPoints: 1})
	assert.NoError(t, err, "a flat reference without thresholding still has min and max knots")

	_, err = MatchHistogram(nil, ref, DefaultHistogramMatch())
	assert.Error(t, err)
}
