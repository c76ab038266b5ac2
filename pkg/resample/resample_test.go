package resample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prostatexcnn/internal/models"
)

func ramp(size [3]int, spacing [3]float64) *models.Volume {
	v := models.NewVolume(size, spacing, models.Point{-3, 4.5, 10})
	v.Direction = [9]float64{0, 1, 0, 1, 0, 0, 0, 0, 1}
	for i := range v.Data {
		v.Data[i] = float64(i)
	}
	return v
}

func TestOutputSizeRoundsHalfToEven(t *testing.T) {
	size, err := OutputSize([3]int{5, 7, 20}, [3]float64{1, 1, 0.75}, [3]float64{2, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 4, 5}, size)
}

func TestResamplePreservesOriginAndDirection(t *testing.T) {
	v := ramp([3]int{10, 12, 5}, [3]float64{0.6, 0.6, 3.6})
	for _, isLabel := range []bool{true, false} {
		out, err := Resample(v, [3]float64{0.5, 0.5, 3}, isLabel)
		require.NoError(t, err)
		assert.Equal(t, v.Origin, out.Origin)
		assert.Equal(t, v.Direction, out.Direction)
		assert.Equal(t, [3]float64{0.5, 0.5, 3}, out.Spacing)
		assert.Equal(t, [3]int{12, 14, 6}, out.Size)
		assert.Len(t, out.Data, out.Len())
	}
	// input untouched
	assert.Equal(t, [3]int{10, 12, 5}, v.Size)
	assert.Equal(t, 1.0, v.Data[1])
}

func TestResampleSameSpacingIsIdentity(t *testing.T) {
	v := ramp([3]int{4, 3, 2}, [3]float64{1, 1, 1})
	out, err := Resample(v, v.Spacing, false)
	require.NoError(t, err)
	assert.Equal(t, v.Data, out.Data)
}

func TestSincDownsampleByTwoPicksEvenVoxels(t *testing.T) {
	v := ramp([3]int{6, 1, 1}, [3]float64{1, 1, 1})
	out, err := Resample(v, [3]float64{2, 1, 1}, false)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2, 4}, out.Data)
}

func TestNearestNeighborLabels(t *testing.T) {
	v := models.NewVolume([3]int{3, 1, 1}, [3]float64{1, 1, 1}, models.Point{})
	copy(v.Data, []float64{1, 2, 3})

	out, err := Resample(v, [3]float64{0.5, 1, 1}, true)
	require.NoError(t, err)
	// the last sample falls beyond the input grid
	assert.Equal(t, []float64{1, 2, 2, 3, 3, 0}, out.Data)
}

func TestSincKeepsConstantImagesConstant(t *testing.T) {
	v := models.NewVolume([3]int{4, 4, 2}, [3]float64{1, 1, 1}, models.Point{})
	for i := range v.Data {
		v.Data[i] = 5
	}
	out, err := Resample(v, [3]float64{0.7, 0.9, 1}, false)
	require.NoError(t, err)
	for k := 0; k < out.Size[2]; k++ {
		for j := 0; j < out.Size[1]; j++ {
			for i := 0; i < out.Size[0]; i++ {
				x, y := float64(i)*0.7, float64(j)*0.9
				if x >= 3.5 || y >= 3.5 {
					assert.Equal(t, 0.0, out.At(i, j, k))
					continue
				}
				assert.InDelta(t, 5.0, out.At(i, j, k), 1e-9)
			}
		}
	}
}

func TestResampleRejectsNonPositiveSpacing(t *testing.T) {
	v := ramp([3]int{2, 2, 2}, [3]float64{1, 1, 1})
	_, err := Resample(v, [3]float64{1, 0, 1}, false)
	assert.ErrorIs(t, err, ErrInvalidSpacing)

	v.Spacing[2] = -1
	_, err = Resample(v, [3]float64{1, 1, 1}, true)
	assert.ErrorIs(t, err, ErrInvalidSpacing)

	_, err = Resample(v, [3]float64{math.NaN(), 1, 1}, true)
	assert.ErrorIs(t, err, ErrInvalidSpacing)
}

func TestResampleAllKeepsMissing(t *testing.T) {
	v := ramp([3]int{4, 4, 2}, [3]float64{1, 1, 1})
	out, err := ResampleAll([]*models.Volume{v, nil}, [3]float64{2, 2, 1})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Nil(t, out[1])
	assert.Equal(t, [3]int{2, 2, 2}, out[0].Size)
}
