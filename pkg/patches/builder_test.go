package patches

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prostatexcnn/internal/models"
	"prostatexcnn/pkg/config"
	"prostatexcnn/pkg/crop"
	"prostatexcnn/pkg/logging"
)

func textured(size [3]int) *models.Volume {
	v := models.NewVolume(size, [3]float64{1, 1, 1}, models.Point{})
	for i := range v.Data {
		v.Data[i] = float64(1 + i%7)
	}
	return v
}

func patient(t2Zero bool, withBVal bool) map[models.Modality]*models.Volume {
	size := [3]int{40, 40, 10}
	vols := map[models.Modality]*models.Volume{
		models.T2:  textured(size),
		models.ADC: textured(size),
	}
	if t2Zero {
		vols[models.T2] = models.NewVolume(size, [3]float64{1, 1, 1}, models.Point{})
	}
	if withBVal {
		vols[models.BVal] = textured(size)
	}
	return vols
}

func finding(pid string, fid int, pos models.Point, label *int) models.Finding {
	return models.Finding{PatientID: pid, FindingID: fid, Fiducial: models.Fiducial{Point: pos}, Label: label}
}

func testBuilder(src VolumeSource) *Builder {
	return &Builder{
		Source:        src,
		Modalities:    models.Modalities(),
		Padding:       [3]int{4, 4, 2},
		CropSize:      [3]int{8, 8, 3},
		CropsPerImage: 3,
		Degrees:       crop.SymmetricDegrees([]float64{5, 10}),
		Rotator:       crop.NewRotator(11, 7),
		Noise:         rand.New(rand.NewSource(12)),
		Log:           logging.Discard(),
	}
}

var center = models.Point{20, 20, 5}

func TestBuildTrainOutcomes(t *testing.T) {
	src := MemorySource{
		"P-A": patient(false, true),
		"P-B": patient(false, true),
		"P-C": patient(false, false),
		"P-D": patient(false, true),
		"P-E": patient(false, true),
		"P-F": patient(true, true),
	}
	findings := []models.Finding{
		finding("P-A", 1, center, models.IntPtr(1)),
		finding("P-A", 2, models.Point{18, 22, 4}, models.IntPtr(1)),
		finding("P-B", 1, center, models.IntPtr(0)),
		finding("P-C", 1, center, models.IntPtr(0)),
		finding("P-D", 1, models.Point{200, 20, 5}, models.IntPtr(1)),
		finding("P-E", 1, center, models.IntPtr(1)),
		finding("P-E", 2, models.Point{20, 20, 40}, models.IntPtr(1)),
		finding("P-F", 1, center, models.IntPtr(0)),
	}

	set, report, err := testBuilder(src).Build(findings, Train)
	require.NoError(t, err)

	assert.Equal(t, []string{"P-A_1", "P-B_0"}, set.Keys())
	a, ok := set.Get("P-A_1")
	require.True(t, ok)
	assert.Len(t, a.Patches, 6)
	assert.Equal(t, []int{1, 2}, a.FindingIDs)
	assert.Equal(t, 9, set.Len())

	for _, g := range set.Groups {
		for n, p := range g.Patches {
			require.Len(t, p.Volumes, 3)
			for _, v := range p.Volumes {
				assert.Equal(t, [3]int{8, 8, 3}, v.Size)
			}
			if n%3 == 0 {
				assert.Equal(t, crop.Placement{}, p.Placement, "first crop of each finding is unrotated")
			} else {
				assert.NotZero(t, p.Placement.Degrees)
			}
		}
	}

	statuses := make([]Status, len(report.Outcomes))
	for i, o := range report.Outcomes {
		statuses[i] = o.Status
	}
	assert.Equal(t, []Status{Valid, Valid, Valid, MissingModality, OutOfBounds, KeyInvalidated, OutOfBounds, Degenerate}, statuses)
	assert.ErrorIs(t, report.Outcomes[4].Err, crop.ErrOutOfBounds)
	assert.Len(t, report.Skipped(), 5)
	assert.Equal(t, 3, report.Counts()[Valid])
	assert.Contains(t, report.Summary(), "out-of-bounds=2")
}

func TestBuildCenterCropMatchesFiducial(t *testing.T) {
	src := MemorySource{"P-A": patient(false, true)}
	b := testBuilder(src)
	b.CropsPerImage = 1

	set, _, err := b.Build([]models.Finding{finding("P-A", 1, center, models.IntPtr(1))}, Train)
	require.NoError(t, err)
	g, _ := set.Get("P-A_1")
	c := g.Patches[0].Volumes[1]

	// padded index of the fiducial is (24, 24, 7); the window starts 4,4,1 below
	orig := src["P-A"][models.ADC]
	assert.Equal(t, orig.At(16, 16, 4), c.At(0, 0, 0))
	assert.Equal(t, orig.At(23, 23, 6), c.At(7, 7, 2))
	assert.Equal(t, models.Point{16, 16, 4}, c.Origin)
}

func TestBuildTrainRequiresLabels(t *testing.T) {
	src := MemorySource{"P-A": patient(false, true)}
	_, _, err := testBuilder(src).Build([]models.Finding{finding("P-A", 1, center, nil)}, Train)
	assert.Error(t, err)
}

func TestBuildInferenceSubstitutesNoise(t *testing.T) {
	src := MemorySource{
		"P-Z": patient(true, true),
		"P-O": patient(false, true),
		"P-G": patient(false, true),
	}
	findings := []models.Finding{
		finding("P-Z", 1, center, nil),
		finding("P-O", 1, models.Point{200, 20, 5}, nil),
		finding("P-G", 1, center, nil),
	}

	set, report, err := testBuilder(src).Build(findings, Inference)
	require.NoError(t, err)

	// every finding keeps all of its slots
	assert.Equal(t, 9, set.Len())
	assert.Equal(t, []string{"P-Z", "P-O", "P-G"}, set.Keys())

	z, _ := set.Get("P-Z")
	assert.Nil(t, z.Label)
	for _, p := range z.Patches {
		assert.True(t, p.Noise)
		for _, v := range p.Volumes {
			assert.Equal(t, [3]int{8, 8, 3}, v.Size)
			assert.False(t, v.IsAllZero())
			for _, x := range v.Data {
				assert.GreaterOrEqual(t, x, 0.0)
				assert.Less(t, x, 1.0)
			}
		}
	}

	assert.Equal(t, NoiseSubstituted, report.Outcomes[0].Status)
	assert.Equal(t, 3, report.Outcomes[0].Substituted)
	assert.Equal(t, NoiseSubstituted, report.Outcomes[1].Status)
	assert.Equal(t, Valid, report.Outcomes[2].Status)
}

func TestNewBuilderFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	b := NewBuilder(cfg, MemorySource{}, 1, nil)
	assert.Equal(t, [3]int{32, 32, 3}, b.CropSize)
	assert.Len(t, b.Degrees, 10)
	assert.Equal(t, 7, b.Rotator.MaxOffset)

	b.CropsPerImage = 0
	_, _, err := b.Build(nil, Train)
	assert.Error(t, err)
}
