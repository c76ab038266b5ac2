package training

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prostatexcnn/internal/models"
	"prostatexcnn/pkg/classifier"
	"prostatexcnn/pkg/dataset"
	"prostatexcnn/pkg/folds"
	"prostatexcnn/pkg/logging"
	"prostatexcnn/pkg/patches"
)

func TestBootstrapAUCSeparable(t *testing.T) {
	actual := []int{0, 0, 0, 1, 1, 1}
	scores := []float64{0.1, 0.2, 0.3, 0.7, 0.8, 0.9}

	ci, err := BootstrapAUC(actual, scores, 200, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ci.Mean, 1e-12)
	assert.InDelta(t, 1.0, ci.Lower, 1e-12)
	assert.InDelta(t, 1.0, ci.Upper, 1e-12)
	assert.Equal(t, 200, ci.Resamples+ci.Skipped)
}

func TestBootstrapAUCFixedSeed(t *testing.T) {
	gen := rand.New(rand.NewSource(3))
	actual := make([]int, 60)
	scores := make([]float64, 60)
	for i := range actual {
		actual[i] = i % 2
		scores[i] = 0.3*float64(actual[i]) + 0.7*gen.Float64()
	}
	point, err := AUC(actual, scores)
	require.NoError(t, err)

	ci, err := BootstrapAUC(actual, scores, 500, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	again, err := BootstrapAUC(actual, scores, 500, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	assert.Equal(t, ci, again)

	assert.Equal(t, 500, ci.Resamples)
	assert.LessOrEqual(t, ci.Lower, ci.Mean)
	assert.LessOrEqual(t, ci.Mean, ci.Upper)
	assert.GreaterOrEqual(t, ci.Lower, 0.0)
	assert.LessOrEqual(t, ci.Upper, 1.0)
	assert.InDelta(t, point, ci.Mean, 0.05)
	assert.Less(t, ci.Lower, ci.Upper)
}

func TestBootstrapAUCErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	ci, err := BootstrapAUC([]int{1, 1, 1}, []float64{0.2, 0.5, 0.9}, 10, rng)
	assert.ErrorIs(t, err, ErrUndefinedMetric)
	assert.True(t, math.IsNaN(ci.Mean))
	assert.False(t, ci.Defined())

	_, err = BootstrapAUC([]int{0, 1}, []float64{0.2}, 10, rng)
	assert.Error(t, err)

	_, err = BootstrapAUC([]int{0, 1}, []float64{0.2, 0.8}, 0, rng)
	assert.Error(t, err)
}

func TestTrainFoldBootstrapsValidationAUC(t *testing.T) {
	root := writePatches(t, labels, true)
	tp, vp := providers(t, root,
		[]folds.Mapping{identity(0, 1, 2, 3, 4, 5, 6, 7)},
		[]folds.Mapping{identity(8, 9, 10, 11)})

	trainer := NewTrainer(2, classifier.Binary, RecordNaN, logging.Discard())
	res, err := trainer.TrainFold(context.Background(), 0, newModel(t, 3),
		dataset.NewLoader(tp, 4, false, 1, 1), dataset.NewLoader(vp, 4, false, 1, 1), adam(t))
	require.NoError(t, err)
	assert.False(t, res.ValCI.Defined(), "bootstrap is off by default")
	assert.True(t, math.IsNaN(res.ValCI.Mean))

	trainer.Bootstrap = 100
	trainer.Seed = 9
	res, err = trainer.TrainFold(context.Background(), 0, newModel(t, 3),
		dataset.NewLoader(tp, 4, false, 1, 1), dataset.NewLoader(vp, 4, false, 1, 1), adam(t))
	require.NoError(t, err)
	require.False(t, math.IsNaN(res.ValAUC))
	require.True(t, res.ValCI.Defined())
	assert.Equal(t, 100, res.ValCI.Resamples+res.ValCI.Skipped)
	assert.LessOrEqual(t, res.ValCI.Lower, res.ValCI.Upper)
	assert.GreaterOrEqual(t, res.ValCI.Lower, 0.0)
	assert.LessOrEqual(t, res.ValCI.Upper, 1.0)
}

func TestEvaluateLabelledStore(t *testing.T) {
	root := writePatches(t, []int{0, 0, 1, 1, 0, 0, 1, 1}, true)
	group := func(id string, label, first int) patches.ManifestGroup {
		return patches.ManifestGroup{Key: id, PatientID: id, Label: models.IntPtr(label), FindingIDs: []int{1}, First: first, Count: 2}
	}
	manifest := &patches.Manifest{
		Mode:          "train",
		CropsPerImage: 2,
		Total:         8,
		Groups: []patches.ManifestGroup{
			group("KGH_001", 0, 0), group("KGH_002", 1, 2), group("KGH_003", 0, 4), group("KGH_004", 1, 6),
		},
	}
	p, err := dataset.NewTestProvider(root, dataset.Options{Modality: models.ADC, CropSize: cropSize})
	require.NoError(t, err)
	loader := dataset.NewLoader(p, 3, false, 2, 1)
	model := newModel(t, 4)

	e, err := Evaluate(context.Background(), model, loader, manifest, 50, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	require.Len(t, e.Predictions, 4)
	assert.Equal(t, 4, e.Confusion.Total())

	actual := make([]int, 4)
	scores := make([]float64, 4)
	for i, r := range e.Predictions {
		require.NotNil(t, r.Label)
		actual[i], scores[i] = *r.Label, r.ClinSig
	}
	auc, err := AUC(actual, scores)
	require.NoError(t, err)
	assert.Equal(t, auc, e.AUC)
	require.True(t, e.CI.Defined())
	assert.Equal(t, 50, e.CI.Resamples+e.CI.Skipped)

	e.Name = "kgh"
	lines := e.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "evaluation kgh", lines[0])
	assert.Contains(t, lines[2], "95% CI")

	noBootstrap, err := Evaluate(context.Background(), model, loader, manifest, 0, nil)
	require.NoError(t, err)
	assert.False(t, noBootstrap.CI.Defined())
	assert.Len(t, noBootstrap.Lines(), 2)

	for i := range manifest.Groups {
		manifest.Groups[i].Label = models.IntPtr(1)
	}
	_, err = Evaluate(context.Background(), model, loader, manifest, 0, nil)
	assert.ErrorIs(t, err, ErrUndefinedMetric)

	for i := range manifest.Groups {
		manifest.Groups[i].Label = nil
	}
	_, err = Evaluate(context.Background(), model, loader, manifest, 0, nil)
	assert.Error(t, err)
}
