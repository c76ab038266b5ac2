package training

import (
	"context"
	"encoding/csv"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prostatexcnn/internal/models"
	"prostatexcnn/pkg/classifier"
	"prostatexcnn/pkg/dataset"
	"prostatexcnn/pkg/folds"
	"prostatexcnn/pkg/logging"
	"prostatexcnn/pkg/optim"
	"prostatexcnn/pkg/patches"
	"prostatexcnn/pkg/volumeio"
)

var cropSize = [3]int{4, 4, 2}

const inputs = 32

// writePatches writes one ADC patch per label. Class 1 patches rise along x,
// class 0 patches fall, so they stay separable after per-patch z-scoring.
func writePatches(t *testing.T, labels []int, labelled bool) string {
	t.Helper()
	root := t.TempDir()
	rng := rand.New(rand.NewSource(11))
	for i, label := range labels {
		v := models.NewVolume(cropSize, [3]float64{0.5, 0.5, 3}, models.Point{})
		for k := 0; k < cropSize[2]; k++ {
			for j := 0; j < cropSize[1]; j++ {
				for x := 0; x < cropSize[0]; x++ {
					ramp := float64(x)
					if label == 0 {
						ramp = -ramp
					}
					v.Set(x, j, k, ramp+0.1*rng.NormFloat64())
				}
			}
		}
		var l *int
		if labelled {
			l = models.IntPtr(label)
		}
		path := filepath.Join(root, string(models.ADC), patches.FileName(i, l))
		require.NoError(t, volumeio.SaveNRRD(path, v, volumeio.NRRDOptions{}))
	}
	return root
}

func identity(indices ...int) folds.Mapping {
	m := folds.Mapping{}
	for i, idx := range indices {
		m[i] = idx
	}
	return m
}

func providers(t *testing.T, root string, train, val []folds.Mapping) (*dataset.Provider, *dataset.Provider) {
	t.Helper()
	opts := dataset.Options{Modality: models.ADC, CropSize: cropSize, Seed: 1}
	tp, err := dataset.NewTrainProvider(root, train, opts)
	require.NoError(t, err)
	vp, err := dataset.NewTrainProvider(root, val, opts)
	require.NoError(t, err)
	return tp, vp
}

func newModel(t *testing.T, seed int64) classifier.Classifier {
	t.Helper()
	m, err := classifier.NewMLP(classifier.Spec{Architecture: classifier.Binary, Inputs: inputs, Hidden: 8}, models.CPU, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return m
}

func adam(t *testing.T) optim.Optimizer {
	t.Helper()
	o, err := optim.New(optim.Config{Name: "adam", LR: 0.01, Beta1: 0.9, Beta2: 0.999})
	require.NoError(t, err)
	return o
}

// twelve patches: 0-7 train (alternating labels), 8-11 validation
var labels = []int{0, 1, 0, 1, 0, 1, 0, 1, 0, 1, 0, 1}

func TestTrainFoldSingleEpochKeepsEpochWeights(t *testing.T) {
	root := writePatches(t, labels, true)
	tp, vp := providers(t, root,
		[]folds.Mapping{identity(0, 1, 2, 3, 4, 5, 6, 7)},
		[]folds.Mapping{identity(8, 9, 10, 11)})

	model := newModel(t, 3)
	trainer := NewTrainer(1, classifier.Binary, RecordNaN, logging.Discard())
	res, err := trainer.TrainFold(context.Background(), 0, model,
		dataset.NewLoader(tp, 4, true, 2, 1), dataset.NewLoader(vp, 4, false, 2, 1), adam(t))
	require.NoError(t, err)

	require.Len(t, res.History, 1)
	assert.Equal(t, 8, res.History[0].Train.Samples)
	assert.Equal(t, 1, res.BestEpoch)
	for _, v := range []float64{res.TrainAUC, res.TrainF1, res.ValAUC, res.ValF1} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
	assert.Equal(t, 4, res.Confusion.Total())

	require.NotNil(t, res.Best)
	assert.True(t, classifier.Equal(model, res.Best))
	model.Params()[0].Value.Set(0, 0, 99)
	assert.False(t, classifier.Equal(model, res.Best), "snapshot must not follow later updates")
}

func TestTrainFoldSelectsBestValidationAUC(t *testing.T) {
	root := writePatches(t, labels, true)
	tp, vp := providers(t, root,
		[]folds.Mapping{identity(0, 1, 2, 3, 4, 5, 6, 7)},
		[]folds.Mapping{identity(8, 9, 10, 11)})

	trainer := NewTrainer(6, classifier.Binary, RecordNaN, logging.Discard())
	res, err := trainer.TrainFold(context.Background(), 0, newModel(t, 5),
		dataset.NewLoader(tp, 3, true, 1, 2), dataset.NewLoader(vp, 2, false, 1, 2), adam(t))
	require.NoError(t, err)
	require.Len(t, res.History, 6)

	best := math.Inf(-1)
	bestEpoch := 0
	for _, h := range res.History {
		if h.Val.AUC > best {
			best, bestEpoch = h.Val.AUC, h.Epoch
		}
	}
	assert.Equal(t, best, res.ValAUC)
	assert.Equal(t, bestEpoch, res.BestEpoch)
	assert.Equal(t, res.History[bestEpoch-1].Train.AUC, res.TrainAUC)
	assert.Equal(t, res.History[bestEpoch-1].Val.Confusion, res.Confusion)
}

func TestTrainFoldSingleClassPolicy(t *testing.T) {
	root := writePatches(t, labels, true)
	// validation holds class 0 only
	tp, vp := providers(t, root,
		[]folds.Mapping{identity(0, 1, 2, 3, 4, 5, 6, 7)},
		[]folds.Mapping{identity(8, 10)})

	trainer := NewTrainer(2, classifier.Binary, RecordNaN, logging.Discard())
	res, err := trainer.TrainFold(context.Background(), 0, newModel(t, 1),
		dataset.NewLoader(tp, 4, false, 1, 1), dataset.NewLoader(vp, 4, false, 1, 1), adam(t))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(res.ValAUC))
	assert.True(t, math.IsNaN(res.ValF1))
	assert.Equal(t, 2, res.BestEpoch, "without a defined AUC the last epoch is kept")

	trainer.SingleClass = FailOnSingleClass
	_, err = trainer.TrainFold(context.Background(), 0, newModel(t, 1),
		dataset.NewLoader(tp, 4, false, 1, 1), dataset.NewLoader(vp, 4, false, 1, 1), adam(t))
	assert.ErrorIs(t, err, ErrUndefinedMetric)
}

func TestKFoldPolicies(t *testing.T) {
	root := writePatches(t, labels, true)
	train := []folds.Mapping{identity(0, 1, 2, 3, 4, 5), identity(6, 7, 8, 9, 10, 11)}
	val := []folds.Mapping{identity(8, 9, 10, 11), identity(0, 1, 2, 3)}

	for _, policy := range []FoldPolicy{ResetPerFold, ContinueAcrossFolds} {
		t.Run(string(policy), func(t *testing.T) {
			tp, vp := providers(t, root, train, val)
			built := 0
			dir := filepath.Join(t.TempDir(), "models", "adc", "binary")
			k := &KFold{
				Train: tp, Val: vp,
				TrainBatch: 3, ValBatch: 4, Workers: 2,
				Trainer: NewTrainer(2, classifier.Binary, RecordNaN, logging.Discard()),
				Policy:  policy,
				NewModel: func(rng *rand.Rand) (classifier.Classifier, error) {
					built++
					return classifier.NewMLP(classifier.Spec{Architecture: classifier.Binary, Inputs: inputs, Hidden: 4}, models.CPU, rng)
				},
				Optimizer:     optim.Config{Name: "adabound", LR: 0.001, FinalLR: 0.1, Beta1: 0.9, Beta2: 0.999},
				CheckpointDir: dir,
				Seed:          4,
				Log:           logging.Discard(),
			}
			s, err := k.Run(context.Background(), 0, 2)
			require.NoError(t, err)

			assert.Equal(t, []int{0, 1}, s.Folds)
			assert.Len(t, s.ValAUC, 2)
			assert.NotEmpty(t, s.RunID)
			if policy == ResetPerFold {
				assert.Equal(t, 2, built)
			} else {
				assert.Equal(t, 1, built)
			}

			ck, err := classifier.LoadCheckpoint(filepath.Join(dir, "2.json"))
			require.NoError(t, err)
			assert.Equal(t, s.RunID, ck.Metadata.RunID)
			assert.Equal(t, 1, ck.Metadata.Fold)
			restored, err := ck.Build(models.CPU)
			require.NoError(t, err)
			assert.True(t, classifier.Equal(s.Results[1].Best, restored))
		})
	}
}

func TestKFoldWarmStartAndFreeze(t *testing.T) {
	root := writePatches(t, labels, true)
	tp, vp := providers(t, root,
		[]folds.Mapping{identity(0, 1, 2, 3, 4, 5, 6, 7)},
		[]folds.Mapping{identity(8, 9, 10, 11)})

	init := classifier.NewCheckpoint(newModel(t, 42), classifier.Metadata{})
	k := &KFold{
		Train: tp, Val: vp,
		TrainBatch: 4, ValBatch: 4,
		Trainer: NewTrainer(1, classifier.Softmax, RecordNaN, logging.Discard()),
		NewModel: func(rng *rand.Rand) (classifier.Classifier, error) {
			return classifier.NewMLP(classifier.Spec{Architecture: classifier.Softmax, Inputs: inputs, Hidden: 8}, models.CPU, rng)
		},
		Optimizer: optim.Config{Name: "sgd", LR: 0.1},
		Init:      init,
		Transfer:  classifier.TransferMap{"hidden": {"hidden"}},
		Freeze:    []string{"hidden"},
		Log:       logging.Discard(),
	}
	s, err := k.Run(context.Background(), 0, 1)
	require.NoError(t, err)

	// the frozen hidden layer still holds the transferred weights
	best := s.Results[0].Best
	for _, w := range init.Weights[:2] {
		p, err := classifier.ParamByName(best, w.Name)
		require.NoError(t, err)
		assert.Equal(t, w.Data, p.Value.RawMatrix().Data, w.Name)
		assert.True(t, p.Frozen)
	}

	k.Transfer = classifier.TransferMap{"output": {"output"}}
	_, err = k.Run(context.Background(), 0, 1)
	assert.ErrorIs(t, err, classifier.ErrShapeMismatch)
}

func TestPredictAveragesCrops(t *testing.T) {
	root := writePatches(t, []int{0, 0, 1, 1, 1, 0}, false)
	manifest := &patches.Manifest{
		Mode:          "inference",
		CropsPerImage: 2,
		Total:         6,
		Groups: []patches.ManifestGroup{
			{Key: "ProstateX-0204", PatientID: "ProstateX-0204", FindingIDs: []int{1, 2}, First: 0, Count: 4},
			{Key: "ProstateX-0205", PatientID: "ProstateX-0205", FindingIDs: []int{1}, First: 4, Count: 2},
		},
	}
	p, err := dataset.NewTestProvider(root, dataset.Options{Modality: models.ADC, CropSize: cropSize})
	require.NoError(t, err)
	loader := dataset.NewLoader(p, 4, false, 2, 1)
	model := newModel(t, 8)

	scores, err := Scores(context.Background(), model, loader)
	require.NoError(t, err)
	require.Len(t, scores, 6)

	rows, err := Predict(context.Background(), model, loader, manifest)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Prediction{ProxID: "ProstateX-0204", FindingID: 2, ClinSig: (scores[2] + scores[3]) / 2}, rows[1])
	assert.Equal(t, "ProstateX-0205", rows[2].ProxID)
	for _, r := range rows {
		assert.GreaterOrEqual(t, r.ClinSig, 0.0)
		assert.LessOrEqual(t, r.ClinSig, 1.0)
	}

	dir := filepath.Join(t.TempDir(), "prediction_files")
	path, err := WritePredictions(dir, rows, "run")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "1.csv"), path)
	path, err = WritePredictions(dir, rows, "run")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2.csv"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"ProxID", "fid", "ClinSig", "run_id"}, records[0])
	assert.Equal(t, "ProstateX-0204", records[1][0])

	manifest.Groups[1].Count = 3
	_, err = Predict(context.Background(), model, loader, manifest)
	assert.Error(t, err)
}
