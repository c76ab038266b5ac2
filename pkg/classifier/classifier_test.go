package classifier

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"prostatexcnn/internal/models"
)

func newTestMLP(t *testing.T, arch Architecture, inputs, hidden int, seed int64) *MLP {
	t.Helper()
	m, err := NewMLP(Spec{Architecture: arch, Inputs: inputs, Hidden: hidden}, models.CPU, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return m
}

func TestNewMLPRejectsUnsupportedDevice(t *testing.T) {
	_, err := NewMLP(Spec{Architecture: Binary, Inputs: 4, Hidden: 2}, models.Device("cuda:0"), rand.New(rand.NewSource(1)))
	assert.True(t, errors.Is(err, models.ErrUnsupportedDevice))

	_, err = NewMLP(Spec{Architecture: "cnn", Inputs: 4, Hidden: 2}, models.CPU, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestForwardShapes(t *testing.T) {
	m := newTestMLP(t, Softmax, 6, 3, 1)
	x := mat.NewDense(4, 6, nil)
	out, err := m.Forward(x)
	require.NoError(t, err)
	r, c := out.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 2, c)

	_, err = m.Forward(mat.NewDense(4, 5, nil))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

// Backward must agree with central differences of the loss.
func TestBackwardMatchesNumericGradient(t *testing.T) {
	for _, arch := range []Architecture{Binary, Softmax} {
		t.Run(string(arch), func(t *testing.T) {
			m := newTestMLP(t, arch, 5, 4, 3)
			rng := rand.New(rand.NewSource(7))
			x := mat.NewDense(3, 5, nil)
			x.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, x)
			labels := []int{0, 1, 1}
			loss := LossFor(arch)

			m.ZeroGrad()
			logits, err := m.Forward(x)
			require.NoError(t, err)
			_, grad, err := loss.Compute(logits, labels)
			require.NoError(t, err)
			require.NoError(t, m.Backward(grad))

			const eps = 1e-6
			for _, p := range m.Params() {
				r, c := p.Value.Dims()
				for i := 0; i < r; i++ {
					for j := 0; j < c; j++ {
						orig := p.Value.At(i, j)
						p.Value.Set(i, j, orig+eps)
						up, _ := m.Forward(x)
						lu, _, _ := loss.Compute(up, labels)
						p.Value.Set(i, j, orig-eps)
						down, _ := m.Forward(x)
						ld, _, _ := loss.Compute(down, labels)
						p.Value.Set(i, j, orig)
						assert.InDelta(t, (lu-ld)/(2*eps), p.Grad.At(i, j), 1e-5, "%s[%d,%d]", p.Name, i, j)
					}
				}
			}
		})
	}
}

func TestBackwardNeedsTrainingForward(t *testing.T) {
	m := newTestMLP(t, Binary, 2, 2, 1)
	m.SetTraining(false)
	logits, err := m.Forward(mat.NewDense(1, 2, []float64{1, 2}))
	require.NoError(t, err)
	assert.Error(t, m.Backward(logits))
}

func TestCloneIsIndependent(t *testing.T) {
	m := newTestMLP(t, Binary, 3, 2, 1)
	c := m.Clone()
	assert.True(t, Equal(m, c))

	m.Params()[0].Value.Set(0, 0, 42)
	assert.False(t, Equal(m, c))
	assert.NotEqual(t, 42.0, c.Params()[0].Value.At(0, 0))
}

func TestLosses(t *testing.T) {
	logits := mat.NewDense(2, 1, []float64{0, 0})
	l, grad, err := BCELoss{}.Compute(logits, []int{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, math.Ln2, l, 1e-12)
	assert.InDelta(t, 0.25, grad.At(0, 0), 1e-12)
	assert.InDelta(t, -0.25, grad.At(1, 0), 1e-12)

	two := mat.NewDense(1, 2, []float64{0, 0})
	l, _, err = CrossEntropyLoss{}.Compute(two, []int{1})
	require.NoError(t, err)
	assert.InDelta(t, math.Ln2, l, 1e-12)

	_, _, err = BCELoss{}.Compute(two, []int{1})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, _, err = CrossEntropyLoss{}.Compute(two, []int{2})
	assert.Error(t, err)
}

func TestHardPredictions(t *testing.T) {
	single := mat.NewDense(3, 1, []float64{-1, 0, 2})
	assert.Equal(t, []int{0, 0, 1}, HardPredictions(single))

	pairs := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 3, 3})
	assert.Equal(t, []int{0, 1, 0}, HardPredictions(pairs))

	p := Probabilities(pairs)
	assert.InDelta(t, 0.5, p[2], 1e-12)
	assert.InDelta(t, 0.5, Probabilities(mat.NewDense(1, 1, []float64{0}))[0], 1e-12)
}

func TestTransfer(t *testing.T) {
	src := newTestMLP(t, Binary, 4, 3, 1)
	dst := newTestMLP(t, Softmax, 4, 3, 2)

	require.NoError(t, Transfer(src, dst, TransferMap{"hidden": {"hidden"}}))
	for _, name := range []string{"hidden.weight", "hidden.bias"} {
		s, _ := ParamByName(src, name)
		d, _ := ParamByName(dst, name)
		assert.True(t, mat.Equal(s.Value, d.Value), name)
	}

	before := dst.Clone()
	err := Transfer(src, dst, TransferMap{"hidden": {"hidden"}, "output": {"output"}})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.True(t, Equal(before, dst), "failed transfer must not copy anything")

	err = Transfer(src, dst, TransferMap{"conv1": {"hidden"}})
	assert.ErrorIs(t, err, ErrUnknownParam)

	err = Transfer(src, dst, TransferMap{"hidden.weight": {"hidden.bias"}})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFreeze(t *testing.T) {
	m := newTestMLP(t, Binary, 2, 2, 1)
	require.NoError(t, Freeze(m, []string{"hidden", "output.bias"}))
	frozen := map[string]bool{}
	for _, p := range m.Params() {
		frozen[p.Name] = p.Frozen
	}
	assert.Equal(t, map[string]bool{
		"hidden.weight": true, "hidden.bias": true,
		"output.weight": false, "output.bias": true,
	}, frozen)

	assert.ErrorIs(t, Freeze(m, []string{"conv"}), ErrUnknownParam)
}

func TestCheckpointRoundTrip(t *testing.T) {
	m := newTestMLP(t, Softmax, 4, 3, 9)
	dir := t.TempDir()
	path := filepath.Join(dir, "1.json")
	require.NoError(t, SaveCheckpoint(path, m, Metadata{RunID: "run", Modality: models.ADC, Fold: 2}))

	ck, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, "run", ck.Metadata.RunID)
	assert.Equal(t, m.Spec(), ck.Metadata.Spec)
	assert.Equal(t, 2, ck.Metadata.Outputs)

	built, err := ck.Build(models.CPU)
	require.NoError(t, err)
	assert.True(t, Equal(m, built))

	other := newTestMLP(t, Softmax, 5, 3, 1)
	assert.ErrorIs(t, ck.Restore(other), ErrShapeMismatch)
}

func TestNextVersionPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "adc", "binary")
	p, err := NextVersionPath(dir, ".json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "1.json"), p)

	for _, name := range []string{"1.json", "7.json", "3.json", "notes.json", "9.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	p, err = NextVersionPath(dir, ".json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "8.json"), p)

	assert.Equal(t, filepath.Join("models", "adc", "softmax"), ModelDir("models", models.ADC, Softmax))
}
