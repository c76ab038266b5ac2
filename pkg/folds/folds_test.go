package folds

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prostatexcnn/internal/models"
	"prostatexcnn/pkg/patches"
)

// strideLabels returns per-patch labels for benign patients followed by
// cancer patients, c crops each.
func strideLabels(benign, cancer, c int) []int {
	var labels []int
	for p := 0; p < benign+cancer; p++ {
		label := 0
		if p >= benign {
			label = 1
		}
		for i := 0; i < c; i++ {
			labels = append(labels, label)
		}
	}
	return labels
}

// patientsOf returns the sorted patient blocks (index / c) covered by m and
// checks that every covered block is complete.
func patientsOf(t *testing.T, m Mapping, c int) []int {
	t.Helper()
	count := make(map[int]int)
	for _, idx := range m {
		count[idx/c]++
	}
	var patients []int
	for p, n := range count {
		assert.Equal(t, c, n, "patient %d split across sets", p)
		patients = append(patients, p)
	}
	sort.Ints(patients)
	return patients
}

func TestPartitionBalancedScenario(t *testing.T) {
	const c = 3
	labels := strideLabels(10, 10, c)
	units, err := UnitsFromStride(len(labels), c, labels)
	require.NoError(t, err)
	require.Len(t, units, 20)

	a, err := NewPartitioner(5, 0.2, 42).Partition(units)
	require.NoError(t, err)
	require.NoError(t, a.Check())
	require.Equal(t, 5, a.Folds())

	for k := 0; k < 5; k++ {
		val := patientsOf(t, a.Validation[k], c)
		train := patientsOf(t, a.Training[k], c)

		var valCancer, trainCancer int
		for _, p := range val {
			if p >= 10 {
				valCancer++
			}
		}
		for _, p := range train {
			if p >= 10 {
				trainCancer++
			}
		}
		assert.Len(t, val, 4, "fold %d", k)
		assert.Equal(t, 2, valCancer, "fold %d", k)
		assert.Len(t, a.Validation[k], 12)

		assert.Len(t, train, 16, "fold %d", k)
		assert.Equal(t, 8, trainCancer, "fold %d", k)
		assert.Len(t, a.Training[k], 48)

		for _, p := range train {
			assert.NotContains(t, val, p)
		}
	}
}

func TestPartitionSubsamplesCancerWhenBenignIsMinority(t *testing.T) {
	labels := strideLabels(4, 10, 2)
	units, err := UnitsFromStride(len(labels), 2, labels)
	require.NoError(t, err)

	// 2 per class in validation, leaving 2 benign and 8 cancer
	a, err := NewPartitioner(3, 0.2, 1).Partition(units)
	require.NoError(t, err)
	require.NoError(t, a.Check())
	for k := 0; k < 3; k++ {
		assert.Len(t, patientsOf(t, a.Training[k], 2), 4)
	}
}

func TestPartitionIsReproducible(t *testing.T) {
	labels := strideLabels(10, 10, 3)
	units, err := UnitsFromStride(len(labels), 3, labels)
	require.NoError(t, err)

	a, err := NewPartitioner(5, 0.2, 9).Partition(units)
	require.NoError(t, err)
	b, err := NewPartitioner(5, 0.2, 9).Partition(units)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPartitionErrors(t *testing.T) {
	labels := strideLabels(1, 10, 1)
	units, err := UnitsFromStride(len(labels), 1, labels)
	require.NoError(t, err)

	_, err = NewPartitioner(5, 0.5, 1).Partition(units)
	assert.ErrorIs(t, err, ErrNotEnoughPatients)

	_, err = NewPartitioner(0, 0.2, 1).Partition(units)
	assert.Error(t, err)
	_, err = NewPartitioner(5, 0, 1).Partition(units)
	assert.Error(t, err)

	_, err = UnitsFromStride(5, 2, make([]int, 4))
	assert.Error(t, err)
}

func TestUnitsFromManifestGroupsPatients(t *testing.T) {
	m := &patches.Manifest{Groups: []patches.ManifestGroup{
		{Key: "P1_0", PatientID: "P1", Label: models.IntPtr(0), First: 0, Count: 2},
		{Key: "P2_0", PatientID: "P2", Label: models.IntPtr(0), First: 2, Count: 2},
		{Key: "P1_1", PatientID: "P1", Label: models.IntPtr(1), First: 4, Count: 2},
	}}
	units, err := UnitsFromManifest(m)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, Unit{PatientID: "P1", Label: 1, Indices: []int{0, 1, 4, 5}}, units[0])
	assert.Equal(t, Unit{PatientID: "P2", Label: 0, Indices: []int{2, 3}}, units[1])

	m.Groups[0].Label = nil
	_, err = UnitsFromManifest(m)
	assert.Error(t, err)
}

func TestMappingIndicesAndCheck(t *testing.T) {
	m := Mapping{0: 7, 1: 3, 2: 9}
	assert.Equal(t, []int{7, 3, 9}, m.Indices())

	bad := &Assignment{Validation: []Mapping{{0: 1, 1: 2}}, Training: []Mapping{{0: 2}}}
	assert.Error(t, bad.Check())

	gap := &Assignment{Validation: []Mapping{{0: 1, 2: 2}}, Training: []Mapping{{}}}
	assert.Error(t, gap.Check())

	dup := &Assignment{Validation: []Mapping{{0: 1, 1: 1}}, Training: []Mapping{{}}}
	assert.Error(t, dup.Check())
}

func TestSaveLoad(t *testing.T) {
	labels := strideLabels(5, 5, 2)
	units, err := UnitsFromStride(len(labels), 2, labels)
	require.NoError(t, err)
	a, err := NewPartitioner(2, 0.4, 3).Partition(units)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "folds", "folds.yaml")
	require.NoError(t, a.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, a, loaded)
}
