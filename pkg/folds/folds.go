// Package folds builds patient-level stratified cross-validation folds over a
// patch store and persists them.
//
// Sampling happens per patient: every patch of a patient lands on the same
// side of a fold, so no patient straddles a fold's validation and training
// sets. Folds are sampled independently, so a patient may validate in more
// than one fold.
package folds

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"prostatexcnn/pkg/patches"
)

// ErrNotEnoughPatients is returned when a class cannot fill a validation fold.
var ErrNotEnoughPatients = errors.New("not enough patients")

// Unit is one patient and every patch index it owns.
type Unit struct {
	PatientID string
	Label     int
	Indices   []int
}

// UnitsFromStride treats every block of c contiguous indices as one patient;
// labels[i] is the label of patch i and the block's first patch decides.
func UnitsFromStride(total, c int, labels []int) ([]Unit, error) {
	if c < 1 {
		return nil, fmt.Errorf("crops per patient must be at least 1, got %d", c)
	}
	if len(labels) != total {
		return nil, fmt.Errorf("%d labels for %d patches", len(labels), total)
	}
	units := make([]Unit, 0, total/c)
	for p := 0; p < total/c; p++ {
		u := Unit{PatientID: fmt.Sprintf("%d", p), Label: labels[p*c]}
		for pos := 0; pos < c; pos++ {
			u.Indices = append(u.Indices, p*c+pos)
		}
		units = append(units, u)
	}
	return units, nil
}

// UnitsFromManifest groups every block of a patch store by patient. A patient
// counts as cancer when any of its blocks is labelled clinically significant.
func UnitsFromManifest(m *patches.Manifest) ([]Unit, error) {
	byPatient := make(map[string]*Unit)
	var order []string
	for _, g := range m.Groups {
		if g.Label == nil {
			return nil, fmt.Errorf("group %s has no label; folds need a training store", g.Key)
		}
		u, ok := byPatient[g.PatientID]
		if !ok {
			u = &Unit{PatientID: g.PatientID}
			byPatient[g.PatientID] = u
			order = append(order, g.PatientID)
		}
		if *g.Label == 1 {
			u.Label = 1
		}
		for i := 0; i < g.Count; i++ {
			u.Indices = append(u.Indices, g.First+i)
		}
	}
	units := make([]Unit, len(order))
	for i, id := range order {
		units[i] = *byPatient[id]
	}
	return units, nil
}

// Mapping is a bijection from dense keys 0..n-1 to global patch indices.
type Mapping map[int]int

// Indices returns the mapped global indices ordered by key.
func (m Mapping) Indices() []int {
	out := make([]int, len(m))
	for k, v := range m {
		if k >= 0 && k < len(out) {
			out[k] = v
		}
	}
	return out
}

// Assignment holds one validation and one training mapping per fold.
type Assignment struct {
	Validation []Mapping `yaml:"validation"`
	Training   []Mapping `yaml:"training"`
}

// Folds returns the number of folds.
func (a *Assignment) Folds() int {
	return len(a.Validation)
}

// Partitioner samples stratified folds.
type Partitioner struct {
	// K is the number of folds
	K int

	// Fraction of the cancer patient count sampled from each class into
	// every validation set
	Fraction float64

	Rand *rand.Rand
}

// NewPartitioner creates a partitioner with a seeded random source.
func NewPartitioner(k int, fraction float64, seed int64) *Partitioner {
	return &Partitioner{K: k, Fraction: fraction, Rand: rand.New(rand.NewSource(seed))}
}

// Partition builds K independent folds. Each fold validates on
// round(Fraction*|cancer|) patients of each class and trains on the remaining
// patients of the minority class plus an equal-size random subset of the
// remaining majority class.
func (p *Partitioner) Partition(units []Unit) (*Assignment, error) {
	if p.K < 1 {
		return nil, fmt.Errorf("fold count must be at least 1, got %d", p.K)
	}
	if !(p.Fraction > 0 && p.Fraction <= 1) {
		return nil, fmt.Errorf("fold fraction must be in (0, 1], got %v", p.Fraction)
	}

	var cancer, benign []int
	for i, u := range units {
		switch u.Label {
		case 1:
			cancer = append(cancer, i)
		case 0:
			benign = append(benign, i)
		default:
			return nil, fmt.Errorf("patient %s has label %d", u.PatientID, u.Label)
		}
	}

	perClass := int(math.Round(p.Fraction * float64(len(cancer))))
	if perClass > len(benign) || perClass > len(cancer) {
		return nil, fmt.Errorf("%w: %d per class for %d cancer and %d non-cancer patients",
			ErrNotEnoughPatients, perClass, len(cancer), len(benign))
	}

	a := &Assignment{}
	for k := 0; k < p.K; k++ {
		inFold := make(map[int]bool)
		for _, u := range p.sample(benign, perClass) {
			inFold[u] = true
		}
		for _, u := range p.sample(cancer, perClass) {
			inFold[u] = true
		}

		var cancerOut, benignOut []int
		for _, u := range cancer {
			if !inFold[u] {
				cancerOut = append(cancerOut, u)
			}
		}
		for _, u := range benign {
			if !inFold[u] {
				benignOut = append(benignOut, u)
			}
		}

		// balance 1:1 by subsampling the majority class
		var train []int
		if len(benignOut) >= len(cancerOut) {
			train = append(cancerOut, p.sample(benignOut, len(cancerOut))...)
		} else {
			train = append(benignOut, p.sample(cancerOut, len(benignOut))...)
		}

		var fold []int
		for u := range inFold {
			fold = append(fold, u)
		}
		a.Validation = append(a.Validation, expand(units, fold))
		a.Training = append(a.Training, expand(units, train))
	}
	return a, nil
}

// sample draws n distinct elements of from uniformly without replacement.
func (p *Partitioner) sample(from []int, n int) []int {
	perm := p.Rand.Perm(len(from))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = from[perm[i]]
	}
	return out
}

// expand maps patient units to their patch indices and re-keys them densely
// in ascending index order.
func expand(units []Unit, selected []int) Mapping {
	var indices []int
	for _, u := range selected {
		indices = append(indices, units[u].Indices...)
	}
	sort.Ints(indices)
	m := make(Mapping, len(indices))
	for k, idx := range indices {
		m[k] = idx
	}
	return m
}

// Check verifies that every mapping is a bijection onto distinct indices and
// that each fold's validation and training indices are disjoint.
func (a *Assignment) Check() error {
	if len(a.Validation) != len(a.Training) {
		return fmt.Errorf("%d validation folds but %d training folds", len(a.Validation), len(a.Training))
	}
	for k := range a.Validation {
		val, err := checkMapping(a.Validation[k])
		if err != nil {
			return fmt.Errorf("fold %d validation: %w", k, err)
		}
		train, err := checkMapping(a.Training[k])
		if err != nil {
			return fmt.Errorf("fold %d training: %w", k, err)
		}
		for idx := range train {
			if val[idx] {
				return fmt.Errorf("fold %d: patch %d is in both validation and training", k, idx)
			}
		}
	}
	return nil
}

func checkMapping(m Mapping) (map[int]bool, error) {
	seen := make(map[int]bool, len(m))
	for k := 0; k < len(m); k++ {
		idx, ok := m[k]
		if !ok {
			return nil, fmt.Errorf("key %d missing from a mapping of size %d", k, len(m))
		}
		if seen[idx] {
			return nil, fmt.Errorf("patch %d mapped twice", idx)
		}
		seen[idx] = true
	}
	return seen, nil
}

// Save writes the assignment as YAML.
func (a *Assignment) Save(path string) error {
	data, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("error marshaling folds: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating fold directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing folds: %w", err)
	}
	return nil
}

// Load reads and checks a persisted assignment.
func Load(path string) (*Assignment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading folds: %w", err)
	}
	var a Assignment
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("error parsing folds: %w", err)
	}
	if err := a.Check(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &a, nil
}
