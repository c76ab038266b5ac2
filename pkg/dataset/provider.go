// Package dataset exposes an on-disk patch store as an indexable,
// fold-switchable source of normalized samples and batches them for training.
package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"prostatexcnn/internal/models"
	"prostatexcnn/pkg/folds"
	"prostatexcnn/pkg/patches"
	"prostatexcnn/pkg/volumeio"
)

// Sample is one model-ready patch.
type Sample struct {
	// Data is the normalized patch in (depth, height, width) order
	Data  []float64
	Shape [3]int

	Label    int
	HasLabel bool

	// Index is the global patch index the sample was read from
	Index int

	// Noise marks a sample replaced by uniform noise
	Noise bool
}

// Provider reads one modality of a patch store. In train mode logical
// indices go through the active fold mapping; in test mode they are offsets
// into the files sorted by index.
type Provider struct {
	modality models.Modality
	train    bool
	device   models.Device
	norm     Normalizer

	// shape is the (width, height, depth) used for noise substitution
	shape [3]int

	// entries by global index (train) and in index order (test)
	byIndex map[int]patches.Entry
	ordered []patches.Entry

	mu       sync.RWMutex
	mappings []folds.Mapping
	fold     int
	firstKey int
	length   int

	noiseMu sync.Mutex
	noise   *rand.Rand
}

// Options configures a provider.
type Options struct {
	Modality   models.Modality
	Device     models.Device
	Normalizer Normalizer

	// CropSize is the (width, height, depth) of the stored patches
	CropSize [3]int

	Seed int64
}

// NewTrainProvider creates a provider over a labelled store, starting at
// fold 0 of mappings.
func NewTrainProvider(root string, mappings []folds.Mapping, opts Options) (*Provider, error) {
	if len(mappings) == 0 {
		return nil, fmt.Errorf("train provider needs at least one fold mapping")
	}
	p, err := newProvider(root, true, opts)
	if err != nil {
		return nil, err
	}
	p.mappings = mappings
	if err := p.SwitchFold(0); err != nil {
		return nil, err
	}
	return p, nil
}

// NewTestProvider creates a provider over an unlabelled store.
func NewTestProvider(root string, opts Options) (*Provider, error) {
	p, err := newProvider(root, false, opts)
	if err != nil {
		return nil, err
	}
	p.length = len(p.ordered)
	return p, nil
}

func newProvider(root string, train bool, opts Options) (*Provider, error) {
	if opts.Normalizer == nil {
		opts.Normalizer = SampleZScore{}
	}
	if opts.Device == "" {
		opts.Device = models.CPU
	}
	entries, err := patches.Scan(root, opts.Modality)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		modality: opts.Modality,
		train:    train,
		device:   opts.Device,
		norm:     opts.Normalizer,
		shape:    opts.CropSize,
		byIndex:  make(map[int]patches.Entry, len(entries)),
		ordered:  entries,
		noise:    rand.New(rand.NewSource(opts.Seed)),
	}
	for _, e := range entries {
		if train && e.Label == nil {
			return nil, fmt.Errorf("patch %s has no label in a training store", e.Path)
		}
		p.byIndex[e.Index] = e
	}
	return p, nil
}

// SwitchFold makes fold k the active mapping. It must not race with reads
// that need a consistent view; the write lock serializes it against Get.
func (p *Provider) SwitchFold(k int) error {
	if !p.train {
		return fmt.Errorf("test providers have no folds")
	}
	if k < 0 || k >= len(p.mappings) {
		return fmt.Errorf("fold %d out of range [0, %d)", k, len(p.mappings))
	}

	m := p.mappings[k]
	first := 0
	if len(m) > 0 {
		keys := make([]int, 0, len(m))
		for key := range m {
			keys = append(keys, key)
		}
		sort.Ints(keys)
		first = keys[0]
	}
	for _, idx := range m {
		if _, ok := p.byIndex[idx]; !ok {
			return fmt.Errorf("fold %d maps to patch %d which is not in the store", k, idx)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.fold = k
	p.firstKey = first
	p.length = len(m)
	return nil
}

// Fold returns the active fold.
func (p *Provider) Fold() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fold
}

// Len returns the number of readable samples.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.length
}

// Modality returns the provider's modality.
func (p *Provider) Modality() models.Modality { return p.modality }

// Device returns the configured device.
func (p *Provider) Device() models.Device { return p.device }

// Train reports whether samples carry labels.
func (p *Provider) Train() bool { return p.train }

// resolve maps a logical index to a store entry.
func (p *Provider) resolve(i int) (patches.Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if i < 0 || i >= p.length {
		return patches.Entry{}, fmt.Errorf("index %d out of range [0, %d)", i, p.length)
	}
	if !p.train {
		return p.ordered[i], nil
	}
	idx, ok := p.mappings[p.fold][p.firstKey+i]
	if !ok {
		return patches.Entry{}, fmt.Errorf("fold %d has no key %d", p.fold, p.firstKey+i)
	}
	return p.byIndex[idx], nil
}

// Raw loads the unnormalized patch at logical index i.
func (p *Provider) Raw(i int) (*models.Volume, patches.Entry, error) {
	e, err := p.resolve(i)
	if err != nil {
		return nil, e, err
	}
	v, err := volumeio.LoadNRRD(e.Path)
	if err != nil {
		return nil, e, fmt.Errorf("patch %d: %w", e.Index, err)
	}
	return v, e, nil
}

// Get loads and normalizes the sample at logical index i. A normalization
// that yields non-finite values is replaced by uniform [0, 1) noise.
func (p *Provider) Get(i int) (Sample, error) {
	v, e, err := p.Raw(i)
	if err != nil {
		return Sample{}, err
	}
	data, err := p.norm.Normalize(v.Data)
	if err != nil {
		return Sample{}, fmt.Errorf("patch %d: %w", e.Index, err)
	}

	s := Sample{
		Data:  data,
		Shape: [3]int{v.Size[2], v.Size[1], v.Size[0]},
		Index: e.Index,
	}
	if !allFinite(data) {
		s.Data, s.Shape = p.noiseData(v.Size)
		s.Noise = true
	}
	if p.train {
		s.Label, s.HasLabel = *e.Label, true
	}
	return s, nil
}

func (p *Provider) noiseData(size [3]int) ([]float64, [3]int) {
	if p.shape != [3]int{} {
		size = p.shape
	}
	out := make([]float64, size[0]*size[1]*size[2])
	p.noiseMu.Lock()
	for i := range out {
		out[i] = p.noise.Float64()
	}
	p.noiseMu.Unlock()
	return out, [3]int{size[2], size[1], size[0]}
}

func allFinite(data []float64) bool {
	for _, x := range data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
