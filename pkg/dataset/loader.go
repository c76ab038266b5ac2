package dataset

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Batch is a set of samples stacked row-wise: X has one flattened sample per
// row.
type Batch struct {
	X         *mat.Dense
	Labels    []int
	HasLabels bool
	Indices   []int
	Noise     int
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.Indices)
}

// Loader batches a provider's samples, reading each batch with a bounded
// group of goroutines.
type Loader struct {
	Provider  *Provider
	BatchSize int
	Shuffle   bool
	Workers   int
	Rand      *rand.Rand
}

// NewLoader creates a loader; shuffling uses its own seeded source.
func NewLoader(p *Provider, batchSize int, shuffle bool, workers int, seed int64) *Loader {
	return &Loader{
		Provider:  p,
		BatchSize: batchSize,
		Shuffle:   shuffle,
		Workers:   workers,
		Rand:      rand.New(rand.NewSource(seed)),
	}
}

// Each visits every batch of one epoch in order. Batch contents keep the
// order of the (possibly shuffled) index list regardless of which worker read
// them.
func (l *Loader) Each(ctx context.Context, fn func(Batch) error) error {
	if l.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", l.BatchSize)
	}
	n := l.Provider.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.Shuffle {
		l.Rand.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	for start := 0; start < n; start += l.BatchSize {
		end := start + l.BatchSize
		if end > n {
			end = n
		}
		batch, err := l.load(ctx, order[start:end])
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) load(ctx context.Context, logical []int) (Batch, error) {
	samples := make([]Sample, len(logical))

	g, gctx := errgroup.WithContext(ctx)
	if l.Workers > 0 {
		g.SetLimit(l.Workers)
	}
	for pos, i := range logical {
		pos, i := pos, i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := l.Provider.Get(i)
			if err != nil {
				return err
			}
			samples[pos] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}
	return stack(samples)
}

func stack(samples []Sample) (Batch, error) {
	b := Batch{
		Labels:    make([]int, len(samples)),
		Indices:   make([]int, len(samples)),
		HasLabels: len(samples) > 0 && samples[0].HasLabel,
	}
	if len(samples) == 0 {
		return b, nil
	}
	width := len(samples[0].Data)
	data := make([]float64, 0, width*len(samples))
	for i, s := range samples {
		if len(s.Data) != width {
			return Batch{}, fmt.Errorf("sample %d has %d voxels, batch expects %d", s.Index, len(s.Data), width)
		}
		data = append(data, s.Data...)
		b.Labels[i] = s.Label
		b.Indices[i] = s.Index
		if s.Noise {
			b.Noise++
		}
	}
	b.X = mat.NewDense(len(samples), width, data)
	return b, nil
}
