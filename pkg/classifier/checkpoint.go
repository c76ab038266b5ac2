package classifier

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"prostatexcnn/internal/models"
)

// WeightTensor is one serialized parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Metadata describes where a checkpoint came from.
type Metadata struct {
	RunID     string          `json:"run_id"`
	Spec      Spec            `json:"spec"`
	Outputs   int             `json:"outputs"`
	Modality  models.Modality `json:"modality"`
	Fold      int             `json:"fold"`
	Epoch     int             `json:"epoch"`
	CreatedAt time.Time       `json:"created_at"`
}

// Checkpoint is a model's weights plus metadata, stored as JSON.
type Checkpoint struct {
	Metadata Metadata       `json:"metadata"`
	Weights  []WeightTensor `json:"weights"`
}

// NewCheckpoint snapshots the weights of c. Spec and Outputs are taken from
// the model, the rest of meta is kept as given.
func NewCheckpoint(c Classifier, meta Metadata) *Checkpoint {
	meta.Spec = c.Spec()
	meta.Outputs = c.Outputs()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	ck := &Checkpoint{Metadata: meta}
	for _, p := range c.Params() {
		r, cols := p.Value.Dims()
		data := make([]float64, 0, r*cols)
		for i := 0; i < r; i++ {
			data = append(data, p.Value.RawRowView(i)...)
		}
		ck.Weights = append(ck.Weights, WeightTensor{Name: p.Name, Shape: []int{r, cols}, Data: data})
	}
	return ck
}

// SaveCheckpoint writes the weights of c to path, creating parent directories.
func SaveCheckpoint(path string, c Classifier, meta Metadata) error {
	data, err := json.MarshalIndent(NewCheckpoint(c, meta), "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating checkpoint directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading checkpoint: %w", err)
	}
	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("error parsing checkpoint %s: %w", path, err)
	}
	return &ck, nil
}

// Restore copies the checkpoint weights into c. Every tensor must match a
// parameter of c by name and shape; nothing is copied otherwise.
func (ck *Checkpoint) Restore(c Classifier) error {
	params := c.Params()
	if len(ck.Weights) != len(params) {
		return fmt.Errorf("checkpoint has %d tensors, model has %d parameters: %w", len(ck.Weights), len(params), ErrShapeMismatch)
	}
	values := make([]*mat.Dense, len(ck.Weights))
	for i, w := range ck.Weights {
		p, err := ParamByName(c, w.Name)
		if err != nil {
			return err
		}
		r, cols := p.Value.Dims()
		if len(w.Shape) != 2 || w.Shape[0] != r || w.Shape[1] != cols || len(w.Data) != r*cols {
			return fmt.Errorf("%s: checkpoint shape %v, model %dx%d: %w", w.Name, w.Shape, r, cols, ErrShapeMismatch)
		}
		values[i] = mat.NewDense(r, cols, append([]float64(nil), w.Data...))
	}
	for i, w := range ck.Weights {
		p, _ := ParamByName(c, w.Name)
		p.Value.Copy(values[i])
	}
	return nil
}

// Build constructs a fresh model from the checkpoint's spec and restores its
// weights.
func (ck *Checkpoint) Build(device models.Device) (Classifier, error) {
	m, err := NewMLP(ck.Metadata.Spec, device, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	if err := ck.Restore(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NextVersionPath returns dir/{n}{ext} where n is one more than the largest
// numbered file with that extension in dir, starting at 1. The directory is
// created when missing.
func NextVersionPath(dir, ext string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("error listing %s: %w", dir, err)
	}
	next := 1
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ext))
		if err != nil || n < 1 {
			continue
		}
		if n >= next {
			next = n + 1
		}
	}
	return filepath.Join(dir, strconv.Itoa(next)+ext), nil
}

// ModelDir returns {root}/{modality}/{architecture}.
func ModelDir(root string, m models.Modality, a Architecture) string {
	return filepath.Join(root, string(m), string(a))
}
