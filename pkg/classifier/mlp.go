// Package classifier defines the trainable model interface used by the
// training loop together with a gonum-backed reference network, its losses,
// weight transfer and checkpoints.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"prostatexcnn/internal/models"
)

// Architecture selects the output head of a model.
type Architecture string

const (
	// Binary has one sigmoid output trained with binary cross entropy
	Binary Architecture = "binary"
	// Softmax has two outputs trained with cross entropy; the class is the arg-max
	Softmax Architecture = "softmax"
)

// ParseArchitecture validates an architecture name.
func ParseArchitecture(s string) (Architecture, error) {
	switch a := Architecture(s); a {
	case Binary, Softmax:
		return a, nil
	}
	return "", fmt.Errorf("unknown architecture %q", s)
}

// Outputs returns the number of logits the head produces.
func (a Architecture) Outputs() int {
	if a == Softmax {
		return 2
	}
	return 1
}

var (
	// ErrShapeMismatch is returned when two tensors that must agree do not
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnknownParam is returned for a parameter name the model does not have
	ErrUnknownParam = errors.New("unknown parameter")

	errNoForward = errors.New("backward called without a training forward pass")
)

// Param is one named tensor of a model with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense

	// Frozen parameters are skipped by optimizers
	Frozen bool
}

// Spec describes how to rebuild a model of the same shape.
type Spec struct {
	Architecture Architecture `json:"architecture"`
	Inputs       int          `json:"inputs"`
	Hidden       int          `json:"hidden"`
}

// Classifier is a differentiable model over flattened patches. Forward takes
// one sample per row and returns one row of logits per sample.
type Classifier interface {
	Forward(x *mat.Dense) (*mat.Dense, error)
	Backward(gradLogits *mat.Dense) error
	Params() []*Param
	ZeroGrad()
	SetTraining(training bool)
	Clone() Classifier
	Outputs() int
	Name() string
	Device() models.Device
	Spec() Spec
}

// MLP is a one hidden layer ReLU network.
type MLP struct {
	spec   Spec
	device models.Device

	hiddenW, hiddenB *Param
	outW, outB       *Param

	training bool

	// activations of the last training forward pass
	x, h *mat.Dense
}

// NewMLP creates a network with He-normal weights and zero biases. Only the
// cpu device is supported.
func NewMLP(spec Spec, device models.Device, rng *rand.Rand) (*MLP, error) {
	if device != models.CPU {
		return nil, fmt.Errorf("mlp on %q: %w", device, models.ErrUnsupportedDevice)
	}
	if _, err := ParseArchitecture(string(spec.Architecture)); err != nil {
		return nil, err
	}
	if spec.Inputs < 1 || spec.Hidden < 1 {
		return nil, fmt.Errorf("mlp needs positive inputs and hidden units, got %d and %d", spec.Inputs, spec.Hidden)
	}

	out := spec.Architecture.Outputs()
	m := &MLP{
		spec:     spec,
		device:   device,
		hiddenW:  newParam("hidden.weight", spec.Hidden, spec.Inputs),
		hiddenB:  newParam("hidden.bias", 1, spec.Hidden),
		outW:     newParam("output.weight", out, spec.Hidden),
		outB:     newParam("output.bias", 1, out),
		training: true,
	}
	heNormal(m.hiddenW.Value, spec.Inputs, rng)
	heNormal(m.outW.Value, spec.Hidden, rng)
	return m, nil
}

func newParam(name string, r, c int) *Param {
	return &Param{Name: name, Value: mat.NewDense(r, c, nil), Grad: mat.NewDense(r, c, nil)}
}

func heNormal(w *mat.Dense, fanIn int, rng *rand.Rand) {
	std := math.Sqrt(2 / float64(fanIn))
	raw := w.RawMatrix()
	for i := range raw.Data {
		raw.Data[i] = rng.NormFloat64() * std
	}
}

// Forward computes relu(x·Wh' + bh)·Wo' + bo.
func (m *MLP) Forward(x *mat.Dense) (*mat.Dense, error) {
	n, c := x.Dims()
	if c != m.spec.Inputs {
		return nil, fmt.Errorf("input has %d features, model expects %d: %w", c, m.spec.Inputs, ErrShapeMismatch)
	}

	h := mat.NewDense(n, m.spec.Hidden, nil)
	h.Mul(x, m.hiddenW.Value.T())
	addRow(h, m.hiddenB.Value)
	h.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, h)

	out := mat.NewDense(n, m.Outputs(), nil)
	out.Mul(h, m.outW.Value.T())
	addRow(out, m.outB.Value)

	if m.training {
		m.x, m.h = x, h
	} else {
		m.x, m.h = nil, nil
	}
	return out, nil
}

// Backward accumulates parameter gradients for the last training forward pass.
func (m *MLP) Backward(gradLogits *mat.Dense) error {
	if m.x == nil {
		return errNoForward
	}
	n, c := gradLogits.Dims()
	if r, _ := m.h.Dims(); r != n || c != m.Outputs() {
		return fmt.Errorf("logit gradient is %dx%d, want %dx%d: %w", n, c, r, m.Outputs(), ErrShapeMismatch)
	}

	var dW mat.Dense
	dW.Mul(gradLogits.T(), m.h)
	m.outW.Grad.Add(m.outW.Grad, &dW)
	addColumnSums(m.outB.Grad, gradLogits)

	dh := mat.NewDense(n, m.spec.Hidden, nil)
	dh.Mul(gradLogits, m.outW.Value)
	dh.Apply(func(i, j int, v float64) float64 {
		if m.h.At(i, j) <= 0 {
			return 0
		}
		return v
	}, dh)

	var dHW mat.Dense
	dHW.Mul(dh.T(), m.x)
	m.hiddenW.Grad.Add(m.hiddenW.Grad, &dHW)
	addColumnSums(m.hiddenB.Grad, dh)
	return nil
}

// Params returns the parameters in a stable order.
func (m *MLP) Params() []*Param {
	return []*Param{m.hiddenW, m.hiddenB, m.outW, m.outB}
}

// ZeroGrad clears every accumulated gradient.
func (m *MLP) ZeroGrad() {
	for _, p := range m.Params() {
		p.Grad.Zero()
	}
}

// SetTraining toggles activation caching. Evaluation passes keep no state.
func (m *MLP) SetTraining(training bool) {
	m.training = training
	if !training {
		m.x, m.h = nil, nil
	}
}

// Clone returns an independent deep copy with zero gradients.
func (m *MLP) Clone() Classifier {
	c := &MLP{spec: m.spec, device: m.device, training: m.training}
	c.hiddenW = cloneParam(m.hiddenW)
	c.hiddenB = cloneParam(m.hiddenB)
	c.outW = cloneParam(m.outW)
	c.outB = cloneParam(m.outB)
	return c
}

func cloneParam(p *Param) *Param {
	r, c := p.Value.Dims()
	return &Param{
		Name:   p.Name,
		Value:  mat.DenseCopyOf(p.Value),
		Grad:   mat.NewDense(r, c, nil),
		Frozen: p.Frozen,
	}
}

// Outputs returns the number of logits per sample.
func (m *MLP) Outputs() int { return m.spec.Architecture.Outputs() }

// Name returns the architecture name.
func (m *MLP) Name() string { return string(m.spec.Architecture) }

// Device returns the device the model runs on.
func (m *MLP) Device() models.Device { return m.device }

// Spec returns the constructor arguments.
func (m *MLP) Spec() Spec { return m.spec }

func addRow(dst, row *mat.Dense) {
	dst.Apply(func(_, j int, v float64) float64 { return v + row.At(0, j) }, dst)
}

func addColumnSums(dst, src *mat.Dense) {
	r, c := src.Dims()
	for j := 0; j < c; j++ {
		var s float64
		for i := 0; i < r; i++ {
			s += src.At(i, j)
		}
		dst.Set(0, j, dst.At(0, j)+s)
	}
}

// ParamByName returns the named parameter of c.
func ParamByName(c Classifier, name string) (*Param, error) {
	for _, p := range c.Params() {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", name, ErrUnknownParam)
}
