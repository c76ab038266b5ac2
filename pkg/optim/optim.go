// Package optim implements the first order optimizers used to train
// classifiers. Optimizer state is keyed by parameter name, so a fresh
// optimizer is created for every fold.
package optim

import (
	"fmt"
	"math"
	"strings"

	"prostatexcnn/pkg/classifier"
)

// Optimizer updates parameter values in place from their gradients.
type Optimizer interface {
	Step(params []*classifier.Param) error
	Name() string
}

// Config holds the hyperparameters of every optimizer; each uses the fields
// it needs.
type Config struct {
	Name        string
	LR          float64
	FinalLR     float64
	Momentum    float64
	WeightDecay float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	Gamma       float64
}

// DefaultConfig returns AdaBound with the usual defaults.
func DefaultConfig() Config {
	return Config{
		Name:    "adabound",
		LR:      0.001,
		FinalLR: 0.1,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		Gamma:   1e-3,
	}
}

// New creates the optimizer named by cfg.Name (sgd, adam or adabound).
func New(cfg Config) (Optimizer, error) {
	if !(cfg.LR > 0) {
		return nil, fmt.Errorf("learning rate must be positive, got %v", cfg.LR)
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}
	if cfg.Gamma == 0 {
		cfg.Gamma = 1e-3
	}
	switch strings.ToLower(cfg.Name) {
	case "sgd":
		return NewSGD(cfg), nil
	case "adam":
		return NewAdam(cfg), nil
	case "", "adabound":
		if !(cfg.FinalLR > 0) {
			return nil, fmt.Errorf("adabound final learning rate must be positive, got %v", cfg.FinalLR)
		}
		return NewAdaBound(cfg), nil
	}
	return nil, fmt.Errorf("unknown optimizer %q", cfg.Name)
}

// gradient returns the parameter gradient with L2 weight decay folded in.
func gradient(p *classifier.Param, weightDecay float64) []float64 {
	g := append([]float64(nil), p.Grad.RawMatrix().Data...)
	if weightDecay != 0 {
		w := p.Value.RawMatrix().Data
		for i := range g {
			g[i] += weightDecay * w[i]
		}
	}
	return g
}

func checkState(p *classifier.Param, state []float64) error {
	if n := len(p.Value.RawMatrix().Data); n != len(state) {
		return fmt.Errorf("optimizer state for %s has %d entries, parameter has %d", p.Name, len(state), n)
	}
	return nil
}

// SGD is stochastic gradient descent with optional momentum.
type SGD struct {
	cfg      Config
	velocity map[string][]float64
}

// NewSGD creates an SGD optimizer.
func NewSGD(cfg Config) *SGD {
	return &SGD{cfg: cfg, velocity: make(map[string][]float64)}
}

// Name returns "sgd".
func (o *SGD) Name() string { return "sgd" }

// Step applies v = momentum*v + g; w -= lr*v.
func (o *SGD) Step(params []*classifier.Param) error {
	for _, p := range params {
		if p.Frozen {
			continue
		}
		g := gradient(p, o.cfg.WeightDecay)
		w := p.Value.RawMatrix().Data
		if o.cfg.Momentum == 0 {
			for i := range w {
				w[i] -= o.cfg.LR * g[i]
			}
			continue
		}
		v, ok := o.velocity[p.Name]
		if !ok {
			v = g
			o.velocity[p.Name] = v
		} else {
			if err := checkState(p, v); err != nil {
				return err
			}
			for i := range v {
				v[i] = o.cfg.Momentum*v[i] + g[i]
			}
		}
		for i := range w {
			w[i] -= o.cfg.LR * v[i]
		}
	}
	return nil
}

type moments struct {
	m, v []float64
	step int
}

func (o *moments) update(g []float64, beta1, beta2 float64) {
	o.step++
	for i, gi := range g {
		o.m[i] = beta1*o.m[i] + (1-beta1)*gi
		o.v[i] = beta2*o.v[i] + (1-beta2)*gi*gi
	}
}

func momentsFor(state map[string]*moments, p *classifier.Param) (*moments, error) {
	s, ok := state[p.Name]
	if !ok {
		n := len(p.Value.RawMatrix().Data)
		s = &moments{m: make([]float64, n), v: make([]float64, n)}
		state[p.Name] = s
	}
	if err := checkState(p, s.m); err != nil {
		return nil, err
	}
	return s, nil
}

// Adam is the bias-corrected adaptive moment optimizer.
type Adam struct {
	cfg   Config
	state map[string]*moments
}

// NewAdam creates an Adam optimizer.
func NewAdam(cfg Config) *Adam {
	return &Adam{cfg: cfg, state: make(map[string]*moments)}
}

// Name returns "adam".
func (o *Adam) Name() string { return "adam" }

// Step applies one Adam update to every trainable parameter.
func (o *Adam) Step(params []*classifier.Param) error {
	for _, p := range params {
		if p.Frozen {
			continue
		}
		s, err := momentsFor(o.state, p)
		if err != nil {
			return err
		}
		s.update(gradient(p, o.cfg.WeightDecay), o.cfg.Beta1, o.cfg.Beta2)
		bc1 := 1 - math.Pow(o.cfg.Beta1, float64(s.step))
		bc2 := 1 - math.Pow(o.cfg.Beta2, float64(s.step))
		stepSize := o.cfg.LR * math.Sqrt(bc2) / bc1

		w := p.Value.RawMatrix().Data
		for i := range w {
			w[i] -= stepSize * s.m[i] / (math.Sqrt(s.v[i]) + o.cfg.Epsilon)
		}
	}
	return nil
}

// AdaBound is Adam whose per-coordinate step size is clipped into bounds
// that converge to FinalLR, moving from adaptive to SGD-like behaviour.
type AdaBound struct {
	cfg   Config
	state map[string]*moments
}

// NewAdaBound creates an AdaBound optimizer.
func NewAdaBound(cfg Config) *AdaBound {
	return &AdaBound{cfg: cfg, state: make(map[string]*moments)}
}

// Name returns "adabound".
func (o *AdaBound) Name() string { return "adabound" }

// Bounds returns the step size clip range after step updates.
func (o *AdaBound) Bounds(step int) (lower, upper float64) {
	t := float64(step)
	lower = o.cfg.FinalLR * (1 - 1/(o.cfg.Gamma*t+1))
	upper = o.cfg.FinalLR * (1 + 1/(o.cfg.Gamma*t))
	return lower, upper
}

// Step applies one AdaBound update to every trainable parameter.
func (o *AdaBound) Step(params []*classifier.Param) error {
	for _, p := range params {
		if p.Frozen {
			continue
		}
		s, err := momentsFor(o.state, p)
		if err != nil {
			return err
		}
		s.update(gradient(p, o.cfg.WeightDecay), o.cfg.Beta1, o.cfg.Beta2)
		bc1 := 1 - math.Pow(o.cfg.Beta1, float64(s.step))
		bc2 := 1 - math.Pow(o.cfg.Beta2, float64(s.step))
		stepSize := o.cfg.LR * math.Sqrt(bc2) / bc1
		lower, upper := o.Bounds(s.step)

		w := p.Value.RawMatrix().Data
		for i := range w {
			lr := stepSize / (math.Sqrt(s.v[i]) + o.cfg.Epsilon)
			lr = math.Min(math.Max(lr, lower), upper)
			w[i] -= lr * s.m[i]
		}
	}
	return nil
}
