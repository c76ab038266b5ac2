package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"prostatexcnn/pkg/classifier"
	"prostatexcnn/pkg/dataset"
	"prostatexcnn/pkg/logging"
	"prostatexcnn/pkg/optim"
)

// SingleClassPolicy decides what a pass whose labels hold one class yields.
type SingleClassPolicy string

const (
	// RecordNaN logs a warning and records NaN metrics, which never win
	// best-epoch selection
	RecordNaN SingleClassPolicy = "nan"
	// FailOnSingleClass aborts the fold with ErrUndefinedMetric
	FailOnSingleClass SingleClassPolicy = "error"
)

// ParseSingleClassPolicy validates a policy name.
func ParseSingleClassPolicy(s string) (SingleClassPolicy, error) {
	switch p := SingleClassPolicy(s); p {
	case RecordNaN, FailOnSingleClass:
		return p, nil
	}
	return "", fmt.Errorf("unknown single class policy %q", s)
}

// PassMetrics summarizes one pass over a loader.
type PassMetrics struct {
	Loss float64
	AUC  float64
	F1   float64

	// Confusion is computed from the hard predictions of the pass
	Confusion ConfusionMatrix

	Samples int
	Noise   int

	actual []int
	pred   []int
}

// EpochMetrics is the training and validation outcome of one epoch.
type EpochMetrics struct {
	Epoch int
	Train PassMetrics
	Val   PassMetrics
}

// FoldResult is everything a fold hands back to the orchestrator.
type FoldResult struct {
	Fold int

	// Best is an independent copy of the model at BestEpoch
	Best      classifier.Classifier
	BestEpoch int

	// Confusion is the validation confusion matrix at BestEpoch
	Confusion ConfusionMatrix

	TrainAUC float64
	TrainF1  float64
	ValAUC   float64
	ValF1    float64

	// ValCI is the bootstrap interval of ValAUC; NaN when disabled or
	// undefined
	ValCI BootstrapCI

	History []EpochMetrics
}

// Trainer runs the epochs of one fold.
type Trainer struct {
	Epochs      int
	Loss        classifier.Loss
	SingleClass SingleClassPolicy

	// Bootstrap is the number of resamples behind FoldResult.ValCI; zero
	// disables it
	Bootstrap int
	Seed      int64

	Log *logging.Logger
}

// NewTrainer creates a trainer for the given architecture's loss.
func NewTrainer(epochs int, arch classifier.Architecture, policy SingleClassPolicy, log *logging.Logger) *Trainer {
	return &Trainer{Epochs: epochs, Loss: classifier.LossFor(arch), SingleClass: policy, Log: log}
}

// TrainFold trains model in place for the configured number of epochs and
// returns a snapshot of the epoch with the highest validation AUC. The first
// epoch with a defined AUC becomes the best and only a strictly greater AUC
// replaces it; if no epoch has a defined AUC the last epoch is kept.
func (t *Trainer) TrainFold(ctx context.Context, fold int, model classifier.Classifier, train, val *dataset.Loader, opt optim.Optimizer) (*FoldResult, error) {
	if t.Epochs < 1 {
		return nil, fmt.Errorf("epochs must be positive, got %d", t.Epochs)
	}
	res := &FoldResult{Fold: fold, BestEpoch: -1, ValAUC: math.NaN(), ValCI: NaNCI()}
	bestDefined := false
	var bestVal PassMetrics

	for epoch := 0; epoch < t.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		trainMetrics, err := t.trainPass(ctx, model, train, opt)
		if err != nil {
			return nil, fmt.Errorf("fold %d epoch %d training: %w", fold, epoch+1, err)
		}
		valMetrics, err := t.evalPass(ctx, model, val)
		if err != nil {
			return nil, fmt.Errorf("fold %d epoch %d validation: %w", fold, epoch+1, err)
		}
		res.History = append(res.History, EpochMetrics{Epoch: epoch + 1, Train: trainMetrics, Val: valMetrics})

		t.Log.Info("Fold %d epoch %d/%d: train loss %.4f auc %.4f f1 %.4f | val loss %.4f auc %.4f f1 %.4f",
			fold, epoch+1, t.Epochs,
			trainMetrics.Loss, trainMetrics.AUC, trainMetrics.F1,
			valMetrics.Loss, valMetrics.AUC, valMetrics.F1)

		defined := !math.IsNaN(valMetrics.AUC)
		improved := defined && (!bestDefined || valMetrics.AUC > res.ValAUC)
		if improved || !bestDefined {
			res.Best = model.Clone()
			res.BestEpoch = epoch + 1
			res.Confusion = valMetrics.Confusion
			res.TrainAUC, res.TrainF1 = trainMetrics.AUC, trainMetrics.F1
			res.ValAUC, res.ValF1 = valMetrics.AUC, valMetrics.F1
			bestVal = valMetrics
			bestDefined = defined
		}
	}

	if t.Bootstrap > 0 && bestDefined {
		ci, err := t.bootstrap(fold, bestVal)
		if err != nil {
			return nil, fmt.Errorf("fold %d bootstrap: %w", fold, err)
		}
		res.ValCI = ci
		t.Log.Info("Fold %d val auc bootstrap: %s", fold, ci)
	}

	t.Log.Info("Fold %d best epoch %d: val auc %.4f f1 %.4f, confusion %s",
		fold, res.BestEpoch, res.ValAUC, res.ValF1, res.Confusion)
	return res, nil
}

// bootstrap resamples the hard validation predictions the AUC was computed
// from. Each fold draws from its own seeded source.
func (t *Trainer) bootstrap(fold int, m PassMetrics) (BootstrapCI, error) {
	scores := make([]float64, len(m.pred))
	for i, p := range m.pred {
		scores[i] = float64(p)
	}
	rng := rand.New(rand.NewSource(t.Seed + int64(fold)))
	ci, err := BootstrapAUC(m.actual, scores, t.Bootstrap, rng)
	if errors.Is(err, ErrUndefinedMetric) {
		t.Log.Warn("Fold %d: every bootstrap resample held a single class", fold)
		return NaNCI(), nil
	}
	return ci, err
}

// pass accumulates the losses, labels and hard predictions of a loader.
type pass struct {
	lossSum float64
	actual  []int
	pred    []int
	noise   int
}

func (p *pass) add(loss float64, labels, pred []int, noise int) {
	p.lossSum += loss * float64(len(labels))
	p.actual = append(p.actual, labels...)
	p.pred = append(p.pred, pred...)
	p.noise += noise
}

func (t *Trainer) trainPass(ctx context.Context, model classifier.Classifier, loader *dataset.Loader, opt optim.Optimizer) (PassMetrics, error) {
	model.SetTraining(true)
	var acc pass
	err := loader.Each(ctx, func(b dataset.Batch) error {
		if !b.HasLabels {
			return fmt.Errorf("training batch has no labels")
		}
		model.ZeroGrad()
		logits, err := model.Forward(b.X)
		if err != nil {
			return err
		}
		loss, grad, err := t.Loss.Compute(logits, b.Labels)
		if err != nil {
			return err
		}
		if err := model.Backward(grad); err != nil {
			return err
		}
		if err := opt.Step(model.Params()); err != nil {
			return err
		}
		acc.add(loss, b.Labels, classifier.HardPredictions(logits), b.Noise)
		return nil
	})
	if err != nil {
		return PassMetrics{}, err
	}
	return t.summarize("train", acc)
}

func (t *Trainer) evalPass(ctx context.Context, model classifier.Classifier, loader *dataset.Loader) (PassMetrics, error) {
	model.SetTraining(false)
	defer model.SetTraining(true)

	var acc pass
	err := loader.Each(ctx, func(b dataset.Batch) error {
		if !b.HasLabels {
			return fmt.Errorf("validation batch has no labels")
		}
		logits, err := model.Forward(b.X)
		if err != nil {
			return err
		}
		loss, _, err := t.Loss.Compute(logits, b.Labels)
		if err != nil {
			return err
		}
		acc.add(loss, b.Labels, classifier.HardPredictions(logits), b.Noise)
		return nil
	})
	if err != nil {
		return PassMetrics{}, err
	}
	return t.summarize("validation", acc)
}

// summarize turns an accumulated pass into metrics, applying the single
// class policy.
func (t *Trainer) summarize(name string, acc pass) (PassMetrics, error) {
	n := len(acc.actual)
	if n == 0 {
		return PassMetrics{}, fmt.Errorf("%s pass saw no samples", name)
	}
	cm, err := NewConfusionMatrix(acc.actual, acc.pred)
	if err != nil {
		return PassMetrics{}, err
	}
	m := PassMetrics{
		Loss:      acc.lossSum / float64(n),
		Confusion: cm,
		Samples:   n,
		Noise:     acc.noise,
		actual:    acc.actual,
		pred:      acc.pred,
	}
	if acc.noise > 0 {
		t.Log.Warn("%s pass used %d noise-substituted samples", name, acc.noise)
	}

	auc, aucErr := hardAUC(acc.actual, acc.pred)
	f1, f1Err := F1(acc.actual, acc.pred)
	if err := errors.Join(aucErr, f1Err); err != nil {
		if !errors.Is(err, ErrUndefinedMetric) || t.SingleClass == FailOnSingleClass {
			return PassMetrics{}, fmt.Errorf("%s metrics: %w", name, err)
		}
		t.Log.Warn("%s labels hold a single class over %d samples; recording NaN metrics", name, n)
		m.AUC, m.F1 = math.NaN(), math.NaN()
		return m, nil
	}
	m.AUC, m.F1 = auc, f1
	return m, nil
}
