package training

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"prostatexcnn/internal/models"
	"prostatexcnn/pkg/classifier"
	"prostatexcnn/pkg/dataset"
	"prostatexcnn/pkg/logging"
	"prostatexcnn/pkg/optim"
)

// FoldPolicy decides where each fold's model starts.
type FoldPolicy string

const (
	// ResetPerFold starts every fold from a freshly built model
	ResetPerFold FoldPolicy = "reset"
	// ContinueAcrossFolds starts every fold after the first from a copy of
	// the previous fold's best model
	ContinueAcrossFolds FoldPolicy = "continue"
)

// ParseFoldPolicy validates a policy name.
func ParseFoldPolicy(s string) (FoldPolicy, error) {
	switch p := FoldPolicy(s); p {
	case ResetPerFold, ContinueAcrossFolds:
		return p, nil
	}
	return "", fmt.Errorf("unknown fold policy %q", s)
}

// KFold runs cross-validation over the folds of a pair of providers that
// share one fold assignment.
type KFold struct {
	Train *dataset.Provider
	Val   *dataset.Provider

	TrainBatch int
	ValBatch   int
	Workers    int

	Trainer *Trainer
	Policy  FoldPolicy

	// NewModel builds an untrained model; called per fold under ResetPerFold
	NewModel func(rng *rand.Rand) (classifier.Classifier, error)

	// Optimizer is the configuration of the optimizer recreated every fold
	Optimizer optim.Config

	// Init optionally warm-starts new models, either directly or through
	// Transfer when set
	Init     *classifier.Checkpoint
	Transfer classifier.TransferMap
	Freeze   []string

	// CheckpointDir receives each fold's best model as {n}.json when set
	CheckpointDir string

	Seed  int64
	RunID uuid.UUID
	Log   *logging.Logger
}

// Run trains folds [kLow, kHigh) in order and summarizes their best metrics.
func (k *KFold) Run(ctx context.Context, kLow, kHigh int) (*Summary, error) {
	if kLow < 0 || kHigh <= kLow {
		return nil, fmt.Errorf("invalid fold range [%d, %d)", kLow, kHigh)
	}
	if k.RunID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("error creating run id: %w", err)
		}
		k.RunID = id
	}
	if k.Policy == "" {
		k.Policy = ResetPerFold
	}

	summary := &Summary{RunID: k.RunID.String()}
	var previous *FoldResult
	for fold := kLow; fold < kHigh; fold++ {
		if err := k.Train.SwitchFold(fold); err != nil {
			return nil, err
		}
		if err := k.Val.SwitchFold(fold); err != nil {
			return nil, err
		}
		k.Log.Info("Step %d: fold %d with %d training and %d validation samples",
			fold-kLow+1, fold, k.Train.Len(), k.Val.Len())

		model, err := k.foldModel(fold, previous)
		if err != nil {
			return nil, fmt.Errorf("fold %d model: %w", fold, err)
		}
		opt, err := optim.New(k.Optimizer)
		if err != nil {
			return nil, err
		}
		seed := k.Seed + int64(fold)
		trainLoader := dataset.NewLoader(k.Train, k.TrainBatch, true, k.Workers, seed)
		valLoader := dataset.NewLoader(k.Val, k.ValBatch, false, k.Workers, seed)

		res, err := k.Trainer.TrainFold(ctx, fold, model, trainLoader, valLoader, opt)
		if err != nil {
			return nil, err
		}
		if err := k.save(res); err != nil {
			return nil, err
		}
		summary.Add(res)
		previous = res
	}
	return summary, nil
}

func (k *KFold) foldModel(fold int, previous *FoldResult) (classifier.Classifier, error) {
	if k.Policy == ContinueAcrossFolds && previous != nil {
		k.Log.Info("Continuing fold %d from the best model of fold %d", fold, previous.Fold)
		return previous.Best.Clone(), nil
	}

	model, err := k.NewModel(rand.New(rand.NewSource(k.Seed + int64(fold))))
	if err != nil {
		return nil, err
	}
	if model.Device() != k.Train.Device() {
		return nil, fmt.Errorf("model on %q but samples on %q: %w", model.Device(), k.Train.Device(), models.ErrUnsupportedDevice)
	}
	if k.Init != nil {
		if err := k.warmStart(model); err != nil {
			return nil, err
		}
	}
	if len(k.Freeze) > 0 {
		if err := classifier.Freeze(model, k.Freeze); err != nil {
			return nil, err
		}
	}
	return model, nil
}

func (k *KFold) warmStart(model classifier.Classifier) error {
	if len(k.Transfer) == 0 {
		return k.Init.Restore(model)
	}
	src, err := k.Init.Build(model.Device())
	if err != nil {
		return fmt.Errorf("building transfer source: %w", err)
	}
	return classifier.Transfer(src, model, k.Transfer)
}

func (k *KFold) save(res *FoldResult) error {
	if k.CheckpointDir == "" {
		return nil
	}
	path, err := classifier.NextVersionPath(k.CheckpointDir, ".json")
	if err != nil {
		return err
	}
	meta := classifier.Metadata{
		RunID:    k.RunID.String(),
		Modality: k.Train.Modality(),
		Fold:     res.Fold,
		Epoch:    res.BestEpoch,
	}
	if err := classifier.SaveCheckpoint(path, res.Best, meta); err != nil {
		return err
	}
	k.Log.Info("Saved fold %d best model to %s", res.Fold, path)
	return nil
}
