package training

import (
	"context"
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"strconv"

	"prostatexcnn/pkg/classifier"
	"prostatexcnn/pkg/dataset"
	"prostatexcnn/pkg/patches"
)

// Prediction is the averaged positive class score of one finding.
type Prediction struct {
	ProxID    string
	FindingID int
	ClinSig   float64

	// Label is the finding's known label, if the store recorded one
	Label *int
}

// Scores runs model over every batch of loader in evaluation mode and returns
// the positive class score of each patch by global index.
func Scores(ctx context.Context, model classifier.Classifier, loader *dataset.Loader) (map[int]float64, error) {
	model.SetTraining(false)
	defer model.SetTraining(true)

	scores := make(map[int]float64, loader.Provider.Len())
	err := loader.Each(ctx, func(b dataset.Batch) error {
		logits, err := model.Forward(b.X)
		if err != nil {
			return err
		}
		for i, p := range classifier.Probabilities(logits) {
			scores[b.Indices[i]] = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}

// Predict scores an inference store and averages the crops of each finding.
// Rows follow the manifest's group and finding order.
func Predict(ctx context.Context, model classifier.Classifier, loader *dataset.Loader, manifest *patches.Manifest) ([]Prediction, error) {
	if manifest.CropsPerImage < 1 {
		return nil, fmt.Errorf("manifest has %d crops per image", manifest.CropsPerImage)
	}
	scores, err := Scores(ctx, model, loader)
	if err != nil {
		return nil, err
	}

	crops := manifest.CropsPerImage
	var rows []Prediction
	for _, g := range manifest.Groups {
		if g.Count != crops*len(g.FindingIDs) {
			return nil, fmt.Errorf("group %s has %d patches for %d findings of %d crops", g.Key, g.Count, len(g.FindingIDs), crops)
		}
		for f, fid := range g.FindingIDs {
			var sum float64
			for c := 0; c < crops; c++ {
				idx := g.First + f*crops + c
				s, ok := scores[idx]
				if !ok {
					return nil, fmt.Errorf("no score for patch %d of %s finding %d", idx, g.PatientID, fid)
				}
				sum += s
			}
			rows = append(rows, Prediction{ProxID: g.PatientID, FindingID: fid, ClinSig: sum / float64(crops), Label: g.Label})
		}
	}
	return rows, nil
}

// Evaluation is the finding-level performance of a model on a labelled store.
type Evaluation struct {
	Name        string
	Predictions []Prediction

	AUC       float64
	F1        float64
	Confusion ConfusionMatrix
	CI        BootstrapCI
}

// Evaluate scores a labelled store like Predict and measures the averaged
// finding scores against the manifest labels. A finding is positive when its
// score exceeds 0.5. With resamples > 0 the AUC also gets a bootstrap
// interval drawn from rng.
func Evaluate(ctx context.Context, model classifier.Classifier, loader *dataset.Loader, manifest *patches.Manifest, resamples int, rng *rand.Rand) (*Evaluation, error) {
	rows, err := Predict(ctx, model, loader, manifest)
	if err != nil {
		return nil, err
	}

	var actual, pred []int
	var scores []float64
	for _, r := range rows {
		if r.Label == nil {
			continue
		}
		actual = append(actual, *r.Label)
		scores = append(scores, r.ClinSig)
		hard := 0
		if r.ClinSig > 0.5 {
			hard = 1
		}
		pred = append(pred, hard)
	}
	if len(actual) == 0 {
		return nil, fmt.Errorf("store has no labelled findings to evaluate")
	}

	e := &Evaluation{Predictions: rows, CI: NaNCI()}
	if e.Confusion, err = NewConfusionMatrix(actual, pred); err != nil {
		return nil, err
	}
	if e.AUC, err = AUC(actual, scores); err != nil {
		return nil, fmt.Errorf("evaluation auc: %w", err)
	}
	if e.F1, err = F1(actual, pred); err != nil {
		return nil, fmt.Errorf("evaluation f1: %w", err)
	}
	if resamples > 0 {
		if e.CI, err = BootstrapAUC(actual, scores, resamples, rng); err != nil {
			return nil, fmt.Errorf("evaluation bootstrap: %w", err)
		}
	}
	return e, nil
}

// Lines renders the evaluation as a results-log block.
func (e *Evaluation) Lines() []string {
	lines := []string{
		"evaluation " + e.Name,
		fmt.Sprintf("AUC %.4f F1 %.4f over %d findings, confusion %s", e.AUC, e.F1, e.Confusion.Total(), e.Confusion),
	}
	if e.CI.Defined() {
		lines = append(lines, "AUC bootstrap: "+e.CI.String())
	}
	return lines
}

// WritePredictions writes rows to the next free {n}.csv in dir and returns
// its path.
func WritePredictions(dir string, rows []Prediction, runID string) (string, error) {
	path, err := classifier.NextVersionPath(dir, ".csv")
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("error creating predictions file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"ProxID", "fid", "ClinSig", "run_id"}); err != nil {
		return "", err
	}
	for _, r := range rows {
		record := []string{
			r.ProxID,
			strconv.Itoa(r.FindingID),
			strconv.FormatFloat(r.ClinSig, 'f', -1, 64),
			runID,
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("error writing predictions: %w", err)
	}
	return path, nil
}
