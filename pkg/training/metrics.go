// Package training runs the per-fold training loop and the k-fold
// cross-validation around it, and turns trained models into predictions.
package training

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// ErrUndefinedMetric is returned when a metric needs both classes present in
// the actual labels and only one is.
var ErrUndefinedMetric = errors.New("metric undefined: only one class present")

// ConfusionMatrix is a binary confusion matrix indexed [actual][predicted].
type ConfusionMatrix [2][2]int

// NewConfusionMatrix counts label/prediction pairs.
func NewConfusionMatrix(actual, predicted []int) (ConfusionMatrix, error) {
	var cm ConfusionMatrix
	if len(actual) != len(predicted) {
		return cm, fmt.Errorf("%d labels but %d predictions", len(actual), len(predicted))
	}
	for i, a := range actual {
		p := predicted[i]
		if a < 0 || a > 1 || p < 0 || p > 1 {
			return cm, fmt.Errorf("non-binary pair (%d, %d) at %d", a, p, i)
		}
		cm[a][p]++
	}
	return cm, nil
}

// TP returns the true positive count.
func (cm ConfusionMatrix) TP() int { return cm[1][1] }

// FP returns the false positive count.
func (cm ConfusionMatrix) FP() int { return cm[0][1] }

// FN returns the false negative count.
func (cm ConfusionMatrix) FN() int { return cm[1][0] }

// TN returns the true negative count.
func (cm ConfusionMatrix) TN() int { return cm[0][0] }

// Total returns the number of counted pairs.
func (cm ConfusionMatrix) Total() int { return cm[0][0] + cm[0][1] + cm[1][0] + cm[1][1] }

func (cm ConfusionMatrix) String() string {
	return fmt.Sprintf("[[%d %d] [%d %d]]", cm[0][0], cm[0][1], cm[1][0], cm[1][1])
}

// singleClass reports whether actual holds fewer than two classes.
func singleClass(actual []int) bool {
	var seen [2]bool
	for _, a := range actual {
		if a == 0 || a == 1 {
			seen[a] = true
		}
	}
	return !seen[0] || !seen[1]
}

// F1 is the binary F1 score of class 1. A zero denominator (no positive
// predictions and no positive labels) scores 0.
func F1(actual, predicted []int) (float64, error) {
	if singleClass(actual) {
		return 0, ErrUndefinedMetric
	}
	cm, err := NewConfusionMatrix(actual, predicted)
	if err != nil {
		return 0, err
	}
	denom := 2*cm.TP() + cm.FP() + cm.FN()
	if denom == 0 {
		return 0, nil
	}
	return 2 * float64(cm.TP()) / float64(denom), nil
}

// ROC holds the points of a receiver operating characteristic curve in order
// of decreasing threshold, starting at (0, 0).
type ROC struct {
	FPR       []float64
	TPR       []float64
	Threshold []float64
}

// ROCCurve computes the ROC of scores against binary labels.
func ROCCurve(actual []int, scores []float64) (ROC, error) {
	if len(actual) != len(scores) {
		return ROC{}, fmt.Errorf("%d labels but %d scores", len(actual), len(scores))
	}
	if singleClass(actual) {
		return ROC{}, ErrUndefinedMetric
	}
	y := append([]float64(nil), scores...)
	classes := make([]bool, len(actual))
	for i, a := range actual {
		classes[i] = a == 1
	}
	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, thresh := stat.ROC(nil, y, classes, nil)
	return ROC{FPR: fpr, TPR: tpr, Threshold: thresh}, nil
}

// AUC integrates the curve with the trapezoid rule.
func (r ROC) AUC() float64 {
	return integrate.Trapezoidal(r.FPR, r.TPR)
}

// AUC is the area under the ROC curve of scores against labels.
func AUC(actual []int, scores []float64) (float64, error) {
	roc, err := ROCCurve(actual, scores)
	if err != nil {
		return 0, err
	}
	return roc.AUC(), nil
}

// hardAUC scores 0/1 predictions as an ROC curve, as the training loop does.
func hardAUC(actual, predicted []int) (float64, error) {
	scores := make([]float64, len(predicted))
	for i, p := range predicted {
		scores[i] = float64(p)
	}
	return AUC(actual, scores)
}
