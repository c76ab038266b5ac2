package classifier

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Loss computes a mean loss over a batch of logits and its gradient with
// respect to those logits.
type Loss interface {
	Compute(logits *mat.Dense, labels []int) (float64, *mat.Dense, error)
	Name() string
}

// LossFor returns the loss an architecture is trained with.
func LossFor(a Architecture) Loss {
	if a == Softmax {
		return CrossEntropyLoss{}
	}
	return BCELoss{}
}

// BCELoss is binary cross entropy on a single logit column, computed in the
// numerically stable with-logits form.
type BCELoss struct{}

// Name returns "bce".
func (BCELoss) Name() string { return "bce" }

// Compute returns mean BCE and (sigmoid(z) - y) / n.
func (BCELoss) Compute(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	n, c := logits.Dims()
	if c != 1 || n != len(labels) {
		return 0, nil, fmt.Errorf("bce on %dx%d logits with %d labels: %w", n, c, len(labels), ErrShapeMismatch)
	}
	grad := mat.NewDense(n, 1, nil)
	var total float64
	for i, y := range labels {
		z := logits.At(i, 0)
		fy := float64(y)
		total += math.Max(z, 0) - z*fy + math.Log1p(math.Exp(-math.Abs(z)))
		grad.Set(i, 0, (Sigmoid(z)-fy)/float64(n))
	}
	return total / float64(n), grad, nil
}

// CrossEntropyLoss is softmax cross entropy over integer class labels.
type CrossEntropyLoss struct{}

// Name returns "cross_entropy".
func (CrossEntropyLoss) Name() string { return "cross_entropy" }

// Compute returns mean cross entropy and (softmax(z) - onehot(y)) / n.
func (CrossEntropyLoss) Compute(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	n, c := logits.Dims()
	if n != len(labels) {
		return 0, nil, fmt.Errorf("cross entropy on %d rows with %d labels: %w", n, len(labels), ErrShapeMismatch)
	}
	grad := mat.NewDense(n, c, nil)
	var total float64
	row := make([]float64, c)
	for i, y := range labels {
		if y < 0 || y >= c {
			return 0, nil, fmt.Errorf("label %d outside %d classes", y, c)
		}
		mat.Row(row, i, logits)
		lse := floats.LogSumExp(row)
		total += lse - row[y]
		for j, z := range row {
			p := math.Exp(z - lse)
			if j == y {
				p--
			}
			grad.Set(i, j, p/float64(n))
		}
	}
	return total / float64(n), grad, nil
}

// Sigmoid is the logistic function.
func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// Probabilities returns the positive class score of every row: the sigmoid
// of a single logit, or the softmax weight of class 1.
func Probabilities(logits *mat.Dense) []float64 {
	n, c := logits.Dims()
	out := make([]float64, n)
	row := make([]float64, c)
	for i := range out {
		if c == 1 {
			out[i] = Sigmoid(logits.At(i, 0))
			continue
		}
		mat.Row(row, i, logits)
		out[i] = math.Exp(row[1] - floats.LogSumExp(row))
	}
	return out
}

// HardPredictions binarizes logits: a sigmoid score above 0.5 for a single
// output, the arg-max (first maximum wins) otherwise.
func HardPredictions(logits *mat.Dense) []int {
	n, c := logits.Dims()
	out := make([]int, n)
	row := make([]float64, c)
	for i := range out {
		if c == 1 {
			if Sigmoid(logits.At(i, 0)) > 0.5 {
				out[i] = 1
			}
			continue
		}
		mat.Row(row, i, logits)
		out[i] = floats.MaxIdx(row)
	}
	return out
}
