package training

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/montanaflynn/stats"
)

// DefaultBootstrapResamples is the resample count used when none is configured.
const DefaultBootstrapResamples = 1000

// BootstrapCI is the bootstrap distribution summary of an AUC.
type BootstrapCI struct {
	Mean  float64
	Lower float64
	Upper float64

	// Resamples counts the resamples that held both classes; the others are
	// Skipped because their AUC is undefined
	Resamples int
	Skipped   int
}

// NaNCI is the interval reported when no bootstrap was run.
func NaNCI() BootstrapCI {
	return BootstrapCI{Mean: math.NaN(), Lower: math.NaN(), Upper: math.NaN()}
}

// Defined reports whether the interval was computed.
func (ci BootstrapCI) Defined() bool {
	return ci.Resamples > 0
}

func (ci BootstrapCI) String() string {
	return fmt.Sprintf("mean %.4f 95%% CI [%.4f, %.4f] over %d resamples (%d skipped)",
		ci.Mean, ci.Lower, ci.Upper, ci.Resamples, ci.Skipped)
}

// BootstrapAUC draws n resamples of the (label, score) pairs with replacement
// and returns the mean AUC with its 2.5 and 97.5 percentiles. Resamples that
// hold a single class are skipped.
func BootstrapAUC(actual []int, scores []float64, n int, rng *rand.Rand) (BootstrapCI, error) {
	if len(actual) != len(scores) {
		return NaNCI(), fmt.Errorf("%d labels but %d scores", len(actual), len(scores))
	}
	if n < 1 {
		return NaNCI(), fmt.Errorf("bootstrap needs at least one resample, got %d", n)
	}
	if singleClass(actual) {
		return NaNCI(), ErrUndefinedMetric
	}

	ci := NaNCI()
	aucs := make(stats.Float64Data, 0, n)
	ya := make([]int, len(actual))
	ys := make([]float64, len(scores))
	for b := 0; b < n; b++ {
		for i := range ya {
			j := rng.Intn(len(actual))
			ya[i], ys[i] = actual[j], scores[j]
		}
		auc, err := AUC(ya, ys)
		if errors.Is(err, ErrUndefinedMetric) {
			ci.Skipped++
			continue
		}
		if err != nil {
			return NaNCI(), err
		}
		aucs = append(aucs, auc)
	}
	if len(aucs) == 0 {
		return ci, ErrUndefinedMetric
	}

	var err error
	if ci.Mean, err = stats.Mean(aucs); err != nil {
		return NaNCI(), err
	}
	if ci.Lower, err = stats.PercentileNearestRank(aucs, 2.5); err != nil {
		return NaNCI(), err
	}
	if ci.Upper, err = stats.PercentileNearestRank(aucs, 97.5); err != nil {
		return NaNCI(), err
	}
	ci.Resamples = len(aucs)
	return ci, nil
}
