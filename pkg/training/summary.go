package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"
)

// Summary collects the best metrics of every fold as parallel lists.
type Summary struct {
	RunID string

	Folds    []int
	TrainAUC []float64
	TrainF1  []float64
	ValAUC   []float64
	ValF1    []float64

	Results []*FoldResult
}

// Add appends a fold's result.
func (s *Summary) Add(r *FoldResult) {
	s.Folds = append(s.Folds, r.Fold)
	s.TrainAUC = append(s.TrainAUC, r.TrainAUC)
	s.TrainF1 = append(s.TrainF1, r.TrainF1)
	s.ValAUC = append(s.ValAUC, r.ValAUC)
	s.ValF1 = append(s.ValF1, r.ValF1)
	s.Results = append(s.Results, r)
}

// Best returns the fold result with the highest defined validation AUC, or
// the first fold when none is defined.
func (s *Summary) Best() *FoldResult {
	var best *FoldResult
	for _, r := range s.Results {
		if best == nil {
			best = r
			continue
		}
		if !math.IsNaN(r.ValAUC) && (math.IsNaN(best.ValAUC) || r.ValAUC > best.ValAUC) {
			best = r
		}
	}
	return best
}

// Aggregate is the spread of one metric across folds, ignoring NaN folds.
type Aggregate struct {
	Mean   float64
	StdDev float64
	Median float64
	N      int
}

// Describe aggregates the defined values of xs. With no defined values every
// statistic is NaN.
func Describe(xs []float64) Aggregate {
	data := make(stats.Float64Data, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			data = append(data, x)
		}
	}
	agg := Aggregate{Mean: math.NaN(), StdDev: math.NaN(), Median: math.NaN(), N: len(data)}
	if len(data) == 0 {
		return agg
	}
	agg.Mean, _ = stats.Mean(data)
	agg.Median, _ = stats.Median(data)
	agg.StdDev = 0
	if len(data) > 1 {
		agg.StdDev, _ = stats.StandardDeviationSample(data)
	}
	return agg
}

// Lines renders the per-fold values under their headings, followed by the
// cross-fold aggregate of each metric.
func (s *Summary) Lines() []string {
	sections := []struct {
		title  string
		values []float64
	}{
		{"AUC train average", s.TrainAUC},
		{"F1 train average", s.TrainF1},
		{"AUC eval average", s.ValAUC},
		{"F1 eval average", s.ValF1},
	}
	lines := []string{"run " + s.RunID}
	for _, sec := range sections {
		lines = append(lines, sec.title)
		for _, v := range sec.values {
			lines = append(lines, strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	for _, sec := range sections {
		agg := Describe(sec.values)
		lines = append(lines, fmt.Sprintf("%s: mean %.4f std %.4f median %.4f over %d folds",
			sec.title, agg.Mean, agg.StdDev, agg.Median, agg.N))
	}
	for _, r := range s.Results {
		if r.ValCI.Defined() {
			lines = append(lines, fmt.Sprintf("AUC eval bootstrap fold %d: %s", r.Fold, r.ValCI))
		}
	}
	return lines
}

// Report is anything that renders as a block of the results log.
type Report interface {
	Lines() []string
}

// AppendStats appends the report's block to the results log at path.
func AppendStats(path string, s Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating stats directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error opening stats file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strings.Join(s.Lines(), "\n") + "\n"); err != nil {
		return fmt.Errorf("error writing stats file: %w", err)
	}
	return nil
}
