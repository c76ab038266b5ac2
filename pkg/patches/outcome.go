package patches

import (
	"fmt"
	"sort"
	"strings"

	"prostatexcnn/internal/models"
)

// Status is the final state of one finding after a build.
type Status int

const (
	// Valid findings contribute all their crops
	Valid Status = iota
	// MissingModality findings lack at least one acquisition
	MissingModality
	// Unreadable findings had volumes that failed to load or transform
	Unreadable
	// OutOfBounds findings produced a crop window outside the padded volume
	OutOfBounds
	// ShapeMismatch findings produced a crop of the wrong size
	ShapeMismatch
	// Degenerate findings produced an all-zero first-modality crop
	Degenerate
	// KeyInvalidated findings were valid but share a key with an invalid one
	KeyInvalidated
	// NoiseSubstituted findings kept their slots with at least one noise crop
	NoiseSubstituted
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case MissingModality:
		return "missing-modality"
	case Unreadable:
		return "unreadable"
	case OutOfBounds:
		return "out-of-bounds"
	case ShapeMismatch:
		return "shape-mismatch"
	case Degenerate:
		return "degenerate"
	case KeyInvalidated:
		return "key-invalidated"
	case NoiseSubstituted:
		return "noise-substituted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Kept reports whether the finding's crops are part of the patch set.
func (s Status) Kept() bool {
	return s == Valid || s == NoiseSubstituted
}

// Outcome records what happened to one finding.
type Outcome struct {
	Finding models.Finding
	Key     string
	Status  Status
	Reason  string
	Err     error

	// Substituted counts crops replaced by noise
	Substituted int
}

// Report aggregates the outcomes of a build in finding order.
type Report struct {
	Outcomes []Outcome
}

func (r *Report) add(o Outcome) int {
	r.Outcomes = append(r.Outcomes, o)
	return len(r.Outcomes) - 1
}

// Counts returns the number of findings per status.
func (r *Report) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// Skipped returns the outcomes whose crops were excluded.
func (r *Report) Skipped() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.Status.Kept() {
			out = append(out, o)
		}
	}
	return out
}

// Summary renders the counts on one line, e.g. "valid=10 out-of-bounds=1".
func (r *Report) Summary() string {
	counts := r.Counts()
	statuses := make([]Status, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
	}
	return strings.Join(parts, " ")
}
