// Package patches turns findings and their volumes into fixed-size training
// and inference patches, and persists them as an on-disk patch store.
package patches

import (
	"errors"
	"fmt"
	"math/rand"

	"prostatexcnn/internal/models"
	"prostatexcnn/pkg/config"
	"prostatexcnn/pkg/crop"
	"prostatexcnn/pkg/logging"
	"prostatexcnn/pkg/resample"
)

// Mode selects train or inference validation rules.
type Mode int

const (
	// Train mode excludes findings whose crops are unusable
	Train Mode = iota
	// Inference mode keeps every finding, substituting noise where needed
	Inference
)

func (m Mode) String() string {
	if m == Inference {
		return "inference"
	}
	return "train"
}

// Patch is one crop of every modality of a finding.
type Patch struct {
	// Volumes holds one crop per modality in builder order
	Volumes []*models.Volume

	FindingID int
	Placement crop.Placement

	// Noise marks a crop replaced by uniform noise
	Noise bool
}

// Group is the ordered list of patches sharing one finding key.
type Group struct {
	Key        string
	PatientID  string
	Label      *int
	FindingIDs []int
	Patches    []Patch
}

// PatchSet maps finding keys to patch groups, keeping first-seen key order.
type PatchSet struct {
	Modalities []models.Modality
	Groups     []*Group
	byKey      map[string]*Group
}

func newPatchSet(modalities []models.Modality) *PatchSet {
	return &PatchSet{Modalities: modalities, byKey: make(map[string]*Group)}
}

// Get returns the group stored under key.
func (s *PatchSet) Get(key string) (*Group, bool) {
	g, ok := s.byKey[key]
	return g, ok
}

// Keys returns the group keys in order.
func (s *PatchSet) Keys() []string {
	keys := make([]string, len(s.Groups))
	for i, g := range s.Groups {
		keys[i] = g.Key
	}
	return keys
}

// Len returns the total number of patches.
func (s *PatchSet) Len() int {
	n := 0
	for _, g := range s.Groups {
		n += len(g.Patches)
	}
	return n
}

func (s *PatchSet) append(f models.Finding, patches []Patch) {
	key := f.Key()
	g, ok := s.byKey[key]
	if !ok {
		g = &Group{Key: key, PatientID: f.PatientID, Label: f.Label}
		s.byKey[key] = g
		s.Groups = append(s.Groups, g)
	}
	g.FindingIDs = append(g.FindingIDs, f.FindingID)
	g.Patches = append(g.Patches, patches...)
}

func (s *PatchSet) remove(key string) {
	if _, ok := s.byKey[key]; !ok {
		return
	}
	delete(s.byKey, key)
	kept := s.Groups[:0]
	for _, g := range s.Groups {
		if g.Key != key {
			kept = append(kept, g)
		}
	}
	s.Groups = kept
}

// Builder produces patches for findings.
type Builder struct {
	Source     VolumeSource
	Modalities []models.Modality

	// Padding is added on both sides of every axis before cropping
	Padding [3]int

	// CropSize is the (width, height, depth) of every patch
	CropSize [3]int

	// CropsPerImage is the number of patches per finding; the first is the
	// unrotated centered crop
	CropsPerImage int

	// Degrees are the candidate rotation angles, already symmetric
	Degrees []float64

	Rotator *crop.Rotator
	Noise   *rand.Rand
	Log     *logging.Logger
}

// NewBuilder creates a builder from the geometry section of cfg.
func NewBuilder(cfg *config.Config, src VolumeSource, seed int64, log *logging.Logger) *Builder {
	return &Builder{
		Source:        src,
		Modalities:    models.Modalities(),
		Padding:       cfg.Geometry.Padding,
		CropSize:      cfg.Geometry.CropSize,
		CropsPerImage: cfg.Geometry.CropsPerImage,
		Degrees:       crop.SymmetricDegrees(cfg.Geometry.RotationDegrees),
		Rotator:       crop.NewRotator(seed, cfg.Geometry.MaxPixelOffset),
		Noise:         rand.New(rand.NewSource(seed + 1)),
		Log:           log,
	}
}

// Build crops every finding. Findings whose data is unusable are reported in
// the returned Report; only unexpected failures abort the build.
func (b *Builder) Build(findings []models.Finding, mode Mode) (*PatchSet, *Report, error) {
	if b.CropsPerImage < 1 {
		return nil, nil, fmt.Errorf("cannot have less than 1 crop for an image")
	}

	set := newPatchSet(b.Modalities)
	report := &Report{}
	invalid := make(map[string]bool)

	b.Log.Info("Step 1: Cropping %d findings (%s mode)...", len(findings), mode)
	for _, f := range findings {
		if mode == Train && !f.Labeled() {
			return nil, nil, fmt.Errorf("finding %d of %s has no label in train mode", f.FindingID, f.PatientID)
		}

		patches, outcome, err := b.buildFinding(f, mode)
		if err != nil {
			return nil, nil, fmt.Errorf("patient %s finding %d: %w", f.PatientID, f.FindingID, err)
		}
		report.add(outcome)

		switch {
		case outcome.Status.Kept():
			if outcome.Status == NoiseSubstituted {
				b.Log.Warn("%s: %d crops replaced by noise (%s)", f.PatientID, outcome.Substituted, outcome.Reason)
			}
			set.append(f, patches)
		case outcome.Status == MissingModality:
			b.Log.Debug("%s: skipped, %s", f.PatientID, outcome.Reason)
		default:
			b.Log.Warn("Invalid image for patient %s: %s", f.PatientID, outcome.Reason)
			invalid[outcome.Key] = true
		}
	}

	// A bad crop invalidates every crop stored under its key
	b.Log.Info("Step 2: Dropping %d invalid keys...", len(invalid))
	for key := range invalid {
		set.remove(key)
	}
	for i := range report.Outcomes {
		o := &report.Outcomes[i]
		if o.Status.Kept() && invalid[o.Key] {
			o.Status = KeyInvalidated
			o.Reason = "another finding with the same key was invalid"
		}
	}

	b.Log.Info("Built %d patches in %d groups (%s)", set.Len(), len(set.Groups), report.Summary())
	return set, report, nil
}

// buildFinding runs the PENDING -> VALID/INVALID state machine for one finding.
func (b *Builder) buildFinding(f models.Finding, mode Mode) ([]Patch, Outcome, error) {
	outcome := Outcome{Finding: f, Key: f.Key(), Status: Valid}

	vols, err := b.Source.Volumes(f.PatientID)
	if err != nil {
		if expectedFailure(err) {
			outcome.Status, outcome.Reason, outcome.Err = Unreadable, err.Error(), err
			return nil, outcome, nil
		}
		return nil, outcome, err
	}

	images := make([]*models.Volume, len(b.Modalities))
	for i, m := range b.Modalities {
		v := vols[m]
		if v == nil {
			outcome.Status = MissingModality
			outcome.Reason = fmt.Sprintf("no %s volume", m)
			return nil, outcome, nil
		}
		images[i] = v.Pad(b.Padding, b.Padding)
	}

	lps := f.Fiducial.LPS()
	centers := make([]models.Index, len(images))
	for i, img := range images {
		idx, err := img.PhysicalPointToIndex(lps)
		if err != nil {
			if expectedFailure(err) {
				outcome.Status, outcome.Reason, outcome.Err = Unreadable, err.Error(), err
				return nil, outcome, nil
			}
			return nil, outcome, err
		}
		centers[i] = idx
	}

	w, h, d := b.CropSize[0], b.CropSize[1], b.CropSize[2]
	patches := make([]Patch, 0, b.CropsPerImage)
	for n := 0; n < b.CropsPerImage; n++ {
		var crops []*models.Volume
		var placement crop.Placement
		var err error
		if n == 0 {
			crops, err = crop.FromCenter(images, centers, w, h, d, 0, 0)
		} else {
			crops, placement, err = b.Rotator.RotatedCrop(images, w, h, d, b.Degrees, lps, centers)
		}

		p := Patch{Volumes: crops, FindingID: f.FindingID, Placement: placement}
		switch {
		case errors.Is(err, crop.ErrOutOfBounds):
			if mode == Train {
				outcome.Status, outcome.Reason, outcome.Err = OutOfBounds, err.Error(), err
				return nil, outcome, nil
			}
			p = b.noisePatch(f, placement, images)
			outcome.Reason = err.Error()
		case err != nil:
			return nil, outcome, err
		case b.wrongShape(crops):
			// Windows are never clamped, so this only guards the store's uniform
			// patch size. Inference keeps the finding and stores noise.
			reason := fmt.Sprintf("crop %d has size %v, want %v", n, *firstWrongSize(crops, b.CropSize), b.CropSize)
			if mode == Train {
				outcome.Status, outcome.Reason = ShapeMismatch, reason
				return nil, outcome, nil
			}
			p = b.noisePatch(f, placement, images)
			outcome.Reason = reason
		case crops[0].IsAllZero():
			if mode == Train {
				outcome.Status = Degenerate
				outcome.Reason = fmt.Sprintf("crop %d of %s is all zero", n, b.Modalities[0])
				return nil, outcome, nil
			}
			p = b.noisePatch(f, placement, images)
			outcome.Reason = fmt.Sprintf("crop %d of %s is all zero", n, b.Modalities[0])
		}
		if p.Noise {
			outcome.Status = NoiseSubstituted
			outcome.Substituted++
		}
		patches = append(patches, p)
	}
	return patches, outcome, nil
}

func (b *Builder) wrongShape(crops []*models.Volume) bool {
	return firstWrongSize(crops, b.CropSize) != nil
}

func firstWrongSize(crops []*models.Volume, want [3]int) *[3]int {
	for _, c := range crops {
		if c.Size != want {
			size := c.Size
			return &size
		}
	}
	return nil
}

// noisePatch returns independent uniform [0, 1) noise of the target shape for
// every modality.
func (b *Builder) noisePatch(f models.Finding, placement crop.Placement, images []*models.Volume) Patch {
	vols := make([]*models.Volume, len(images))
	for i, img := range images {
		v := models.NewVolume(b.CropSize, img.Spacing, f.Fiducial.LPS())
		v.Direction = img.Direction
		for j := range v.Data {
			v.Data[j] = b.Noise.Float64()
		}
		vols[i] = v
	}
	return Patch{Volumes: vols, FindingID: f.FindingID, Placement: placement, Noise: true}
}

// expectedFailure reports whether err is a per-record data problem rather
// than a programming or environment error.
func expectedFailure(err error) bool {
	return errors.Is(err, ErrUnreadable) ||
		errors.Is(err, models.ErrInvalidGeometry) ||
		errors.Is(err, resample.ErrInvalidSpacing) ||
		errors.Is(err, crop.ErrOutOfBounds)
}
