package patches

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"prostatexcnn/internal/models"
	"prostatexcnn/pkg/logging"
	"prostatexcnn/pkg/visualization"
	"prostatexcnn/pkg/volumeio"
)

// ManifestFile is the name of the store's metadata file.
const ManifestFile = "manifest.yaml"

// ManifestGroup describes the contiguous block of patch indices of one key.
type ManifestGroup struct {
	Key        string `yaml:"key"`
	PatientID  string `yaml:"patientID"`
	Label      *int   `yaml:"label,omitempty"`
	FindingIDs []int  `yaml:"findingIDs"`
	First      int    `yaml:"first"`
	Count      int    `yaml:"count"`
}

// Manifest records how dense patch indices map back to patients.
type Manifest struct {
	Mode          string            `yaml:"mode"`
	CropsPerImage int               `yaml:"cropsPerImage"`
	Modalities    []models.Modality `yaml:"modalities"`
	Total         int               `yaml:"total"`
	Groups        []ManifestGroup   `yaml:"groups"`
}

// Store is a patch store rooted at Root with one directory per modality.
// Training files are named {index}_{label}.nrrd, inference files {index}.nrrd.
type Store struct {
	Root       string
	Modalities []models.Modality
	Options    volumeio.NRRDOptions

	// PreviewDir receives a JPEG of each crop's middle slice when set
	PreviewDir string

	Log *logging.Logger
}

// NewStore creates a store for the canonical modalities.
func NewStore(root string, log *logging.Logger) *Store {
	return &Store{Root: root, Modalities: models.Modalities(), Log: log}
}

// Clear empties every modality directory, creating missing ones.
func (s *Store) Clear() error {
	for _, m := range s.Modalities {
		dir := filepath.Join(s.Root, string(m))
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("error clearing %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating %s: %w", dir, err)
		}
	}
	if err := os.Remove(filepath.Join(s.Root, ManifestFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing manifest: %w", err)
	}
	return nil
}

// FileName returns the base name of a patch file.
func FileName(index int, label *int) string {
	if label == nil {
		return fmt.Sprintf("%d.nrrd", index)
	}
	return fmt.Sprintf("%d_%d.nrrd", index, *label)
}

// Write clears the store and writes every patch of set with dense indices in
// group order, followed by the manifest.
func (s *Store) Write(set *PatchSet, mode Mode) (*Manifest, error) {
	if err := s.Clear(); err != nil {
		return nil, err
	}

	manifest := &Manifest{Mode: mode.String(), Modalities: s.Modalities}
	index := 0
	for _, g := range set.Groups {
		label := g.Label
		if mode == Inference {
			label = nil
		}
		mg := ManifestGroup{
			Key:        g.Key,
			PatientID:  g.PatientID,
			Label:      label,
			FindingIDs: g.FindingIDs,
			First:      index,
			Count:      len(g.Patches),
		}
		for _, p := range g.Patches {
			if err := s.writePatch(index, label, p); err != nil {
				return nil, err
			}
			index++
		}
		manifest.Groups = append(manifest.Groups, mg)
	}
	manifest.Total = index
	if len(set.Groups) > 0 && len(set.Groups[0].FindingIDs) > 0 {
		manifest.CropsPerImage = len(set.Groups[0].Patches) / len(set.Groups[0].FindingIDs)
	}

	if err := s.SaveManifest(manifest); err != nil {
		return nil, err
	}
	s.Log.Info("Wrote %d patches to %s", index, s.Root)
	return manifest, nil
}

func (s *Store) writePatch(index int, label *int, p Patch) error {
	if len(p.Volumes) != len(s.Modalities) {
		return fmt.Errorf("patch %d has %d volumes for %d modalities", index, len(p.Volumes), len(s.Modalities))
	}
	name := FileName(index, label)
	for i, m := range s.Modalities {
		path := filepath.Join(s.Root, string(m), name)
		if err := volumeio.SaveNRRD(path, p.Volumes[i], s.Options); err != nil {
			return fmt.Errorf("error writing patch %d (%s): %w", index, m, err)
		}
		if s.PreviewDir != "" {
			preview := filepath.Join(s.PreviewDir, string(m), strings.TrimSuffix(name, ".nrrd")+".jpg")
			if err := visualization.NewViewer(p.Volumes[i]).SaveMiddleSlice(preview); err != nil {
				s.Log.Warn("Failed to save preview %s: %v", preview, err)
			}
		}
	}
	return nil
}

// SaveManifest writes the manifest next to the modality directories.
func (s *Store) SaveManifest(m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err := os.MkdirAll(s.Root, 0755); err != nil {
		return fmt.Errorf("error creating store: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.Root, ManifestFile), data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest of the store rooted at root.
func LoadManifest(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	return &m, nil
}

// Entry is one patch file of a modality directory.
type Entry struct {
	Index int
	Label *int
	Path  string
}

// Scan lists the patch files of one modality sorted by index.
func Scan(root string, m models.Modality) ([]Entry, error) {
	dir := filepath.Join(root, string(m))
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading patch directory: %w", err)
	}

	var entries []Entry
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".nrrd") {
			continue
		}
		e, err := parseFileName(strings.TrimSuffix(name, ".nrrd"))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		e.Path = filepath.Join(dir, name)
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	for i := 1; i < len(entries); i++ {
		if entries[i].Index == entries[i-1].Index {
			return nil, fmt.Errorf("duplicate patch index %d in %s", entries[i].Index, dir)
		}
	}
	return entries, nil
}

func parseFileName(stem string) (Entry, error) {
	idxPart, labelPart, hasLabel := strings.Cut(stem, "_")
	idx, err := strconv.Atoi(idxPart)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid patch index %q", idxPart)
	}
	e := Entry{Index: idx}
	if hasLabel {
		label, err := strconv.Atoi(labelPart)
		if err != nil || (label != 0 && label != 1) {
			return Entry{}, fmt.Errorf("invalid patch label %q", labelPart)
		}
		e.Label = &label
	}
	return e, nil
}
