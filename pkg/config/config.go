// Package config provides configuration loading and management for prostatexcnn.
// It handles loading configuration from YAML files, applies environment
// overrides and provides default values.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"prostatexcnn/internal/models"
	"prostatexcnn/pkg/logging"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Filesystem locations; nothing in the code assumes a fixed path
	Paths struct {
		// DataRoot holds raw volumes as {dataRoot}/{modality}/{patientID}.nrrd
		// or DICOM series directories
		DataRoot string `yaml:"dataRoot"`

		// PatchRoot is the patch store written by the dataset builder
		PatchRoot string `yaml:"patchRoot"`

		// TestPatchRoot is the patch store for unlabelled findings
		TestPatchRoot string `yaml:"testPatchRoot"`

		// FoldFile persists the fold assignment between runs
		FoldFile string `yaml:"foldFile"`

		// ModelDir receives versioned checkpoints under {modality}/{architecture}
		ModelDir string `yaml:"modelDir"`

		// PredictionDir receives versioned prediction tables
		PredictionDir string `yaml:"predictionDir"`

		// StatsFile is the append-only k-fold results log
		StatsFile string `yaml:"statsFile"`

		// NormalizationDir holds {modality}_mean.nrrd and {modality}_std.nrrd
		NormalizationDir string `yaml:"normalizationDir"`

		// PreviewDir receives JPEG previews of crops when set
		PreviewDir string `yaml:"previewDir"`
	} `yaml:"paths"`

	// Geometry of resampling and cropping
	Geometry struct {
		// Spacing is the canonical voxel spacing in mm
		Spacing [3]float64 `yaml:"spacing"`

		// Padding is the zero padding added on both sides before cropping
		Padding [3]int `yaml:"padding"`

		// CropSize is the patch width, height and depth in voxels
		CropSize [3]int `yaml:"cropSize"`

		// CropsPerImage is the number of crops produced per finding
		CropsPerImage int `yaml:"cropsPerImage"`

		// RotationDegrees are rotation magnitudes; each is used with both signs
		RotationDegrees []float64 `yaml:"rotationDegrees"`

		// MaxPixelOffset bounds the random in-plane jitter: offsets are drawn
		// from [-MaxPixelOffset, MaxPixelOffset)
		MaxPixelOffset int `yaml:"maxPixelOffset"`

		// NegateXY flips fiducial x and y (RAS recorded coordinates)
		NegateXY bool `yaml:"negateXY"`
	} `yaml:"geometry"`

	// Cross-validation fold construction
	Folds struct {
		// Count is the number of folds K
		Count int `yaml:"count"`

		// Fraction of the cancer patient count placed in each validation set,
		// per class
		Fraction float64 `yaml:"fraction"`

		// Seed makes fold construction reproducible
		Seed int64 `yaml:"seed"`
	} `yaml:"folds"`

	// Training parameters
	Training struct {
		Modality       string `yaml:"modality"`
		Device         string `yaml:"device"`
		Architecture   string `yaml:"architecture"`
		HiddenUnits    int    `yaml:"hiddenUnits"`
		Epochs         int    `yaml:"epochs"`
		BatchSizeTrain int    `yaml:"batchSizeTrain"`
		BatchSizeVal   int    `yaml:"batchSizeVal"`
		BatchSizeTest  int    `yaml:"batchSizeTest"`
		KLow           int    `yaml:"kLow"`
		KHigh          int    `yaml:"kHigh"`

		// FoldPolicy is "reset" (fresh model per fold) or "continue"
		FoldPolicy string `yaml:"foldPolicy"`

		// SingleClassPolicy is "nan" (warn and record NaN) or "error"
		SingleClassPolicy string `yaml:"singleClassPolicy"`

		// Normalization is "sample" (per-patch z-score) or "global"
		Normalization string `yaml:"normalization"`

		Optimizer struct {
			Name        string  `yaml:"name"`
			LR          float64 `yaml:"lr"`
			FinalLR     float64 `yaml:"finalLR"`
			Momentum    float64 `yaml:"momentum"`
			WeightDecay float64 `yaml:"weightDecay"`
			Beta1       float64 `yaml:"beta1"`
			Beta2       float64 `yaml:"beta2"`
		} `yaml:"optimizer"`

		// InitCheckpoint optionally warm-starts the first fold's model
		InitCheckpoint string `yaml:"initCheckpoint"`

		// Transfer declares source-layer -> target-layers copies applied from
		// InitCheckpoint when its architecture differs
		Transfer map[string][]string `yaml:"transfer"`

		// Freeze lists parameter names excluded from optimizer updates
		Freeze []string `yaml:"freeze"`

		// Workers is the number of prefetch goroutines per batch
		Workers int `yaml:"workers"`

		// BootstrapResamples is the number of resamples behind AUC confidence
		// intervals; zero disables them
		BootstrapResamples int `yaml:"bootstrapResamples"`

		Seed int64 `yaml:"seed"`
	} `yaml:"training"`

	// External validation cohort
	Cohort struct {
		// Root holds {root}/{patientID}/*.nrrd and {root}/fiducials/{patientID}
		Root string `yaml:"root"`

		// Labels is the cohort label table with total Gleason scores
		Labels string `yaml:"labels"`

		// PatchRoot is the patch store built from the cohort
		PatchRoot string `yaml:"patchRoot"`

		// Spacing is the voxel spacing cohort volumes are resampled to
		Spacing [3]float64 `yaml:"spacing"`

		// ReferencePatient names a patient under paths.dataRoot whose volumes
		// serve as histogram matching references; empty disables matching
		ReferencePatient string `yaml:"referencePatient"`

		// MatchPoints is the number of interior quantiles matched
		MatchPoints int `yaml:"matchPoints"`
	} `yaml:"cohort"`

	// Logging parameters
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Paths.DataRoot = "data/resampled"
	cfg.Paths.PatchRoot = "data/patches/train"
	cfg.Paths.TestPatchRoot = "data/patches/test"
	cfg.Paths.FoldFile = "data/patches/folds.yaml"
	cfg.Paths.ModelDir = "predictions/models"
	cfg.Paths.PredictionDir = "predictions/prediction_files"
	cfg.Paths.StatsFile = "predictions/k_fold_statistics/stats.txt"
	cfg.Paths.NormalizationDir = "data/patches/train"

	cfg.Geometry.Spacing = [3]float64{0.5, 0.5, 3}
	cfg.Geometry.Padding = [3]int{40, 40, 4}
	cfg.Geometry.CropSize = [3]int{32, 32, 3}
	cfg.Geometry.CropsPerImage = 10
	cfg.Geometry.RotationDegrees = []float64{5, 10, 15, 20, 25}
	cfg.Geometry.MaxPixelOffset = 7

	cfg.Folds.Count = 5
	cfg.Folds.Fraction = 0.2
	cfg.Folds.Seed = 0

	cfg.Training.Modality = string(models.ADC)
	cfg.Training.Device = string(models.CPU)
	cfg.Training.Architecture = "binary"
	cfg.Training.HiddenUnits = 64
	cfg.Training.Epochs = 20
	cfg.Training.BatchSizeTrain = 100
	cfg.Training.BatchSizeVal = 50
	cfg.Training.BatchSizeTest = 50
	cfg.Training.KLow = 0
	cfg.Training.KHigh = 5
	cfg.Training.FoldPolicy = "reset"
	cfg.Training.SingleClassPolicy = "nan"
	cfg.Training.Normalization = "sample"
	cfg.Training.Optimizer.Name = "adabound"
	cfg.Training.Optimizer.LR = 0.00001
	cfg.Training.Optimizer.FinalLR = 0.01
	cfg.Training.Optimizer.Momentum = 0.9
	cfg.Training.Optimizer.WeightDecay = 0.04
	cfg.Training.Optimizer.Beta1 = 0.9
	cfg.Training.Optimizer.Beta2 = 0.999
	cfg.Training.Workers = 4
	cfg.Training.BootstrapResamples = 1000

	cfg.Cohort.Root = "data/kgh"
	cfg.Cohort.PatchRoot = "data/patches/kgh"
	cfg.Cohort.Spacing = [3]float64{2, 2, 3}
	cfg.Cohort.MatchPoints = 7

	cfg.Logging.Level = "INFO"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// Load reads the YAML configuration, then applies overrides from the
// environment (optionally populated from .env files) and validates the result.
func Load(configPath string, envFiles ...string) (*Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	for _, f := range envFiles {
		// A missing .env file is fine; a malformed one is not
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading env file %s: %w", f, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides selected values from PROSTATEX_* environment variables.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"PROSTATEX_DATA_ROOT":  &c.Paths.DataRoot,
		"PROSTATEX_PATCH_ROOT": &c.Paths.PatchRoot,
		"PROSTATEX_MODEL_DIR":  &c.Paths.ModelDir,
		"PROSTATEX_MODALITY":   &c.Training.Modality,
		"PROSTATEX_DEVICE":     &c.Training.Device,
		"PROSTATEX_LOG_LEVEL":  &c.Logging.Level,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("PROSTATEX_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid PROSTATEX_SEED %q: %w", v, err)
		}
		c.Training.Seed = seed
		c.Folds.Seed = seed
	}
	return nil
}

// Validate rejects configurations no component could run with.
func (c *Config) Validate() error {
	for a := 0; a < 3; a++ {
		if !(c.Geometry.Spacing[a] > 0) {
			return fmt.Errorf("geometry.spacing must be strictly positive, got %v", c.Geometry.Spacing)
		}
		if c.Geometry.CropSize[a] <= 0 {
			return fmt.Errorf("geometry.cropSize must be positive, got %v", c.Geometry.CropSize)
		}
		if c.Geometry.Padding[a] < 0 {
			return fmt.Errorf("geometry.padding must not be negative, got %v", c.Geometry.Padding)
		}
	}
	if c.Geometry.CropsPerImage < 1 {
		return fmt.Errorf("geometry.cropsPerImage must be at least 1, got %d", c.Geometry.CropsPerImage)
	}
	if c.Geometry.CropsPerImage > 1 && len(c.Geometry.RotationDegrees) == 0 {
		return fmt.Errorf("geometry.rotationDegrees must not be empty when cropsPerImage > 1")
	}
	if c.Geometry.MaxPixelOffset < 0 {
		return fmt.Errorf("geometry.maxPixelOffset must not be negative")
	}
	if c.Folds.Count < 1 {
		return fmt.Errorf("folds.count must be at least 1, got %d", c.Folds.Count)
	}
	if !(c.Folds.Fraction > 0 && c.Folds.Fraction <= 1) {
		return fmt.Errorf("folds.fraction must be in (0, 1], got %v", c.Folds.Fraction)
	}
	if _, err := models.ParseModality(c.Training.Modality); err != nil {
		return fmt.Errorf("training.modality: %w", err)
	}
	if _, err := models.ParseDevice(c.Training.Device); err != nil {
		return fmt.Errorf("training.device: %w", err)
	}
	switch c.Training.Architecture {
	case "binary", "softmax":
	default:
		return fmt.Errorf("training.architecture must be binary or softmax, got %q", c.Training.Architecture)
	}
	switch c.Training.FoldPolicy {
	case "reset", "continue":
	default:
		return fmt.Errorf("training.foldPolicy must be reset or continue, got %q", c.Training.FoldPolicy)
	}
	switch c.Training.SingleClassPolicy {
	case "nan", "error":
	default:
		return fmt.Errorf("training.singleClassPolicy must be nan or error, got %q", c.Training.SingleClassPolicy)
	}
	switch c.Training.Normalization {
	case "sample", "global":
	default:
		return fmt.Errorf("training.normalization must be sample or global, got %q", c.Training.Normalization)
	}
	if c.Training.KLow < 0 || c.Training.KHigh > c.Folds.Count || c.Training.KLow >= c.Training.KHigh {
		return fmt.Errorf("training fold range [%d, %d) invalid for %d folds", c.Training.KLow, c.Training.KHigh, c.Folds.Count)
	}
	if c.Training.Epochs < 1 || c.Training.BatchSizeTrain < 1 || c.Training.BatchSizeVal < 1 || c.Training.BatchSizeTest < 1 {
		return fmt.Errorf("training epochs and batch sizes must be positive")
	}
	if c.Training.BootstrapResamples < 0 {
		return fmt.Errorf("training.bootstrapResamples must not be negative, got %d", c.Training.BootstrapResamples)
	}
	for a := 0; a < 3; a++ {
		if !(c.Cohort.Spacing[a] > 0) {
			return fmt.Errorf("cohort.spacing must be strictly positive, got %v", c.Cohort.Spacing)
		}
	}
	if c.Cohort.MatchPoints < 0 {
		return fmt.Errorf("cohort.matchPoints must not be negative, got %d", c.Cohort.MatchPoints)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// Modality returns the parsed training modality.
func (c *Config) Modality() models.Modality {
	m, _ := models.ParseModality(c.Training.Modality)
	return m
}

// Device returns the parsed training device.
func (c *Config) Device() models.Device {
	d, _ := models.ParseDevice(c.Training.Device)
	return d
}

// Logger builds the logger described by the logging section.
func (c *Config) Logger() *logging.Logger {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.NewDefault(level)
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
