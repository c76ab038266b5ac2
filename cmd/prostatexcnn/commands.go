package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"prostatexcnn/internal/models"
	"prostatexcnn/pkg/classifier"
	"prostatexcnn/pkg/config"
	"prostatexcnn/pkg/dataset"
	"prostatexcnn/pkg/findings"
	"prostatexcnn/pkg/folds"
	"prostatexcnn/pkg/optim"
	"prostatexcnn/pkg/patches"
	"prostatexcnn/pkg/resample"
	"prostatexcnn/pkg/training"
	"prostatexcnn/pkg/volumeio"
)

func resampleCommand(fs *flag.FlagSet) command {
	in := fs.String("in", "", "Raw data root laid out as {in}/{modality}/{patientID}[.nrrd]")
	return command{flags: fs, run: func(cfg *config.Config) error {
		if *in == "" {
			return fmt.Errorf("-in is required")
		}
		log := cfg.Logger()
		for _, m := range models.Modalities() {
			entries, err := os.ReadDir(filepath.Join(*in, string(m)))
			if os.IsNotExist(err) {
				log.Warn("No %s directory under %s", m, *in)
				continue
			}
			if err != nil {
				return err
			}
			for _, e := range entries {
				pid := strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".nrrd"), ".nhdr")
				v, err := volumeio.Load(filepath.Join(*in, string(m), e.Name()))
				if err != nil {
					log.Warn("Skipping %s %s: %v", m, pid, err)
					continue
				}
				r, err := resample.Resample(v, cfg.Geometry.Spacing, false)
				if err != nil {
					return fmt.Errorf("%s %s: %w", m, pid, err)
				}
				out := filepath.Join(cfg.Paths.DataRoot, string(m), pid+".nrrd")
				if err := volumeio.SaveNRRD(out, r, volumeio.NRRDOptions{Gzip: true, Float32: true}); err != nil {
					return err
				}
				log.Debug("Resampled %s %s from %v to %v", m, pid, v.Size, r.Size)
			}
		}
		return nil
	}}
}

func buildCommand(fs *flag.FlagSet) command {
	findingsPath := fs.String("findings", "", "Findings table (.csv or .xlsx)")
	mode := fs.String("mode", "train", "Build mode: train or inference")
	resampleOnLoad := fs.Bool("resample", false, "Resample volumes while loading instead of reading pre-resampled data")
	return command{flags: fs, run: func(cfg *config.Config) error {
		if *findingsPath == "" {
			return fmt.Errorf("-findings is required")
		}
		log := cfg.Logger()

		var m patches.Mode
		root := cfg.Paths.PatchRoot
		switch *mode {
		case "train":
			m = patches.Train
		case "inference":
			m = patches.Inference
			root = cfg.Paths.TestPatchRoot
		default:
			return fmt.Errorf("unknown build mode %q", *mode)
		}

		list, err := findings.Read(*findingsPath, cfg.Geometry.NegateXY)
		if err != nil {
			return err
		}
		log.Info("Read %d findings from %s", len(list), *findingsPath)

		src := patches.NewDirSource(cfg.Paths.DataRoot, models.Modalities(), cfg.Geometry.Spacing, *resampleOnLoad, log)
		set, report, err := patches.NewBuilder(cfg, src, cfg.Training.Seed, log).Build(list, m)
		if err != nil {
			return err
		}
		log.Info("Build outcomes: %s", report.Summary())

		store := patches.NewStore(root, log)
		store.PreviewDir = cfg.Paths.PreviewDir
		_, err = store.Write(set, m)
		return err
	}}
}

func foldsCommand(fs *flag.FlagSet) command {
	return command{flags: fs, run: func(cfg *config.Config) error {
		log := cfg.Logger()
		manifest, err := patches.LoadManifest(cfg.Paths.PatchRoot)
		if err != nil {
			return err
		}
		units, err := folds.UnitsFromManifest(manifest)
		if err != nil {
			return err
		}
		a, err := folds.NewPartitioner(cfg.Folds.Count, cfg.Folds.Fraction, cfg.Folds.Seed).Partition(units)
		if err != nil {
			return err
		}
		for k := 0; k < a.Folds(); k++ {
			log.Info("Fold %d: %d validation and %d training patches", k, len(a.Validation[k]), len(a.Training[k]))
		}
		return a.Save(cfg.Paths.FoldFile)
	}}
}

func statsCommand(fs *flag.FlagSet) command {
	fold := fs.Int("fold", -1, "Compute over the training set of this fold instead of the whole store")
	return command{flags: fs, run: func(cfg *config.Config) error {
		var mapping folds.Mapping
		if *fold >= 0 {
			a, err := folds.Load(cfg.Paths.FoldFile)
			if err != nil {
				return err
			}
			if *fold >= a.Folds() {
				return fmt.Errorf("fold %d out of range [0, %d)", *fold, a.Folds())
			}
			mapping = a.Training[*fold]
		} else {
			entries, err := patches.Scan(cfg.Paths.PatchRoot, cfg.Modality())
			if err != nil {
				return err
			}
			mapping = folds.Mapping{}
			for i, e := range entries {
				mapping[i] = e.Index
			}
		}

		opts := dataset.Options{Modality: cfg.Modality(), Device: cfg.Device(), CropSize: cfg.Geometry.CropSize}
		p, err := dataset.NewTrainProvider(cfg.Paths.PatchRoot, []folds.Mapping{mapping}, opts)
		if err != nil {
			return err
		}
		mean, std, err := dataset.ComputeGlobalStats(p)
		if err != nil {
			return err
		}
		if err := dataset.SaveGlobalStats(cfg.Paths.NormalizationDir, cfg.Modality(), mean, std); err != nil {
			return err
		}
		cfg.Logger().Info("Wrote %s normalization volumes over %d patches to %s", cfg.Modality(), p.Len(), cfg.Paths.NormalizationDir)
		return nil
	}}
}

func trainCommand(fs *flag.FlagSet) command {
	predict := fs.Bool("predict", false, "Score the inference store with the best fold's model afterwards")
	return command{flags: fs, run: func(cfg *config.Config) error {
		log := cfg.Logger()
		a, err := folds.Load(cfg.Paths.FoldFile)
		if err != nil {
			return err
		}
		opts, err := providerOptions(cfg)
		if err != nil {
			return err
		}
		trainP, err := dataset.NewTrainProvider(cfg.Paths.PatchRoot, a.Training, opts)
		if err != nil {
			return err
		}
		valP, err := dataset.NewTrainProvider(cfg.Paths.PatchRoot, a.Validation, opts)
		if err != nil {
			return err
		}

		arch, policy, single, err := trainingChoices(cfg)
		if err != nil {
			return err
		}
		spec := classifier.Spec{Architecture: arch, Inputs: inputs(cfg), Hidden: cfg.Training.HiddenUnits}

		runID, err := uuid.NewV7()
		if err != nil {
			return err
		}
		trainer := training.NewTrainer(cfg.Training.Epochs, arch, single, log)
		trainer.Bootstrap = cfg.Training.BootstrapResamples
		trainer.Seed = cfg.Training.Seed
		k := &training.KFold{
			Train:      trainP,
			Val:        valP,
			TrainBatch: cfg.Training.BatchSizeTrain,
			ValBatch:   cfg.Training.BatchSizeVal,
			Workers:    cfg.Training.Workers,
			Trainer:    trainer,
			Policy:     policy,
			NewModel: func(rng *rand.Rand) (classifier.Classifier, error) {
				return classifier.NewMLP(spec, cfg.Device(), rng)
			},
			Optimizer:     optimizerConfig(cfg),
			Transfer:      classifier.TransferMap(cfg.Training.Transfer),
			Freeze:        cfg.Training.Freeze,
			CheckpointDir: classifier.ModelDir(cfg.Paths.ModelDir, cfg.Modality(), arch),
			Seed:          cfg.Training.Seed,
			RunID:         runID,
			Log:           log,
		}
		if cfg.Training.InitCheckpoint != "" {
			if k.Init, err = classifier.LoadCheckpoint(cfg.Training.InitCheckpoint); err != nil {
				return err
			}
		}

		summary, err := k.Run(context.Background(), cfg.Training.KLow, cfg.Training.KHigh)
		if err != nil {
			return err
		}
		for _, line := range summary.Lines() {
			log.Info("%s", line)
		}
		if err := training.AppendStats(cfg.Paths.StatsFile, summary); err != nil {
			return err
		}
		if !*predict {
			return nil
		}
		best := summary.Best()
		log.Info("Predicting with the best model of fold %d", best.Fold)
		return runPredictions(cfg, best.Best, runID.String())
	}}
}

func predictCommand(fs *flag.FlagSet) command {
	checkpoint := fs.String("checkpoint", "", "Model checkpoint; defaults to the newest in the model directory")
	return command{flags: fs, run: func(cfg *config.Config) error {
		path, err := resolveCheckpoint(cfg, *checkpoint)
		if err != nil {
			return err
		}
		ck, err := classifier.LoadCheckpoint(path)
		if err != nil {
			return err
		}
		model, err := ck.Build(cfg.Device())
		if err != nil {
			return err
		}
		cfg.Logger().Info("Loaded %s model from %s", model.Name(), path)
		return runPredictions(cfg, model, ck.Metadata.RunID)
	}}
}

func cohortCommand(fs *flag.FlagSet) command {
	modality := fs.String("modality", "", "Build a single-modality store; defaults to every modality")
	return command{flags: fs, run: func(cfg *config.Config) error {
		log := cfg.Logger()
		modalities := models.Modalities()
		if *modality != "" {
			m, err := models.ParseModality(*modality)
			if err != nil {
				return err
			}
			modalities = []models.Modality{m}
		}

		list, err := findings.ReadCohort(cfg.Cohort.Root)
		if err != nil {
			return err
		}
		mode := patches.Inference
		if cfg.Cohort.Labels != "" {
			labels, err := findings.ReadGleasonLabels(cfg.Cohort.Labels)
			if err != nil {
				return err
			}
			n := findings.ApplyLabels(list, labels)
			labelled := list[:0]
			for _, f := range list {
				if f.Labeled() {
					labelled = append(labelled, f)
				} else {
					log.Warn("No Gleason label for %s, skipping", f.PatientID)
				}
			}
			list = labelled
			mode = patches.Train
			log.Info("Labelled %d cohort findings from %s", n, cfg.Cohort.Labels)
		}

		src := patches.NewCohortSource(cfg.Cohort.Root, modalities, cfg.Cohort.Spacing, log)
		src.Match.MatchPoints = cfg.Cohort.MatchPoints
		if cfg.Cohort.ReferencePatient != "" {
			refs, err := patches.NewDirSource(cfg.Paths.DataRoot, modalities, cfg.Cohort.Spacing, true, log).Volumes(cfg.Cohort.ReferencePatient)
			if err != nil {
				return fmt.Errorf("histogram reference: %w", err)
			}
			src.References = refs
		}

		b := patches.NewBuilder(cfg, src, cfg.Training.Seed, log)
		b.Modalities = modalities
		set, report, err := b.Build(list, mode)
		if err != nil {
			return err
		}
		log.Info("Cohort build outcomes: %s", report.Summary())

		store := patches.NewStore(cfg.Cohort.PatchRoot, log)
		store.Modalities = modalities
		store.PreviewDir = cfg.Paths.PreviewDir
		_, err = store.Write(set, mode)
		return err
	}}
}

func evaluateCommand(fs *flag.FlagSet) command {
	checkpoint := fs.String("checkpoint", "", "Model checkpoint; defaults to the newest in the model directory")
	storeRoot := fs.String("store", "", "Labelled patch store; defaults to the cohort patch store")
	return command{flags: fs, run: func(cfg *config.Config) error {
		log := cfg.Logger()
		root := *storeRoot
		if root == "" {
			root = cfg.Cohort.PatchRoot
		}
		path, err := resolveCheckpoint(cfg, *checkpoint)
		if err != nil {
			return err
		}
		ck, err := classifier.LoadCheckpoint(path)
		if err != nil {
			return err
		}
		model, err := ck.Build(cfg.Device())
		if err != nil {
			return err
		}

		opts, err := providerOptions(cfg)
		if err != nil {
			return err
		}
		p, err := dataset.NewTestProvider(root, opts)
		if err != nil {
			return err
		}
		manifest, err := patches.LoadManifest(root)
		if err != nil {
			return err
		}
		loader := dataset.NewLoader(p, cfg.Training.BatchSizeTest, false, cfg.Training.Workers, cfg.Training.Seed)
		rng := rand.New(rand.NewSource(cfg.Training.Seed))
		e, err := training.Evaluate(context.Background(), model, loader, manifest, cfg.Training.BootstrapResamples, rng)
		if err != nil {
			return err
		}
		e.Name = fmt.Sprintf("%s with %s (run %s)", root, path, ck.Metadata.RunID)
		for _, line := range e.Lines() {
			log.Info("%s", line)
		}
		if err := training.AppendStats(cfg.Paths.StatsFile, e); err != nil {
			return err
		}
		out, err := training.WritePredictions(cfg.Paths.PredictionDir, e.Predictions, ck.Metadata.RunID)
		if err != nil {
			return err
		}
		log.Info("Wrote %d predictions to %s", len(e.Predictions), out)
		return nil
	}}
}

// resolveCheckpoint returns path, or the newest checkpoint of the configured
// modality and architecture when path is empty.
func resolveCheckpoint(cfg *config.Config, path string) (string, error) {
	if path != "" {
		return path, nil
	}
	arch, err := classifier.ParseArchitecture(cfg.Training.Architecture)
	if err != nil {
		return "", err
	}
	return latestVersion(classifier.ModelDir(cfg.Paths.ModelDir, cfg.Modality(), arch), ".json")
}

func runPredictions(cfg *config.Config, model classifier.Classifier, runID string) error {
	opts, err := providerOptions(cfg)
	if err != nil {
		return err
	}
	p, err := dataset.NewTestProvider(cfg.Paths.TestPatchRoot, opts)
	if err != nil {
		return err
	}
	manifest, err := patches.LoadManifest(cfg.Paths.TestPatchRoot)
	if err != nil {
		return err
	}
	loader := dataset.NewLoader(p, cfg.Training.BatchSizeTest, false, cfg.Training.Workers, cfg.Training.Seed)
	rows, err := training.Predict(context.Background(), model, loader, manifest)
	if err != nil {
		return err
	}
	path, err := training.WritePredictions(cfg.Paths.PredictionDir, rows, runID)
	if err != nil {
		return err
	}
	cfg.Logger().Info("Wrote %d predictions to %s", len(rows), path)
	return nil
}

func providerOptions(cfg *config.Config) (dataset.Options, error) {
	opts := dataset.Options{
		Modality: cfg.Modality(),
		Device:   cfg.Device(),
		CropSize: cfg.Geometry.CropSize,
		Seed:     cfg.Training.Seed,
	}
	if cfg.Training.Normalization == "global" {
		g, err := dataset.LoadGlobalZScore(cfg.Paths.NormalizationDir, cfg.Modality())
		if err != nil {
			return opts, err
		}
		opts.Normalizer = g
	}
	return opts, nil
}

// trainingChoices parses the enumerated training settings.
func trainingChoices(cfg *config.Config) (classifier.Architecture, training.FoldPolicy, training.SingleClassPolicy, error) {
	arch, err := classifier.ParseArchitecture(cfg.Training.Architecture)
	if err != nil {
		return "", "", "", fmt.Errorf("training.architecture: %w", err)
	}
	policy, err := training.ParseFoldPolicy(cfg.Training.FoldPolicy)
	if err != nil {
		return "", "", "", fmt.Errorf("training.foldPolicy: %w", err)
	}
	single, err := training.ParseSingleClassPolicy(cfg.Training.SingleClassPolicy)
	if err != nil {
		return "", "", "", fmt.Errorf("training.singleClassPolicy: %w", err)
	}
	return arch, policy, single, nil
}

func optimizerConfig(cfg *config.Config) optim.Config {
	o := cfg.Training.Optimizer
	return optim.Config{
		Name:        o.Name,
		LR:          o.LR,
		FinalLR:     o.FinalLR,
		Momentum:    o.Momentum,
		WeightDecay: o.WeightDecay,
		Beta1:       o.Beta1,
		Beta2:       o.Beta2,
	}
}

func inputs(cfg *config.Config) int {
	s := cfg.Geometry.CropSize
	return s[0] * s[1] * s[2]
}

// latestVersion returns the highest numbered {n}{ext} file in dir.
func latestVersion(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("error listing %s: %w", dir, err)
	}
	var versions []int
	for _, e := range entries {
		if n, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ext)); err == nil && strings.HasSuffix(e.Name(), ext) {
			versions = append(versions, n)
		}
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("no %s checkpoints in %s", ext, dir)
	}
	sort.Ints(versions)
	return filepath.Join(dir, strconv.Itoa(versions[len(versions)-1])+ext), nil
}
