package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prostatexcnn/pkg/classifier"
	"prostatexcnn/pkg/config"
	"prostatexcnn/pkg/training"
)

func TestTrainingChoices(t *testing.T) {
	cfg := config.DefaultConfig()
	arch, policy, single, err := trainingChoices(cfg)
	require.NoError(t, err)
	assert.Equal(t, classifier.Binary, arch)
	assert.Equal(t, training.ResetPerFold, policy)
	assert.Equal(t, training.RecordNaN, single)

	cases := map[string]func(c *config.Config){
		"architecture": func(c *config.Config) { c.Training.Architecture = "resnet" },
		"fold policy":  func(c *config.Config) { c.Training.FoldPolicy = "sometimes" },
		"single class": func(c *config.Config) { c.Training.SingleClassPolicy = "zero" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			mutate(cfg)
			_, _, _, err := trainingChoices(cfg)
			assert.ErrorContains(t, err, "training.")
		})
	}
}

func TestInputs(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, 32*32*3, inputs(cfg))
}

func TestResolveCheckpoint(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Paths.ModelDir = t.TempDir()

	path, err := resolveCheckpoint(cfg, "given.json")
	require.NoError(t, err)
	assert.Equal(t, "given.json", path)

	_, err = resolveCheckpoint(cfg, "")
	assert.Error(t, err, "no checkpoints yet")

	dir := classifier.ModelDir(cfg.Paths.ModelDir, cfg.Modality(), classifier.Binary)
	require.NoError(t, os.MkdirAll(dir, 0755))
	for _, name := range []string{"2.json", "10.json", "notes.txt", "3.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644))
	}
	path, err = resolveCheckpoint(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "10.json"), path)

	cfg.Training.Architecture = "resnet"
	_, err = resolveCheckpoint(cfg, "")
	assert.Error(t, err)
}
