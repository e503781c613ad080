package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "transe", cfg.Model.Name)
	assert.Equal(t, 8, cfg.Training.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.Training.StopTimeout)
	assert.Equal(t, []int{1, 3, 5, 10}, cfg.Evaluation.Hits)
	assert.Less(t, cfg.EarlyStopping.Patience, 0)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kge.yaml")

	cfg := Default()
	cfg.Model.Name = "complex"
	cfg.Training.Epochs = 7
	cfg.Training.StopTimeout = 2 * time.Second
	cfg.EarlyStopping.Monitor = "fmrr"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("training:\n  epochs: 3\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Training.Epochs)
	assert.Equal(t, 128, cfg.Training.BatchSize)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.True(t, kgerrors.IsCode(err, kgerrors.ErrConfigNotFound))
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("training: [unclosed"), 0644))
		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, kgerrors.IsCode(err, kgerrors.ErrConfigParseFailed))
	})
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   string
	}{
		{"zero batch size", func(c *Config) { c.Training.BatchSize = 0 }, kgerrors.ErrConfigInvalid},
		{"zero epochs", func(c *Config) { c.Training.Epochs = 0 }, kgerrors.ErrConfigInvalid},
		{"smoothing of one", func(c *Config) { c.Training.LabelSmoothing = 1 }, kgerrors.ErrConfigInvalid},
		{"debug without batches", func(c *Config) { c.Training.Debug = true; c.Training.DebugBatches = 0 }, kgerrors.ErrConfigInvalid},
		{"unknown sampling", func(c *Config) { c.Training.Sampling = "zipf" }, kgerrors.ErrUnknownSampling},
		{"negative hit cutoff", func(c *Config) { c.Evaluation.Hits = []int{1, -3} }, kgerrors.ErrConfigInvalid},
		{"duplicate hit cutoff", func(c *Config) { c.Evaluation.Hits = []int{1, 3, 1} }, kgerrors.ErrConfigInvalid},
		{"unknown split", func(c *Config) { c.Evaluation.Split = "train" }, kgerrors.ErrUnknownSplit},
		{"zero hidden size", func(c *Config) { c.Model.HiddenSize = 0 }, kgerrors.ErrConfigInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, kgerrors.IsCode(err, tt.code), "got %v", err)
		})
	}

	cfg := Default()
	cfg.Training.Sampling = "Bern"
	assert.NoError(t, cfg.Validate())

	cfg.Evaluation.Hits = []int{10, 1, 10}
	e, ok := kgerrors.As(cfg.Validate())
	require.True(t, ok)
	assert.Equal(t, "evaluation.hits", e.Context["field"])
}
