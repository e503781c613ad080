// Package config handles training run configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
)

// Config is the root configuration structure.
type Config struct {
	Model         ModelConfig         `yaml:"model"`
	Training      TrainingConfig      `yaml:"training"`
	Evaluation    EvaluationConfig    `yaml:"evaluation"`
	EarlyStopping EarlyStoppingConfig `yaml:"early_stopping"`
	Output        OutputConfig        `yaml:"output"`
}

// ModelConfig holds the hyperparameters of the reference models.
type ModelConfig struct {
	Name       string  `yaml:"name"` // transe, rotate or complex
	HiddenSize int     `yaml:"hidden_size"`
	Margin     float64 `yaml:"margin"`
	L1         bool    `yaml:"l1"`    // TransE distance norm
	Gamma      float64 `yaml:"gamma"` // RotatE logit offset
}

// TrainingConfig holds the training loop and batch generator settings.
type TrainingConfig struct {
	BatchSize      int     `yaml:"batch_size"`
	Epochs         int     `yaml:"epochs"`
	Optimizer      string  `yaml:"optimizer"`
	LearningRate   float64 `yaml:"learning_rate"`
	NegativeRate   int     `yaml:"negative_rate"`
	Sampling       string  `yaml:"sampling"` // uniform or bern
	LabelSmoothing float64 `yaml:"label_smoothing"`
	QueueSize      int     `yaml:"queue_size"`

	// Debug caps every epoch at DebugBatches batches.
	Debug        bool `yaml:"debug"`
	DebugBatches int  `yaml:"debug_batches"`

	Seed        int64         `yaml:"seed"` // 0 draws a seed from the clock
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// EvaluationConfig holds the link prediction evaluation settings.
type EvaluationConfig struct {
	TestStep int    `yaml:"test_step"`
	TestNum  int    `yaml:"test_num"`
	Hits     []int  `yaml:"hits"`
	Split    string `yaml:"split"` // valid or test
	Workers  int    `yaml:"workers"`
}

// EarlyStoppingConfig holds the early stopping policy.
type EarlyStoppingConfig struct {
	Monitor string `yaml:"monitor"`
	// Patience is the number of tolerated consecutive worsenings;
	// negative disables early stopping.
	Patience       int `yaml:"patience"`
	EarlyStopEpoch int `yaml:"early_stop_epoch"`
}

// OutputConfig holds result and checkpoint locations.
type OutputConfig struct {
	ResultDir        string `yaml:"result_dir"`
	TmpDir           string `yaml:"tmp_dir"`
	SaveModel        bool   `yaml:"save_model"`
	LoadFromData     bool   `yaml:"load_from_data"`
	ExportEmbeddings bool   `yaml:"export_embeddings"`
	EmbeddingDir     string `yaml:"embedding_dir"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Name:       "transe",
			HiddenSize: 50,
			Margin:     1.0,
			Gamma:      12.0,
		},
		Training: TrainingConfig{
			BatchSize:      128,
			Epochs:         100,
			Optimizer:      "adam",
			LearningRate:   0.01,
			NegativeRate:   1,
			Sampling:       "uniform",
			LabelSmoothing: 0.1,
			QueueSize:      8,
			DebugBatches:   10,
			StopTimeout:    5 * time.Second,
		},
		Evaluation: EvaluationConfig{
			TestStep: 10,
			TestNum:  1000,
			Hits:     []int{1, 3, 5, 10},
			Split:    "valid",
			Workers:  0,
		},
		EarlyStopping: EarlyStoppingConfig{
			Monitor:        "fmr",
			Patience:       -1,
			EarlyStopEpoch: 5,
		},
		Output: OutputConfig{
			ResultDir:    "./results",
			TmpDir:       "./intermediate",
			EmbeddingDir: "./embeddings",
		},
	}
}

// Load loads configuration from a file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kgerrors.ConfigErrorf(kgerrors.ErrConfigNotFound, "config file %s not found", path).
				WithCause(err).
				WithSuggestion("Write the defaults with -init_config " + path)
		}
		return nil, kgerrors.Wrap(err, kgerrors.ErrConfigNotFound, kgerrors.CategoryConfig, "failed to read config")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, kgerrors.Wrap(err, kgerrors.ErrConfigParseFailed, kgerrors.CategoryConfig, "failed to parse config").
			WithContext("path", path)
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the defaults if path is
// empty or does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var (
	samplings = []string{"uniform", "bern"}
	splits    = []string{"valid", "test"}
)

// Validate checks value ranges. Optimizer and monitor names are resolved by
// the packages that own them.
func (c *Config) Validate() error {
	invalid := func(field string, format string, args ...interface{}) error {
		return kgerrors.ConfigErrorf(kgerrors.ErrConfigInvalid, format, args...).WithContext("field", field)
	}

	t := c.Training
	switch {
	case t.BatchSize <= 0:
		return invalid("training.batch_size", "batch_size must be positive, got %d", t.BatchSize)
	case t.Epochs <= 0:
		return invalid("training.epochs", "epochs must be positive, got %d", t.Epochs)
	case t.LearningRate <= 0:
		return invalid("training.learning_rate", "learning_rate must be positive, got %g", t.LearningRate)
	case t.NegativeRate <= 0:
		return invalid("training.negative_rate", "negative_rate must be positive, got %d", t.NegativeRate)
	case t.LabelSmoothing < 0 || t.LabelSmoothing >= 1:
		return invalid("training.label_smoothing", "label_smoothing must be in [0, 1), got %g", t.LabelSmoothing)
	case t.QueueSize <= 0:
		return invalid("training.queue_size", "queue_size must be positive, got %d", t.QueueSize)
	case t.Debug && t.DebugBatches <= 0:
		return invalid("training.debug_batches", "debug_batches must be positive in debug mode, got %d", t.DebugBatches)
	case t.StopTimeout <= 0:
		return invalid("training.stop_timeout", "stop_timeout must be positive, got %s", t.StopTimeout)
	}
	if !slices.Contains(samplings, strings.ToLower(t.Sampling)) {
		return kgerrors.ConfigErrorf(kgerrors.ErrUnknownSampling, "unknown sampling %q", t.Sampling).
			WithSuggestion("Use uniform or bern")
	}

	e := c.Evaluation
	switch {
	case e.TestStep <= 0:
		return invalid("evaluation.test_step", "test_step must be positive, got %d", e.TestStep)
	case e.TestNum <= 0:
		return invalid("evaluation.test_num", "test_num must be positive, got %d", e.TestNum)
	case len(e.Hits) == 0:
		return invalid("evaluation.hits", "hits must list at least one cutoff")
	}
	for i, k := range e.Hits {
		if k <= 0 {
			return invalid("evaluation.hits", "hit cutoffs must be positive, got %d", k)
		}
		if slices.Contains(e.Hits[:i], k) {
			return invalid("evaluation.hits", "hit cutoff %d is listed twice", k)
		}
	}
	if !slices.Contains(splits, e.Split) {
		return kgerrors.ConfigErrorf(kgerrors.ErrUnknownSplit, "Invalid testing data %q: enter test or valid", e.Split)
	}

	if c.Model.HiddenSize <= 0 {
		return invalid("model.hidden_size", "hidden_size must be positive, got %d", c.Model.HiddenSize)
	}
	return nil
}
