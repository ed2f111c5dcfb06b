package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Training stages.
const (
	StageCoarse = "coarse"
	StageFine   = "fine"
)

// MeanTeacher contains the semi-supervised hyper-parameters.
type MeanTeacher struct {
	// Baseline disables the teacher, the unlabeled set and the consistency
	// term: plain supervised training.
	Baseline          bool    `toml:"baseline"`
	Consistency       float64 `toml:"consistency"`
	ConsistencyRampup float64 `toml:"consistency_rampup"` // epochs
	EMADecay          float64 `toml:"ema_decay"`
	ConsistencyType   string  `toml:"consistency_type"` // "mse" or "kl"
}

// Model describes the reference segmentation network.
type Model struct {
	NClasses   int    `toml:"n_classes"`
	InChannels int    `toml:"in_channels"`
	Hidden     []int  `toml:"hidden"`
	CropSize   int    `toml:"crop_size"`
	Stage      string `toml:"stage"`
	// CoarseCheckpoint is the checkpoint of the frozen coarse model used by
	// the fine stage.
	CoarseCheckpoint string `toml:"coarse_checkpoint"`
}

// Training contains optimizer, loss and schedule settings.
type Training struct {
	LossFunc string `toml:"loss_func"` // "dice" or "cross_entropy"
	// ClassWeights is an explicit per-class weight vector. When empty and
	// AutoClassWeights is set, weights are derived from labeled-set label
	// frequencies.
	ClassWeights     []float64 `toml:"class_weights"`
	AutoClassWeights bool      `toml:"auto_class_weights"`
	LearningRate     float64   `toml:"learning_rate"`
	WeightDecay      float64   `toml:"weight_decay"`
	Optimizer        string    `toml:"optimizer"`
	Scheduler        string    `toml:"scheduler"`
	StepSize         int       `toml:"step_size"`
	LRDecay          float64   `toml:"lr_decay"`
	Epochs           int       `toml:"epochs"`
	BatchSize        int       `toml:"batch_size"`
	ValidateEvery    int       `toml:"validate_every"`
	Seed             int64     `toml:"seed"`
	Resume           bool      `toml:"resume"`
}

// Data selects the sample source and sizes the splits. With an empty Dir
// a synthetic shapes dataset of exactly the requested size is generated;
// otherwise Dir must hold images/ and masks/ folders and an unlabeled size
// of zero takes every image not used by the labeled splits.
type Data struct {
	Dir               string `toml:"dir"`
	CacheSize         int    `toml:"cache_size"`
	Prefetch          int    `toml:"prefetch"` // training batches loaded ahead; 0 loads inline
	LabeledSamples    int    `toml:"labeled_samples"`
	UnlabeledSamples  int    `toml:"unlabeled_samples"`
	ValidationSamples int    `toml:"validation_samples"`
}

// Transforms selects the perturbations applied to teacher inputs.
type Transforms struct {
	Rotate   bool    `toml:"rotate"`
	Flip     bool    `toml:"flip"`
	Scale    bool    `toml:"scale"`
	MinScale float64 `toml:"min_scale"`
	MaxScale float64 `toml:"max_scale"`
}

// Checkpoint controls where and how often model state is persisted.
type Checkpoint struct {
	Dir      string `toml:"dir"`
	Format   string `toml:"format"` // "json" or "proto"
	Every    int    `toml:"every"`
	SaveBest bool   `toml:"save_best"`
}

// Summary configures the SQLite scalar sink.
type Summary struct {
	Path  string `toml:"path"` // empty disables the sink
	Label string `toml:"label"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	File   string `toml:"file"`
}

// Config encapsulates all configuration values for a run.
type Config struct {
	MeanTeacher MeanTeacher `toml:"mean_teacher"`
	Model       Model       `toml:"model"`
	Training    Training    `toml:"training"`
	Data        Data        `toml:"data"`
	Transforms  Transforms  `toml:"transforms"`
	Checkpoint  Checkpoint  `toml:"checkpoint"`
	Summary     Summary     `toml:"summary"`
	Logging     Logging     `toml:"logging"`
}

// Load reads path over the defaults, expands paths and validates the
// result. A missing file is not an error: the defaults are returned and
// exists is false.
func Load(path string) (cfg *Config, exists bool, err error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			exists = true
			if err := Decode(data, &c); err != nil {
				return nil, false, err
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, false, fmt.Errorf("open config: %w", err)
		}
	}

	if err := c.normalize(); err != nil {
		return nil, false, err
	}
	if err := c.Validate(); err != nil {
		return nil, false, err
	}
	return &c, exists, nil
}

// Decode parses TOML data into cfg. Unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("parse config: %s", strict.String())
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Encode renders cfg as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	encoder := toml.NewEncoder(&buf)
	encoder.SetIndentTables(true)
	if err := encoder.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Config) normalize() error {
	var err error
	if c.Checkpoint.Dir, err = expandPath(c.Checkpoint.Dir); err != nil {
		return fmt.Errorf("checkpoint.dir: %w", err)
	}
	if c.Summary.Path, err = expandPath(c.Summary.Path); err != nil {
		return fmt.Errorf("summary.path: %w", err)
	}
	if c.Data.Dir, err = expandPath(c.Data.Dir); err != nil {
		return fmt.Errorf("data.dir: %w", err)
	}
	if c.Logging.File, err = expandPath(c.Logging.File); err != nil {
		return fmt.Errorf("logging.file: %w", err)
	}
	if c.Model.CoarseCheckpoint, err = expandPath(c.Model.CoarseCheckpoint); err != nil {
		return fmt.Errorf("model.coarse_checkpoint: %w", err)
	}
	c.MeanTeacher.ConsistencyType = strings.ToLower(strings.TrimSpace(c.MeanTeacher.ConsistencyType))
	c.Training.LossFunc = strings.ToLower(strings.TrimSpace(c.Training.LossFunc))
	c.Training.Optimizer = strings.ToLower(strings.TrimSpace(c.Training.Optimizer))
	c.Checkpoint.Format = strings.ToLower(strings.TrimSpace(c.Checkpoint.Format))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Model.Stage = strings.ToLower(strings.TrimSpace(c.Model.Stage))
	if c.Summary.Label == "" {
		c.Summary.Label = c.Model.Stage
	}
	return nil
}

// Sample returns the annotated sample configuration.
func Sample() string {
	return sampleConfig
}

// CreateSample writes the sample configuration file to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	return filepath.Clean(pathValue), nil
}
