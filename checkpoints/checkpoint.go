// Package checkpoints persists training state: student and teacher
// parameters, run progress and free-form metadata. Two formats are
// supported, indented JSON and a compact protobuf wire encoding.
package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/tsawler/go-meanteacher/tensor"
)

// Version is written into every checkpoint.
const Version = "1.0.0"

// Well-known checkpoint names inside a checkpoint directory.
const (
	LatestName = "model"
	BestName   = "best_model"
)

// ErrLocked reports a checkpoint directory already held by another run.
var ErrLocked = errors.New("checkpoint directory is locked by another process")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension is the file extension used for the format.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatProto {
		return ".pb"
	}
	return ".json"
}

// ParseFormat accepts "json" or "proto".
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "proto", "protobuf", "pb":
		return FormatProto, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint represents a complete model pair state and training progress
type Checkpoint struct {
	Version   string    `json:"version"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`

	TrainingState TrainingState `json:"training_state"`

	Student []WeightTensor `json:"student"`
	// Teacher is empty for supervised-only runs.
	Teacher []WeightTensor `json:"teacher,omitempty"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam", "RMSProp"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "velocity", "m", "v", "square_avg", ...
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch         int       `json:"epoch"`
	GlobalStep    int       `json:"global_step"`
	LearningRate  float64   `json:"learning_rate"`
	BestDice      float64   `json:"best_dice"`
	BestEpoch     int       `json:"best_epoch"`
	BestClassDice []float64 `json:"best_class_dice,omitempty"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// ExtractWeights copies parameters into named weight tensors.
func ExtractWeights(prefix string, params []*tensor.Tensor) ([]WeightTensor, error) {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		data, err := p.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		w := WeightTensor{
			Name:  fmt.Sprintf("%s.param_%d", prefix, i),
			Shape: append([]int(nil), p.Shape...),
			Data:  make([]float32, len(data)),
		}
		copy(w.Data, data)
		weights[i] = w
	}
	return weights, nil
}

// LoadWeights copies weights into params in order. Counts and shapes must
// match exactly.
func LoadWeights(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("checkpoint has %d tensors, model has %d parameters", len(weights), len(params))
	}
	for i, w := range weights {
		p := params[i]
		if !tensor.SameShape(w.Shape, p.Shape) {
			return fmt.Errorf("tensor %s has shape %v, parameter %d has %v", w.Name, w.Shape, i, p.Shape)
		}
		dst, err := p.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		if len(w.Data) != len(dst) {
			return fmt.Errorf("tensor %s has %d values, expected %d", w.Name, len(w.Data), len(dst))
		}
		copy(dst, w.Data)
	}
	return nil
}

// CheckpointSaver writes checkpoints into one directory it holds a lock on.
type CheckpointSaver struct {
	dir    string
	format CheckpointFormat
	lock   *flock.Flock
	logger *slog.Logger
}

// NewCheckpointSaver creates dir if needed and locks it for this process.
func NewCheckpointSaver(dir string, format CheckpointFormat, logger *slog.Logger) (*CheckpointSaver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock checkpoint dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
	}

	return &CheckpointSaver{dir: dir, format: format, lock: lock, logger: logger}, nil
}

// Dir is the checkpoint directory.
func (cs *CheckpointSaver) Dir() string { return cs.dir }

// Path is where the checkpoint called name is stored.
func (cs *CheckpointSaver) Path(name string) string {
	return filepath.Join(cs.dir, name+cs.format.Extension())
}

// Exists reports whether a checkpoint called name has been written.
func (cs *CheckpointSaver) Exists(name string) bool {
	_, err := os.Stat(cs.Path(name))
	return err == nil
}

// SaveCheckpoint writes checkpoint under name, replacing any previous file
// atomically, and returns its path.
func (cs *CheckpointSaver) SaveCheckpoint(name string, checkpoint *Checkpoint) (string, error) {
	if checkpoint.Version == "" {
		checkpoint.Version = Version
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		data, err = MarshalProto(checkpoint)
	default:
		err = fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	path := cs.Path(name)
	tmp, err := os.CreateTemp(cs.dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move checkpoint into place: %w", err)
	}

	cs.logger.Info("checkpoint saved",
		slog.String("path", path),
		slog.String("size", humanize.Bytes(uint64(len(data)))),
		slog.Int("epoch", checkpoint.TrainingState.Epoch),
	)
	return path, nil
}

// LoadCheckpoint reads the checkpoint called name.
func (cs *CheckpointSaver) LoadCheckpoint(name string) (*Checkpoint, error) {
	return LoadCheckpoint(cs.Path(name))
}

// Close releases the directory lock.
func (cs *CheckpointSaver) Close() error {
	if cs == nil || cs.lock == nil {
		return nil
	}
	return cs.lock.Unlock()
}

// LoadCheckpoint reads a checkpoint file, choosing the format from its
// extension.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	var checkpoint *Checkpoint
	if filepath.Ext(path) == FormatProto.Extension() {
		checkpoint, err = UnmarshalProto(data)
	} else {
		checkpoint = &Checkpoint{}
		err = json.Unmarshal(data, checkpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return checkpoint, nil
}
