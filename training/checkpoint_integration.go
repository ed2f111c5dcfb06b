package training

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tsawler/go-meanteacher/checkpoints"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory string                       // Directory to save checkpoints
	SaveFrequency int                          // Save the latest checkpoint every N epochs (0 = disabled)
	SaveBest      bool                         // Save a checkpoint when validation Dice improves
	Format        checkpoints.CheckpointFormat // JSON or protobuf wire format
}

// DefaultCheckpointConfig returns the default checkpoint configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory: "./checkpoints",
		SaveFrequency: 5,
		SaveBest:      true,
		Format:        checkpoints.FormatJSON,
	}
}

// CheckpointManager saves and restores the student/teacher pair together
// with the run progress. The teacher may be nil for supervised-only runs.
type CheckpointManager struct {
	config    CheckpointConfig
	saver     *checkpoints.CheckpointSaver
	student   Model
	teacher   Model
	optimizer Optimizer
	runID     string
	metadata  map[string]string
	logger    *slog.Logger
}

// NewCheckpointManager locks config.SaveDirectory for this process.
func NewCheckpointManager(config CheckpointConfig, student, teacher Model, logger *slog.Logger) (*CheckpointManager, error) {
	if student == nil {
		return nil, fmt.Errorf("checkpoint manager requires a student model")
	}
	if logger == nil {
		logger = slog.Default()
	}
	saver, err := checkpoints.NewCheckpointSaver(config.SaveDirectory, config.Format, logger)
	if err != nil {
		return nil, err
	}
	return &CheckpointManager{
		config:   config,
		saver:    saver,
		student:  student,
		teacher:  teacher,
		runID:    checkpoints.NewRunID(),
		metadata: map[string]string{},
		logger:   logger,
	}, nil
}

// RunID identifies the run; it is carried over when resuming.
func (cm *CheckpointManager) RunID() string { return cm.runID }

// SetOptimizer includes the optimizer's buffers in every checkpoint saved
// afterwards and restores them on Restore.
func (cm *CheckpointManager) SetOptimizer(opt Optimizer) {
	cm.optimizer = opt
}

// SetMetadata attaches a key/value pair to every checkpoint saved afterwards.
func (cm *CheckpointManager) SetMetadata(key, value string) {
	cm.metadata[key] = value
}

// Save writes the current model pair and state under name.
func (cm *CheckpointManager) Save(name string, state checkpoints.TrainingState) (string, error) {
	ck, err := cm.snapshot(state)
	if err != nil {
		return "", err
	}
	return cm.saver.SaveCheckpoint(name, ck)
}

// SavePeriodic saves the latest checkpoint when epoch is a multiple of the
// save frequency.
func (cm *CheckpointManager) SavePeriodic(state checkpoints.TrainingState) (bool, error) {
	if cm.config.SaveFrequency <= 0 || state.Epoch%cm.config.SaveFrequency != 0 {
		return false, nil
	}
	if _, err := cm.Save(checkpoints.LatestName, state); err != nil {
		return false, err
	}
	return true, nil
}

// SaveBest saves the best checkpoint. Callers decide when Dice improved.
func (cm *CheckpointManager) SaveBest(state checkpoints.TrainingState) (bool, error) {
	if !cm.config.SaveBest {
		return false, nil
	}
	if _, err := cm.Save(checkpoints.BestName, state); err != nil {
		return false, err
	}
	return true, nil
}

// Restore loads checkpoint name into the model pair. It reports false when
// no such checkpoint exists. A checkpoint without teacher weights seeds the
// teacher from the restored student.
func (cm *CheckpointManager) Restore(name string) (checkpoints.TrainingState, bool, error) {
	if !cm.saver.Exists(name) {
		return checkpoints.TrainingState{}, false, nil
	}
	ck, err := cm.saver.LoadCheckpoint(name)
	if err != nil {
		return checkpoints.TrainingState{}, false, err
	}

	if err := checkpoints.LoadWeights(ck.Student, cm.student.Parameters()); err != nil {
		return checkpoints.TrainingState{}, false, fmt.Errorf("restore student: %w", err)
	}
	if cm.teacher != nil {
		if len(ck.Teacher) == 0 {
			if err := CopyParameters(cm.teacher, cm.student); err != nil {
				return checkpoints.TrainingState{}, false, fmt.Errorf("seed teacher: %w", err)
			}
		} else if err := checkpoints.LoadWeights(ck.Teacher, cm.teacher.Parameters()); err != nil {
			return checkpoints.TrainingState{}, false, fmt.Errorf("restore teacher: %w", err)
		}
	}
	if err := cm.restoreOptimizer(ck.OptimizerState); err != nil {
		return checkpoints.TrainingState{}, false, err
	}
	if ck.RunID != "" {
		cm.runID = ck.RunID
	}

	cm.logger.Info("restored checkpoint",
		slog.String("path", cm.saver.Path(name)),
		slog.String("run_id", cm.runID),
		slog.Int("epoch", ck.TrainingState.Epoch),
		slog.Int("global_step", ck.TrainingState.GlobalStep),
	)
	return ck.TrainingState, true, nil
}

// restoreOptimizer loads saved optimizer buffers. A checkpoint without them,
// or one written by another kind of optimizer, leaves the optimizer fresh.
func (cm *CheckpointManager) restoreOptimizer(state *checkpoints.OptimizerState) error {
	if cm.optimizer == nil {
		return nil
	}
	if state == nil {
		cm.logger.Warn("checkpoint has no optimizer state, optimizer starts fresh")
		return nil
	}
	err := cm.optimizer.LoadState(state)
	if errors.Is(err, ErrOptimizerType) {
		cm.logger.Warn("optimizer changed since checkpoint, optimizer starts fresh", slog.String("reason", err.Error()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore optimizer: %w", err)
	}
	return nil
}

// StoredRunID returns the run id recorded in checkpoint name, reporting
// false when the checkpoint does not exist.
func (cm *CheckpointManager) StoredRunID(name string) (string, bool, error) {
	if !cm.saver.Exists(name) {
		return "", false, nil
	}
	ck, err := cm.saver.LoadCheckpoint(name)
	if err != nil {
		return "", false, err
	}
	return ck.RunID, ck.RunID != "", nil
}

// Close releases the directory lock.
func (cm *CheckpointManager) Close() error {
	return cm.saver.Close()
}

func (cm *CheckpointManager) snapshot(state checkpoints.TrainingState) (*checkpoints.Checkpoint, error) {
	student, err := checkpoints.ExtractWeights("student", cm.student.Parameters())
	if err != nil {
		return nil, fmt.Errorf("extract student weights: %w", err)
	}
	ck := &checkpoints.Checkpoint{
		Version:       checkpoints.Version,
		RunID:         cm.runID,
		TrainingState: state,
		Student:       student,
		Metadata:      make(map[string]string, len(cm.metadata)+1),
	}
	if cm.teacher != nil {
		if ck.Teacher, err = checkpoints.ExtractWeights("teacher", cm.teacher.Parameters()); err != nil {
			return nil, fmt.Errorf("extract teacher weights: %w", err)
		}
	}
	if cm.optimizer != nil {
		if ck.OptimizerState, err = cm.optimizer.State(); err != nil {
			return nil, fmt.Errorf("extract optimizer state: %w", err)
		}
	}
	for k, v := range cm.metadata {
		ck.Metadata[k] = v
	}
	if host, err := os.Hostname(); err == nil {
		ck.Metadata["host"] = host
	}
	return ck, nil
}
