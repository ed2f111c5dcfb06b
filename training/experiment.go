package training

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tsawler/go-meanteacher/checkpoints"
	"github.com/tsawler/go-meanteacher/summary"
)

// ExperimentConfig controls the epoch loop around a Trainer.
type ExperimentConfig struct {
	Epochs        int
	LearningRate  float64 // initial rate handed to the scheduler
	ValidateEvery int     // validate when epoch%ValidateEvery == 0; 0 disables
	Resume        bool    // continue from the latest checkpoint if present
}

// ExperimentParts wires a run together. Teacher, Validator, Validation and
// Checkpoints are optional.
type ExperimentParts struct {
	Trainer     *Trainer
	Validator   *Validator
	Student     Model
	Teacher     Model
	Optimizer   Optimizer
	Scheduler   LRScheduler
	Checkpoints *CheckpointManager

	Labeled    BatchSource
	Unlabeled  BatchSource
	Validation BatchSource

	Writer summary.ScalarWriter
	Logger *slog.Logger
}

// ExperimentResult summarizes a finished (or cancelled) run.
type ExperimentResult struct {
	StartEpoch     int
	EpochsRun      int
	State          State
	BestDice       float64
	BestEpoch      int // -1 when validation never ran
	BestClassDice  []float64
	LastTrain      EpochResult
	LastValidation *ValidationResult
	Cancelled      bool
	Duration       time.Duration
}

// Experiment owns the run-wide State and drives training, validation,
// learning-rate decay and checkpointing epoch by epoch.
type Experiment struct {
	cfg   ExperimentConfig
	parts ExperimentParts
	state State

	bestDice      float64
	bestEpoch     int
	bestClassDice []float64
}

// NewExperiment validates the wiring of a run.
func NewExperiment(cfg ExperimentConfig, parts ExperimentParts) (*Experiment, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	}
	if parts.Trainer == nil || parts.Student == nil || parts.Optimizer == nil || parts.Labeled == nil {
		return nil, fmt.Errorf("experiment requires a trainer, a student, an optimizer and a labeled source")
	}
	if !parts.Trainer.Baseline() && parts.Unlabeled == nil {
		return nil, fmt.Errorf("mean-teacher experiment requires an unlabeled source")
	}
	if cfg.ValidateEvery > 0 && (parts.Validator == nil || parts.Validation == nil) {
		return nil, fmt.Errorf("validation every %d epochs requires a validator and a validation source", cfg.ValidateEvery)
	}
	if parts.Scheduler == nil {
		parts.Scheduler = &ClippedLRScheduler{Inner: NewStepLRScheduler(50, 0.7), Min: MinLearningRate}
	}
	if parts.Writer == nil {
		parts.Writer = summary.Discard
	}
	if parts.Logger == nil {
		parts.Logger = slog.Default()
	}
	if parts.Checkpoints != nil {
		parts.Checkpoints.SetOptimizer(parts.Optimizer)
	}
	return &Experiment{cfg: cfg, parts: parts, bestEpoch: -1}, nil
}

// State returns the current run progress.
func (e *Experiment) State() State { return e.state }

// Run trains from the start epoch (0, or the one after a resumed checkpoint)
// up to cfg.Epochs. ctx is checked between epochs only; a cancelled run
// returns the partial result together with ctx.Err().
func (e *Experiment) Run(ctx context.Context) (ExperimentResult, error) {
	start := time.Now()
	log := e.parts.Logger

	if e.cfg.Resume {
		if err := e.resume(); err != nil {
			return ExperimentResult{}, err
		}
	}
	res := ExperimentResult{StartEpoch: e.state.Epoch}

	for e.state.Epoch < e.cfg.Epochs {
		if err := ctx.Err(); err != nil {
			log.Warn("run cancelled", slog.Int("epoch", e.state.Epoch), slog.String("reason", err.Error()))
			res.Cancelled = true
			e.fill(&res, start)
			return res, err
		}
		epoch := e.state.Epoch

		lr := e.parts.Scheduler.GetLR(epoch, e.state.GlobalStep, e.cfg.LearningRate)
		e.parts.Optimizer.SetLR(lr)
		e.parts.Writer.AddScalar(TagLearningRate, lr, epoch)
		log.Info("epoch start",
			slog.Int("epoch", epoch+1),
			slog.Int("of", e.cfg.Epochs),
			slog.Float64("learning_rate", lr),
		)

		tr, err := e.parts.Trainer.TrainEpoch(&e.state, e.parts.Labeled, e.parts.Unlabeled)
		if err != nil {
			return ExperimentResult{}, err
		}
		res.LastTrain = tr

		if e.parts.Checkpoints != nil {
			if _, err := e.parts.Checkpoints.SavePeriodic(e.trainingState(epoch, lr)); err != nil {
				return ExperimentResult{}, fmt.Errorf("save checkpoint: %w", err)
			}
		}

		if e.cfg.ValidateEvery > 0 && epoch%e.cfg.ValidateEvery == 0 {
			vr, err := e.validate(epoch, lr)
			if err != nil {
				return ExperimentResult{}, err
			}
			res.LastValidation = &vr
		}

		e.state.Epoch++
		res.EpochsRun++
	}

	e.fill(&res, start)
	log.Info("run complete",
		slog.Int("epochs", res.EpochsRun),
		slog.Int("best_epoch", res.BestEpoch),
		slog.Float64("best_dice", res.BestDice),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

func (e *Experiment) fill(res *ExperimentResult, start time.Time) {
	res.State = e.state
	res.BestDice = e.bestDice
	res.BestEpoch = e.bestEpoch
	res.BestClassDice = e.bestClassDice
	res.Duration = time.Since(start)
}

// validate runs the student and, outside baseline mode, the teacher. Only
// the student's Dice decides the best checkpoint.
func (e *Experiment) validate(epoch int, lr float64) (ValidationResult, error) {
	vr, err := e.parts.Validator.Validate(epoch, e.parts.Validation, e.parts.Student, RoleStudent)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("validate student: %w", err)
	}
	if !e.parts.Trainer.Baseline() && e.parts.Teacher != nil {
		if _, err := e.parts.Validator.Validate(epoch, e.parts.Validation, e.parts.Teacher, RoleTeacher); err != nil {
			return ValidationResult{}, fmt.Errorf("validate teacher: %w", err)
		}
	}

	if vr.MeanDice > e.bestDice {
		e.bestDice = vr.MeanDice
		e.bestEpoch = epoch
		e.bestClassDice = append([]float64(nil), vr.ClassDice...)
		if e.parts.Checkpoints != nil {
			if _, err := e.parts.Checkpoints.SaveBest(e.trainingState(epoch, lr)); err != nil {
				return ValidationResult{}, fmt.Errorf("save best checkpoint: %w", err)
			}
		}
	}
	e.parts.Logger.Info("best so far",
		slog.Int("best_epoch", e.bestEpoch),
		slog.Float64("best_dice", e.bestDice),
		slog.Any("best_class_dice", e.bestClassDice),
	)
	return vr, nil
}

// trainingState is what a checkpoint taken after epoch records. Epoch is
// the epoch just completed; GlobalStep already counts its steps.
func (e *Experiment) trainingState(epoch int, lr float64) checkpoints.TrainingState {
	return checkpoints.TrainingState{
		Epoch:         epoch,
		GlobalStep:    e.state.GlobalStep,
		LearningRate:  lr,
		BestDice:      e.bestDice,
		BestEpoch:     e.bestEpoch,
		BestClassDice: append([]float64(nil), e.bestClassDice...),
	}
}

func (e *Experiment) resume() error {
	if e.parts.Checkpoints == nil {
		return fmt.Errorf("resume requested without a checkpoint manager")
	}
	ts, ok, err := e.parts.Checkpoints.Restore(checkpoints.LatestName)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if !ok {
		e.parts.Logger.Info("no checkpoint to resume from, starting fresh")
		return nil
	}
	e.state = State{Epoch: ts.Epoch + 1, GlobalStep: ts.GlobalStep}
	e.bestDice = ts.BestDice
	e.bestEpoch = ts.BestEpoch
	e.bestClassDice = ts.BestClassDice
	return nil
}
