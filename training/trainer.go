package training

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tsawler/go-meanteacher/summary"
	"github.com/tsawler/go-meanteacher/tensor"
	"github.com/tsawler/go-meanteacher/transforms"
)

// Scalar tags emitted by the training loop.
const (
	TagTrainBatchDice    = "dice/train_batch_dice"
	TagTrainLoss         = "loss/train_loss"
	TagTrainLossSup      = "loss/train_loss_supervised"
	TagTrainLossUnsup    = "loss/train_loss_un"
	TagConsistencyWeight = "misc/consistency_weight"
	TagLearningRate      = "misc/learning_rate"
)

// TrainerConfig holds the mean-teacher hyper-parameters of a Trainer.
type TrainerConfig struct {
	NumClasses  int
	Baseline    bool // supervised only: no unlabeled data, no teacher
	Consistency ConsistencySchedule
	EMADecay    float64
}

// TrainerParts are the collaborators a Trainer drives.
type TrainerParts struct {
	Student     Model
	Teacher     Model // may be nil in baseline mode
	Optimizer   Optimizer
	Criterion   SegmentationLoss
	Consistency ConsistencyLoss    // defaults to SoftmaxMSE
	Transforms  *transforms.Engine // required unless baseline
	Writer      summary.ScalarWriter
	Logger      *slog.Logger
	Progress    ProgressFactory
}

// EpochResult summarizes one training epoch.
type EpochResult struct {
	ClassDice         []float64 // per-class means rounded to 4 digits
	MeanDice          float64
	MeanLoss          float64
	Steps             int
	LabeledRestarts   int
	UnlabeledRestarts int
	Duration          time.Duration
}

// Trainer runs mean-teacher training epochs. A fine trainer additionally
// feeds the output of a frozen coarse model in front of every image.
type Trainer struct {
	cfg    TrainerConfig
	parts  TrainerParts
	coarse Model
	ema    *EMAUpdater
}

// NewCoarseTrainer builds a trainer for the coarse stage.
func NewCoarseTrainer(cfg TrainerConfig, parts TrainerParts) (*Trainer, error) {
	return newTrainer(cfg, parts, nil)
}

// NewFineTrainer builds a trainer for the fine stage. coarse is switched to
// inference mode and never updated.
func NewFineTrainer(cfg TrainerConfig, parts TrainerParts, coarse Model) (*Trainer, error) {
	if coarse == nil {
		return nil, fmt.Errorf("fine trainer requires a coarse model")
	}
	return newTrainer(cfg, parts, coarse)
}

func newTrainer(cfg TrainerConfig, parts TrainerParts, coarse Model) (*Trainer, error) {
	if cfg.NumClasses < 2 {
		return nil, fmt.Errorf("n_classes must be at least 2, got %d", cfg.NumClasses)
	}
	if parts.Student == nil || parts.Optimizer == nil || parts.Criterion == nil {
		return nil, fmt.Errorf("trainer requires a student, an optimizer and a criterion")
	}

	t := &Trainer{cfg: cfg, parts: parts, coarse: coarse}
	if !cfg.Baseline {
		if parts.Teacher == nil {
			return nil, fmt.Errorf("mean-teacher training requires a teacher model")
		}
		if parts.Transforms == nil {
			return nil, fmt.Errorf("mean-teacher training requires a transform engine")
		}
		if _, _, err := alignedParameters(parts.Teacher, parts.Student); err != nil {
			return nil, err
		}
		ema, err := NewEMAUpdater(cfg.EMADecay)
		if err != nil {
			return nil, err
		}
		t.ema = ema
		if t.parts.Consistency == nil {
			t.parts.Consistency = SoftmaxMSE
		}
	}
	if t.parts.Writer == nil {
		t.parts.Writer = summary.Discard
	}
	if t.parts.Logger == nil {
		t.parts.Logger = slog.Default()
	}
	if t.parts.Progress == nil {
		t.parts.Progress = NoProgress
	}
	if coarse != nil {
		coarse.Eval()
	}
	return t, nil
}

// Baseline reports whether the trainer ignores unlabeled data.
func (t *Trainer) Baseline() bool { return t.cfg.Baseline }

// withCoarse prepends the coarse model's output to image along channels.
func withCoarse(coarse Model, image *tensor.Tensor) (*tensor.Tensor, error) {
	if coarse == nil {
		return image, nil
	}
	out, err := forwardNoGrad(coarse, image)
	if err != nil {
		return nil, fmt.Errorf("coarse forward: %w", err)
	}
	joined, err := tensor.ConcatChannels(out, image)
	if err != nil {
		return nil, fmt.Errorf("concat coarse output: %w", err)
	}
	return joined, nil
}

// TrainEpoch runs one epoch. It takes max(len(labeled), len(unlabeled))
// steps, or len(labeled) in baseline mode, cycling the shorter source. Both
// sources are reset first. state.GlobalStep advances once per step.
func (t *Trainer) TrainEpoch(state *State, labeled, unlabeled BatchSource) (EpochResult, error) {
	start := time.Now()
	student := t.parts.Student

	labeledSrc := NewCyclicSource(labeled)
	labeledSrc.Reset()
	steps := labeledSrc.Len()

	var unlabeledSrc *CyclicSource
	if !t.cfg.Baseline {
		if unlabeled == nil {
			return EpochResult{}, fmt.Errorf("mean-teacher training requires an unlabeled source")
		}
		unlabeledSrc = NewCyclicSource(unlabeled)
		unlabeledSrc.Reset()
		steps = max(steps, unlabeledSrc.Len())
		t.parts.Teacher.Train()
	}
	if steps == 0 {
		return EpochResult{}, fmt.Errorf("labeled source: %w", ErrEmptySource)
	}

	student.Train()
	if t.coarse != nil {
		t.coarse.Eval()
	}

	weight := 0.0
	if !t.cfg.Baseline {
		weight = t.cfg.Consistency.Weight(state.Epoch)
	}

	acc := NewDiceAccumulator(t.cfg.NumClasses)
	progress := t.parts.Progress(fmt.Sprintf("train %d", state.Epoch), steps)
	var lossSum float64

	for i := 0; i < steps; i++ {
		sr, err := t.step(state, labeledSrc, unlabeledSrc, weight)
		if err != nil {
			return EpochResult{}, fmt.Errorf("epoch %d step %d: %w", state.Epoch, i, err)
		}
		if err := acc.Add(sr.classDice); err != nil {
			return EpochResult{}, err
		}
		lossSum += sr.total

		progress.Step(map[string]float64{"loss": sr.total, "dice": sr.batchDice})
		state.GlobalStep++
	}
	progress.Finish()

	classDice, meanDice := acc.Mean()
	res := EpochResult{
		ClassDice:       classDice,
		MeanDice:        meanDice,
		MeanLoss:        lossSum / float64(steps),
		Steps:           steps,
		LabeledRestarts: labeledSrc.Restarts(),
		Duration:        time.Since(start),
	}
	if unlabeledSrc != nil {
		res.UnlabeledRestarts = unlabeledSrc.Restarts()
	}

	t.parts.Logger.Info("training epoch complete",
		slog.Int("epoch", state.Epoch),
		slog.Any("class_dice", res.ClassDice),
		slog.Float64("mean_dice", res.MeanDice),
		slog.Float64("mean_loss", res.MeanLoss),
		slog.Int("steps", res.Steps),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

type stepResult struct {
	total     float64
	classDice []float64
	batchDice float64
}

func (t *Trainer) step(state *State, labeledSrc, unlabeledSrc *CyclicSource, weight float64) (stepResult, error) {
	student := t.parts.Student

	lb, err := labeledSrc.Next()
	if err != nil {
		return stepResult{}, fmt.Errorf("labeled batch: %w", err)
	}
	if lb.Mask == nil {
		return stepResult{}, fmt.Errorf("labeled batch has no mask")
	}
	input, err := withCoarse(t.coarse, lb.Image)
	if err != nil {
		return stepResult{}, err
	}

	var teacherOut, alignedStudent *tensor.Tensor
	if !t.cfg.Baseline {
		ub, err := unlabeledSrc.Next()
		if err != nil {
			return stepResult{}, fmt.Errorf("unlabeled batch: %w", err)
		}
		if teacherOut, alignedStudent, err = t.consistencyPair(ub.Image); err != nil {
			return stepResult{}, err
		}
	}

	logits, err := student.Forward(input)
	if err != nil {
		return stepResult{}, fmt.Errorf("student forward: %w", err)
	}
	supervised, err := t.parts.Criterion.Forward(logits, lb.Mask)
	if err != nil {
		return stepResult{}, fmt.Errorf("supervised loss: %w", err)
	}

	total := supervised
	var unsup float64
	if !t.cfg.Baseline {
		dist, err := t.parts.Consistency(teacherOut, alignedStudent)
		if err != nil {
			return stepResult{}, fmt.Errorf("consistency loss: %w", err)
		}
		unsup = weight * dist
		total = supervised + unsup
	}

	// The consistency term is computed without gradient, so only the
	// supervised term reaches the student.
	t.parts.Optimizer.ZeroGrad()
	grad, err := t.parts.Criterion.Backward(logits, lb.Mask)
	if err != nil {
		return stepResult{}, fmt.Errorf("supervised loss backward: %w", err)
	}
	if err := student.Backward(grad); err != nil {
		return stepResult{}, fmt.Errorf("student backward: %w", err)
	}
	if err := t.parts.Optimizer.Step(); err != nil {
		return stepResult{}, fmt.Errorf("optimizer step: %w", err)
	}

	if !t.cfg.Baseline {
		if err := t.ema.Update(t.parts.Teacher, student, state.GlobalStep); err != nil {
			return stepResult{}, fmt.Errorf("ema update: %w", err)
		}
	}

	classDice, err := DiceCoefficient(logits, lb.Mask, t.cfg.NumClasses)
	if err != nil {
		return stepResult{}, fmt.Errorf("dice: %w", err)
	}
	var batchDice float64
	for _, d := range classDice {
		batchDice += d
	}
	batchDice /= float64(len(classDice))

	w := t.parts.Writer
	w.AddScalar(TagTrainBatchDice, batchDice, state.GlobalStep)
	w.AddScalar(TagTrainLoss, total, state.GlobalStep)
	w.AddScalar(TagTrainLossSup, supervised, state.GlobalStep)
	if !t.cfg.Baseline {
		w.AddScalar(TagTrainLossUnsup, unsup, state.GlobalStep)
		w.AddScalar(TagConsistencyWeight, weight, state.GlobalStep)
	}

	return stepResult{total: total, classDice: classDice, batchDice: batchDice}, nil
}

// consistencyPair returns the teacher output on a perturbed copy of image and
// the student output on image mapped back through the same descriptor. Both
// forwards run without gradient.
func (t *Trainer) consistencyPair(image *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	input, err := withCoarse(t.coarse, image)
	if err != nil {
		return nil, nil, err
	}

	perturbed, desc, err := t.parts.Transforms.Forward(input)
	if err != nil {
		return nil, nil, fmt.Errorf("perturb unlabeled batch: %w", err)
	}
	teacherOut, err := forwardNoGrad(t.parts.Teacher, perturbed)
	if err != nil {
		return nil, nil, fmt.Errorf("teacher forward: %w", err)
	}
	studentOut, err := forwardNoGrad(t.parts.Student, input)
	if err != nil {
		return nil, nil, fmt.Errorf("student forward on unlabeled batch: %w", err)
	}
	aligned, err := t.parts.Transforms.Inverse(studentOut, desc)
	if err != nil {
		return nil, nil, fmt.Errorf("invert student output (%s): %w: %w", desc, ErrShapeMismatch, err)
	}
	return teacherOut, aligned, nil
}
