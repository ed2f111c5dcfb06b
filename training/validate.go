package training

import (
	"fmt"
	"log/slog"

	"github.com/tsawler/go-meanteacher/summary"
)

// Scalar tags emitted by validation, per model role.
const (
	TagValLoss    = "loss/val_loss"
	TagValDice    = "dice/val_dice"
	TagEMAValLoss = "loss/ema_val_loss"
	TagEMAValDice = "dice/ema_val_dice"
)

// ValidationTags returns the (loss, dice) tags for role.
func ValidationTags(role ModelRole) (lossTag, diceTag string) {
	if role == RoleTeacher {
		return TagEMAValLoss, TagEMAValDice
	}
	return TagValLoss, TagValDice
}

// ValidationResult is what a validation pass reports.
type ValidationResult struct {
	MeanDice      float64
	ClassDice     []float64 // per-class means rounded to 4 digits
	MeanLoss      float64
	PixelAccuracy float64
	Batches       int
}

// ValidatorParts are the collaborators a Validator uses.
type ValidatorParts struct {
	NumClasses int
	Criterion  SegmentationLoss
	Writer     summary.ScalarWriter
	Logger     *slog.Logger
	Progress   ProgressFactory
}

// Validator evaluates a model over a full validation pass without updating
// anything. A fine validator prepends the coarse output like training does.
type Validator struct {
	parts  ValidatorParts
	coarse Model
}

// NewCoarseValidator builds a validator for the coarse stage.
func NewCoarseValidator(parts ValidatorParts) (*Validator, error) {
	return newValidator(parts, nil)
}

// NewFineValidator builds a validator for the fine stage.
func NewFineValidator(parts ValidatorParts, coarse Model) (*Validator, error) {
	if coarse == nil {
		return nil, fmt.Errorf("fine validator requires a coarse model")
	}
	return newValidator(parts, coarse)
}

func newValidator(parts ValidatorParts, coarse Model) (*Validator, error) {
	if parts.NumClasses < 2 {
		return nil, fmt.Errorf("n_classes must be at least 2, got %d", parts.NumClasses)
	}
	if parts.Criterion == nil {
		return nil, fmt.Errorf("validator requires a criterion")
	}
	if parts.Writer == nil {
		parts.Writer = summary.Discard
	}
	if parts.Logger == nil {
		parts.Logger = slog.Default()
	}
	if parts.Progress == nil {
		parts.Progress = NoProgress
	}
	return &Validator{parts: parts, coarse: coarse}, nil
}

// Validate runs model over one pass of source in inference mode and emits
// the mean loss and mean Dice under role's tags at step epoch. The model is
// left in inference mode.
func (v *Validator) Validate(epoch int, source BatchSource, model Model, role ModelRole) (ValidationResult, error) {
	model.Eval()
	if v.coarse != nil {
		v.coarse.Eval()
	}
	source.Reset()

	acc := NewDiceAccumulator(v.parts.NumClasses)
	confusion := NewConfusionMatrix(v.parts.NumClasses)
	progress := v.parts.Progress(fmt.Sprintf("validate %s %d", role, epoch), source.Len())
	var lossSum float64
	batches := 0

	for {
		batch, ok, err := source.TryNext()
		if err != nil {
			return ValidationResult{}, fmt.Errorf("validation batch %d: %w", batches, err)
		}
		if !ok {
			break
		}
		if batch.Mask == nil {
			return ValidationResult{}, fmt.Errorf("validation batch %d has no mask", batches)
		}

		input, err := withCoarse(v.coarse, batch.Image)
		if err != nil {
			return ValidationResult{}, err
		}
		logits, err := forwardNoGrad(model, input)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("%s forward: %w", role, err)
		}
		loss, err := v.parts.Criterion.Forward(logits, batch.Mask)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("validation loss: %w", err)
		}
		classDice, err := DiceCoefficient(logits, batch.Mask, v.parts.NumClasses)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("dice: %w", err)
		}
		if err := acc.Add(classDice); err != nil {
			return ValidationResult{}, err
		}
		if err := confusion.Update(logits, batch.Mask); err != nil {
			return ValidationResult{}, err
		}

		lossSum += loss
		batches++
		progress.Step(map[string]float64{"loss": loss})
	}
	progress.Finish()

	if batches == 0 {
		return ValidationResult{}, fmt.Errorf("validation source: %w", ErrEmptySource)
	}

	classDice, meanDice := acc.Mean()
	res := ValidationResult{
		MeanDice:      meanDice,
		ClassDice:     classDice,
		MeanLoss:      lossSum / float64(batches),
		PixelAccuracy: confusion.PixelAccuracy(),
		Batches:       batches,
	}

	lossTag, diceTag := ValidationTags(role)
	v.parts.Writer.AddScalar(lossTag, res.MeanLoss, epoch)
	v.parts.Writer.AddScalar(diceTag, res.MeanDice, epoch)

	v.parts.Logger.Info("validation complete",
		slog.Int("epoch", epoch),
		slog.String("role", role.String()),
		slog.Any("class_dice", res.ClassDice),
		slog.Float64("mean_dice", res.MeanDice),
		slog.Float64("mean_loss", res.MeanLoss),
		slog.Float64("pixel_accuracy", res.PixelAccuracy),
	)
	return res, nil
}
