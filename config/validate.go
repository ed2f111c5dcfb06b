package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateMeanTeacher(); err != nil {
		return err
	}
	if err := c.validateModel(); err != nil {
		return err
	}
	if err := c.validateTraining(); err != nil {
		return err
	}
	if err := c.validateData(); err != nil {
		return err
	}
	if err := c.validateTransforms(); err != nil {
		return err
	}
	if err := c.validateCheckpoint(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateMeanTeacher() error {
	mt := c.MeanTeacher
	if mt.Baseline {
		return nil
	}
	if mt.Consistency < 0 {
		return errors.New("mean_teacher.consistency must be non-negative")
	}
	if mt.ConsistencyRampup < 0 {
		return errors.New("mean_teacher.consistency_rampup must be non-negative")
	}
	if mt.EMADecay <= 0 || mt.EMADecay >= 1 {
		return errors.New("mean_teacher.ema_decay must be in (0, 1)")
	}
	switch mt.ConsistencyType {
	case "mse", "kl":
	default:
		return fmt.Errorf("mean_teacher.consistency_type must be mse or kl, got %q", mt.ConsistencyType)
	}
	return nil
}

func (c *Config) validateModel() error {
	m := c.Model
	if m.NClasses < 2 {
		return fmt.Errorf("model.n_classes must be at least 2, got %d", m.NClasses)
	}
	if m.InChannels < 1 {
		return errors.New("model.in_channels must be positive")
	}
	for i, h := range m.Hidden {
		if h < 1 {
			return fmt.Errorf("model.hidden[%d] must be positive", i)
		}
	}
	if m.CropSize < 4 {
		return errors.New("model.crop_size must be at least 4")
	}
	switch m.Stage {
	case StageCoarse:
	case StageFine:
		if m.CoarseCheckpoint == "" {
			return errors.New("model.coarse_checkpoint must be set when model.stage is fine")
		}
	default:
		return fmt.Errorf("model.stage must be coarse or fine, got %q", m.Stage)
	}
	return nil
}

func (c *Config) validateTraining() error {
	t := c.Training
	switch t.LossFunc {
	case "dice", "cross_entropy":
	default:
		return fmt.Errorf("training.loss_func must be dice or cross_entropy, got %q", t.LossFunc)
	}
	if len(t.ClassWeights) > 0 {
		if len(t.ClassWeights) != c.Model.NClasses {
			return fmt.Errorf("training.class_weights has %d entries, model.n_classes is %d", len(t.ClassWeights), c.Model.NClasses)
		}
		for i, w := range t.ClassWeights {
			if w < 0 {
				return fmt.Errorf("training.class_weights[%d] must be non-negative", i)
			}
		}
	}
	if t.LearningRate <= 0 {
		return errors.New("training.learning_rate must be positive")
	}
	if t.WeightDecay < 0 {
		return errors.New("training.weight_decay must be non-negative")
	}
	switch t.Optimizer {
	case "adam", "sgd", "rmsprop":
	default:
		return fmt.Errorf("training.optimizer must be adam, sgd or rmsprop, got %q", t.Optimizer)
	}
	if t.StepSize < 1 {
		return errors.New("training.step_size must be positive")
	}
	if t.LRDecay <= 0 || t.LRDecay > 1 {
		return errors.New("training.lr_decay must be in (0, 1]")
	}
	if t.Epochs < 1 {
		return errors.New("training.epochs must be positive")
	}
	if t.BatchSize < 1 {
		return errors.New("training.batch_size must be positive")
	}
	if t.ValidateEvery < 1 {
		return errors.New("training.validate_every must be positive")
	}
	return nil
}

func (c *Config) validateData() error {
	d := c.Data
	if d.LabeledSamples < 1 {
		return errors.New("data.labeled_samples must be positive")
	}
	if d.ValidationSamples < 1 {
		return errors.New("data.validation_samples must be positive")
	}
	if d.UnlabeledSamples < 0 || d.CacheSize < 0 || d.Prefetch < 0 {
		return errors.New("data.unlabeled_samples, data.cache_size and data.prefetch must be non-negative")
	}
	if d.Dir == "" && !c.MeanTeacher.Baseline && d.UnlabeledSamples < 1 {
		return errors.New("data.unlabeled_samples must be positive for the synthetic dataset unless mean_teacher.baseline is set")
	}
	return nil
}

func (c *Config) validateTransforms() error {
	t := c.Transforms
	if !t.Scale {
		return nil
	}
	if t.MinScale <= 0 || t.MaxScale < t.MinScale {
		return fmt.Errorf("transforms scale range [%g, %g] is invalid", t.MinScale, t.MaxScale)
	}
	return nil
}

func (c *Config) validateCheckpoint() error {
	if c.Checkpoint.Dir == "" {
		return errors.New("checkpoint.dir must be set")
	}
	switch c.Checkpoint.Format {
	case "json", "proto":
	default:
		return fmt.Errorf("checkpoint.format must be json or proto, got %q", c.Checkpoint.Format)
	}
	if c.Checkpoint.Every < 1 {
		return errors.New("checkpoint.every must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}
