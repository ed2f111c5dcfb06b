package config

const (
	defaultNClasses          = 4
	defaultInChannels        = 1
	defaultCropSize          = 96
	defaultStage             = StageCoarse
	defaultConsistency       = 1.0
	defaultConsistencyRampup = 600.0
	defaultEMADecay          = 0.999
	defaultConsistencyType   = "mse"
	defaultLossFunc          = "cross_entropy"
	defaultLearningRate      = 1e-3
	defaultWeightDecay       = 1e-4
	defaultOptimizer         = "adam"
	defaultScheduler         = "step"
	defaultStepSize          = 50
	defaultLRDecay           = 0.7
	defaultEpochs            = 300
	defaultBatchSize         = 12
	defaultValidateEvery     = 2
	defaultSeed              = 123
	defaultCacheSize         = 256
	defaultPrefetch          = 2
	defaultLabeledSamples    = 16
	defaultUnlabeledSamples  = 64
	defaultValidationSamples = 16
	defaultMinScale          = 0.8
	defaultMaxScale          = 1.2
	defaultCheckpointDir     = "./log/checkpoints"
	defaultCheckpointFormat  = "json"
	defaultCheckpointEvery   = 5
	defaultSummaryPath       = "./log/metrics.db"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

var defaultHidden = []int{16, 16}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		MeanTeacher: MeanTeacher{
			Consistency:       defaultConsistency,
			ConsistencyRampup: defaultConsistencyRampup,
			EMADecay:          defaultEMADecay,
			ConsistencyType:   defaultConsistencyType,
		},
		Model: Model{
			NClasses:   defaultNClasses,
			InChannels: defaultInChannels,
			Hidden:     append([]int(nil), defaultHidden...),
			CropSize:   defaultCropSize,
			Stage:      defaultStage,
		},
		Training: Training{
			LossFunc:         defaultLossFunc,
			AutoClassWeights: true,
			LearningRate:     defaultLearningRate,
			WeightDecay:      defaultWeightDecay,
			Optimizer:        defaultOptimizer,
			Scheduler:        defaultScheduler,
			StepSize:         defaultStepSize,
			LRDecay:          defaultLRDecay,
			Epochs:           defaultEpochs,
			BatchSize:        defaultBatchSize,
			ValidateEvery:    defaultValidateEvery,
			Seed:             defaultSeed,
		},
		Data: Data{
			CacheSize:         defaultCacheSize,
			Prefetch:          defaultPrefetch,
			LabeledSamples:    defaultLabeledSamples,
			UnlabeledSamples:  defaultUnlabeledSamples,
			ValidationSamples: defaultValidationSamples,
		},
		Transforms: Transforms{
			Rotate:   true,
			Flip:     true,
			Scale:    true,
			MinScale: defaultMinScale,
			MaxScale: defaultMaxScale,
		},
		Checkpoint: Checkpoint{
			Dir:      defaultCheckpointDir,
			Format:   defaultCheckpointFormat,
			Every:    defaultCheckpointEvery,
			SaveBest: true,
		},
		Summary: Summary{
			Path: defaultSummaryPath,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
