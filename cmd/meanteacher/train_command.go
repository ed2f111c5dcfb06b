package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-meanteacher/checkpoints"
	"github.com/tsawler/go-meanteacher/config"
	"github.com/tsawler/go-meanteacher/logging"
	"github.com/tsawler/go-meanteacher/training"
	"github.com/tsawler/go-meanteacher/transforms"
	"github.com/tsawler/go-meanteacher/vision/dataset"
)

type trainOverrides struct {
	epochs    int
	batchSize int
	seed      int64
	stage     string
	resume    bool
	baseline  bool
	quiet     bool
}

func newTrainCommand(ctx *commandContext) *cobra.Command {
	var o trainOverrides

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a student/teacher pair",
		Long: "Train a segmentation model with the mean-teacher method: the student learns from the\n" +
			"labeled split while matching an exponential moving average of itself on perturbed\n" +
			"unlabeled images. Checkpoints and metrics go to the configured directories.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			run := *cfg
			if err := o.apply(cmd, &run); err != nil {
				return err
			}
			if err := preflightError(runPreflight(&run, true)); err != nil {
				return err
			}
			logger, err := ctx.logger(&run)
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			progress := training.TerminalProgress(os.Stderr)
			if o.quiet {
				progress = training.NoProgress
			}
			res, runID, err := runTraining(sigCtx, &run, logger, progress)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			writeTrainingReport(cmd.OutOrStdout(), &run, runID, res)
			return err
		},
	}

	cmd.Flags().IntVar(&o.epochs, "epochs", 0, "Override training.epochs")
	cmd.Flags().IntVar(&o.batchSize, "batch-size", 0, "Override training.batch_size")
	cmd.Flags().Int64Var(&o.seed, "seed", 0, "Override training.seed")
	cmd.Flags().StringVar(&o.stage, "stage", "", "Override model.stage (coarse or fine)")
	cmd.Flags().BoolVar(&o.resume, "resume", false, "Continue from the latest checkpoint")
	cmd.Flags().BoolVar(&o.baseline, "baseline", false, "Supervised training only, no teacher")
	cmd.Flags().BoolVarP(&o.quiet, "quiet", "q", false, "Disable progress bars")
	return cmd
}

// apply copies the flags the user set onto cfg and re-validates it.
func (o trainOverrides) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	cfg.Model.Hidden = append([]int(nil), cfg.Model.Hidden...)
	if flags.Changed("epochs") {
		cfg.Training.Epochs = o.epochs
	}
	if flags.Changed("batch-size") {
		cfg.Training.BatchSize = o.batchSize
	}
	if flags.Changed("seed") {
		cfg.Training.Seed = o.seed
	}
	if flags.Changed("stage") {
		cfg.Model.Stage = o.stage
		if cfg.Summary.Label == config.StageCoarse || cfg.Summary.Label == config.StageFine {
			cfg.Summary.Label = o.stage
		}
	}
	if flags.Changed("resume") {
		cfg.Training.Resume = o.resume
	}
	if flags.Changed("baseline") {
		cfg.MeanTeacher.Baseline = o.baseline
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// runTraining wires every collaborator of an experiment from cfg and runs
// it. The returned run id is the one recorded in checkpoints and metrics.
func runTraining(ctx context.Context, cfg *config.Config, logger *slog.Logger, progress training.ProgressFactory) (training.ExperimentResult, string, error) {
	logger = logger.With(slog.String(logging.FieldStage, cfg.Model.Stage))
	logger.Info("host", detectHost().logAttrs()...)

	p, err := newPipeline(cfg, logger)
	if err != nil {
		return training.ExperimentResult{}, "", err
	}

	modelRand := seededRand(cfg, seedModel)
	inChannels := modelInputChannels(cfg)
	student, err := newNetwork(cfg, inChannels, modelRand)
	if err != nil {
		return training.ExperimentResult{}, "", err
	}
	logger.Debug("model", slog.Int64("parameters", student.Spec().TotalParameters), slog.String("summary", student.Spec().Summary()))

	// A nil *layers.Network must not end up inside the interface.
	var teacher training.Model
	if !cfg.MeanTeacher.Baseline {
		net, err := newNetwork(cfg, inChannels, modelRand)
		if err != nil {
			return training.ExperimentResult{}, "", err
		}
		teacher = net
	}

	criterion, err := p.criterion()
	if err != nil {
		return training.ExperimentResult{}, "", err
	}
	consistency, err := training.NewConsistencyLoss(cfg.MeanTeacher.ConsistencyType)
	if err != nil {
		return training.ExperimentResult{}, "", err
	}
	optimizer, err := training.NewOptimizer(cfg.Training.Optimizer, student.Parameters(), cfg.Training.LearningRate, cfg.Training.WeightDecay)
	if err != nil {
		return training.ExperimentResult{}, "", err
	}
	scheduler, err := training.NewLRScheduler(cfg.Training.Scheduler, cfg.Training.StepSize, cfg.Training.LRDecay, cfg.Training.Epochs, training.MinLearningRate)
	if err != nil {
		return training.ExperimentResult{}, "", err
	}

	var engine *transforms.Engine
	if !cfg.MeanTeacher.Baseline {
		engine, err = transforms.NewEngine(transforms.Options{
			Rand:     seededRand(cfg, seedTransforms),
			Rotate:   cfg.Transforms.Rotate,
			Flip:     cfg.Transforms.Flip,
			Scale:    cfg.Transforms.Scale,
			MinScale: cfg.Transforms.MinScale,
			MaxScale: cfg.Transforms.MaxScale,
		})
		if err != nil {
			return training.ExperimentResult{}, "", err
		}
	}

	format, err := checkpoints.ParseFormat(cfg.Checkpoint.Format)
	if err != nil {
		return training.ExperimentResult{}, "", err
	}
	manager, err := training.NewCheckpointManager(training.CheckpointConfig{
		SaveDirectory: cfg.Checkpoint.Dir,
		SaveFrequency: cfg.Checkpoint.Every,
		SaveBest:      cfg.Checkpoint.SaveBest,
		Format:        format,
	}, student, teacher, logger)
	if err != nil {
		return training.ExperimentResult{}, "", err
	}
	defer manager.Close()
	for k, v := range checkpointMetadata(cfg) {
		manager.SetMetadata(k, v)
	}

	runID := manager.RunID()
	if cfg.Training.Resume {
		stored, ok, err := manager.StoredRunID(checkpoints.LatestName)
		if err != nil {
			return training.ExperimentResult{}, "", err
		}
		if ok {
			runID = stored
		}
	}
	logger = logger.With(slog.String("run_id", runID))

	writer, closeWriter, err := openSummary(ctx, cfg, runID, logger)
	if err != nil {
		return training.ExperimentResult{}, runID, err
	}
	defer closeWriter()

	trainerCfg := training.TrainerConfig{
		NumClasses: cfg.Model.NClasses,
		Baseline:   cfg.MeanTeacher.Baseline,
		Consistency: training.ConsistencySchedule{
			MaxWeight:    cfg.MeanTeacher.Consistency,
			RampupLength: cfg.MeanTeacher.ConsistencyRampup,
		},
		EMADecay: cfg.MeanTeacher.EMADecay,
	}
	trainerParts := training.TrainerParts{
		Student:     student,
		Teacher:     teacher,
		Optimizer:   optimizer,
		Criterion:   criterion,
		Consistency: consistency,
		Transforms:  engine,
		Writer:      writer,
		Logger:      logger,
		Progress:    progress,
	}
	validatorParts := training.ValidatorParts{
		NumClasses: cfg.Model.NClasses,
		Criterion:  criterion,
		Writer:     writer,
		Logger:     logger,
		Progress:   progress,
	}

	var (
		trainer   *training.Trainer
		validator *training.Validator
	)
	if p.coarse != nil {
		if trainer, err = training.NewFineTrainer(trainerCfg, trainerParts, p.coarse); err != nil {
			return training.ExperimentResult{}, runID, err
		}
		validator, err = training.NewFineValidator(validatorParts, p.coarse)
	} else {
		if trainer, err = training.NewCoarseTrainer(trainerCfg, trainerParts); err != nil {
			return training.ExperimentResult{}, runID, err
		}
		validator, err = training.NewCoarseValidator(validatorParts)
	}
	if err != nil {
		return training.ExperimentResult{}, runID, err
	}

	labeled, err := p.trainingSource(p.splits.Labeled, seedShuffle)
	if err != nil {
		return training.ExperimentResult{}, runID, err
	}
	defer labeled.close()
	var unlabeled training.BatchSource
	if !cfg.MeanTeacher.Baseline {
		src, err := p.trainingSource(p.splits.Unlabeled, seedUnlabeled)
		if err != nil {
			return training.ExperimentResult{}, runID, err
		}
		defer src.close()
		unlabeled = src
	}
	validation, err := p.validationLoader()
	if err != nil {
		return training.ExperimentResult{}, runID, err
	}

	exp, err := training.NewExperiment(training.ExperimentConfig{
		Epochs:        cfg.Training.Epochs,
		LearningRate:  cfg.Training.LearningRate,
		ValidateEvery: cfg.Training.ValidateEvery,
		Resume:        cfg.Training.Resume,
	}, training.ExperimentParts{
		Trainer:     trainer,
		Validator:   validator,
		Student:     student,
		Teacher:     teacher,
		Optimizer:   optimizer,
		Scheduler:   scheduler,
		Checkpoints: manager,
		Labeled:     labeled,
		Unlabeled:   unlabeled,
		Validation:  validation,
		Writer:      writer,
		Logger:      logger,
	})
	if err != nil {
		return training.ExperimentResult{}, runID, err
	}

	res, err := exp.Run(ctx)
	if folder, ok := p.dataset.(*dataset.FolderDataset); ok {
		logger.Info("sample cache", slog.String("stats", folder.CacheStats().String()))
	}
	return res, runID, err
}

func writeTrainingReport(w io.Writer, cfg *config.Config, runID string, res training.ExperimentResult) {
	status := "complete"
	if res.Cancelled {
		status = "cancelled"
	}
	fmt.Fprintf(w, "Run %s %s: %d epochs from epoch %d, %d steps in %s\n",
		runID, status, res.EpochsRun, res.StartEpoch, res.State.GlobalStep, res.Duration.Round(time.Millisecond))
	if res.BestEpoch < 0 {
		fmt.Fprintln(w, "No validation pass ran; no best checkpoint recorded")
		return
	}
	fmt.Fprintf(w, "Best mean Dice %.4f at epoch %d\n", res.BestDice, res.BestEpoch)

	columns := []string{"Best " + roleTitle(training.RoleStudent, "dice")}
	scores := [][]float64{res.BestClassDice}
	if res.LastValidation != nil {
		columns = append(columns, "Last "+roleTitle(training.RoleStudent, "dice"))
		scores = append(scores, res.LastValidation.ClassDice)
	}
	if len(res.LastTrain.ClassDice) > 0 {
		columns = append(columns, "Last Train Dice")
		scores = append(scores, res.LastTrain.ClassDice)
	}
	fmt.Fprintln(w, classTable(cfg.Model.NClasses, columns, scores))
}
