package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-meanteacher/checkpoints"
	"github.com/tsawler/go-meanteacher/config"
	"github.com/tsawler/go-meanteacher/logging"
	"github.com/tsawler/go-meanteacher/summary"
	"github.com/tsawler/go-meanteacher/training"
)

func newEvaluateCommand(ctx *commandContext) *cobra.Command {
	var checkpointPath string
	var useTeacher bool
	var plotPath string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a checkpoint on the validation split",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger(cfg)
			if err != nil {
				return err
			}
			logger = logger.With(slog.String(logging.FieldStage, cfg.Model.Stage))

			path := strings.TrimSpace(checkpointPath)
			if path == "" {
				path, err = defaultEvaluationCheckpoint(cfg)
				if err != nil {
					return err
				}
			}
			ck, err := checkpoints.LoadCheckpoint(path)
			if err != nil {
				return err
			}
			role := training.RoleStudent
			weights := ck.Student
			if useTeacher {
				if len(ck.Teacher) == 0 {
					return fmt.Errorf("checkpoint %s has no teacher weights", path)
				}
				role = training.RoleTeacher
				weights = ck.Teacher
			}

			p, err := newPipeline(cfg, logger)
			if err != nil {
				return err
			}
			model, err := newNetwork(cfg, modelInputChannels(cfg), seededRand(cfg, seedModel))
			if err != nil {
				return err
			}
			if err := checkpoints.LoadWeights(weights, model.Parameters()); err != nil {
				return fmt.Errorf("load %s weights from %s: %w", role, path, err)
			}

			inferencer, err := training.NewModelInferencer(model, p.coarse, cfg.Model.NClasses)
			if err != nil {
				return err
			}
			source, err := p.validationLoader()
			if err != nil {
				return err
			}
			confusion, dice, err := inferencer.Evaluate(source)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checkpoint: %s (epoch %d, run %s)\n", path, ck.TrainingState.Epoch, ck.RunID)
			fmt.Fprintf(out, "Model:      %s\n", role)
			fmt.Fprintf(out, "Pixels:     %d, accuracy %.4f\n", confusion.TotalPixels, confusion.PixelAccuracy())
			fmt.Fprintln(out, classTable(cfg.Model.NClasses,
				[]string{roleTitle(role, "dice"), roleTitle(role, "iou")},
				[][]float64{dice, confusion.IoU()}))

			if plotPath != "" {
				title := fmt.Sprintf("%s, epoch %d", roleTitle(role, "confusion matrix"), ck.TrainingState.Epoch)
				plot, err := summary.ConfusionPlot(title, cfg.Summary.Label, confusion.Matrix, classNames(cfg.Model.NClasses))
				if err != nil {
					return err
				}
				if err := writePlot(plotPath, plot); err != nil {
					return err
				}
				fmt.Fprintf(out, "Wrote confusion matrix to %s\n", plotPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "Checkpoint file (default: best, else latest, in checkpoint.dir)")
	cmd.Flags().BoolVar(&useTeacher, "teacher", false, "Evaluate the teacher weights instead of the student")
	cmd.Flags().StringVar(&plotPath, "plot", "", "Write the confusion matrix as plot JSON to this file")
	return cmd
}

// defaultEvaluationCheckpoint prefers the best checkpoint over the latest.
func defaultEvaluationCheckpoint(cfg *config.Config) (string, error) {
	format, err := checkpoints.ParseFormat(cfg.Checkpoint.Format)
	if err != nil {
		return "", err
	}
	for _, name := range []string{checkpoints.BestName, checkpoints.LatestName} {
		path := filepath.Join(cfg.Checkpoint.Dir, name+format.Extension())
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no checkpoint found in %s", cfg.Checkpoint.Dir)
}

func writePlot(path string, plot summary.PlotData) error {
	data, err := plot.ToJSON()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create plot directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write plot: %w", err)
	}
	return nil
}
