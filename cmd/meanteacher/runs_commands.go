package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-meanteacher/config"
	"github.com/tsawler/go-meanteacher/summary"
	"github.com/tsawler/go-meanteacher/training"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs recorded in the summary database",
	}
	runsCmd.AddCommand(newRunsListCommand(ctx))
	runsCmd.AddCommand(newRunsExportCommand(ctx))
	return runsCmd
}

func summaryPath(cfg *config.Config) (string, error) {
	path := cfg.Summary.Path
	if path == "" {
		return "", errors.New("summary.path is not configured")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("no summary database at %s", path)
		}
		return "", fmt.Errorf("check summary database: %w", err)
	}
	return path, nil
}

func newRunsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded runs with their latest metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path, err := summaryPath(cfg)
			if err != nil {
				return err
			}
			runs, err := summary.ReadRuns(cmd.Context(), path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			headers := []string{"Run", "Label", "Started", "Epoch", "Train Loss",
				roleTitle(training.RoleStudent, "dice"), roleTitle(training.RoleTeacher, "dice")}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				latest := make(map[string]summary.Scalar, len(r.Latest))
				for _, s := range r.Latest {
					latest[s.Tag] = s
				}
				epoch := "-"
				if lr, ok := latest[training.TagLearningRate]; ok {
					epoch = strconv.Itoa(lr.Step)
				}
				rows = append(rows, []string{
					r.RunID,
					r.Label,
					humanize.Time(r.StartedAt),
					epoch,
					latestValue(latest, training.TagTrainLoss),
					latestValue(latest, training.TagValDice),
					latestValue(latest, training.TagEMAValDice),
				})
			}
			fmt.Fprintln(out, renderTable(headers, rows, nil, aligns))
			return nil
		},
	}
}

func latestValue(latest map[string]summary.Scalar, tag string) string {
	s, ok := latest[tag]
	if !ok {
		return "-"
	}
	return formatScore(s.Value)
}

// plotGroups are the charts written by runs export.
var plotGroups = []struct {
	file     string
	plotType summary.PlotType
	title    string
	yLabel   string
	tags     []string
}{
	{"loss.json", summary.TrainingCurves, "Losses", "loss", []string{
		training.TagTrainLoss, training.TagTrainLossSup, training.TagTrainLossUnsup,
		training.TagValLoss, training.TagEMAValLoss,
	}},
	{"dice.json", summary.DiceCurves, "Dice", "dice", []string{
		training.TagTrainBatchDice, training.TagValDice, training.TagEMAValDice,
	}},
	{"schedule.json", summary.LearningRateSchedule, "Schedules", "value", []string{
		training.TagLearningRate, training.TagConsistencyWeight,
	}},
}

func newRunsExportCommand(ctx *commandContext) *cobra.Command {
	var runID string
	var outDir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the metric curves of a run as plot JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path, err := summaryPath(cfg)
			if err != nil {
				return err
			}
			run, err := findRun(cmd.Context(), path, strings.TrimSpace(runID))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, g := range plotGroups {
				series, err := summary.ReadSeries(cmd.Context(), path, run.RunID, g.tags...)
				if err != nil {
					return err
				}
				title := fmt.Sprintf("%s (%s)", g.title, run.Label)
				target := filepath.Join(outDir, g.file)
				if err := writePlot(target, summary.LinePlot(g.plotType, title, run.Label, g.yLabel, series)); err != nil {
					return err
				}
				fmt.Fprintf(out, "Wrote %s\n", target)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run id or unique prefix (default: most recent run)")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Output directory")
	return cmd
}

// findRun resolves id, a unique prefix of a run id, or the newest run when
// id is empty.
func findRun(ctx context.Context, path, id string) (summary.RunSummary, error) {
	runs, err := summary.ReadRuns(ctx, path)
	if err != nil {
		return summary.RunSummary{}, err
	}
	if len(runs) == 0 {
		return summary.RunSummary{}, errors.New("no runs recorded")
	}
	if id == "" {
		return runs[0], nil
	}
	var matches []summary.RunSummary
	for _, r := range runs {
		if r.RunID == id {
			return r, nil
		}
		if strings.HasPrefix(r.RunID, id) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return summary.RunSummary{}, fmt.Errorf("run %q not found", id)
	case 1:
		return matches[0], nil
	default:
		return summary.RunSummary{}, fmt.Errorf("run prefix %q is ambiguous (%d matches)", id, len(matches))
	}
}
