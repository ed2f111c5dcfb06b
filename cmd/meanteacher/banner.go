package main

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-meanteacher/config"
	"github.com/tsawler/go-meanteacher/layers"
)

// hostInfo describes the CPU the tensors run on.
type hostInfo struct {
	Brand    string
	Physical int
	Logical  int
	Procs    int
	Features []string
}

func detectHost() hostInfo {
	info := hostInfo{
		Brand:    strings.TrimSpace(cpuid.CPU.BrandName),
		Physical: cpuid.CPU.PhysicalCores,
		Logical:  cpuid.CPU.LogicalCores,
		Procs:    runtime.GOMAXPROCS(0),
	}
	if info.Brand == "" {
		info.Brand = runtime.GOARCH
	}
	for _, f := range []struct {
		name string
		id   cpuid.FeatureID
	}{
		{"sse4.2", cpuid.SSE42},
		{"avx", cpuid.AVX},
		{"avx2", cpuid.AVX2},
		{"fma3", cpuid.FMA3},
		{"avx512f", cpuid.AVX512F},
		{"asimd", cpuid.ASIMD},
	} {
		if cpuid.CPU.Supports(f.id) {
			info.Features = append(info.Features, f.name)
		}
	}
	return info
}

func (h hostInfo) logAttrs() []any {
	return []any{
		slog.String("cpu", h.Brand),
		slog.Int("physical_cores", h.Physical),
		slog.Int("logical_cores", h.Logical),
		slog.Int("gomaxprocs", h.Procs),
		slog.String("features", strings.Join(h.Features, ",")),
	}
}

func writeHost(w io.Writer, h hostInfo) {
	features := strings.Join(h.Features, " ")
	if features == "" {
		features = "none detected"
	}
	fmt.Fprintf(w, "CPU:       %s\n", h.Brand)
	fmt.Fprintf(w, "Cores:     %d physical, %d logical (GOMAXPROCS %d)\n", h.Physical, h.Logical, h.Procs)
	fmt.Fprintf(w, "Features:  %s\n", features)
}

func newInfoCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show host capabilities and the configured model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			writeHost(out, detectHost())

			spec, err := layers.SegmentationSpec(modelInputChannels(cfg), cfg.Model.NClasses, cfg.Model.Hidden, cfg.Model.CropSize, cfg.Model.CropSize)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Stage:     %s\n", cfg.Model.Stage)
			fmt.Fprintf(out, "Mode:      %s\n", trainingMode(cfg))
			fmt.Fprintln(out)

			checks := runPreflight(cfg, false)
			rows := make([][]string, len(checks))
			for i, c := range checks {
				status := "ok"
				if !c.Passed {
					status = "missing"
				}
				rows[i] = []string{c.Name, status, c.Detail}
			}
			fmt.Fprintln(out, renderTable([]string{"Directory", "Status", "Detail"}, rows, nil, nil))
			fmt.Fprintln(out)
			fmt.Fprint(out, spec.Summary())
			return nil
		},
	}
}

func trainingMode(cfg *config.Config) string {
	if cfg.MeanTeacher.Baseline {
		return "supervised baseline"
	}
	return fmt.Sprintf("mean teacher (ema %.4g, consistency %s x %.4g)",
		cfg.MeanTeacher.EMADecay, cfg.MeanTeacher.ConsistencyType, cfg.MeanTeacher.Consistency)
}
