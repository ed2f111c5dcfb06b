package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// Progress reports per-step progress of one loop.
type Progress interface {
	Step(metrics map[string]float64)
	Finish()
}

// ProgressFactory starts a Progress for a loop of total steps.
type ProgressFactory func(description string, total int) Progress

// NoProgress discards progress updates.
func NoProgress(string, int) Progress { return noProgress{} }

type noProgress struct{}

func (noProgress) Step(map[string]float64) {}
func (noProgress) Finish()                 {}

// TerminalProgress draws a progress bar on w when w is a terminal and
// reports nothing otherwise.
func TerminalProgress(w io.Writer) ProgressFactory {
	f, ok := w.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return NoProgress
	}
	return func(description string, total int) Progress {
		return &barProgress{
			description: description,
			bar: progressbar.NewOptions(total,
				progressbar.OptionSetWriter(w),
				progressbar.OptionSetDescription(description),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(30),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			),
		}
	}
}

type barProgress struct {
	description string
	bar         *progressbar.ProgressBar
}

func (p *barProgress) Step(metrics map[string]float64) {
	if len(metrics) > 0 {
		p.bar.Describe(p.description + " " + FormatMetrics(metrics))
	}
	_ = p.bar.Add(1)
}

func (p *barProgress) Finish() {
	_ = p.bar.Finish()
}

// FormatMetrics renders metrics as "k=v" pairs sorted by key.
func FormatMetrics(metrics map[string]float64) string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.4f", k, metrics[k])
	}
	return strings.Join(parts, " ")
}
