package summary

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	DiceCurves           PlotType = "dice_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	ConfusionMatrixPlot  PlotType = "confusion_matrix"
)

// PlotData is a self-describing chart in JSON form, ready for any external
// plotting front end.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	RunLabel  string    `json:"run_label"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line" or "heatmap"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"`
	YAxisScale string `json:"y_axis_scale"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

var seriesColors = []string{"#FF6B6B", "#4ECDC4", "#FF9F43", "#5F27CD", "#10AC84", "#54A0FF"}

func defaultPlotConfig(xLabel, yLabel string) PlotConfig {
	return PlotConfig{
		XAxisLabel: xLabel,
		YAxisLabel: yLabel,
		XAxisScale: "linear",
		YAxisScale: "linear",
		ShowLegend: true,
		ShowGrid:   true,
		Width:      800,
		Height:     600,
	}
}

// LinePlot turns tagged scalar series into one line per tag, ordered by
// tag name. Empty series are skipped.
func LinePlot(plotType PlotType, title, runLabel, yLabel string, series map[string][]Scalar) PlotData {
	tags := make([]string, 0, len(series))
	for tag, s := range series {
		if len(s) > 0 {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)

	pd := PlotData{
		PlotType:  plotType,
		Title:     title,
		Timestamp: time.Now(),
		RunLabel:  runLabel,
		Config:    defaultPlotConfig("step", yLabel),
	}
	for i, tag := range tags {
		sd := SeriesData{
			Name: tag,
			Type: "line",
			Data: make([]DataPoint, len(series[tag])),
			Style: map[string]interface{}{
				"color":      seriesColors[i%len(seriesColors)],
				"line_width": 2,
			},
		}
		for j, s := range series[tag] {
			sd.Data[j] = DataPoint{X: s.Step, Y: s.Value}
		}
		pd.Series = append(pd.Series, sd)
	}
	return pd
}

// ConfusionPlot renders a [true][predicted] count matrix as a heatmap.
func ConfusionPlot(title, runLabel string, matrix [][]int64, classNames []string) (PlotData, error) {
	if len(classNames) != len(matrix) {
		return PlotData{}, fmt.Errorf("%d class names for a %d-class matrix", len(classNames), len(matrix))
	}
	sd := SeriesData{Name: "Confusion Matrix", Type: "heatmap"}
	var total int64
	for i, row := range matrix {
		if len(row) != len(matrix) {
			return PlotData{}, fmt.Errorf("confusion matrix row %d has %d entries", i, len(row))
		}
		for j, count := range row {
			total += count
			sd.Data = append(sd.Data, DataPoint{X: classNames[j], Y: classNames[i], Z: count})
		}
	}
	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     title,
		Timestamp: time.Now(),
		RunLabel:  runLabel,
		Series:    []SeriesData{sd},
		Config:    defaultPlotConfig("predicted", "true"),
		Metrics:   map[string]interface{}{"total_pixels": total},
	}, nil
}

// ToJSON converts plot data to indented JSON.
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %w", err)
	}
	return string(data), nil
}
