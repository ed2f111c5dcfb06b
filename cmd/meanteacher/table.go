package main

import (
	"fmt"
	"math"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tsawler/go-meanteacher/training"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

var titleCaser = cases.Title(language.English)

// renderTable draws rows under headers. footer may be nil.
func renderTable(headers []string, rows [][]string, footer []string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(toRow(headers, columns))
	for _, row := range rows {
		tw.AppendRow(toRow(row, columns))
	}
	if footer != nil {
		tw.AppendFooter(toRow(footer, columns))
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
			AlignFooter: align,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

func toRow(values []string, columns int) table.Row {
	r := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		if i < len(values) {
			r[i] = values[i]
		} else {
			r[i] = ""
		}
	}
	return r
}

// roleTitle renders a model role for a column header, e.g. "Teacher Dice".
func roleTitle(role training.ModelRole, metric string) string {
	return titleCaser.String(role.String() + " " + metric)
}

func className(k int) string {
	if k == 0 {
		return "background"
	}
	return fmt.Sprintf("class %d", k)
}

func classNames(n int) []string {
	out := make([]string, n)
	for k := range out {
		out[k] = className(k)
	}
	return out
}

func formatScore(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", v)
}

// classTable renders one row per class and one column per named score
// vector; vectors shorter than numClasses leave their cells empty.
func classTable(numClasses int, columns []string, scores [][]float64) string {
	headers := append([]string{"Class"}, columns...)
	aligns := []columnAlignment{alignLeft}
	for range columns {
		aligns = append(aligns, alignRight)
	}

	rows := make([][]string, numClasses)
	for k := 0; k < numClasses; k++ {
		row := []string{className(k)}
		for _, s := range scores {
			if k < len(s) {
				row = append(row, formatScore(s[k]))
			} else {
				row = append(row, "")
			}
		}
		rows[k] = row
	}

	footer := []string{"mean"}
	for _, s := range scores {
		if len(s) == 0 {
			footer = append(footer, "")
			continue
		}
		footer = append(footer, formatScore(nanMean(s)))
	}
	return renderTable(headers, rows, footer, aligns)
}

func nanMean(values []float64) float64 {
	var sum float64
	n := 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
