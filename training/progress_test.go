package training

import (
	"bytes"
	"testing"
)

func TestFormatMetrics(t *testing.T) {
	got := FormatMetrics(map[string]float64{"loss": 0.5, "dice": 0.25})
	if want := "dice=0.2500 loss=0.5000"; got != want {
		t.Errorf("FormatMetrics = %q, expected %q", got, want)
	}
	if got := FormatMetrics(nil); got != "" {
		t.Errorf("FormatMetrics(nil) = %q", got)
	}
}

func TestTerminalProgressNonTTY(t *testing.T) {
	var buf bytes.Buffer
	factory := TerminalProgress(&buf)
	p := factory("train 0", 3)
	p.Step(map[string]float64{"loss": 1})
	p.Finish()
	if buf.Len() != 0 {
		t.Errorf("non-terminal writer received output: %q", buf.String())
	}
}
