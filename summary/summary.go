// Package summary records training scalars. Writers accept (tag, value,
// step) triples and never report failures to the caller; sinks that can fail
// keep the first error for inspection after the run.
package summary

import (
	"log/slog"
	"sync"
)

// ScalarWriter receives scalar metrics keyed by tag and step.
type ScalarWriter interface {
	AddScalar(tag string, value float64, step int)
}

// Scalar is one recorded value.
type Scalar struct {
	Tag   string
	Step  int
	Value float64
}

// Discard drops every scalar.
var Discard ScalarWriter = discard{}

type discard struct{}

func (discard) AddScalar(string, float64, int) {}

// Multi fans each scalar out to every writer.
func Multi(writers ...ScalarWriter) ScalarWriter {
	kept := make([]ScalarWriter, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			kept = append(kept, w)
		}
	}
	return multiWriter(kept)
}

type multiWriter []ScalarWriter

func (m multiWriter) AddScalar(tag string, value float64, step int) {
	for _, w := range m {
		w.AddScalar(tag, value, step)
	}
}

// Memory keeps every scalar in memory. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	scalars []Scalar
}

// NewMemory returns an empty in-memory writer.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) AddScalar(tag string, value float64, step int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalars = append(m.scalars, Scalar{Tag: tag, Step: step, Value: value})
}

// All returns a copy of every scalar in insertion order.
func (m *Memory) All() []Scalar {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Scalar, len(m.scalars))
	copy(out, m.scalars)
	return out
}

// Series returns the scalars recorded under tag in insertion order.
func (m *Memory) Series(tag string) []Scalar {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Scalar
	for _, s := range m.scalars {
		if s.Tag == tag {
			out = append(out, s)
		}
	}
	return out
}

// Log writes each scalar as a debug record.
type Log struct {
	logger *slog.Logger
}

// NewLog wraps logger. A nil logger uses slog.Default.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) AddScalar(tag string, value float64, step int) {
	l.logger.Debug("scalar", slog.String("tag", tag), slog.Float64("value", value), slog.Int("step", step))
}
