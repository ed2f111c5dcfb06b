package checkpoints

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tsawler/go-meanteacher/tensor"
)

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		RunID:     "3f1c7a52-8f0e-4c1b-9a57-2d6f0e1b2c3d",
		CreatedAt: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		TrainingState: TrainingState{
			Epoch:         10,
			GlobalStep:    1000,
			LearningRate:  0.0007,
			BestDice:      0.8125,
			BestEpoch:     8,
			BestClassDice: []float64{0.99, 0.75, 0.6975},
		},
		Student: []WeightTensor{
			{Name: "student.param_0", Shape: []int{2, 1, 3, 3}, Data: []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, -1, -2, -3, -4, -5, -6, -7, -8, -9}},
			{Name: "student.param_1", Shape: []int{2}, Data: []float32{0.5, -0.25}},
		},
		Teacher: []WeightTensor{
			{Name: "teacher.param_0", Shape: []int{2}, Data: []float32{0.125, 3.5}},
		},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]float64{"lr": 0.0007, "beta1": 0.9, "step": 1000},
			StateData: []OptimizerTensor{
				{Name: "param_1.m", Shape: []int{2}, Data: []float32{0.01, -0.02}, StateType: "m"},
				{Name: "param_1.v", Shape: []int{2}, Data: []float32{1e-4, 4e-4}, StateType: "v"},
			},
		},
		Metadata: map[string]string{"stage": "coarse", "loss_func": "dice"},
	}
}

func TestSaveLoadFormats(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			saver, err := NewCheckpointSaver(t.TempDir(), format, nil)
			if err != nil {
				t.Fatalf("NewCheckpointSaver failed: %v", err)
			}
			defer saver.Close()

			want := testCheckpoint()
			path, err := saver.SaveCheckpoint(BestName, want)
			if err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}
			if filepath.Ext(path) != format.Extension() {
				t.Errorf("path %s has wrong extension", path)
			}
			if !saver.Exists(BestName) || saver.Exists(LatestName) {
				t.Error("Exists reports the wrong files")
			}

			got, err := saver.LoadCheckpoint(BestName)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}
			if got.Version != Version {
				t.Errorf("Version = %q, expected %q", got.Version, Version)
			}
			if !got.CreatedAt.Equal(want.CreatedAt) {
				t.Errorf("CreatedAt = %v, expected %v", got.CreatedAt, want.CreatedAt)
			}
			got.CreatedAt = want.CreatedAt
			if !reflect.DeepEqual(got, want) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
			}
		})
	}
}

func TestProtoSkipsBaselineTeacher(t *testing.T) {
	c := testCheckpoint()
	c.Teacher = nil
	c.Metadata = nil
	c.OptimizerState = nil
	data, err := MarshalProto(c)
	if err != nil {
		t.Fatalf("MarshalProto failed: %v", err)
	}
	got, err := UnmarshalProto(data)
	if err != nil {
		t.Fatalf("UnmarshalProto failed: %v", err)
	}
	if got.Teacher != nil || got.Metadata != nil || got.OptimizerState != nil {
		t.Errorf("expected no teacher, metadata or optimizer state, got %d tensors, %v, %+v", len(got.Teacher), got.Metadata, got.OptimizerState)
	}
}

func TestUnmarshalProtoRejectsTruncated(t *testing.T) {
	data, _ := MarshalProto(testCheckpoint())
	if _, err := UnmarshalProto(data[:len(data)-3]); err == nil {
		t.Error("expected error for truncated input")
	}
}

func TestDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	first, err := NewCheckpointSaver(dir, FormatJSON, nil)
	if err != nil {
		t.Fatalf("NewCheckpointSaver failed: %v", err)
	}

	if _, err := NewCheckpointSaver(dir, FormatJSON, nil); !errors.Is(err, ErrLocked) {
		t.Errorf("second saver error = %v, expected ErrLocked", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	again, err := NewCheckpointSaver(dir, FormatJSON, nil)
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	again.Close()
}

func TestExtractAndLoadWeights(t *testing.T) {
	a, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, []float32{1, 2, 3, 4})
	b, _ := tensor.NewTensor([]int{3}, tensor.Float32, []float32{5, 6, 7})

	weights, err := ExtractWeights("student", []*tensor.Tensor{a, b})
	if err != nil {
		t.Fatalf("ExtractWeights failed: %v", err)
	}
	if weights[1].Name != "student.param_1" {
		t.Errorf("name = %q", weights[1].Name)
	}
	a.Data.([]float32)[0] = 100
	if weights[0].Data[0] != 1 {
		t.Error("extracted weights alias parameter storage")
	}

	c, _ := tensor.Zeros([]int{2, 2}, tensor.Float32)
	d, _ := tensor.Zeros([]int{3}, tensor.Float32)
	if err := LoadWeights(weights, []*tensor.Tensor{c, d}); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}
	if got := d.Data.([]float32); !reflect.DeepEqual(got, []float32{5, 6, 7}) {
		t.Errorf("loaded %v", got)
	}

	wrong, _ := tensor.Zeros([]int{4}, tensor.Float32)
	if err := LoadWeights(weights, []*tensor.Tensor{c, wrong}); err == nil {
		t.Error("expected shape mismatch error")
	}
	if err := LoadWeights(weights, []*tensor.Tensor{c}); err == nil {
		t.Error("expected count mismatch error")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"", FormatJSON, false},
		{"proto", FormatProto, false},
		{"PB", FormatProto, false},
		{"onnx", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || (!tt.wantErr && got != tt.want) {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.in, got, err)
		}
	}
}
