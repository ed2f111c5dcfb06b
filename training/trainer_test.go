package training

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/tsawler/go-meanteacher/summary"
	"github.com/tsawler/go-meanteacher/transforms"
)

func newEngine(t *testing.T, opts transforms.Options) *transforms.Engine {
	t.Helper()
	e, err := transforms.NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func diceCriterion(t *testing.T, classes int) SegmentationLoss {
	t.Helper()
	c, err := NewDiceLoss(classes, nil)
	if err != nil {
		t.Fatalf("NewDiceLoss failed: %v", err)
	}
	return c
}

func steps(series []summary.Scalar) []int {
	out := make([]int, len(series))
	for i, s := range series {
		out[i] = s.Step
	}
	return out
}

func TestTrainEpochBaseline(t *testing.T) {
	student := newLinearModel(t, 1, 2, 1)
	teacher := newLinearModel(t, 1, 2, 2)
	before := teacher.snapshot()

	labeled := loaderFor(t, constantDataset(t, 3, 1, 4, []int32{0, 1}), 1)
	unlabeled := &countingSource{inner: loaderFor(t, constantDataset(t, 5, 1, 4, nil), 1)}
	mem := summary.NewMemory()

	tr, err := NewCoarseTrainer(TrainerConfig{NumClasses: 2, Baseline: true}, TrainerParts{
		Student:   student,
		Teacher:   teacher,
		Optimizer: NewSGD(student.Parameters(), 0.1, 0, 0, 0, false),
		Criterion: diceCriterion(t, 2),
		Writer:    mem,
	})
	if err != nil {
		t.Fatalf("NewCoarseTrainer failed: %v", err)
	}

	state := &State{}
	res, err := tr.TrainEpoch(state, labeled, unlabeled)
	if err != nil {
		t.Fatalf("TrainEpoch failed: %v", err)
	}

	if res.Steps != 3 || state.GlobalStep != 3 {
		t.Errorf("steps = %d, global step = %d, expected 3 and 3", res.Steps, state.GlobalStep)
	}
	if unlabeled.draws != 0 || unlabeled.resets != 0 {
		t.Errorf("baseline touched the unlabeled source: %d draws, %d resets", unlabeled.draws, unlabeled.resets)
	}
	if teacher.forwards+teacher.infers != 0 || !reflect.DeepEqual(teacher.snapshot(), before) {
		t.Error("baseline touched the teacher")
	}

	total := mem.Series(TagTrainLoss)
	sup := mem.Series(TagTrainLossSup)
	if len(total) != 3 || len(sup) != 3 {
		t.Fatalf("got %d total and %d supervised scalars, expected 3", len(total), len(sup))
	}
	for i := range total {
		if total[i].Value != sup[i].Value {
			t.Errorf("step %d: total %g != supervised %g", i, total[i].Value, sup[i].Value)
		}
	}
	if n := len(mem.Series(TagTrainLossUnsup)) + len(mem.Series(TagConsistencyWeight)); n != 0 {
		t.Errorf("baseline emitted %d consistency scalars", n)
	}
	if got := steps(mem.Series(TagTrainBatchDice)); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Errorf("dice scalar steps = %v", got)
	}
	if len(res.ClassDice) != 2 || res.MeanDice <= 0 || res.MeanDice > 1 {
		t.Errorf("epoch dice = %v / %g", res.ClassDice, res.MeanDice)
	}
}

func TestTrainEpochCyclesShorterSource(t *testing.T) {
	student := newLinearModel(t, 1, 2, 1)
	teacher := newLinearModel(t, 1, 2, 1)
	mem := summary.NewMemory()

	cfg := TrainerConfig{
		NumClasses:  2,
		Consistency: ConsistencySchedule{MaxWeight: 0.1, RampupLength: 40},
		EMADecay:    0.99,
	}
	tr, err := NewCoarseTrainer(cfg, TrainerParts{
		Student:    student,
		Teacher:    teacher,
		Optimizer:  NewSGD(student.Parameters(), 0.1, 0, 0, 0, false),
		Criterion:  diceCriterion(t, 2),
		Transforms: newEngine(t, transforms.DefaultOptions(1)),
		Writer:     mem,
	})
	if err != nil {
		t.Fatalf("NewCoarseTrainer failed: %v", err)
	}

	labeled := loaderFor(t, constantDataset(t, 3, 1, 4, []int32{0, 1}), 1)
	unlabeled := loaderFor(t, constantDataset(t, 10, 1, 4, nil), 1)
	state := &State{Epoch: 5, GlobalStep: 20}

	res, err := tr.TrainEpoch(state, labeled, unlabeled)
	if err != nil {
		t.Fatalf("TrainEpoch failed: %v", err)
	}

	if res.Steps != 10 || state.GlobalStep != 30 {
		t.Errorf("steps = %d, global step = %d, expected 10 and 30", res.Steps, state.GlobalStep)
	}
	// The first labeled batch comes back at steps 0, 3, 6 and 9.
	if want := []float32{0, 1, 2, 0, 1, 2, 0, 1, 2, 0}; !reflect.DeepEqual(student.seen, want) {
		t.Errorf("labeled order = %v, expected %v", student.seen, want)
	}
	if res.LabeledRestarts != 3 || res.UnlabeledRestarts != 0 {
		t.Errorf("restarts = %d labeled, %d unlabeled", res.LabeledRestarts, res.UnlabeledRestarts)
	}

	weights := mem.Series(TagConsistencyWeight)
	if got := steps(weights); !reflect.DeepEqual(got, []int{20, 21, 22, 23, 24, 25, 26, 27, 28, 29}) {
		t.Errorf("consistency weight steps = %v", got)
	}
	want := cfg.Consistency.Weight(5)
	for _, w := range weights {
		if w.Value != want {
			t.Errorf("consistency weight %g at step %d, expected %g", w.Value, w.Step, want)
		}
	}

	total := mem.Series(TagTrainLoss)
	sup := mem.Series(TagTrainLossSup)
	unsup := mem.Series(TagTrainLossUnsup)
	for i := range total {
		if math.Abs(total[i].Value-(sup[i].Value+unsup[i].Value)) > 1e-12 {
			t.Errorf("step %d: total %g != %g + %g", i, total[i].Value, sup[i].Value, unsup[i].Value)
		}
		if unsup[i].Value < 0 {
			t.Errorf("step %d: negative consistency loss %g", i, unsup[i].Value)
		}
	}
	if student.infers != 10 || teacher.infers != 10 || teacher.forwards != 0 {
		t.Errorf("forward counts: student infer %d, teacher infer %d, teacher forward %d",
			student.infers, teacher.infers, teacher.forwards)
	}
}

func TestFirstEMAStepCopiesStudent(t *testing.T) {
	student := newLinearModel(t, 1, 2, 1)
	teacher := newLinearModel(t, 1, 2, 9)

	tr, err := NewCoarseTrainer(TrainerConfig{NumClasses: 2, EMADecay: 0.99}, TrainerParts{
		Student:    student,
		Teacher:    teacher,
		Optimizer:  NewSGD(student.Parameters(), 0.1, 0, 0, 0, false),
		Criterion:  diceCriterion(t, 2),
		Transforms: newEngine(t, transforms.DefaultOptions(2)),
	})
	if err != nil {
		t.Fatalf("NewCoarseTrainer failed: %v", err)
	}

	labeled := loaderFor(t, constantDataset(t, 1, 1, 4, []int32{1}), 1)
	unlabeled := loaderFor(t, constantDataset(t, 1, 1, 4, nil), 1)
	if _, err := tr.TrainEpoch(&State{}, labeled, unlabeled); err != nil {
		t.Fatalf("TrainEpoch failed: %v", err)
	}
	if !reflect.DeepEqual(teacher.snapshot(), student.snapshot()) {
		t.Error("teacher does not equal the student after the step-0 update")
	}
}

// The consistency term is detached, so a mean-teacher step moves the
// student exactly like a supervised-only step.
func TestConsistencyDoesNotReachStudent(t *testing.T) {
	run := func(baseline bool) [][]float32 {
		student := newLinearModel(t, 1, 2, 3)
		parts := TrainerParts{
			Student:   student,
			Optimizer: NewSGD(student.Parameters(), 0.5, 0, 0, 0, false),
			Criterion: diceCriterion(t, 2),
		}
		if !baseline {
			parts.Teacher = newLinearModel(t, 1, 2, 4)
			parts.Transforms = newEngine(t, transforms.DefaultOptions(3))
		}
		cfg := TrainerConfig{
			NumClasses:  2,
			Baseline:    baseline,
			Consistency: ConsistencySchedule{MaxWeight: 100},
			EMADecay:    0.99,
		}
		tr, err := NewCoarseTrainer(cfg, parts)
		if err != nil {
			t.Fatalf("NewCoarseTrainer failed: %v", err)
		}
		labeled := loaderFor(t, constantDataset(t, 2, 1, 4, []int32{0, 1}), 2)
		unlabeled := loaderFor(t, constantDataset(t, 2, 1, 4, nil), 2)
		if _, err := tr.TrainEpoch(&State{}, labeled, unlabeled); err != nil {
			t.Fatalf("TrainEpoch failed: %v", err)
		}
		return student.snapshot()
	}

	if a, b := run(true), run(false); !reflect.DeepEqual(a, b) {
		t.Errorf("student updates differ: baseline %v, mean teacher %v", a, b)
	}
}

func TestFineTrainerPrependsCoarseOutput(t *testing.T) {
	coarse := newLinearModel(t, 1, 2, 7)
	coarseBefore := coarse.snapshot()
	student := newLinearModel(t, 3, 2, 1)
	teacher := newLinearModel(t, 3, 2, 2)

	tr, err := NewFineTrainer(TrainerConfig{NumClasses: 2, EMADecay: 0.99}, TrainerParts{
		Student:    student,
		Teacher:    teacher,
		Optimizer:  NewSGD(student.Parameters(), 0.1, 0, 0, 0, false),
		Criterion:  diceCriterion(t, 2),
		Transforms: newEngine(t, transforms.DefaultOptions(4)),
	}, coarse)
	if err != nil {
		t.Fatalf("NewFineTrainer failed: %v", err)
	}
	if coarse.IsTraining() {
		t.Error("coarse model not switched to inference mode")
	}

	ds := constantDataset(t, 2, 1, 4, []int32{1, 0})
	labeled := loaderFor(t, ds, 1)
	unlabeled := loaderFor(t, constantDataset(t, 2, 1, 4, nil), 1)
	if _, err := tr.TrainEpoch(&State{}, labeled, unlabeled); err != nil {
		t.Fatalf("TrainEpoch failed: %v", err)
	}

	img, _, _ := ds.Get(1)
	batch, _ := img.Reshape([]int{1, 1, 4, 4})
	coarseOut, _ := coarse.apply(batch)
	if got, want := student.seen[1], coarseOut.Data.([]float32)[0]; got != want {
		t.Errorf("student input starts with %g, expected coarse output %g", got, want)
	}
	if coarse.forwards != 0 || !reflect.DeepEqual(coarse.snapshot(), coarseBefore) {
		t.Error("coarse model was trained")
	}
	if _, err := NewFineTrainer(TrainerConfig{NumClasses: 2, Baseline: true}, TrainerParts{
		Student:   student,
		Optimizer: NewSGD(student.Parameters(), 0.1, 0, 0, 0, false),
		Criterion: diceCriterion(t, 2),
	}, nil); err == nil {
		t.Error("expected error for a fine trainer without coarse model")
	}
}

func TestNonSquareRotationIsShapeMismatch(t *testing.T) {
	student := newLinearModel(t, 1, 2, 1)
	teacher := newLinearModel(t, 1, 2, 1)
	tr, err := NewCoarseTrainer(TrainerConfig{NumClasses: 2, EMADecay: 0.99}, TrainerParts{
		Student:    student,
		Teacher:    teacher,
		Optimizer:  NewSGD(student.Parameters(), 0.1, 0, 0, 0, false),
		Criterion:  diceCriterion(t, 2),
		Transforms: newEngine(t, transforms.Options{Rand: rand.New(rand.NewSource(5)), Rotate: true}),
	})
	if err != nil {
		t.Fatalf("NewCoarseTrainer failed: %v", err)
	}

	images := constantDataset(t, 16, 1, 4, nil)
	wide := make([]*Batch, 0, 16)
	for i := 0; i < images.Len(); i++ {
		img, _, _ := images.Get(i)
		data := append(append([]float32(nil), img.Data.([]float32)...), make([]float32, 8)...)
		wide = append(wide, &Batch{Image: mustTensor(t, []int{1, 1, 4, 6}, img.DType, data)})
	}
	labeled := loaderFor(t, constantDataset(t, 16, 1, 4, []int32{0}), 1)

	_, err = tr.TrainEpoch(&State{}, labeled, &sliceSource{batches: wide})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for a rotated non-square batch, got %v", err)
	}
}

func TestNewTrainerValidation(t *testing.T) {
	student := newLinearModel(t, 1, 2, 1)
	opt := NewSGD(student.Parameters(), 0.1, 0, 0, 0, false)
	crit := diceCriterion(t, 2)

	tests := []struct {
		name  string
		cfg   TrainerConfig
		parts TrainerParts
	}{
		{"one class", TrainerConfig{NumClasses: 1, Baseline: true}, TrainerParts{Student: student, Optimizer: opt, Criterion: crit}},
		{"no teacher", TrainerConfig{NumClasses: 2, EMADecay: 0.99}, TrainerParts{Student: student, Optimizer: opt, Criterion: crit}},
		{"bad decay", TrainerConfig{NumClasses: 2, EMADecay: 1}, TrainerParts{
			Student: student, Teacher: newLinearModel(t, 1, 2, 2), Optimizer: opt, Criterion: crit,
			Transforms: newEngine(t, transforms.DefaultOptions(1)),
		}},
		{"misaligned teacher", TrainerConfig{NumClasses: 2, EMADecay: 0.99}, TrainerParts{
			Student: student, Teacher: newLinearModel(t, 2, 2, 2), Optimizer: opt, Criterion: crit,
			Transforms: newEngine(t, transforms.DefaultOptions(1)),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCoarseTrainer(tt.cfg, tt.parts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// sliceSource replays fixed batches.
type sliceSource struct {
	batches []*Batch
	pos     int
}

func (s *sliceSource) Len() int { return len(s.batches) }
func (s *sliceSource) Reset()   { s.pos = 0 }
func (s *sliceSource) TryNext() (*Batch, bool, error) {
	if s.pos >= len(s.batches) {
		return nil, false, nil
	}
	s.pos++
	return s.batches[s.pos-1], true, nil
}
