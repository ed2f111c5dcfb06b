package training

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tsawler/go-meanteacher/checkpoints"
	"github.com/tsawler/go-meanteacher/summary"
	"github.com/tsawler/go-meanteacher/tensor"
	"github.com/tsawler/go-meanteacher/transforms"
)

type experimentFixture struct {
	student, teacher *linearModel
	mem              *summary.Memory
	manager          *CheckpointManager
	parts            ExperimentParts
}

func newExperimentFixture(t *testing.T, dir string, baseline bool) *experimentFixture {
	t.Helper()
	return newExperimentFixtureWith(t, dir, baseline, func(params []*tensor.Tensor) Optimizer {
		return NewSGD(params, 0.1, 0, 0, 0, false)
	})
}

func newExperimentFixtureWith(t *testing.T, dir string, baseline bool, newOpt func([]*tensor.Tensor) Optimizer) *experimentFixture {
	t.Helper()
	f := &experimentFixture{
		student: newLinearModel(t, 1, 2, 1),
		mem:     summary.NewMemory(),
	}
	opt := newOpt(f.student.Parameters())
	trParts := TrainerParts{
		Student:   f.student,
		Optimizer: opt,
		Criterion: diceCriterion(t, 2),
		Writer:    f.mem,
	}
	var teacher Model
	if !baseline {
		f.teacher = newLinearModel(t, 1, 2, 1)
		teacher = f.teacher
		trParts.Teacher = f.teacher
		trParts.Transforms = newEngine(t, transforms.DefaultOptions(1))
	}
	tr, err := NewCoarseTrainer(TrainerConfig{
		NumClasses:  2,
		Baseline:    baseline,
		Consistency: ConsistencySchedule{MaxWeight: 0.1, RampupLength: 4},
		EMADecay:    0.99,
	}, trParts)
	if err != nil {
		t.Fatalf("NewCoarseTrainer failed: %v", err)
	}
	val, err := NewCoarseValidator(ValidatorParts{NumClasses: 2, Criterion: diceCriterion(t, 2), Writer: f.mem})
	if err != nil {
		t.Fatalf("NewCoarseValidator failed: %v", err)
	}

	cfg := DefaultCheckpointConfig()
	cfg.SaveDirectory = dir
	cfg.SaveFrequency = 2
	if f.manager, err = NewCheckpointManager(cfg, f.student, teacher, nil); err != nil {
		t.Fatalf("NewCheckpointManager failed: %v", err)
	}
	t.Cleanup(func() { f.manager.Close() })

	f.parts = ExperimentParts{
		Trainer:     tr,
		Validator:   val,
		Student:     f.student,
		Teacher:     teacher,
		Optimizer:   opt,
		Scheduler:   &ClippedLRScheduler{Inner: NewStepLRScheduler(2, 0.5), Min: MinLearningRate},
		Checkpoints: f.manager,
		Labeled:     loaderFor(t, constantDataset(t, 2, 1, 4, []int32{0, 1}), 1),
		Unlabeled:   loaderFor(t, constantDataset(t, 3, 1, 4, nil), 1),
		Validation:  loaderFor(t, constantDataset(t, 2, 1, 4, []int32{1, 0}), 2),
		Writer:      f.mem,
	}
	return f
}

func TestExperimentRun(t *testing.T) {
	dir := t.TempDir()
	f := newExperimentFixture(t, dir, false)

	exp, err := NewExperiment(ExperimentConfig{Epochs: 5, LearningRate: 0.1, ValidateEvery: 2}, f.parts)
	if err != nil {
		t.Fatalf("NewExperiment failed: %v", err)
	}
	res, err := exp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.EpochsRun != 5 || res.State.Epoch != 5 || res.State.GlobalStep != 15 {
		t.Errorf("result = %+v", res)
	}

	lrs := f.mem.Series(TagLearningRate)
	var got []float64
	for _, s := range lrs {
		got = append(got, s.Value)
	}
	if want := []float64{0.1, 0.1, 0.05, 0.05, 0.025}; !reflect.DeepEqual(got, want) {
		t.Errorf("learning rates = %v, expected %v", got, want)
	}

	for _, tag := range []string{TagValDice, TagEMAValDice} {
		if got := steps(f.mem.Series(tag)); !reflect.DeepEqual(got, []int{0, 2, 4}) {
			t.Errorf("%s validated at %v, expected [0 2 4]", tag, got)
		}
	}

	if res.BestEpoch < 0 || res.BestDice <= 0 {
		t.Errorf("best = %g at %d", res.BestDice, res.BestEpoch)
	}
	for _, name := range []string{checkpoints.LatestName, checkpoints.BestName} {
		path := filepath.Join(dir, name+".json")
		ck, err := checkpoints.LoadCheckpoint(path)
		if err != nil {
			t.Fatalf("LoadCheckpoint(%s) failed: %v", name, err)
		}
		if len(ck.Teacher) == 0 || ck.RunID != f.manager.RunID() {
			t.Errorf("%s: teacher tensors %d, run id %q", name, len(ck.Teacher), ck.RunID)
		}
	}
	latest, _ := checkpoints.LoadCheckpoint(filepath.Join(dir, "model.json"))
	if latest.TrainingState.Epoch != 4 || latest.TrainingState.GlobalStep != 15 {
		t.Errorf("latest checkpoint state = %+v", latest.TrainingState)
	}
}

func TestExperimentResume(t *testing.T) {
	dir := t.TempDir()

	first := newExperimentFixture(t, dir, false)
	exp, _ := NewExperiment(ExperimentConfig{Epochs: 3, LearningRate: 0.1}, first.parts)
	if _, err := exp.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	runID := first.manager.RunID()
	first.manager.Close()

	second := newExperimentFixture(t, dir, false)
	exp, _ = NewExperiment(ExperimentConfig{Epochs: 4, LearningRate: 0.1, Resume: true}, second.parts)
	res, err := exp.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}

	// The latest checkpoint was taken after epoch 2 with 9 steps done.
	if res.StartEpoch != 3 || res.EpochsRun != 1 || res.State.GlobalStep != 12 {
		t.Errorf("resumed result = %+v", res)
	}
	if second.manager.RunID() != runID {
		t.Errorf("run id %q, expected %q", second.manager.RunID(), runID)
	}
	if stored, ok, err := second.manager.StoredRunID(checkpoints.LatestName); err != nil || !ok || stored != runID {
		t.Errorf("StoredRunID = %q, %v, %v", stored, ok, err)
	}
	if got := second.student.seen; len(got) != 3 {
		t.Errorf("resumed run trained %d steps, expected 3", len(got))
	}
}

func TestExperimentResumeMatchesUninterruptedRun(t *testing.T) {
	for _, name := range []string{"adam", "sgd", "rmsprop"} {
		t.Run(name, func(t *testing.T) {
			newOpt := func(params []*tensor.Tensor) Optimizer {
				opt, err := NewOptimizer(name, params, 0.05, 1e-3)
				if err != nil {
					t.Fatalf("NewOptimizer failed: %v", err)
				}
				return opt
			}
			cfg := ExperimentConfig{Epochs: 4, LearningRate: 0.05}

			straight := newExperimentFixtureWith(t, t.TempDir(), true, newOpt)
			exp, _ := NewExperiment(cfg, straight.parts)
			if _, err := exp.Run(context.Background()); err != nil {
				t.Fatalf("straight Run failed: %v", err)
			}

			// Checkpoints land every second epoch, so the interrupted run is
			// resumed from the one taken after epoch 0.
			dir := t.TempDir()
			first := newExperimentFixtureWith(t, dir, true, newOpt)
			exp, _ = NewExperiment(ExperimentConfig{Epochs: 2, LearningRate: 0.05}, first.parts)
			if _, err := exp.Run(context.Background()); err != nil {
				t.Fatalf("first Run failed: %v", err)
			}
			first.manager.Close()

			resumed := newExperimentFixtureWith(t, dir, true, newOpt)
			cfg.Resume = true
			exp, _ = NewExperiment(cfg, resumed.parts)
			res, err := exp.Run(context.Background())
			if err != nil {
				t.Fatalf("resumed Run failed: %v", err)
			}
			if res.StartEpoch != 1 {
				t.Fatalf("resumed at epoch %d, expected 1", res.StartEpoch)
			}

			if got, want := resumed.student.snapshot(), straight.student.snapshot(); !reflect.DeepEqual(got, want) {
				t.Errorf("resumed weights %v, uninterrupted weights %v", got, want)
			}
		})
	}
}

func TestExperimentResumeKeepsBestClassDice(t *testing.T) {
	dir := t.TempDir()
	first := newExperimentFixture(t, dir, false)
	exp, _ := NewExperiment(ExperimentConfig{Epochs: 3, LearningRate: 0.1, ValidateEvery: 1}, first.parts)
	if _, err := exp.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	first.manager.Close()

	// The latest checkpoint is written after epoch 2 trains and before it
	// validates, so it carries the best of epochs 0 and 1.
	ck, err := checkpoints.LoadCheckpoint(filepath.Join(dir, checkpoints.LatestName+".json"))
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	want := ck.TrainingState
	if len(want.BestClassDice) != 2 || want.BestEpoch < 0 {
		t.Fatalf("checkpoint best = %g at %d %v", want.BestDice, want.BestEpoch, want.BestClassDice)
	}

	second := newExperimentFixture(t, dir, false)
	exp, _ = NewExperiment(ExperimentConfig{Epochs: 4, LearningRate: 0.1, Resume: true}, second.parts)
	res, err := exp.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}
	if res.BestDice != want.BestDice || res.BestEpoch != want.BestEpoch || !reflect.DeepEqual(res.BestClassDice, want.BestClassDice) {
		t.Errorf("resumed best = %g at %d %v, expected %g at %d %v",
			res.BestDice, res.BestEpoch, res.BestClassDice, want.BestDice, want.BestEpoch, want.BestClassDice)
	}
}

func TestCheckpointOptimizerMismatchStartsFresh(t *testing.T) {
	dir := t.TempDir()
	first := newExperimentFixture(t, dir, true)
	exp, _ := NewExperiment(ExperimentConfig{Epochs: 1, LearningRate: 0.1}, first.parts)
	if _, err := exp.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	first.manager.Close()

	ck, err := checkpoints.LoadCheckpoint(filepath.Join(dir, checkpoints.LatestName+".json"))
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if ck.OptimizerState == nil || ck.OptimizerState.Type != "SGD" {
		t.Fatalf("optimizer state = %+v", ck.OptimizerState)
	}

	second := newExperimentFixtureWith(t, dir, true, func(params []*tensor.Tensor) Optimizer {
		return NewAdam(params, 0.1, 0.9, 0.999, 1e-8, 0)
	})
	second.manager.SetOptimizer(second.parts.Optimizer)
	if _, ok, err := second.manager.Restore(checkpoints.LatestName); err != nil || !ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	if got := second.parts.Optimizer.(*Adam).StepCount(); got != 0 {
		t.Errorf("Adam step count %d after restoring SGD state", got)
	}
}

func TestExperimentRestoreWeights(t *testing.T) {
	dir := t.TempDir()
	first := newExperimentFixture(t, dir, true)
	exp, _ := NewExperiment(ExperimentConfig{Epochs: 1, LearningRate: 0.1}, first.parts)
	if _, err := exp.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := first.student.snapshot()
	first.manager.Close()

	// A baseline checkpoint has no teacher; restoring into a pair seeds it.
	second := newExperimentFixture(t, dir, false)
	ts, ok, err := second.manager.Restore(checkpoints.LatestName)
	if err != nil || !ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	if ts.Epoch != 0 || ts.GlobalStep != 2 {
		t.Errorf("restored state = %+v", ts)
	}
	if !reflect.DeepEqual(second.student.snapshot(), want) || !reflect.DeepEqual(second.teacher.snapshot(), want) {
		t.Error("restored weights differ from the saved student")
	}
}

func TestExperimentCancelled(t *testing.T) {
	f := newExperimentFixture(t, t.TempDir(), true)
	exp, _ := NewExperiment(ExperimentConfig{Epochs: 3, LearningRate: 0.1}, f.parts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := exp.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !res.Cancelled || res.EpochsRun != 0 || len(f.student.seen) != 0 {
		t.Errorf("cancelled result = %+v", res)
	}
}

func TestNewExperimentValidation(t *testing.T) {
	f := newExperimentFixture(t, t.TempDir(), false)

	if _, err := NewExperiment(ExperimentConfig{Epochs: 0, LearningRate: 0.1}, f.parts); err == nil {
		t.Error("expected error for zero epochs")
	}
	noUnlabeled := f.parts
	noUnlabeled.Unlabeled = nil
	if _, err := NewExperiment(ExperimentConfig{Epochs: 1, LearningRate: 0.1}, noUnlabeled); err == nil {
		t.Error("expected error for mean teacher without unlabeled data")
	}
	noValidator := f.parts
	noValidator.Validator = nil
	if _, err := NewExperiment(ExperimentConfig{Epochs: 1, LearningRate: 0.1, ValidateEvery: 2}, noValidator); err == nil {
		t.Error("expected error for validation without a validator")
	}
}
