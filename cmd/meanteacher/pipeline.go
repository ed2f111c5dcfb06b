package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tsawler/go-meanteacher/async"
	"github.com/tsawler/go-meanteacher/checkpoints"
	"github.com/tsawler/go-meanteacher/config"
	"github.com/tsawler/go-meanteacher/layers"
	"github.com/tsawler/go-meanteacher/summary"
	"github.com/tsawler/go-meanteacher/training"
	"github.com/tsawler/go-meanteacher/vision/dataset"
)

// Offsets of the random streams derived from training.seed.
const (
	seedSplits = iota
	seedModel
	seedShuffle
	seedUnlabeled
	seedTransforms
)

// pipeline is the data side of a run: the dataset, its splits and, for the
// fine stage, the frozen coarse model.
type pipeline struct {
	cfg     *config.Config
	logger  *slog.Logger
	dataset training.Dataset
	splits  dataset.Splits
	coarse  training.Model
}

func newPipeline(cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	ds, pool, err := openDataset(cfg)
	if err != nil {
		return nil, err
	}

	sizes := dataset.SplitSizes{
		Labeled:    cfg.Data.LabeledSamples,
		Unlabeled:  cfg.Data.UnlabeledSamples,
		Validation: cfg.Data.ValidationSamples,
	}
	if cfg.MeanTeacher.Baseline {
		sizes.Unlabeled = 0
	}
	splits, err := dataset.NewSplits(ds, pool, sizes, seededRand(cfg, seedSplits))
	if err != nil {
		return nil, fmt.Errorf("split dataset: %w", err)
	}

	p := &pipeline{cfg: cfg, logger: logger, dataset: ds, splits: splits}
	if cfg.Model.Stage == config.StageFine {
		coarse, err := loadCoarse(cfg)
		if err != nil {
			return nil, err
		}
		p.coarse = coarse
	}

	logger.Info("dataset ready",
		slog.String("source", describeDataset(cfg)),
		slog.Int("labeled", splits.Labeled.Len()),
		slog.Int("unlabeled", splits.Unlabeled.Len()),
		slog.Int("validation", splits.Validation.Len()),
	)
	return p, nil
}

func describeDataset(cfg *config.Config) string {
	if cfg.Data.Dir == "" {
		return "synthetic shapes"
	}
	return cfg.Data.Dir
}

func seededRand(cfg *config.Config, stream int64) *rand.Rand {
	return rand.New(rand.NewSource(cfg.Training.Seed + stream))
}

// openDataset returns the configured dataset and the indices that carry a
// mask (nil when every sample does).
func openDataset(cfg *config.Config) (training.Dataset, []int, error) {
	d := cfg.Data
	if d.Dir == "" {
		total := d.LabeledSamples + d.ValidationSamples
		if !cfg.MeanTeacher.Baseline {
			total += d.UnlabeledSamples
		}
		ds, err := dataset.NewShapesDataset(dataset.ShapesOptions{
			Samples:    total,
			Size:       cfg.Model.CropSize,
			Channels:   cfg.Model.InChannels,
			NumClasses: cfg.Model.NClasses,
			Seed:       cfg.Training.Seed,
		})
		if err != nil {
			return nil, nil, err
		}
		return ds, nil, nil
	}

	ds, err := dataset.NewFolderDataset(d.Dir, dataset.FolderOptions{
		NumClasses: cfg.Model.NClasses,
		Size:       cfg.Model.CropSize,
		Channels:   cfg.Model.InChannels,
		CacheSize:  d.CacheSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open dataset %s: %w", d.Dir, err)
	}
	return ds, ds.Labeled(), nil
}

// modelInputChannels is the student's input width: the image channels,
// preceded by one channel per class in the fine stage.
func modelInputChannels(cfg *config.Config) int {
	if cfg.Model.Stage == config.StageFine {
		return cfg.Model.NClasses + cfg.Model.InChannels
	}
	return cfg.Model.InChannels
}

func newNetwork(cfg *config.Config, inChannels int, rng *rand.Rand) (*layers.Network, error) {
	spec, err := layers.SegmentationSpec(inChannels, cfg.Model.NClasses, cfg.Model.Hidden, cfg.Model.CropSize, cfg.Model.CropSize)
	if err != nil {
		return nil, fmt.Errorf("model spec: %w", err)
	}
	return spec.Build(rng)
}

// loadCoarse rebuilds the coarse-stage network and loads the student
// weights of its checkpoint.
func loadCoarse(cfg *config.Config) (*layers.Network, error) {
	path := cfg.Model.CoarseCheckpoint
	ck, err := checkpoints.LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("load coarse model: %w", err)
	}
	net, err := newNetwork(cfg, cfg.Model.InChannels, seededRand(cfg, seedModel))
	if err != nil {
		return nil, err
	}
	if err := checkpoints.LoadWeights(ck.Student, net.Parameters()); err != nil {
		return nil, fmt.Errorf("load coarse model %s: %w", path, err)
	}
	net.Eval()
	return net, nil
}

// classWeights resolves the supervised loss weights: the explicit vector,
// or weights derived from labeled-set pixel counts, or none.
func (p *pipeline) classWeights() (training.ClassWeights, error) {
	t := p.cfg.Training
	switch {
	case len(t.ClassWeights) > 0:
		return training.ClassWeights(t.ClassWeights).Normalize()
	case t.AutoClassWeights:
		counts, err := dataset.LabelCounts(p.splits.Labeled, p.cfg.Model.NClasses)
		if err != nil {
			return nil, fmt.Errorf("count labels: %w", err)
		}
		w, err := training.ClassWeightsFromCounts(counts)
		if err != nil {
			return nil, err
		}
		p.logger.Info("class weights from label frequencies",
			slog.Any("pixels", counts),
			slog.Any("weights", roundAll(w, 4)),
		)
		return w, nil
	default:
		return nil, nil
	}
}

func (p *pipeline) criterion() (training.SegmentationLoss, error) {
	kind, err := training.ParseLossKind(p.cfg.Training.LossFunc)
	if err != nil {
		return nil, err
	}
	weights, err := p.classWeights()
	if err != nil {
		return nil, err
	}
	return training.NewSegmentationLoss(kind, p.cfg.Model.NClasses, weights)
}

// closableSource is a training source that may own a background loader.
type closableSource struct {
	training.BatchSource
	close func()
}

// trainingSource is a shuffled loader over ds, prefetched in the background
// when data.prefetch is positive.
func (p *pipeline) trainingSource(ds training.Dataset, stream int64) (closableSource, error) {
	loader, err := training.NewDataLoader(ds, p.cfg.Training.BatchSize, true, seededRand(p.cfg, stream))
	if err != nil {
		return closableSource{}, err
	}
	if p.cfg.Data.Prefetch <= 0 {
		return closableSource{BatchSource: loader, close: func() {}}, nil
	}
	adl, err := async.NewAsyncDataLoader(loader, async.AsyncDataLoaderConfig{PrefetchDepth: p.cfg.Data.Prefetch})
	if err != nil {
		return closableSource{}, err
	}
	return closableSource{BatchSource: adl, close: func() {
		adl.Stop()
		stats := adl.Stats()
		p.logger.Debug("prefetch stats",
			slog.Uint64("batches", stats.Batches),
			slog.Uint64("passes", stats.Epochs),
			slog.Duration("wait", stats.WaitTime),
		)
	}}, nil
}

func (p *pipeline) validationLoader() (*training.DataLoader, error) {
	return training.NewDataLoader(p.splits.Validation, p.cfg.Training.BatchSize, false, nil)
}

func roundAll(values []float64, digits int) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = training.RoundTo(v, digits)
	}
	return out
}

// openSummary opens the SQLite sink for runID, mirrored to debug logs. An
// empty summary.path only logs.
func openSummary(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (summary.ScalarWriter, func(), error) {
	logSink := summary.NewLog(logger)
	if cfg.Summary.Path == "" {
		return logSink, func() {}, nil
	}
	if dir := filepath.Dir(cfg.Summary.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create summary directory: %w", err)
		}
	}
	db, err := summary.OpenSQLite(ctx, cfg.Summary.Path, runID, cfg.Summary.Label, logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if n := db.Dropped(); n > 0 {
			logger.Warn("scalars dropped", slog.Int("count", n), slog.Any("error", db.Err()))
		}
		if err := db.Close(); err != nil {
			logger.Warn("close summary database", slog.Any("error", err))
		}
	}
	return summary.Multi(db, logSink), closeFn, nil
}

func checkpointMetadata(cfg *config.Config) map[string]string {
	return map[string]string{
		"stage":       cfg.Model.Stage,
		"n_classes":   strconv.Itoa(cfg.Model.NClasses),
		"in_channels": strconv.Itoa(cfg.Model.InChannels),
		"hidden":      fmt.Sprint(cfg.Model.Hidden),
		"crop_size":   strconv.Itoa(cfg.Model.CropSize),
		"loss_func":   cfg.Training.LossFunc,
		"baseline":    strconv.FormatBool(cfg.MeanTeacher.Baseline),
		"consistency": cfg.MeanTeacher.ConsistencyType,
		"label":       cfg.Summary.Label,
	}
}
