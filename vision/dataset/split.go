package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-meanteacher/training"
)

// SplitSizes is the number of samples per split. Unlabeled <= 0 takes every
// sample not used by the other two splits.
type SplitSizes struct {
	Labeled    int
	Unlabeled  int
	Validation int
}

// Splits are the three views of a dataset a mean-teacher run trains on.
// Unlabeled samples never expose a mask.
type Splits struct {
	Labeled    *training.SubsetDataset
	Unlabeled  *training.SubsetDataset
	Validation *training.SubsetDataset
}

// NewSplits partitions ds. Labeled and validation samples are drawn from
// labeledPool (every index when nil); the unlabeled split takes from the
// indices left over. The three splits are disjoint.
func NewSplits(ds training.Dataset, labeledPool []int, sizes SplitSizes, rng *rand.Rand) (Splits, error) {
	n := ds.Len()
	if labeledPool == nil {
		labeledPool = make([]int, n)
		for i := range labeledPool {
			labeledPool[i] = i
		}
	}
	if sizes.Labeled < 1 || sizes.Validation < 0 {
		return Splits{}, fmt.Errorf("invalid split sizes %+v", sizes)
	}
	if need := sizes.Labeled + sizes.Validation; need > len(labeledPool) {
		return Splits{}, fmt.Errorf("%d labeled samples available, %d requested", len(labeledPool), need)
	}

	pool := append([]int(nil), labeledPool...)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	valIdx := pool[:sizes.Validation]
	labIdx := pool[sizes.Validation : sizes.Validation+sizes.Labeled]

	used := make(map[int]bool, len(valIdx)+len(labIdx))
	for _, i := range valIdx {
		used[i] = true
	}
	for _, i := range labIdx {
		used[i] = true
	}
	var rest []int
	for i := 0; i < n; i++ {
		if !used[i] {
			rest = append(rest, i)
		}
	}
	rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	if sizes.Unlabeled > 0 {
		if sizes.Unlabeled > len(rest) {
			return Splits{}, fmt.Errorf("%d samples left for the unlabeled split, %d requested", len(rest), sizes.Unlabeled)
		}
		rest = rest[:sizes.Unlabeled]
	}

	var (
		s   Splits
		err error
	)
	if s.Labeled, err = training.NewSubsetDataset(ds, labIdx); err != nil {
		return Splits{}, err
	}
	if s.Validation, err = training.NewSubsetDataset(ds, valIdx); err != nil {
		return Splits{}, err
	}
	if s.Unlabeled, err = training.NewUnlabeledSubset(ds, rest); err != nil {
		return Splits{}, err
	}
	return s, nil
}

// LabelCounts counts mask pixels per class over every sample of ds.
func LabelCounts(ds training.Dataset, numClasses int) ([]int64, error) {
	counts := make([]int64, numClasses)
	for i := 0; i < ds.Len(); i++ {
		_, mask, err := ds.Get(i)
		if err != nil {
			return nil, err
		}
		if mask == nil {
			return nil, fmt.Errorf("sample %d has no mask", i)
		}
		if err := training.CountClasses(mask.Data.([]int32), numClasses, counts); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
	}
	return counts, nil
}
