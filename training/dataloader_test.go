package training

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
)

func TestDataLoaderBatches(t *testing.T) {
	ds := constantDataset(t, 5, 1, 2, []int32{0, 1})
	dl := loaderFor(t, ds, 2)

	if dl.Len() != 3 {
		t.Fatalf("Len = %d, expected 3", dl.Len())
	}
	dl.Reset()

	var sizes []int
	var firsts []float32
	for {
		b, ok, err := dl.TryNext()
		if err != nil {
			t.Fatalf("TryNext failed: %v", err)
		}
		if !ok {
			if b != nil {
				t.Error("exhausted TryNext returned a batch")
			}
			break
		}
		sizes = append(sizes, b.Size())
		firsts = append(firsts, b.Image.Data.([]float32)[0])
		if want := []int{b.Size(), 2, 2}; !reflect.DeepEqual(b.Mask.Shape, want) {
			t.Errorf("mask shape = %v, expected %v", b.Mask.Shape, want)
		}
	}
	if !reflect.DeepEqual(sizes, []int{2, 2, 1}) {
		t.Errorf("batch sizes = %v, expected [2 2 1]", sizes)
	}
	if !reflect.DeepEqual(firsts, []float32{0, 2, 4}) {
		t.Errorf("batch order = %v, expected [0 2 4]", firsts)
	}
}

func TestDataLoaderUnlabeled(t *testing.T) {
	dl := loaderFor(t, constantDataset(t, 2, 1, 2, nil), 2)
	dl.Reset()
	b, ok, err := dl.TryNext()
	if err != nil || !ok {
		t.Fatalf("TryNext = %v, %v", ok, err)
	}
	if b.Mask != nil {
		t.Error("unlabeled batch carries a mask")
	}
}

func TestDataLoaderShuffle(t *testing.T) {
	ds := constantDataset(t, 8, 1, 1, nil)
	if _, err := NewDataLoader(ds, 2, true, nil); err == nil {
		t.Error("expected error shuffling without a random source")
	}
	if _, err := NewDataLoader(ds, 0, false, nil); err == nil {
		t.Error("expected error for zero batch size")
	}

	dl, _ := NewDataLoader(ds, 8, true, rand.New(rand.NewSource(1)))
	dl.Reset()
	b, _, _ := dl.TryNext()
	seen := map[float32]bool{}
	for _, v := range b.Image.Data.([]float32) {
		seen[v] = true
	}
	if len(seen) != 8 {
		t.Errorf("shuffled pass lost samples: %v", seen)
	}
}

func TestCyclicSource(t *testing.T) {
	src := &countingSource{inner: loaderFor(t, constantDataset(t, 3, 1, 1, []int32{0}), 1)}
	cyc := NewCyclicSource(src)
	cyc.Reset()

	var got []float32
	for i := 0; i < 10; i++ {
		b, err := cyc.Next()
		if err != nil {
			t.Fatalf("Next failed at %d: %v", i, err)
		}
		got = append(got, b.Image.Data.([]float32)[0])
	}
	want := []float32{0, 1, 2, 0, 1, 2, 0, 1, 2, 0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("cyclic order = %v, expected %v", got, want)
	}
	if cyc.Restarts() != 3 {
		t.Errorf("Restarts = %d, expected 3", cyc.Restarts())
	}
}

func TestCyclicSourceEmpty(t *testing.T) {
	cyc := NewCyclicSource(loaderFor(t, constantDataset(t, 0, 1, 1, nil), 1))
	if _, err := cyc.Next(); !errors.Is(err, ErrEmptySource) {
		t.Errorf("expected ErrEmptySource, got %v", err)
	}
}

func TestSubsetDataset(t *testing.T) {
	ds := constantDataset(t, 5, 1, 1, []int32{1})
	sub, err := NewSubsetDataset(ds, []int{4, 1})
	if err != nil {
		t.Fatalf("NewSubsetDataset failed: %v", err)
	}
	img, mask, err := sub.Get(0)
	if err != nil || img.Data.([]float32)[0] != 4 || mask == nil {
		t.Errorf("Get(0) = %v, %v, %v", img, mask, err)
	}
	if _, err := NewSubsetDataset(ds, []int{5}); err == nil {
		t.Error("expected error for out-of-range index")
	}

	unl, _ := NewUnlabeledSubset(ds, []int{0, 2})
	if _, mask, _ := unl.Get(1); mask != nil {
		t.Error("unlabeled subset returned a mask")
	}
	if !reflect.DeepEqual(unl.Indices(), []int{0, 2}) {
		t.Errorf("Indices = %v", unl.Indices())
	}
}
