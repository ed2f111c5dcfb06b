package training

import (
	"fmt"

	"github.com/tsawler/go-meanteacher/tensor"
)

// ModelInferencer runs a trained model (and, for the fine stage, its frozen
// coarse model) forward only and turns logits into class masks.
type ModelInferencer struct {
	model      Model
	coarse     Model
	numClasses int
}

// NewModelInferencer switches model and coarse (which may be nil) to
// inference mode.
func NewModelInferencer(model, coarse Model, numClasses int) (*ModelInferencer, error) {
	if model == nil {
		return nil, fmt.Errorf("inferencer requires a model")
	}
	if numClasses < 2 {
		return nil, fmt.Errorf("n_classes must be at least 2, got %d", numClasses)
	}
	model.Eval()
	if coarse != nil {
		coarse.Eval()
	}
	return &ModelInferencer{model: model, coarse: coarse, numClasses: numClasses}, nil
}

// Logits returns the raw (N, C, H, W) model output for an image batch.
func (mi *ModelInferencer) Logits(image *tensor.Tensor) (*tensor.Tensor, error) {
	input, err := withCoarse(mi.coarse, image)
	if err != nil {
		return nil, err
	}
	logits, err := forwardNoGrad(mi.model, input)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	if _, c, _, _, err := logits.Dims4(); err != nil || c != mi.numClasses {
		return nil, fmt.Errorf("model output %v does not have %d class channels: %w", logits.Shape, mi.numClasses, ErrShapeMismatch)
	}
	return logits, nil
}

// Predict returns the per-pixel argmax class as an Int32 (N, H, W) mask.
func (mi *ModelInferencer) Predict(image *tensor.Tensor) (*tensor.Tensor, error) {
	logits, err := mi.Logits(image)
	if err != nil {
		return nil, err
	}
	n, c, h, w, _ := logits.Dims4()
	plane := h * w
	data := logits.Data.([]float32)
	out := make([]int32, n*plane)
	for b := 0; b < n; b++ {
		for p := 0; p < plane; p++ {
			best := 0
			bestVal := data[b*c*plane+p]
			for k := 1; k < c; k++ {
				if v := data[(b*c+k)*plane+p]; v > bestVal {
					best, bestVal = k, v
				}
			}
			out[b*plane+p] = int32(best)
		}
	}
	return tensor.NewTensor([]int{n, h, w}, tensor.Int32, out)
}

// Evaluate runs one pass over a labeled source and returns the hard
// confusion matrix and the per-class soft Dice means.
func (mi *ModelInferencer) Evaluate(source BatchSource) (*ConfusionMatrix, []float64, error) {
	source.Reset()
	cm := NewConfusionMatrix(mi.numClasses)
	acc := NewDiceAccumulator(mi.numClasses)
	for {
		batch, ok, err := source.TryNext()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		if batch.Mask == nil {
			return nil, nil, fmt.Errorf("evaluation batch %d has no mask", acc.Len())
		}
		logits, err := mi.Logits(batch.Image)
		if err != nil {
			return nil, nil, err
		}
		if err := cm.Update(logits, batch.Mask); err != nil {
			return nil, nil, err
		}
		dice, err := DiceCoefficient(logits, batch.Mask, mi.numClasses)
		if err != nil {
			return nil, nil, err
		}
		if err := acc.Add(dice); err != nil {
			return nil, nil, err
		}
	}
	if acc.Len() == 0 {
		return nil, nil, fmt.Errorf("evaluation source: %w", ErrEmptySource)
	}
	classDice, _ := acc.Mean()
	return cm, classDice, nil
}
