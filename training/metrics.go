package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-meanteacher/tensor"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/stat"
)

// DiceCoefficient returns the soft Dice score per class between the softmax
// of logits (N, C, H, W) and a class mask (N, H, W):
// (2 * sum p*g + s) / (sum p + sum g + s). A class absent from both scores 1.
func DiceCoefficient(logits, mask *tensor.Tensor, numClasses int) ([]float64, error) {
	n, c, h, w, err := checkSegmentationInputs(logits, mask, numClasses)
	if err != nil {
		return nil, err
	}
	probsT, err := tensor.SoftmaxChannels(logits)
	if err != nil {
		return nil, err
	}

	probs := probsT.Data.([]float32)
	labels := mask.Data.([]int32)
	plane := h * w
	inter := make([]float64, c)
	sum := make([]float64, c)
	for b := 0; b < n; b++ {
		for p := 0; p < plane; p++ {
			target := int(labels[b*plane+p])
			for k := 0; k < c; k++ {
				prob := float64(probs[b*c*plane+k*plane+p])
				sum[k] += prob
				if k == target {
					inter[k] += prob
					sum[k]++
				}
			}
		}
	}

	dice := make([]float64, c)
	for k := range dice {
		dice[k] = (2*inter[k] + DiceSmooth) / (sum[k] + DiceSmooth)
	}
	return dice, nil
}

// DiceAccumulator collects one row of per-class Dice scores per iteration.
type DiceAccumulator struct {
	numClasses int
	rows       [][]float64
}

// NewDiceAccumulator creates an empty accumulator.
func NewDiceAccumulator(numClasses int) *DiceAccumulator {
	return &DiceAccumulator{numClasses: numClasses}
}

// Add appends one iteration's scores.
func (a *DiceAccumulator) Add(scores []float64) error {
	if len(scores) != a.numClasses {
		return fmt.Errorf("dice row has %d entries, expected %d", len(scores), a.numClasses)
	}
	row := make([]float64, len(scores))
	copy(row, scores)
	a.rows = append(a.rows, row)
	return nil
}

// Len is the number of rows added so far.
func (a *DiceAccumulator) Len() int { return len(a.rows) }

// Mean reduces the buffer to per-class means rounded to 4 decimal digits and
// the mean of those rounded values. An empty buffer yields zeros.
func (a *DiceAccumulator) Mean() (classDice []float64, mean float64) {
	classDice = make([]float64, a.numClasses)
	if len(a.rows) == 0 {
		return classDice, 0
	}
	column := make([]float64, len(a.rows))
	for k := 0; k < a.numClasses; k++ {
		for i, row := range a.rows {
			column[i] = row[k]
		}
		classDice[k] = RoundTo(stat.Mean(column, nil), 4)
	}
	return classDice, stat.Mean(classDice, nil)
}

// RoundTo rounds v to the given number of decimal digits.
func RoundTo(v float64, digits int) float64 {
	return scalar.Round(v, digits)
}

// ConfusionMatrix counts hard (argmax) pixel predictions against targets.
type ConfusionMatrix struct {
	NumClasses  int
	Matrix      [][]int64 // [true_class][predicted_class]
	TotalPixels int64
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int64, numClasses)
	for i := range matrix {
		matrix[i] = make([]int64, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalPixels = 0
}

// Update adds the argmax predictions of logits (N, C, H, W) against mask.
func (cm *ConfusionMatrix) Update(logits, mask *tensor.Tensor) error {
	n, c, h, w, err := checkSegmentationInputs(logits, mask, cm.NumClasses)
	if err != nil {
		return err
	}

	data := logits.Data.([]float32)
	labels := mask.Data.([]int32)
	plane := h * w
	for b := 0; b < n; b++ {
		for p := 0; p < plane; p++ {
			best := 0
			bestVal := data[b*c*plane+p]
			for k := 1; k < c; k++ {
				if v := data[b*c*plane+k*plane+p]; v > bestVal {
					best, bestVal = k, v
				}
			}
			cm.Matrix[labels[b*plane+p]][best]++
			cm.TotalPixels++
		}
	}
	return nil
}

// PixelAccuracy is the fraction of pixels whose argmax matches the target.
func (cm *ConfusionMatrix) PixelAccuracy() float64 {
	if cm.TotalPixels == 0 {
		return 0.0
	}
	var correct int64
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalPixels)
}

// IoU returns the hard intersection-over-union per class. Classes absent
// from both targets and predictions report NaN.
func (cm *ConfusionMatrix) IoU() []float64 {
	iou := make([]float64, cm.NumClasses)
	for k := 0; k < cm.NumClasses; k++ {
		tp := cm.Matrix[k][k]
		var fn, fp int64
		for j := 0; j < cm.NumClasses; j++ {
			if j == k {
				continue
			}
			fn += cm.Matrix[k][j]
			fp += cm.Matrix[j][k]
		}
		den := tp + fn + fp
		if den == 0 {
			iou[k] = math.NaN()
			continue
		}
		iou[k] = float64(tp) / float64(den)
	}
	return iou
}
