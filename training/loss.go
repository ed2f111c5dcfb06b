package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-meanteacher/tensor"
)

// DiceSmooth is added to the numerator and denominator of every Dice ratio
// so a class missing from both prediction and target scores a perfect match
// instead of 0/0.
const DiceSmooth = 1e-5

// SegmentationLoss is a supervised loss over raw logits (N, C, H, W) and an
// integer class mask (N, H, W).
type SegmentationLoss interface {
	Forward(logits, mask *tensor.Tensor) (float64, error)
	// Backward returns dLoss/dLogits with the shape of logits.
	Backward(logits, mask *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// LossKind selects the supervised loss.
type LossKind string

const (
	LossDice         LossKind = "dice"
	LossCrossEntropy LossKind = "cross_entropy"
)

// ParseLossKind accepts the configuration spelling of a loss.
func ParseLossKind(s string) (LossKind, error) {
	switch LossKind(s) {
	case LossDice, LossCrossEntropy:
		return LossKind(s), nil
	default:
		return "", fmt.Errorf("unknown loss function %q (want %q or %q)", s, LossDice, LossCrossEntropy)
	}
}

// NewSegmentationLoss builds the supervised loss selected by kind. weights
// may be nil for an unweighted loss.
func NewSegmentationLoss(kind LossKind, numClasses int, weights ClassWeights) (SegmentationLoss, error) {
	switch kind {
	case LossDice:
		return NewDiceLoss(numClasses, weights)
	case LossCrossEntropy:
		return NewWeightedCrossEntropyLoss(numClasses, weights)
	default:
		return nil, fmt.Errorf("unknown loss function %q", kind)
	}
}

// checkSegmentationInputs validates logits against the mask and returns the
// NCHW dimensions.
func checkSegmentationInputs(logits, mask *tensor.Tensor, numClasses int) (n, c, h, w int, err error) {
	n, c, h, w, err = logits.Dims4()
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("logits: %w", err)
	}
	if logits.DType != tensor.Float32 || mask.DType != tensor.Int32 {
		return 0, 0, 0, 0, fmt.Errorf("logits must be Float32 and mask must be Int32")
	}
	if c != numClasses {
		return 0, 0, 0, 0, fmt.Errorf("logits have %d channels, expected %d classes: %w", c, numClasses, ErrShapeMismatch)
	}
	if !tensor.SameShape(mask.Shape, []int{n, h, w}) {
		return 0, 0, 0, 0, fmt.Errorf("mask shape %v does not match logits %v: %w", mask.Shape, logits.Shape, ErrShapeMismatch)
	}
	for i, label := range mask.Data.([]int32) {
		if label < 0 || int(label) >= numClasses {
			return 0, 0, 0, 0, fmt.Errorf("mask value %d at index %d out of range [0, %d)", label, i, numClasses)
		}
	}
	return n, c, h, w, nil
}

// softmaxBackward chains dL/dp through a channel softmax:
// dL/dz_k = p_k * (dL/dp_k - sum_j p_j dL/dp_j).
func softmaxBackward(probs []float32, gradProbs []float64, n, c, plane int) []float32 {
	out := make([]float32, len(probs))
	for b := 0; b < n; b++ {
		base := b * c * plane
		for p := 0; p < plane; p++ {
			var dot float64
			for k := 0; k < c; k++ {
				idx := base + k*plane + p
				dot += float64(probs[idx]) * gradProbs[idx]
			}
			for k := 0; k < c; k++ {
				idx := base + k*plane + p
				out[idx] = float32(float64(probs[idx]) * (gradProbs[idx] - dot))
			}
		}
	}
	return out
}

// DiceLoss implements the class-weighted multi-class soft Dice loss.
//
// With weights: mean over classes of w_c * (1 - (2*I_c + s) / (P_c + G_c + s))
// where I_c is the soft intersection, P_c the predicted mass and G_c the
// target pixel count of class c. Without weights a single Dice ratio is taken
// over all classes at once.
type DiceLoss struct {
	numClasses int
	weights    ClassWeights // normalized, nil when unweighted
}

// NewDiceLoss creates a Dice loss. weights are normalized to sum to one.
func NewDiceLoss(numClasses int, weights ClassWeights) (*DiceLoss, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("dice loss needs at least 2 classes, got %d", numClasses)
	}
	normalized, err := prepareWeights(weights, numClasses)
	if err != nil {
		return nil, err
	}
	return &DiceLoss{numClasses: numClasses, weights: normalized}, nil
}

func (d *DiceLoss) Name() string { return string(LossDice) }

type diceStats struct {
	probs        []float32
	intersection []float64
	sum          []float64 // P_c + G_c
	n, c, plane  int
}

func (d *DiceLoss) stats(logits, mask *tensor.Tensor) (*diceStats, error) {
	n, c, h, w, err := checkSegmentationInputs(logits, mask, d.numClasses)
	if err != nil {
		return nil, err
	}
	probsT, err := tensor.SoftmaxChannels(logits)
	if err != nil {
		return nil, fmt.Errorf("softmax computation failed: %v", err)
	}

	st := &diceStats{
		probs:        probsT.Data.([]float32),
		intersection: make([]float64, c),
		sum:          make([]float64, c),
		n:            n,
		c:            c,
		plane:        h * w,
	}
	labels := mask.Data.([]int32)
	for b := 0; b < n; b++ {
		for p := 0; p < st.plane; p++ {
			target := int(labels[b*st.plane+p])
			for k := 0; k < c; k++ {
				prob := float64(st.probs[b*c*st.plane+k*st.plane+p])
				st.sum[k] += prob
				if k == target {
					st.intersection[k] += prob
					st.sum[k]++
				}
			}
		}
	}
	return st, nil
}

// Forward computes the loss value.
func (d *DiceLoss) Forward(logits, mask *tensor.Tensor) (float64, error) {
	st, err := d.stats(logits, mask)
	if err != nil {
		return 0, err
	}

	if d.weights == nil {
		inter, total := 0.0, 0.0
		for k := 0; k < st.c; k++ {
			inter += st.intersection[k]
			total += st.sum[k]
		}
		return 1 - (2*inter+DiceSmooth)/(total+DiceSmooth), nil
	}

	var loss float64
	for k := 0; k < st.c; k++ {
		loss += d.weights[k] * (1 - (2*st.intersection[k]+DiceSmooth)/(st.sum[k]+DiceSmooth))
	}
	return loss / float64(st.c), nil
}

// Backward computes dLoss/dLogits.
func (d *DiceLoss) Backward(logits, mask *tensor.Tensor) (*tensor.Tensor, error) {
	st, err := d.stats(logits, mask)
	if err != nil {
		return nil, err
	}

	// d/dp of -(2I+s)/(S+s) is -(2g(S+s) - (2I+s)) / (S+s)^2 with g the
	// one-hot target at that pixel.
	coef := make([]float64, st.c)   // multiplies g
	offset := make([]float64, st.c) // constant term
	if d.weights == nil {
		inter, total := 0.0, 0.0
		for k := 0; k < st.c; k++ {
			inter += st.intersection[k]
			total += st.sum[k]
		}
		den := total + DiceSmooth
		for k := 0; k < st.c; k++ {
			coef[k] = -2 / den
			offset[k] = (2*inter + DiceSmooth) / (den * den)
		}
	} else {
		for k := 0; k < st.c; k++ {
			den := st.sum[k] + DiceSmooth
			scale := d.weights[k] / float64(st.c)
			coef[k] = -2 * scale / den
			offset[k] = scale * (2*st.intersection[k] + DiceSmooth) / (den * den)
		}
	}

	labels := mask.Data.([]int32)
	gradProbs := make([]float64, len(st.probs))
	for b := 0; b < st.n; b++ {
		for p := 0; p < st.plane; p++ {
			target := int(labels[b*st.plane+p])
			for k := 0; k < st.c; k++ {
				g := offset[k]
				if k == target {
					g += coef[k]
				}
				gradProbs[b*st.c*st.plane+k*st.plane+p] = g
			}
		}
	}

	grad := softmaxBackward(st.probs, gradProbs, st.n, st.c, st.plane)
	return tensor.NewTensor(logits.Shape, tensor.Float32, grad)
}

// WeightedCrossEntropyLoss is per-pixel cross entropy where each pixel is
// weighted by the weight of its target class, reduced as
// sum_i w[y_i] * -log p_i[y_i] / sum_i w[y_i].
type WeightedCrossEntropyLoss struct {
	numClasses int
	weights    ClassWeights
}

// NewWeightedCrossEntropyLoss creates the loss; nil weights weight every
// class equally.
func NewWeightedCrossEntropyLoss(numClasses int, weights ClassWeights) (*WeightedCrossEntropyLoss, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("cross entropy needs at least 2 classes, got %d", numClasses)
	}
	normalized, err := prepareWeights(weights, numClasses)
	if err != nil {
		return nil, err
	}
	if normalized == nil {
		normalized = UniformWeights(numClasses)
	}
	return &WeightedCrossEntropyLoss{numClasses: numClasses, weights: normalized}, nil
}

func (ce *WeightedCrossEntropyLoss) Name() string { return string(LossCrossEntropy) }

// Forward computes the loss value.
func (ce *WeightedCrossEntropyLoss) Forward(logits, mask *tensor.Tensor) (float64, error) {
	n, c, h, w, err := checkSegmentationInputs(logits, mask, ce.numClasses)
	if err != nil {
		return 0, err
	}
	logProbs, err := tensor.LogSoftmaxChannels(logits)
	if err != nil {
		return 0, fmt.Errorf("log-softmax computation failed: %v", err)
	}

	lp := logProbs.Data.([]float32)
	labels := mask.Data.([]int32)
	plane := h * w
	var total, norm float64
	for b := 0; b < n; b++ {
		for p := 0; p < plane; p++ {
			target := int(labels[b*plane+p])
			wt := ce.weights[target]
			total -= wt * float64(lp[b*c*plane+target*plane+p])
			norm += wt
		}
	}
	if norm == 0 {
		return 0, nil
	}
	return total / norm, nil
}

// Backward computes dLoss/dLogits.
func (ce *WeightedCrossEntropyLoss) Backward(logits, mask *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, h, w, err := checkSegmentationInputs(logits, mask, ce.numClasses)
	if err != nil {
		return nil, err
	}
	probsT, err := tensor.SoftmaxChannels(logits)
	if err != nil {
		return nil, fmt.Errorf("softmax computation failed: %v", err)
	}

	probs := probsT.Data.([]float32)
	labels := mask.Data.([]int32)
	plane := h * w

	var norm float64
	for _, label := range labels {
		norm += ce.weights[label]
	}

	grad := make([]float32, len(probs))
	if norm == 0 {
		return tensor.NewTensor(logits.Shape, tensor.Float32, grad)
	}
	for b := 0; b < n; b++ {
		for p := 0; p < plane; p++ {
			target := int(labels[b*plane+p])
			scale := ce.weights[target] / norm
			for k := 0; k < c; k++ {
				idx := b*c*plane + k*plane + p
				g := float64(probs[idx])
				if k == target {
					g -= 1
				}
				grad[idx] = float32(scale * g)
			}
		}
	}
	return tensor.NewTensor(logits.Shape, tensor.Float32, grad)
}

// ConsistencyLoss compares teacher logits with the aligned student logits.
type ConsistencyLoss func(teacher, student *tensor.Tensor) (float64, error)

// NewConsistencyLoss selects "mse" (default) or "kl".
func NewConsistencyLoss(kind string) (ConsistencyLoss, error) {
	switch kind {
	case "", "mse":
		return SoftmaxMSE, nil
	case "kl":
		return SoftmaxKL, nil
	default:
		return nil, fmt.Errorf("unknown consistency type %q (want \"mse\" or \"kl\")", kind)
	}
}

// SoftmaxMSE is the mean over all elements of (softmax(a) - softmax(b))^2,
// with softmax over the channel dimension.
func SoftmaxMSE(a, b *tensor.Tensor) (float64, error) {
	if !tensor.SameShape(a.Shape, b.Shape) {
		return 0, fmt.Errorf("consistency inputs %v and %v: %w", a.Shape, b.Shape, ErrShapeMismatch)
	}
	pa, err := tensor.SoftmaxChannels(a)
	if err != nil {
		return 0, err
	}
	pb, err := tensor.SoftmaxChannels(b)
	if err != nil {
		return 0, err
	}

	da := pa.Data.([]float32)
	db := pb.Data.([]float32)
	var sum float64
	for i := range da {
		diff := float64(da[i] - db[i])
		sum += diff * diff
	}
	return sum / float64(len(da)), nil
}

// SoftmaxKL is KL(softmax(target) || softmax(input)) summed over every
// element, with no averaging over pixels or batch.
func SoftmaxKL(input, target *tensor.Tensor) (float64, error) {
	if !tensor.SameShape(input.Shape, target.Shape) {
		return 0, fmt.Errorf("consistency inputs %v and %v: %w", input.Shape, target.Shape, ErrShapeMismatch)
	}
	logIn, err := tensor.LogSoftmaxChannels(input)
	if err != nil {
		return 0, err
	}
	logTgt, err := tensor.LogSoftmaxChannels(target)
	if err != nil {
		return 0, err
	}

	li := logIn.Data.([]float32)
	lt := logTgt.Data.([]float32)
	var sum float64
	for i := range li {
		pt := math.Exp(float64(lt[i]))
		sum += pt * (float64(lt[i]) - float64(li[i]))
	}
	return sum, nil
}
