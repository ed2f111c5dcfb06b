package training

import (
	"fmt"
	"math"
)

// MinLearningRate is the floor applied by the experiment runner to every
// scheduled learning rate.
const MinLearningRate = 1e-5

// LRScheduler maps an epoch to a learning rate. Implementations are pure.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// NewLRScheduler builds a scheduler by name: "step", "exponential",
// "cosine" or "constant". The result is clipped at minLR.
func NewLRScheduler(name string, stepSize int, gamma float64, epochs int, minLR float64) (LRScheduler, error) {
	var s LRScheduler
	switch name {
	case "step", "":
		s = NewStepLRScheduler(stepSize, gamma)
	case "exponential":
		s = NewExponentialLRScheduler(gamma)
	case "cosine":
		s = NewCosineAnnealingLRScheduler(epochs, minLR)
	case "constant":
		s = &NoOpScheduler{}
	default:
		return nil, fmt.Errorf("unknown lr scheduler %q", name)
	}
	return &ClippedLRScheduler{Inner: s, Min: minLR}, nil
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 50
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.7
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// ClippedLRScheduler never returns less than Min.
type ClippedLRScheduler struct {
	Inner LRScheduler
	Min   float64
}

func (s *ClippedLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return math.Max(s.Inner.GetLR(epoch, step, baseLR), s.Min)
}

func (s *ClippedLRScheduler) GetName() string {
	return s.Inner.GetName()
}
