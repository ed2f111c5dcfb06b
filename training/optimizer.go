package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-meanteacher/checkpoints"
	"github.com/tsawler/go-meanteacher/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate

	// State snapshots the per-parameter buffers for a checkpoint and
	// LoadState puts them back.
	State() (*checkpoints.OptimizerState, error)
	LoadState(state *checkpoints.OptimizerState) error
}

// stateBuffers is the checkpoint view of one kind of per-parameter buffer.
type stateBuffers struct {
	kind string
	bufs map[*tensor.Tensor][]float32
}

func saveState(kind string, params []*tensor.Tensor, hyper map[string]float64, buffers ...stateBuffers) *checkpoints.OptimizerState {
	st := &checkpoints.OptimizerState{Type: kind, Parameters: hyper}
	for i, p := range params {
		for _, b := range buffers {
			data, ok := b.bufs[p]
			if !ok {
				continue
			}
			st.StateData = append(st.StateData, checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("param_%d.%s", i, b.kind),
				Shape:     append([]int(nil), p.Shape...),
				Data:      append([]float32(nil), data...),
				StateType: b.kind,
			})
		}
	}
	return st
}

// loadState fills buffers from st. Buffers absent from st stay empty and
// are created lazily on the next step.
func loadState(kind string, st *checkpoints.OptimizerState, params []*tensor.Tensor, buffers ...stateBuffers) error {
	if st.Type != kind {
		return fmt.Errorf("%w: have %s, checkpoint has %q", ErrOptimizerType, kind, st.Type)
	}
	byKind := make(map[string]map[*tensor.Tensor][]float32, len(buffers))
	for _, b := range buffers {
		for p := range b.bufs {
			delete(b.bufs, p)
		}
		byKind[b.kind] = b.bufs
	}
	for _, t := range st.StateData {
		var idx int
		if _, err := fmt.Sscanf(t.Name, "param_%d.", &idx); err != nil || idx < 0 || idx >= len(params) {
			return fmt.Errorf("optimizer tensor %q does not name a parameter", t.Name)
		}
		bufs, ok := byKind[t.StateType]
		if !ok {
			return fmt.Errorf("optimizer tensor %q has unknown state type %q", t.Name, t.StateType)
		}
		p := params[idx]
		if len(t.Data) != p.NumElems {
			return fmt.Errorf("optimizer tensor %q has %d values, parameter %d has %d", t.Name, len(t.Data), idx, p.NumElems)
		}
		bufs[p] = append([]float32(nil), t.Data...)
	}
	return nil
}

// NewOptimizer builds "adam", "sgd" or "rmsprop" over the given parameters.
func NewOptimizer(name string, parameters []*tensor.Tensor, lr, weightDecay float64) (Optimizer, error) {
	switch name {
	case "adam", "Adam", "":
		return NewAdam(parameters, lr, 0.9, 0.999, 1e-8, weightDecay), nil
	case "sgd", "SGD":
		return NewSGD(parameters, lr, 0.9, weightDecay, 0, false), nil
	case "rmsprop", "RMSProp":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = lr
		cfg.WeightDecay = weightDecay
		return NewRMSProp(parameters, cfg), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q (want adam, sgd or rmsprop)", name)
	}
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   map[*tensor.Tensor]*tensor.Tensor
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr float64, momentum float64, weightDecay float64, dampening float64, nesterov bool) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make(map[*tensor.Tensor]*tensor.Tensor),
	}
}

// withWeightDecay returns grad + weightDecay * param.
func withWeightDecay(param, grad *tensor.Tensor, weightDecay float64) (*tensor.Tensor, error) {
	if weightDecay <= 0 {
		return grad, nil
	}
	term, err := tensor.Scale(param, weightDecay)
	if err != nil {
		return nil, fmt.Errorf("weight decay multiplication failed: %v", err)
	}
	out, err := tensor.Add(grad, term)
	if err != nil {
		return nil, fmt.Errorf("weight decay addition failed: %v", err)
	}
	return out, nil
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		grad, err := withWeightDecay(param, param.Grad(), sgd.weightDecay)
		if err != nil {
			return err
		}

		if sgd.momentum > 0 {
			velocity := sgd.velocities[param]
			if velocity == nil {
				// First step seeds the buffer with the raw gradient.
				if velocity, err = grad.Clone(); err != nil {
					return fmt.Errorf("velocity initialization failed: %v", err)
				}
				sgd.velocities[param] = velocity
			} else {
				// velocity = momentum * velocity + (1 - dampening) * grad
				momentumTerm, err := tensor.Scale(velocity, sgd.momentum)
				if err != nil {
					return fmt.Errorf("momentum term calculation failed: %v", err)
				}
				gradTerm, err := tensor.Scale(grad, 1.0-sgd.dampening)
				if err != nil {
					return fmt.Errorf("gradient term calculation failed: %v", err)
				}
				newVelocity, err := tensor.Add(momentumTerm, gradTerm)
				if err != nil {
					return fmt.Errorf("velocity update failed: %v", err)
				}
				if err := velocity.SetData(newVelocity.Data); err != nil {
					return fmt.Errorf("velocity data update failed: %v", err)
				}
			}

			if sgd.nesterov {
				nesterovTerm, err := tensor.Scale(velocity, sgd.momentum)
				if err != nil {
					return fmt.Errorf("nesterov term calculation failed: %v", err)
				}
				if grad, err = tensor.Add(grad, nesterovTerm); err != nil {
					return fmt.Errorf("nesterov update failed: %v", err)
				}
			} else {
				grad = velocity
			}
		}

		// param = param - lr * grad
		lrGrad, err := tensor.Scale(grad, sgd.learningRate)
		if err != nil {
			return fmt.Errorf("learning rate scaling failed: %v", err)
		}
		newData, err := tensor.Sub(param, lrGrad)
		if err != nil {
			return fmt.Errorf("parameter update failed: %v", err)
		}
		if err := param.SetData(newData.Data); err != nil {
			return fmt.Errorf("parameter data update failed: %v", err)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// State returns the momentum buffers.
func (sgd *SGD) State() (*checkpoints.OptimizerState, error) {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	velocities := make(map[*tensor.Tensor][]float32, len(sgd.velocities))
	for p, v := range sgd.velocities {
		data, err := v.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("velocity: %w", err)
		}
		velocities[p] = data
	}
	return saveState("SGD", sgd.parameters, map[string]float64{
		"lr":       sgd.learningRate,
		"momentum": sgd.momentum,
	}, stateBuffers{"velocity", velocities}), nil
}

// LoadState restores momentum buffers saved by State.
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	velocities := map[*tensor.Tensor][]float32{}
	if err := loadState("SGD", state, sgd.parameters, stateBuffers{"velocity", velocities}); err != nil {
		return err
	}
	sgd.velocities = make(map[*tensor.Tensor]*tensor.Tensor, len(velocities))
	for p, data := range velocities {
		v, err := tensor.NewTensor(p.Shape, tensor.Float32, data)
		if err != nil {
			return fmt.Errorf("velocity: %w", err)
		}
		sgd.velocities[p] = v
	}
	return nil
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor][]float32 // First moment estimates
	v           map[*tensor.Tensor][]float32 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float32),
		v:           make(map[*tensor.Tensor][]float32),
	}
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		grad, err := withWeightDecay(param, param.Grad(), adam.weightDecay)
		if err != nil {
			return err
		}

		m, v := adam.m[param], adam.v[param]
		if m == nil {
			m = make([]float32, param.NumElems)
			v = make([]float32, param.NumElems)
			adam.m[param], adam.v[param] = m, v
		}

		g := grad.Data.([]float32)
		p := param.Data.([]float32)
		for i := range p {
			gi := float64(g[i])
			mi := adam.beta1*float64(m[i]) + (1-adam.beta1)*gi
			vi := adam.beta2*float64(v[i]) + (1-adam.beta2)*gi*gi
			m[i], v[i] = float32(mi), float32(vi)

			mHat := mi / bias1
			vHat := vi / bias2
			p[i] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// State returns the moment estimates and the step count.
func (adam *Adam) State() (*checkpoints.OptimizerState, error) {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return saveState("Adam", adam.parameters, map[string]float64{
		"lr":    adam.lr,
		"beta1": adam.beta1,
		"beta2": adam.beta2,
		"step":  float64(adam.step),
	}, stateBuffers{"m", adam.m}, stateBuffers{"v", adam.v}), nil
}

// LoadState restores moment estimates and the step count saved by State.
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	if err := loadState("Adam", state, adam.parameters, stateBuffers{"m", adam.m}, stateBuffers{"v", adam.v}); err != nil {
		return err
	}
	adam.step = int64(state.Parameters["step"])
	return nil
}

// StepCount is the number of updates applied so far.
func (adam *Adam) StepCount() int64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}

// RMSPropConfig holds configuration for the RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64 // Smoothing constant
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64 // 0 disables the momentum buffer
	Centered     bool    // Subtract the running mean of gradients
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
	}
}

// RMSProp divides each gradient by a running root mean square of its
// recent magnitudes.
type RMSProp struct {
	parameters []*tensor.Tensor
	cfg        RMSPropConfig
	step       int64
	sqAvg      map[*tensor.Tensor][]float32
	gradAvg    map[*tensor.Tensor][]float32 // only when centered
	momentum   map[*tensor.Tensor][]float32 // only when momentum > 0
	mutex      sync.RWMutex
}

// NewRMSProp creates a new RMSProp optimizer
func NewRMSProp(parameters []*tensor.Tensor, cfg RMSPropConfig) *RMSProp {
	return &RMSProp{
		parameters: parameters,
		cfg:        cfg,
		sqAvg:      make(map[*tensor.Tensor][]float32),
		gradAvg:    make(map[*tensor.Tensor][]float32),
		momentum:   make(map[*tensor.Tensor][]float32),
	}
}

// Step performs a single optimization step
func (r *RMSProp) Step() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.step++
	alpha := r.cfg.Alpha

	for _, param := range r.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		grad, err := withWeightDecay(param, param.Grad(), r.cfg.WeightDecay)
		if err != nil {
			return err
		}

		sq := r.sqAvg[param]
		if sq == nil {
			sq = make([]float32, param.NumElems)
			r.sqAvg[param] = sq
			if r.cfg.Centered {
				r.gradAvg[param] = make([]float32, param.NumElems)
			}
			if r.cfg.Momentum > 0 {
				r.momentum[param] = make([]float32, param.NumElems)
			}
		}
		ga, buf := r.gradAvg[param], r.momentum[param]

		g := grad.Data.([]float32)
		p := param.Data.([]float32)
		for i := range p {
			gi := float64(g[i])
			si := alpha*float64(sq[i]) + (1-alpha)*gi*gi
			sq[i] = float32(si)

			denom := si
			if ga != nil {
				mi := alpha*float64(ga[i]) + (1-alpha)*gi
				ga[i] = float32(mi)
				denom -= mi * mi
			}
			update := gi / (math.Sqrt(math.Max(denom, 0)) + r.cfg.Epsilon)

			if buf != nil {
				bi := r.cfg.Momentum*float64(buf[i]) + update
				buf[i] = float32(bi)
				update = bi
			}
			p[i] -= float32(r.cfg.LearningRate * update)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (r *RMSProp) ZeroGrad() {
	tensor.ZeroGrad(r.parameters)
}

// GetLR returns the current learning rate
func (r *RMSProp) GetLR() float64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.cfg.LearningRate
}

// SetLR sets the learning rate
func (r *RMSProp) SetLR(lr float64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.cfg.LearningRate = lr
}

func (r *RMSProp) buffers() []stateBuffers {
	return []stateBuffers{
		{"square_avg", r.sqAvg},
		{"grad_avg", r.gradAvg},
		{"momentum_buffer", r.momentum},
	}
}

// State returns the running averages and momentum buffers.
func (r *RMSProp) State() (*checkpoints.OptimizerState, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return saveState("RMSProp", r.parameters, map[string]float64{
		"lr":       r.cfg.LearningRate,
		"alpha":    r.cfg.Alpha,
		"momentum": r.cfg.Momentum,
		"step":     float64(r.step),
	}, r.buffers()...), nil
}

// LoadState restores buffers saved by State. Parameters with a square
// average but no momentum or mean buffer get zeroed ones where the
// configuration needs them.
func (r *RMSProp) LoadState(state *checkpoints.OptimizerState) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := loadState("RMSProp", state, r.parameters, r.buffers()...); err != nil {
		return err
	}
	for p := range r.sqAvg {
		if r.cfg.Centered && r.gradAvg[p] == nil {
			r.gradAvg[p] = make([]float32, p.NumElems)
		}
		if r.cfg.Momentum > 0 && r.momentum[p] == nil {
			r.momentum[p] = make([]float32, p.NumElems)
		}
	}
	r.step = int64(state.Parameters["step"])
	return nil
}
