// Package optimizers implements the optimizer collaborators that apply
// accumulated gradients to model parameters, and the schedule controller that
// adjusts their learning rate during training. They all implement
// optimizers.Interface.
package optimizers

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/fgtrain/fgtrain/model"
)

// Interface implemented by optimizer implementations.
//
// Step consumes the gradients currently accumulated on the parameters; it does
// not zero them -- the engine does that after the accumulation boundary.
type Interface interface {
	Step(params []*model.Parameter)

	// LearningRate returns the current learning rate; SetLearningRate is the
	// mutation hook used by learning-rate schedules.
	LearningRate() float64
	SetLearningRate(lr float64)

	// TypeName tags the optimizer state in checkpoints, e.g. "adamw".
	TypeName() string

	// State and SetState round-trip the internal optimizer state for
	// checkpointing.
	State() State
	SetState(state State) error
}

// State is the serializable optimizer state stored in checkpoints.
type State struct {
	LearningRate float64 `json:"learning_rate"`
	Step         int     `json:"step"`

	// Moments holds per-parameter moment vectors, keyed by parameter name and
	// slot ("m", "v" for AdamW, "momentum" for SGD).
	Moments map[string]map[string][]float64 `json:"moments,omitempty"`
}

// KnownOptimizers maps optimizer names to default constructors, for
// configuration by name.
var KnownOptimizers = map[string]func(learningRate float64) Interface{
	"sgd":   func(lr float64) Interface { return StochasticGradientDescent().WithLearningRate(lr).Done() },
	"adamw": func(lr float64) Interface { return AdamW().WithLearningRate(lr).Done() },
}

// ByName constructs a registered optimizer, or returns an error naming the known
// choices.
func ByName(name string, learningRate float64) (Interface, error) {
	builder, found := KnownOptimizers[name]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, choose one of [sgd adamw]", name)
	}
	return builder(learningRate), nil
}

// ClipGradNorm scales all trainable gradients in place so their global L2 norm
// does not exceed maxNorm. A maxNorm <= 0 disables clipping. It returns the
// pre-clip global norm.
func ClipGradNorm(params []*model.Parameter, maxNorm float64) float64 {
	var sumSq float64
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		n := p.Grad.L2Norm()
		sumSq += n * n
	}
	totalNorm := math.Sqrt(sumSq)
	if maxNorm <= 0 || totalNorm <= maxNorm {
		return totalNorm
	}
	scale := maxNorm / (totalNorm + 1e-6)
	for _, p := range params {
		if p.Trainable {
			p.Grad.Scale(scale)
		}
	}
	return totalNorm
}

// ZeroGrads clears the gradients of all parameters.
func ZeroGrads(params []*model.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// SGDConfig configures a stochastic gradient descent optimizer. Call Done when
// finished.
type SGDConfig struct {
	learningRate float64
	momentum     float64
}

// StochasticGradientDescent returns a builder for an SGD optimizer.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: 0.01}
}

// WithLearningRate sets the initial learning rate. Defaults to 0.01.
func (c *SGDConfig) WithLearningRate(lr float64) *SGDConfig {
	c.learningRate = lr
	return c
}

// WithMomentum sets classical momentum. Defaults to 0 (plain SGD).
func (c *SGDConfig) WithMomentum(momentum float64) *SGDConfig {
	c.momentum = momentum
	return c
}

// Done builds the optimizer.
func (c *SGDConfig) Done() Interface {
	return &sgd{config: *c, lr: c.learningRate, velocity: make(map[string][]float64)}
}

type sgd struct {
	config   SGDConfig
	lr       float64
	step     int
	velocity map[string][]float64
}

func (o *sgd) TypeName() string           { return "sgd" }
func (o *sgd) LearningRate() float64      { return o.lr }
func (o *sgd) SetLearningRate(lr float64) { o.lr = lr }

func (o *sgd) Step(params []*model.Parameter) {
	o.step++
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		grad := p.Grad.Data()
		if o.config.momentum > 0 {
			v := o.velocity[p.Name]
			if v == nil {
				v = make([]float64, len(grad))
				o.velocity[p.Name] = v
			}
			floats.Scale(o.config.momentum, v)
			floats.Add(v, grad)
			grad = v
		}
		floats.AddScaled(p.Value.Data(), -o.lr, grad)
	}
}

func (o *sgd) State() State {
	s := State{LearningRate: o.lr, Step: o.step}
	if len(o.velocity) > 0 {
		s.Moments = map[string]map[string][]float64{}
		for name, v := range o.velocity {
			s.Moments[name] = map[string][]float64{"momentum": append([]float64{}, v...)}
		}
	}
	return s
}

func (o *sgd) SetState(s State) error {
	o.lr, o.step = s.LearningRate, s.Step
	o.velocity = make(map[string][]float64)
	for name, slots := range s.Moments {
		if v, found := slots["momentum"]; found {
			o.velocity[name] = append([]float64{}, v...)
		}
	}
	return nil
}

// AdamConfig configures an AdamW optimizer. Call Done when finished.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
}

// AdamW returns a builder for an Adam optimizer with decoupled weight decay.
func AdamW() *AdamConfig {
	return &AdamConfig{
		learningRate: 0.001,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		weightDecay:  0.01,
	}
}

// WithLearningRate sets the initial learning rate. Defaults to 0.001.
func (c *AdamConfig) WithLearningRate(lr float64) *AdamConfig {
	c.learningRate = lr
	return c
}

// WithWeightDecay sets the decoupled weight decay rate. Defaults to 0.01.
func (c *AdamConfig) WithWeightDecay(decay float64) *AdamConfig {
	c.weightDecay = decay
	return c
}

// WithBetas sets the exponential decay rates of the moment estimates.
func (c *AdamConfig) WithBetas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Done builds the optimizer.
func (c *AdamConfig) Done() Interface {
	return &adamW{
		config: *c,
		lr:     c.learningRate,
		m:      make(map[string][]float64),
		v:      make(map[string][]float64),
	}
}

type adamW struct {
	config AdamConfig
	lr     float64
	step   int
	m, v   map[string][]float64
}

func (o *adamW) TypeName() string           { return "adamw" }
func (o *adamW) LearningRate() float64      { return o.lr }
func (o *adamW) SetLearningRate(lr float64) { o.lr = lr }

func (o *adamW) Step(params []*model.Parameter) {
	o.step++
	bias1 := 1 - math.Pow(o.config.beta1, float64(o.step))
	bias2 := 1 - math.Pow(o.config.beta2, float64(o.step))
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		grad := p.Grad.Data()
		value := p.Value.Data()
		m, v := o.m[p.Name], o.v[p.Name]
		if m == nil {
			m = make([]float64, len(grad))
			v = make([]float64, len(grad))
			o.m[p.Name], o.v[p.Name] = m, v
		}
		for i, g := range grad {
			m[i] = o.config.beta1*m[i] + (1-o.config.beta1)*g
			v[i] = o.config.beta2*v[i] + (1-o.config.beta2)*g*g
			mHat := m[i] / bias1
			vHat := v[i] / bias2
			value[i] -= o.lr * (mHat/(math.Sqrt(vHat)+o.config.epsilon) + o.config.weightDecay*value[i])
		}
	}
}

func (o *adamW) State() State {
	s := State{LearningRate: o.lr, Step: o.step, Moments: map[string]map[string][]float64{}}
	for name, m := range o.m {
		s.Moments[name] = map[string][]float64{
			"m": append([]float64{}, m...),
			"v": append([]float64{}, o.v[name]...),
		}
	}
	return s
}

func (o *adamW) SetState(s State) error {
	o.lr, o.step = s.LearningRate, s.Step
	o.m, o.v = make(map[string][]float64), make(map[string][]float64)
	for name, slots := range s.Moments {
		m, foundM := slots["m"]
		v, foundV := slots["v"]
		if !foundM || !foundV {
			return errors.Errorf("adamw state for parameter %q is missing moment slots", name)
		}
		o.m[name] = append([]float64{}, m...)
		o.v[name] = append([]float64{}, v...)
	}
	return nil
}
