package optimizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgtrain/fgtrain/model"
	"github.com/fgtrain/fgtrain/tensors"
)

func newParam(name string, value, grad []float64) *model.Parameter {
	return &model.Parameter{
		Name:      name,
		Value:     tensors.FromFlat(value, len(value)),
		Grad:      tensors.FromFlat(grad, len(grad)),
		Trainable: true,
	}
}

func TestByName(t *testing.T) {
	opt, err := ByName("sgd", 0.1)
	require.NoError(t, err)
	assert.Equal(t, "sgd", opt.TypeName())
	assert.Equal(t, 0.1, opt.LearningRate())

	opt, err = ByName("adamw", 0.01)
	require.NoError(t, err)
	assert.Equal(t, "adamw", opt.TypeName())

	_, err = ByName("bogus", 0.1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sgd adamw")
}

func TestSGDStep(t *testing.T) {
	opt := StochasticGradientDescent().WithLearningRate(0.1).Done()
	p := newParam("w", []float64{1, 2}, []float64{0.5, -1})
	opt.Step([]*model.Parameter{p})
	assert.InDelta(t, 0.95, p.Value.Data()[0], 1e-12)
	assert.InDelta(t, 2.1, p.Value.Data()[1], 1e-12)
}

func TestSGDMomentumAccumulates(t *testing.T) {
	opt := StochasticGradientDescent().WithLearningRate(1).WithMomentum(0.9).Done()
	p := newParam("w", []float64{0}, []float64{1})
	opt.Step([]*model.Parameter{p})
	assert.InDelta(t, -1, p.Value.Data()[0], 1e-12)
	// Velocity carries: second step moves by 0.9*1 + 1 = 1.9.
	opt.Step([]*model.Parameter{p})
	assert.InDelta(t, -2.9, p.Value.Data()[0], 1e-12)
}

func TestSGDSkipsFrozen(t *testing.T) {
	opt := StochasticGradientDescent().WithLearningRate(1).Done()
	p := newParam("w", []float64{1}, []float64{1})
	p.Trainable = false
	opt.Step([]*model.Parameter{p})
	assert.Equal(t, 1.0, p.Value.Data()[0])
}

func TestAdamWStepDirection(t *testing.T) {
	opt := AdamW().WithLearningRate(0.1).WithWeightDecay(0).Done()
	p := newParam("w", []float64{1}, []float64{2})
	opt.Step([]*model.Parameter{p})
	// First Adam step with bias correction moves by ~lr in the gradient direction.
	assert.InDelta(t, 0.9, p.Value.Data()[0], 1e-6)
}

func TestAdamWWeightDecayIsDecoupled(t *testing.T) {
	opt := AdamW().WithLearningRate(0.1).WithWeightDecay(0.5).Done()
	p := newParam("w", []float64{1}, []float64{0})
	opt.Step([]*model.Parameter{p})
	// Zero gradient: only the decoupled decay term lr*decay*w applies.
	assert.InDelta(t, 1-0.1*0.5*1, p.Value.Data()[0], 1e-12)
}

func TestAdamWStateRoundTrip(t *testing.T) {
	opt := AdamW().WithLearningRate(0.05).Done()
	p := newParam("w", []float64{1, -1}, []float64{0.3, 0.7})
	opt.Step([]*model.Parameter{p})
	opt.Step([]*model.Parameter{p})
	state := opt.State()
	assert.Equal(t, 2, state.Step)

	restored := AdamW().Done()
	require.NoError(t, restored.SetState(state))
	assert.Equal(t, opt.State(), restored.State())
}

func TestAdamWSetStateMissingSlots(t *testing.T) {
	opt := AdamW().Done()
	err := opt.SetState(State{
		Moments: map[string]map[string][]float64{"w": {"m": {1}}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "moment slots")
}

func TestSGDStateRoundTrip(t *testing.T) {
	opt := StochasticGradientDescent().WithLearningRate(0.2).WithMomentum(0.9).Done()
	p := newParam("w", []float64{0}, []float64{1})
	opt.Step([]*model.Parameter{p})
	state := opt.State()

	restored := StochasticGradientDescent().WithMomentum(0.9).Done()
	require.NoError(t, restored.SetState(state))
	assert.Equal(t, 0.2, restored.LearningRate())
	assert.Equal(t, state, restored.State())
}

func TestClipGradNorm(t *testing.T) {
	p := newParam("w", []float64{0, 0}, []float64{3, 4})
	norm := ClipGradNorm([]*model.Parameter{p}, 1)
	assert.InDelta(t, 5, norm, 1e-12)
	assert.InDelta(t, 1, p.Grad.L2Norm(), 1e-5)
}

func TestClipGradNormBelowMax(t *testing.T) {
	p := newParam("w", []float64{0, 0}, []float64{0.3, 0.4})
	norm := ClipGradNorm([]*model.Parameter{p}, 1)
	assert.InDelta(t, 0.5, norm, 1e-12)
	assert.Equal(t, []float64{0.3, 0.4}, p.Grad.Data(), "gradients under the cap are untouched")
}

func TestClipGradNormDisabled(t *testing.T) {
	p := newParam("w", []float64{0, 0}, []float64{30, 40})
	ClipGradNorm([]*model.Parameter{p}, 0)
	assert.Equal(t, []float64{30, 40}, p.Grad.Data())
}

func TestZeroGrads(t *testing.T) {
	p := newParam("w", []float64{1}, []float64{5})
	ZeroGrads([]*model.Parameter{p})
	assert.Equal(t, []float64{0}, p.Grad.Data())
}
