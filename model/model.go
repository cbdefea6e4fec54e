// Package model defines the capability interfaces the training engine requires
// from a trainable classifier, and the FGM adversarial perturbation that operates
// on any model exposing named trainable parameters.
package model

import (
	"github.com/fgtrain/fgtrain/tensors"
)

// Parameter is one named trainable (or frozen) tensor of a model.
// Value and Grad are mutated in place: Value by the optimizer step and by FGM
// attack/restore, Grad by the model's backward pass.
type Parameter struct {
	// Name uniquely identifies the parameter, e.g. "embedding.weight".
	Name string

	// Value holds the current weights.
	Value *tensors.Tensor

	// Grad accumulates gradients across backward passes until explicitly zeroed.
	Grad *tensors.Tensor

	// Trainable marks whether the optimizer (and FGM) may touch this parameter.
	Trainable bool
}

// ZeroGrad clears the accumulated gradient in place.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// Model is the collaborator the engine drives forward/backward passes through.
//
// Forward consumes named input tensors and returns logits shaped [batch, classes].
// Backward takes dLoss/dLogits for the last Forward call and accumulates parameter
// gradients; it must add to Parameter.Grad, never overwrite, so that gradient
// accumulation and the adversarial second pass compose.
type Model interface {
	Forward(inputs map[string]*tensors.Tensor) *tensors.Tensor
	Backward(gradLogits *tensors.Tensor)

	// Parameters enumerates all named parameters with their trainable flags.
	Parameters() []*Parameter

	// TypeName tags the architecture in checkpoints, e.g. "linear".
	TypeName() string

	// To moves all parameters to the device; Device reports where they live.
	// To must fully complete the transfer before returning.
	To(device tensors.Device)
	Device() tensors.Device
}

// Adversarial is the optional capability needed for embedding-perturbation
// training: the model names which parameter-name substrings are sensible
// attack targets (typically its embedding layers).
type Adversarial interface {
	Model
	PerturbableParameterNames() []string
}

// ForEachTrainableParameter calls visit for every trainable parameter of m.
func ForEachTrainableParameter(m Model, visit func(p *Parameter)) {
	for _, p := range m.Parameters() {
		if p.Trainable {
			visit(p)
		}
	}
}
