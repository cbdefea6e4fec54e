// Package amp implements the mixed-precision numeric-stability collaborator: a
// gradient scaler that multiplies the loss gradient before the backward pass so
// small gradients survive reduced-precision arithmetic, then unscales and
// validates gradients before the optimizer step.
package amp

import (
	"math"

	"github.com/x448/float16"

	"github.com/fgtrain/fgtrain/model"
)

const (
	defaultScale          = 65536.0
	defaultGrowthFactor   = 2.0
	defaultBackoffFactor  = 0.5
	defaultGrowthInterval = 2000
)

// GradScaler scales the loss gradient by a running factor. After unscaling, a
// gradient that is NaN, infinite, or overflows half-precision marks the boundary
// as skipped: the optimizer step must not run, and the scale backs off. After
// enough consecutive good boundaries the scale grows again.
//
// A disabled scaler is a no-op with scale 1, so the engine can use it
// unconditionally.
type GradScaler struct {
	enabled        bool
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	goodSteps      int
}

// NewGradScaler creates a scaler. When enabled is false all operations are
// no-ops.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		enabled:        enabled,
		scale:          defaultScale,
		growthFactor:   defaultGrowthFactor,
		backoffFactor:  defaultBackoffFactor,
		growthInterval: defaultGrowthInterval,
	}
}

// Enabled reports whether mixed-precision scaling is active.
func (s *GradScaler) Enabled() bool { return s.enabled }

// Scale returns the current loss-scaling factor (1 when disabled).
func (s *GradScaler) Scale() float64 {
	if !s.enabled {
		return 1
	}
	return s.scale
}

// Unscale divides all trainable gradients by the current scale in place and
// reports whether they are all finite and half-precision representable. It must
// be called exactly once per accumulation boundary, before clipping.
func (s *GradScaler) Unscale(params []*model.Parameter) (ok bool) {
	if !s.enabled {
		return true
	}
	ok = true
	inv := 1 / s.scale
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		grad := p.Grad.Data()
		for i, g := range grad {
			g *= inv
			grad[i] = g
			if math.IsNaN(g) || math.IsInf(g, 0) {
				ok = false
				continue
			}
			// The accelerator would have held this value in half precision.
			if float16.Fromfloat32(float32(g)).IsInf(0) {
				ok = false
			}
		}
	}
	return ok
}

// Update adjusts the scale after a boundary: backoff when the boundary
// overflowed, grow after growthInterval consecutive good boundaries.
func (s *GradScaler) Update(boundaryOK bool) {
	if !s.enabled {
		return
	}
	if !boundaryOK {
		s.scale *= s.backoffFactor
		s.goodSteps = 0
		return
	}
	s.goodSteps++
	if s.goodSteps >= s.growthInterval {
		s.scale *= s.growthFactor
		s.goodSteps = 0
	}
}
