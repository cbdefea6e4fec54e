package model

import (
	"math"
	"strings"

	"github.com/gomlx/exceptions"

	"github.com/fgtrain/fgtrain/tensors"
)

// DefaultEpsilon is the perturbation radius used when none is configured.
const DefaultEpsilon = 1.0

// FGM applies the Fast Gradient Method to a model's parameters: a gradient-ascent
// step of fixed L2 radius epsilon on every trainable parameter whose name contains
// one of the target substrings, followed by an exact restore.
//
// An FGM value is single-use per cycle and not reentrant: Attack must be followed
// by Restore before the next Attack, and no other component may touch the snapshot
// in between. Both misuses panic, they are programming errors, not runtime
// conditions.
type FGM struct {
	model  Model
	backup map[string]*tensors.Tensor
}

// NewFGM creates an FGM attack bound to the given model.
func NewFGM(m Model) *FGM {
	return &FGM{
		model:  m,
		backup: make(map[string]*tensors.Tensor),
	}
}

func matchesTarget(name string, targets []string) bool {
	for _, target := range targets {
		if strings.Contains(name, target) {
			return true
		}
	}
	return false
}

// Attack snapshots and perturbs every trainable parameter matching targets.
//
// The parameter value is always snapshotted, but the perturbation itself is
// skipped when the gradient norm is zero or NaN -- there is no usable ascent
// direction, and keeping the snapshot keeps Restore symmetric.
func (f *FGM) Attack(targets []string, epsilon float64) {
	if len(f.backup) > 0 {
		exceptions.Panicf("FGM.Attack called again before Restore; %d parameters still snapshotted", len(f.backup))
	}
	ForEachTrainableParameter(f.model, func(p *Parameter) {
		if !matchesTarget(p.Name, targets) {
			return
		}
		f.backup[p.Name] = p.Value.Clone()
		norm := p.Grad.L2Norm()
		if norm == 0 || math.IsNaN(norm) {
			return
		}
		p.Value.AddScaled(p.Grad, epsilon/norm)
	})
}

// Restore puts every matching trainable parameter back to its pre-Attack value
// and unconditionally clears the snapshot, whether or not individual
// perturbations were applied.
func (f *FGM) Restore(targets []string) {
	ForEachTrainableParameter(f.model, func(p *Parameter) {
		if !matchesTarget(p.Name, targets) {
			return
		}
		saved, found := f.backup[p.Name]
		if !found {
			exceptions.Panicf("FGM.Restore: no snapshot for parameter %q -- Restore without matching Attack", p.Name)
		}
		p.Value.CopyFrom(saved)
	})
	f.backup = make(map[string]*tensors.Tensor)
}

// SnapshotSize returns how many parameters are currently snapshotted.
// It is non-zero only between Attack and the matching Restore.
func (f *FGM) SnapshotSize() int {
	return len(f.backup)
}
