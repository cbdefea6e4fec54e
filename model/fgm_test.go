package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	return NewClassifier(rand.New(rand.NewSource(42)), 4, 3, 2)
}

func paramByName(t *testing.T, m Model, name string) *Parameter {
	t.Helper()
	for _, p := range m.Parameters() {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("parameter %q not found", name)
	return nil
}

func TestFGMAttackRestore(t *testing.T) {
	c := newTestClassifier(t)
	embedding := paramByName(t, c, "embedding.weight")
	weight := paramByName(t, c, "classifier.weight")
	for i := range embedding.Grad.Data() {
		embedding.Grad.Data()[i] = float64(i + 1)
	}
	weight.Grad.Data()[0] = 7

	origEmbedding := embedding.Value.Clone()
	origWeight := weight.Value.Clone()

	fgm := NewFGM(c)
	epsilon := 0.5
	fgm.Attack([]string{"embedding"}, epsilon)
	assert.Equal(t, 1, fgm.SnapshotSize())

	// Perturbation is epsilon * grad / ||grad||, applied only to the target.
	norm := embedding.Grad.L2Norm()
	for i, v := range embedding.Value.Data() {
		want := origEmbedding.Data()[i] + epsilon*embedding.Grad.Data()[i]/norm
		assert.InDelta(t, want, v, 1e-12)
	}
	assert.True(t, weight.Value.Equal(origWeight), "non-target parameter must not be perturbed")

	fgm.Restore([]string{"embedding"})
	assert.Equal(t, 0, fgm.SnapshotSize())
	assert.True(t, embedding.Value.Equal(origEmbedding), "restore must be exact")
}

func TestFGMZeroGradSkipsPerturbation(t *testing.T) {
	c := newTestClassifier(t)
	embedding := paramByName(t, c, "embedding.weight")
	orig := embedding.Value.Clone()

	fgm := NewFGM(c)
	fgm.Attack([]string{"embedding"}, 1.0)
	// No ascent direction: value unchanged, but the snapshot is still taken so
	// the cycle stays symmetric.
	assert.True(t, embedding.Value.Equal(orig))
	assert.Equal(t, 1, fgm.SnapshotSize())
	fgm.Restore([]string{"embedding"})
	assert.True(t, embedding.Value.Equal(orig))
}

func TestFGMNaNGradSkipsPerturbation(t *testing.T) {
	c := newTestClassifier(t)
	embedding := paramByName(t, c, "embedding.weight")
	embedding.Grad.Data()[0] = math.NaN()
	orig := embedding.Value.Clone()

	fgm := NewFGM(c)
	fgm.Attack([]string{"embedding"}, 1.0)
	assert.True(t, embedding.Value.Equal(orig))
	fgm.Restore([]string{"embedding"})
	assert.True(t, embedding.Value.Equal(orig))
}

func TestFGMDoubleAttackPanics(t *testing.T) {
	c := newTestClassifier(t)
	fgm := NewFGM(c)
	fgm.Attack([]string{"embedding"}, 1.0)
	require.Panics(t, func() { fgm.Attack([]string{"embedding"}, 1.0) })
}

func TestFGMRestoreWithoutAttackPanics(t *testing.T) {
	c := newTestClassifier(t)
	fgm := NewFGM(c)
	require.Panics(t, func() { fgm.Restore([]string{"embedding"}) })
}

func TestFGMSubstringMatching(t *testing.T) {
	c := newTestClassifier(t)
	bias := paramByName(t, c, "classifier.bias")
	bias.Grad.Data()[0] = 1
	orig := bias.Value.Clone()

	fgm := NewFGM(c)
	fgm.Attack([]string{"classifier"}, 1.0)
	// "classifier" matches both classifier.weight and classifier.bias.
	assert.Equal(t, 2, fgm.SnapshotSize())
	assert.False(t, bias.Value.Equal(orig))
	fgm.Restore([]string{"classifier"})
	assert.True(t, bias.Value.Equal(orig))
}
