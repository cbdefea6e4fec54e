package checkpoints

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgtrain/fgtrain/model"
	"github.com/fgtrain/fgtrain/tensors"
	"github.com/fgtrain/fgtrain/train/optimizers"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := Build(t.TempDir()).
		ModelType("linear").
		LearningRate(0.01).
		Seed(42).
		Done()
	require.NoError(t, err)
	return store
}

func newModel(seed int64) *model.Classifier {
	return model.NewClassifier(rand.New(rand.NewSource(seed)), 4, 3, 2)
}

func TestBuildDirNaming(t *testing.T) {
	store := newStore(t)
	base := filepath.Base(store.Dir())
	assert.Contains(t, base, "linear")
	assert.Contains(t, base, "lr_0.01")
	assert.Contains(t, base, "seed_42")
	assert.Contains(t, base, "best")

	info, err := os.Stat(store.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestBuildRequiresBaseDir(t *testing.T) {
	_, err := Build("").Done()
	require.Error(t, err)
}

func TestNilStoreDir(t *testing.T) {
	var store *Store
	assert.Equal(t, "", store.Dir())
}

func TestIsImprovement(t *testing.T) {
	assert.True(t, IsImprovement(0.5, math.Inf(1)))
	assert.True(t, IsImprovement(0.4, 0.5))
	assert.False(t, IsImprovement(0.5, 0.5), "ties are not improvements")
	assert.False(t, IsImprovement(0.6, 0.5))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newStore(t)
	m := newModel(1)
	opt := optimizers.StochasticGradientDescent().WithLearningRate(0.1).WithMomentum(0.9).Done()

	// Give the optimizer some history to checkpoint.
	for _, p := range m.Parameters() {
		p.Grad.Data()[0] = 1
	}
	opt.Step(m.Parameters())
	require.NoError(t, store.Save(m, opt, nil))

	saved := make([]*tensors.Tensor, 0)
	for _, p := range m.Parameters() {
		saved = append(saved, p.Value.Clone())
	}

	// Restore into a differently initialized model and a fresh optimizer.
	m2 := newModel(99)
	opt2 := optimizers.StochasticGradientDescent().WithMomentum(0.9).Done()
	require.NoError(t, Load(store.Dir(), m2, opt2, nil, false))

	for i, p := range m2.Parameters() {
		assert.Truef(t, p.Value.Equal(saved[i]), "parameter %s not restored", p.Name)
	}
	assert.Equal(t, opt.State(), opt2.State())
}

func TestLoadStaleOptimizerTagSkips(t *testing.T) {
	store := newStore(t)
	m := newModel(1)
	opt := optimizers.StochasticGradientDescent().WithLearningRate(0.1).Done()
	for _, p := range m.Parameters() {
		p.Grad.Data()[0] = 1
	}
	opt.Step(m.Parameters())
	require.NoError(t, store.Save(m, opt, nil))

	// The run resumes with a different optimizer: weights restore, the stale
	// optimizer state is skipped without failing the run.
	m2 := newModel(99)
	opt2 := optimizers.AdamW().WithLearningRate(0.5).Done()
	require.NoError(t, Load(store.Dir(), m2, opt2, nil, false))

	assert.True(t, m2.Parameters()[0].Value.Equal(m.Parameters()[0].Value))
	assert.Equal(t, 0, opt2.State().Step, "stale optimizer state must stay fresh")
	assert.Equal(t, 0.5, opt2.LearningRate())
}

func TestLoadAbInitio(t *testing.T) {
	store := newStore(t)
	m := newModel(1)
	opt := optimizers.StochasticGradientDescent().WithLearningRate(0.1).Done()
	for _, p := range m.Parameters() {
		p.Grad.Data()[0] = 1
	}
	opt.Step(m.Parameters())
	require.NoError(t, store.Save(m, opt, nil))

	m2 := newModel(99)
	opt2 := optimizers.StochasticGradientDescent().WithLearningRate(0.1).Done()
	require.NoError(t, Load(store.Dir(), m2, opt2, nil, true))

	assert.True(t, m2.Parameters()[0].Value.Equal(m.Parameters()[0].Value))
	assert.Equal(t, 0, opt2.State().Step, "ab initio keeps the optimizer fresh")
}

func TestSavePreservesDevice(t *testing.T) {
	store := newStore(t)
	m := newModel(1)
	m.To(tensors.Accelerator)
	opt := optimizers.StochasticGradientDescent().Done()

	require.NoError(t, store.Save(m, opt, nil))
	assert.Equal(t, tensors.Accelerator, m.Device(), "Save must return the model to its device")

	require.NoError(t, LoadModel(store.Dir(), m))
	assert.Equal(t, tensors.Accelerator, m.Device(), "LoadModel must return the model to its device")
}

func TestSaveWithScheduler(t *testing.T) {
	store := newStore(t)
	m := newModel(1)
	opt := optimizers.StochasticGradientDescent().WithLearningRate(1.0).Done()
	sched, err := optimizers.NewController(opt, nil, optimizers.ControllerConfig{
		Type:         optimizers.ScheduleExponential,
		StepPerBatch: true,
		Gamma:        0.5,
	})
	require.NoError(t, err)
	sched.OnOptimizerStep(nil, nil, 1.0)
	require.NoError(t, store.Save(m, opt, sched))

	opt2 := optimizers.StochasticGradientDescent().WithLearningRate(1.0).Done()
	sched2, err := optimizers.NewController(opt2, nil, optimizers.ControllerConfig{
		Type:         optimizers.ScheduleExponential,
		StepPerBatch: true,
		Gamma:        0.5,
	})
	require.NoError(t, err)
	require.NoError(t, Load(store.Dir(), newModel(2), opt2, sched2, false))
	assert.Equal(t, 1, sched2.State().Step)
	assert.InDelta(t, 0.5, opt2.LearningRate(), 1e-12)
}

func TestLoadMissingModelFails(t *testing.T) {
	m := newModel(1)
	opt := optimizers.StochasticGradientDescent().Done()
	err := Load(t.TempDir(), m, opt, nil, false)
	require.Error(t, err, "missing model weights are fatal, unlike missing sub-states")
}

func TestLoadMissingSchedulerFileSkips(t *testing.T) {
	store := newStore(t)
	m := newModel(1)
	opt := optimizers.StochasticGradientDescent().Done()
	require.NoError(t, store.Save(m, opt, nil)) // no scheduler.pt written

	sched, err := optimizers.NewController(optimizers.StochasticGradientDescent().Done(), nil,
		optimizers.ControllerConfig{Type: optimizers.ScheduleExponential, StepPerBatch: true})
	require.NoError(t, err)
	require.NoError(t, Load(store.Dir(), newModel(2), opt, sched, false))
	assert.Equal(t, 0, sched.State().Step)
}

func TestKeepPrunesOldRuns(t *testing.T) {
	base := t.TempDir()
	old := time.Now().Add(-24 * time.Hour)
	for i, name := range []string{"run_a", "run_b", "run_c"} {
		dir := filepath.Join(base, name)
		require.NoError(t, os.MkdirAll(dir, DirPermMode))
		stamp := old.Add(time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(dir, stamp, stamp))
	}

	store, err := Build(base).ModelType("linear").Keep(2).Done()
	require.NoError(t, err)

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	require.Len(t, names, 2, "only the newest two run dirs survive")
	assert.Contains(t, names, filepath.Base(store.Dir()), "the new run dir is never pruned")
	assert.Contains(t, names, "run_c")
	assert.NotContains(t, names, "run_a")
	assert.NotContains(t, names, "run_b")
}

func TestKeepDisabledByDefault(t *testing.T) {
	base := t.TempDir()
	oldDir := filepath.Join(base, "run_old")
	require.NoError(t, os.MkdirAll(oldDir, DirPermMode))
	stamp := time.Now().Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(oldDir, stamp, stamp))

	_, err := Build(base).ModelType("linear").Done()
	require.NoError(t, err)
	_, err = os.Stat(oldDir)
	assert.NoError(t, err, "without Keep nothing is pruned")
}

func TestSaveArtifactNames(t *testing.T) {
	store := newStore(t)
	m := newModel(1)
	opt := optimizers.StochasticGradientDescent().Done()
	require.NoError(t, store.Save(m, opt, nil))

	for _, name := range []string{ModelFileName, OptimizerFileName} {
		_, err := os.Stat(filepath.Join(store.Dir(), name))
		assert.NoErrorf(t, err, "artifact %s must exist", name)
	}
}
