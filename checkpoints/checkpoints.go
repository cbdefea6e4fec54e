// Package checkpoints implements checkpoint management: saving and loading of
// model weights, optimizer state and scheduler state.
//
// The main object is the Store, created by calling Build, followed by option
// setting and finally Config.Done. Each run gets its own directory, named from
// the start timestamp, the model type tag, the learning rate and the seed, and a
// checkpoint is three independent artifacts inside it:
//
//	model.pt      -- model weights
//	optimizer.pt  -- optimizer state, tagged with the optimizer type name
//	scheduler.pt  -- schedule state, tagged with the schedule type name (optional)
//
// The writes are not atomic across the three files; a crash mid-save can leave
// an inconsistent checkpoint. On load, a stale optimizer or scheduler tag only
// skips that sub-state with a warning, it never fails the run.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/fgtrain/fgtrain/model"
	"github.com/fgtrain/fgtrain/tensors"
	"github.com/fgtrain/fgtrain/train/optimizers"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// Checkpoint artifact file names.
const (
	ModelFileName     = "model.pt"
	OptimizerFileName = "optimizer.pt"
	SchedulerFileName = "scheduler.pt"
)

// Config for the checkpoints Store to be created. Created with Build and
// configured with the various methods; call Done when finished.
type Config struct {
	err error

	baseDir   string
	modelType string
	lr        float64
	seed      int64
	keep      int
	stamp     time.Time
}

// Build a configuration for a checkpoints.Store rooted at baseDir.
func Build(baseDir string) *Config {
	return &Config{
		baseDir:   baseDir,
		modelType: "model",
		stamp:     time.Now(),
	}
}

// ModelType sets the model architecture tag used in the run directory name.
func (c *Config) ModelType(name string) *Config {
	c.modelType = name
	return c
}

// LearningRate records the run's initial learning rate in the directory name.
func (c *Config) LearningRate(lr float64) *Config {
	c.lr = lr
	return c
}

// Seed records the run's seed in the directory name.
func (c *Config) Seed(seed int64) *Config {
	c.seed = seed
	return c
}

// Keep retains at most n run directories under the base directory, including
// the one being created: when the new run directory is made, the oldest
// siblings beyond n are removed. n <= 0 (the default) keeps everything.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done creates the Store and its run directory.
func (c *Config) Done() (*Store, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.baseDir == "" {
		return nil, errors.Errorf("base directory for checkpoints not configured or empty")
	}
	tail := fmt.Sprintf("%s_%s_lr_%g_seed_%d_best", c.stamp.Format("01-02_15.04"), c.modelType, c.lr, c.seed)
	dir := filepath.Join(c.baseDir, tail)
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint dir %q", dir)
	}
	if c.keep > 0 {
		if err := pruneRunDirs(c.baseDir, c.keep); err != nil {
			return nil, err
		}
	}
	return &Store{dir: dir, runID: uuid.NewString()}, nil
}

// pruneRunDirs removes the oldest run directories under baseDir, keeping the
// newest keep of them.
func pruneRunDirs(baseDir string, keep int) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return errors.Wrapf(err, "listing checkpoint base dir %q", baseDir)
	}
	type runDir struct {
		path  string
		mtime time.Time
	}
	var dirs []runDir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, runDir{path: filepath.Join(baseDir, entry.Name()), mtime: info.ModTime()})
	}
	if len(dirs) <= keep {
		return nil
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mtime.Before(dirs[j].mtime) })
	for _, d := range dirs[:len(dirs)-keep] {
		klog.Infof("removing old checkpoint run %s", d.path)
		if err := os.RemoveAll(d.path); err != nil {
			return errors.Wrapf(err, "pruning old run dir %q", d.path)
		}
	}
	return nil
}

// Store persists and restores model, optimizer and scheduler state for one run.
type Store struct {
	dir   string
	runID string
}

// Dir returns the run directory checkpoints are written to.
// It returns "" (empty) if the Store is nil.
func (s *Store) Dir() string {
	if s == nil {
		return ""
	}
	return s.dir
}

// serializedModel is the on-disk layout of model.pt.
type serializedModel struct {
	ModelType string            `json:"model_type"`
	RunID     string            `json:"run_id"`
	Params    []serializedParam `json:"params"`
}

type serializedParam struct {
	Name      string    `json:"name"`
	Dims      []int     `json:"dims"`
	Trainable bool      `json:"trainable"`
	Data      []float64 `json:"data"`
}

// taggedState is the on-disk layout of optimizer.pt and scheduler.pt.
type taggedState struct {
	Name  string          `json:"name"`
	State json.RawMessage `json:"state"`
}

// Scheduler is what the Store needs from a schedule controller to checkpoint it.
// Implemented by optimizers.ScheduleController.
type Scheduler interface {
	TypeName() string
	State() optimizers.ScheduleState
	SetState(state optimizers.ScheduleState)
}

// IsImprovement reports whether current is a strict improvement over the best
// monitored loss so far. The best-loss tracker itself lives in the engine's run
// state; the store only provides the comparison.
func IsImprovement(current, bestSoFar float64) bool {
	return current < bestSoFar
}

// Save writes the three checkpoint artifacts to the run directory. The model is
// moved to CPU for serialization and moved back before Save returns, so
// checkpointing never changes the model's operating device.
func (s *Store) Save(m model.Model, opt optimizers.Interface, sched Scheduler) error {
	if err := writeJSON(filepath.Join(s.dir, OptimizerFileName), taggedState{
		Name:  opt.TypeName(),
		State: mustRaw(opt.State()),
	}); err != nil {
		return err
	}
	if sched != nil {
		if err := writeJSON(filepath.Join(s.dir, SchedulerFileName), taggedState{
			Name:  sched.TypeName(),
			State: mustRaw(sched.State()),
		}); err != nil {
			return err
		}
	}

	device := m.Device()
	m.To(tensors.CPU)
	defer m.To(device)

	serialized := serializedModel{ModelType: m.TypeName(), RunID: s.runID}
	for _, p := range m.Parameters() {
		serialized.Params = append(serialized.Params, serializedParam{
			Name:      p.Name,
			Dims:      p.Value.Dims(),
			Trainable: p.Trainable,
			Data:      p.Value.Data(),
		})
	}
	if err := writeJSON(filepath.Join(s.dir, ModelFileName), &serialized); err != nil {
		return err
	}
	klog.Infof("saved checkpoint to %s", s.dir)
	return nil
}

// Load restores a checkpoint from dir into the given collaborators, the inverse
// of Save. Model weights must load; a missing or type-mismatched optimizer or
// scheduler state is skipped with a warning. With abInitio set, only the model
// weights are restored.
func Load(dir string, m model.Model, opt optimizers.Interface, sched Scheduler, abInitio bool) error {
	if err := LoadModel(dir, m); err != nil {
		return err
	}
	if abInitio {
		return nil
	}
	if err := loadTagged(filepath.Join(dir, OptimizerFileName), opt.TypeName(), "optimizer", func(raw json.RawMessage) error {
		var state optimizers.State
		if err := json.Unmarshal(raw, &state); err != nil {
			return err
		}
		return opt.SetState(state)
	}); err != nil {
		return err
	}
	if sched == nil {
		return nil
	}
	return loadTagged(filepath.Join(dir, SchedulerFileName), sched.TypeName(), "scheduler", func(raw json.RawMessage) error {
		var state optimizers.ScheduleState
		if err := json.Unmarshal(raw, &state); err != nil {
			return err
		}
		sched.SetState(state)
		return nil
	})
}

// LoadModel restores only the model weights from dir, moving the model back to
// its original device afterwards.
func LoadModel(dir string, m model.Model) error {
	path := filepath.Join(dir, ModelFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading model checkpoint %q", path)
	}
	var serialized serializedModel
	if err := json.Unmarshal(data, &serialized); err != nil {
		return errors.Wrapf(err, "parsing model checkpoint %q", path)
	}
	if serialized.ModelType != m.TypeName() {
		klog.Warningf("checkpoint %q holds a %q model but the configured model is %q",
			path, serialized.ModelType, m.TypeName())
	}

	device := m.Device()
	m.To(tensors.CPU)
	defer m.To(device)

	byName := make(map[string]*model.Parameter)
	for _, p := range m.Parameters() {
		byName[p.Name] = p
	}
	for _, saved := range serialized.Params {
		p, found := byName[saved.Name]
		if !found {
			klog.Warningf("checkpoint parameter %q not present in model, skipping", saved.Name)
			continue
		}
		if p.Value.Size() != len(saved.Data) {
			return errors.Errorf("checkpoint parameter %q has %d values, model expects shape %v",
				saved.Name, len(saved.Data), p.Value.Dims())
		}
		copy(p.Value.Data(), saved.Data)
	}
	klog.Infof("loaded model checkpoint from %s", path)
	return nil
}

// loadTagged reads a {name, state} artifact and applies the state only when the
// saved tag matches the configured type; otherwise it warns and skips.
func loadTagged(path, wantName, kind string, apply func(json.RawMessage) error) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		klog.Warningf("no %s state at %q, leaving freshly constructed state", kind, path)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading %s checkpoint %q", kind, path)
	}
	var tagged taggedState
	if err := json.Unmarshal(data, &tagged); err != nil {
		return errors.Wrapf(err, "parsing %s checkpoint %q", kind, path)
	}
	if tagged.Name != wantName {
		klog.Warningf("saved %s state is %q but the configured %s is %q, skipping restore",
			kind, tagged.Name, kind, wantName)
		return nil
	}
	if err := apply(tagged.State); err != nil {
		return errors.Wrapf(err, "restoring %s state from %q", kind, path)
	}
	klog.Infof("loaded %s state from %s", kind, path)
	return nil
}

func writeJSON(path string, value any) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating checkpoint file %q", path)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err := enc.Encode(value); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing checkpoint file %q", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing checkpoint file %q", path)
	}
	return nil
}

func mustRaw(value any) json.RawMessage {
	data, err := json.Marshal(value)
	if err != nil {
		// Optimizer and schedule states are plain structs; this cannot fail at runtime.
		panic(errors.Wrap(err, "serializing checkpoint sub-state"))
	}
	return data
}
