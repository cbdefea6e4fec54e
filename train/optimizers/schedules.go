package optimizers

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/fgtrain/fgtrain/tensors"
	"github.com/fgtrain/fgtrain/train/metrics"
)

// This file implements learning rate schedules and the controller that decides
// when (per-batch vs per-epoch) and how (step-driven vs metric-driven) to
// advance them.

// Configuration errors detected before training starts. They are fatal: the run
// stops rather than training with an ambiguous schedule.
var (
	// ErrConflictingTriggers is returned when both the per-batch and the
	// per-epoch trigger are enabled.
	ErrConflictingTriggers = errors.New("schedule cannot be triggered both per-batch and per-epoch")

	// ErrUnknownMonitor is returned for an unknown plateau monitored metric.
	ErrUnknownMonitor = errors.New("unknown monitored metric for plateau schedule")
)

// Trigger selects when a schedule advances.
type Trigger int

const (
	// TriggerNone never advances the schedule automatically.
	TriggerNone Trigger = iota

	// TriggerPerBatch advances after every optimizer step.
	TriggerPerBatch

	// TriggerPerEpoch advances once at the end of every epoch.
	TriggerPerEpoch
)

// Schedule type names, used as checkpoint tags.
const (
	ScheduleExponential  = "exponential"
	ScheduleWarmupLinear = "warmup-linear"
	SchedulePlateau      = "plateau"
)

// Monitor selects the scalar a plateau schedule watches.
type Monitor int

const (
	MonitorLoss Monitor = iota
	MonitorAccuracy
	MonitorF1
	MonitorPrecision
	MonitorRecall
)

var monitorNames = map[string]Monitor{
	metrics.Loss:      MonitorLoss,
	metrics.Accuracy:  MonitorAccuracy,
	metrics.F1:        MonitorF1,
	metrics.Precision: MonitorPrecision,
	metrics.Recall:    MonitorRecall,
}

// ParseMonitor resolves a monitored-metric name. Unknown names return
// ErrUnknownMonitor listing the valid choices.
func ParseMonitor(name string) (Monitor, error) {
	m, found := monitorNames[name]
	if !found {
		return 0, errors.Wrapf(ErrUnknownMonitor, "%q, choose one of [loss acc f1 precision recall]", name)
	}
	return m, nil
}

func (m Monitor) metricName() string {
	for name, monitor := range monitorNames {
		if monitor == m {
			return name
		}
	}
	return "?"
}

// ControllerConfig configures a ScheduleController. The trigger flags are
// mutually exclusive; enabling both is a configuration error. With neither set
// the schedule only advances when the caller invokes Advance explicitly.
type ControllerConfig struct {
	// Type is one of "exponential", "warmup-linear" or "plateau".
	Type string `yaml:"type"`

	StepPerBatch bool `yaml:"step_per_batch"`
	StepPerEpoch bool `yaml:"step_per_epoch"`

	// Monitor names the scalar a plateau schedule watches: one of
	// loss, acc, f1, precision, recall. Only used for "plateau".
	Monitor string `yaml:"monitor"`

	// Gamma is the per-advance decay factor of the exponential schedule.
	// Defaults to 0.95.
	Gamma float64 `yaml:"gamma"`

	// WarmupSteps and TotalSteps shape the warmup-linear schedule: learning rate
	// ramps up linearly over WarmupSteps advances, then decays linearly to zero
	// at TotalSteps.
	WarmupSteps int `yaml:"warmup_steps"`
	TotalSteps  int `yaml:"total_steps"`

	// Factor, Patience and MinLearningRate shape the plateau schedule: after
	// Patience advances without improvement the learning rate is multiplied by
	// Factor, never below MinLearningRate. Factor defaults to 0.1, Patience to 10.
	Factor          float64 `yaml:"factor"`
	Patience        int     `yaml:"patience"`
	MinLearningRate float64 `yaml:"min_learning_rate"`
}

// ScheduleState is the serializable state of a ScheduleController, stored in
// checkpoints tagged with the schedule type name. HasBest marks whether a
// plateau schedule has observed its first monitored value; the infinite
// pre-observation best is not JSON-representable and is not serialized.
type ScheduleState struct {
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	Best         float64 `json:"best,omitempty"`
	HasBest      bool    `json:"has_best,omitempty"`
	NumBad       int     `json:"num_bad,omitempty"`
}

// taggedScheduleState is the on-disk layout: state keyed by schedule type.
type taggedScheduleState struct {
	Name  string        `json:"name"`
	State ScheduleState `json:"state"`
}

// ScheduleController wraps a learning-rate schedule together with its trigger
// policy, fixed at construction. The engine calls OnOptimizerStep at every
// accumulation boundary and OnEpochEnd at every epoch end; the controller
// decides which of those (if either) actually advances the schedule.
type ScheduleController struct {
	trigger   Trigger
	typeName  string
	opt       Interface
	evaluator *metrics.Evaluator
	baseLR    float64
	step      int

	// exponential / warmup-linear
	gamma                   float64
	warmupSteps, totalSteps int

	// plateau
	monitor  Monitor
	factor   float64
	patience int
	minLR    float64
	best     float64
	numBad   int
}

// NewController validates cfg and builds the controller for the given
// optimizer. Configuration problems (conflicting triggers, unknown schedule
// type or monitored metric) are reported before any training step runs.
func NewController(opt Interface, evaluator *metrics.Evaluator, cfg ControllerConfig) (*ScheduleController, error) {
	if cfg.StepPerBatch && cfg.StepPerEpoch {
		return nil, errors.WithMessage(ErrConflictingTriggers, "invalid schedule configuration")
	}
	trigger := TriggerNone
	if cfg.StepPerBatch {
		trigger = TriggerPerBatch
	} else if cfg.StepPerEpoch {
		trigger = TriggerPerEpoch
	}
	c := &ScheduleController{
		trigger:   trigger,
		typeName:  cfg.Type,
		opt:       opt,
		evaluator: evaluator,
		baseLR:    opt.LearningRate(),
	}
	switch cfg.Type {
	case ScheduleExponential:
		c.gamma = cfg.Gamma
		if c.gamma == 0 {
			c.gamma = 0.95
		}
	case ScheduleWarmupLinear:
		if cfg.TotalSteps <= 0 {
			return nil, errors.Errorf("warmup-linear schedule requires total_steps > 0, got %d", cfg.TotalSteps)
		}
		c.warmupSteps, c.totalSteps = cfg.WarmupSteps, cfg.TotalSteps
	case SchedulePlateau:
		monitor, err := ParseMonitor(cfg.Monitor)
		if err != nil {
			return nil, err
		}
		if monitor != MonitorLoss && evaluator == nil {
			return nil, errors.Errorf("plateau schedule monitoring %q requires a metrics evaluator", cfg.Monitor)
		}
		c.monitor = monitor
		c.factor, c.patience, c.minLR = cfg.Factor, cfg.Patience, cfg.MinLearningRate
		if c.factor == 0 {
			c.factor = 0.1
		}
		if c.patience == 0 {
			c.patience = 10
		}
		c.best = math.Inf(c.improvementSign())
	default:
		return nil, errors.Errorf("unknown schedule type %q, choose one of [exponential warmup-linear plateau]", cfg.Type)
	}
	return c, nil
}

// improvementSign returns -1 when lower monitored values are better (loss), +1
// otherwise, matching the math.Inf initialization of best.
func (c *ScheduleController) improvementSign() int {
	if c.monitor == MonitorLoss {
		return +1 // best starts at +Inf, improvements go down
	}
	return -1 // best starts at -Inf, improvements go up
}

// Trigger returns when this controller advances its schedule.
func (c *ScheduleController) Trigger() Trigger { return c.trigger }

// TypeName tags the schedule state in checkpoints.
func (c *ScheduleController) TypeName() string { return c.typeName }

// OnOptimizerStep advances the schedule if it is batch-triggered. The logits and
// labels are those of the accumulation boundary just applied, used to recompute
// the monitored metric for metric-driven schedules.
func (c *ScheduleController) OnOptimizerStep(logits, labels *tensors.Tensor, loss float64) {
	if c.trigger == TriggerPerBatch {
		c.Advance(logits, labels, loss)
	}
}

// OnEpochEnd advances the schedule if it is epoch-triggered, using the last
// accumulation boundary's outputs.
func (c *ScheduleController) OnEpochEnd(logits, labels *tensors.Tensor, loss float64) {
	if c.trigger == TriggerPerEpoch {
		c.Advance(logits, labels, loss)
	}
}

// Advance moves the schedule forward by one trigger event.
func (c *ScheduleController) Advance(logits, labels *tensors.Tensor, loss float64) {
	if c.typeName == SchedulePlateau {
		c.plateauStep(c.monitoredValue(logits, labels, loss))
		return
	}
	c.step++
	switch c.typeName {
	case ScheduleExponential:
		c.opt.SetLearningRate(c.baseLR * math.Pow(c.gamma, float64(c.step)))
	case ScheduleWarmupLinear:
		var fraction float64
		if c.step < c.warmupSteps {
			fraction = float64(c.step) / float64(c.warmupSteps)
		} else {
			fraction = math.Max(0,
				float64(c.totalSteps-c.step)/float64(max(1, c.totalSteps-c.warmupSteps)))
		}
		c.opt.SetLearningRate(c.baseLR * fraction)
	}
}

// monitoredValue resolves the plateau schedule's input: the boundary loss when
// monitoring loss, otherwise the metric recomputed from the boundary's logits
// and labels.
func (c *ScheduleController) monitoredValue(logits, labels *tensors.Tensor, loss float64) float64 {
	if c.monitor == MonitorLoss {
		return loss
	}
	preds := tensors.ArgMaxRows(logits)
	trueLabels := make([]int, labels.Size())
	for i, v := range labels.Data() {
		trueLabels[i] = int(v)
	}
	report := c.evaluator.Compute(preds, trueLabels, metrics.ModeTrain)
	return report[c.monitor.metricName()]
}

func (c *ScheduleController) plateauStep(value float64) {
	c.step++
	improved := value < c.best
	if c.improvementSign() < 0 {
		improved = value > c.best
	}
	if improved {
		c.best = value
		c.numBad = 0
		return
	}
	c.numBad++
	if c.numBad <= c.patience {
		return
	}
	lr := math.Max(c.opt.LearningRate()*c.factor, c.minLR)
	klog.V(1).Infof("plateau schedule: %s stalled for %d advances, reducing learning rate to %g",
		c.monitor.metricName(), c.numBad, lr)
	c.opt.SetLearningRate(lr)
	c.numBad = 0
}

// State returns the serializable schedule state.
func (c *ScheduleController) State() ScheduleState {
	state := ScheduleState{
		Step:         c.step,
		LearningRate: c.opt.LearningRate(),
		NumBad:       c.numBad,
	}
	if !math.IsInf(c.best, 0) {
		state.Best, state.HasBest = c.best, true
	}
	return state
}

// SetState restores a previously saved schedule state.
func (c *ScheduleController) SetState(state ScheduleState) {
	c.step = state.Step
	c.numBad = state.NumBad
	c.best = state.Best
	if c.typeName == SchedulePlateau && !state.HasBest {
		c.best = math.Inf(c.improvementSign())
	}
	if state.LearningRate > 0 {
		c.opt.SetLearningRate(state.LearningRate)
	}
}

// Save serializes the schedule state keyed by its type tag.
func (c *ScheduleController) Save() ([]byte, error) {
	data, err := json.Marshal(&taggedScheduleState{Name: c.typeName, State: c.State()})
	if err != nil {
		return nil, errors.Wrapf(err, "serializing %s schedule state", c.typeName)
	}
	return data, nil
}

// Load restores a state previously produced by Save. If the saved type tag
// differs from the configured schedule type the state is skipped with a
// warning: schedules are resumable only when compatible.
func (c *ScheduleController) Load(data []byte) error {
	var tagged taggedScheduleState
	if err := json.Unmarshal(data, &tagged); err != nil {
		return errors.Wrap(err, "parsing saved schedule state")
	}
	if tagged.Name != c.typeName {
		klog.Warningf("saved schedule state is %q but the configured schedule is %q, skipping restore",
			tagged.Name, c.typeName)
		return nil
	}
	c.SetState(tagged.State)
	return nil
}
