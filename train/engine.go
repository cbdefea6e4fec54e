// Package train implements the training engine: the epoch/step loop that drives
// forward/backward passes through the model/loss/optimizer collaborators, with
// gradient accumulation, mixed-precision scaling, adversarial regularization,
// learning-rate scheduling, periodic evaluation and best-checkpoint selection.
package train

import (
	"io"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/fgtrain/fgtrain/amp"
	"github.com/fgtrain/fgtrain/checkpoints"
	"github.com/fgtrain/fgtrain/model"
	"github.com/fgtrain/fgtrain/plots"
	"github.com/fgtrain/fgtrain/tensors"
	"github.com/fgtrain/fgtrain/train/losses"
	"github.com/fgtrain/fgtrain/train/metrics"
	"github.com/fgtrain/fgtrain/train/optimizers"
)

// Phase of the engine's run state machine.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseTraining
	PhaseEvaluating
	PhaseCheckpointing
	PhasePredicting
	PhaseFinished
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseTraining:
		return "training"
	case PhaseEvaluating:
		return "evaluating"
	case PhaseCheckpointing:
		return "checkpointing"
	case PhasePredicting:
		return "predicting"
	case PhaseFinished:
		return "finished"
	}
	return "unknown"
}

// State is the mutable run-scoped state, owned exclusively by the Engine and
// mutated only after optimizer steps and evaluations.
type State struct {
	Phase          Phase
	GlobalStep     int
	Epoch          int
	OptimizerSteps int

	// BestLoss is the best monitored evaluation loss so far, +Inf before the
	// first evaluation; BestPath is where that checkpoint was written.
	BestLoss float64
	BestPath string
}

// Parallelizer is the device-parallel execution collaborator. It is invoked
// once before the loop starts; the engine treats the wrapped model as an opaque
// computation accelerator. When Replicas > 1 the loss collaborator may return a
// per-replica loss vector, which the engine reduces by mean.
type Parallelizer interface {
	Wrap(m model.Model) model.Model
	Replicas() int
}

// Engine is the top-level training orchestrator.
//
// Construct with NewEngine, attach optional collaborators with the With*
// methods, then call Train once.
type Engine struct {
	cfg       *RunConfig
	model     model.Model
	loss      losses.Loss
	opt       optimizers.Interface
	sched     *optimizers.ScheduleController
	evaluator *metrics.Evaluator
	store     *checkpoints.Store
	scaler    *amp.GradScaler
	telemetry *plots.Writer
	parallel  Parallelizer

	fgm        *model.FGM
	advTargets []string

	state      State
	bestReport metrics.Report
	totalOpt   int // planned optimizer steps, for progress reporting
	numEpochs  int

	onStep *priorityHooks[*hookWithName[OnStepFn]]
	onEnd  *priorityHooks[*hookWithName[OnEndFn]]
}

// NewEngine validates cfg and builds an engine around the model, loss and
// optimizer collaborators. Configuration problems are fatal here, before any
// training step runs.
func NewEngine(cfg *RunConfig, m model.Model, lossFn losses.Loss, opt optimizers.Interface) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		model:  m,
		loss:   lossFn,
		opt:    opt,
		scaler: amp.NewGradScaler(cfg.MixedPrecision),
		state:  State{Phase: PhaseInitializing, BestLoss: math.Inf(1)},
		onStep: newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:  newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	if cfg.Adversarial {
		targets := cfg.AdversarialTargets
		if len(targets) == 0 {
			adv, ok := m.(model.Adversarial)
			if !ok {
				return nil, errors.Wrap(ErrInvalidConfig,
					"adversarial training needs adversarial_targets or a model naming its perturbable parameters")
			}
			targets = adv.PerturbableParameterNames()
		}
		e.advTargets = targets
		e.fgm = model.NewFGM(m)
	}
	return e, nil
}

// WithScheduleController attaches a learning-rate schedule controller.
func (e *Engine) WithScheduleController(sched *optimizers.ScheduleController) *Engine {
	e.sched = sched
	return e
}

// WithEvaluator attaches the metric-evaluation collaborator. Without it the
// engine trains but skips metric logging and checkpoint-on-improvement.
func (e *Engine) WithEvaluator(evaluator *metrics.Evaluator) *Engine {
	e.evaluator = evaluator
	return e
}

// WithCheckpoints attaches the checkpoint store best models are saved to.
func (e *Engine) WithCheckpoints(store *checkpoints.Store) *Engine {
	e.store = store
	return e
}

// WithTelemetry attaches the scalar telemetry sink.
func (e *Engine) WithTelemetry(writer *plots.Writer) *Engine {
	e.telemetry = writer
	return e
}

// WithParallel wraps the model in the device-parallel executor, once, before
// the loop starts.
func (e *Engine) WithParallel(parallel Parallelizer) *Engine {
	e.parallel = parallel
	e.model = parallel.Wrap(e.model)
	if e.fgm != nil {
		e.fgm = model.NewFGM(e.model)
	}
	return e
}

// State returns a copy of the current run state.
func (e *Engine) State() State { return e.state }

// BestReport returns the evaluation report of the best checkpoint so far.
func (e *Engine) BestReport() metrics.Report { return e.bestReport }

// TotalOptimizationSteps returns the planned number of optimizer steps, known
// after Train starts.
func (e *Engine) TotalOptimizationSteps() int { return e.totalOpt }

// Train runs the full training loop over trainDS, evaluating on evalDS at the
// configured logging cadence, and optionally finishing with a prediction pass
// over testDS. It can only be called once per engine.
func (e *Engine) Train(trainDS, evalDS, testDS Dataset) error {
	if e.state.Phase != PhaseInitializing {
		return errors.Errorf("Engine.Train can only run once, engine is %s", e.state.Phase)
	}
	k := e.cfg.GradientAccumulationSteps

	if e.cfg.ContinueFrom != "" {
		klog.Infof("loading continue-training state from %q", e.cfg.ContinueFrom)
		err := checkpoints.Load(e.cfg.ContinueFrom, e.model, e.opt, e.schedulerForStore(), e.cfg.AbInitio)
		if err != nil {
			return err
		}
	}

	stepsPerEpoch := (trainDS.Len() + e.cfg.BatchSize - 1) / e.cfg.BatchSize
	boundariesPerEpoch := max(1, stepsPerEpoch/k)
	e.numEpochs = e.cfg.Epochs
	if e.cfg.MaxSteps > 0 {
		e.totalOpt = e.cfg.MaxSteps
		e.numEpochs = e.cfg.MaxSteps/boundariesPerEpoch + 1
	} else {
		e.totalOpt = boundariesPerEpoch * e.numEpochs
	}

	klog.Infof("***** Running training *****")
	klog.Infof("  Num examples = %s", humanize.Comma(int64(trainDS.Len())))
	klog.Infof("  Num epochs = %d", e.numEpochs)
	klog.Infof("  Batch size = %d", e.cfg.BatchSize)
	klog.Infof("  Gradient accumulation steps = %d", k)
	klog.Infof("  Total optimization steps = %d", e.totalOpt)

	params := e.model.Parameters()
	optimizers.ZeroGrads(params)

	// Outputs of the last accumulation boundary, feeding the epoch-triggered
	// schedule advance and the final log.
	var lastLogits, lastLabels *tensors.Tensor
	var lastLoss float64
	// Outputs of the last batch, the final-log fallback for runs shorter than
	// one accumulation boundary.
	var tailLogits, tailLabels *tensors.Tensor
	var tailLoss float64

	stop := false
	for epoch := 0; epoch < e.numEpochs && !stop; epoch++ {
		e.state.Epoch = epoch
		trainDS.Reset()
		for step := 0; ; step++ {
			batch, err := trainDS.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.WithMessagef(err, "reading training batch at step %d", e.state.GlobalStep)
			}
			e.state.Phase = PhaseTraining
			lossVal, logits, labels, err := e.trainStep(batch)
			if err != nil {
				return err
			}
			if e.fgm != nil {
				if err = e.adversarialStep(batch); err != nil {
					return err
				}
			}
			if (step+1)%k == 0 {
				e.applyBoundary(params, logits, labels, lossVal)
				lastLogits, lastLabels, lastLoss = logits, labels, lossVal
			}
			tailLogits, tailLabels, tailLoss = logits, labels, lossVal
			e.state.GlobalStep++
			if err = e.runStepHooks(lossVal); err != nil {
				return err
			}
			if e.cfg.LoggingSteps > 0 && e.state.GlobalStep%e.cfg.LoggingSteps == 0 {
				if err = e.logAndCheckpoint(evalDS, lossVal, logits, labels); err != nil {
					return err
				}
			}
			if e.cfg.MaxSteps > 0 && e.state.OptimizerSteps >= e.cfg.MaxSteps {
				stop = true
				break
			}
		}
		if e.sched != nil && lastLogits != nil {
			e.sched.OnEpochEnd(lastLogits, lastLabels, lastLoss)
		}
		if e.cfg.ReshuffleBetweenEpochs {
			if shuffler, ok := trainDS.(Reshuffler); ok {
				shuffler.Reshuffle()
			} else {
				klog.Warningf("reshuffle_between_epochs is set but the training dataset cannot reshuffle, skipping")
			}
		}
	}

	if lastLogits == nil {
		lastLogits, lastLabels, lastLoss = tailLogits, tailLabels, tailLoss
	}
	if lastLogits != nil {
		if err := e.logAndCheckpoint(evalDS, lastLoss, lastLogits, lastLabels); err != nil {
			return err
		}
	}
	klog.Infof("***** Best eval results *****")
	klog.Infof("%s", metrics.FormatReport(e.bestReport))

	if err := e.runEndHooks(); err != nil {
		return err
	}
	if e.cfg.Predict && testDS != nil {
		if err := e.Predict(testDS); err != nil {
			return err
		}
	}
	e.state.Phase = PhaseFinished
	klog.Infof("***** Finish training *****")
	if e.state.BestPath != "" {
		klog.Infof("best model saved at %s", e.state.BestPath)
	}
	return nil
}

// trainStep runs one forward/backward pass on the batch and returns the
// (accumulation-adjusted) loss along with the logits and labels.
func (e *Engine) trainStep(batch *Batch) (lossVal float64, logits, labels *tensors.Tensor, err error) {
	inputs, labels, err := stackBatch(batch, e.model.Device())
	if err != nil {
		return 0, nil, nil, err
	}
	logits = e.model.Forward(inputs)
	lossVal = e.reduceLoss(e.loss.Forward(logits, labels))
	if math.IsNaN(lossVal) {
		return 0, nil, nil, errors.Errorf("batch loss is NaN at step %d, training interrupted", e.state.GlobalStep)
	}
	if math.IsInf(lossVal, 0) {
		return 0, nil, nil, errors.Errorf("batch loss is infinity at step %d, training interrupted", e.state.GlobalStep)
	}
	k := e.cfg.GradientAccumulationSteps
	if k > 1 {
		// Summed per-step gradients then approximate the full-batch gradient.
		lossVal /= float64(k)
	}
	grad := e.loss.Backward(logits, labels)
	scale := e.scaler.Scale()
	if k > 1 {
		scale /= float64(k)
	}
	if scale != 1 {
		grad.Scale(scale)
	}
	e.model.Backward(grad)
	return lossVal, logits, labels, nil
}

// adversarialStep accumulates the adversarial gradient for the same batch on
// top of the clean gradient: attack, forward/backward, restore.
func (e *Engine) adversarialStep(batch *Batch) error {
	e.fgm.Attack(e.advTargets, e.cfg.AdversarialEpsilon)
	defer e.fgm.Restore(e.advTargets)

	inputs, labels, err := stackBatch(batch, e.model.Device())
	if err != nil {
		return err
	}
	logits := e.model.Forward(inputs)
	grad := e.loss.Backward(logits, labels)
	if scale := e.scaler.Scale(); scale != 1 {
		grad.Scale(scale)
	}
	e.model.Backward(grad)
	return nil
}

// applyBoundary applies the accumulated gradients: unscale, clip, optimizer
// step, conditional batch-triggered schedule advance, zero gradients.
func (e *Engine) applyBoundary(params []*model.Parameter, logits, labels *tensors.Tensor, lossVal float64) {
	ok := e.scaler.Unscale(params)
	if ok {
		optimizers.ClipGradNorm(params, e.cfg.MaxGradNorm)
		e.opt.Step(params)
		e.state.OptimizerSteps++
		if e.sched != nil {
			e.sched.OnOptimizerStep(logits, labels, lossVal)
		}
	} else {
		klog.Warningf("non-finite gradients at step %d, skipping optimizer step", e.state.GlobalStep)
	}
	e.scaler.Update(ok)
	optimizers.ZeroGrads(params)
}

// reduceLoss turns the loss tensor into a scalar, mean-reducing per-replica
// losses when running data-parallel. The replica count comes from the attached
// Parallelizer; the DataParallel flag covers models wrapped before the engine
// saw them.
func (e *Engine) reduceLoss(loss *tensors.Tensor) float64 {
	if e.cfg.DataParallel || (e.parallel != nil && e.parallel.Replicas() > 1) {
		return loss.Mean()
	}
	return loss.Value()
}

// logAndCheckpoint runs the periodic logging step: train metrics for the
// current batch, a full evaluation pass, checkpoint on strict improvement, and
// telemetry scalars.
func (e *Engine) logAndCheckpoint(evalDS Dataset, trainLoss float64, logits, labels *tensors.Tensor) error {
	if e.evaluator == nil || evalDS == nil {
		return nil
	}
	trainReport := e.evaluator.Compute(tensors.ArgMaxRows(logits), labelsToInts(labels), metrics.ModeTrain)
	trainReport[metrics.Loss] = trainLoss
	klog.Infof("***** Current train results *****")
	klog.Infof("%s", metrics.FormatReport(trainReport))

	e.state.Phase = PhaseEvaluating
	evalReport, _, err := e.Evaluate(evalDS, metrics.ModeEval)
	if err != nil {
		return err
	}
	evalLoss := evalReport[metrics.Loss]

	e.state.Phase = PhaseCheckpointing
	if checkpoints.IsImprovement(evalLoss, e.state.BestLoss) {
		e.state.BestLoss = evalLoss
		e.bestReport = evalReport
		if e.store != nil {
			if err := e.store.Save(e.model, e.opt, e.schedulerForStore()); err != nil {
				return err
			}
			e.state.BestPath = e.store.Dir()
		}
	}

	step := e.state.GlobalStep
	e.telemetry.AddScalar("loss/train", step, trainLoss)
	e.telemetry.AddScalar("loss/eval", step, evalLoss)
	e.telemetry.AddScalar("lr", step, e.opt.LearningRate())
	for key, value := range trainReport {
		if key != metrics.Loss {
			e.telemetry.AddScalar(key+"/train", step, value)
		}
	}
	for key, value := range evalReport {
		if key != metrics.Loss {
			e.telemetry.AddScalar(key+"/eval", step, value)
		}
	}
	return nil
}

// Evaluate runs a full pass over ds without touching gradients or run state,
// returning the metric report (with mean loss under "loss") and, for
// metrics.ModeTest, the per-class text report.
func (e *Engine) Evaluate(ds Dataset, mode metrics.Mode) (metrics.Report, string, error) {
	if e.evaluator == nil {
		return nil, "", errors.Errorf("Engine.Evaluate needs a metrics evaluator, none attached")
	}
	ds.Reset()
	var allPreds, allLabels []int
	var lossSum float64
	numBatches := 0
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", errors.WithMessagef(err, "reading %s batch", mode)
		}
		inputs, labels, err := stackBatch(batch, e.model.Device())
		if err != nil {
			return nil, "", err
		}
		logits := e.model.Forward(inputs)
		lossSum += e.reduceLoss(e.loss.Forward(logits, labels))
		numBatches++
		allPreds = append(allPreds, tensors.ArgMaxRows(logits)...)
		allLabels = append(allLabels, labelsToInts(labels)...)
	}
	ds.Reset()
	if numBatches == 0 {
		return nil, "", errors.Errorf("%s dataset yielded no batches", mode)
	}
	report := e.evaluator.Compute(allPreds, allLabels, mode)
	report[metrics.Loss] = lossSum / float64(numBatches)
	if mode == metrics.ModeEval {
		klog.Infof("***** Eval results *****")
		klog.Infof("%s", metrics.FormatReport(report))
	}
	var text string
	if mode == metrics.ModeTest {
		text = e.evaluator.Text(allPreds, allLabels)
	}
	return report, text, nil
}

// Predict reloads the best checkpoint (when one was written) and runs a
// test-type evaluation pass, logging scalar metrics and the per-class report.
func (e *Engine) Predict(testDS Dataset) error {
	e.state.Phase = PhasePredicting
	if e.state.BestPath != "" {
		if err := checkpoints.LoadModel(e.state.BestPath, e.model); err != nil {
			return err
		}
	}
	report, text, err := e.Evaluate(testDS, metrics.ModeTest)
	if err != nil {
		return err
	}
	klog.Infof("***** Predict results *****")
	klog.Infof("%s", metrics.FormatReport(report))
	klog.Infof("\n%s", text)
	return nil
}

func (e *Engine) schedulerForStore() checkpoints.Scheduler {
	if e.sched == nil {
		return nil
	}
	return e.sched
}

func (e *Engine) runStepHooks(loss float64) (err error) {
	e.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(e, loss)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	return
}

func (e *Engine) runEndHooks() (err error) {
	e.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(e)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

func labelsToInts(labels *tensors.Tensor) []int {
	out := make([]int, labels.Size())
	for i, v := range labels.Data() {
		out[i] = int(v)
	}
	return out
}
