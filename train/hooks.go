package train

import (
	"sort"

	"github.com/gomlx/exceptions"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but
// negative values are ok.
type Priority int

// OnStepFn is the type of per-step hooks, called after every training step with
// the (accumulation-adjusted) batch loss.
type OnStepFn func(e *Engine, loss float64) error

// OnEndFn is the type of end-of-run hooks.
type OnEndFn func(e *Engine) error

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate calls fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}

// OnStep adds a hook with given priority and name (for error reporting), called
// after each training step.
func (e *Engine) OnStep(name string, priority Priority, fn OnStepFn) {
	e.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name, called once training ends,
// before the prediction pass.
func (e *Engine) OnEnd(name string, priority Priority, fn OnEndFn) {
	e.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// everyNSteps adapts an OnStepFn to run once every n steps.
type everyNSteps struct {
	n, count int
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(e *Engine, loss float64) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(e, loss)
}

// EveryNSteps registers an OnStep hook on the engine that is called every N
// steps. N must be > 0.
func EveryNSteps(e *Engine, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("EveryNSteps(%q) requires n > 0, got %d", name, n)
	}
	eN := &everyNSteps{n: n, fn: fn}
	e.OnStep(name, priority, eN.onStep)
}
