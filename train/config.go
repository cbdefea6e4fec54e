package train

import (
	"os"

	"github.com/pkg/errors"

	"github.com/fgtrain/fgtrain/model"
)

// Fatal pre-training errors. Both stop the run before any training step.
var (
	// ErrInvalidConfig wraps any RunConfig validation failure.
	ErrInvalidConfig = errors.New("invalid run configuration")

	// ErrMissingCheckpoint is returned when a continuation checkpoint path does
	// not exist.
	ErrMissingCheckpoint = errors.New("continuation checkpoint path does not exist")
)

// RunConfig is the immutable configuration snapshot of one training run. It is
// resolved and validated once before training and read-only thereafter.
type RunConfig struct {
	// Epochs to train for. When MaxSteps > 0 it takes precedence and the epoch
	// count is derived from it.
	Epochs   int `yaml:"epochs"`
	MaxSteps int `yaml:"max_steps"`

	BatchSize int `yaml:"batch_size"`

	// GradientAccumulationSteps is the accumulation factor k: one optimizer step
	// per k batches. Defaults to 1.
	GradientAccumulationSteps int `yaml:"gradient_accumulation_steps"`

	// MaxGradNorm clips the global gradient norm at each accumulation boundary.
	// <= 0 disables clipping.
	MaxGradNorm float64 `yaml:"max_grad_norm"`

	// Adversarial enables the FGM attack/restore cycle on every batch.
	// AdversarialTargets are parameter-name substrings to perturb; when empty
	// the model's own PerturbableParameterNames are used. Epsilon defaults to 1.
	Adversarial        bool     `yaml:"adversarial"`
	AdversarialTargets []string `yaml:"adversarial_targets"`
	AdversarialEpsilon float64  `yaml:"adversarial_epsilon"`

	// MixedPrecision enables loss scaling through the amp collaborator.
	MixedPrecision bool `yaml:"mixed_precision"`

	// DataParallel marks that the model was wrapped by a device-parallel
	// executor and per-replica losses must be mean-reduced.
	DataParallel bool `yaml:"data_parallel"`

	// LoggingSteps is the cadence (in global steps) of evaluation, metric
	// logging, and checkpoint-on-improvement. 0 disables periodic logging.
	LoggingSteps int `yaml:"logging_steps"`

	// Seed initializes all random sources once at run start.
	Seed int64 `yaml:"seed"`

	// ReshuffleBetweenEpochs asks the dataset to reshuffle at epoch end, when it
	// supports the capability.
	ReshuffleBetweenEpochs bool `yaml:"reshuffle_between_epochs"`

	// ContinueFrom resumes training from a checkpoint directory. AbInitio
	// restores only model weights, leaving optimizer and schedule state fresh.
	ContinueFrom string `yaml:"continue_from"`
	AbInitio     bool   `yaml:"ab_initio"`

	// Predict runs a held-out prediction pass with the best checkpoint at the
	// end of the run.
	Predict bool `yaml:"predict"`
}

// Validate checks the configuration, applying defaults in place for the zero
// values that have them. All failures wrap ErrInvalidConfig.
func (c *RunConfig) Validate() error {
	if c.Epochs <= 0 && c.MaxSteps <= 0 {
		return errors.Wrap(ErrInvalidConfig, "one of epochs or max_steps must be > 0")
	}
	if c.BatchSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "batch_size must be > 0, got %d", c.BatchSize)
	}
	if c.GradientAccumulationSteps < 0 {
		return errors.Wrapf(ErrInvalidConfig, "gradient_accumulation_steps must be >= 1, got %d", c.GradientAccumulationSteps)
	}
	if c.GradientAccumulationSteps == 0 {
		c.GradientAccumulationSteps = 1
	}
	if c.AdversarialEpsilon == 0 {
		c.AdversarialEpsilon = model.DefaultEpsilon
	}
	if c.AdversarialEpsilon < 0 {
		return errors.Wrapf(ErrInvalidConfig, "adversarial_epsilon must be > 0, got %g", c.AdversarialEpsilon)
	}
	if c.LoggingSteps < 0 {
		return errors.Wrapf(ErrInvalidConfig, "logging_steps must be >= 0, got %d", c.LoggingSteps)
	}
	if c.ContinueFrom != "" {
		if _, err := os.Stat(c.ContinueFrom); err != nil {
			return errors.Wrapf(ErrMissingCheckpoint, "%q", c.ContinueFrom)
		}
	}
	return nil
}
