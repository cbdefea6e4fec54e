package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvaluatorValidation(t *testing.T) {
	_, err := NewEvaluator("weighted")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "macro")

	_, err = NewEvaluator(AverageMacro)
	require.NoError(t, err)
}

func TestComputePerfectPredictions(t *testing.T) {
	e, err := NewEvaluator(AverageMacro)
	require.NoError(t, err)
	report := e.Compute([]int{0, 1, 2, 1}, []int{0, 1, 2, 1}, ModeEval)
	for _, key := range []string{Accuracy, F1, Precision, Recall} {
		assert.Equalf(t, 1.0, report[key], "metric %s", key)
	}
}

// Hand-computed example: preds [0 1 1 0] vs labels [0 1 0 0].
// Class 0: tp=2, fp=0, fn=1 -> p=1, r=2/3, f1=0.8.
// Class 1: tp=1, fp=1, fn=0 -> p=0.5, r=1, f1=2/3.
func TestComputeMacro(t *testing.T) {
	e, err := NewEvaluator(AverageMacro)
	require.NoError(t, err)
	report := e.Compute([]int{0, 1, 1, 0}, []int{0, 1, 0, 0}, ModeEval)
	assert.InDelta(t, 0.75, report[Accuracy], 1e-12)
	assert.InDelta(t, 0.75, report[Precision], 1e-12)
	assert.InDelta(t, 5.0/6.0, report[Recall], 1e-12)
	assert.InDelta(t, (0.8+2.0/3.0)/2, report[F1], 1e-12)
}

func TestComputeMicro(t *testing.T) {
	e, err := NewEvaluator(AverageMicro)
	require.NoError(t, err)
	report := e.Compute([]int{0, 1, 1, 0}, []int{0, 1, 0, 0}, ModeEval)
	// Single-label micro precision == recall == accuracy.
	assert.InDelta(t, 0.75, report[Precision], 1e-12)
	assert.InDelta(t, 0.75, report[Recall], 1e-12)
	assert.InDelta(t, 0.75, report[F1], 1e-12)
}

func TestComputeMismatchedLengthsPanics(t *testing.T) {
	e, err := NewEvaluator(AverageMacro)
	require.NoError(t, err)
	require.Panics(t, func() { e.Compute([]int{0, 1}, []int{0}, ModeEval) })
}

func TestText(t *testing.T) {
	e, err := NewEvaluator(AverageMacro)
	require.NoError(t, err)
	text := e.Text([]int{0, 1, 1, 0}, []int{0, 1, 0, 0})
	assert.Contains(t, text, "Precision")
	assert.Contains(t, text, "Support")
	assert.Contains(t, text, AverageMacro)
}

func TestFormatReport(t *testing.T) {
	report := Report{Loss: 0.5, Accuracy: 0.9, F1: 0.8}
	line := FormatReport(report)
	assert.Equal(t, "loss: 0.5000 - acc: 0.9000 - f1: 0.8000", line)

	// Keys keep their fixed order regardless of map iteration.
	full := FormatReport(Report{Recall: 1, Precision: 1, F1: 1, Accuracy: 1, Loss: 1})
	assert.True(t, strings.HasPrefix(full, "loss:"))
	assert.True(t, strings.HasSuffix(full, "recall: 1.0000"))
}
