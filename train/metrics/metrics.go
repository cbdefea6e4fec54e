// Package metrics implements the metric-evaluation collaborator: it turns
// predicted and true class labels into scalar classification metrics and, for
// test-type evaluation, a per-class text report.
package metrics

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Mode selects which evaluation variant is being run.
type Mode string

const (
	ModeTrain Mode = "train"
	ModeEval  Mode = "dev"
	ModeTest  Mode = "test"
)

// Report maps metric name to its scalar value. The engine adds "loss" on top of
// what the Evaluator computes.
type Report map[string]float64

// Metric names produced by Evaluator.Compute.
const (
	Accuracy  = "acc"
	F1        = "f1"
	Precision = "precision"
	Recall    = "recall"
	Loss      = "loss"
)

// Averaging strategies for multi-class precision/recall/f1.
const (
	AverageMacro = "macro"
	AverageMicro = "micro"
)

// Evaluator computes accuracy, f1, precision and recall over integer class
// labels. Implements the engine's metric-evaluation collaborator.
type Evaluator struct {
	average string
}

// NewEvaluator creates an Evaluator with the given averaging strategy,
// AverageMacro or AverageMicro.
func NewEvaluator(average string) (*Evaluator, error) {
	if average != AverageMacro && average != AverageMicro {
		return nil, errors.Errorf("unknown metrics averaging %q, choose %q or %q", average, AverageMacro, AverageMicro)
	}
	return &Evaluator{average: average}, nil
}

// confusion holds per-class counts.
type confusion struct {
	classes                 int
	truePos, falsePos, fneg []float64
	support                 []float64
	correct, total          int
}

func newConfusion(preds, labels []int) *confusion {
	if len(preds) != len(labels) {
		exceptions.Panicf("metrics: %d predictions but %d labels", len(preds), len(labels))
	}
	classes := 0
	for i := range preds {
		if preds[i] >= classes {
			classes = preds[i] + 1
		}
		if labels[i] >= classes {
			classes = labels[i] + 1
		}
	}
	c := &confusion{
		classes:  classes,
		truePos:  make([]float64, classes),
		falsePos: make([]float64, classes),
		fneg:     make([]float64, classes),
		support:  make([]float64, classes),
		total:    len(preds),
	}
	for i := range preds {
		c.support[labels[i]]++
		if preds[i] == labels[i] {
			c.truePos[preds[i]]++
			c.correct++
		} else {
			c.falsePos[preds[i]]++
			c.fneg[labels[i]]++
		}
	}
	return c
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func (c *confusion) classPrecision(class int) float64 {
	return safeDiv(c.truePos[class], c.truePos[class]+c.falsePos[class])
}

func (c *confusion) classRecall(class int) float64 {
	return safeDiv(c.truePos[class], c.truePos[class]+c.fneg[class])
}

func f1Score(precision, recall float64) float64 {
	return safeDiv(2*precision*recall, precision+recall)
}

// Compute returns the metric report for the given predictions and labels.
// The mode only affects downstream use (test mode also asks for a Text report),
// the scalar values are the same for all modes.
func (e *Evaluator) Compute(preds, labels []int, _ Mode) Report {
	c := newConfusion(preds, labels)
	report := Report{Accuracy: safeDiv(float64(c.correct), float64(c.total))}
	switch e.average {
	case AverageMicro:
		// For single-label classification micro precision == recall == accuracy.
		p := safeDiv(floats.Sum(c.truePos), floats.Sum(c.truePos)+floats.Sum(c.falsePos))
		r := safeDiv(floats.Sum(c.truePos), floats.Sum(c.truePos)+floats.Sum(c.fneg))
		report[Precision], report[Recall], report[F1] = p, r, f1Score(p, r)
	default: // macro
		var pSum, rSum, fSum float64
		for class := 0; class < c.classes; class++ {
			p, r := c.classPrecision(class), c.classRecall(class)
			pSum += p
			rSum += r
			fSum += f1Score(p, r)
		}
		n := float64(c.classes)
		report[Precision], report[Recall], report[F1] = pSum/n, rSum/n, fSum/n
	}
	return report
}

// Text renders a per-class classification report (precision, recall, f1,
// support), used for test-type evaluation.
func (e *Evaluator) Text(preds, labels []int) string {
	c := newConfusion(preds, labels)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return cellStyle
		})
	table.Headers("Class", "Precision", "Recall", "F1", "Support")
	for class := 0; class < c.classes; class++ {
		p, r := c.classPrecision(class), c.classRecall(class)
		table.Row(
			fmt.Sprintf("%d", class),
			fmt.Sprintf("%.4f", p),
			fmt.Sprintf("%.4f", r),
			fmt.Sprintf("%.4f", f1Score(p, r)),
			fmt.Sprintf("%.0f", c.support[class]))
	}
	overall := e.Compute(preds, labels, ModeTest)
	table.Row(
		e.average,
		fmt.Sprintf("%.4f", overall[Precision]),
		fmt.Sprintf("%.4f", overall[Recall]),
		fmt.Sprintf("%.4f", overall[F1]),
		fmt.Sprintf("%d", c.total))
	return table.String()
}

// FormatReport renders a Report as a single log-friendly line, in the fixed
// order loss, acc, f1, precision, recall.
func FormatReport(r Report) string {
	out := ""
	for _, key := range []string{Loss, Accuracy, F1, Precision, Recall} {
		value, found := r[key]
		if !found {
			continue
		}
		if out != "" {
			out += " - "
		}
		out += fmt.Sprintf("%s: %.4f", key, value)
	}
	return out
}
