// Package losses implements the loss-function collaborators used by the training
// engine. A Loss pairs the scalar loss value with its explicit gradient with
// respect to the logits, since models in this harness backpropagate explicitly.
package losses

import (
	"math"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"

	"github.com/fgtrain/fgtrain/tensors"
)

// Loss is the loss-function collaborator.
//
// Forward returns the loss for the batch -- a scalar tensor, or a vector of
// per-replica losses when the model runs data-parallel (the engine reduces it by
// mean). Backward returns dLoss/dLogits, shaped like logits.
type Loss interface {
	Forward(logits, labels *tensors.Tensor) *tensors.Tensor
	Backward(logits, labels *tensors.Tensor) *tensors.Tensor

	// Name tags the loss in logs.
	Name() string
}

// CrossEntropy is softmax cross-entropy over integer class labels, averaged over
// the batch.
type CrossEntropy struct{}

// NewCrossEntropy returns the cross-entropy loss collaborator.
func NewCrossEntropy() *CrossEntropy { return &CrossEntropy{} }

// Name implements Loss.
func (CrossEntropy) Name() string { return "cross_entropy" }

// Forward implements Loss.
func (CrossEntropy) Forward(logits, labels *tensors.Tensor) *tensors.Tensor {
	batch := checkShapes(logits, labels)
	var total float64
	for b := 0; b < batch; b++ {
		probs := softmax(logits.Row(b))
		label := int(labels.Data()[b])
		total += -math.Log(math.Max(probs[label], 1e-12))
	}
	return tensors.FromScalar(total / float64(batch))
}

// Backward implements Loss: gradient is (softmax - onehot) / batch.
func (CrossEntropy) Backward(logits, labels *tensors.Tensor) *tensors.Tensor {
	batch := checkShapes(logits, labels)
	grad := tensors.New(logits.Dim(0), logits.Dim(1))
	invBatch := 1.0 / float64(batch)
	for b := 0; b < batch; b++ {
		probs := softmax(logits.Row(b))
		gRow := grad.Row(b)
		label := int(labels.Data()[b])
		for c, p := range probs {
			gRow[c] = p * invBatch
		}
		gRow[label] -= invBatch
	}
	return grad
}

func softmax(row []float64) []float64 {
	out := make([]float64, len(row))
	maxV := floats.Max(row)
	for i, v := range row {
		out[i] = math.Exp(v - maxV)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

func checkShapes(logits, labels *tensors.Tensor) (batch int) {
	if logits.Rank() != 2 {
		exceptions.Panicf("cross-entropy expects rank-2 logits, got shape %v", logits.Dims())
	}
	batch = logits.Dim(0)
	if labels.Size() != batch {
		exceptions.Panicf("cross-entropy: %d logits rows but %d labels", batch, labels.Size())
	}
	return batch
}
