package train

import (
	"io"
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/fgtrain/fgtrain/tensors"
)

// Batch is what the dataloader collaborator yields: the per-example encoded
// input tensors and the label tensor for the batch. The engine stacks the
// examples and moves everything to the model's device.
type Batch struct {
	// Examples holds, per example, its named encoded tensors. All examples of a
	// batch must share the same keys and shapes.
	Examples []map[string]*tensors.Tensor

	// Labels holds one integer class label per example.
	Labels *tensors.Tensor
}

// Dataset is the dataloader collaborator. Yield returns io.EOF at the end of an
// epoch; Reset rewinds for the next pass. Len is the example count, for logging.
type Dataset interface {
	Yield() (*Batch, error)
	Reset()
	Len() int
}

// Reshuffler is the optional capability of datasets that can reshuffle their
// examples between epochs. The engine checks for it before calling; datasets
// without it are skipped with a log line, never an error.
type Reshuffler interface {
	Reshuffle()
}

// InMemoryDataset is a Dataset over examples held in memory, batched in order.
// It implements Reshuffler.
type InMemoryDataset struct {
	examples  []map[string]*tensors.Tensor
	labels    []float64
	batchSize int
	next      int
	rng       *rand.Rand
}

// NewInMemoryDataset builds a dataset from parallel example and label slices.
func NewInMemoryDataset(rng *rand.Rand, examples []map[string]*tensors.Tensor, labels []float64, batchSize int) *InMemoryDataset {
	if len(examples) != len(labels) {
		exceptions.Panicf("NewInMemoryDataset: %d examples but %d labels", len(examples), len(labels))
	}
	if batchSize <= 0 {
		exceptions.Panicf("NewInMemoryDataset: batchSize must be > 0, got %d", batchSize)
	}
	return &InMemoryDataset{examples: examples, labels: labels, batchSize: batchSize, rng: rng}
}

// Yield implements Dataset. The last batch of an epoch may be smaller than
// batchSize.
func (ds *InMemoryDataset) Yield() (*Batch, error) {
	if ds.next >= len(ds.examples) {
		return nil, io.EOF
	}
	end := min(ds.next+ds.batchSize, len(ds.examples))
	batch := &Batch{
		Examples: ds.examples[ds.next:end],
		Labels:   tensors.FromFlat(append([]float64{}, ds.labels[ds.next:end]...), end-ds.next),
	}
	ds.next = end
	return batch, nil
}

// Reset implements Dataset.
func (ds *InMemoryDataset) Reset() { ds.next = 0 }

// Len implements Dataset.
func (ds *InMemoryDataset) Len() int { return len(ds.examples) }

// Reshuffle implements Reshuffler with a Fisher-Yates shuffle of the examples.
func (ds *InMemoryDataset) Reshuffle() {
	if ds.rng == nil {
		return
	}
	ds.rng.Shuffle(len(ds.examples), func(i, j int) {
		ds.examples[i], ds.examples[j] = ds.examples[j], ds.examples[i]
		ds.labels[i], ds.labels[j] = ds.labels[j], ds.labels[i]
	})
	ds.next = 0
}

// stackBatch turns a Batch into the named stacked input tensors and the label
// tensor, both moved to device.
func stackBatch(batch *Batch, device tensors.Device) (inputs map[string]*tensors.Tensor, labels *tensors.Tensor, err error) {
	if len(batch.Examples) == 0 {
		return nil, nil, errors.Errorf("empty batch yielded by dataset")
	}
	inputs = make(map[string]*tensors.Tensor, len(batch.Examples[0]))
	for key := range batch.Examples[0] {
		perExample := make([]*tensors.Tensor, 0, len(batch.Examples))
		for i, example := range batch.Examples {
			t, found := example[key]
			if !found {
				return nil, nil, errors.Errorf("example %d of batch is missing input %q", i, key)
			}
			perExample = append(perExample, t)
		}
		inputs[key] = tensors.Stack(perExample).To(device)
	}
	labels = batch.Labels.Clone().To(device)
	return inputs, labels, nil
}
