package train

import (
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgtrain/fgtrain/model"
	"github.com/fgtrain/fgtrain/tensors"
)

// labeledExamples builds n examples whose single feature equals their label, so
// pairing survives any shuffle check.
func labeledExamples(n int) ([]map[string]*tensors.Tensor, []float64) {
	examples := make([]map[string]*tensors.Tensor, n)
	labels := make([]float64, n)
	for i := range examples {
		examples[i] = map[string]*tensors.Tensor{
			model.InputFeatures: tensors.FromFlat([]float64{float64(i)}, 1),
		}
		labels[i] = float64(i)
	}
	return examples, labels
}

func TestInMemoryDatasetBatching(t *testing.T) {
	examples, labels := labeledExamples(5)
	ds := NewInMemoryDataset(nil, examples, labels, 2)
	assert.Equal(t, 5, ds.Len())

	sizes := []int{}
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(batch.Examples))
		assert.Equal(t, len(batch.Examples), batch.Labels.Size())
	}
	assert.Equal(t, []int{2, 2, 1}, sizes, "last batch of an epoch may be short")

	// Reset rewinds for the next epoch.
	ds.Reset()
	batch, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 2, len(batch.Examples))
}

func TestInMemoryDatasetReshuffleKeepsPairing(t *testing.T) {
	examples, labels := labeledExamples(64)
	ds := NewInMemoryDataset(rand.New(rand.NewSource(3)), examples, labels, 8)
	ds.Reshuffle()

	var seen []float64
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for i, example := range batch.Examples {
			label := batch.Labels.Data()[i]
			feature := example[model.InputFeatures].Data()[0]
			assert.Equal(t, label, feature, "example/label pairing broken by reshuffle")
			seen = append(seen, label)
		}
	}
	require.Len(t, seen, 64)
	identity := true
	for i, label := range seen {
		if label != float64(i) {
			identity = false
			break
		}
	}
	assert.False(t, identity, "reshuffle should change the order")
}

func TestInMemoryDatasetValidation(t *testing.T) {
	examples, labels := labeledExamples(3)
	require.Panics(t, func() { NewInMemoryDataset(nil, examples, labels[:2], 2) })
	require.Panics(t, func() { NewInMemoryDataset(nil, examples, labels, 0) })
}

func TestStackBatch(t *testing.T) {
	examples, labels := labeledExamples(3)
	ds := NewInMemoryDataset(nil, examples, labels, 3)
	batch, err := ds.Yield()
	require.NoError(t, err)

	inputs, labelT, err := stackBatch(batch, tensors.Accelerator)
	require.NoError(t, err)
	stacked := inputs[model.InputFeatures]
	assert.Equal(t, []int{3, 1}, stacked.Dims())
	assert.Equal(t, []float64{0, 1, 2}, stacked.Data())
	assert.Equal(t, tensors.Accelerator, stacked.Device())
	assert.Equal(t, tensors.Accelerator, labelT.Device())

	// The label tensor is a copy, the dataset's own labels stay on CPU.
	assert.Equal(t, tensors.CPU, batch.Labels.Device())
}

func TestStackBatchMissingKey(t *testing.T) {
	batch := &Batch{
		Examples: []map[string]*tensors.Tensor{
			{model.InputFeatures: tensors.FromFlat([]float64{1}, 1)},
			{"other": tensors.FromFlat([]float64{2}, 1)},
		},
		Labels: tensors.FromFlat([]float64{0, 1}, 2),
	}
	_, _, err := stackBatch(batch, tensors.CPU)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing input")
}

func TestStackBatchEmpty(t *testing.T) {
	_, _, err := stackBatch(&Batch{}, tensors.CPU)
	require.Error(t, err)
}
