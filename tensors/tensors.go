// Package tensors provides the dense tensor values exchanged between the training
// engine and its collaborators (model, loss, optimizer, dataset).
//
// Tensors are float64, row-major and always fully materialized. They carry a Device
// tag: the harness itself never does accelerator arithmetic, but the checkpointing
// and engine code rely on the tag to honor the "serialize on CPU, compute on device"
// contract. A call to Tensor.To only returns after the (logical) transfer finished,
// so a device move can be treated as a blocking barrier.
package tensors

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"
)

// Device identifies where a tensor (logically) lives.
type Device string

const (
	// CPU is the host device. Checkpoints are always written from here.
	CPU Device = "cpu"

	// Accelerator is the opaque compute device the engine trains on.
	Accelerator Device = "accel"
)

// Tensor is a dense row-major float64 tensor.
type Tensor struct {
	dims   []int
	data   []float64
	device Device
}

// New creates a zero-initialized tensor with the given dimensions, on CPU.
func New(dims ...int) *Tensor {
	size := 1
	for _, d := range dims {
		if d <= 0 {
			exceptions.Panicf("tensors.New: invalid dimension %d in %v", d, dims)
		}
		size *= d
	}
	return &Tensor{dims: append([]int{}, dims...), data: make([]float64, size), device: CPU}
}

// FromFlat creates a tensor wrapping the given flat data. The data is not copied.
func FromFlat(data []float64, dims ...int) *Tensor {
	t := &Tensor{dims: append([]int{}, dims...), data: data, device: CPU}
	if t.Size() != len(data) {
		exceptions.Panicf("tensors.FromFlat: shape %v needs %d values, got %d", dims, t.Size(), len(data))
	}
	return t
}

// FromScalar creates a rank-0 tensor holding v.
func FromScalar(v float64) *Tensor {
	return &Tensor{dims: []int{}, data: []float64{v}, device: CPU}
}

// Dims returns the tensor dimensions. The caller must not mutate the returned slice.
func (t *Tensor) Dims() []int { return t.dims }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.dims) }

// Dim returns the size of the given axis.
func (t *Tensor) Dim(axis int) int { return t.dims[axis] }

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, d := range t.dims {
		size *= d
	}
	return size
}

// Data returns the underlying flat data, mutable in place.
func (t *Tensor) Data() []float64 { return t.data }

// Value returns the value of a rank-0 or single-element tensor.
func (t *Tensor) Value() float64 {
	if len(t.data) != 1 {
		exceptions.Panicf("Tensor.Value called on tensor with %d elements, shape %v", len(t.data), t.dims)
	}
	return t.data[0]
}

// Device returns where the tensor currently lives.
func (t *Tensor) Device() Device { return t.device }

// To moves the tensor to the given device. The move is complete when To returns.
func (t *Tensor) To(device Device) *Tensor {
	t.device = device
	return t
}

// Clone returns a deep copy of the tensor, on the same device.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return &Tensor{dims: append([]int{}, t.dims...), data: data, device: t.device}
}

// CopyFrom overwrites the tensor values in place with those of o. Shapes must match.
func (t *Tensor) CopyFrom(o *Tensor) {
	t.assertSameShape(o, "CopyFrom")
	copy(t.data, o.data)
}

// AddScaled adds scale*o to the tensor in place.
func (t *Tensor) AddScaled(o *Tensor, scale float64) {
	t.assertSameShape(o, "AddScaled")
	floats.AddScaled(t.data, scale, o.data)
}

// Scale multiplies every element in place.
func (t *Tensor) Scale(scale float64) {
	floats.Scale(scale, t.data)
}

// Zero sets every element to 0 in place.
func (t *Tensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// L2Norm returns the Euclidean norm of the tensor.
func (t *Tensor) L2Norm() float64 {
	return floats.Norm(t.data, 2)
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float64 {
	return floats.Sum(t.data)
}

// Mean returns the mean of all elements.
func (t *Tensor) Mean() float64 {
	return floats.Sum(t.data) / float64(len(t.data))
}

// Equal reports whether o has the same shape and exactly the same values.
func (t *Tensor) Equal(o *Tensor) bool {
	if len(t.dims) != len(o.dims) {
		return false
	}
	for i, d := range t.dims {
		if o.dims[i] != d {
			return false
		}
	}
	return floats.Equal(t.data, o.data)
}

// HasNaN reports whether any element is NaN.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.data {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s)", t.dims, t.device)
}

func (t *Tensor) assertSameShape(o *Tensor, op string) {
	if len(t.data) != len(o.data) {
		exceptions.Panicf("Tensor.%s: shape mismatch %v vs %v", op, t.dims, o.dims)
	}
}

// Row returns a view (not a copy) of row i of a rank-2 tensor.
func (t *Tensor) Row(i int) []float64 {
	if t.Rank() != 2 {
		exceptions.Panicf("Tensor.Row requires rank-2 tensor, got shape %v", t.dims)
	}
	cols := t.dims[1]
	return t.data[i*cols : (i+1)*cols]
}

// Stack stacks equally shaped tensors along a new leading axis.
// It is used to batch per-example encoded tensors before a forward pass.
func Stack(ts []*Tensor) *Tensor {
	if len(ts) == 0 {
		exceptions.Panicf("tensors.Stack: empty input")
	}
	first := ts[0]
	out := New(append([]int{len(ts)}, first.dims...)...)
	stride := first.Size()
	for i, t := range ts {
		if t.Size() != stride {
			exceptions.Panicf("tensors.Stack: tensor %d has shape %v, want %v", i, t.dims, first.dims)
		}
		copy(out.data[i*stride:], t.data)
	}
	return out
}

// ArgMaxRows returns, for a [batch, classes] tensor, the index of the largest
// value in each row: the predicted class per example.
func ArgMaxRows(t *Tensor) []int {
	if t.Rank() != 2 {
		exceptions.Panicf("tensors.ArgMaxRows requires rank-2 tensor, got shape %v", t.Dims())
	}
	preds := make([]int, t.Dim(0))
	for i := range preds {
		preds[i] = floats.MaxIdx(t.Row(i))
	}
	return preds
}
