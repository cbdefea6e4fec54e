package model

import (
	"math"
	"math/rand"

	"github.com/gomlx/exceptions"

	"github.com/fgtrain/fgtrain/tensors"
)

// InputFeatures is the input key the bundled classifier reads its features from.
const InputFeatures = "features"

// Classifier is a small two-layer softmax classifier with an explicit backward
// pass. It exists so the harness can be exercised end-to-end (tests and the demo
// binary) without an external model; real models only need to implement Model.
//
// Architecture: hidden = tanh(embedding.weight · x), logits = classifier.weight ·
// hidden + classifier.bias.
type Classifier struct {
	numFeatures, numHidden, numClasses int

	embedding *Parameter // "embedding.weight" [hidden, features]
	weight    *Parameter // "classifier.weight" [classes, hidden]
	bias      *Parameter // "classifier.bias" [classes]

	device tensors.Device

	// Cached activations from the last Forward, consumed by Backward.
	lastInput  *tensors.Tensor
	lastHidden *tensors.Tensor
}

// NewClassifier creates a classifier with weights initialized from rng using
// scaled uniform initialization.
func NewClassifier(rng *rand.Rand, numFeatures, numHidden, numClasses int) *Classifier {
	c := &Classifier{
		numFeatures: numFeatures,
		numHidden:   numHidden,
		numClasses:  numClasses,
		device:      tensors.CPU,
	}
	c.embedding = newUniformParameter(rng, "embedding.weight", numHidden, numFeatures)
	c.weight = newUniformParameter(rng, "classifier.weight", numClasses, numHidden)
	c.bias = &Parameter{
		Name:      "classifier.bias",
		Value:     tensors.New(numClasses),
		Grad:      tensors.New(numClasses),
		Trainable: true,
	}
	return c
}

func newUniformParameter(rng *rand.Rand, name string, rows, cols int) *Parameter {
	value := tensors.New(rows, cols)
	limit := math.Sqrt(6.0 / float64(rows+cols))
	data := value.Data()
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return &Parameter{
		Name:      name,
		Value:     value,
		Grad:      tensors.New(rows, cols),
		Trainable: true,
	}
}

// Forward implements Model.
func (c *Classifier) Forward(inputs map[string]*tensors.Tensor) *tensors.Tensor {
	x, found := inputs[InputFeatures]
	if !found {
		exceptions.Panicf("Classifier.Forward: missing input %q", InputFeatures)
	}
	batch := x.Dim(0)
	hidden := tensors.New(batch, c.numHidden)
	for b := 0; b < batch; b++ {
		xRow, hRow := x.Row(b), hidden.Row(b)
		for j := 0; j < c.numHidden; j++ {
			wRow := c.embedding.Value.Row(j)
			sum := 0.0
			for k, xv := range xRow {
				sum += wRow[k] * xv
			}
			hRow[j] = math.Tanh(sum)
		}
	}
	logits := tensors.New(batch, c.numClasses)
	biasData := c.bias.Value.Data()
	for b := 0; b < batch; b++ {
		hRow, outRow := hidden.Row(b), logits.Row(b)
		for cl := 0; cl < c.numClasses; cl++ {
			wRow := c.weight.Value.Row(cl)
			sum := biasData[cl]
			for j, hv := range hRow {
				sum += wRow[j] * hv
			}
			outRow[cl] = sum
		}
	}
	c.lastInput, c.lastHidden = x, hidden
	return logits.To(c.device)
}

// Backward implements Model, accumulating into parameter gradients.
func (c *Classifier) Backward(gradLogits *tensors.Tensor) {
	if c.lastInput == nil {
		exceptions.Panicf("Classifier.Backward called before Forward")
	}
	batch := gradLogits.Dim(0)
	biasGrad := c.bias.Grad.Data()
	gradHidden := tensors.New(batch, c.numHidden)
	for b := 0; b < batch; b++ {
		gRow, hRow := gradLogits.Row(b), c.lastHidden.Row(b)
		ghRow := gradHidden.Row(b)
		for cl := 0; cl < c.numClasses; cl++ {
			g := gRow[cl]
			biasGrad[cl] += g
			wGradRow := c.weight.Grad.Row(cl)
			wRow := c.weight.Value.Row(cl)
			for j, hv := range hRow {
				wGradRow[j] += g * hv
				ghRow[j] += g * wRow[j]
			}
		}
	}
	for b := 0; b < batch; b++ {
		xRow, hRow, ghRow := c.lastInput.Row(b), c.lastHidden.Row(b), gradHidden.Row(b)
		for j := 0; j < c.numHidden; j++ {
			// d tanh(u)/du = 1 - tanh(u)^2
			gPre := ghRow[j] * (1 - hRow[j]*hRow[j])
			eGradRow := c.embedding.Grad.Row(j)
			for k, xv := range xRow {
				eGradRow[k] += gPre * xv
			}
		}
	}
}

// Parameters implements Model.
func (c *Classifier) Parameters() []*Parameter {
	return []*Parameter{c.embedding, c.weight, c.bias}
}

// TypeName implements Model.
func (c *Classifier) TypeName() string { return "linear" }

// To implements Model.
func (c *Classifier) To(device tensors.Device) {
	for _, p := range c.Parameters() {
		p.Value.To(device)
		p.Grad.To(device)
	}
	c.device = device
}

// Device implements Model.
func (c *Classifier) Device() tensors.Device { return c.device }

// PerturbableParameterNames implements Adversarial: only the embedding layer is a
// sensible FGM target.
func (c *Classifier) PerturbableParameterNames() []string {
	return []string{"embedding"}
}

var (
	_ Model       = (*Classifier)(nil)
	_ Adversarial = (*Classifier)(nil)
)
