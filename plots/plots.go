// Package plots implements the scalar telemetry sink: time series of training
// and evaluation metrics keyed by name ("loss/train", "loss/eval", "lr",
// "<metric>/train", "<metric>/eval") and indexed by global step, appended as
// JSON lines under the run directory so external plotters can consume them.
package plots

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// TrainingPlotFileName is the file name within a run directory used to store
// plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// Point represents one recorded scalar. It is used to save/load series.
type Point struct {
	// MetricName of this point, e.g. "loss/train" or "f1/eval".
	MetricName string

	// Step is the global step this metric was measured at.
	Step float64

	// Value is the scalar captured.
	Value float64

	// RunID ties the point to the run that produced it.
	RunID string `json:",omitempty"`
}

// Writer appends points to the training plot file of a run directory.
type Writer struct {
	file  *os.File
	enc   *json.Encoder
	runID string
}

// NewWriter opens (or creates) the plot file under dir for appending.
func NewWriter(dir string) (*Writer, error) {
	path := filepath.Join(dir, TrainingPlotFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		return nil, errors.Wrapf(err, "opening plot points file %q", path)
	}
	return &Writer{file: f, enc: json.NewEncoder(f), runID: uuid.NewString()}, nil
}

// AddScalar records one scalar for the given metric name at the given global
// step. Telemetry failures are logged, not propagated: losing a plot point must
// not interrupt training.
func (w *Writer) AddScalar(name string, step int, value float64) {
	if w == nil {
		return
	}
	err := w.enc.Encode(Point{MetricName: name, Step: float64(step), Value: value, RunID: w.runID})
	if err != nil {
		klog.Errorf("failed to record plot point %s=%f at step %d: %v", name, value, step, err)
	}
}

// Close flushes and closes the plot file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	return w.file.Close()
}

// Points aggregates loaded points by step.
type Points map[float64][]Point

// LoadPoints reads all points from the plot file under dir.
func LoadPoints(dir string) (Points, error) {
	path := filepath.Join(dir, TrainingPlotFileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening plot points file %q", path)
	}
	defer func() { _ = f.Close() }()
	points := make(Points)
	dec := json.NewDecoder(f)
	for dec.More() {
		var p Point
		if err := dec.Decode(&p); err != nil {
			return nil, errors.Wrapf(err, "parsing plot points file %q", path)
		}
		points[p.Step] = append(points[p.Step], p)
	}
	return points, nil
}

// MetricsNames returns the sorted set of metric names present.
func (points Points) MetricsNames() []string {
	seen := make(map[string]bool)
	for _, stepPoints := range points {
		for _, p := range stepPoints {
			seen[p.MetricName] = true
		}
	}
	names := maps.Keys(seen)
	slices.Sort(names)
	return names
}
