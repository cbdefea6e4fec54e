// fgtrain trains the bundled classifier on a synthetic Gaussian-blobs dataset.
// It is a small demonstration of wiring the full training stack: engine,
// optimizer, schedule controller, checkpoints, metrics and plot telemetry.
//
// Usage:
//
//	fgtrain [-config run.yaml]
//
// Without -config it trains with built-in defaults.
package main

import (
	"flag"
	"math/rand"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/fgtrain/fgtrain/checkpoints"
	"github.com/fgtrain/fgtrain/model"
	"github.com/fgtrain/fgtrain/plots"
	"github.com/fgtrain/fgtrain/tensors"
	"github.com/fgtrain/fgtrain/train"
	"github.com/fgtrain/fgtrain/train/commandline"
	"github.com/fgtrain/fgtrain/train/losses"
	"github.com/fgtrain/fgtrain/train/metrics"
	"github.com/fgtrain/fgtrain/train/optimizers"
)

var flagConfig = flag.String("config", "", "YAML run configuration file; built-in defaults are used when empty")

// runFile is the YAML layout of the -config file.
type runFile struct {
	Run train.RunConfig `yaml:"run"`

	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`

	// Scheduler is optional; with it absent the learning rate stays constant.
	Scheduler *optimizers.ControllerConfig `yaml:"scheduler"`

	MetricsAverage string `yaml:"metrics_average"`

	// SaveDir is where the per-run checkpoint directory is created.
	SaveDir string `yaml:"save_dir"`

	// Dataset shape: NumExamples points in NumFeatures dimensions, spread over
	// NumClasses Gaussian blobs. HiddenSize is the classifier's hidden layer.
	NumExamples int `yaml:"num_examples"`
	NumFeatures int `yaml:"num_features"`
	NumClasses  int `yaml:"num_classes"`
	HiddenSize  int `yaml:"hidden_size"`
}

func defaultRunFile() *runFile {
	return &runFile{
		Run: train.RunConfig{
			Epochs:       5,
			BatchSize:    32,
			MaxGradNorm:  1.0,
			Adversarial:  true,
			LoggingSteps: 20,
			Seed:         42,

			ReshuffleBetweenEpochs: true,
			Predict:                true,
		},
		Optimizer:    "adamw",
		LearningRate: 1e-2,
		Scheduler: &optimizers.ControllerConfig{
			Type:         optimizers.ScheduleExponential,
			StepPerEpoch: true,
			Gamma:        0.9,
		},
		MetricsAverage: metrics.AverageMacro,
		SaveDir:        "checkpoints",
		NumExamples:    2048,
		NumFeatures:    8,
		NumClasses:     3,
		HiddenSize:     16,
	}
}

func loadRunFile(path string) *runFile {
	cfg := defaultRunFile()
	if path == "" {
		return cfg
	}
	data := must.M1(os.ReadFile(path))
	must.M(yaml.Unmarshal(data, cfg))
	return cfg
}

// makeBlobs samples labeled points from NumClasses Gaussian blobs whose centers
// sit on scaled unit vectors, an easily separable classification task.
func makeBlobs(rng *rand.Rand, cfg *runFile) ([]map[string]*tensors.Tensor, []float64) {
	examples := make([]map[string]*tensors.Tensor, 0, cfg.NumExamples)
	labels := make([]float64, 0, cfg.NumExamples)
	for i := 0; i < cfg.NumExamples; i++ {
		class := rng.Intn(cfg.NumClasses)
		features := make([]float64, cfg.NumFeatures)
		for j := range features {
			features[j] = rng.NormFloat64() * 0.5
		}
		features[class%cfg.NumFeatures] += 3.0
		examples = append(examples, map[string]*tensors.Tensor{
			model.InputFeatures: tensors.FromFlat(features, cfg.NumFeatures),
		})
		labels = append(labels, float64(class))
	}
	return examples, labels
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := loadRunFile(*flagConfig)
	train.InitDeterminism(cfg.Run.Seed)
	rng := train.RNG()

	examples, labels := makeBlobs(rng, cfg)
	klog.Infof("sampled %s examples (%d features, %d classes)",
		humanize.Comma(int64(len(examples))), cfg.NumFeatures, cfg.NumClasses)

	// 80/10/10 split; the dataset was sampled i.i.d. so a straight cut is fine.
	n := len(examples)
	trainEnd, evalEnd := n*8/10, n*9/10
	trainDS := train.NewInMemoryDataset(rng, examples[:trainEnd], labels[:trainEnd], cfg.Run.BatchSize)
	evalDS := train.NewInMemoryDataset(rng, examples[trainEnd:evalEnd], labels[trainEnd:evalEnd], cfg.Run.BatchSize)
	testDS := train.NewInMemoryDataset(rng, examples[evalEnd:], labels[evalEnd:], cfg.Run.BatchSize)

	classifier := model.NewClassifier(rng, cfg.NumFeatures, cfg.HiddenSize, cfg.NumClasses)
	opt := must.M1(optimizers.ByName(cfg.Optimizer, cfg.LearningRate))
	evaluator := must.M1(metrics.NewEvaluator(cfg.MetricsAverage))

	store := must.M1(checkpoints.Build(cfg.SaveDir).
		ModelType(classifier.TypeName()).
		LearningRate(cfg.LearningRate).
		Seed(cfg.Run.Seed).
		Done())
	writer := must.M1(plots.NewWriter(store.Dir()))

	engine := must.M1(train.NewEngine(&cfg.Run, classifier, losses.NewCrossEntropy(), opt)).
		WithEvaluator(evaluator).
		WithCheckpoints(store).
		WithTelemetry(writer)
	if cfg.Scheduler != nil {
		engine.WithScheduleController(must.M1(optimizers.NewController(opt, evaluator, *cfg.Scheduler)))
	}
	commandline.AttachProgressBar(engine)

	must.M(engine.Train(trainDS, evalDS, testDS))
	must.M(writer.Close())
}
