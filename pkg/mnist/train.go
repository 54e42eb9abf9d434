// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	DefaultEpochs         = 10
	DefaultOptimizer      = SGD
	DefaultHiddenChannels = 10

	DefaultBatchSize     = 64
	DefaultEvalBatchSize = 1000
	DefaultSeed          = int64(42)
	DefaultLogInterval   = 100
)

// Hyperparameters of a training run. They are fixed once training starts.
type Hyperparameters struct {
	Epochs         int
	Optimizer      OptimizerName
	HiddenChannels int
}

// DefaultHyperparameters returns the hyperparameters used when none are given.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		Epochs:         DefaultEpochs,
		Optimizer:      DefaultOptimizer,
		HiddenChannels: DefaultHiddenChannels,
	}
}

// Validate returns an error if any of the values is out of range.
func (hp Hyperparameters) Validate() error {
	if hp.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0, got %d", hp.Epochs)
	}
	if hp.HiddenChannels <= 0 {
		return errors.Errorf("hidden_channels must be > 0, got %d", hp.HiddenChannels)
	}
	if _, err := ParseOptimizerName(string(hp.Optimizer)); err != nil {
		return err
	}
	return nil
}

// Config holds the hyperparameters and the fixed settings of the training procedure.
type Config struct {
	Hyperparameters

	BatchSize, EvalBatchSize int

	// Seed used for the variables initialization, dropout and the shuffling of the datasets.
	Seed int64

	// LogInterval is the number of batches between training loss reports. 0 disables them.
	LogInterval int

	// ShowProgressBar attaches a progress bar to the training loop.
	ShowProgressBar bool

	// ContextSettings overrides context hyperparameters, formatted "param1=value1;param2=value2",
	// e.g. "dropout_rate=0.25". Only parameters set by NewContext can be overridden.
	ContextSettings string
}

// Validate the hyperparameters and the batch sizes.
func (cfg Config) Validate() error {
	if err := cfg.Hyperparameters.Validate(); err != nil {
		return err
	}
	if cfg.BatchSize <= 0 || cfg.EvalBatchSize <= 0 {
		return errors.Errorf("batch sizes must be > 0, got batch_size=%d and eval_batch_size=%d",
			cfg.BatchSize, cfg.EvalBatchSize)
	}
	return nil
}

// DefaultConfig returns the configuration of the standard MNIST training run.
func DefaultConfig() Config {
	return Config{
		Hyperparameters: DefaultHyperparameters(),
		BatchSize:       DefaultBatchSize,
		EvalBatchSize:   DefaultEvalBatchSize,
		Seed:            DefaultSeed,
		LogInterval:     DefaultLogInterval,
	}
}

// EvalResult holds the aggregate metrics over a full partition.
type EvalResult struct {
	// LossSum is the sum of the per-example negative log-likelihood.
	LossSum float64
	Correct int
	Total   int
}

// AverageLoss is LossSum / Total.
func (r EvalResult) AverageLoss() float64 {
	if r.Total == 0 {
		return 0
	}
	return r.LossSum / float64(r.Total)
}

// Accuracy in percent.
func (r EvalResult) Accuracy() float64 {
	if r.Total == 0 {
		return 0
	}
	return 100 * float64(r.Correct) / float64(r.Total)
}

// EpochMetrics are the evaluation results after one epoch of training.
type EpochMetrics struct {
	Epoch       int
	Train, Test EvalResult
}

// NewContext creates the context holding the model variables and the hyperparameters.
func NewContext(cfg Config) (*context.Context, error) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		context.ParamInitialSeed: cfg.Seed,
		ParamHiddenChannels:      cfg.HiddenChannels,
		ParamDropoutRate:         DefaultDropoutRate,
		"optimizer":              string(cfg.Optimizer),
		"epochs":                 cfg.Epochs,
		"batch_size":             cfg.BatchSize,
		"eval_batch_size":        cfg.EvalBatchSize,
	})
	// Dropout masks are drawn from the context random state.
	if err := ctx.SetRNGStateFromSeed(cfg.Seed); err != nil {
		return nil, errors.WithMessage(err, "failed to seed the context random state")
	}
	return ctx, nil
}

// Train trains the network on trainSplit for cfg.Epochs epochs, and after each epoch evaluates it
// on the full trainSplit and testSplit.
//
// It returns the context with the final model variables (the ones after the last epoch) and the
// metrics of each epoch.
func Train(backend backends.Backend, cfg Config, trainSplit, testSplit *Examples) (
	ctx *context.Context, history []EpochMetrics, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if trainSplit.Len() == 0 || testSplit.Len() == 0 {
		return nil, nil, errors.Errorf("empty dataset: %d train and %d test examples", trainSplit.Len(), testSplit.Len())
	}
	optimizer, err := NewOptimizer(cfg.Optimizer)
	if err != nil {
		return nil, nil, err
	}

	if ctx, err = NewContext(cfg); err != nil {
		return nil, nil, err
	}
	if cfg.ContextSettings != "" {
		paramsSet, err := commandline.ParseContextSettings(ctx, cfg.ContextSettings)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "invalid context settings")
		}
		klog.Infof("Context settings: %s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	shuffle := rand.New(rand.NewSource(cfg.Seed))
	trainDS := NewDataset("train", trainSplit, cfg.BatchSize, shuffle)
	trainEvalDS := NewDataset("train-eval", trainSplit, cfg.EvalBatchSize, shuffle)
	testEvalDS := NewDataset("test-eval", testSplit, cfg.EvalBatchSize, shuffle)

	var loop *train.Loop
	err = exceptions.TryCatch[error](func() {
		trainer := train.NewTrainer(backend, ctx, ModelGraph, NLLLoss, optimizer,
			[]metrics.Interface{}, // trainMetrics
			[]metrics.Interface{}) // evalMetrics
		loop = train.NewLoop(trainer)
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to create trainer")
	}
	var epoch int
	if cfg.LogInterval > 0 {
		loop.OnStep("mnist_train_log", 0, trainLogger(cfg, trainDS, &epoch))
	}
	if cfg.ShowProgressBar {
		commandline.AttachProgressBar(loop)
	}

	evaluator, err := NewEvaluator(backend, ctx)
	if err != nil {
		return nil, nil, err
	}
	defer evaluator.Finalize()

	for epoch = 1; epoch <= cfg.Epochs; epoch++ {
		// Each call to RunEpochs resets the dataset, re-shuffling it, when it is exhausted.
		var lastMetrics []*tensors.Tensor
		if lastMetrics, err = loop.RunEpochs(trainDS, 1); err != nil {
			return nil, nil, errors.WithMessagef(err, "training epoch %d", epoch)
		}
		finalizeAll(lastMetrics)
		epochMetrics := EpochMetrics{Epoch: epoch}
		if epochMetrics.Train, err = evaluator.Evaluate(trainEvalDS); err != nil {
			return nil, nil, errors.WithMessagef(err, "evaluating train set after epoch %d", epoch)
		}
		if epochMetrics.Test, err = evaluator.Evaluate(testEvalDS); err != nil {
			return nil, nil, errors.WithMessagef(err, "evaluating test set after epoch %d", epoch)
		}
		logEval("Train", epochMetrics.Train)
		logEval("Test", epochMetrics.Test)
		history = append(history, epochMetrics)
	}
	return ctx, history, nil
}

// trainLogger returns the hook that reports the batch loss every cfg.LogInterval batches of the current epoch.
// Hooks run before Loop.LoopStep is incremented, so the batch index in the epoch is LoopStep-StartStep.
func trainLogger(cfg Config, ds *Dataset, epoch *int) train.OnStepFn {
	return func(loop *train.Loop, batchMetrics []*tensors.Tensor) error {
		line, due := trainLogLine(*epoch, loop.LoopStep-loop.StartStep, cfg.LogInterval, ds.BatchSize(), ds.Len(),
			func() float32 { return tensors.ToScalar[float32](batchMetrics[0]) })
		if due {
			klog.Info(line)
		}
		return nil
	}
}

// trainLogLine formats the report of the 0-based batchIdx of the epoch, if it is due (every logInterval batches,
// starting with the first). The examples seen count the full batches before this one.
// loss is only called if the report is due.
func trainLogLine(epoch, batchIdx, logInterval, batchSize, numExamples int, loss func() float32) (line string, due bool) {
	if logInterval <= 0 || batchIdx%logInterval != 0 {
		return "", false
	}
	numBatches := (numExamples + batchSize - 1) / batchSize
	return fmt.Sprintf("Train Epoch: %d [%d/%d (%.0f%%)]\tLoss: %.6f", epoch,
		batchIdx*batchSize, numExamples, 100*float64(batchIdx)/float64(numBatches), loss()), true
}

// finalizeAll frees the tensors returned by a training run that are not used.
func finalizeAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			t.MustFinalizeAll()
		}
	}
}

func logEval(name string, r EvalResult) {
	klog.Infof("%s set: Average loss: %.4f, Accuracy: %d/%d (%.0f%%)", name, r.AverageLoss(), r.Correct, r.Total, r.Accuracy())
}

// Evaluator computes the aggregate loss and accuracy of the model over a dataset, in inference mode.
type Evaluator struct {
	exec *context.Exec
}

// NewEvaluator creates an Evaluator for the model in ctx.
func NewEvaluator(backend backends.Backend, ctx *context.Context) (*Evaluator, error) {
	exec, err := context.NewExec(backend, ctx.Reuse(),
		func(ctx *context.Context, images, labels *Node) (*Node, *Node) {
			logProbs := ModelGraph(ctx, nil, []*Node{images})[0]
			lossSum := ReduceAllSum(PerExampleLoss(labels, logProbs))
			return lossSum, CorrectCount(labels, logProbs)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create evaluation graph")
	}
	return &Evaluator{exec: exec}, nil
}

// Evaluate runs one full pass over ds, starting from a Reset, and returns the aggregate results.
func (e *Evaluator) Evaluate(ds *Dataset) (result EvalResult, err error) {
	ds.Reset()
	for {
		_, inputs, labels, yieldErr := ds.Yield()
		if yieldErr == io.EOF {
			break
		}
		if yieldErr != nil {
			return result, errors.WithMessagef(yieldErr, "reading %q", ds.Name())
		}
		lossSum, correct, execErr := e.exec.Exec2(inputs[0], labels[0])
		result.Total += labels[0].Shape().Dimensions[0]
		inputs[0].MustFinalizeAll()
		labels[0].MustFinalizeAll()
		if execErr != nil {
			return result, errors.WithMessagef(execErr, "evaluating %q", ds.Name())
		}
		result.LossSum += float64(tensors.ToScalar[float32](lossSum))
		result.Correct += int(tensors.ToScalar[int32](correct))
		lossSum.MustFinalizeAll()
		correct.MustFinalizeAll()
	}
	return result, nil
}

// Finalize releases the compiled graphs.
func (e *Evaluator) Finalize() {
	e.exec.Finalize()
}

// LogProbabilities returns the model output (log-probabilities, shaped `[n, NumClasses]`) for the
// first n examples of split, in order.
func LogProbabilities(backend backends.Backend, ctx *context.Context, split *Examples, n int) ([][]float32, error) {
	n = min(n, split.Len())
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	images, labels := split.tensors(indices)
	labels.MustFinalizeAll()
	defer images.MustFinalizeAll()

	var output *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		output = context.MustExecOnce(backend, ctx.Checked(false), func(ctx *context.Context, images *Node) *Node {
			return ModelGraph(ctx, nil, []*Node{images})[0]
		}, images)
	})
	if err != nil {
		return nil, err
	}
	defer output.MustFinalizeAll()
	flat := tensors.MustCopyFlatData[float32](output)
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = flat[i*NumClasses : (i+1)*NumClasses]
	}
	return rows, nil
}
