// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mnist_train trains the MNIST convolutional network and saves the model to the model directory.
//
// It is the program run by the managed training job: the platform sets the model directory, the
// number of GPUs and the training data directory in the environment (see package trainenv), and passes
// the hyperparameters as flags:
//
//	mnist_train --epochs 10 --optimizer sgd --hidden_channels 10
//
// Each environment setting can be given as a flag for local runs:
//
//	mnist_train -model-dir /tmp/mnist_model -num-gpus 0 -data-dir ~/tmp/mnist -download -epochs 1
//
// With -predict it doesn't train: it loads the model from the model directory and classifies the given image files.
// Only the model directory is required then.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/managedtrain/internal/fsutil"
	"github.com/gomlx/managedtrain/pkg/mnist"
	"github.com/gomlx/managedtrain/pkg/trainenv"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagEpochs         = flag.Int("epochs", mnist.DefaultEpochs, "Number of epochs to train.")
	flagOptimizer      = flag.String("optimizer", string(mnist.DefaultOptimizer), `Optimizer: "sgd" (with momentum) or "adam".`)
	flagHiddenChannels = flag.Int("hidden_channels", mnist.DefaultHiddenChannels, "Number of channels of the first convolution.")
	flagLogInterval    = flag.Int("log_interval", mnist.DefaultLogInterval, "Batches between training loss reports, 0 to disable.")
	flagBackend        = flag.String("backend", "", `GoMLX backend configuration (e.g. "xla:cpu"). Defaults to CUDA if there are GPUs.`)
	flagSettings       = flag.String("set", "", `Context hyperparameters to override, e.g. "dropout_rate=0.25".`)
	flagProgress       = flag.Bool("progress", false, "Display a progress bar while training.")
	flagDownload       = flag.Bool("download", false, "Download the MNIST files to the data directory if missing.")
	flagPredict        = flag.String("predict", "", "Comma-separated image files to classify with the saved model, instead of training.")
	flagInvert         = flag.Bool("invert", true, "With -predict: invert the images, for dark digits on a light background.")
)

func main() {
	envFlags := trainenv.RegisterFlags(flag.CommandLine, os.LookupEnv)
	klog.InitFlags(nil)
	flag.Parse()

	// Configuration errors are fatal before any data is read.
	if *flagPredict != "" {
		env, err := envFlags.ModelConfig()
		if err != nil {
			klog.Fatalf("Configuration: %v", err)
		}
		err = exceptions.TryCatch[error](func() { predict(env, strings.Split(*flagPredict, ",")) })
		if err != nil {
			klog.Fatalf("Error:\n%+v", err)
		}
		return
	}
	env, err := envFlags.Config()
	if err != nil {
		klog.Fatalf("Configuration: %v", err)
	}
	cfg := mnist.DefaultConfig()
	cfg.Epochs = *flagEpochs
	cfg.HiddenChannels = *flagHiddenChannels
	cfg.LogInterval = *flagLogInterval
	cfg.ShowProgressBar = *flagProgress
	cfg.ContextSettings = *flagSettings
	cfg.Optimizer, err = mnist.ParseOptimizerName(*flagOptimizer)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		klog.Fatalf("Configuration: %v", err)
	}
	if len(env.Hosts) > 1 {
		klog.Warningf("Job has %d hosts, training runs only on %q", len(env.Hosts), env.CurrentHost)
	}

	err = exceptions.TryCatch[error](func() { trainAndSave(env, cfg) })
	if err != nil {
		klog.Fatalf("Error:\n%+v", err)
	}
}

func trainAndSave(env trainenv.Config, cfg mnist.Config) {
	if *flagDownload {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		must.M(mnist.Download(ctx, env.TrainingDir, *flagProgress))
	}
	trainSplit := must.M1(mnist.LoadPartition(env.TrainingDir, mnist.TrainPartition))
	testSplit := must.M1(mnist.LoadPartition(env.TestingDir, mnist.TestPartition))
	klog.Infof("Training with %d examples, testing with %d: %+v", trainSplit.Len(), testSplit.Len(), cfg.Hyperparameters)

	backend := must.M1(env.NewBackend(*flagBackend))
	defer backend.Finalize()
	ctx, history := must.M2(mnist.Train(backend, cfg, trainSplit, testSplit))
	if len(history) > 0 {
		last := history[len(history)-1].Test
		klog.Infof("Final test accuracy: %.2f%%", last.Accuracy())
	}
	path := must.M1(mnist.SaveModel(ctx, cfg.Hyperparameters, env.ModelDir))
	klog.Infof("Model saved to %q", path)
}

func predict(env trainenv.Config, imagePaths []string) {
	model := must.M1(mnist.LoadModel(filepath.Join(env.ModelDir, mnist.ArtifactFileName)))
	ctx := must.M1(model.Context())
	backend := must.M1(env.NewBackend(*flagBackend))
	defer backend.Finalize()
	predictor := must.M1(mnist.NewPredictor(backend, ctx))
	defer predictor.Finalize()
	predictor.Invert = *flagInvert
	for _, imagePath := range imagePaths {
		prediction := must.M1(predictor.PredictFile(fsutil.MustExpandHome(strings.TrimSpace(imagePath))))
		fmt.Printf("%s: %d (%.1f%%)\n", imagePath, prediction.Digit, 100*prediction.Probabilities[prediction.Digit])
	}
}
