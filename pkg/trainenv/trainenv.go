// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainenv reads the configuration the managed training platform passes to the training
// program: where to read the data from, where to write the model to and how many GPUs are available.
//
// The platform passes it as environment variables; each one can be overridden with a command-line flag:
//
//	fs := flag.NewFlagSet("mnist_train", flag.ExitOnError)
//	envFlags := trainenv.RegisterFlags(fs, os.LookupEnv)
//	_ = fs.Parse(os.Args[1:])
//	cfg, err := envFlags.Config()
package trainenv

import (
	"encoding/json"
	"flag"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/managedtrain/internal/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Environment variables set by the platform in the training container.
const (
	EnvModelDir        = "SM_MODEL_DIR"
	EnvNumGPUs         = "SM_NUM_GPUS"
	EnvTrainingChannel = "SM_CHANNEL_TRAINING"
	EnvTestingChannel  = "SM_CHANNEL_TESTING"
	EnvHosts           = "SM_HOSTS"
	EnvCurrentHost     = "SM_CURRENT_HOST"
)

var (
	// ErrMissing is returned (wrapped) when a required setting is given neither by flag nor by environment.
	ErrMissing = errors.New("missing required setting")

	// ErrInvalid is returned (wrapped) when a setting can't be parsed or is out of range.
	ErrInvalid = errors.New("invalid setting")
)

// LookupFn returns the value of an environment variable, and whether it is set. os.LookupEnv is one.
type LookupFn func(key string) (string, bool)

// Config of the execution environment.
type Config struct {
	// ModelDir is the directory where the model artifact must be written.
	ModelDir string

	// NumGPUs available to the job. 0 means train on CPU.
	NumGPUs int

	// TrainingDir holds the training partition files. TestingDir holds the test partition, and
	// defaults to TrainingDir, since the MNIST files of both partitions are usually uploaded together.
	TrainingDir, TestingDir string

	// Hosts taking part in the job and the name of this one. Informational only: training runs on a single host.
	Hosts       []string
	CurrentHost string
}

// Flags holds the command-line flags of the environment settings, with the environment values as defaults.
type Flags struct {
	modelDir, numGPUs, dataDir, testDataDir *string
	hosts, currentHost                      string
}

// RegisterFlags defines in fs the flags -model-dir, -num-gpus, -data-dir and -test-data-dir, defaulting
// to the values given by lookup.
func RegisterFlags(fs *flag.FlagSet, lookup LookupFn) *Flags {
	getenv := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	f := &Flags{
		modelDir: fs.String("model-dir", getenv(EnvModelDir),
			"Directory where to save the trained model. Defaults to $"+EnvModelDir+"."),
		numGPUs: fs.String("num-gpus", getenv(EnvNumGPUs),
			"Number of GPUs to train on, 0 for CPU. Defaults to $"+EnvNumGPUs+"."),
		dataDir: fs.String("data-dir", getenv(EnvTrainingChannel),
			"Directory with the MNIST IDX files. Defaults to $"+EnvTrainingChannel+"."),
		testDataDir: fs.String("test-data-dir", getenv(EnvTestingChannel),
			"Directory with the MNIST test IDX files. Defaults to $"+EnvTestingChannel+", or to -data-dir if not set."),
		hosts:       getenv(EnvHosts),
		currentHost: getenv(EnvCurrentHost),
	}
	return f
}

// Config validates the flag values needed for training and returns the configuration.
// Errors wrap ErrMissing or ErrInvalid.
func (f *Flags) Config() (Config, error) {
	return f.config(true)
}

// ModelConfig validates only the settings needed to use a saved model: the model directory is required,
// the number of GPUs defaults to 0 and the data directories are optional.
func (f *Flags) ModelConfig() (Config, error) {
	return f.config(false)
}

func (f *Flags) config(training bool) (Config, error) {
	cfg := Config{
		ModelDir:    strings.TrimSpace(*f.modelDir),
		TrainingDir: strings.TrimSpace(*f.dataDir),
		TestingDir:  strings.TrimSpace(*f.testDataDir),
		CurrentHost: f.currentHost,
	}
	if cfg.ModelDir == "" {
		return cfg, errors.Wrapf(ErrMissing, "model directory: set -model-dir or $%s", EnvModelDir)
	}
	if training && cfg.TrainingDir == "" {
		return cfg, errors.Wrapf(ErrMissing, "training data directory: set -data-dir or $%s", EnvTrainingChannel)
	}
	numGPUs := strings.TrimSpace(*f.numGPUs)
	if numGPUs == "" {
		if training {
			return cfg, errors.Wrapf(ErrMissing, "number of GPUs: set -num-gpus or $%s", EnvNumGPUs)
		}
		numGPUs = "0"
	}
	var err error
	cfg.NumGPUs, err = strconv.Atoi(numGPUs)
	if err != nil || cfg.NumGPUs < 0 {
		return cfg, errors.Wrapf(ErrInvalid, "number of GPUs %q must be a non-negative integer", numGPUs)
	}
	if cfg.TestingDir == "" {
		cfg.TestingDir = cfg.TrainingDir
	}
	for _, dir := range []*string{&cfg.ModelDir, &cfg.TrainingDir, &cfg.TestingDir} {
		if *dir == "" {
			continue
		}
		if *dir, err = fsutil.ExpandHome(*dir); err != nil {
			return cfg, errors.Wrapf(ErrInvalid, "%v", err)
		}
	}
	if f.hosts != "" {
		if err = json.Unmarshal([]byte(f.hosts), &cfg.Hosts); err != nil {
			return cfg, errors.Wrapf(ErrInvalid, "$%s=%q is not a JSON list of host names: %v", EnvHosts, f.hosts, err)
		}
	}
	return cfg, nil
}

// BackendConfig returns the GoMLX backend configuration for the environment: override if given,
// the CUDA PJRT plugin if there are GPUs, or empty for the default backend.
func (cfg Config) BackendConfig(override string) string {
	if override != "" {
		return override
	}
	if cfg.NumGPUs > 0 {
		return "xla:cuda"
	}
	return ""
}

// NewBackend creates the backend given by BackendConfig.
func (cfg Config) NewBackend(override string) (backends.Backend, error) {
	config := cfg.BackendConfig(override)
	var (
		backend backends.Backend
		err     error
	)
	if config == "" {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(config)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q", config)
	}
	if cfg.NumGPUs > 1 {
		klog.Warningf("%d GPUs available, training uses only one", cfg.NumGPUs)
	}
	klog.Infof("Backend: %s", backend.Description())
	return backend, nil
}
