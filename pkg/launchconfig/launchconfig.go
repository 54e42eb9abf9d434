// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package launchconfig holds the configuration of the job launcher: the AWS account settings, where the
// dataset and artifacts are stored, and the training job resources and hyperparameters.
//
// Values are layered: embedded defaults, then the YAML configuration file, then the environment
// variables prefixed by EnvPrefix, where "__" separates nested keys.
package launchconfig

import (
	_ "embed"
	"strings"
	"time"

	"github.com/gomlx/managedtrain/internal/fsutil"
	"github.com/gomlx/managedtrain/pkg/job"
	"github.com/gomlx/managedtrain/pkg/storage"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EnvPrefix of the environment variables that override the configuration.
const EnvPrefix = "MNIST_LAUNCH_"

//go:embed defaults.yaml
var defaultsYAML []byte

// Hyperparameters of the training program.
type Hyperparameters struct {
	Epochs         int    `koanf:"epochs"`
	Optimizer      string `koanf:"optimizer"`
	HiddenChannels int    `koanf:"hidden_channels"`
}

// Map returns the hyperparameters keyed by the training program flag names.
func (hp Hyperparameters) Map() map[string]any {
	return map[string]any{
		"epochs":          hp.Epochs,
		"optimizer":       hp.Optimizer,
		"hidden_channels": hp.HiddenChannels,
	}
}

// Config of the launcher.
type Config struct {
	Region string `koanf:"region"`
	Role   string `koanf:"role"`

	// Bucket and Prefix under which the dataset, the packaged source and the job outputs are stored.
	Bucket string `koanf:"bucket"`
	Prefix string `koanf:"prefix"`

	// DataDir is the local directory where the dataset is downloaded to and uploaded from.
	DataDir string `koanf:"data_dir"`

	// SourceDir is packaged and uploaded as the training program source. EntryPoint is the program to run in it.
	SourceDir  string `koanf:"source_dir"`
	EntryPoint string `koanf:"entry_point"`

	// Image is the container image of the training job.
	Image string `koanf:"image"`

	JobBaseName      string `koanf:"job_base_name"`
	Framework        string `koanf:"framework"`
	FrameworkVersion string `koanf:"framework_version"`

	InstanceType  string        `koanf:"instance_type"`
	InstanceCount int           `koanf:"instance_count"`
	VolumeSizeGB  int           `koanf:"volume_size_gb"`
	InputMode     string        `koanf:"input_mode"`
	MaxRuntime    time.Duration `koanf:"max_runtime"`

	Hyperparameters Hyperparameters `koanf:"hyperparameters"`

	// StorePath is the file where the identifiers of the last job are persisted.
	StorePath string `koanf:"store_path"`
}

// Load the configuration from the defaults, the YAML file at path (skipped if path is empty) and the
// environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	parser := yaml.Parser()
	if err := k.Load(rawbytes.Provider(defaultsYAML), parser); err != nil {
		return nil, errors.Wrap(err, "failed to load default configuration")
	}
	if path != "" {
		expanded, err := fsutil.ExpandHome(path)
		if err != nil {
			return nil, err
		}
		if err = k.Load(file.Provider(expanded), parser); err != nil {
			return nil, errors.Wrapf(err, "failed to load configuration file %q", expanded)
		}
		klog.V(1).Infof("Loaded configuration from %q", expanded)
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration from the environment")
	}

	cfg := &Config{}
	if err = k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	for _, p := range []*string{&cfg.DataDir, &cfg.SourceDir, &cfg.StorePath} {
		if *p, err = fsutil.ExpandHome(*p); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ValidateStorage checks the settings needed to access the dataset and artifacts storage.
func (cfg *Config) ValidateStorage() error {
	if cfg.Bucket == "" {
		return errors.Errorf("no bucket configured: set \"bucket\" or $%sBUCKET", EnvPrefix)
	}
	if cfg.Region == "" {
		return errors.Errorf("no region configured: set \"region\" or $%sREGION", EnvPrefix)
	}
	return nil
}

// ValidateJob checks the settings needed to submit a training job.
func (cfg *Config) ValidateJob() error {
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}
	if cfg.Role == "" {
		return errors.Errorf("no execution role configured: set \"role\" or $%sROLE", EnvPrefix)
	}
	if cfg.Image == "" {
		return errors.Errorf("no training image configured: set \"image\" or $%sIMAGE", EnvPrefix)
	}
	return nil
}

// baseURI is "s3://<bucket>/<prefix>".
func (cfg *Config) baseURI() storage.URI {
	return storage.URI{Scheme: storage.SchemeS3, Bucket: cfg.Bucket, Key: strings.Trim(cfg.Prefix, "/")}
}

// DataURI is where the dataset is uploaded to.
func (cfg *Config) DataURI() string {
	return cfg.baseURI().Join("data").String()
}

// OutputURI is where the training jobs write their artifacts to.
func (cfg *Config) OutputURI() string {
	return cfg.baseURI().Join("output").String()
}

// SourceURI is where the packaged source of the given job is uploaded to.
func (cfg *Config) SourceURI(jobName string) string {
	return cfg.baseURI().Join(jobName, "source", job.SourceArchiveName).String()
}

// Descriptor returns the training job descriptor with the given name.
func (cfg *Config) Descriptor(jobName string) job.Descriptor {
	return job.Descriptor{
		Name:            jobName,
		Image:           cfg.Image,
		SourceURI:       cfg.SourceURI(jobName),
		EntryPoint:      cfg.EntryPoint,
		Role:            cfg.Role,
		Inputs:          map[string]string{"training": cfg.DataURI()},
		InputMode:       job.InputMode(cfg.InputMode),
		OutputURI:       cfg.OutputURI(),
		InstanceType:    cfg.InstanceType,
		InstanceCount:   cfg.InstanceCount,
		VolumeSizeGB:    cfg.VolumeSizeGB,
		MaxRuntime:      cfg.MaxRuntime,
		Hyperparameters: cfg.Hyperparameters.Map(),
		Tags:            job.FrameworkTags(cfg.Framework, cfg.FrameworkVersion),
	}
}
