// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package launchconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/managedtrain/pkg/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "mnist_train", cfg.EntryPoint)
	assert.Equal(t, 24*time.Hour, cfg.MaxRuntime)
	assert.Equal(t, Hyperparameters{Epochs: 10, Optimizer: "sgd", HiddenChannels: 10}, cfg.Hyperparameters)
	assert.NotContains(t, cfg.StorePath, "~")
	require.ErrorContains(t, cfg.ValidateStorage(), "no bucket")
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bucket: my-bucket
prefix: /demo/mnist/
role: arn:aws:iam::123456789012:role/training
image: 123456789012.dkr.ecr.us-east-1.amazonaws.com/mnist-train:latest
max_runtime: 2h
hyperparameters:
  optimizer: adam
`), 0o644))
	t.Setenv(EnvPrefix+"HYPERPARAMETERS__EPOCHS", "2")
	t.Setenv(EnvPrefix+"INSTANCE_TYPE", "ml.p3.2xlarge")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateJob())
	assert.Equal(t, Hyperparameters{Epochs: 2, Optimizer: "adam", HiddenChannels: 10}, cfg.Hyperparameters)
	assert.Equal(t, "ml.p3.2xlarge", cfg.InstanceType)
	assert.Equal(t, "s3://my-bucket/demo/mnist/data", cfg.DataURI())
	assert.Equal(t, "s3://my-bucket/demo/mnist/output", cfg.OutputURI())

	d := cfg.Descriptor("mnist-job")
	require.NoError(t, d.Validate())
	assert.Equal(t, "s3://my-bucket/demo/mnist/mnist-job/source/sourcedir.tar.gz", d.SourceURI)
	assert.Equal(t, map[string]string{"training": "s3://my-bucket/demo/mnist/data"}, d.Inputs)
	assert.Equal(t, job.InputFile, d.InputMode)
	assert.Equal(t, 2*time.Hour, d.MaxRuntime)
	assert.Equal(t, []string{"--epochs", "2", "--hidden_channels", "10", "--optimizer", "adam"},
		job.Arguments(d.Hyperparameters))
	assert.Equal(t, "gomlx", d.Tags[job.TagFramework])
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instance_count: many\n"), 0o644))
	_, err = Load(path)
	require.ErrorContains(t, err, "invalid configuration")

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Bucket = "bucket"
	require.ErrorContains(t, cfg.ValidateJob(), "no execution role")
}
