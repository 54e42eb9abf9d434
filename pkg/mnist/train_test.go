// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"image"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig(optimizer OptimizerName) Config {
	cfg := DefaultConfig()
	cfg.Epochs = 1
	cfg.Optimizer = optimizer
	cfg.HiddenChannels = 5
	cfg.BatchSize = 32
	cfg.EvalBatchSize = 50
	cfg.LogInterval = 2
	return cfg
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	for name, mutate := range map[string]func(*Config){
		"epochs":    func(c *Config) { c.Epochs = 0 },
		"hidden":    func(c *Config) { c.HiddenChannels = -1 },
		"optimizer": func(c *Config) { c.Optimizer = "rmsprop" },
		"batch":     func(c *Config) { c.BatchSize = 0 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
	_, err := ParseOptimizerName("Adam")
	require.Error(t, err)
	name, err := ParseOptimizerName("adam")
	require.NoError(t, err)
	assert.Equal(t, Adam, name)
}

func TestTrainDeterministic(t *testing.T) {
	trainSplit, testSplit := syntheticExamples("train", 120, 1), syntheticExamples("test", 60, 2)
	cfg := smallConfig(SGD)
	cfg.Epochs = 2
	_, first, err := Train(backend(t), cfg, trainSplit, testSplit)
	require.NoError(t, err)
	_, second, err := Train(backend(t), cfg, trainSplit, testSplit)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Len(t, second, 2)
	for i := range first {
		assert.Equal(t, i+1, first[i].Epoch)
		assert.Equal(t, 120, first[i].Train.Total)
		assert.Equal(t, 60, first[i].Test.Total)
		assert.InDelta(t, first[i].Train.LossSum, second[i].Train.LossSum, 1e-3)
		assert.InDelta(t, first[i].Test.LossSum, second[i].Test.LossSum, 1e-3)
		assert.Equal(t, first[i].Test.Correct, second[i].Test.Correct)
	}
}

func TestEvaluationMatchesModelOutput(t *testing.T) {
	trainSplit, testSplit := syntheticExamples("train", 100, 3), syntheticExamples("test", 70, 4)
	ctx, history, err := Train(backend(t), smallConfig(Adam), trainSplit, testSplit)
	require.NoError(t, err)
	result := history[len(history)-1].Test

	rows, err := LogProbabilities(backend(t), ctx, testSplit, testSplit.Len())
	require.NoError(t, err)
	var lossSum float64
	var correct int
	for i, row := range rows {
		label := int(testSplit.Labels[i])
		lossSum -= float64(row[label])
		best := 0
		for c := range row {
			if row[c] > row[best] {
				best = c
			}
		}
		if best == label {
			correct++
		}
	}
	// Average loss is the sum of per-example losses over the number of examples, not a mean of batch means.
	assert.InDelta(t, lossSum/float64(testSplit.Len()), result.AverageLoss(), 1e-4)
	assert.Equal(t, correct, result.Correct)
	assert.InDelta(t, 100*float64(correct)/70, result.Accuracy(), 1e-9)
}

func trainableModelShapes(ctx *context.Context) map[string]string {
	shapes := make(map[string]string)
	prefix := context.ScopeSeparator + ModelScope
	for v := range ctx.IterVariables() {
		if v.Trainable && strings.HasPrefix(v.Scope(), prefix) {
			shapes[v.ScopeAndName()] = v.Shape().String()
		}
	}
	return shapes
}

func TestOptimizerDoesNotChangeModel(t *testing.T) {
	trainSplit, testSplit := syntheticExamples("train", 64, 5), syntheticExamples("test", 20, 6)
	sgdCtx, _, err := Train(backend(t), smallConfig(SGD), trainSplit, testSplit)
	require.NoError(t, err)
	adamCtx, _, err := Train(backend(t), smallConfig(Adam), trainSplit, testSplit)
	require.NoError(t, err)
	sgdShapes := trainableModelShapes(sgdCtx)
	assert.Len(t, sgdShapes, 8)
	assert.Equal(t, sgdShapes, trainableModelShapes(adamCtx))

	// Only SGD creates velocity variables.
	assert.NotNil(t, sgdCtx.GetVariableByScopeAndName("/MomentumSGD/model/conv1", "weights_velocity"))
	assert.Nil(t, adamCtx.GetVariableByScopeAndName("/MomentumSGD/model/conv1", "weights_velocity"))
}

func TestTrainEmptyDataset(t *testing.T) {
	_, _, err := Train(backend(t), smallConfig(SGD), syntheticExamples("train", 0, 1), syntheticExamples("test", 10, 2))
	require.ErrorContains(t, err, "empty dataset")
}

func TestTrainContextSettings(t *testing.T) {
	trainSplit, testSplit := syntheticExamples("train", 64, 1), syntheticExamples("test", 20, 2)
	cfg := smallConfig(SGD)
	cfg.ContextSettings = "dropout_rate=0"
	ctx, history, err := Train(backend(t), cfg, trainSplit, testSplit)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 0.0, context.GetParamOr(ctx, ParamDropoutRate, DefaultDropoutRate))

	cfg.ContextSettings = "learning_rate_decay=0.1"
	_, _, err = Train(backend(t), cfg, trainSplit, testSplit)
	require.ErrorContains(t, err, "invalid context settings")
}

func TestTrainLogLine(t *testing.T) {
	const numExamples, batchSize = 100, 32 // 4 batches, the last one with 4 examples.
	loss := func() float32 { return 0.25 }
	var logged []string
	for batchIdx := range 4 {
		if line, due := trainLogLine(2, batchIdx, 2, batchSize, numExamples, loss); due {
			logged = append(logged, line)
		}
	}
	assert.Equal(t, []string{
		"Train Epoch: 2 [0/100 (0%)]\tLoss: 0.250000",
		"Train Epoch: 2 [64/100 (50%)]\tLoss: 0.250000",
	}, logged)

	// Partial last batch.
	line, due := trainLogLine(1, 3, 3, batchSize, numExamples, loss)
	require.True(t, due)
	assert.Equal(t, "Train Epoch: 1 [96/100 (75%)]\tLoss: 0.250000", line)

	// Loss is only read when due, and a zero interval disables the report.
	_, due = trainLogLine(1, 1, 3, batchSize, numExamples, func() float32 {
		t.Fatal("loss read for a batch that is not reported")
		return 0
	})
	assert.False(t, due)
	_, due = trainLogLine(1, 0, 0, batchSize, numExamples, loss)
	assert.False(t, due)
}

func TestFinalizeAll(t *testing.T) {
	ts := []*tensors.Tensor{tensors.FromValue(float32(1)), nil, tensors.FromValue([]int32{1, 2})}
	finalizeAll(ts)
	assert.False(t, ts[0].Ok())
	assert.False(t, ts[2].Ok())
}

func TestEndToEnd(t *testing.T) {
	dataDir, modelDir := t.TempDir(), t.TempDir()
	writeSyntheticDataset(t, dataDir, 100, 40)
	trainSplit, err := LoadPartition(dataDir, TrainPartition)
	require.NoError(t, err)
	testSplit, err := LoadPartition(dataDir, TestPartition)
	require.NoError(t, err)

	cfg := smallConfig(Adam)
	ctx, history, err := Train(backend(t), cfg, trainSplit, testSplit)
	require.NoError(t, err)
	require.Len(t, history, 1)

	path, err := SaveModel(ctx, cfg.Hyperparameters, modelDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(modelDir, ArtifactFileName), path)

	model, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Hyperparameters, model.Hyperparameters)
	wantShapes := map[string][]int{
		"conv1.weight": {5, 1, 5, 5}, "conv1.bias": {5},
		"conv2.weight": {20, 5, 5, 5}, "conv2.bias": {20},
		"fc1.weight": {50, 320}, "fc1.bias": {50},
		"fc2.weight": {10, 50}, "fc2.bias": {10},
	}
	require.Len(t, model.Parameters, len(wantShapes))
	for name, dims := range wantShapes {
		require.Contains(t, model.Parameters, name)
		assert.Equal(t, dims, model.Parameters[name].Shape().Dimensions, name)
	}

	// The reloaded model reproduces the trained one.
	loadedCtx, err := model.Context()
	require.NoError(t, err)
	predictor, err := NewPredictor(backend(t), loadedCtx)
	require.NoError(t, err)
	defer predictor.Finalize()
	const n = 8
	imgs := make([]image.Image, n)
	for i := range imgs {
		imgs[i] = &testSplit.Images[i]
	}
	predictions, err := predictor.Predict(imgs...)
	require.NoError(t, err)
	rows, err := LogProbabilities(backend(t), ctx, testSplit, n)
	require.NoError(t, err)
	for i, prediction := range predictions {
		for c := range NumClasses {
			assert.InDelta(t, math.Exp(float64(rows[i][c])), prediction.Probabilities[c], 1e-4)
		}
		for c := range NumClasses {
			assert.LessOrEqual(t, prediction.Probabilities[c], prediction.Probabilities[prediction.Digit])
		}
	}
}

func TestLoadModelMissingFile(t *testing.T) {
	_, err := LoadModel(filepath.Join(t.TempDir(), "missing.safetensors"))
	require.Error(t, err)
}
