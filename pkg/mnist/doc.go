// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist trains a small convolutional network on the MNIST database of handwritten digits.
//
// It includes the IDX file loaders (and a downloader), a train.Dataset over the loaded partitions,
// the model (two convolutions followed by two linear layers, outputting log-probabilities), the
// training procedure with per-epoch evaluation, and the export of the trained parameters to a
// single safetensors file.
//
// Typical use:
//
//	trainSplit := must.M1(mnist.LoadPartition(dataDir, mnist.TrainPartition))
//	testSplit := must.M1(mnist.LoadPartition(dataDir, mnist.TestPartition))
//	ctx, history, err := mnist.Train(backend, mnist.DefaultConfig(), trainSplit, testSplit)
//	...
//	path, err := mnist.SaveModel(ctx, cfg.Hyperparameters, modelDir)
package mnist
