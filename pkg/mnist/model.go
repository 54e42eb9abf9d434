// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

// This file implements the convolutional network and its loss.

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

const (
	// ParamHiddenChannels is the context hyperparameter with the number of channels of the first convolution.
	ParamHiddenChannels = "hidden_channels"

	// ParamDropoutRate is the context hyperparameter with the dropout rate used after the second
	// convolution (whole channels) and after the first linear layer.
	ParamDropoutRate = "dropout_rate"

	// ModelScope is the context scope holding the model variables.
	ModelScope = "model"

	DefaultDropoutRate = 0.5

	conv2Channels = 20
	fc1Units      = 50
	kernelSize    = 5
)

// LayerNames in the order they are applied.
var LayerNames = []string{"conv1", "conv2", "fc1", "fc2"}

// ModelGraph builds the network and returns the log-probabilities of the classes, shaped `[batch_size, NumClasses]`.
// inputs: only one tensor, with shape `[batch_size, 1, 28, 28]`.
//
// It implements train.ModelFn.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In(ModelScope)
	x := inputs[0]
	g := x.Graph()
	batchSize := x.Shape().Dimensions[0]
	hiddenChannels := context.GetParamOr(ctx, ParamHiddenChannels, DefaultHiddenChannels)
	dropoutRate := context.GetParamOr(ctx, ParamDropoutRate, DefaultDropoutRate)

	x = layers.Convolution(ctx.In("conv1"), x).CurrentScope().
		ChannelsAxis(images.ChannelsFirst).Channels(hiddenChannels).KernelSize(kernelSize).Done()
	x = MaxPool(x).ChannelsAxis(images.ChannelsFirst).Window(2).NoPadding().Done()
	x = activations.Relu(x)
	x.AssertDims(batchSize, hiddenChannels, 12, 12)

	x = layers.Convolution(ctx.In("conv2"), x).CurrentScope().
		ChannelsAxis(images.ChannelsFirst).Channels(conv2Channels).KernelSize(kernelSize).Done()
	x = ChannelDropout(ctx.In("conv2_drop"), x, dropoutRate)
	x = MaxPool(x).ChannelsAxis(images.ChannelsFirst).Window(2).NoPadding().Done()
	x = activations.Relu(x)
	x.AssertDims(batchSize, conv2Channels, 4, 4)

	// Flatten in channels-first order: 20*4*4 = 320 features.
	x = Reshape(x, batchSize, -1)

	x = layers.Dense(ctx.In("fc1"), x, true, fc1Units)
	x = activations.Relu(x)
	if dropoutRate > 0 {
		x = layers.DropoutNormalize(ctx.In("fc1_drop"), x, Scalar(g, x.DType(), dropoutRate), true)
	}
	logits := layers.Dense(ctx.In("fc2"), x, true, NumClasses)
	return []*Node{LogSoftmax(logits, -1)}
}

// ChannelDropout zeroes whole channels of x, shaped `[batch_size, channels, <spatial dims...>]`, each with
// probability rate, and scales the kept ones by `1/(1-rate)`.
// It is a no-op if not training or if rate <= 0.
func ChannelDropout(ctx *context.Context, x *Node, rate float64) *Node {
	g := x.Graph()
	if rate <= 0 || !ctx.IsTraining(g) {
		return x
	}
	dims := x.Shape().Dimensions
	maskDims := make([]int, len(dims))
	for axis := range maskDims {
		maskDims[axis] = 1
	}
	maskDims[0], maskDims[1] = dims[0], dims[1]
	keepRate := 1 - rate
	mask := ctx.RandomBernoulli(Scalar(g, x.DType(), keepRate), shapes.Make(x.DType(), maskDims...))
	mask = BroadcastToDims(mask, dims...)
	return MulScalar(Mul(x, mask), 1/keepRate)
}

// PerExampleLoss returns the negative log-likelihood of each example, shaped `[batch_size]`.
// labels are int class indices shaped `[batch_size]`, logProbs are shaped `[batch_size, NumClasses]`.
func PerExampleLoss(labels, logProbs *Node) *Node {
	oneHot := OneHot(labels, NumClasses, logProbs.DType())
	return Neg(ReduceSum(Mul(oneHot, logProbs), -1))
}

// NLLLoss is the mean negative log-likelihood of the batch. It implements the train loss function.
func NLLLoss(labels, predictions []*Node) *Node {
	return ReduceAllMean(PerExampleLoss(labels[0], predictions[0]))
}

// CorrectCount returns the number of examples whose most likely class matches the label, as a scalar
// of the labels dtype.
func CorrectCount(labels, logProbs *Node) *Node {
	predicted := ArgMax(logProbs, -1, labels.DType())
	return ReduceAllSum(ConvertDType(Equal(predicted, labels), labels.DType()))
}
