// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelGraphOutputsLogProbabilities(t *testing.T) {
	ctx, err := NewContext(DefaultConfig())
	require.NoError(t, err)
	rows, err := LogProbabilities(backend(t), ctx, syntheticExamples("test", 7, 5), 100)
	require.NoError(t, err)
	require.Len(t, rows, 7)
	for _, row := range rows {
		require.Len(t, row, NumClasses)
		var sum float64
		for _, logProb := range row {
			assert.LessOrEqual(t, logProb, float32(0))
			sum += math.Exp(float64(logProb))
		}
		assert.InDelta(t, 1.0, sum, 1e-4)
	}
}

func TestChannelDropout(t *testing.T) {
	const batchSize, channels = 4, 16
	ones := make([]float32, batchSize*channels*3*3)
	for i := range ones {
		ones[i] = 1
	}
	x := tensors.FromScalarAndDimensions(float32(1), batchSize, channels, 3, 3)

	for _, training := range []bool{true, false} {
		ctx, err := NewContext(DefaultConfig())
		require.NoError(t, err)
		output := context.MustExecOnce(backend(t), ctx, func(ctx *context.Context, x *Node) *Node {
			ctx.SetTraining(x.Graph(), training)
			return ChannelDropout(ctx, x, 0.5)
		}, x)
		flat := tensors.MustCopyFlatData[float32](output)
		if !training {
			assert.Equal(t, ones, flat)
			continue
		}
		var dropped int
		for channel := range batchSize * channels {
			values := flat[channel*9 : (channel+1)*9]
			for _, v := range values {
				// Whole channels are either dropped or scaled by 1/(1-rate).
				require.Equal(t, values[0], v)
			}
			require.Contains(t, []float32{0, 2}, values[0])
			if values[0] == 0 {
				dropped++
			}
		}
		assert.Greater(t, dropped, 0)
		assert.Less(t, dropped, batchSize*channels)
	}
}

func TestNLLLossAndCorrectCount(t *testing.T) {
	probs := [][]float64{
		{0.1, 0.6, 0.3, 0, 0, 0, 0, 0, 0, 0},
		{0.2, 0.2, 0.1, 0.5, 0, 0, 0, 0, 0, 0},
	}
	logProbs := make([]float32, 0, 2*NumClasses)
	for _, row := range probs {
		for _, p := range row {
			logProbs = append(logProbs, float32(math.Log(max(p, 1e-9))))
		}
	}
	labels := tensors.FromValue([]int32{1, 2})
	ctx := context.New()
	outputs := context.MustExecOnceN(backend(t), ctx, func(_ *context.Context, labels, logProbs *Node) (*Node, *Node) {
		return NLLLoss([]*Node{labels}, []*Node{logProbs}), CorrectCount(labels, logProbs)
	}, labels, tensors.FromFlatDataAndDimensions(logProbs, 2, NumClasses))
	loss, correct := outputs[0], outputs[1]
	want := -(math.Log(0.6) + math.Log(0.1)) / 2
	assert.InDelta(t, want, tensors.ToScalar[float32](loss), 1e-5)
	assert.Equal(t, int32(1), tensors.ToScalar[int32](correct))
}
