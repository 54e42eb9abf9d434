// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/require"
)

var testBackend backends.Backend

func backend(t *testing.T) backends.Backend {
	t.Helper()
	if testBackend == nil {
		testBackend = graphtest.BuildTestBackend()
	}
	return testBackend
}

// syntheticExamples creates n examples: the label is i%10 and the image has a bright 6x6 block at a
// position that depends on the label, over some noise.
func syntheticExamples(name string, n int, seed int64) *Examples {
	rng := rand.New(rand.NewSource(seed))
	split := &Examples{Name: name, Images: make([]Image, n), Labels: make([]uint8, n)}
	for i := range n {
		label := uint8(i % NumClasses)
		split.Labels[i] = label
		img := &split.Images[i]
		for p := range img {
			img[p] = uint8(rng.Intn(32))
		}
		row, col := 2+int(label/5)*12, 2+int(label%5)*5
		for y := row; y < row+6; y++ {
			for x := col; x < min(col+6, Width); x++ {
				img[y*Width+x] = 200 + uint8(rng.Intn(56))
			}
		}
	}
	return split
}

// writeSyntheticDataset writes train and test partitions in dir, as the training program expects them.
func writeSyntheticDataset(t *testing.T, dir string, numTrain, numTest int) {
	t.Helper()
	require.NoError(t, WritePartition(dir, TrainPartition, syntheticExamples("train", numTrain, 1), true))
	require.NoError(t, WritePartition(dir, TestPartition, syntheticExamples("test", numTest, 2), true))
}
