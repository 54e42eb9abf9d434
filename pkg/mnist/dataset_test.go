// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPartition(t *testing.T) {
	dir := t.TempDir()
	want := syntheticExamples("train", 25, 7)
	// Train in the torchvision layout, compressed; test plain in the base directory.
	require.NoError(t, WritePartition(filepath.Join(dir, "MNIST", "raw"), TrainPartition, want, true))
	require.NoError(t, WritePartition(dir, TestPartition, want.Subset(5), false))

	got, err := LoadPartition(dir, TrainPartition)
	require.NoError(t, err)
	assert.Equal(t, "train", got.Name)
	assert.Equal(t, want.Labels, got.Labels)
	assert.Equal(t, want.Images, got.Images)

	got, err = LoadPartition(dir, TestPartition)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Len())
	assert.Equal(t, want.Labels[:5], got.Labels)

	_, err = LoadPartition(t.TempDir(), TrainPartition)
	require.ErrorContains(t, err, "not found")
}

func TestLoadPartitionInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t10k-images-idx3-ubyte"), []byte{0, 0, 8, 1, 0, 0, 0, 0, 0, 0, 0, 28, 0, 0, 0, 28}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t10k-labels-idx1-ubyte"), []byte{0, 0, 8, 1, 0, 0, 0, 0}, 0o644))
	_, err := LoadPartition(dir, TestPartition)
	require.ErrorContains(t, err, "invalid images file")
}

func TestDatasetYield(t *testing.T) {
	split := syntheticExamples("train", 100, 3)
	ds := NewDataset("train", split, 64, rand.New(rand.NewSource(42)))
	assert.Equal(t, 2, ds.NumBatches())

	var epochLabels [][]int32
	for range 2 {
		var labels []int32
		for _, wantSize := range []int{64, 36} {
			spec, inputs, batchLabels, err := ds.Yield()
			require.NoError(t, err)
			assert.Nil(t, spec)
			assert.Equal(t, []int{wantSize, 1, Height, Width}, inputs[0].Shape().Dimensions)
			assert.Equal(t, []int{wantSize}, batchLabels[0].Shape().Dimensions)
			labels = append(labels, tensors.MustCopyFlatData[int32](batchLabels[0])...)
		}
		_, _, _, err := ds.Yield()
		require.Equal(t, io.EOF, err)
		ds.Reset()
		epochLabels = append(epochLabels, labels)
	}
	// Each epoch sees every example once, in a different order.
	assert.NotEqual(t, epochLabels[0], epochLabels[1])
	for _, labels := range epochLabels {
		sorted := slices.Clone(labels)
		slices.Sort(sorted)
		want := make([]int32, 0, 100)
		for _, l := range split.Labels {
			want = append(want, int32(l))
		}
		slices.Sort(want)
		assert.Equal(t, want, sorted)
	}

	// Same seed, same order.
	other := NewDataset("train", split, 64, rand.New(rand.NewSource(42)))
	_, _, labels, err := other.Yield()
	require.NoError(t, err)
	assert.Equal(t, epochLabels[0][:64], tensors.MustCopyFlatData[int32](labels[0]))
}

func TestDatasetNormalization(t *testing.T) {
	split := &Examples{Name: "test", Images: make([]Image, 1), Labels: []uint8{3}}
	split.Images[0][0] = 255
	ds := NewDataset("test", split, 10, nil)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	flat := tensors.MustCopyFlatData[float32](inputs[0])
	assert.InDelta(t, (1.0-Mean)/StdDev, flat[0], 1e-5)
	assert.InDelta(t, -Mean/StdDev, flat[1], 1e-5)
	assert.Equal(t, []int32{3}, tensors.MustCopyFlatData[int32](labels[0]))
}
