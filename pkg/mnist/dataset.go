// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	Width      = 28
	Height     = 28
	NumClasses = 10

	// Mean and StdDev of the MNIST training pixels (scaled to [0, 1]), used to normalize the images.
	Mean   = 0.1307
	StdDev = 0.3081

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Partition of the MNIST dataset.
type Partition string

const (
	TrainPartition Partition = "train"
	TestPartition  Partition = "test"
)

// partitionFiles lists the images and labels base file names for each partition.
var partitionFiles = map[Partition][2]string{
	TrainPartition: {"train-images-idx3-ubyte", "train-labels-idx1-ubyte"},
	TestPartition:  {"t10k-images-idx3-ubyte", "t10k-labels-idx1-ubyte"},
}

// Image represents a MNIST image: 0 is the background and 255 the digit color.
type Image [Width * Height]byte

var _ image.Image = (*Image)(nil)

// ColorModel implements the image.Image interface.
func (img *Image) ColorModel() color.Model {
	return color.GrayModel
}

// Bounds implements the image.Image interface.
func (img *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, Width, Height)
}

// At implements the image.Image interface.
func (img *Image) At(x, y int) color.Color {
	return color.Gray{Y: img[y*Width+x]}
}

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// Examples is one partition of the dataset loaded in memory. It is not changed after loading.
type Examples struct {
	Name   string
	Images []Image
	Labels []uint8
}

// Len returns the number of examples.
func (s *Examples) Len() int { return len(s.Labels) }

// Subset returns a view of the first n examples (or all of them, if there are fewer than n).
func (s *Examples) Subset(n int) *Examples {
	n = min(n, s.Len())
	return &Examples{Name: s.Name, Images: s.Images[:n], Labels: s.Labels[:n]}
}

// findFile looks for the IDX file in the torchvision layout (<dir>/MNIST/raw) and in dir itself,
// either gzipped or not.
func findFile(dir, baseName string) (string, error) {
	for _, candidateDir := range []string{filepath.Join(dir, "MNIST", "raw"), dir} {
		for _, name := range []string{baseName, baseName + ".gz"} {
			p := filepath.Join(candidateDir, name)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", errors.Errorf("mnist file %q not found in %q", baseName, dir)
}

// openIDX opens the file, transparently decompressing it if it has a ".gz" suffix.
// The returned closeFn closes everything opened.
func openIDX(path string) (r io.Reader, closeFn func(), err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", path)
	}
	if filepath.Ext(path) != ".gz" {
		return bufio.NewReader(f), func() { _ = f.Close() }, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "failed to decompress %q", path)
	}
	return bufio.NewReader(gz), func() {
		_ = gz.Close()
		_ = f.Close()
	}, nil
}

// loadImageFile opens the image file, parses it, and returns the images in order.
func loadImageFile(path string) ([]Image, error) {
	reader, closeFn, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header imageFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", path)
	}
	if header.Magic != imageMagic || header.Width != Width || header.Height != Height || header.NumImages < 0 {
		return nil, errors.Errorf("mnist: invalid images file %q (magic=0x%x, %dx%d)", path,
			header.Magic, header.Height, header.Width)
	}
	images := make([]Image, header.NumImages)
	for i := range images {
		if _, err = io.ReadFull(reader, images[i][:]); err != nil {
			return nil, errors.Wrapf(err, "failed reading image #%d of %q", i, path)
		}
	}
	return images, nil
}

// loadLabelFile opens the labels file, parses it, and returns the labels in order.
func loadLabelFile(path string) ([]uint8, error) {
	reader, closeFn, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header labelFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", path)
	}
	if header.Magic != labelMagic || header.NumLabels < 0 {
		return nil, errors.Errorf("mnist: invalid labels file %q (magic=0x%x)", path, header.Magic)
	}
	labels := make([]uint8, header.NumLabels)
	if _, err = io.ReadFull(reader, labels); err != nil {
		return nil, errors.Wrapf(err, "failed reading %d labels of %q", len(labels), path)
	}
	for i, label := range labels {
		if label >= NumClasses {
			return nil, errors.Errorf("mnist: invalid label %d for example #%d in %q", label, i, path)
		}
	}
	return labels, nil
}

// LoadPartition loads the given partition from the IDX files found in dir.
func LoadPartition(dir string, partition Partition) (*Examples, error) {
	files, found := partitionFiles[partition]
	if !found {
		return nil, errors.Errorf("unknown mnist partition %q", partition)
	}
	imagesPath, err := findFile(dir, files[0])
	if err != nil {
		return nil, err
	}
	labelsPath, err := findFile(dir, files[1])
	if err != nil {
		return nil, err
	}
	split := &Examples{Name: string(partition)}
	if split.Images, err = loadImageFile(imagesPath); err != nil {
		return nil, err
	}
	if split.Labels, err = loadLabelFile(labelsPath); err != nil {
		return nil, err
	}
	if len(split.Images) != len(split.Labels) {
		return nil, errors.Errorf("mnist %s: %d images but %d labels", partition, len(split.Images), len(split.Labels))
	}
	klog.V(1).Infof("Loaded mnist %s: %d examples from %q", partition, split.Len(), imagesPath)
	return split, nil
}

// Dataset implements train.Dataset over Examples, yielding batches of normalized images shaped
// `[batch_size, 1, 28, 28]` (float32, channels first) and labels shaped `[batch_size]` (int32).
//
// If a shuffler is given, the order of the examples is re-shuffled at every Reset, that is at every epoch.
// The last batch of an epoch may be smaller than the batch size.
type Dataset struct {
	name      string
	split     *Examples
	batchSize int
	shuffle   *rand.Rand
	indices   []int
	position  int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a dataset over split. shuffle can be nil, in which case examples are yielded in order.
func NewDataset(name string, split *Examples, batchSize int, shuffle *rand.Rand) *Dataset {
	ds := &Dataset{
		name:      name,
		split:     split,
		batchSize: batchSize,
		shuffle:   shuffle,
		indices:   make([]int, split.Len()),
	}
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Len returns the number of examples in one epoch.
func (ds *Dataset) Len() int { return ds.split.Len() }

// BatchSize used when yielding.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// NumBatches in one epoch.
func (ds *Dataset) NumBatches() int {
	return (ds.split.Len() + ds.batchSize - 1) / ds.batchSize
}

// Reset implements train.Dataset. It restarts the epoch with a new order of examples, if shuffling.
func (ds *Dataset) Reset() {
	ds.position = 0
	for i := range ds.indices {
		ds.indices[i] = i
	}
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.indices), func(i, j int) {
			ds.indices[i], ds.indices[j] = ds.indices[j], ds.indices[i]
		})
	}
}

// Yield implements train.Dataset. It returns:
//
//   - spec: not used, left as nil.
//   - inputs: the normalized images batch, shaped `[batch_size, 1, 28, 28]`.
//   - labels: the digits as int32, shaped `[batch_size]`.
//
// It returns io.EOF when the epoch is exhausted.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.position >= len(ds.indices) {
		return nil, nil, nil, io.EOF
	}
	end := min(ds.position+ds.batchSize, len(ds.indices))
	batchIndices := ds.indices[ds.position:end]
	ds.position = end

	images, labelsT := ds.split.tensors(batchIndices)
	return nil, []*tensors.Tensor{images}, []*tensors.Tensor{labelsT}, nil
}

// tensors converts the selected examples to the model inputs and labels tensors.
func (s *Examples) tensors(indices []int) (images, labels *tensors.Tensor) {
	const imageSize = Width * Height
	flatImages := make([]float32, len(indices)*imageSize)
	flatLabels := make([]int32, len(indices))
	for ii, idx := range indices {
		img := &s.Images[idx]
		dst := flatImages[ii*imageSize : (ii+1)*imageSize]
		for p, v := range img {
			dst[p] = (float32(v)/255.0 - Mean) / StdDev
		}
		flatLabels[ii] = int32(s.Labels[idx])
	}
	images = tensors.FromFlatDataAndDimensions(flatImages, len(indices), 1, Height, Width)
	labels = tensors.FromFlatDataAndDimensions(flatLabels, len(indices))
	return
}
