// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package safetensors reads and writes the single-file "safetensors" tensor container:
// an 8-byte little-endian header length, a JSON header describing each tensor
// (dtype, shape and byte offsets into the data section) and the raw tensor bytes.
//
// Only dense little-endian tensors are supported. Half-precision (F16 and BF16) tensors
// are converted to float32 on read.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

// MetadataKey is the reserved header entry holding free-form string metadata.
const MetadataKey = "__metadata__"

// maxHeaderSize guards against reading garbage as a header length.
const maxHeaderSize = 100 << 20

// TensorInfo contains metadata about a single tensor.
type TensorInfo struct {
	DType  string   `json:"dtype"`
	Shape  []int    `json:"shape"`
	Offset [2]int64 `json:"data_offsets"`
}

// File is the in-memory content of a safetensors file.
type File struct {
	// Metadata is stored under MetadataKey in the header. It may be nil.
	Metadata map[string]string

	// Tensors by name.
	Tensors map[string]*tensors.Tensor
}

// Names returns the tensor names in sorted order, the order they are written to disk.
func (f *File) Names() []string {
	names := maps.Keys(f.Tensors)
	slices.Sort(names)
	return names
}

// dtypeNames maps the supported GoMLX dtypes to the safetensors dtype names.
var dtypeNames = map[dtypes.DType]string{
	dtypes.Float32: "F32",
	dtypes.Float64: "F64",
	dtypes.Int32:   "I32",
	dtypes.Int64:   "I64",
	dtypes.Uint8:   "U8",
}

// tensorBytes returns the little-endian raw content of t.
func tensorBytes(name string, t *tensors.Tensor) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch t.DType() {
	case dtypes.Float32:
		err = binary.Write(&buf, binary.LittleEndian, tensors.MustCopyFlatData[float32](t))
	case dtypes.Float64:
		err = binary.Write(&buf, binary.LittleEndian, tensors.MustCopyFlatData[float64](t))
	case dtypes.Int32:
		err = binary.Write(&buf, binary.LittleEndian, tensors.MustCopyFlatData[int32](t))
	case dtypes.Int64:
		err = binary.Write(&buf, binary.LittleEndian, tensors.MustCopyFlatData[int64](t))
	case dtypes.Uint8:
		err = binary.Write(&buf, binary.LittleEndian, tensors.MustCopyFlatData[uint8](t))
	default:
		return nil, errors.Errorf("tensor %q: dtype %s not supported by safetensors writer", name, t.DType())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "encoding tensor %q", name)
	}
	return buf.Bytes(), nil
}

// Write encodes f into w. Tensors are laid out in sorted name order.
func Write(w io.Writer, f *File) error {
	header := make(map[string]any, len(f.Tensors)+1)
	if len(f.Metadata) > 0 {
		header[MetadataKey] = f.Metadata
	}
	var data bytes.Buffer
	for _, name := range f.Names() {
		t := f.Tensors[name]
		raw, err := tensorBytes(name, t)
		if err != nil {
			return err
		}
		start := int64(data.Len())
		data.Write(raw)
		header[name] = TensorInfo{
			DType:  dtypeNames[t.DType()],
			Shape:  slices.Clone(t.Shape().Dimensions),
			Offset: [2]int64{start, int64(data.Len())},
		}
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode safetensors header")
	}
	// Data section is 8-byte aligned, padded with spaces as the format recommends.
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, 8-pad)...)
	}
	if err = binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err = w.Write(headerBytes); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	if _, err = data.WriteTo(w); err != nil {
		return errors.Wrap(err, "failed to write tensor data")
	}
	return nil
}

// WriteFile encodes f into the file at path, replacing it if it exists.
func WriteFile(path string, f *File) error {
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err = Write(out, f); err != nil {
		_ = out.Close()
		return errors.WithMessagef(err, "writing %q", path)
	}
	return errors.Wrapf(out.Close(), "failed to close %q", path)
}

// Read decodes a safetensors file from r.
func Read(r io.Reader) (*File, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > maxHeaderSize {
		return nil, errors.Errorf("invalid safetensors header size %d", headerSize)
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrap(err, "file too small for header")
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, errors.Wrap(err, "failed to parse header")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read tensor data")
	}

	f := &File{Tensors: make(map[string]*tensors.Tensor, len(rawHeader))}
	for name, raw := range rawHeader {
		if name == MetadataKey {
			if err := json.Unmarshal(raw, &f.Metadata); err != nil {
				return nil, errors.Wrapf(err, "failed to parse %s", MetadataKey)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, errors.Wrapf(err, "failed to parse header entry for %q", name)
		}
		start, end := info.Offset[0], info.Offset[1]
		if start < 0 || end < start || end > int64(len(data)) {
			return nil, errors.Errorf("tensor %q has invalid data offsets %v (data section has %d bytes)",
				name, info.Offset, len(data))
		}
		t, err := bytesToTensor(data[start:end], info.Shape, info.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", name)
		}
		f.Tensors[name] = t
	}
	return f, nil
}

// ReadFile decodes the safetensors file at path.
func ReadFile(path string) (*File, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = in.Close() }()
	f, err := Read(in)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", path)
	}
	return f, nil
}

// numElements of a tensor with the given shape. Negative dimensions or a count that overflows are errors.
func numElements(shape []int) (int, error) {
	n := 1
	for _, dim := range shape {
		if dim < 0 {
			return 0, errors.Errorf("invalid shape %v", shape)
		}
		if dim > 0 && n > math.MaxInt32/dim {
			return 0, errors.Errorf("shape %v is too large", shape)
		}
		n *= dim
	}
	return n, nil
}

// elementSizes in bytes of the supported safetensors dtypes.
var elementSizes = map[string]int{
	"F32": 4, "F64": 8, "I32": 4, "I64": 8, "U8": 1, "F16": 2, "BF16": 2,
}

// decodeFlat decodes little-endian raw bytes into a new tensor of type T.
func decodeFlat[T dtypes.Supported](raw []byte, n int, shape []int) (*tensors.Tensor, error) {
	flat := make([]T, n)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, flat); err != nil {
		return nil, errors.Wrapf(err, "expected %d elements in %d bytes", len(flat), len(raw))
	}
	return tensors.FromFlatDataAndDimensions(flat, shape...), nil
}

// bytesToTensor converts raw bytes to a tensor with the given shape and dtype name.
// The number of bytes must match the shape exactly.
func bytesToTensor(raw []byte, shape []int, dtypeName string) (*tensors.Tensor, error) {
	elemSize, found := elementSizes[dtypeName]
	if !found {
		return nil, errors.Errorf("dtype %q not supported", dtypeName)
	}
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if len(raw) != n*elemSize {
		return nil, errors.Errorf("expected %d bytes for %d %s elements, got %d", n*elemSize, n, dtypeName, len(raw))
	}
	switch dtypeName {
	case "F32":
		return decodeFlat[float32](raw, n, shape)
	case "F64":
		return decodeFlat[float64](raw, n, shape)
	case "I32":
		return decodeFlat[int32](raw, n, shape)
	case "I64":
		return decodeFlat[int64](raw, n, shape)
	case "U8":
		return decodeFlat[uint8](raw, n, shape)
	}
	// F16 and BF16 are widened to float32.
	flat := make([]float32, n)
	for i := range flat {
		bits := binary.LittleEndian.Uint16(raw[2*i:])
		if dtypeName == "F16" {
			flat[i] = float16.Frombits(bits).Float32()
		} else {
			flat[i] = math.Float32frombits(uint32(bits) << 16)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, shape...), nil
}
