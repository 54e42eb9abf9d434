// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WritePartition writes split as the IDX images and labels files of the given partition into dir,
// gzipped if compress is set. LoadPartition reads them back.
//
// It is used to create smaller versions of the dataset, for quick runs.
func WritePartition(dir string, partition Partition, split *Examples, compress bool) error {
	files, found := partitionFiles[partition]
	if !found {
		return errors.Errorf("unknown mnist partition %q", partition)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", dir)
	}
	err := writeIDX(filepath.Join(dir, files[0]), compress, func(w io.Writer) error {
		header := imageFileHeader{Magic: imageMagic, NumImages: int32(split.Len()), Height: Height, Width: Width}
		if err := binary.Write(w, binary.BigEndian, header); err != nil {
			return err
		}
		for i := range split.Images {
			if _, err := w.Write(split.Images[i][:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeIDX(filepath.Join(dir, files[1]), compress, func(w io.Writer) error {
		header := labelFileHeader{Magic: labelMagic, NumLabels: int32(split.Len())}
		if err := binary.Write(w, binary.BigEndian, header); err != nil {
			return err
		}
		_, err := w.Write(split.Labels)
		return err
	})
}

func writeIDX(path string, compress bool, writeFn func(w io.Writer) error) error {
	if compress {
		path += ".gz"
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	buffered := bufio.NewWriter(f)
	var w io.Writer = buffered
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(buffered)
		w = gz
	}
	err = writeFn(w)
	if err == nil && gz != nil {
		err = gz.Close()
	}
	if err == nil {
		err = buffered.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "failed writing %q", path)
}
