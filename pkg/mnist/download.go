// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gomlx/managedtrain/internal/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// DownloadURL is the mirror the MNIST IDX files are downloaded from.
var DownloadURL = "https://storage.googleapis.com/cvdf-datasets/mnist"

// FileNames returns the gzipped IDX file names of both partitions.
func FileNames() []string {
	var names []string
	for _, partition := range []Partition{TrainPartition, TestPartition} {
		for _, base := range partitionFiles[partition] {
			names = append(names, base+".gz")
		}
	}
	return names
}

// Download the MNIST IDX files to dir, skipping the ones already there.
func Download(ctx context.Context, dir string, showProgressBar bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create the directory %q", dir)
	}
	for _, name := range FileNames() {
		filePath := filepath.Join(dir, name)
		if exists, err := fsutil.Exists(filePath); err != nil {
			return err
		} else if exists {
			klog.V(1).Infof("%q already downloaded", filePath)
			continue
		}
		fileURL, err := url.JoinPath(DownloadURL, name)
		if err != nil {
			return errors.Wrapf(err, "invalid download URL %q", DownloadURL)
		}
		klog.Infof("Downloading %s ...", fileURL)
		if err = downloadFile(ctx, fileURL, filePath, showProgressBar); err != nil {
			return err
		}
	}
	return nil
}

// downloadFile writes the contents of fileURL to filePath. A partially written file is removed on failure.
func downloadFile(ctx context.Context, fileURL, filePath string, showProgressBar bool) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create request for %q", fileURL)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", fileURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed downloading %q: %s", fileURL, resp.Status)
	}

	tmpPath := filePath + ".partial"
	file, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	defer func() {
		if err != nil {
			_ = file.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	var dst io.Writer = file
	if showProgressBar {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(filePath))
		dst = io.MultiWriter(file, bar)
	}
	if _, err = io.Copy(dst, resp.Body); err != nil {
		return errors.Wrapf(err, "downloading %q to %q", fileURL, tmpPath)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed renaming %q to %q", tmpPath, filePath)
	}
	return nil
}
