// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Local implements Store on the local filesystem, for "file://" URIs.
type Local struct{}

var _ Store = Local{}

func (Local) path(uri string) (string, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != SchemeFile {
		return "", errors.Errorf("local storage can't handle %q", uri)
	}
	return u.Key, nil
}

// Upload implements Store.
func (l Local) Upload(ctx context.Context, localPath, uri string) error {
	target, err := l.path(uri)
	if err != nil {
		return err
	}
	return copyFile(ctx, localPath, target)
}

// UploadDir implements Store.
func (l Local) UploadDir(ctx context.Context, dir, uri string) (numFiles int, numBytes int64, err error) {
	return uploadDir(ctx, dir, uri, l.Upload)
}

// Download implements Store.
func (l Local) Download(ctx context.Context, uri, localPath string) error {
	source, err := l.path(uri)
	if err != nil {
		return err
	}
	return copyFile(ctx, source, localPath)
}

// copyFile copies src to dst, creating the directory of dst if needed.
func copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", src)
	}
	defer func() { _ = in.Close() }()
	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", dst)
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", dst)
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to copy %q to %q", src, dst)
	}
	return errors.Wrapf(out.Close(), "failed to close %q", dst)
}
