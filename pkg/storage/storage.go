// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package storage moves datasets and model artifacts between the local filesystem and object storage.
//
// Locations are given as URIs: "s3://bucket/key/prefix" for S3 and "file:///absolute/path" for
// the local filesystem.
package storage

import (
	"context"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Store is an object storage.
type Store interface {
	// Upload the local file to uri.
	Upload(ctx context.Context, localPath, uri string) error

	// UploadDir uploads all regular files under dir (recursively) to the uri prefix, keeping their
	// relative paths. It returns the number of files and bytes uploaded.
	UploadDir(ctx context.Context, dir, uri string) (numFiles int, numBytes int64, err error)

	// Download the object at uri to localPath, creating its directory if needed.
	Download(ctx context.Context, uri, localPath string) error
}

// Schemes of the supported URIs.
const (
	SchemeS3   = "s3"
	SchemeFile = "file"
)

// MaxParallelUploads is the number of files UploadDir uploads concurrently.
var MaxParallelUploads = 8

// URI of an object, or of a prefix of objects.
type URI struct {
	Scheme string

	// Bucket is empty for the "file" scheme.
	Bucket string

	// Key is the object key without leading "/" for S3, or the absolute path for files.
	Key string
}

// ParseURI parses "s3://bucket/key" and "file:///path" URIs. A plain absolute path is taken as a "file" URI.
func ParseURI(s string) (URI, error) {
	if filepath.IsAbs(s) {
		return URI{Scheme: SchemeFile, Key: filepath.Clean(s)}, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return URI{}, errors.Wrapf(err, "invalid storage URI %q", s)
	}
	switch u.Scheme {
	case SchemeS3:
		if u.Host == "" {
			return URI{}, errors.Errorf("storage URI %q has no bucket", s)
		}
		return URI{Scheme: SchemeS3, Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}, nil
	case SchemeFile:
		if u.Host != "" && u.Host != "localhost" {
			return URI{}, errors.Errorf("file URI %q must not have a host", s)
		}
		if u.Path == "" {
			return URI{}, errors.Errorf("file URI %q has no path", s)
		}
		return URI{Scheme: SchemeFile, Key: filepath.Clean(filepath.FromSlash(u.Path))}, nil
	}
	return URI{}, errors.Errorf("unsupported storage URI %q, it must start with %s:// or %s://", s, SchemeS3, SchemeFile)
}

// String returns the URI in its canonical form.
func (u URI) String() string {
	if u.Scheme == SchemeFile {
		return SchemeFile + "://" + filepath.ToSlash(u.Key)
	}
	return u.Scheme + "://" + u.Bucket + "/" + u.Key
}

// Join returns the URI with the elements appended to the key, "/" separated.
func (u URI) Join(elem ...string) URI {
	if u.Scheme == SchemeFile {
		u.Key = filepath.Join(append([]string{u.Key}, elem...)...)
		return u
	}
	u.Key = strings.TrimPrefix(path.Join(append([]string{u.Key}, elem...)...), "/")
	return u
}

// ForURI returns the Store that serves the scheme of uri. The S3 store is created with sess,
// and it is an error if it is nil.
func ForURI(uri string, sess client.ConfigProvider) (Store, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if u.Scheme == SchemeFile {
		return Local{}, nil
	}
	if sess == nil {
		return nil, errors.Errorf("no AWS session to access %q", uri)
	}
	return NewS3(sess), nil
}

// localFile to be uploaded, with its path relative to the uploaded directory.
type localFile struct {
	path, relPath string
	size          int64
}

// listFiles returns the regular files under dir, with "/" separated relative paths.
func listFiles(dir string) (files []localFile, err error) {
	err = filepath.WalkDir(dir, func(p string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, localFile{path: p, relPath: filepath.ToSlash(rel), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files in %q", dir)
	}
	return files, nil
}

// uploadDir uploads the files of dir with at most MaxParallelUploads concurrent calls to upload.
func uploadDir(ctx context.Context, dir, uri string,
	upload func(ctx context.Context, localPath, uri string) error) (numFiles int, numBytes int64, err error) {
	base, err := ParseURI(uri)
	if err != nil {
		return 0, 0, err
	}
	if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
		return 0, 0, errors.Errorf("%q is not a directory", dir)
	}
	files, err := listFiles(dir)
	if err != nil {
		return 0, 0, err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(MaxParallelUploads, 1))
	for _, file := range files {
		target := base.Join(file.relPath).String()
		g.Go(func() error {
			klog.V(1).Infof("Uploading %q (%s) to %s", file.path, humanize.Bytes(uint64(file.size)), target)
			return upload(ctx, file.path, target)
		})
		numBytes += file.size
	}
	if err = g.Wait(); err != nil {
		return 0, 0, err
	}
	klog.Infof("Uploaded %d files (%s) from %q to %s", len(files), humanize.Bytes(uint64(numBytes)), dir, base)
	return len(files), numBytes, nil
}
