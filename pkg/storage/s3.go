// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// S3 implements Store on AWS S3, for "s3://" URIs. Large files are transferred in parts.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

var _ Store = (*S3)(nil)

// NewS3 creates an S3 store using the AWS session sess.
func NewS3(sess client.ConfigProvider) *S3 {
	return &S3{
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
	}
}

func s3Location(uri string) (URI, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return u, err
	}
	if u.Scheme != SchemeS3 {
		return u, errors.Errorf("S3 storage can't handle %q", uri)
	}
	if u.Key == "" {
		return u, errors.Errorf("S3 URI %q has no object key", uri)
	}
	return u, nil
}

// Upload implements Store.
func (s *S3) Upload(ctx context.Context, localPath, uri string) error {
	u, err := s3Location(uri)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", localPath)
	}
	defer func() { _ = f.Close() }()
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(u.Bucket),
		Key:    aws.String(u.Key),
		Body:   f,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to upload %q to %s", localPath, u)
	}
	return nil
}

// UploadDir implements Store.
func (s *S3) UploadDir(ctx context.Context, dir, uri string) (numFiles int, numBytes int64, err error) {
	return uploadDir(ctx, dir, uri, s.Upload)
}

// Download implements Store. A partially written file is removed on failure.
func (s *S3) Download(ctx context.Context, uri, localPath string) (err error) {
	u, err := s3Location(uri)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", localPath)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", localPath)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %q", localPath)
		}
		if err != nil {
			_ = os.Remove(localPath)
		}
	}()
	n, err := s.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(u.Bucket),
		Key:    aws.String(u.Key),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to download %s to %q", u, localPath)
	}
	klog.V(1).Infof("Downloaded %s to %q (%d bytes)", u, localPath, n)
	return nil
}
