// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package job

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SourceArchiveName is the conventional name of the packaged training program source.
const SourceArchiveName = "sourcedir.tar.gz"

// PackageSource creates the gzipped tar archive outputPath with the contents of sourceDir, relative to it.
// It requires the "tar" program.
func PackageSource(sourceDir, outputPath string) error {
	info, err := os.Stat(sourceDir)
	if err != nil || !info.IsDir() {
		return errors.Errorf("source directory %q not found", sourceDir)
	}
	outputPath, err = filepath.Abs(outputPath)
	if err != nil {
		return errors.Wrapf(err, "invalid output path")
	}
	if err = os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", outputPath)
	}
	// Exclude the archive itself, in case it is written inside sourceDir.
	cmd := exec.Command("tar", "czf", outputPath, "--exclude", "./"+filepath.Base(outputPath), ".")
	cmd.Dir = sourceDir
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "failed to run %q: %s", cmd, output)
	}
	klog.V(1).Infof("Packaged %q into %q", sourceDir, outputPath)
	return nil
}

// ExtractArchive unpacks the gzipped tar archive, e.g. the model artifact of a completed job, into dir.
// It requires the "tar" program.
func ExtractArchive(archivePath, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	cmd := exec.Command("tar", "xzf", archivePath, "-C", dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "failed to run %q: %s", cmd, output)
	}
	klog.V(1).Infof("Extracted %q into %q", archivePath, dir)
	return nil
}
