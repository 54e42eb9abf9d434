// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package job

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageSource(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "mnist_train"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "lib", "config.yaml"), []byte("epochs: 1\n"), 0o644))

	// Archive written inside the source directory is not included in itself.
	archive := filepath.Join(src, SourceArchiveName)
	require.NoError(t, PackageSource(src, archive))

	f, err := os.Open(archive)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	reader := tar.NewReader(gz)
	contents := make(map[string]string)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(reader)
		require.NoError(t, err)
		contents[filepath.Clean(header.Name)] = string(data)
	}
	assert.Equal(t, map[string]string{
		"mnist_train":                       "#!/bin/sh\n",
		filepath.Join("lib", "config.yaml"): "epochs: 1\n",
	}, contents)

	require.Error(t, PackageSource(filepath.Join(src, "missing"), archive))
}

func TestExtractArchive(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "model.safetensors"), []byte("weights"), 0o644))
	archive := filepath.Join(t.TempDir(), "model.tar.gz")
	require.NoError(t, PackageSource(src, archive))

	dst := filepath.Join(t.TempDir(), "model")
	require.NoError(t, ExtractArchive(archive, dst))
	data, err := os.ReadFile(filepath.Join(dst, "model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	require.Error(t, ExtractArchive(filepath.Join(src, "missing.tar.gz"), dst))
}
