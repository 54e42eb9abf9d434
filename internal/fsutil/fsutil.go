// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil has the filesystem helpers shared by the training program and the launcher.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Exists returns whether the file or directory exists, or an error if it can't be determined.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ExpandHome replaces a leading "~" or "~user" in path by the home directory of the current user,
// or of the named user. Other paths are returned unchanged.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	userName, rest, _ := strings.Cut(path[1:], "/")
	var homeDir string
	if userName == "" {
		var err error
		if homeDir, err = os.UserHomeDir(); err != nil {
			return "", errors.Wrapf(err, "failed to find home directory for %q", path)
		}
	} else {
		usr, err := user.Lookup(userName)
		if err != nil {
			return "", errors.Wrapf(err, "failed to find home directory of user %q for %q", userName, path)
		}
		homeDir = usr.HomeDir
	}
	return filepath.Join(homeDir, rest), nil
}

// MustExpandHome is like ExpandHome, but panics with the error.
func MustExpandHome(path string) string {
	expanded, err := ExpandHome(path)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return expanded
}
