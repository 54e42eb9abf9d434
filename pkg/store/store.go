// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package store persists the identifiers of the last training job (its name, where its model artifact
// and training data are) in a YAML file, so later sessions can find them.
package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Load if nothing was saved yet.
var ErrNotFound = errors.New("no stored identifiers")

// Record of the persisted identifiers.
type Record struct {
	TrainingJobName string `koanf:"training_job_name"`
	JobState        string `koanf:"job_state"`
	ModelData       string `koanf:"model_data"`
	TrainingData    string `koanf:"training_data"`
	Role            string `koanf:"role"`
	Region          string `koanf:"region"`
	Bucket          string `koanf:"bucket"`
	Prefix          string `koanf:"prefix"`

	// UpdatedAt is set by Save, RFC 3339 formatted.
	UpdatedAt string `koanf:"updated_at"`
}

// Store is a Record saved in a YAML file.
type Store struct {
	path string
}

// New returns the Store backed by the file at path. The file is created on the first Save.
func New(path string) *Store {
	return &Store{path: path}
}

// Path of the backing file.
func (s *Store) Path() string { return s.path }

// Load the stored record. It returns an error wrapping ErrNotFound if the file doesn't exist.
func (s *Store) Load() (Record, error) {
	var r Record
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return r, errors.Wrapf(ErrNotFound, "%q", s.path)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(s.path), yaml.Parser()); err != nil {
		return r, errors.Wrapf(err, "failed to read %q", s.path)
	}
	if err := k.Unmarshal("", &r); err != nil {
		return r, errors.Wrapf(err, "invalid record in %q", s.path)
	}
	return r, nil
}

// Save the record, replacing the previous one. The file is replaced atomically.
func (s *Store) Save(r Record) error {
	r.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	k := koanf.New(".")
	if err := k.Load(structs.Provider(r, "koanf"), nil); err != nil {
		return errors.Wrap(err, "failed to encode record")
	}
	output, err := k.Marshal(yaml.Parser())
	if err != nil {
		return errors.Wrap(err, "failed to encode record")
	}
	if err = os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", s.path)
	}
	tmpPath := s.path + ".tmp"
	if err = os.WriteFile(tmpPath, output, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", tmpPath)
	}
	if err = os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to replace %q", s.path)
	}
	return nil
}

// Update loads the stored record (an empty one if none was saved yet), applies fn and saves it.
func (s *Store) Update(fn func(r *Record)) error {
	r, err := s.Load()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	fn(&r)
	return s.Save(r)
}
