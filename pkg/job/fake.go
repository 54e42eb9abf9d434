// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package job

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Fake is an in-memory Submitter for tests and dry runs: submitted jobs complete (or fail) immediately.
type Fake struct {
	mu sync.Mutex

	// FinalState of the submitted jobs, StateCompleted by default, and the FailureReason to report.
	FinalState    State
	FailureReason string

	// ArtifactURI returns the model artifact reported for a completed job.
	// The default is "<OutputURI>/<name>/output/model.tar.gz".
	ArtifactURI func(d Descriptor) string

	// Error injection.
	SubmitError, DescribeError, WaitError error

	// Call tracking.
	SubmitCalled, DescribeCalled, WaitCalled int

	// Submitted descriptors, by job name.
	Submitted map[string]Descriptor
}

var _ Submitter = (*Fake)(nil)

// NewFake creates a Fake whose jobs complete successfully.
func NewFake() *Fake {
	return &Fake{FinalState: StateCompleted, Submitted: make(map[string]Descriptor)}
}

// Submit implements Submitter.
func (f *Fake) Submit(_ context.Context, d Descriptor) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmitCalled++
	if f.SubmitError != nil {
		return Status{Name: d.Name}, f.SubmitError
	}
	if _, found := f.Submitted[d.Name]; found {
		return Status{Name: d.Name}, errors.Errorf("job %q already exists", d.Name)
	}
	f.Submitted[d.Name] = d
	return Status{Name: d.Name, State: StateInProgress, CreationTime: time.Now()}, nil
}

func (f *Fake) status(name string) (Status, error) {
	d, found := f.Submitted[name]
	if !found {
		return Status{Name: name}, errors.Errorf("job %q not found", name)
	}
	status := Status{Name: name, State: f.FinalState}
	switch f.FinalState {
	case StateCompleted:
		if f.ArtifactURI != nil {
			status.ModelArtifact = f.ArtifactURI(d)
		} else {
			status.ModelArtifact = d.OutputURI + "/" + name + "/output/model.tar.gz"
		}
	case StateFailed:
		status.FailureReason = f.FailureReason
	}
	return status, nil
}

// Describe implements Submitter.
func (f *Fake) Describe(_ context.Context, name string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DescribeCalled++
	if f.DescribeError != nil {
		return Status{Name: name}, f.DescribeError
	}
	return f.status(name)
}

// Wait implements Submitter.
func (f *Fake) Wait(ctx context.Context, name string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WaitCalled++
	if f.WaitError != nil {
		return Status{Name: name}, f.WaitError
	}
	if err := ctx.Err(); err != nil {
		return Status{Name: name}, err
	}
	return f.status(name)
}
