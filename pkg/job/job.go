// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package job describes and runs remote training jobs on a managed training platform.
//
// A Descriptor declares everything the platform needs: where the training program source is, its entry
// point, the input data channels, where to write the model, the compute resources and the hyperparameters.
// A Submitter creates the job and waits for it; Run does both and turns a failed job into an error:
//
//	status, err := job.Run(ctx, job.NewSageMaker(sess), descriptor)
//	if errors.Is(err, job.ErrJobFailed) {
//		klog.Fatalf("training failed: %s", status.FailureReason)
//	}
package job

import (
	"context"
	"regexp"
	"time"

	"github.com/gomlx/managedtrain/pkg/storage"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrJobFailed is returned (wrapped) by Run when the job ends in any state other than StateCompleted.
var ErrJobFailed = errors.New("training job did not complete")

// State of a job in the platform.
type State string

const (
	StateInProgress State = "InProgress"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
	StateStopping   State = "Stopping"
	StateStopped    State = "Stopped"
)

// Terminal returns whether the job has ended and won't change state anymore.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// InputMode is how the platform stages the input channels for the training program.
type InputMode string

const (
	// InputFile downloads the whole dataset to the local volume before training starts.
	InputFile InputMode = "File"

	// InputFastFile streams the dataset from storage, presented as files.
	InputFastFile InputMode = "FastFile"

	// InputPipe streams the dataset through a pipe.
	InputPipe InputMode = "Pipe"
)

// Status of a job.
type Status struct {
	Name  string
	State State

	// SecondaryStatus is the platform's detailed status, e.g. "Downloading" or "Training".
	SecondaryStatus string

	// FailureReason is set when State is StateFailed.
	FailureReason string

	// ModelArtifact is the URI of the packaged model, once the job has completed.
	ModelArtifact string

	CreationTime, EndTime time.Time

	// BillableTime is the compute time the job was charged for.
	BillableTime time.Duration
}

// Descriptor is the declarative description of a training job.
type Descriptor struct {
	// Name of the job, unique in the account. See NewName.
	Name string

	// Image is the container image that runs the training program.
	Image string

	// SourceURI is the storage location of the packaged source (see PackageSource), and EntryPoint is the
	// program in it to run.
	SourceURI, EntryPoint string

	// Role is the identity the job runs as, it must have access to the inputs and the output.
	Role string

	// Inputs maps channel names (e.g. "training") to storage URI prefixes.
	Inputs map[string]string

	// InputMode is how the inputs are made available to the training program. Default is InputFile.
	InputMode InputMode

	// OutputURI is the storage URI prefix where the model artifact is written.
	OutputURI string

	InstanceType  string
	InstanceCount int
	VolumeSizeGB  int

	// MaxRuntime after which the platform stops the job.
	MaxRuntime time.Duration

	// Hyperparameters passed to the training program as command-line flags. Values are formatted with
	// FormatHyperparameters.
	Hyperparameters map[string]any

	// Tags attached to the job, e.g. FrameworkTags.
	Tags map[string]string
}

// Defaults for the descriptor fields left empty.
const (
	DefaultInstanceType  = "ml.c5.2xlarge"
	DefaultInstanceCount = 1
	DefaultVolumeSizeGB  = 30
	DefaultMaxRuntime    = 24 * time.Hour
)

// WithDefaults returns a copy of d with the empty optional fields set to their defaults.
func (d Descriptor) WithDefaults() Descriptor {
	if d.InputMode == "" {
		d.InputMode = InputFile
	}
	if d.InstanceType == "" {
		d.InstanceType = DefaultInstanceType
	}
	if d.InstanceCount == 0 {
		d.InstanceCount = DefaultInstanceCount
	}
	if d.VolumeSizeGB == 0 {
		d.VolumeSizeGB = DefaultVolumeSizeGB
	}
	if d.MaxRuntime == 0 {
		d.MaxRuntime = DefaultMaxRuntime
	}
	return d
}

// MaxNameLength of a job name.
const MaxNameLength = 63

var nameRegexp = regexp.MustCompile(`^[a-zA-Z0-9](-*[a-zA-Z0-9]){0,62}$`)

// Validate returns an error describing the first invalid field of d.
func (d Descriptor) Validate() error {
	if len(d.Name) > MaxNameLength || !nameRegexp.MatchString(d.Name) {
		return errors.Errorf("invalid job name %q: up to 63 alphanumeric characters or hyphens, "+
			"not starting or ending with a hyphen", d.Name)
	}
	for field, value := range map[string]string{
		"image": d.Image, "entry point": d.EntryPoint, "role": d.Role, "instance type": d.InstanceType,
	} {
		if value == "" {
			return errors.Errorf("job %q: missing %s", d.Name, field)
		}
	}
	if err := validateS3URI("source", d.SourceURI); err != nil {
		return errors.WithMessagef(err, "job %q", d.Name)
	}
	if err := validateS3URI("output", d.OutputURI); err != nil {
		return errors.WithMessagef(err, "job %q", d.Name)
	}
	if len(d.Inputs) == 0 {
		return errors.Errorf("job %q: no input channels", d.Name)
	}
	for channel, uri := range d.Inputs {
		if err := validateS3URI("input channel "+channel, uri); err != nil {
			return errors.WithMessagef(err, "job %q", d.Name)
		}
	}
	switch d.InputMode {
	case InputFile, InputFastFile, InputPipe:
	default:
		return errors.Errorf("job %q: invalid input mode %q", d.Name, d.InputMode)
	}
	if d.InstanceCount < 1 || d.VolumeSizeGB < 1 {
		return errors.Errorf("job %q: instance count (%d) and volume size (%d GB) must be >= 1",
			d.Name, d.InstanceCount, d.VolumeSizeGB)
	}
	if d.MaxRuntime < time.Second {
		return errors.Errorf("job %q: max runtime %s is too short", d.Name, d.MaxRuntime)
	}
	return nil
}

func validateS3URI(what, uri string) error {
	u, err := storage.ParseURI(uri)
	if err != nil {
		return errors.WithMessagef(err, "%s location", what)
	}
	if u.Scheme != storage.SchemeS3 {
		return errors.Errorf("%s location %q must be an %s:// URI", what, uri, storage.SchemeS3)
	}
	return nil
}

// Submitter creates jobs in a training platform and tracks them.
type Submitter interface {
	// Submit creates the job and returns its initial status. It doesn't wait for the job.
	Submit(ctx context.Context, d Descriptor) (Status, error)

	// Describe returns the current status of the job.
	Describe(ctx context.Context, name string) (Status, error)

	// Wait blocks until the job reaches a terminal state, or ctx is done, and returns its last status.
	Wait(ctx context.Context, name string) (Status, error)
}

// Run submits the job described by d, with defaults filled in, and waits for it to finish.
// If the job doesn't complete successfully, the returned error wraps ErrJobFailed.
func Run(ctx context.Context, s Submitter, d Descriptor) (Status, error) {
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return Status{Name: d.Name}, err
	}
	status, err := s.Submit(ctx, d)
	if err != nil {
		return status, errors.WithMessagef(err, "failed to submit job %q", d.Name)
	}
	klog.Infof("Submitted job %q, waiting for it to finish", d.Name)
	status, err = s.Wait(ctx, d.Name)
	if err != nil {
		return status, errors.WithMessagef(err, "failed waiting for job %q", d.Name)
	}
	if status.State != StateCompleted {
		if status.FailureReason != "" {
			return status, errors.Wrapf(ErrJobFailed, "job %q ended %s: %s", d.Name, status.State, status.FailureReason)
		}
		return status, errors.Wrapf(ErrJobFailed, "job %q ended %s", d.Name, status.State)
	}
	klog.Infof("Job %q completed, model artifact at %s", d.Name, status.ModelArtifact)
	return status, nil
}
