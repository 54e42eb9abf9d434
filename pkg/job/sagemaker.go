// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package job

import (
	"context"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Hyperparameters the platform's framework containers use to find the training program.
const (
	HyperparameterProgram         = "sagemaker_program"
	HyperparameterSubmitDirectory = "sagemaker_submit_directory"
)

// SageMaker implements Submitter with AWS SageMaker training jobs.
type SageMaker struct {
	api sagemakeriface.SageMakerAPI

	// PollInterval between job status checks in Wait. If 0, the SDK default (2 minutes) is used.
	PollInterval time.Duration

	// MaxPolls is the maximum number of status checks in Wait. If 0, the SDK default is used.
	MaxPolls int
}

var _ Submitter = (*SageMaker)(nil)

// NewSageMaker creates a Submitter using the AWS session sess.
func NewSageMaker(sess client.ConfigProvider) *SageMaker {
	return NewSageMakerWithClient(sagemaker.New(sess))
}

// NewSageMakerWithClient creates a Submitter using the given SageMaker API client.
func NewSageMakerWithClient(api sagemakeriface.SageMakerAPI) *SageMaker {
	return &SageMaker{api: api}
}

// createInput converts the descriptor to the SageMaker request.
func createInput(d Descriptor) *sagemaker.CreateTrainingJobInput {
	hyperparameters := FormatHyperparameters(d.Hyperparameters)
	hyperparameters[HyperparameterProgram] = d.EntryPoint
	hyperparameters[HyperparameterSubmitDirectory] = d.SourceURI

	input := &sagemaker.CreateTrainingJobInput{
		TrainingJobName: aws.String(d.Name),
		RoleArn:         aws.String(d.Role),
		AlgorithmSpecification: &sagemaker.AlgorithmSpecification{
			TrainingImage:     aws.String(d.Image),
			TrainingInputMode: aws.String(string(d.InputMode)),
		},
		HyperParameters: aws.StringMap(hyperparameters),
		OutputDataConfig: &sagemaker.OutputDataConfig{
			S3OutputPath: aws.String(d.OutputURI),
		},
		ResourceConfig: &sagemaker.ResourceConfig{
			InstanceType:   aws.String(d.InstanceType),
			InstanceCount:  aws.Int64(int64(d.InstanceCount)),
			VolumeSizeInGB: aws.Int64(int64(d.VolumeSizeGB)),
		},
		StoppingCondition: &sagemaker.StoppingCondition{
			MaxRuntimeInSeconds: aws.Int64(int64(d.MaxRuntime / time.Second)),
		},
	}
	channels := maps.Keys(d.Inputs)
	slices.Sort(channels)
	for _, channel := range channels {
		input.InputDataConfig = append(input.InputDataConfig, &sagemaker.Channel{
			ChannelName: aws.String(channel),
			InputMode:   aws.String(string(d.InputMode)),
			DataSource: &sagemaker.DataSource{
				S3DataSource: &sagemaker.S3DataSource{
					S3DataType:             aws.String(sagemaker.S3DataTypeS3prefix),
					S3Uri:                  aws.String(d.Inputs[channel]),
					S3DataDistributionType: aws.String(sagemaker.S3DataDistributionFullyReplicated),
				},
			},
		})
	}
	tagKeys := maps.Keys(d.Tags)
	slices.Sort(tagKeys)
	for _, key := range tagKeys {
		input.Tags = append(input.Tags, &sagemaker.Tag{Key: aws.String(key), Value: aws.String(d.Tags[key])})
	}
	return input
}

// Submit implements Submitter.
func (s *SageMaker) Submit(ctx context.Context, d Descriptor) (Status, error) {
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return Status{Name: d.Name}, err
	}
	if _, err := s.api.CreateTrainingJobWithContext(ctx, createInput(d)); err != nil {
		return Status{Name: d.Name}, errors.Wrapf(err, "failed to create training job %q", d.Name)
	}
	klog.V(1).Infof("Created training job %q on %d x %s", d.Name, d.InstanceCount, d.InstanceType)
	return Status{Name: d.Name, State: StateInProgress, CreationTime: time.Now()}, nil
}

// Describe implements Submitter.
func (s *SageMaker) Describe(ctx context.Context, name string) (Status, error) {
	out, err := s.api.DescribeTrainingJobWithContext(ctx, &sagemaker.DescribeTrainingJobInput{
		TrainingJobName: aws.String(name),
	})
	if err != nil {
		return Status{Name: name}, errors.Wrapf(err, "failed to describe training job %q", name)
	}
	status := Status{
		Name:            name,
		State:           State(aws.StringValue(out.TrainingJobStatus)),
		SecondaryStatus: aws.StringValue(out.SecondaryStatus),
		FailureReason:   aws.StringValue(out.FailureReason),
		CreationTime:    aws.TimeValue(out.CreationTime),
		EndTime:         aws.TimeValue(out.TrainingEndTime),
		BillableTime:    time.Duration(aws.Int64Value(out.BillableTimeInSeconds)) * time.Second,
	}
	if out.ModelArtifacts != nil {
		status.ModelArtifact = aws.StringValue(out.ModelArtifacts.S3ModelArtifacts)
	}
	return status, nil
}

// Wait implements Submitter. A job that fails is not an error for Wait: check the returned State.
func (s *SageMaker) Wait(ctx context.Context, name string) (Status, error) {
	var options []request.WaiterOption
	if s.PollInterval > 0 {
		options = append(options, request.WithWaiterDelay(request.ConstantWaiterDelay(s.PollInterval)))
	}
	if s.MaxPolls > 0 {
		options = append(options, request.WithWaiterMaxAttempts(s.MaxPolls))
	}
	// The waiter errors if the job fails, so the final state is always read afterward.
	waitErr := s.api.WaitUntilTrainingJobCompletedOrStoppedWithContext(ctx,
		&sagemaker.DescribeTrainingJobInput{TrainingJobName: aws.String(name)}, options...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Status{Name: name}, errors.Wrapf(ctxErr, "stopped waiting for training job %q", name)
	}
	status, err := s.Describe(ctx, name)
	if err != nil {
		return status, err
	}
	if !status.State.Terminal() {
		if waitErr != nil {
			return status, errors.Wrapf(waitErr, "training job %q is still %s", name, status.State)
		}
		return status, errors.Errorf("training job %q is still %s", name, status.State)
	}
	return status, nil
}
