// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package job

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSageMakerAPI implements the calls used by SageMaker. Any other call panics on the nil embedded interface.
type fakeSageMakerAPI struct {
	sagemakeriface.SageMakerAPI

	created      *sagemaker.CreateTrainingJobInput
	createErr    error
	describe     *sagemaker.DescribeTrainingJobOutput
	waitErr      error
	waitOptions  int
	waitedJobFor string
}

func (f *fakeSageMakerAPI) CreateTrainingJobWithContext(_ aws.Context, input *sagemaker.CreateTrainingJobInput,
	_ ...request.Option) (*sagemaker.CreateTrainingJobOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = input
	return &sagemaker.CreateTrainingJobOutput{TrainingJobArn: aws.String("arn:job/" + *input.TrainingJobName)}, nil
}

func (f *fakeSageMakerAPI) DescribeTrainingJobWithContext(_ aws.Context, input *sagemaker.DescribeTrainingJobInput,
	_ ...request.Option) (*sagemaker.DescribeTrainingJobOutput, error) {
	out := *f.describe
	out.TrainingJobName = input.TrainingJobName
	return &out, nil
}

func (f *fakeSageMakerAPI) WaitUntilTrainingJobCompletedOrStoppedWithContext(_ aws.Context,
	input *sagemaker.DescribeTrainingJobInput, options ...request.WaiterOption) error {
	f.waitedJobFor = aws.StringValue(input.TrainingJobName)
	f.waitOptions = len(options)
	return f.waitErr
}

func TestSageMakerSubmit(t *testing.T) {
	api := &fakeSageMakerAPI{}
	submitter := NewSageMakerWithClient(api)
	d := testDescriptor()
	d.InputMode = InputFastFile
	status, err := submitter.Submit(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, status.State)

	in := api.created
	require.NotNil(t, in)
	assert.Equal(t, d.Name, aws.StringValue(in.TrainingJobName))
	assert.Equal(t, d.Role, aws.StringValue(in.RoleArn))
	assert.Equal(t, d.Image, aws.StringValue(in.AlgorithmSpecification.TrainingImage))
	assert.Equal(t, "FastFile", aws.StringValue(in.AlgorithmSpecification.TrainingInputMode))
	assert.Equal(t, map[string]string{
		"epochs":                      "1",
		"optimizer":                   "adam",
		"hidden_channels":             "5",
		HyperparameterProgram:         "mnist_train",
		HyperparameterSubmitDirectory: "s3://bucket/mnist/source/sourcedir.tar.gz",
	}, aws.StringValueMap(in.HyperParameters))
	require.Len(t, in.InputDataConfig, 1)
	assert.Equal(t, "training", aws.StringValue(in.InputDataConfig[0].ChannelName))
	assert.Equal(t, "s3://bucket/mnist/data", aws.StringValue(in.InputDataConfig[0].DataSource.S3DataSource.S3Uri))
	assert.Equal(t, "s3://bucket/mnist/output", aws.StringValue(in.OutputDataConfig.S3OutputPath))
	assert.Equal(t, DefaultInstanceType, aws.StringValue(in.ResourceConfig.InstanceType))
	assert.Equal(t, int64(1), aws.Int64Value(in.ResourceConfig.InstanceCount))
	assert.Equal(t, int64(DefaultVolumeSizeGB), aws.Int64Value(in.ResourceConfig.VolumeSizeInGB))
	assert.Equal(t, int64(24*3600), aws.Int64Value(in.StoppingCondition.MaxRuntimeInSeconds))
	require.Len(t, in.Tags, 2)
	assert.Equal(t, TagFramework, aws.StringValue(in.Tags[0].Key))
	assert.Equal(t, "gomlx", aws.StringValue(in.Tags[0].Value))

	api.createErr = awserr.New("ResourceInUse", "job exists", nil)
	_, err = submitter.Submit(context.Background(), d)
	require.ErrorContains(t, err, "ResourceInUse")
}

func TestSageMakerWait(t *testing.T) {
	created := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	api := &fakeSageMakerAPI{describe: &sagemaker.DescribeTrainingJobOutput{
		TrainingJobStatus:     aws.String(sagemaker.TrainingJobStatusCompleted),
		SecondaryStatus:       aws.String(sagemaker.SecondaryStatusCompleted),
		ModelArtifacts:        &sagemaker.ModelArtifacts{S3ModelArtifacts: aws.String("s3://bucket/out/model.tar.gz")},
		CreationTime:          aws.Time(created),
		BillableTimeInSeconds: aws.Int64(300),
	}}
	submitter := NewSageMakerWithClient(api)
	submitter.PollInterval, submitter.MaxPolls = time.Second, 10

	status, err := submitter.Wait(context.Background(), "mnist-job")
	require.NoError(t, err)
	assert.Equal(t, "mnist-job", api.waitedJobFor)
	assert.Equal(t, 2, api.waitOptions)
	assert.Equal(t, Status{
		Name:            "mnist-job",
		State:           StateCompleted,
		SecondaryStatus: "Completed",
		ModelArtifact:   "s3://bucket/out/model.tar.gz",
		CreationTime:    created,
		BillableTime:    5 * time.Minute,
	}, status)

	// The waiter errors on failed jobs, the state is still reported.
	api.waitErr = awserr.New(request.WaiterResourceNotReadyErrorCode, "failed waiting", nil)
	api.describe.TrainingJobStatus = aws.String(sagemaker.TrainingJobStatusFailed)
	api.describe.FailureReason = aws.String("ClientError: out of memory")
	api.describe.ModelArtifacts = nil
	status, err = submitter.Wait(context.Background(), "mnist-job")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, "ClientError: out of memory", status.FailureReason)

	// Waiter gave up while the job still runs.
	api.describe.TrainingJobStatus = aws.String(sagemaker.TrainingJobStatusInProgress)
	_, err = submitter.Wait(context.Background(), "mnist-job")
	require.ErrorContains(t, err, "still InProgress")

	// Run turns the failure into ErrJobFailed.
	api.waitErr = nil
	api.describe.TrainingJobStatus = aws.String(sagemaker.TrainingJobStatusStopped)
	_, err = Run(context.Background(), submitter, testDescriptor())
	require.ErrorIs(t, err, ErrJobFailed)
}
