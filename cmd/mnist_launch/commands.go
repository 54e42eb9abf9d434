// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/managedtrain/internal/fsutil"
	"github.com/gomlx/managedtrain/pkg/job"
	"github.com/gomlx/managedtrain/pkg/mnist"
	"github.com/gomlx/managedtrain/pkg/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func downloadCommand(l *launcher) *cobra.Command {
	var (
		subsetTrain, subsetTest int
		subsetDir               string
		progress                bool
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the MNIST dataset to data_dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return l.download(cmd.Context(), cmd.OutOrStdout(), progress, subsetTrain, subsetTest, subsetDir)
		},
	}
	cmd.Flags().BoolVar(&progress, "progress", true, "Display download progress bars.")
	cmd.Flags().IntVar(&subsetTrain, "subset-train", 0, "If > 0, also write a smaller copy of the dataset with this many training examples.")
	cmd.Flags().IntVar(&subsetTest, "subset-test", 1000, "Number of test examples of the smaller copy.")
	cmd.Flags().StringVar(&subsetDir, "subset-dir", "", `Directory of the smaller copy, by default data_dir with a "-subset" suffix.`)
	return cmd
}

func (l *launcher) download(ctx context.Context, out io.Writer, progress bool, subsetTrain, subsetTest int, subsetDir string) error {
	if err := mnist.Download(ctx, l.cfg.DataDir, progress); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "MNIST dataset in %s\n", l.cfg.DataDir)
	if subsetTrain <= 0 {
		return nil
	}
	if subsetDir == "" {
		subsetDir = filepath.Clean(l.cfg.DataDir) + "-subset"
	}
	for partition, n := range map[mnist.Partition]int{mnist.TrainPartition: subsetTrain, mnist.TestPartition: subsetTest} {
		split, err := mnist.LoadPartition(l.cfg.DataDir, partition)
		if err != nil {
			return err
		}
		if err = mnist.WritePartition(subsetDir, partition, split.Subset(n), true); err != nil {
			return err
		}
	}
	_, _ = fmt.Fprintf(out, "Subset with %d train and %d test examples in %s\n", subsetTrain, subsetTest, subsetDir)
	return nil
}

func uploadCommand(l *launcher) *cobra.Command {
	var dataDir, target string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload the dataset to the storage used by the training job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return l.upload(cmd.Context(), cmd.OutOrStdout(), dataDir, target)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Local directory to upload, by default data_dir.")
	cmd.Flags().StringVar(&target, "to", "", "Target URI, by default s3://<bucket>/<prefix>/data. A file:// URI makes a local copy.")
	return cmd
}

func (l *launcher) upload(ctx context.Context, out io.Writer, dataDir, target string) error {
	if dataDir == "" {
		dataDir = l.cfg.DataDir
	}
	if target == "" {
		if err := l.cfg.ValidateStorage(); err != nil {
			return err
		}
		target = l.cfg.DataURI()
	}
	s, err := l.storeFor(target)
	if err != nil {
		return err
	}
	numFiles, numBytes, err := s.UploadDir(ctx, dataDir, target)
	if err != nil {
		return err
	}
	if numFiles == 0 {
		return errors.Errorf("no files found in %q: run the download command first", dataDir)
	}
	err = l.records.Update(func(r *store.Record) {
		r.TrainingData = target
		r.Region, r.Bucket, r.Prefix = l.cfg.Region, l.cfg.Bucket, l.cfg.Prefix
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Uploaded %d files (%s) to %s\n", numFiles, humanize.Bytes(uint64(numBytes)), target)
	return nil
}

// submitOptions overrides the configured hyperparameters when set.
type submitOptions struct {
	epochs, hiddenChannels int
	optimizer              string
	noWait, dryRun         bool
}

func submitCommand(l *launcher) *cobra.Command {
	var opts submitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Package the training program, submit the training job and wait for it to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("epochs") {
				opts.epochs = 0
			}
			if !cmd.Flags().Changed("hidden_channels") {
				opts.hiddenChannels = 0
			}
			status, err := l.submit(cmd.Context(), cmd.OutOrStdout(), opts)
			if status.Name != "" && !opts.dryRun {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderStatus(status))
			}
			return err
		},
	}
	cmd.Flags().IntVar(&opts.epochs, "epochs", mnist.DefaultEpochs, "Number of epochs, overrides the configuration.")
	cmd.Flags().IntVar(&opts.hiddenChannels, "hidden_channels", mnist.DefaultHiddenChannels, "Channels of the first convolution, overrides the configuration.")
	cmd.Flags().StringVar(&opts.optimizer, "optimizer", "", `"sgd" or "adam", overrides the configuration.`)
	cmd.Flags().BoolVar(&opts.noWait, "no-wait", false, "Return after submitting, without waiting for the job to finish.")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Only print the job that would be submitted.")
	return cmd
}

func (l *launcher) submit(ctx context.Context, out io.Writer, opts submitOptions) (job.Status, error) {
	if err := l.cfg.ValidateJob(); err != nil {
		return job.Status{}, err
	}
	hp := &l.cfg.Hyperparameters
	if opts.epochs > 0 {
		hp.Epochs = opts.epochs
	}
	if opts.hiddenChannels > 0 {
		hp.HiddenChannels = opts.hiddenChannels
	}
	if opts.optimizer != "" {
		hp.Optimizer = opts.optimizer
	}
	if _, err := mnist.ParseOptimizerName(hp.Optimizer); err != nil {
		return job.Status{}, err
	}

	name := job.NewName(l.cfg.JobBaseName)
	d := l.cfg.Descriptor(name).WithDefaults()
	if err := d.Validate(); err != nil {
		return job.Status{}, err
	}
	if opts.dryRun {
		_, _ = fmt.Fprintln(out, renderDescriptor(d))
		return job.Status{Name: name}, nil
	}

	// Package and upload the training program source.
	tmpDir, err := os.MkdirTemp("", "mnist_launch")
	if err != nil {
		return job.Status{}, errors.Wrap(err, "failed to create temporary directory")
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	archive := filepath.Join(tmpDir, job.SourceArchiveName)
	if err = job.PackageSource(l.cfg.SourceDir, archive); err != nil {
		return job.Status{}, err
	}
	sourceStore, err := l.storeFor(d.SourceURI)
	if err != nil {
		return job.Status{}, err
	}
	if err = sourceStore.Upload(ctx, archive, d.SourceURI); err != nil {
		return job.Status{}, err
	}
	klog.Infof("Uploaded source to %s", d.SourceURI)

	submitter, err := l.jobSubmitter()
	if err != nil {
		return job.Status{}, err
	}
	var status job.Status
	if opts.noWait {
		status, err = submitter.Submit(ctx, d)
	} else {
		status, err = job.Run(ctx, submitter, d)
	}
	// Identifiers are persisted even if the job failed, to allow inspecting it.
	if status.Name != "" {
		updateErr := l.records.Update(func(r *store.Record) {
			r.TrainingJobName = status.Name
			r.JobState = string(status.State)
			r.ModelData = status.ModelArtifact
			r.TrainingData = d.Inputs["training"]
			r.Role, r.Region, r.Bucket, r.Prefix = l.cfg.Role, l.cfg.Region, l.cfg.Bucket, l.cfg.Prefix
		})
		if updateErr != nil {
			klog.Errorf("Failed to persist the job identifiers: %+v", updateErr)
		}
	}
	return status, err
}

func describeCommand(l *launcher) *cobra.Command {
	return &cobra.Command{
		Use:   "describe [job-name]",
		Short: "Print the status of the given training job, or of the last one submitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) > 0 {
				name = args[0]
			}
			status, err := l.describe(cmd.Context(), name)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderStatus(status))
			return nil
		},
	}
}

func (l *launcher) describe(ctx context.Context, name string) (job.Status, error) {
	if name == "" {
		r, err := l.records.Load()
		if err != nil {
			return job.Status{}, errors.WithMessage(err, "no job name given")
		}
		name = r.TrainingJobName
	}
	submitter, err := l.jobSubmitter()
	if err != nil {
		return job.Status{}, err
	}
	status, err := submitter.Describe(ctx, name)
	if err != nil {
		return status, err
	}
	err = l.records.Update(func(r *store.Record) {
		if r.TrainingJobName == name {
			r.JobState = string(status.State)
			r.ModelData = status.ModelArtifact
		}
	})
	return status, err
}

func showCommand(l *launcher) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the identifiers persisted by the previous commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := l.records.Load()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderRecord(l.records.Path(), r))
			return nil
		},
	}
}

func fetchModelCommand(l *launcher) *cobra.Command {
	var outputDir string
	cmd := &cobra.Command{
		Use:   "fetch-model [job-name]",
		Short: "Download and unpack the model artifact of the given training job, or of the last one submitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) > 0 {
				name = args[0]
			}
			modelPath, err := l.fetchModel(cmd.Context(), name, outputDir)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Model in %s\n", modelPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", "mnist_model",
		"Directory where the model is unpacked, it can be given to mnist_train -model-dir.")
	return cmd
}

// fetchModel downloads the model artifact of the job and unpacks it into outputDir. It returns the path
// of the model file. The artifact location is taken from the persisted record, or from the platform if
// it is not known yet.
func (l *launcher) fetchModel(ctx context.Context, name, outputDir string) (string, error) {
	var artifact string
	r, err := l.records.Load()
	if name == "" {
		if err != nil {
			return "", errors.WithMessage(err, "no job name given")
		}
		name = r.TrainingJobName
	}
	if err == nil && r.TrainingJobName == name {
		artifact = r.ModelData
	}
	if artifact == "" {
		status, err := l.describe(ctx, name)
		if err != nil {
			return "", err
		}
		if status.State != job.StateCompleted || status.ModelArtifact == "" {
			return "", errors.Errorf("job %q has no model artifact (state %s)", name, status.State)
		}
		artifact = status.ModelArtifact
	}

	s, err := l.storeFor(artifact)
	if err != nil {
		return "", err
	}
	tmpDir, err := os.MkdirTemp("", "mnist_launch")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temporary directory")
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	archive := filepath.Join(tmpDir, "model.tar.gz")
	if err = s.Download(ctx, artifact, archive); err != nil {
		return "", err
	}
	if err = job.ExtractArchive(archive, outputDir); err != nil {
		return "", err
	}
	modelPath := filepath.Join(outputDir, mnist.ArtifactFileName)
	if exists, err := fsutil.Exists(modelPath); err != nil {
		return "", err
	} else if !exists {
		return "", errors.Errorf("model artifact %s has no %s", artifact, mnist.ArtifactFileName)
	}
	klog.Infof("Fetched the model of job %q from %s", name, artifact)
	return modelPath, nil
}
