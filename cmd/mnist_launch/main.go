// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mnist_launch prepares and launches the MNIST training job on the managed training platform:
//
//	mnist_launch download              # Download the MNIST files to data_dir.
//	mnist_launch upload                # Upload them to s3://<bucket>/<prefix>/data.
//	mnist_launch submit --epochs 2     # Package and upload the source, submit the job and wait for it.
//	mnist_launch describe [job-name]   # Status of the last (or the given) job.
//	mnist_launch show                  # Identifiers persisted by the previous commands.
//	mnist_launch fetch-model           # Download and unpack the model of the last job.
//
// The configuration is read from the file given by --config (see package launchconfig for the keys and
// their defaults), and from the MNIST_LAUNCH_* environment variables.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/gomlx/managedtrain/pkg/job"
	"github.com/gomlx/managedtrain/pkg/launchconfig"
	"github.com/gomlx/managedtrain/pkg/storage"
	"github.com/gomlx/managedtrain/pkg/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// launcher holds the configuration and the clients used by the commands.
type launcher struct {
	cfg *launchconfig.Config

	// Created lazily, so commands that don't need AWS don't require credentials.
	newSession func() (*session.Session, error)
	submitter  job.Submitter
	storeFor   func(uri string) (storage.Store, error)
	records    *store.Store
}

func newLauncher(cfg *launchconfig.Config) *launcher {
	l := &launcher{cfg: cfg, records: store.New(cfg.StorePath)}
	var sess *session.Session
	l.newSession = func() (*session.Session, error) {
		if sess != nil {
			return sess, nil
		}
		var err error
		sess, err = session.NewSessionWithOptions(session.Options{
			Config:            aws.Config{Region: aws.String(cfg.Region)},
			SharedConfigState: session.SharedConfigEnable,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create AWS session")
		}
		return sess, nil
	}
	l.storeFor = func(uri string) (storage.Store, error) {
		u, err := storage.ParseURI(uri)
		if err != nil {
			return nil, err
		}
		if u.Scheme != storage.SchemeS3 {
			return storage.ForURI(uri, nil)
		}
		s, err := l.newSession()
		if err != nil {
			return nil, err
		}
		return storage.ForURI(uri, s)
	}
	return l
}

// jobSubmitter returns the SageMaker submitter, creating it on first use.
func (l *launcher) jobSubmitter() (job.Submitter, error) {
	if l.submitter == nil {
		s, err := l.newSession()
		if err != nil {
			return nil, err
		}
		l.submitter = job.NewSageMaker(s)
	}
	return l.submitter, nil
}

func newRootCommand() *cobra.Command {
	var configPath string
	l := &launcher{}
	root := &cobra.Command{
		Use:           "mnist_launch",
		Short:         "Prepare and launch the MNIST training job",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := launchconfig.Load(configPath)
			if err != nil {
				return err
			}
			*l = *newLauncher(cfg)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file.")
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(
		downloadCommand(l),
		uploadCommand(l),
		submitCommand(l),
		describeCommand(l),
		showCommand(l),
		fetchModelCommand(l),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		klog.Fatalf("Error: %+v", err)
	}
	klog.Flush()
}
