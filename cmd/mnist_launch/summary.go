// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/managedtrain/pkg/job"
	"github.com/gomlx/managedtrain/pkg/store"
	"github.com/muesli/termenv"
)

var (
	keyStyle         = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1).Bold(true)
	valueStyle       = lipgloss.NewStyle().Padding(0, 1)
	tableBorderColor = "#705090"
)

func init() {
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

// keyValueTable renders pairs of key and value as a two-column table, skipping empty values.
func keyValueTable(pairs ...string) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return keyStyle
			}
			return valueStyle
		})
	for ii := 0; ii+1 < len(pairs); ii += 2 {
		if pairs[ii+1] == "" {
			continue
		}
		table.Row(pairs[ii], pairs[ii+1])
	}
	return table.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format(time.DateTime), humanize.Time(t))
}

// renderStatus of a training job.
func renderStatus(s job.Status) string {
	var billable string
	if s.BillableTime > 0 {
		billable = s.BillableTime.String()
	}
	return keyValueTable(
		"Job", s.Name,
		"State", string(s.State),
		"Detail", s.SecondaryStatus,
		"Failure", s.FailureReason,
		"Model", s.ModelArtifact,
		"Created", formatTime(s.CreationTime),
		"Ended", formatTime(s.EndTime),
		"Billable", billable,
	)
}

// renderDescriptor of a job about to be submitted, including the command-line arguments of the training program.
func renderDescriptor(d job.Descriptor) string {
	var inputs []string
	for channel, uri := range d.Inputs {
		inputs = append(inputs, channel+"="+uri)
	}
	slices.Sort(inputs)
	return keyValueTable(
		"Job", d.Name,
		"Image", d.Image,
		"Source", d.SourceURI,
		"Entry point", d.EntryPoint,
		"Arguments", strings.Join(job.Arguments(d.Hyperparameters), " "),
		"Role", d.Role,
		"Inputs", strings.Join(inputs, ", "),
		"Input mode", string(d.InputMode),
		"Output", d.OutputURI,
		"Instances", fmt.Sprintf("%d x %s, %s volume", d.InstanceCount, d.InstanceType,
			humanize.IBytes(uint64(d.VolumeSizeGB)<<30)),
		"Max runtime", d.MaxRuntime.String(),
	)
}

// renderRecord persisted in the file at path.
func renderRecord(path string, r store.Record) string {
	return keyValueTable(
		"File", path,
		"Job", r.TrainingJobName,
		"State", r.JobState,
		"Model", r.ModelData,
		"Training data", r.TrainingData,
		"Role", r.Role,
		"Region", r.Region,
		"Bucket", r.Bucket,
		"Prefix", r.Prefix,
		"Updated", r.UpdatedAt,
	)
}
