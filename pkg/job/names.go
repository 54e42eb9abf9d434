// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package job

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

// NewName returns a unique job name: base, the UTC creation time and a random suffix.
// base is truncated if needed, and characters not allowed in job names are replaced by "-".
func NewName(base string) string {
	return newName(base, time.Now(), uuid.New())
}

func newName(base string, now time.Time, id uuid.UUID) string {
	suffix := fmt.Sprintf("-%s-%s", now.UTC().Format("2006-01-02-15-04-05"), id.String()[:8])
	base = strings.Trim(strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '-'
	}, base), "-")
	if base == "" {
		base = "job"
	}
	if len(base)+len(suffix) > MaxNameLength {
		base = strings.TrimRight(base[:MaxNameLength-len(suffix)], "-")
	}
	return base + suffix
}

// Framework tag keys.
const (
	TagFramework        = "framework"
	TagFrameworkVersion = "framework-version"
)

// FrameworkTags returns the tags pinning the framework used by the training program.
func FrameworkTags(framework, version string) map[string]string {
	return map[string]string{TagFramework: framework, TagFrameworkVersion: version}
}

// FormatHyperparameters renders the hyperparameter values as strings: floats in their shortest
// representation, everything else with fmt's default format.
func FormatHyperparameters(hyperparameters map[string]any) map[string]string {
	formatted := make(map[string]string, len(hyperparameters))
	for key, value := range hyperparameters {
		switch v := value.(type) {
		case string:
			formatted[key] = v
		case float64:
			formatted[key] = strconv.FormatFloat(v, 'g', -1, 64)
		case float32:
			formatted[key] = strconv.FormatFloat(float64(v), 'g', -1, 32)
		case fmt.Stringer:
			formatted[key] = v.String()
		default:
			formatted[key] = fmt.Sprint(v)
		}
	}
	return formatted
}

// Arguments returns the hyperparameters as the command-line flags received by the training program,
// sorted by name: "--name value".
func Arguments(hyperparameters map[string]any) []string {
	formatted := FormatHyperparameters(hyperparameters)
	args := make([]string, 0, 2*len(formatted))
	keys := maps.Keys(formatted)
	slices.Sort(keys)
	for _, key := range keys {
		args = append(args, "--"+key, formatted[key])
	}
	return args
}
