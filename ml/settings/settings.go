/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package settings holds the read-only configuration of a training run.
//
// A Settings value is loaded once (see Load), validated and then passed by
// value to every component that needs it -- there are no ambient globals, and
// nothing mutates a Settings after it has been validated.
package settings

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Settings configures one training run. Values are read from a YAML file and
// never change afterwards.
type Settings struct {
	// Regression enables training of the box-regression head.
	Regression bool `yaml:"regression"`

	// NormalizeTargets enables zero-mean/unit-variance rescaling of the
	// regression targets before training. The snapshot procedure reverses it.
	NormalizeTargets bool `yaml:"normalize_targets"`

	// NormalizeTargetsPrecomputed uses PrecomputedMeans/PrecomputedStds for
	// the rescaling instead of statistics computed from the dataset.
	NormalizeTargetsPrecomputed bool      `yaml:"normalize_targets_precomputed"`
	PrecomputedMeans            []float64 `yaml:"precomputed_means"`
	PrecomputedStds             []float64 `yaml:"precomputed_stds"`

	// RegressionParamGroup is the name of the solver parameter group holding
	// the regression head. Only this group is rescaled at snapshot time.
	RegressionParamGroup string `yaml:"regression_param_group"`

	// Foreground/background overlap thresholds used to decide whether an
	// example has any usable region.
	FgThresh   float64 `yaml:"fg_thresh"`
	BgThreshLo float64 `yaml:"bg_thresh_lo"`
	BgThreshHi float64 `yaml:"bg_thresh_hi"`

	// MinImageRatio is the minimum min(h,w)/max(h,w) aspect ratio an example
	// must exceed to be kept.
	MinImageRatio float64 `yaml:"min_image_ratio"`

	// UseFlipped appends a horizontally flipped copy of every example before
	// preparation.
	UseFlipped bool `yaml:"use_flipped"`

	// SnapshotInterval is the number of iterations between checkpoints taken
	// by the root rank. SnapshotPrefix, SnapshotTag and SnapshotExt compose
	// the checkpoint file name: <prefix>[_<tag>]_iter_<N><ext>.
	SnapshotInterval int    `yaml:"snapshot_interval"`
	SnapshotPrefix   string `yaml:"snapshot_prefix"`
	SnapshotTag      string `yaml:"snapshot_tag"`
	SnapshotExt      string `yaml:"snapshot_ext"`

	// DisplayInterval controls the cadence of training diagnostics: one line
	// every 10*DisplayInterval iterations.
	DisplayInterval int `yaml:"display_interval"`

	// Batch geometry. GlobalBatchSize must equal
	// numDevices * BatchPerDevice * AccumSteps, checked at session
	// construction.
	GlobalBatchSize int `yaml:"global_batch_size"`
	BatchPerDevice  int `yaml:"batch_per_device"`
	AccumSteps      int `yaml:"accum_steps"`

	// LayerWiseReduce interleaves gradient synchronization with the backward
	// pass. Required: sessions refuse to start without it.
	LayerWiseReduce bool `yaml:"layer_wise_reduce"`

	// Seed for the per-worker random number generators.
	Seed int64 `yaml:"seed"`

	// LearningRate for the reference solver.
	LearningRate float64 `yaml:"learning_rate"`
}

// Default returns a Settings with the values used when the YAML file omits a
// field.
func Default() Settings {
	return Settings{
		Regression:           true,
		NormalizeTargets:     true,
		RegressionParamGroup: "bbox_pred",
		FgThresh:             0.5,
		BgThreshLo:           0.1,
		BgThreshHi:           0.5,
		MinImageRatio:        0.2,
		SnapshotInterval:     10000,
		SnapshotPrefix:       "model",
		SnapshotExt:          ".ckpt",
		DisplayInterval:      20,
		GlobalBatchSize:      2,
		BatchPerDevice:       2,
		AccumSteps:           1,
		LayerWiseReduce:      true,
		Seed:                 3,
		LearningRate:         0.001,
	}
}

// Load reads a Settings from a YAML file. Fields not present keep their
// Default value. The result is validated.
func Load(path string) (Settings, error) {
	s := Default()
	contents, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrapf(err, "failed to read settings from %q", path)
	}
	if err = yaml.Unmarshal(contents, &s); err != nil {
		return s, errors.Wrapf(err, "failed to parse settings from %q", path)
	}
	return s, s.Validate()
}

// Validate fails fast on inconsistent settings. It is called by Load, and
// again by components that receive a Settings built programmatically.
func (s *Settings) Validate() error {
	if s.SnapshotInterval <= 0 {
		return errors.Errorf("snapshot_interval must be > 0, got %d", s.SnapshotInterval)
	}
	if s.DisplayInterval <= 0 {
		return errors.Errorf("display_interval must be > 0, got %d", s.DisplayInterval)
	}
	if s.GlobalBatchSize <= 0 || s.BatchPerDevice <= 0 || s.AccumSteps <= 0 {
		return errors.Errorf(
			"batch geometry must be positive: global_batch_size=%d, batch_per_device=%d, accum_steps=%d",
			s.GlobalBatchSize, s.BatchPerDevice, s.AccumSteps)
	}
	if s.BgThreshLo > s.BgThreshHi {
		return errors.Errorf("bg_thresh_lo (%g) must be <= bg_thresh_hi (%g)", s.BgThreshLo, s.BgThreshHi)
	}
	if s.MinImageRatio < 0 || s.MinImageRatio >= 1 {
		return errors.Errorf("min_image_ratio must be in [0, 1), got %g", s.MinImageRatio)
	}
	if s.SnapshotPrefix == "" {
		return errors.Errorf("snapshot_prefix must not be empty")
	}
	if s.NormalizeTargetsPrecomputed {
		if len(s.PrecomputedMeans) == 0 || len(s.PrecomputedMeans) != len(s.PrecomputedStds) {
			return errors.Errorf(
				"normalize_targets_precomputed requires precomputed_means and precomputed_stds of the same length, got %d and %d",
				len(s.PrecomputedMeans), len(s.PrecomputedStds))
		}
	}
	return nil
}
