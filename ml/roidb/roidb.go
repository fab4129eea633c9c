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

// Package roidb holds the region-of-interest database used for training and
// its one-time preparation: filtering of unusable examples and global
// normalization of the regression targets.
//
// Preparation runs exactly once, before worker fan-out, so every worker
// observes the same filtered collection and the same normalization
// statistics. After Prepare returns, the examples are treated as read-only.
package roidb

import (
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/distrain/ml/settings"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Example is one annotated training image with its candidate regions.
//
// Overlaps holds, per region, the maximum overlap with any ground-truth box.
// Targets holds, per region, the regression target vector (one value per
// target dimension, the same dimensionality across the whole collection).
type Example struct {
	Height   int         `json:"height"`
	Width    int         `json:"width"`
	Overlaps []float64   `json:"overlaps"`
	Targets  [][]float64 `json:"targets"`

	// Flipped marks a horizontally mirrored copy added by AppendFlipped.
	Flipped bool `json:"flipped,omitempty"`
}

// NumTargetDims returns the dimensionality of the example's regression
// targets, or 0 if it has none.
func (e *Example) NumTargetDims() int {
	if len(e.Targets) == 0 {
		return 0
	}
	return len(e.Targets[0])
}

// Stats are the per-dimension mean and standard deviation of the regression
// targets, computed once over the whole filtered collection. They are needed
// again at snapshot time to map the learned parameters back to the original
// label scale, so they are passed (by value) to every worker.
type Stats struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

// Usable reports whether the example yields at least one foreground or one
// background region under the configured overlap thresholds.
func (e *Example) Usable(s *settings.Settings) bool {
	for _, overlap := range e.Overlaps {
		if overlap >= s.FgThresh {
			return true
		}
		if overlap >= s.BgThreshLo && overlap < s.BgThreshHi {
			return true
		}
	}
	return false
}

// aspectRatio returns min(h,w)/max(h,w), in (0, 1].
func (e *Example) aspectRatio() float64 {
	h, w := float64(e.Height), float64(e.Width)
	return math.Min(h, w) / math.Max(h, w)
}

// Filter removes examples with no usable region or with an extreme aspect
// ratio. An example failing both criteria counts once. It returns the
// retained examples and the number removed.
func Filter(examples []*Example, s *settings.Settings) (kept []*Example, removed int) {
	kept = make([]*Example, 0, len(examples))
	for _, example := range examples {
		if example.Usable(s) && example.aspectRatio() > s.MinImageRatio {
			kept = append(kept, example)
		}
	}
	removed = len(examples) - len(kept)
	klog.Infof("Filtered %s roidb entries: %s -> %s",
		humanize.Comma(int64(removed)), humanize.Comma(int64(len(examples))), humanize.Comma(int64(len(kept))))
	return
}

// AppendFlipped returns examples with a horizontally mirrored copy of each
// appended. Mirroring negates the horizontal offset target (dimension 0).
func AppendFlipped(examples []*Example) []*Example {
	out := make([]*Example, 0, 2*len(examples))
	out = append(out, examples...)
	for _, example := range examples {
		flipped := &Example{
			Height:   example.Height,
			Width:    example.Width,
			Overlaps: append([]float64(nil), example.Overlaps...),
			Targets:  make([][]float64, len(example.Targets)),
			Flipped:  true,
		}
		for i, target := range example.Targets {
			mirrored := append([]float64(nil), target...)
			if len(mirrored) > 0 {
				mirrored[0] = -mirrored[0]
			}
			flipped.Targets[i] = mirrored
		}
		out = append(out, flipped)
	}
	klog.Infof("Appended horizontally-flipped training examples: %s -> %s",
		humanize.Comma(int64(len(examples))), humanize.Comma(int64(len(out))))
	return out
}

// ComputeStats computes the per-dimension mean and (population) standard
// deviation of the regression targets over all regions of all examples.
// Dimensions with zero variance get a standard deviation of 1, so the
// normalization stays invertible.
func ComputeStats(examples []*Example) (*Stats, error) {
	numDims := 0
	for _, example := range examples {
		if d := example.NumTargetDims(); d > 0 {
			numDims = d
			break
		}
	}
	if numDims == 0 {
		return nil, errors.Errorf("cannot compute target statistics: no example has regression targets")
	}

	sums := make([]float64, numDims)
	sumSquares := make([]float64, numDims)
	var count float64
	for _, example := range examples {
		for _, target := range example.Targets {
			if len(target) != numDims {
				return nil, errors.Errorf("inconsistent target dimensionality: got %d, want %d", len(target), numDims)
			}
			for d, v := range target {
				sums[d] += v
				sumSquares[d] += v * v
			}
			count++
		}
	}

	stats := &Stats{Means: make([]float64, numDims), Stds: make([]float64, numDims)}
	for d := 0; d < numDims; d++ {
		mean := sums[d] / count
		variance := sumSquares[d]/count - mean*mean
		std := math.Sqrt(math.Max(variance, 0))
		if std == 0 {
			klog.Warningf("target dimension %d has zero variance, using std=1", d)
			std = 1
		}
		stats.Means[d] = mean
		stats.Stds[d] = std
	}
	return stats, nil
}

// NormalizeTargets rewrites every example's regression targets in place to
// (target-mean)/std, per dimension, using the given statistics.
func NormalizeTargets(examples []*Example, stats *Stats) error {
	for _, example := range examples {
		for _, target := range example.Targets {
			if len(target) != len(stats.Means) {
				return errors.Errorf("target dimensionality %d does not match statistics dimensionality %d",
					len(target), len(stats.Means))
			}
			for d := range target {
				target[d] = (target[d] - stats.Means[d]) / stats.Stds[d]
			}
		}
	}
	return nil
}

// Prepare runs the one-shot dataset preparation: optional flipped
// augmentation, filtering and, if enabled, target normalization. It must run
// before worker fan-out -- recomputing the statistics per worker would
// produce divergent normalizations and corrupt the reversible snapshot
// transform.
//
// The returned Stats is nil when target normalization is disabled.
func Prepare(examples []*Example, s *settings.Settings) ([]*Example, *Stats, error) {
	if s.UseFlipped {
		examples = AppendFlipped(examples)
	}
	examples, _ = Filter(examples, s)

	if !s.Regression || !s.NormalizeTargets {
		return examples, nil, nil
	}

	var stats *Stats
	if s.NormalizeTargetsPrecomputed {
		stats = &Stats{
			Means: append([]float64(nil), s.PrecomputedMeans...),
			Stds:  append([]float64(nil), s.PrecomputedStds...),
		}
	} else {
		var err error
		stats, err = ComputeStats(examples)
		if err != nil {
			return nil, nil, err
		}
	}
	if err := NormalizeTargets(examples, stats); err != nil {
		return nil, nil, err
	}
	return examples, stats, nil
}
