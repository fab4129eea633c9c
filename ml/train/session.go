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

// Package train implements the distributed training orchestration: per-rank
// training sessions around an opaque solver, the root-only snapshot
// procedure with its reversible parameter rescale, and the fan-out that runs
// one worker per device and collects the root's checkpoint paths.
package train

import (
	"os"
	"strconv"
	"time"

	"github.com/gomlx/distrain/ml/collective"
	"github.com/gomlx/distrain/ml/roidb"
	"github.com/gomlx/distrain/ml/settings"
	"github.com/gomlx/distrain/ml/solver"
	"github.com/pkg/errors"
	xslices "golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// DirPermMode is the default directory creation permission (before umask)
// used for output directories.
var DirPermMode = os.FileMode(0770)

// Config is the immutable per-worker configuration of a Session. It replaces
// any ambient process-global rank/device state: everything a session needs is
// passed in here, at construction.
type Config struct {
	Settings  *settings.Settings
	Examples  []*roidb.Example
	OutputDir string

	// GroupId of the run's collective group; identical on every worker.
	GroupId collective.GroupId

	// Rank of this worker in [0, NumDevices) and the device it trains on.
	Rank       int
	Device     int
	NumDevices int

	// Stats are the normalization statistics computed by the dataset
	// preparation, needed to un-normalize the regression head at snapshot
	// time. Required when regression and target normalization are enabled.
	Stats *roidb.Stats

	// Pretrained is an optional path to initial weights.
	Pretrained string
}

// StepHook is called after every completed training step with the solver's
// new iteration count.
type StepHook func(session *Session, iteration int) error

type hookWithName struct {
	name string
	fn   StepHook
}

// Session runs the training iteration loop of one worker. It owns exactly
// one solver replica; only the root rank's session snapshots.
type Session struct {
	cfg    Config
	solver solver.Solver
	group  collective.Group

	// StepDurations collected during training, read-only for callers.
	StepDurations []time.Duration

	onStep []hookWithName
}

// NewSession validates cfg, wires the solver into the collective group
// (initial broadcast from root, per-layer gradient synchronization) and
// attaches the prepared examples. Configuration-consistency errors are
// returned before the group is joined, so a misconfigured run fails fast on
// every rank instead of stalling the rendezvous.
func NewSession(sv solver.Solver, cfg Config) (*Session, error) {
	opts := cfg.Settings
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.NumDevices {
		return nil, errors.Errorf("rank %d outside device count %d", cfg.Rank, cfg.NumDevices)
	}
	if effective := cfg.NumDevices * opts.BatchPerDevice * opts.AccumSteps; effective != opts.GlobalBatchSize {
		return nil, errors.Errorf("effective batch size %d (devices=%d * batch_per_device=%d * accum_steps=%d) != global_batch_size %d",
			effective, cfg.NumDevices, opts.BatchPerDevice, opts.AccumSteps, opts.GlobalBatchSize)
	}
	if !opts.LayerWiseReduce {
		return nil, errors.Errorf("layer_wise_reduce is required: deferred gradient synchronization is not supported")
	}
	if opts.Regression && opts.NormalizeTargets && cfg.Stats == nil {
		return nil, errors.Errorf("regression with normalized targets requires normalization statistics, got none")
	}
	if err := os.MkdirAll(cfg.OutputDir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %q", cfg.OutputDir)
	}

	if cfg.Pretrained != "" {
		klog.Infof("Loading pretrained model weights from %s", cfg.Pretrained)
		if err := sv.Load(cfg.Pretrained); err != nil {
			return nil, errors.WithMessagef(err, "loading pretrained weights")
		}
	}

	group, err := collective.Join(cfg.GroupId, cfg.Rank, cfg.NumDevices)
	if err != nil {
		return nil, errors.WithMessagef(err, "joining collective group")
	}
	s := &Session{cfg: cfg, solver: sv, group: group}
	if err = s.broadcastParameters(); err != nil {
		return nil, err
	}
	sv.OnAfterBackward(group)

	if err = sv.AttachDataSource(cfg.Examples); err != nil {
		return nil, errors.WithMessagef(err, "attaching data source")
	}
	return s, nil
}

// broadcastParameters makes every replica start numerically identical to the
// root's, one parameter group at a time in a deterministic order.
func (s *Session) broadcastParameters() error {
	names := s.solver.ParamGroupNames()
	xslices.Sort(names)
	for _, name := range names {
		params, _ := s.solver.ParamGroup(name)
		buf := make([]float64, params.NumValues())
		params.Flatten(buf)
		if err := s.group.BroadcastFromRoot(buf); err != nil {
			return errors.WithMessagef(err, "broadcasting parameter group %q", name)
		}
		if s.cfg.Rank != collective.Root {
			params.Unflatten(buf)
			if err := s.solver.SetParamGroup(name, params); err != nil {
				return errors.WithMessagef(err, "installing broadcast parameter group %q", name)
			}
		}
	}
	return nil
}

// Rank of this session's worker.
func (s *Session) Rank() int { return s.cfg.Rank }

// IsRoot reports whether this session's rank is the root rank.
func (s *Session) IsRoot() bool { return s.cfg.Rank == collective.Root }

// OnStep registers a hook (named for error reporting) called after every
// training step.
func (s *Session) OnStep(name string, fn StepHook) {
	s.onStep = append(s.onStep, hookWithName{name: name, fn: fn})
}

// averageStepSeconds is the rolling average duration of all steps so far.
func (s *Session) averageStepSeconds() float64 {
	if len(s.StepDurations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.StepDurations {
		total += d
	}
	return total.Seconds() / float64(len(s.StepDurations))
}

// TrainModel runs the iteration loop until the solver reaches maxIters.
// The root rank snapshots every Settings.SnapshotInterval iterations and once
// more at the end if the final iteration was not already snapshotted; it
// returns the ordered snapshot paths. Non-root ranks return an empty list.
func (s *Session) TrainModel(maxIters int) ([]string, error) {
	opts := s.cfg.Settings
	lastSnapshotIter := -1
	var modelPaths []string
	rankLabel := strconv.Itoa(s.cfg.Rank)

	for s.solver.Iteration() < maxIters {
		start := time.Now()
		if err := s.solver.Step(); err != nil {
			return nil, errors.WithMessagef(err, "training step failed (rank=%d, iteration=%d)",
				s.cfg.Rank, s.solver.Iteration())
		}
		elapsed := time.Since(start)
		s.StepDurations = append(s.StepDurations, elapsed)
		stepDuration.WithLabelValues(rankLabel).Observe(elapsed.Seconds())
		iterations.WithLabelValues(rankLabel).Inc()

		iter := s.solver.Iteration()
		for _, hook := range s.onStep {
			if err := hook.fn(s, iter); err != nil {
				return nil, errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
			}
		}

		if iter%(10*opts.DisplayInterval) == 0 {
			klog.Infof("rank: %d iteration: %d speed: %.3fs / iter", s.cfg.Rank, iter, s.averageStepSeconds())
		}

		if s.IsRoot() && iter%opts.SnapshotInterval == 0 {
			lastSnapshotIter = iter
			path, err := s.Snapshot()
			if err != nil {
				return nil, err
			}
			modelPaths = append(modelPaths, path)
		}
	}

	if s.IsRoot() && lastSnapshotIter != s.solver.Iteration() {
		path, err := s.Snapshot()
		if err != nil {
			return nil, err
		}
		modelPaths = append(modelPaths, path)
	}
	return modelPaths, nil
}
