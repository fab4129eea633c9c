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

package train

import (
	"sync"

	"github.com/gomlx/distrain/ml/collective"
	"github.com/gomlx/distrain/ml/roidb"
	"github.com/gomlx/distrain/ml/settings"
	"github.com/gomlx/distrain/ml/solver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SolverFactory builds one worker's solver replica. rank identifies the
// worker, device is the accelerator it was assigned.
type SolverFactory func(rank, device int) (solver.Solver, error)

// RunConfig configures one distributed training run.
type RunConfig struct {
	Settings  *settings.Settings
	Examples  []*roidb.Example
	OutputDir string

	// Devices lists the accelerators to train on; one worker is started per
	// entry, with its index as rank.
	Devices []int

	// Pretrained is an optional path to initial weights, loaded by every
	// worker before training.
	Pretrained string

	// MaxIters is the iteration count at which training stops.
	MaxIters int

	// NewSolver builds each worker's solver replica.
	NewSolver SolverFactory

	// BindDevice, if set, is called by each worker before anything else to
	// bind the process/thread to its accelerator.
	BindDevice func(device int) error

	// ConfigureSession, if set, is called with each worker's session before
	// the training loop starts -- e.g. to attach a progress display to the
	// root session.
	ConfigureSession func(*Session)
}

// Run trains one model across all configured devices: it prepares the
// dataset once, generates one collective group id, fans out one worker per
// device and, after every worker has finished, returns the checkpoint paths
// the root rank reported through the run's single-use result channel.
//
// Collective operations inside the run carry no timeouts: a stalled worker
// hangs the group until the run is killed externally.
func Run(cfg RunConfig) ([]string, error) {
	if len(cfg.Devices) == 0 {
		return nil, errors.Errorf("no devices to train on")
	}
	if cfg.NewSolver == nil {
		return nil, errors.Errorf("a SolverFactory is required")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}

	// One-shot dataset preparation, shared by all workers.
	numRaw := len(cfg.Examples)
	if cfg.Settings.UseFlipped {
		numRaw *= 2
	}
	examples, stats, err := roidb.Prepare(cfg.Examples, cfg.Settings)
	if err != nil {
		return nil, errors.WithMessagef(err, "preparing dataset")
	}
	examplesRemoved.Add(float64(numRaw - len(examples)))

	groupId := collective.NewGroupId()
	klog.Info("Solving...")

	// Exactly-once-write, at-most-once-read result handoff from root.
	results := make(chan []string, 1)
	workerErrs := make([]error, len(cfg.Devices))
	var wg sync.WaitGroup
	for rank, device := range cfg.Devices {
		wg.Add(1)
		go func(rank, device int) {
			defer wg.Done()
			workerErrs[rank] = trainWorker(&cfg, examples, stats, groupId, rank, device, results)
		}(rank, device)
	}
	wg.Wait()
	klog.Info("done solving")

	for rank, workerErr := range workerErrs {
		if workerErr != nil {
			return nil, errors.WithMessagef(workerErr, "worker rank=%d device=%d", rank, cfg.Devices[rank])
		}
	}
	select {
	case modelPaths := <-results:
		return modelPaths, nil
	default:
		return nil, errors.Errorf("root rank finished without reporting checkpoint paths")
	}
}

// trainWorker is the body of one worker: bind the device, build the solver
// replica, construct a session (which joins the collective group) and run
// the training loop. Only the root rank writes the result channel.
func trainWorker(cfg *RunConfig, examples []*roidb.Example, stats *roidb.Stats,
	groupId collective.GroupId, rank, device int, results chan<- []string) error {
	if cfg.BindDevice != nil {
		if err := cfg.BindDevice(device); err != nil {
			return errors.WithMessagef(err, "binding device %d", device)
		}
	}
	sv, err := cfg.NewSolver(rank, device)
	if err != nil {
		return errors.WithMessagef(err, "building solver")
	}
	session, err := NewSession(sv, Config{
		Settings:   cfg.Settings,
		Examples:   examples,
		OutputDir:  cfg.OutputDir,
		GroupId:    groupId,
		Rank:       rank,
		Device:     device,
		NumDevices: len(cfg.Devices),
		Stats:      stats,
		Pretrained: cfg.Pretrained,
	})
	if err != nil {
		return err
	}
	if cfg.ConfigureSession != nil {
		cfg.ConfigureSession(session)
	}
	modelPaths, err := session.TrainModel(cfg.MaxIters)
	if err != nil {
		return err
	}
	if rank == collective.Root {
		results <- modelPaths
	}
	return nil
}
