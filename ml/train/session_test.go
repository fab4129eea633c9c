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
	"testing"

	"github.com/gomlx/distrain/ml/collective"
	"github.com/gomlx/distrain/ml/roidb"
	"github.com/gomlx/distrain/ml/settings"
	"github.com/gomlx/distrain/ml/solver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const numTestTargetDims = 4

// testSettings returns settings for numDevices workers with one example per
// device-batch and no gradient accumulation.
func testSettings(numDevices int) settings.Settings {
	s := settings.Default()
	s.BatchPerDevice = 1
	s.AccumSteps = 1
	s.GlobalBatchSize = numDevices
	s.SnapshotInterval = 4
	s.DisplayInterval = 1
	return s
}

func testExamples() []*roidb.Example {
	return []*roidb.Example{
		{Height: 80, Width: 100, Overlaps: []float64{0.7}, Targets: [][]float64{{0.1, -0.2, 0.3, 0.4}}},
		{Height: 60, Width: 50, Overlaps: []float64{0.2}, Targets: [][]float64{{-0.1, 0.2, -0.3, -0.4}}},
		{Height: 90, Width: 90, Overlaps: []float64{0.8}, Targets: [][]float64{{0.5, 0.5, -0.5, -0.5}}},
	}
}

func testStats() *roidb.Stats {
	return &roidb.Stats{
		Means: []float64{0.1, 0.2, 0.3, 0.4},
		Stds:  []float64{1.5, 2.0, 2.5, 3.0},
	}
}

// testConfig for a single-worker session writing under dir.
func testConfig(s *settings.Settings, dir string) Config {
	return Config{
		Settings:   s,
		Examples:   testExamples(),
		OutputDir:  dir,
		GroupId:    collective.NewGroupId(),
		Rank:       0,
		NumDevices: 1,
		Stats:      testStats(),
	}
}

func TestNewSessionBatchSizeMismatch(t *testing.T) {
	s := testSettings(1)
	s.GlobalBatchSize = 4
	cfg := testConfig(&s, t.TempDir())
	_, err := NewSession(solver.NewSGD(&s, 0, 1, numTestTargetDims), cfg)
	require.ErrorContains(t, err, "effective batch size")
}

func TestNewSessionRequiresLayerWiseReduce(t *testing.T) {
	s := testSettings(1)
	s.LayerWiseReduce = false
	cfg := testConfig(&s, t.TempDir())
	_, err := NewSession(solver.NewSGD(&s, 0, 1, numTestTargetDims), cfg)
	require.ErrorContains(t, err, "layer_wise_reduce")
}

func TestNewSessionRequiresStats(t *testing.T) {
	s := testSettings(1)
	cfg := testConfig(&s, t.TempDir())
	cfg.Stats = nil
	_, err := NewSession(solver.NewSGD(&s, 0, 1, numTestTargetDims), cfg)
	require.ErrorContains(t, err, "normalization statistics")

	// Not required when target normalization is off.
	s.NormalizeTargets = false
	cfg = testConfig(&s, t.TempDir())
	cfg.Stats = nil
	_, err = NewSession(solver.NewSGD(&s, 0, 1, numTestTargetDims), cfg)
	require.NoError(t, err)
}

func TestNewSessionBadRank(t *testing.T) {
	s := testSettings(1)
	cfg := testConfig(&s, t.TempDir())
	cfg.Rank = 1
	_, err := NewSession(solver.NewSGD(&s, 1, 1, numTestTargetDims), cfg)
	require.Error(t, err)
}

func TestNewSessionMissingPretrained(t *testing.T) {
	s := testSettings(1)
	cfg := testConfig(&s, t.TempDir())
	cfg.Pretrained = "/no/such/weights.ckpt"
	_, err := NewSession(solver.NewSGD(&s, 0, 1, numTestTargetDims), cfg)
	require.ErrorContains(t, err, "pretrained")
}

// The initial broadcast must leave every replica with the root's parameters.
func TestNewSessionBroadcastsParameters(t *testing.T) {
	const numDevices = 3
	s := testSettings(numDevices)
	groupId := collective.NewGroupId()
	dir := t.TempDir()

	solvers := make([]*solver.SGD, numDevices)
	for rank := range solvers {
		perRank := s
		perRank.Seed = int64(100 * (rank + 1)) // Distinct initializations.
		solvers[rank] = solver.NewSGD(&perRank, rank, numDevices, numTestTargetDims)
	}

	var wg sync.WaitGroup
	for rank := 0; rank < numDevices; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			_, err := NewSession(solvers[rank], Config{
				Settings:   &s,
				Examples:   testExamples(),
				OutputDir:  dir,
				GroupId:    groupId,
				Rank:       rank,
				NumDevices: numDevices,
				Stats:      testStats(),
			})
			assert.NoError(t, err)
		}(rank)
	}
	wg.Wait()

	rootHead, _ := solvers[0].ParamGroup(s.RegressionParamGroup)
	for rank := 1; rank < numDevices; rank++ {
		head, _ := solvers[rank].ParamGroup(s.RegressionParamGroup)
		assert.Equal(t, rootHead.Weight, head.Weight, "rank %d head weights", rank)
		assert.Equal(t, rootHead.Bias, head.Bias, "rank %d head bias", rank)
	}
}

// Non-root ranks train in lockstep with root but return no snapshot paths.
func TestTrainModelNonRootReturnsEmpty(t *testing.T) {
	const (
		numDevices = 2
		maxIters   = 3
	)
	s := testSettings(numDevices)
	s.SnapshotInterval = 5 // Only the trailing final snapshot triggers.
	groupId := collective.NewGroupId()
	dir := t.TempDir()

	paths := make([][]string, numDevices)
	var wg sync.WaitGroup
	for rank := 0; rank < numDevices; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			session, err := NewSession(solver.NewSGD(&s, rank, numDevices, numTestTargetDims), Config{
				Settings:   &s,
				Examples:   testExamples(),
				OutputDir:  dir,
				GroupId:    groupId,
				Rank:       rank,
				NumDevices: numDevices,
				Stats:      testStats(),
			})
			if !assert.NoError(t, err) {
				return
			}
			paths[rank], err = session.TrainModel(maxIters)
			assert.NoError(t, err)
		}(rank)
	}
	wg.Wait()

	require.Len(t, paths[0], 1, "root takes only the final snapshot")
	assert.Contains(t, paths[0][0], "model_iter_3.ckpt")
	assert.Empty(t, paths[1], "non-root ranks never snapshot")
}

func TestOnStepHook(t *testing.T) {
	s := testSettings(1)
	cfg := testConfig(&s, t.TempDir())
	session, err := NewSession(solver.NewSGD(&s, 0, 1, numTestTargetDims), cfg)
	require.NoError(t, err)

	var seen []int
	session.OnStep("recorder", func(_ *Session, iteration int) error {
		seen = append(seen, iteration)
		return nil
	})
	_, err = session.TrainModel(3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Len(t, session.StepDurations, 3)
}
