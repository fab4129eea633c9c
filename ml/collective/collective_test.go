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

package collective

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGroupId(t *testing.T) {
	assert.NotEqual(t, NewGroupId(), NewGroupId())
}

func TestJoinValidation(t *testing.T) {
	id := NewGroupId()
	_, err := Join(id, -1, 2)
	require.Error(t, err)
	_, err = Join(id, 2, 2)
	require.Error(t, err)
	_, err = Join(id, 0, 0)
	require.Error(t, err)
}

func TestJoinTwice(t *testing.T) {
	id := NewGroupId()
	_, err := Join(id, 0, 1)
	require.NoError(t, err)
	_, err = Join(id, 0, 1)
	require.Error(t, err, "the same rank must not join a group twice")
}

func TestJoinSizeMismatch(t *testing.T) {
	id := NewGroupId()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := Join(id, 0, 2)
		assert.NoError(t, err)
	}()
	// Wait until rank 0 created the group before joining with the wrong size.
	for {
		registry.Lock()
		_, found := registry.worlds[id]
		registry.Unlock()
		if found {
			break
		}
		runtime.Gosched()
	}
	_, err := Join(id, 1, 3)
	require.Error(t, err, "joining with a different group size must fail")
	_, err = Join(id, 1, 2)
	require.NoError(t, err)
	wg.Wait()
}

func TestBroadcastFromRoot(t *testing.T) {
	const size = 3
	id := NewGroupId()
	results := make([][]float64, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			g, err := Join(id, rank, size)
			require.NoError(t, err)
			buf := make([]float64, 3)
			if rank == Root {
				copy(buf, []float64{1, 2, 3})
			}
			require.NoError(t, g.BroadcastFromRoot(buf))
			results[rank] = buf
		}(rank)
	}
	wg.Wait()
	for rank := 0; rank < size; rank++ {
		assert.Equal(t, []float64{1, 2, 3}, results[rank], "rank %d", rank)
	}
}

func TestSyncGradientsAverages(t *testing.T) {
	const size = 4
	id := NewGroupId()
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			g, err := Join(id, rank, size)
			require.NoError(t, err)
			grads := []float64{float64(rank), float64(2 * rank)}
			require.NoError(t, g.SyncGradients(grads))
			// Mean of 0..3 is 1.5, of 0,2,4,6 is 3.
			assert.InDeltaSlice(t, []float64{1.5, 3}, grads, 1e-12, "rank %d", rank)
		}(rank)
	}
	wg.Wait()
}

// Every rank's completed-step count, averaged over the group at the start of
// step k, must be exactly k: no rank ever outpaces another across a
// synchronization barrier.
func TestSyncGradientsLockstep(t *testing.T) {
	const (
		size  = 4
		steps = 25
	)
	id := NewGroupId()
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			g, err := Join(id, rank, size)
			require.NoError(t, err)
			for k := 0; k < steps; k++ {
				buf := []float64{float64(k)}
				require.NoError(t, g.SyncGradients(buf))
				// If any rank contributed a different step count, the mean
				// would not be k.
				assert.InDelta(t, float64(k), buf[0], 1e-12, "rank %d step %d", rank, k)
			}
		}(rank)
	}
	wg.Wait()
}

func TestSyncGradientsSingleRank(t *testing.T) {
	g, err := Join(NewGroupId(), 0, 1)
	require.NoError(t, err)
	grads := []float64{3, 4}
	require.NoError(t, g.SyncGradients(grads))
	assert.Equal(t, []float64{3, 4}, grads)
	require.NoError(t, g.BroadcastFromRoot(grads))
}
