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
	"sync"

	"github.com/pkg/errors"
)

// registry maps group ids to their shared state, so goroutines that only
// share a GroupId can find each other -- the same role the opaque uid plays
// for accelerator communication libraries.
var registry = struct {
	sync.Mutex
	worlds map[GroupId]*world
}{worlds: make(map[GroupId]*world)}

// world is the state shared by all handles of one group.
type world struct {
	id   GroupId
	size int

	mu     sync.Mutex
	joined map[int]bool
	ready  chan struct{} // closed when all ranks have joined

	// toRoot carries each non-root rank's contribution to an allreduce.
	// fromRoot[r] carries broadcast values and allreduce results to rank r.
	// Both are unbuffered: every collective operation is a group rendezvous.
	toRoot   chan []float64
	fromRoot []chan []float64
}

// handle is one rank's view of a world. It implements Group.
type handle struct {
	w    *world
	rank int
}

// Join adds rank to the group identified by id and blocks until all size
// ranks have joined. Every rank must pass the same size. There is no timeout:
// if a rank never joins, Join hangs.
func Join(id GroupId, rank, size int) (Group, error) {
	if size <= 0 {
		return nil, errors.Errorf("group size must be positive, got %d", size)
	}
	if rank < 0 || rank >= size {
		return nil, errors.Errorf("rank %d outside group of size %d", rank, size)
	}

	registry.Lock()
	w, found := registry.worlds[id]
	if !found {
		w = &world{
			id:       id,
			size:     size,
			joined:   make(map[int]bool),
			ready:    make(chan struct{}),
			toRoot:   make(chan []float64),
			fromRoot: make([]chan []float64, size),
		}
		for r := range w.fromRoot {
			w.fromRoot[r] = make(chan []float64)
		}
		registry.worlds[id] = w
	}
	registry.Unlock()

	w.mu.Lock()
	if w.size != size {
		w.mu.Unlock()
		return nil, errors.Errorf("group %q joined with size %d, but was created with size %d", id, size, w.size)
	}
	if w.joined[rank] {
		w.mu.Unlock()
		return nil, errors.Errorf("rank %d joined group %q twice", rank, id)
	}
	w.joined[rank] = true
	allJoined := len(w.joined) == size
	if allJoined {
		close(w.ready)
	}
	w.mu.Unlock()

	<-w.ready
	return &handle{w: w, rank: rank}, nil
}

func (h *handle) Rank() int { return h.rank }
func (h *handle) Size() int { return h.w.size }

// BroadcastFromRoot implements Group. The root's send to each rank blocks
// until that rank receives, so the call returns on root only after the whole
// group has the values.
func (h *handle) BroadcastFromRoot(buf []float64) error {
	if h.rank == Root {
		for r := 1; r < h.w.size; r++ {
			out := make([]float64, len(buf))
			copy(out, buf)
			h.w.fromRoot[r] <- out
		}
		return nil
	}
	in := <-h.w.fromRoot[h.rank]
	if len(in) != len(buf) {
		return errBufSize("BroadcastFromRoot", len(buf), len(in))
	}
	copy(buf, in)
	return nil
}

// SyncGradients implements GradientSync: grads is replaced, on every rank, by
// the mean of all ranks' grads. Root gathers the non-root contributions, adds
// its own, and scatters the average back.
//
// Correctness relies on lockstep issue order: no rank can start allreduce k+1
// before receiving its result for k, so at most one contribution per rank is
// ever in flight and root never mixes rounds.
func (h *handle) SyncGradients(grads []float64) error {
	if h.w.size == 1 {
		return nil
	}
	if h.rank == Root {
		sum := make([]float64, len(grads))
		copy(sum, grads)
		for r := 1; r < h.w.size; r++ {
			contribution := <-h.w.toRoot
			if len(contribution) != len(grads) {
				return errBufSize("SyncGradients", len(contribution), len(grads))
			}
			for i, v := range contribution {
				sum[i] += v
			}
		}
		scale := 1.0 / float64(h.w.size)
		for i := range sum {
			sum[i] *= scale
		}
		for r := 1; r < h.w.size; r++ {
			out := make([]float64, len(sum))
			copy(out, sum)
			h.w.fromRoot[r] <- out
		}
		copy(grads, sum)
		return nil
	}

	contribution := make([]float64, len(grads))
	copy(contribution, grads)
	h.w.toRoot <- contribution
	result := <-h.w.fromRoot[h.rank]
	if len(result) != len(grads) {
		return errBufSize("SyncGradients", len(grads), len(result))
	}
	copy(grads, result)
	return nil
}
