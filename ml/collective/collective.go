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

// Package collective implements the communication group shared by all
// training workers: a one-time broadcast of the initial parameters from the
// root rank, and gradient synchronization after every backward pass.
//
// Workers only share the opaque GroupId; Join rendezvouses all ranks carrying
// the same id into one group. All collective operations are blocking and must
// be issued in the same order by every rank (lockstep synchronous training).
// There are no timeouts: a crashed or stalled rank hangs the whole group.
package collective

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Root is the rank privileged to broadcast initial parameters, persist
// checkpoints and report results.
const Root = 0

// GroupId identifies one communication group. Generate exactly one per
// training run and hand the same value to every worker.
type GroupId string

// NewGroupId returns a fresh group identifier.
func NewGroupId() GroupId {
	return GroupId(uuid.NewString())
}

// GradientSync is the capability a solver needs to keep its replica in
// lockstep with the rest of the group. SyncGradients averages grads in place
// across all ranks; it blocks until every rank has contributed.
type GradientSync interface {
	SyncGradients(grads []float64) error
}

// Group is one rank's handle on the communication group.
type Group interface {
	GradientSync

	// Rank of this handle, in [0, Size()).
	Rank() int

	// Size is the total number of ranks in the group.
	Size() int

	// BroadcastFromRoot distributes buf from the root rank to all others:
	// on root, buf is sent; on every other rank, buf is overwritten with the
	// root's values. All ranks must pass buffers of the same length.
	BroadcastFromRoot(buf []float64) error
}

// errBufSize is shared by broadcast and allreduce length checks.
func errBufSize(op string, got, want int) error {
	return errors.Errorf("%s: buffer length mismatch across ranks: got %d, want %d", op, got, want)
}
