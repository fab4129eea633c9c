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

// Package solver defines the capability set the training orchestration needs
// from a model/solver implementation, and provides SGD, a small reference
// solver implementing it.
//
// Any accelerator-backed numerical library exposing these capabilities is
// substitutable: the orchestration layer never looks inside a step.
package solver

import (
	"github.com/gomlx/distrain/ml/collective"
	"github.com/gomlx/distrain/ml/roidb"
)

// Params holds the weight matrix and bias vector of one named parameter
// group. Weight is indexed [output][input].
type Params struct {
	Weight [][]float64 `json:"weight"`
	Bias   []float64   `json:"bias"`
}

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	out := Params{
		Weight: make([][]float64, len(p.Weight)),
		Bias:   append([]float64(nil), p.Bias...),
	}
	for i, row := range p.Weight {
		out.Weight[i] = append([]float64(nil), row...)
	}
	return out
}

// NumValues returns the total number of scalar parameters in the group.
func (p Params) NumValues() int {
	n := len(p.Bias)
	for _, row := range p.Weight {
		n += len(row)
	}
	return n
}

// Flatten serializes the group into buf (weight rows first, then bias),
// which must have NumValues() elements.
func (p Params) Flatten(buf []float64) {
	i := 0
	for _, row := range p.Weight {
		i += copy(buf[i:], row)
	}
	copy(buf[i:], p.Bias)
}

// Unflatten overwrites the group's values from buf, the inverse of Flatten.
func (p Params) Unflatten(buf []float64) {
	i := 0
	for _, row := range p.Weight {
		i += copy(row, buf[i:])
	}
	copy(p.Bias, buf[i:])
}

// Solver is one process's replica of the model being trained. It is owned
// exclusively by one training session; replicas are kept numerically
// consistent through the gradient synchronization registered with
// OnAfterBackward, never by sharing the solver itself.
type Solver interface {
	// Step advances the solver by exactly one iteration: one forward,
	// backward and optimizer update. Blocking.
	Step() error

	// Iteration returns the number of completed steps. It increases by
	// exactly 1 per Step and never decreases.
	Iteration() int

	// ParamGroupNames lists the named parameter groups, in no particular
	// order.
	ParamGroupNames() []string

	// ParamGroup returns a live reference to the named group, or false if
	// the solver has no such group.
	ParamGroup(name string) (Params, bool)

	// SetParamGroup overwrites the named group's values.
	SetParamGroup(name string, p Params) error

	// Save persists all parameters to path.
	Save(path string) error

	// Load copies matching parameters from a file written by Save. Groups
	// unknown to this solver are ignored; a malformed file is an error.
	Load(path string) error

	// AttachDataSource hands the prepared example collection to the
	// solver's data-loading entry point. Must be called exactly once,
	// before the first Step.
	AttachDataSource(examples []*roidb.Example) error

	// OnAfterBackward registers the gradient synchronization applied after
	// every backward computation, layer by layer, before the optimizer
	// update.
	OnAfterBackward(sync collective.GradientSync)
}
