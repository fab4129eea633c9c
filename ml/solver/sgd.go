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

package solver

import (
	"encoding/json"
	"math/rand"
	"os"

	"github.com/gomlx/distrain/ml/collective"
	"github.com/gomlx/distrain/ml/roidb"
	"github.com/gomlx/distrain/ml/settings"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// numFeatures per example fed to the reference model: the relative
	// width and height of the image.
	numFeatures = 2

	// hiddenDim of the reference model's single intermediate layer.
	hiddenDim = 4

	// BackboneGroup names the intermediate layer's parameter group.
	BackboneGroup = "fc1"
)

// SGD is a small reference solver: a two-layer linear model trained with
// synchronous SGD on the mean regression target of each example. It
// implements the full Solver capability set, so the distributed
// orchestration can run and be tested end to end without an accelerator
// backend.
//
// Each replica reads a rank-strided shard of the attached examples, so the
// group as a whole consumes the collection without overlap within a step.
type SGD struct {
	opts        settings.Settings
	rank        int
	numReplicas int
	headName    string

	groups   map[string]Params
	iter     int
	examples []*roidb.Example
	cursor   int
	sync     collective.GradientSync
}

var _ Solver = (*SGD)(nil)

// NewSGD creates a reference solver for the given rank. numTargetDims is the
// dimensionality of the regression targets, fixed at construction so the
// parameters exist before the initial broadcast.
func NewSGD(s *settings.Settings, rank, numReplicas, numTargetDims int) *SGD {
	rng := rand.New(rand.NewSource(s.Seed + int64(rank)))
	newGroup := func(outDim, inDim int) Params {
		p := Params{
			Weight: make([][]float64, outDim),
			Bias:   make([]float64, outDim),
		}
		for d := range p.Weight {
			row := make([]float64, inDim)
			for j := range row {
				row[j] = rng.NormFloat64() * 0.01
			}
			p.Weight[d] = row
		}
		return p
	}
	return &SGD{
		opts:        *s,
		rank:        rank,
		numReplicas: numReplicas,
		headName:    s.RegressionParamGroup,
		groups: map[string]Params{
			BackboneGroup:          newGroup(hiddenDim, numFeatures),
			s.RegressionParamGroup: newGroup(numTargetDims, hiddenDim),
		},
	}
}

// Iteration implements Solver.
func (s *SGD) Iteration() int { return s.iter }

// ParamGroupNames implements Solver.
func (s *SGD) ParamGroupNames() []string {
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	return names
}

// ParamGroup implements Solver.
func (s *SGD) ParamGroup(name string) (Params, bool) {
	p, found := s.groups[name]
	return p, found
}

// SetParamGroup implements Solver.
func (s *SGD) SetParamGroup(name string, p Params) error {
	current, found := s.groups[name]
	if !found {
		return errors.Errorf("solver has no parameter group %q", name)
	}
	if len(p.Weight) != len(current.Weight) || len(p.Bias) != len(current.Bias) {
		return errors.Errorf("parameter group %q shape mismatch: got %dx%d, want %dx%d",
			name, len(p.Weight), len(p.Bias), len(current.Weight), len(current.Bias))
	}
	s.groups[name] = p.Clone()
	return nil
}

// AttachDataSource implements Solver.
func (s *SGD) AttachDataSource(examples []*roidb.Example) error {
	if s.examples != nil {
		return errors.Errorf("data source already attached")
	}
	if len(examples) == 0 {
		return errors.Errorf("cannot attach an empty example collection")
	}
	s.examples = examples
	return nil
}

// OnAfterBackward implements Solver.
func (s *SGD) OnAfterBackward(sync collective.GradientSync) {
	s.sync = sync
}

// features returns the model inputs derived from one example.
func features(e *roidb.Example) [numFeatures]float64 {
	total := float64(e.Width + e.Height)
	return [numFeatures]float64{float64(e.Width) / total, float64(e.Height) / total}
}

// meanTarget averages the example's per-region targets into one vector of
// numDims values. Examples without targets contribute zeros.
func meanTarget(e *roidb.Example, numDims int) []float64 {
	mean := make([]float64, numDims)
	if len(e.Targets) == 0 {
		return mean
	}
	for _, target := range e.Targets {
		for d := 0; d < numDims && d < len(target); d++ {
			mean[d] += target[d]
		}
	}
	for d := range mean {
		mean[d] /= float64(len(e.Targets))
	}
	return mean
}

// next returns the next example of this replica's shard.
func (s *SGD) next() *roidb.Example {
	idx := (s.rank + s.cursor*s.numReplicas) % len(s.examples)
	s.cursor++
	return s.examples[idx]
}

// zeroLike returns a gradient accumulator shaped like p.
func zeroLike(p Params) Params {
	g := Params{
		Weight: make([][]float64, len(p.Weight)),
		Bias:   make([]float64, len(p.Bias)),
	}
	for i, row := range p.Weight {
		g.Weight[i] = make([]float64, len(row))
	}
	return g
}

// syncLayer averages one layer's gradient across the group, if a
// synchronization hook is registered.
func (s *SGD) syncLayer(g Params) error {
	if s.sync == nil {
		return nil
	}
	buf := make([]float64, g.NumValues())
	g.Flatten(buf)
	if err := s.sync.SyncGradients(buf); err != nil {
		return err
	}
	g.Unflatten(buf)
	return nil
}

// Step implements Solver: one iteration of synchronous SGD, accumulating
// gradients over AccumSteps micro-batches of BatchPerDevice examples each.
// After each micro-batch's backward pass the per-layer gradients are
// synchronized across the group, head layer first -- the layer-wise reduce
// the session requires.
func (s *SGD) Step() error {
	if s.examples == nil {
		return errors.Errorf("no data source attached, cannot step")
	}
	fc1 := s.groups[BackboneGroup]
	head := s.groups[s.headName]
	numDims := len(head.Bias)

	stepFc1, stepHead := zeroLike(fc1), zeroLike(head)
	for micro := 0; micro < s.opts.AccumSteps; micro++ {
		microFc1, microHead := zeroLike(fc1), zeroLike(head)
		for b := 0; b < s.opts.BatchPerDevice; b++ {
			example := s.next()
			f := features(example)
			target := meanTarget(example, numDims)

			// Forward.
			hidden := make([]float64, hiddenDim)
			for j := range hidden {
				hidden[j] = fc1.Bias[j]
				for k, fk := range f {
					hidden[j] += fc1.Weight[j][k] * fk
				}
			}
			residual := make([]float64, numDims)
			for d := 0; d < numDims; d++ {
				pred := head.Bias[d]
				for j, hj := range hidden {
					pred += head.Weight[d][j] * hj
				}
				residual[d] = pred - target[d]
			}

			// Backward.
			gradHidden := make([]float64, hiddenDim)
			for d, e := range residual {
				microHead.Bias[d] += e
				for j, hj := range hidden {
					microHead.Weight[d][j] += e * hj
					gradHidden[j] += head.Weight[d][j] * e
				}
			}
			for j, gj := range gradHidden {
				microFc1.Bias[j] += gj
				for k, fk := range f {
					microFc1.Weight[j][k] += gj * fk
				}
			}
		}
		scaleParams(microHead, 1/float64(s.opts.BatchPerDevice))
		scaleParams(microFc1, 1/float64(s.opts.BatchPerDevice))

		// Layer-wise reduce, in backward order.
		if err := s.syncLayer(microHead); err != nil {
			return errors.WithMessagef(err, "synchronizing %q gradients", s.headName)
		}
		if err := s.syncLayer(microFc1); err != nil {
			return errors.WithMessagef(err, "synchronizing %q gradients", BackboneGroup)
		}
		addParams(stepHead, microHead)
		addParams(stepFc1, microFc1)
	}

	lr := s.opts.LearningRate / float64(s.opts.AccumSteps)
	applyUpdate(head, stepHead, lr)
	applyUpdate(fc1, stepFc1, lr)
	s.iter++
	return nil
}

func scaleParams(p Params, scale float64) {
	for _, row := range p.Weight {
		for i := range row {
			row[i] *= scale
		}
	}
	for i := range p.Bias {
		p.Bias[i] *= scale
	}
}

func addParams(dst, src Params) {
	for i, row := range src.Weight {
		for j, v := range row {
			dst.Weight[i][j] += v
		}
	}
	for i, v := range src.Bias {
		dst.Bias[i] += v
	}
}

func applyUpdate(p, grad Params, lr float64) {
	for i, row := range grad.Weight {
		for j, v := range row {
			p.Weight[i][j] -= lr * v
		}
	}
	for i, v := range grad.Bias {
		p.Bias[i] -= lr * v
	}
}

// checkpointFile is the on-disk format of Save.
type checkpointFile struct {
	Iteration int               `json:"iteration"`
	Groups    map[string]Params `json:"groups"`
}

// Save implements Solver: all parameter groups as one JSON file.
func (s *SGD) Save(path string) error {
	file := checkpointFile{Iteration: s.iter, Groups: s.groups}
	contents, err := json.MarshalIndent(&file, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize parameters")
	}
	if err = os.WriteFile(path, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write parameters to %q", path)
	}
	return nil
}

// Load implements Solver: copies groups with matching name and shape from a
// file written by Save; other groups are ignored with a warning. The
// iteration counter is not restored.
func (s *SGD) Load(path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read parameters from %q", path)
	}
	var file checkpointFile
	if err = json.Unmarshal(contents, &file); err != nil {
		return errors.Wrapf(err, "malformed parameters file %q", path)
	}
	for name, p := range file.Groups {
		current, found := s.groups[name]
		if !found {
			klog.Warningf("ignoring unknown parameter group %q from %q", name, path)
			continue
		}
		if len(p.Weight) != len(current.Weight) || len(p.Bias) != len(current.Bias) {
			klog.Warningf("ignoring parameter group %q from %q: shape mismatch", name, path)
			continue
		}
		s.groups[name] = p.Clone()
	}
	return nil
}
