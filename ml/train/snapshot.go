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
	"fmt"
	"path/filepath"

	. "github.com/gomlx/exceptions"

	"github.com/gomlx/distrain/ml/collective"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// snapshotFilename composes <prefix>[_<tag>]_iter_<N><ext>.
func snapshotFilename(prefix, tag string, iteration int, ext string) string {
	infix := ""
	if tag != "" {
		infix = "_" + tag
	}
	return fmt.Sprintf("%s%s_iter_%d%s", prefix, infix, iteration, ext)
}

// Snapshot persists the solver's parameters under the output directory and
// returns the absolute path written. Only the root rank may call it; calling
// on any other rank is a contract violation and panics.
//
// When regression-target normalization is active and the solver has the
// regression head group, the head is rescaled in place to the original label
// scale (weight*std, bias*std+mean) before persisting, so the checkpoint is
// directly usable by consumers that know nothing about the normalization.
// The live parameters are restored on every exit path, including a failed
// write, so training continues in normalized space unaffected.
func (s *Session) Snapshot() (path string, err error) {
	if s.cfg.Rank != collective.Root {
		Panicf("Snapshot called on rank %d, only the root rank (%d) persists checkpoints",
			s.cfg.Rank, collective.Root)
	}
	opts := s.cfg.Settings

	head, hasHead := s.solver.ParamGroup(opts.RegressionParamGroup)
	scaleParams := opts.Regression && opts.NormalizeTargets && hasHead
	if scaleParams {
		if len(s.cfg.Stats.Stds) != len(head.Bias) {
			return "", errors.Errorf("normalization statistics have %d dimensions, regression head %q has %d outputs",
				len(s.cfg.Stats.Stds), opts.RegressionParamGroup, len(head.Bias))
		}
		orig := head.Clone()
		defer func() {
			// Restore the normalized-space parameters whatever happened.
			if restoreErr := s.solver.SetParamGroup(opts.RegressionParamGroup, orig); restoreErr != nil && err == nil {
				err = errors.WithMessagef(restoreErr, "restoring parameter group %q after snapshot", opts.RegressionParamGroup)
			}
		}()
		for d := range head.Bias {
			std, mean := s.cfg.Stats.Stds[d], s.cfg.Stats.Means[d]
			for j := range head.Weight[d] {
				head.Weight[d][j] *= std
			}
			head.Bias[d] = head.Bias[d]*std + mean
		}
	}

	filename := snapshotFilename(opts.SnapshotPrefix, opts.SnapshotTag, s.solver.Iteration(), opts.SnapshotExt)
	path = filepath.Join(s.cfg.OutputDir, filename)
	if err = s.solver.Save(path); err != nil {
		return "", errors.WithMessagef(err, "writing snapshot at iteration %d", s.solver.Iteration())
	}
	if path, err = filepath.Abs(path); err != nil {
		return "", errors.Wrapf(err, "resolving snapshot path %q", filename)
	}
	snapshots.Inc()
	klog.Infof("Wrote snapshot to: %s", path)
	return path, nil
}
