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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Informational metrics only: they never gate correctness.
var (
	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "distrain",
		Subsystem: "train",
		Name:      "step_duration_seconds",
		Help:      "Wall time of one solver step (forward, backward and update).",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 12),
	}, []string{"rank"})

	iterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distrain",
		Subsystem: "train",
		Name:      "iterations_total",
		Help:      "Completed training iterations per rank.",
	}, []string{"rank"})

	snapshots = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distrain",
		Subsystem: "train",
		Name:      "snapshots_total",
		Help:      "Checkpoints written by the root rank.",
	})

	examplesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "distrain",
		Subsystem: "roidb",
		Name:      "examples_removed_total",
		Help:      "Examples removed by dataset filtering.",
	})
)
