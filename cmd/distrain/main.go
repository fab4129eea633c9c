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

// distrain trains a model across multiple devices with synchronous SGD,
// using the reference solver. Example:
//
//	distrain train --settings=run.yaml --roidb=examples.json \
//	    --output-dir=out --gpus=0,1,2 --max-iters=40000
package main

import (
	"encoding/json"
	goflag "flag"
	"fmt"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/distrain/ml/roidb"
	"github.com/gomlx/distrain/ml/settings"
	"github.com/gomlx/distrain/ml/solver"
	"github.com/gomlx/distrain/ml/train"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	flagSettings    string
	flagRoidb       string
	flagOutputDir   string
	flagGpus        []int
	flagMaxIters    int
	flagWeights     string
	flagMetricsAddr string
)

var rootCmd = &cobra.Command{
	Use:          "distrain",
	Short:        "Synchronous multi-device training orchestrator",
	SilenceUsage: true,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model across the configured devices",
	RunE:  runTrain,
}

func init() {
	trainCmd.Flags().StringVar(&flagSettings, "settings", "", "Path to the YAML run settings (required).")
	trainCmd.Flags().StringVar(&flagRoidb, "roidb", "", "Path to the JSON training example collection (required).")
	trainCmd.Flags().StringVar(&flagOutputDir, "output-dir", "output", "Directory where checkpoints are written.")
	trainCmd.Flags().IntSliceVar(&flagGpus, "gpus", []int{0}, "Devices to train on, one worker each.")
	trainCmd.Flags().IntVar(&flagMaxIters, "max-iters", 40000, "Iteration count at which training stops.")
	trainCmd.Flags().StringVar(&flagWeights, "weights", "", "Optional pretrained weights to start from.")
	trainCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "If set, serve prometheus metrics on this address.")
	must.M(trainCmd.MarkFlagRequired("settings"))
	must.M(trainCmd.MarkFlagRequired("roidb"))
	rootCmd.AddCommand(trainCmd)
}

// loadExamples reads a JSON array of training examples.
func loadExamples(path string) ([]*roidb.Example, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read roidb from %q", path)
	}
	var examples []*roidb.Example
	if err = json.Unmarshal(contents, &examples); err != nil {
		return nil, errors.Wrapf(err, "malformed roidb file %q", path)
	}
	return examples, nil
}

// numTargetDims finds the regression-target dimensionality of the
// collection, defaulting to 4 (box offsets) when no example has targets.
func numTargetDims(examples []*roidb.Example) int {
	for _, example := range examples {
		if d := example.NumTargetDims(); d > 0 {
			return d
		}
	}
	return 4
}

func runTrain(_ *cobra.Command, _ []string) error {
	opts, err := settings.Load(flagSettings)
	if err != nil {
		return err
	}
	examples, err := loadExamples(flagRoidb)
	if err != nil {
		return err
	}
	klog.Infof("Loaded %s training examples from %s", humanize.Comma(int64(len(examples))), flagRoidb)

	if flagMetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
				klog.Errorf("metrics server failed: %+v", err)
			}
		}()
	}

	dims := numTargetDims(examples)
	bar := progressbar.NewOptions(flagMaxIters,
		progressbar.OptionSetDescription("Training: "),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
	)
	modelPaths, err := train.Run(train.RunConfig{
		Settings:   &opts,
		Examples:   examples,
		OutputDir:  flagOutputDir,
		Devices:    flagGpus,
		Pretrained: flagWeights,
		MaxIters:   flagMaxIters,
		NewSolver: func(rank, _ int) (solver.Solver, error) {
			return solver.NewSGD(&opts, rank, len(flagGpus), dims), nil
		},
		ConfigureSession: func(session *train.Session) {
			if !session.IsRoot() {
				return
			}
			session.OnStep("progress", func(_ *train.Session, iteration int) error {
				return bar.Set(iteration)
			})
		},
	})
	if err != nil {
		return err
	}
	must.M(bar.Finish())

	fmt.Println()
	for _, path := range modelPaths {
		fmt.Println(path)
	}
	return nil
}

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	if err := rootCmd.Execute(); err != nil {
		klog.Exitf("Failed with error: %+v", err)
	}
}
