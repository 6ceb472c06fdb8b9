// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/gomlx/actnn/pkg/actnn"
	"github.com/gomlx/actnn/pkg/config"
	"github.com/gomlx/actnn/pkg/data"
	"github.com/gomlx/actnn/pkg/lrschedule"
	"github.com/gomlx/actnn/pkg/report"
	"github.com/gomlx/actnn/pkg/sgd"
	"github.com/gomlx/actnn/ui/commandline"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DebugBatches is the number of batches of the debug loader used for the quantization statistics of each epoch.
const DebugBatches = 10

// Driver holds everything needed to run the epochs of a training run.
type Driver struct {
	Args    *config.Args
	Ctx     *context.Context
	Loaders *data.Loaders
	Trainer *train.Trainer

	// Logger is nil on the processes that don't log (see config.Args.IsMaster).
	Logger *report.Logger

	// Out receives the table of metrics when evaluating.
	Out io.Writer

	Policy    lrschedule.Policy
	Optimizer *sgd.Optimizer

	// Checkpoint saves the end of each epoch. Nil if checkpoints are disabled.
	Checkpoint *checkpoints.Handler

	// Resume2 weights are set on the model at the start of TrainLoop.
	Resume2 map[string]*tensors.Tensor

	state               *state
	evalExec, debugExec *context.Exec
	top1, top5          metrics.Interface
}

// phaseLimit returns the number of iterations to run in a phase with numBatches per epoch.
func (d *Driver) phaseLimit(numBatches int) int {
	if d.Args.Prof > 0 {
		return min(numBatches, d.Args.Prof)
	}
	return numBatches
}

// newProgressBar returns a progress bar, if stdout is a terminal.
func (d *Driver) newProgressBar(title string, total int) *commandline.ProgressBar {
	if !commandline.IsTerminal() || total <= 0 {
		return nil
	}
	return commandline.NewProgressBar(title, total)
}

// logMetrics logs the metrics of a phase iteration.
func (d *Driver) logMetrics(phase string, values map[string]float64) {
	for name, value := range values {
		d.Logger.LogMetric(report.MetricName(phase, name), value)
	}
}

// throughput returns the images per second processed.
func (d *Driver) throughput(batchSize int, elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(batchSize*d.Args.WorldSize) / seconds
}

// TrainLoop runs the epochs in [startEpoch, endEpoch).
//
// Each epoch sets the learning rate, trains (unless evaluating), validates (unless training only) and,
// on the logging process, saves a checkpoint, marking it as the best if its top-1 accuracy improved.
func (d *Driver) TrainLoop(startEpoch, endEpoch int) error {
	if d.Resume2 != nil {
		if err := installWeights(d.Ctx, d.Resume2, true); err != nil {
			return errors.WithMessage(err, "setting --resume2 weights")
		}
		d.Resume2 = nil
	}
	best := d.state.Best()
	for epoch := startEpoch; epoch < endEpoch; epoch++ {
		d.Logger.StartEpoch(epoch)
		if _, err := lrschedule.Apply(d.Ctx, d.Policy, epoch, d.Logger); err != nil {
			return err
		}
		if !d.Args.Evaluate {
			if err := d.trainEpoch(epoch); err != nil {
				return errors.WithMessagef(err, "training epoch %d", epoch)
			}
		}
		var prec1 float64
		if !d.Args.TrainingOnly {
			var err error
			prec1, err = d.validate(epoch)
			if err != nil {
				return errors.WithMessagef(err, "validating epoch %d", epoch)
			}
			if err = d.debugStatistics(epoch); err != nil {
				return errors.WithMessagef(err, "quantization statistics of epoch %d", epoch)
			}
		}
		epochMetrics := d.Logger.EndEpoch()
		klog.V(1).Infof("epoch %d: %v", epoch, epochMetrics)
		if d.Args.Evaluate && d.Out != nil && len(epochMetrics) > 0 {
			commandline.PrintMetrics(d.Out, fmt.Sprintf("Evaluation of epoch %d", epoch), epochMetrics)
		}

		isBest := false
		if d.Args.TrainingOnly {
			best = 0
		} else {
			isBest = prec1 > best
			best = math.Max(prec1, best)
		}
		d.state.SetEpoch(epoch + 1)
		d.state.SetBest(best)
		if d.Checkpoint != nil && d.Args.IsMaster() && !d.Args.Evaluate {
			if err := d.saveCheckpoint(epoch, isBest); err != nil {
				return err
			}
		}
	}
	return nil
}

// saveCheckpoint saves the state at the end of epoch.
func (d *Driver) saveCheckpoint(epoch int, isBest bool) error {
	if err := d.Checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint of epoch %d", epoch)
	}
	if isBest {
		if err := saveBest(d.Checkpoint); err != nil {
			return err
		}
	}
	if d.Args.ShouldBackupCheckpoint(epoch) {
		if err := d.Checkpoint.Backup(); err != nil {
			return errors.WithMessagef(err, "backing up checkpoint of epoch %d", epoch)
		}
	}
	return nil
}

// trainEpoch runs one pass over the training loader.
func (d *Driver) trainEpoch(epoch int) error {
	loader := d.Loaders.Train
	limit := d.phaseLimit(loader.Len)
	bar := d.newProgressBar(fmt.Sprintf("Train %d", epoch+1), limit)
	if bar != nil {
		defer bar.Done()
	}
	trainMetrics := d.Trainer.TrainMetrics()
	top1Idx, top5Idx := slices.Index(trainMetrics, d.top1), slices.Index(trainMetrics, d.top5)

	dataStart := time.Now()
	for iter := 0; iter < limit; iter++ {
		spec, inputs, labels, err := loader.Dataset.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "reading training batch %d", iter)
		}
		dataTime := time.Since(dataStart)
		computeStart := time.Now()
		results, err := d.Trainer.TrainStep(spec, inputs, labels)
		if err != nil {
			return errors.WithMessagef(err, "training step %d", iter)
		}
		computeTime := time.Since(computeStart)

		values := make(map[string]float64, 7)
		for name, idx := range map[string]int{MetricLoss: 0, MetricTop1: top1Idx, MetricTop5: top5Idx} {
			if idx < 0 || idx >= len(results) {
				continue
			}
			if values[name], err = scalarValue(results[idx]); err != nil {
				return errors.WithMessagef(err, "reading train metric %q", name)
			}
		}
		batchSize := inputs[0].Shape().Dimensions[0]
		values[MetricComputeIPS] = d.throughput(batchSize, computeTime)
		values[MetricTotalIPS] = d.throughput(batchSize, dataTime+computeTime)
		values[MetricDataTime] = dataTime.Seconds()
		values[MetricComputeTime] = computeTime.Seconds()
		d.logMetrics(report.PhaseTrain, values)
		d.Logger.EndIteration(report.PhaseTrain, iter+1)
		if bar != nil {
			bar.Update(iter+1, map[string]float64{"loss": values[MetricLoss], "top1": values[MetricTop1]})
		}
		dataStart = time.Now()
	}
	loader.Dataset.Reset()
	return nil
}

// averageMeter accumulates an average of per-batch values weighted by the batch sizes, so a
// short last batch counts for its examples only.
type averageMeter struct {
	sum   float64
	count int
}

func (m *averageMeter) Update(value float64, n int) {
	m.sum += value * float64(n)
	m.count += n
}

func (m *averageMeter) Avg() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// validate runs one pass over the validation loader and returns the top-1 accuracy over all the
// validation examples.
func (d *Driver) validate(epoch int) (float64, error) {
	loader := d.Loaders.Val
	limit := d.phaseLimit(loader.Len)
	bar := d.newProgressBar(fmt.Sprintf("Val %d", epoch+1), limit)
	if bar != nil {
		defer bar.Done()
	}
	var top1 averageMeter
	dataStart := time.Now()
	for iter := 0; iter < limit; iter++ {
		_, inputs, labels, err := loader.Dataset.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "reading validation batch %d", iter)
		}
		dataTime := time.Since(dataStart)
		computeStart := time.Now()
		lossT, top1T, top5T, err := d.evalExec.Exec3(inputs[0], labels[0])
		if err != nil {
			return 0, errors.WithMessagef(err, "validation step %d", iter)
		}
		computeTime := time.Since(computeStart)

		values := make(map[string]float64, 7)
		for name, t := range map[string]*tensors.Tensor{MetricLoss: lossT, MetricTop1: top1T, MetricTop5: top5T} {
			if values[name], err = scalarValue(t); err != nil {
				return 0, errors.WithMessagef(err, "reading validation metric %q", name)
			}
			t.FinalizeAll()
		}
		batchSize := inputs[0].Shape().Dimensions[0]
		values[MetricComputeIPS] = d.throughput(batchSize, computeTime)
		values[MetricTotalIPS] = d.throughput(batchSize, dataTime+computeTime)
		values[MetricDataTime] = dataTime.Seconds()
		values[MetricComputeTime] = computeTime.Seconds()
		d.logMetrics(report.PhaseVal, values)
		d.Logger.EndIteration(report.PhaseVal, iter+1)
		if bar != nil {
			bar.Update(iter+1, map[string]float64{"loss": values[MetricLoss], "top1": values[MetricTop1]})
		}
		top1.Update(values[MetricTop1], batchSize)
		dataStart = time.Now()
	}
	loader.Dataset.Reset()
	if top1.count == 0 {
		return 0, errors.New("validation loader yielded no batches")
	}
	return top1.Avg(), nil
}

// debugStatistics measures the relative quantization error of the compressed activations on the first
// DebugBatches batches of the debug loader. Nothing is done if compression is disabled.
func (d *Driver) debugStatistics(epoch int) error {
	if !actnn.Global().CompressActivation || d.debugExec == nil {
		return nil
	}
	loader := d.Loaders.Debug
	limit := d.phaseLimit(min(loader.Len, DebugBatches))
	for iter := 0; iter < limit; iter++ {
		_, inputs, labels, err := loader.Dataset.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "reading debug batch %d", iter)
		}
		quantErrT, lossT, err := d.debugExec.Exec2(inputs[0], labels[0])
		if err != nil {
			return errors.WithMessagef(err, "debug step %d", iter)
		}
		values := make(map[string]float64, 2)
		for name, t := range map[string]*tensors.Tensor{MetricQuantError: quantErrT, MetricLoss: lossT} {
			if values[name], err = scalarValue(t); err != nil {
				return errors.WithMessagef(err, "reading debug metric %q", name)
			}
			t.FinalizeAll()
		}
		d.logMetrics(report.PhaseDebug, values)
	}
	loader.Dataset.Reset()
	klog.V(1).Infof("epoch %d: quantization statistics over %d debug batches", epoch, limit)
	return nil
}
