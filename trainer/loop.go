// loop.go - Trainingsschleife mit Gradient Accumulation
package trainer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mini-helper/lorakit/llm"
)

type loop struct {
	cfg      Config
	backend  llm.TrainerServer
	seqs     [][]int32
	padID    int32
	out      io.Writer
	progress func(step, total int)

	state   State
	lossSum float64
}

func (l *loop) run(ctx context.Context) error {
	t := l.cfg.Training
	microBatches := ceilDiv(len(l.seqs), t.PerDeviceTrainBatchSize)
	total := TotalSteps(len(l.seqs), t.PerDeviceTrainBatchSize, t.GradientAccumulationSteps, t.NumTrainEpochs)
	sched := NewSchedule(t.LrSchedulerType, t.LearningRate, t.WarmupRatio, total)

	l.state = State{
		MaxSteps:       total,
		NumTrainEpochs: t.NumTrainEpochs,
		LoggingSteps:   t.LoggingSteps,
		SaveSteps:      t.SaveSteps,
		TrainBatchSize: t.PerDeviceTrainBatchSize,
		LogHistory:     []LogEntry{},
	}

	slog.Info("starting training",
		"examples", len(l.seqs),
		"epochs", t.NumTrainEpochs,
		"micro_batches", microBatches,
		"grad_accum", t.GradientAccumulationSteps,
		"total_steps", total,
		"warmup_steps", sched.Warmup)

	var (
		windowLoss  float64
		windowCount int
		logLoss     float64
		logSteps    int
	)

	for epoch := range t.NumTrainEpochs {
		order := epochOrder(len(l.seqs), t.Seed, epoch, l.cfg.Dataset.Shuffle)

		for mb := range microBatches {
			if err := ctx.Err(); err != nil {
				return err
			}

			lo := mb * t.PerDeviceTrainBatchSize
			hi := min(lo+t.PerDeviceTrainBatchSize, len(order))
			batch := make([][]int32, 0, hi-lo)
			for _, i := range order[lo:hi] {
				batch = append(batch, l.seqs[i])
			}

			req := Collate(batch, l.padID, l.cfg.Tokenizer.PaddingSide)
			req.LossScale = 1 / float64(t.GradientAccumulationSteps)

			fb, err := l.backend.ForwardBackward(ctx, req)
			if err != nil {
				return fmt.Errorf("forward/backward at step %d: %w", l.state.GlobalStep+1, err)
			}
			windowLoss += fb.Loss
			windowCount++

			if windowCount < t.GradientAccumulationSteps && mb < microBatches-1 {
				continue
			}

			lr := sched.At(l.state.GlobalStep)
			step, err := l.backend.OptimizerStep(ctx, llm.OptimizerStepRequest{
				Step:         l.state.GlobalStep + 1,
				LearningRate: lr,
				MaxGradNorm:  t.MaxGradNorm,
			})
			if err != nil {
				return fmt.Errorf("optimizer step %d: %w", l.state.GlobalStep+1, err)
			}

			stepLoss := windowLoss / float64(windowCount)
			windowLoss, windowCount = 0, 0
			l.lossSum += stepLoss
			logLoss += stepLoss
			logSteps++

			l.state.GlobalStep++
			l.state.Epoch = float64(epoch) + float64(mb+1)/float64(microBatches)
			if l.progress != nil {
				l.progress(l.state.GlobalStep, total)
			}

			if l.state.GlobalStep%t.LoggingSteps == 0 {
				l.log(logLoss/float64(logSteps), lr, step.GradNorm, total)
				logLoss, logSteps = 0, 0
			}

			if t.SaveSteps > 0 && l.state.GlobalStep%t.SaveSteps == 0 {
				dir, err := saveCheckpoint(ctx, l.backend, t.OutputDir, &l.state, t.SaveTotalLimit)
				if err != nil {
					return err
				}
				slog.Info("saved checkpoint", "path", dir)
			}
		}
	}

	return nil
}

func (l *loop) log(loss, lr, gradNorm float64, total int) {
	l.state.LogHistory = append(l.state.LogHistory, LogEntry{
		Epoch:        l.state.Epoch,
		Step:         l.state.GlobalStep,
		Loss:         &loss,
		LearningRate: &lr,
		GradNorm:     &gradNorm,
	})

	slog.Debug("training step", "step", l.state.GlobalStep, "loss", loss, "learning_rate", lr, "grad_norm", gradNorm)
	fmt.Fprintf(l.out, "step %d/%d: loss=%.4f grad_norm=%.4f learning_rate=%.3e epoch=%.2f\n",
		l.state.GlobalStep, total, loss, gradNorm, lr, l.state.Epoch)
}

// meanLoss ist der mittlere Loss ueber alle Optimizer-Schritte
func (l *loop) meanLoss() float64 {
	if l.state.GlobalStep == 0 {
		return 0
	}
	return l.lossSum / float64(l.state.GlobalStep)
}
