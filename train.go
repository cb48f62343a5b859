package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The training step and a small training loop around it.
//
// ONE STEP:
//
//   batch ─► PadBatch ─► Forward(inputs, signals) ─► logits (B, T, V)
//         ─► masked cross-entropy  sum(ce*mask)/sum(mask)
//         ─► L2Wrap (identity on the value, extra logits gradient)
//         ─► Loss
//
//   Loss.Backward ─► model gradients ─► clip ─► Optimizer.Step(lr)
//
// A batch whose mask selects nothing (every example has a single token)
// has no loss. TrainStep returns ErrEmptyMask and the loop skips the
// optimizer step instead of dividing by zero.
//
// LEARNING RATE:
// Exponential decay from lr_init to lr_final over the run, with the first
// warmup_steps scaled up linearly from 1% of the scheduled value:
//
//   lr(t) = lr_init * (lr_final/lr_init)^progress
//   lr(t) *= 0.01 + 0.99 * t / warmup          (t < warmup)
//
// When either end is zero the decay is linear instead.
//
// ===========================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// TrainStep pads the batch, runs the forward pass and returns the loss. The
// caller runs Loss.Backward and the optimizer.
func (m *Model) TrainStep(b Batch) (*Loss, error) {
	pb, err := PadBatch(b)
	if err != nil {
		return nil, err
	}

	logits, cache, err := m.Forward(pb.Inputs, pb.Signals)
	if err != nil {
		return nil, err
	}

	mask := pb.FlatMask()
	value, gradCE, err := MaskedCrossEntropy(logits, pb.FlatTargets(), mask)
	if err != nil {
		return nil, err
	}
	value, gradL2 := L2Wrap(value, logits)

	tokens := 0
	for _, v := range mask {
		if v != 0 {
			tokens++
		}
	}

	return &Loss{
		value:      value,
		model:      m,
		cache:      cache,
		gradCE:     gradCE,
		gradL2Wrap: gradL2,
		tokens:     tokens,
	}, nil
}

// LRScheduler implements the warmup plus exponential decay schedule.
type LRScheduler struct {
	lrInit, lrFinal float64
	warmupSteps     int
	totalSteps      int
}

// NewLRScheduler creates a scheduler for a run of totalSteps steps.
func NewLRScheduler(lrInit, lrFinal float64, warmupSteps, totalSteps int) *LRScheduler {
	return &LRScheduler{
		lrInit:      lrInit,
		lrFinal:     lrFinal,
		warmupSteps: warmupSteps,
		totalSteps:  totalSteps,
	}
}

// LR returns the learning rate for step (0-based).
func (s *LRScheduler) LR(step int) float64 {
	lr := s.lrInit
	if s.lrFinal != s.lrInit && s.totalSteps > s.warmupSteps {
		progress := float64(step-s.warmupSteps+1) / float64(s.totalSteps-s.warmupSteps)
		progress = math.Min(1, math.Max(0, progress))
		if s.lrInit == 0 || s.lrFinal == 0 {
			lr = s.lrInit + (s.lrFinal-s.lrInit)*progress
		} else {
			lr = s.lrInit * math.Exp(math.Log(s.lrFinal/s.lrInit)*progress)
		}
	}

	if step < s.warmupSteps {
		lr *= 0.01 + 0.99*float64(step)/float64(s.warmupSteps)
	}
	return lr
}

// clipGradients clips gradients by global norm and returns the norm before
// clipping.
func clipGradients(params []*Param, maxNorm float64) float64 {
	globalNorm := 0.0
	for _, p := range params {
		for _, g := range p.Tensor.grad {
			globalNorm += g * g
		}
	}
	globalNorm = math.Sqrt(globalNorm)

	if maxNorm > 0 && globalNorm > maxNorm {
		scale := maxNorm / globalNorm
		for _, p := range params {
			for i := range p.Tensor.grad {
				p.Tensor.grad[i] *= scale
			}
		}
	}
	return globalNorm
}

// TrainingConfig holds the loop settings that are not model hyperparameters.
type TrainingConfig struct {
	Steps       int
	LogInterval int
}

// StepResult summarizes one optimizer step.
type StepResult struct {
	Step     int
	Loss     float64
	LR       float64
	GradNorm float64
	Tokens   int
	Skipped  bool
	Duration time.Duration
}

// LogValue implements slog.LogValuer.
func (r StepResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("step", r.Step),
		slog.Float64("loss", r.Loss),
		slog.Float64("lr", r.LR),
		slog.Float64("grad_norm", r.GradNorm),
		slog.Int("tokens", r.Tokens),
		slog.Duration("took", r.Duration),
	)
}

// Trainer ties a model, its optimizer and the LR schedule together.
type Trainer struct {
	Model     *Model
	Optimizer Optimizer
	Schedule  *LRScheduler
	Config    TrainingConfig

	step int
}

// NewTrainer builds the optimizer groups and schedule for m.
func NewTrainer(m *Model, tc TrainingConfig) (*Trainer, error) {
	opt, err := NewOptimizer(m.Params, &m.Config)
	if err != nil {
		return nil, err
	}
	cfg := m.Config
	return &Trainer{
		Model:     m,
		Optimizer: opt,
		Schedule:  NewLRScheduler(cfg.LRInit, cfg.LRFinal, cfg.WarmupSteps, tc.Steps),
		Config:    tc,
	}, nil
}

// Step runs one full training step on b. Batches with an empty mask are
// reported as skipped and leave the parameters untouched.
func (t *Trainer) Step(b Batch) (StepResult, error) {
	start := time.Now()
	res := StepResult{Step: t.step, LR: t.Schedule.LR(t.step)}
	t.step++

	t.Model.Params.ZeroGrad()
	loss, err := t.Model.TrainStep(b)
	if errors.Is(err, ErrEmptyMask) {
		res.Skipped = true
		res.Duration = time.Since(start)
		return res, nil
	} else if err != nil {
		return res, err
	}

	loss.Backward()
	res.Loss = loss.Value()
	res.Tokens = loss.Tokens()
	res.GradNorm = clipGradients(t.Model.Params.Trainable(), t.Model.Config.GradClip)

	if err := t.Optimizer.Step(res.LR); err != nil {
		return res, fmt.Errorf("step %d: %w", res.Step, err)
	}
	res.Duration = time.Since(start)
	return res, nil
}

// Run trains for Config.Steps steps, pulling batches from next.
func (t *Trainer) Run(ctx context.Context, next func(step int) (Batch, error)) ([]StepResult, error) {
	slog.Info("training started", "steps", t.Config.Steps, "optimizer", t.Optimizer.Name(), "checkpoint", t.Model.Checkpoint, "params", t.Model.Params.Count())

	results := make([]StepResult, 0, t.Config.Steps)
	for i := 0; i < t.Config.Steps; i++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		b, err := next(i)
		if err != nil {
			return results, err
		}

		res, err := t.Step(b)
		if err != nil {
			return results, err
		}
		results = append(results, res)

		switch {
		case res.Skipped:
			slog.Warn("skipping step with empty loss mask", "step", res.Step)
		case t.Config.LogInterval > 0 && (i+1)%t.Config.LogInterval == 0:
			slog.Info("train", "result", res)
		default:
			Trace("train", "result", res)
		}
	}

	slog.Info("training complete", "steps", len(results))
	return results, nil
}

// SyntheticBatch draws a random batch of signals and token sequences with
// lengths in [1, maxRows] and [1, maxTokens].
func SyntheticBatch(rng *rand.Rand, cfg *Config, batchSize, maxRows, maxTokens int) Batch {
	b := Batch{
		Signals: make([]*Tensor, batchSize),
		Tokens:  make([][]int, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		rows := 1 + rng.IntN(maxRows)
		sig := NewTensor(rows, cfg.SignalDim)
		for j := range sig.data {
			sig.data[j] = rng.NormFloat64()
		}
		b.Signals[i] = sig

		tokens := make([]int, 1+rng.IntN(maxTokens))
		for j := range tokens {
			tokens[j] = rng.IntN(cfg.VocabSize)
		}
		b.Tokens[i] = tokens
	}
	return b
}
