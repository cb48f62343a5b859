package main

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRSchedule(t *testing.T) {
	s := NewLRScheduler(1e-3, 1e-5, 10, 110)

	// Warmup starts at 1% of the scheduled rate.
	assert.InDelta(t, 1e-5, s.LR(0), 1e-12)
	assert.InDelta(t, 1e-3*(0.01+0.99*0.5), s.LR(5), 1e-12)

	// Exponential decay reaches lr_final at the last step.
	assert.InDelta(t, 1e-5, s.LR(109), 1e-12)
	mid := s.LR(59)
	assert.InDelta(t, math.Sqrt(1e-3*1e-5), mid, 1e-9)

	for step := 10; step < 109; step++ {
		assert.Greater(t, s.LR(step), s.LR(step+1), "step %d", step)
	}

	flat := NewLRScheduler(1e-3, 1e-3, 0, 100)
	assert.Equal(t, 1e-3, flat.LR(50))

	linear := NewLRScheduler(1e-3, 0, 0, 10)
	assert.InDelta(t, 0, linear.LR(9), 1e-15)
	assert.InDelta(t, 0.5e-3, linear.LR(4), 1e-15)
}

func TestClipGradients(t *testing.T) {
	a := &Param{Name: "a", Tensor: NewTensor(2)}
	b := &Param{Name: "b", Tensor: NewTensor(1)}
	copy(a.Tensor.Grad(), []float64{3, 0})
	copy(b.Tensor.Grad(), []float64{4})

	norm := clipGradients([]*Param{a, b}, 1)
	assert.InDelta(t, 5, norm, 1e-12)
	assert.InDeltaSlice(t, []float64{0.6, 0}, a.Tensor.Grad(), 1e-12)
	assert.InDeltaSlice(t, []float64{0.8}, b.Tensor.Grad(), 1e-12)

	// Below the limit nothing changes.
	norm = clipGradients([]*Param{a, b}, 10)
	assert.InDelta(t, 1, norm, 1e-12)
	assert.InDeltaSlice(t, []float64{0.8}, b.Tensor.Grad(), 1e-12)
}

// TestTrainerLearnsBatch fits one fixed batch for a few steps; the loss must
// go down.
func TestTrainerLearnsBatch(t *testing.T) {
	for _, mode := range []CheckpointMode{CheckpointNone, CheckpointOffload} {
		t.Run(mode.String(), func(t *testing.T) {
			cfg := tinyConfig()
			cfg.LRInit, cfg.LRFinal = 1e-2, 1e-2
			m := newTinyModel(t, cfg)
			m.Checkpoint = mode

			batch := SyntheticBatch(newTestRand(), &cfg, 2, 3, 6)
			batch.Tokens[0] = []int{1, 2, 3, 4, 5, 6}

			tr, err := NewTrainer(m, TrainingConfig{Steps: 8})
			require.NoError(t, err)

			results, err := tr.Run(context.Background(), func(int) (Batch, error) { return batch, nil })
			require.NoError(t, err)
			require.Len(t, results, 8)

			for i, r := range results {
				assert.False(t, r.Skipped)
				assert.Equal(t, i, r.Step)
				assert.Positive(t, r.Tokens)
				assert.False(t, math.IsNaN(r.Loss))
			}
			assert.Less(t, results[7].Loss, results[0].Loss)
		})
	}
}

func TestTrainerSkipsEmptyMask(t *testing.T) {
	cfg := tinyConfig()
	m := newTinyModel(t, cfg)
	tr, err := NewTrainer(m, TrainingConfig{Steps: 1})
	require.NoError(t, err)

	before := m.StateDict(PrecisionFP32)
	res, err := tr.Step(Batch{
		Signals: []*Tensor{NewTensor(2, cfg.SignalDim)},
		Tokens:  [][]int{{4}},
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	after := m.StateDict(PrecisionFP32)
	for _, name := range before.Names() {
		x, _ := before.Get(name)
		y, _ := after.Get(name)
		assert.Equal(t, x.Data, y.Data, "%s changed on a skipped step", name)
	}
}

func TestTrainerRunStops(t *testing.T) {
	cfg := tinyConfig()
	m := newTinyModel(t, cfg)
	tr, err := NewTrainer(m, TrainingConfig{Steps: 5})
	require.NoError(t, err)

	errSource := errors.New("source exhausted")
	results, err := tr.Run(context.Background(), func(step int) (Batch, error) {
		if step == 2 {
			return Batch{}, errSource
		}
		return SyntheticBatch(newTestRand(), &cfg, 1, 2, 4), nil
	})
	assert.ErrorIs(t, err, errSource)
	assert.Len(t, results, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err = tr.Run(ctx, func(int) (Batch, error) { return Batch{}, nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestSyntheticBatch(t *testing.T) {
	cfg := tinyConfig()
	b := SyntheticBatch(newTestRand(), &cfg, 4, 3, 7)
	require.Len(t, b.Signals, 4)
	require.Len(t, b.Tokens, 4)
	for i := range b.Tokens {
		rows := b.Signals[i].Shape()[0]
		assert.True(t, rows >= 1 && rows <= 3)
		assert.Equal(t, cfg.SignalDim, b.Signals[i].Shape()[1])
		assert.True(t, len(b.Tokens[i]) >= 1 && len(b.Tokens[i]) <= 7)
		for _, id := range b.Tokens[i] {
			assert.True(t, id >= 0 && id < cfg.VocabSize)
		}
	}

	_, err := PadBatch(b)
	assert.NoError(t, err)
}
