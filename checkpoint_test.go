package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectCheckpointMode(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   CheckpointMode
	}{
		{"disabled", func(c *Config) {}, CheckpointNone},
		{"disabled with peft", func(c *Config) { c.PEFT = "lora" }, CheckpointNone},
		{"state tune", func(c *Config) { c.GradCP = 1; c.StateTune = true }, CheckpointRecompute},
		{"state train type", func(c *Config) { c.GradCP = 1; c.TrainType = "state" }, CheckpointRecompute},
		{"peft", func(c *Config) { c.GradCP = 1; c.PEFT = "lora" }, CheckpointRecompute},
		{"full", func(c *Config) { c.GradCP = 1 }, CheckpointOffload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tinyConfig()
			tt.mutate(&cfg)
			assert.Equal(t, tt.want, SelectCheckpointMode(&cfg))
		})
	}
}

// gradsUnder runs one forward/backward under mode and returns a copy of
// every parameter gradient plus the activation bytes held after forward.
func gradsUnder(t *testing.T, m *Model, mode CheckpointMode, ids [][]int, signals []*Tensor, r *Tensor) (map[string][]float64, int) {
	t.Helper()
	m.Checkpoint = mode
	m.Params.ZeroGrad()

	_, cache, err := m.Forward(ids, signals)
	require.NoError(t, err)
	saved := cache.SavedBytes()
	m.Backward(cache, r)
	assert.Zero(t, cache.SavedBytes(), "segments must be released after backward")

	out := make(map[string][]float64)
	for _, p := range m.Params.All() {
		out[p.Name] = append([]float64(nil), p.Tensor.Grad()...)
	}
	return out, saved
}

// TestCheckpointGradientsMatch checks that recomputing blocks on backward
// gives the same gradients as keeping their activations, and that the
// float32 offload stays within rounding of them.
func TestCheckpointGradientsMatch(t *testing.T) {
	cfg := tinyConfig()
	cfg.NLayer = 3
	m := newTinyModel(t, cfg)
	rng := newTestRand()
	randomizeParams(m, rng, 0.5)

	ids, signals := testInputs(cfg, rng)
	r := NewTensor(2, 5, cfg.VocabSize)
	for i := range r.data {
		r.data[i] = rng.NormFloat64()
	}

	want, savedNone := gradsUnder(t, m, CheckpointNone, ids, signals, r)
	recomputed, savedRecompute := gradsUnder(t, m, CheckpointRecompute, ids, signals, r)
	offloaded, savedOffload := gradsUnder(t, m, CheckpointOffload, ids, signals, r)

	for name, g := range want {
		closeSlices(t, g, recomputed[name], 1e-12, 1e-12)
		closeSlices(t, g, offloaded[name], 1e-5, 1e-3)
	}

	assert.Less(t, savedRecompute, savedNone)
	assert.Less(t, savedOffload, savedRecompute)
}

func TestRunBlockOffloadPacksInput(t *testing.T) {
	cfg := tinyConfig()
	ps := NewParamSet()
	block := NewBlock(ps, &cfg, 1, newTestRand())

	st := BlockState{
		X:      NewTensorFull(0.1, 1, 3, cfg.NEmbd),
		VFirst: NewTensorFull(0.2, 1, 3, cfg.DimAtt),
	}
	out, seg := RunBlock(block, st, CheckpointOffload)
	require.NotNil(t, out.X)
	assert.Same(t, st.VFirst, out.VFirst, "later blocks pass v_first through")

	assert.Nil(t, seg.cache)
	assert.Equal(t, 4*(3*cfg.NEmbd+3*cfg.DimAtt), seg.SavedBytes())

	restored := seg.restore()
	assert.Equal(t, st.X.Shape(), restored.X.Shape())
	assert.InDelta(t, 0.1, restored.X.At(0, 2, 5), 1e-7)
	assert.InDelta(t, 0.2, restored.VFirst.At(0, 0, 0), 1e-7)
}
