package main

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

// tinyConfig is a configuration small enough for finite differences.
func tinyConfig() Config {
	return Config{
		NEmbd:         32,
		DimAtt:        32,
		DimFFN:        64,
		VocabSize:     11,
		NLayer:        2,
		SignalDim:     5,
		AdapterHidden: 8,
		DimLoRA:       4,
		TrainType:     "none",
		PEFT:          "none",
		LayerwiseLR:   1,
		MyPileStage:   1,
		LRInit:        1e-3,
		LRFinal:       1e-5,
		Betas:         [2]float64{0.9, 0.99},
		AdamEps:       1e-8,
		GradClip:      1,
		Accelerator:   "cpu",
		Precision:     PrecisionFP32,
	}
}

func newTestRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func newTinyModel(t *testing.T, cfg Config) *Model {
	t.Helper()
	m, err := NewModel(cfg, newTestRand())
	require.NoError(t, err)
	return m
}

// randomizeParams replaces every parameter with N(0, scale²) noise so that
// gradients are large enough to check numerically.
func randomizeParams(m *Model, rng *rand.Rand, scale float64) {
	for _, p := range m.Params.All() {
		for i := range p.Tensor.data {
			p.Tensor.data[i] = scale * rng.NormFloat64()
		}
	}
}

// testInputs is a two-example batch with 2 and 1 signal rows.
func testInputs(cfg Config, rng *rand.Rand) ([][]int, []*Tensor) {
	signals := []*Tensor{NewTensor(2, cfg.SignalDim), NewTensor(1, cfg.SignalDim)}
	for _, s := range signals {
		for i := range s.data {
			s.data[i] = rng.NormFloat64()
		}
	}
	ids := [][]int{{1, 4, 7}, {2, 9, 3, 10}}
	return ids, signals
}

// projectionLoss is sum(logits * r); its logits gradient is r.
func projectionLoss(t *testing.T, m *Model, ids [][]int, signals []*Tensor, r *Tensor) float64 {
	t.Helper()
	logits, _, err := m.Forward(ids, signals)
	require.NoError(t, err)
	loss := 0.0
	for i, v := range logits.data {
		loss += v * r.data[i]
	}
	return loss
}

// analyticGrads runs forward and backward with logits gradient r.
func analyticGrads(t *testing.T, m *Model, ids [][]int, signals []*Tensor, r *Tensor) {
	t.Helper()
	m.Params.ZeroGrad()
	_, cache, err := m.Forward(ids, signals)
	require.NoError(t, err)
	m.Backward(cache, r)
}

// checkGrad compares the analytic gradient of a few elements of a parameter
// with central differences.
func checkGrad(t *testing.T, m *Model, name string, loss func() float64) {
	t.Helper()
	p, ok := m.Params.Get(name)
	require.True(t, ok, name)

	const eps = 1e-5
	n := p.Tensor.Size()
	for _, i := range []int{0, n / 2, n - 1} {
		orig := p.Tensor.data[i]
		p.Tensor.data[i] = orig + eps
		plus := loss()
		p.Tensor.data[i] = orig - eps
		minus := loss()
		p.Tensor.data[i] = orig

		numeric := (plus - minus) / (2 * eps)
		analytic := p.Tensor.Grad()[i]
		if math.Abs(numeric-analytic) > 1e-6+1e-4*math.Abs(numeric) {
			t.Errorf("%s[%d]: analytic %.8g, numeric %.8g", name, i, analytic, numeric)
		}
	}
}

func closeSlices(t *testing.T, want, got []float64, abs, rel float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		if math.Abs(want[i]-got[i]) > abs+rel*math.Abs(want[i]) {
			t.Errorf("[%d]: want %.10g, got %.10g", i, want[i], got[i])
			return
		}
	}
}
