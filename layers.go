package main

import (
	"fmt"
	"math/rand/v2"
)

// Linear is y = x @ W^T (+ b) with W stored as (out, in), the layout the
// checkpoints use.
type Linear struct {
	Weight *Tensor
	Bias   *Tensor // nil when the layer has no bias
}

func newLinear(ps *ParamSet, prefix string, in, out int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{Weight: ps.Register(prefix+".weight", NewTensorRand(rng, out, in))}
	if bias {
		l.Bias = ps.Register(prefix+".bias", NewTensor(out))
	}
	return l
}

// Forward applies the layer to the last dimension of x.
func (l *Linear) Forward(x *Tensor) *Tensor {
	y := MatMulTransB(x.Rows(), l.Weight)
	if l.Bias != nil {
		out := l.Bias.shape[0]
		for i := range y.data {
			y.data[i] += l.Bias.data[i%out]
		}
	}
	return y.Reshape(withLastDim(x.shape, l.Weight.shape[0])...)
}

// Backward accumulates weight/bias gradients and returns ∂L/∂x.
func (l *Linear) Backward(x, gradY *Tensor) *Tensor {
	gy := gradY.Rows()
	gradX, gradW := LinearBackward(x.Rows(), l.Weight, gy)
	l.Weight.AccumulateGrad(gradW)
	if l.Bias != nil {
		g := l.Bias.Grad()
		out := len(g)
		for i, v := range gy.data {
			g[i%out] += v
		}
	}
	return gradX.Reshape(x.shape...)
}

func withLastDim(shape []int, last int) []int {
	out := append([]int(nil), shape...)
	out[len(out)-1] = last
	return out
}

// LayerNorm normalizes the last dimension.
//
// PAPER: "Layer Normalization" by Ba, Kiros, Hinton (2016)
// https://arxiv.org/abs/1607.06450
//
// Formula: y = γ * (x - μ) / σ + β
type LayerNorm struct {
	Weight *Tensor
	Bias   *Tensor
	eps    float64
}

func newLayerNorm(ps *ParamSet, prefix string, dim int) *LayerNorm {
	return &LayerNorm{
		Weight: ps.Register(prefix+".weight", NewTensorFull(1, dim)),
		Bias:   ps.Register(prefix+".bias", NewTensor(dim)),
		eps:    1e-5,
	}
}

// Forward applies layer normalization to every row of x.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	rows := x.Rows()
	n, features := rows.shape[0], rows.shape[1]
	if features != ln.Weight.shape[0] {
		panic(fmt.Sprintf("layernorm: feature size %d, expected %d", features, ln.Weight.shape[0]))
	}

	out := NewTensor(x.shape...)
	for i := 0; i < n; i++ {
		in := rows.data[i*features : (i+1)*features]
		dst := out.data[i*features : (i+1)*features]
		mean, std := meanStd(in, ln.eps)
		for j, v := range in {
			dst[j] = (v-mean)/std*ln.Weight.data[j] + ln.Bias.data[j]
		}
	}
	return out
}

// Backward accumulates γ/β gradients and returns ∂L/∂x.
func (ln *LayerNorm) Backward(x, gradY *Tensor) *Tensor {
	gradX, gradGamma, gradBeta := LayerNormBackward(x, ln.Weight, gradY, ln.eps)
	ln.Weight.AccumulateGrad(gradGamma)
	ln.Bias.AccumulateGrad(gradBeta)
	return gradX
}

// Embedding maps token ids to rows of a (vocab, dim) table.
type Embedding struct {
	Weight *Tensor
}

func newEmbedding(ps *ParamSet, name string, vocab, dim int, rng *rand.Rand) *Embedding {
	return &Embedding{Weight: ps.Register(name, NewTensorRand(rng, vocab, dim))}
}

// Forward gathers the rows for ids into a (len(ids), dim) tensor.
func (e *Embedding) Forward(ids []int) *Tensor {
	vocab, dim := e.Weight.shape[0], e.Weight.shape[1]
	out := NewTensor(len(ids), dim)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			panic(fmt.Sprintf("embedding: token %d out of range [0,%d)", id, vocab))
		}
		copy(out.data[i*dim:(i+1)*dim], e.Weight.data[id*dim:(id+1)*dim])
	}
	return out
}

// Backward scatters row gradients back into the table.
func (e *Embedding) Backward(ids []int, gradY []float64) {
	dim := e.Weight.shape[1]
	g := e.Weight.Grad()
	for i, id := range ids {
		row := g[id*dim : (id+1)*dim]
		for d := range row {
			row[d] += gradY[i*dim+d]
		}
	}
}

// Adapter projects signal features into the embedding space:
// Linear(signal_dim, hidden) → ReLU → Linear(hidden, n_embd).
type Adapter struct {
	In  *Linear
	Out *Linear
}

// AdapterCache keeps the activations the adapter backward needs.
type AdapterCache struct {
	input  *Tensor
	hidden *Tensor // pre-activation
	act    *Tensor
}

func newAdapter(ps *ParamSet, signalDim, hidden, embd int, rng *rand.Rand) *Adapter {
	// Indices follow nn.Sequential numbering; index 1 is the ReLU.
	return &Adapter{
		In:  newLinear(ps, "adapter.0", signalDim, hidden, true, rng),
		Out: newLinear(ps, "adapter.2", hidden, embd, true, rng),
	}
}

// Forward projects a (rows, signal_dim) signal to (rows, n_embd).
func (a *Adapter) Forward(signal *Tensor) (*Tensor, *AdapterCache) {
	if signal.Dims() != 2 || signal.shape[1] != a.In.Weight.shape[1] {
		panic(fmt.Sprintf("adapter: signal shape %v, expected (rows, %d)", signal.shape, a.In.Weight.shape[1]))
	}
	h := a.In.Forward(signal)
	act := ReLU(h)
	return a.Out.Forward(act), &AdapterCache{input: signal, hidden: h, act: act}
}

// Backward accumulates adapter gradients. The signal itself is data and
// receives no gradient.
func (a *Adapter) Backward(cache *AdapterCache, gradY *Tensor) {
	gradAct := a.Out.Backward(cache.act, gradY)
	gradH := ReLUBackward(cache.hidden, gradAct)
	a.In.Backward(cache.input, gradH)
}
