package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// One RWKV block: a TimeMix (recurrent "attention") followed by a ChannelMix
// (feed-forward), each behind a pre-LayerNorm and a residual connection.
//
//   x = ln0(x)                      (block 0 only)
//   x = x + TimeMix(ln1(x), v_first)
//   x = x + ChannelMix(ln2(x))
//
// TOKEN SHIFT:
// Both halves mix each position with its predecessor before projecting:
//   x_mix[t] = x[t] + (x[t-1] - x[t]) * maa      (x[-1] = 0)
//
// WKV RECURRENCE (per channel, per sequence):
//   s[t] = w * s[t-1] + k[t] * v[t]              w = exp(-exp(time_decay))
//   y[t] = r[t] * (s[t-1] + u * k[t] * v[t])     u = time_faaaa
//
// V_FIRST:
// Block 0 publishes its value projection as v_first. Every later block pulls
// its own values towards it through a learned gate:
//   v = v + (v_first - v) * sigmoid(time_mix_vfirst + (x_v @ v_w1) @ v_w2)
//
// The side channel travels with the hidden state as a BlockState value, so
// every block call takes one state and returns the next.
//
// ===========================================================================

import (
	"math"
	"math/rand/v2"
	"strconv"
)

// BlockState is the pair threaded through the block stack.
type BlockState struct {
	X      *Tensor // (B, T, n_embd)
	VFirst *Tensor // (B, T, dim_att)
}

// TimeMix is the recurrent token-mixing half of a block.
type TimeMix struct {
	layer int

	MaaR, MaaK, MaaV *Tensor // (1, 1, n_embd)
	Decay            *Tensor // (dim_att)
	Bonus            *Tensor // (dim_att)

	Receptance, Key, Value, Output *Linear
	LnX                            *LayerNorm

	// v_first gate, layers > 0
	VMix *Tensor // (1, 1, dim_att)
	VW1  *Tensor // (n_embd, dim_lora)
	VW2  *Tensor // (dim_lora, dim_att)
}

// TimeMixCache keeps the activations of one TimeMix forward.
type TimeMixCache struct {
	x, xr, xk, xv *Tensor
	r, k, v0, v   *Tensor
	states        *Tensor
	y, yn         *Tensor

	// v_first gate
	vFirst *Tensor
	h      *Tensor // (N, dim_lora)
	g      *Tensor // (N, dim_att)
}

func newTimeMix(ps *ParamSet, cfg *Config, layer int, rng *rand.Rand) *TimeMix {
	prefix := blockPrefix(layer) + "att."
	c, a := cfg.NEmbd, cfg.DimAtt
	r01, r1 := layerRatios(layer, cfg.NLayer)

	maaK, maaV, maaR := NewTensor(1, 1, c), NewTensor(1, 1, c), NewTensor(1, 1, c)
	for i := 0; i < c; i++ {
		ddd := float64(i) / float64(c)
		maaK.data[i] = 1 - math.Pow(ddd, r1)
		maaV.data[i] = 1 - (math.Pow(ddd, r1) + 0.3*r01)
		maaR.data[i] = 1 - math.Pow(ddd, 0.5*r1)
	}

	decay, bonus := NewTensor(a), NewTensor(a)
	for n := 0; n < a; n++ {
		frac := float64(n) / float64(a-1)
		decay.data[n] = -6 + 5*math.Pow(frac, 0.7+1.3*r01)
		bonus.data[n] = r01*(1-frac) + float64((n+1)%3-1)*0.1
	}

	tm := &TimeMix{
		layer:      layer,
		MaaR:       ps.Register(prefix+"time_maa_r", maaR),
		MaaK:       ps.Register(prefix+"time_maa_k", maaK),
		MaaV:       ps.Register(prefix+"time_maa_v", maaV),
		Decay:      ps.Register(prefix+"time_decay", decay),
		Bonus:      ps.Register(prefix+"time_faaaa", bonus),
		Receptance: newLinear(ps, prefix+"receptance", c, a, false, rng),
		Key:        newLinear(ps, prefix+"key", c, a, false, rng),
		Value:      newLinear(ps, prefix+"value", c, a, false, rng),
		Output:     newLinear(ps, prefix+"output", a, c, false, rng),
		LnX:        newLayerNorm(ps, prefix+"ln_x", a),
	}
	if layer > 0 {
		tm.VMix = ps.Register(prefix+"time_mix_vfirst", NewTensorFull(1, 1, 1, a))
		tm.VW1 = ps.Register(prefix+"v_w1", NewTensorRand(rng, c, cfg.DimLoRA))
		tm.VW2 = ps.Register(prefix+"v_w2", NewTensorRand(rng, cfg.DimLoRA, a))
	}
	return tm
}

// Forward runs the TimeMix on normalized input x (B, T, C). It returns the
// output, the v_first tensor for the following blocks, and the cache.
func (tm *TimeMix) Forward(x, vFirst *Tensor) (*Tensor, *Tensor, *TimeMixCache) {
	cache := &TimeMixCache{x: x}
	cache.xr = tokenShift(x, tm.MaaR.data)
	cache.xk = tokenShift(x, tm.MaaK.data)
	cache.xv = tokenShift(x, tm.MaaV.data)

	cache.r = tm.Receptance.Forward(cache.xr)
	cache.k = tm.Key.Forward(cache.xk)
	cache.v0 = tm.Value.Forward(cache.xv)

	if tm.layer == 0 {
		cache.v = cache.v0
		vFirst = cache.v0.Clone()
	} else {
		cache.vFirst = vFirst
		cache.h = MatMul(cache.xv.Rows(), tm.VW1)
		z := MatMul(cache.h, tm.VW2)
		a := tm.VMix.Size()
		for i := range z.data {
			z.data[i] += tm.VMix.data[i%a]
		}
		cache.g = Sigmoid(z)

		cache.v = NewTensor(cache.v0.shape...)
		for i, v0 := range cache.v0.data {
			cache.v.data[i] = v0 + (vFirst.data[i]-v0)*cache.g.data[i]
		}
	}

	cache.y, cache.states = wkvForward(cache.r, cache.k, cache.v, decayFactors(tm.Decay), tm.Bonus.data)
	cache.yn = tm.LnX.Forward(cache.y)
	return tm.Output.Forward(cache.yn), vFirst, cache
}

// Backward accumulates parameter gradients and returns ∂L/∂x together with
// ∂L/∂v_first. For block 0, gradVFirst is the total gradient reaching the
// published v_first and the returned gradient is nil; for later blocks the
// returned tensor is gradVFirst plus this block's contribution.
func (tm *TimeMix) Backward(cache *TimeMixCache, gradOut, gradVFirst *Tensor) (*Tensor, *Tensor) {
	gradYn := tm.Output.Backward(cache.yn, gradOut)
	gradY := tm.LnX.Backward(cache.y, gradYn)

	w := decayFactors(tm.Decay)
	dr, dk, dv, dw, du := wkvBackward(cache.r, cache.k, cache.v, cache.states, w, tm.Bonus.data, gradY)

	decayGrad := tm.Decay.Grad()
	for c := range decayGrad {
		// w = exp(-exp(d))  =>  dw/dd = -w * exp(d)
		decayGrad[c] += dw[c] * -w[c] * math.Exp(tm.Decay.data[c])
	}
	bonusGrad := tm.Bonus.Grad()
	for c := range bonusGrad {
		bonusGrad[c] += du[c]
	}

	var gradXVExtra *Tensor
	var gradVFirstOut *Tensor
	dv0 := dv
	if tm.layer == 0 {
		if gradVFirst != nil {
			dv0 = Add(dv, gradVFirst)
		}
	} else {
		if gradVFirst != nil {
			gradVFirstOut = gradVFirst.Clone()
		} else {
			gradVFirstOut = NewTensor(cache.v.shape...)
		}
		dv0 = NewTensor(dv.shape...)
		dz := NewTensor(cache.g.shape...)
		for i, d := range dv.data {
			g := cache.g.data[i]
			dv0.data[i] = d * (1 - g)
			gradVFirstOut.data[i] += d * g
			dg := d * (cache.vFirst.data[i] - cache.v0.data[i])
			dz.data[i] = dg * g * (1 - g)
		}

		a := tm.VMix.Size()
		mixGrad := tm.VMix.Grad()
		for i, d := range dz.data {
			mixGrad[i%a] += d
		}
		tm.VW2.AccumulateGrad(MatMulTransA(cache.h, dz))
		dh := MatMulTransB(dz, tm.VW2)
		tm.VW1.AccumulateGrad(MatMulTransA(cache.xv.Rows(), dh))
		gradXVExtra = MatMulTransB(dh, tm.VW1)
	}

	dxr := tm.Receptance.Backward(cache.xr, dr)
	dxk := tm.Key.Backward(cache.xk, dk)
	dxv := tm.Value.Backward(cache.xv, dv0)
	if gradXVExtra != nil {
		dxv = Add(dxv, gradXVExtra.Reshape(dxv.shape...))
	}

	gradX := NewTensor(cache.x.shape...)
	tokenShiftBackward(cache.x, tm.MaaR, dxr, gradX)
	tokenShiftBackward(cache.x, tm.MaaK, dxk, gradX)
	tokenShiftBackward(cache.x, tm.MaaV, dxv, gradX)
	return gradX, gradVFirstOut
}

// ChannelMix is the feed-forward half of a block:
//
//   out = sigmoid(x_r @ Wr^T) * (relu(x_k @ Wk^T)² @ Wv^T)
type ChannelMix struct {
	MaaK, MaaR *Tensor // (1, 1, n_embd)

	Key, Receptance, Value *Linear
}

// ChannelMixCache keeps the activations of one ChannelMix forward.
type ChannelMixCache struct {
	x, xk, xr *Tensor
	kPre, k   *Tensor
	kv, r     *Tensor
}

func newChannelMix(ps *ParamSet, cfg *Config, layer int, rng *rand.Rand) *ChannelMix {
	prefix := blockPrefix(layer) + "ffn."
	c := cfg.NEmbd
	_, r1 := layerRatios(layer, cfg.NLayer)

	maaK, maaR := NewTensor(1, 1, c), NewTensor(1, 1, c)
	for i := 0; i < c; i++ {
		v := 1 - math.Pow(float64(i)/float64(c), r1)
		maaK.data[i] = v
		maaR.data[i] = v
	}

	return &ChannelMix{
		MaaK:       ps.Register(prefix+"time_maa_k", maaK),
		MaaR:       ps.Register(prefix+"time_maa_r", maaR),
		Key:        newLinear(ps, prefix+"key", c, cfg.DimFFN, false, rng),
		Receptance: newLinear(ps, prefix+"receptance", c, c, false, rng),
		Value:      newLinear(ps, prefix+"value", cfg.DimFFN, c, false, rng),
	}
}

// Forward runs the ChannelMix on normalized input x (B, T, C).
func (cm *ChannelMix) Forward(x *Tensor) (*Tensor, *ChannelMixCache) {
	cache := &ChannelMixCache{x: x}
	cache.xk = tokenShift(x, cm.MaaK.data)
	cache.xr = tokenShift(x, cm.MaaR.data)

	cache.kPre = cm.Key.Forward(cache.xk)
	cache.k = NewTensor(cache.kPre.shape...)
	for i, v := range cache.kPre.data {
		if v > 0 {
			cache.k.data[i] = v * v
		}
	}
	cache.kv = cm.Value.Forward(cache.k)
	cache.r = Sigmoid(cm.Receptance.Forward(cache.xr))

	return Mul(cache.r, cache.kv), cache
}

// Backward accumulates parameter gradients and returns ∂L/∂x.
func (cm *ChannelMix) Backward(cache *ChannelMixCache, gradOut *Tensor) *Tensor {
	dkv := Mul(gradOut, cache.r)
	dr := Mul(gradOut, cache.kv)
	drPre := SigmoidBackward(cache.r, dr)

	dk := cm.Value.Backward(cache.k, dkv)
	dkPre := NewTensor(dk.shape...)
	for i, v := range cache.kPre.data {
		if v > 0 {
			dkPre.data[i] = dk.data[i] * 2 * v
		}
	}

	dxk := cm.Key.Backward(cache.xk, dkPre)
	dxr := cm.Receptance.Backward(cache.xr, drPre)

	gradX := NewTensor(cache.x.shape...)
	tokenShiftBackward(cache.x, cm.MaaK, dxk, gradX)
	tokenShiftBackward(cache.x, cm.MaaR, dxr, gradX)
	return gradX
}

// Block is one layer of the stack.
type Block struct {
	Layer int
	Ln0   *LayerNorm // block 0 only
	Ln1   *LayerNorm
	Ln2   *LayerNorm
	Att   *TimeMix
	Ffn   *ChannelMix
}

// BlockCache keeps everything Block.Backward needs.
type BlockCache struct {
	input *Tensor // before ln0
	x     *Tensor // block input after ln0
	a     *Tensor // ln1(x)
	att   *TimeMixCache
	x1    *Tensor
	f     *Tensor // ln2(x1)
	ffn   *ChannelMixCache
}

// NewBlock builds layer i and registers its parameters.
func NewBlock(ps *ParamSet, cfg *Config, layer int, rng *rand.Rand) *Block {
	prefix := blockPrefix(layer)
	b := &Block{Layer: layer}
	if layer == 0 {
		b.Ln0 = newLayerNorm(ps, prefix+"ln0", cfg.NEmbd)
	}
	b.Ln1 = newLayerNorm(ps, prefix+"ln1", cfg.NEmbd)
	b.Ln2 = newLayerNorm(ps, prefix+"ln2", cfg.NEmbd)
	b.Att = newTimeMix(ps, cfg, layer, rng)
	b.Ffn = newChannelMix(ps, cfg, layer, rng)
	return b
}

// Forward consumes st and returns the next state. The caller must not use
// st after the call.
func (b *Block) Forward(st BlockState) (BlockState, *BlockCache) {
	cache := &BlockCache{input: st.X, x: st.X}
	if b.Ln0 != nil {
		cache.x = b.Ln0.Forward(st.X)
	}

	cache.a = b.Ln1.Forward(cache.x)
	attOut, vFirst, attCache := b.Att.Forward(cache.a, st.VFirst)
	cache.att = attCache
	cache.x1 = Add(cache.x, attOut)

	cache.f = b.Ln2.Forward(cache.x1)
	ffnOut, ffnCache := b.Ffn.Forward(cache.f)
	cache.ffn = ffnCache

	return BlockState{X: Add(cache.x1, ffnOut), VFirst: vFirst}, cache
}

// Backward takes the gradient of the block's output state and returns the
// gradient of its input state.
func (b *Block) Backward(cache *BlockCache, grad BlockState) BlockState {
	gradFfn := b.Ffn.Backward(cache.ffn, grad.X)
	gradX1 := Add(grad.X, b.Ln2.Backward(cache.x1, gradFfn))

	gradA, gradVFirst := b.Att.Backward(cache.att, gradX1, grad.VFirst)
	gradX := Add(gradX1, b.Ln1.Backward(cache.x, gradA))

	if b.Ln0 != nil {
		gradX = b.Ln0.Backward(cache.input, gradX)
	}
	return BlockState{X: gradX, VFirst: gradVFirst}
}

func blockPrefix(layer int) string {
	return "blocks." + strconv.Itoa(layer) + "."
}

// layerRatios returns (ratio_0_to_1, ratio_1_to_almost0) for a layer.
func layerRatios(layer, nLayer int) (float64, float64) {
	r01 := 0.0
	if nLayer > 1 {
		r01 = float64(layer) / float64(nLayer-1)
	}
	return r01, 1 - float64(layer)/float64(nLayer)
}

func decayFactors(decay *Tensor) []float64 {
	w := make([]float64, decay.Size())
	for i, d := range decay.data {
		w[i] = math.Exp(-math.Exp(d))
	}
	return w
}

// tokenShift returns x + (x[t-1] - x) * maa over a (B, T, C) tensor.
func tokenShift(x *Tensor, maa []float64) *Tensor {
	bsz, seq, c := x.shape[0], x.shape[1], x.shape[2]
	out := NewTensor(x.shape...)
	for b := 0; b < bsz; b++ {
		for t := 0; t < seq; t++ {
			base := (b*seq + t) * c
			for i := 0; i < c; i++ {
				prev := 0.0
				if t > 0 {
					prev = x.data[base-c+i]
				}
				cur := x.data[base+i]
				out.data[base+i] = cur + (prev-cur)*maa[i]
			}
		}
	}
	return out
}

// tokenShiftBackward adds the input gradient of tokenShift into gradX and
// accumulates the gradient of maa.
func tokenShiftBackward(x, maa, gradOut, gradX *Tensor) {
	bsz, seq, c := x.shape[0], x.shape[1], x.shape[2]
	maaGrad := maa.Grad()
	for b := 0; b < bsz; b++ {
		for t := 0; t < seq; t++ {
			base := (b*seq + t) * c
			for i := 0; i < c; i++ {
				g := gradOut.data[base+i]
				prev := 0.0
				if t > 0 {
					prev = x.data[base-c+i]
					gradX.data[base-c+i] += g * maa.data[i]
				}
				cur := x.data[base+i]
				gradX.data[base+i] += g * (1 - maa.data[i])
				maaGrad[i] += g * (prev - cur)
			}
		}
	}
}

// wkvForward runs the recurrence over (B, T, A) inputs and returns the
// outputs and the post-update state at every step.
func wkvForward(r, k, v *Tensor, w, u []float64) (*Tensor, *Tensor) {
	bsz, seq, a := r.shape[0], r.shape[1], r.shape[2]
	y := NewTensor(r.shape...)
	states := NewTensor(r.shape...)

	for b := 0; b < bsz; b++ {
		for c := 0; c < a; c++ {
			s := 0.0
			for t := 0; t < seq; t++ {
				i := (b*seq+t)*a + c
				kv := k.data[i] * v.data[i]
				y.data[i] = r.data[i] * (s + u[c]*kv)
				s = w[c]*s + kv
				states.data[i] = s
			}
		}
	}
	return y, states
}

// wkvBackward walks the recurrence in reverse. It returns the gradients of
// r, k, v and the per-channel gradients of w and u.
func wkvBackward(r, k, v, states *Tensor, w, u []float64, gradY *Tensor) (dr, dk, dv *Tensor, dw, du []float64) {
	bsz, seq, a := r.shape[0], r.shape[1], r.shape[2]
	dr, dk, dv = NewTensor(r.shape...), NewTensor(r.shape...), NewTensor(r.shape...)
	dw, du = make([]float64, a), make([]float64, a)

	for b := 0; b < bsz; b++ {
		for c := 0; c < a; c++ {
			ds := 0.0 // ∂L/∂s[t], carried from t+1
			for t := seq - 1; t >= 0; t-- {
				i := (b*seq+t)*a + c
				prev := 0.0
				if t > 0 {
					prev = states.data[i-a]
				}
				kt, vt := k.data[i], v.data[i]

				// s[t] = w*s[t-1] + k*v
				dk.data[i] += ds * vt
				dv.data[i] += ds * kt
				dw[c] += ds * prev

				// y[t] = r*(s[t-1] + u*k*v)
				gy := gradY.data[i]
				dr.data[i] = gy * (prev + u[c]*kt*vt)
				g := gy * r.data[i]
				du[c] += g * kt * vt
				dk.data[i] += g * u[c] * vt
				dv.data[i] += g * u[c] * kt

				ds = ds*w[c] + g
			}
		}
	}
	return dr, dk, dv, dw, du
}
