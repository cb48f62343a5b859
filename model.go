package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The full model: a multi-modal front end feeding a stack of RWKV blocks.
//
//   signal (S, signal_dim) ──adapter──► (S, n_embd) ─┐
//                                                    ├─ concat ─► x (T, n_embd)
//   tokens (n)             ──emb─────► (n, n_embd) ─┘
//
//   x, v_first=0 ─► block 0 ─► block 1 ─► … ─► ln_out ─► head ─► logits
//
// Signal rows come first, so the first S positions of every sequence are
// continuous features and the rest are token embeddings. Every example in
// a batch must reach the same combined length T; PadBatch guarantees that.
//
// The backward pass walks the checkpoint segments in reverse, then splits
// ∂L/∂x per example: the first S rows go to the adapter, the rest scatter
// into the embedding table.
//
// ===========================================================================

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrShape reports inputs whose shapes the model cannot consume.
	ErrShape = errors.New("model: shape mismatch")

	// ErrUnknownParam reports a checkpoint entry with no matching parameter.
	ErrUnknownParam = errors.New("model: unknown parameter")
)

// Model is the RWKV language model with a signal adapter.
type Model struct {
	Config Config
	Params *ParamSet

	Adapter *Adapter
	Emb     *Embedding
	Blocks  []*Block
	LnOut   *LayerNorm
	Head    *Linear

	Compute    ComputeConfig
	Checkpoint CheckpointMode
}

// ForwardCache holds what Backward needs from one forward pass.
type ForwardCache struct {
	ids      [][]int
	rows     []int
	adapter  []*AdapterCache
	segments []*CheckpointSegment
	hidden   *Tensor // block stack output
	normed   *Tensor // ln_out(hidden)
}

// NewModel validates cfg and builds a model with construction-time values.
// Parameters are registered in state-dict order.
func NewModel(cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	compute, err := cfg.ComputeConfig()
	if err != nil {
		return nil, err
	}

	ps := NewParamSet()
	m := &Model{
		Config:     cfg,
		Params:     ps,
		Compute:    compute,
		Checkpoint: SelectCheckpointMode(&cfg),
	}

	m.Adapter = newAdapter(ps, cfg.SignalDim, cfg.AdapterHidden, cfg.NEmbd, rng)
	m.Emb = newEmbedding(ps, "emb.weight", cfg.VocabSize, cfg.NEmbd, rng)
	m.Blocks = make([]*Block, cfg.NLayer)
	for i := range m.Blocks {
		m.Blocks[i] = NewBlock(ps, &cfg, i, rng)
	}
	m.LnOut = newLayerNorm(ps, "ln_out", cfg.NEmbd)
	m.Head = newLinear(ps, "head", cfg.NEmbd, cfg.VocabSize, false, rng)

	slog.Debug("model built", "config", cfg, "params", ps.Count(), "checkpoint", m.Checkpoint)
	return m, nil
}

// Forward computes logits (B, T, vocab) for a batch. signals may be nil,
// in which case every ids row must have the same length.
func (m *Model) Forward(ids [][]int, signals []*Tensor) (*Tensor, *ForwardCache, error) {
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("%w: empty batch", ErrShape)
	}

	cache := &ForwardCache{ids: ids, rows: make([]int, len(ids))}
	x, err := m.embed(ids, signals, cache)
	if err != nil {
		return nil, nil, err
	}

	bsz, seq := x.shape[0], x.shape[1]
	st := BlockState{X: x, VFirst: NewTensor(bsz, seq, m.Config.DimAtt)}

	cache.segments = make([]*CheckpointSegment, len(m.Blocks))
	for i, block := range m.Blocks {
		st, cache.segments[i] = RunBlock(block, st, m.Checkpoint)
	}

	cache.hidden = st.X
	cache.normed = m.LnOut.Forward(st.X)
	return m.Head.Forward(cache.normed), cache, nil
}

// embed builds the (B, T, n_embd) block input.
func (m *Model) embed(ids [][]int, signals []*Tensor, cache *ForwardCache) (*Tensor, error) {
	c := m.Config.NEmbd

	var projected []*Tensor
	if signals != nil {
		if len(signals) != len(ids) {
			return nil, fmt.Errorf("%w: %d signals for %d sequences", ErrShape, len(signals), len(ids))
		}
		for b, sig := range signals {
			if sig == nil || sig.Dims() != 2 || sig.shape[1] != m.Config.SignalDim {
				return nil, fmt.Errorf("%w: signal %d must be (rows, %d)", ErrShape, b, m.Config.SignalDim)
			}
			cache.rows[b] = sig.shape[0]
		}

		projected = make([]*Tensor, len(signals))
		cache.adapter = make([]*AdapterCache, len(signals))

		var g errgroup.Group
		g.SetLimit(m.Compute.workersFor(len(signals)))
		for b, sig := range signals {
			g.Go(func() error {
				projected[b], cache.adapter[b] = m.Adapter.Forward(sig)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	seq := cache.rows[0] + len(ids[0])
	for b := range ids {
		if n := cache.rows[b] + len(ids[b]); n != seq {
			return nil, fmt.Errorf("%w: sequence %d has length %d, expected %d", ErrShape, b, n, seq)
		}
		for _, id := range ids[b] {
			if id < 0 || id >= m.Config.VocabSize {
				return nil, fmt.Errorf("%w: token %d outside vocabulary of %d", ErrShape, id, m.Config.VocabSize)
			}
		}
	}
	if seq == 0 {
		return nil, fmt.Errorf("%w: empty sequences", ErrShape)
	}

	x := NewTensor(len(ids), seq, c)
	for b := range ids {
		dst := x.data[b*seq*c : (b+1)*seq*c]
		rows := cache.rows[b]
		if rows > 0 {
			copy(dst[:rows*c], projected[b].data)
		}
		if len(ids[b]) > 0 {
			copy(dst[rows*c:], m.Emb.Forward(ids[b]).data)
		}
	}
	return x, nil
}

// Backward backpropagates ∂L/∂logits through the whole model, accumulating
// parameter gradients. The cache must not be reused afterwards.
func (m *Model) Backward(cache *ForwardCache, gradLogits *Tensor) {
	gradNormed := m.Head.Backward(cache.normed, gradLogits)
	grad := BlockState{X: m.LnOut.Backward(cache.hidden, gradNormed)}

	for i := len(cache.segments) - 1; i >= 0; i-- {
		grad = cache.segments[i].Backward(grad)
		cache.segments[i] = nil
	}

	c := m.Config.NEmbd
	seq := grad.X.shape[1]
	for b, ids := range cache.ids {
		g := grad.X.data[b*seq*c : (b+1)*seq*c]
		rows := cache.rows[b]
		if rows > 0 {
			m.Adapter.Backward(cache.adapter[b], NewTensorFrom(g[:rows*c], rows, c))
		}
		if len(ids) > 0 {
			m.Emb.Backward(ids, g[rows*c:])
		}
	}
}

// SavedBytes reports the activation memory held for backward.
func (cache *ForwardCache) SavedBytes() int {
	n := 0
	for _, seg := range cache.segments {
		if seg != nil {
			n += seg.SavedBytes()
		}
	}
	return n
}

// LoadState copies stored tensors into the matching parameters. Entries with
// no matching parameter fail with ErrUnknownParam; parameters absent from sd
// keep their current values and are returned.
func (m *Model) LoadState(sd *StateDict) ([]string, error) {
	// Check every entry before touching the model so a bad checkpoint
	// leaves it unchanged.
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		p, ok := m.Params.Get(pair.Key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParam, pair.Key)
		}
		if !sameElems(p.Tensor.shape, pair.Value.Shape) {
			return nil, fmt.Errorf("%w: %s has shape %v, checkpoint %v", ErrShape, pair.Key, p.Tensor.shape, pair.Value.Shape)
		}
		if n := len(pair.Value.Data) / pair.Value.Precision.ElemSize(); n != p.Tensor.Size() {
			return nil, fmt.Errorf("%w: %s holds %d values, want %d", ErrShape, pair.Key, n, p.Tensor.Size())
		}
	}

	loaded := make(map[string]bool, sd.Len())
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		p, _ := m.Params.Get(pair.Key)
		copy(p.Tensor.data, unpackFloat32(pair.Value.Float32s()))
		loaded[pair.Key] = true
	}

	var missing []string
	for _, p := range m.Params.All() {
		if !loaded[p.Name] {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		slog.Warn("parameters not in checkpoint", "count", len(missing))
	}
	return missing, nil
}

// StateDict casts the current parameter values to p.
func (m *Model) StateDict(p Precision) *StateDict {
	sd := NewStateDict()
	for _, param := range m.Params.All() {
		sd.Set(param.Name, CastTensor(param.Tensor, p))
	}
	return sd
}

// sameElems compares shapes ignoring size-1 dimensions, so a (C) checkpoint
// entry loads into a (1, 1, C) parameter.
func sameElems(a, b []int) bool {
	squeeze := func(s []int) []int {
		var out []int
		for _, d := range s {
			if d != 1 {
				out = append(out, d)
			}
		}
		return out
	}
	return shapeEqual(squeeze(a), squeeze(b))
}
