package main

// ===========================================================================
// WHAT'S GOING ON HERE: Gradient Checkpointing
// ===========================================================================
//
// The backward pass of a block needs its activations (token-shifted inputs,
// r/k/v, the WKV states, the ChannelMix hidden layer). For a stack of L
// blocks that is O(L × B × T × dim_ffn) memory. Checkpointing keeps only
// the block inputs and reruns the block forward when backprop reaches it.
//
// Every block is a checkpoint boundary, so the trade is one extra forward
// per block for dropping all intra-block activations.
//
// THREE MODES, picked from the training flags:
//
//   none       grad_cp == 0. Keep every BlockCache.
//
//   recompute  grad_cp == 1 with state tuning or PEFT. Keep the input
//              BlockState by reference and rerun the block on backward.
//              The recomputed activations are bit-identical.
//
//   offload    grad_cp == 1 otherwise. Copy the input BlockState into
//              float32 host buffers (half the bytes of the float64 live
//              tensors), restore and rerun on backward. Gradients match
//              the other modes to float32 rounding.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Training Deep Nets with Sublinear Memory Cost" by Chen et al. (2016)
//   https://arxiv.org/abs/1604.06174
//
// - "ZeRO-Offload: Democratizing Billion-Scale Model Training"
//   by Ren et al. (2021) - host-memory offload of training state
//
// ===========================================================================

import "fmt"

// CheckpointMode selects how block activations survive until backward.
type CheckpointMode int

const (
	CheckpointNone CheckpointMode = iota
	CheckpointRecompute
	CheckpointOffload
)

func (m CheckpointMode) String() string {
	switch m {
	case CheckpointNone:
		return "none"
	case CheckpointRecompute:
		return "recompute"
	case CheckpointOffload:
		return "offload"
	default:
		return fmt.Sprintf("CheckpointMode(%d)", int(m))
	}
}

// SelectCheckpointMode applies the checkpointing policy to a configuration.
func SelectCheckpointMode(cfg *Config) CheckpointMode {
	if cfg.GradCP != 1 {
		return CheckpointNone
	}
	if cfg.StateTune || cfg.TrainType == "state" || cfg.PEFT != "none" {
		return CheckpointRecompute
	}
	return CheckpointOffload
}

// CheckpointSegment is one block call as seen by backward. Depending on the
// mode it holds the activation cache, the input state, or a float32 copy of
// the input state.
type CheckpointSegment struct {
	Block *Block
	Mode  CheckpointMode

	cache *BlockCache
	input BlockState

	// offload buffers
	packedX, packedV []float32
	shapeX, shapeV   []int
}

// RunBlock executes block on st under the given mode and returns the next
// state with the segment needed to backpropagate through it.
func RunBlock(block *Block, st BlockState, mode CheckpointMode) (BlockState, *CheckpointSegment) {
	seg := &CheckpointSegment{Block: block, Mode: mode}

	switch mode {
	case CheckpointRecompute:
		seg.input = st
	case CheckpointOffload:
		seg.packedX, seg.shapeX = packFloat32(st.X.data), st.X.Shape()
		if st.VFirst != nil {
			seg.packedV, seg.shapeV = packFloat32(st.VFirst.data), st.VFirst.Shape()
		}
	}

	out, cache := block.Forward(st)
	if mode == CheckpointNone {
		seg.cache = cache
	}
	return out, seg
}

// restore rebuilds the input state of an offloaded segment.
func (seg *CheckpointSegment) restore() BlockState {
	st := BlockState{X: NewTensorFrom(unpackFloat32(seg.packedX), seg.shapeX...)}
	if seg.packedV != nil {
		st.VFirst = NewTensorFrom(unpackFloat32(seg.packedV), seg.shapeV...)
	}
	return st
}

// Backward recomputes the block if needed, backpropagates grad through it,
// and releases everything the segment held.
func (seg *CheckpointSegment) Backward(grad BlockState) BlockState {
	cache := seg.cache
	switch seg.Mode {
	case CheckpointRecompute:
		_, cache = seg.Block.Forward(seg.input)
	case CheckpointOffload:
		_, cache = seg.Block.Forward(seg.restore())
	}

	in := seg.Block.Backward(cache, grad)
	seg.clear()
	return in
}

func (seg *CheckpointSegment) clear() {
	seg.cache = nil
	seg.input = BlockState{}
	seg.packedX, seg.packedV = nil, nil
}

// SavedBytes estimates what the segment keeps alive between forward and
// backward, counting float64 tensors at 8 bytes and offload buffers at 4.
func (seg *CheckpointSegment) SavedBytes() int {
	switch seg.Mode {
	case CheckpointRecompute:
		if seg.input.X == nil {
			return 0
		}
		n := seg.input.X.Size()
		if seg.input.VFirst != nil {
			n += seg.input.VFirst.Size()
		}
		return 8 * n
	case CheckpointOffload:
		return 4 * (len(seg.packedX) + len(seg.packedV))
	default:
		if seg.cache == nil {
			return 0
		}
		return 8 * seg.cache.size()
	}
}

// size counts the float64 values held by a block cache. Aliased tensors
// are counted once.
func (c *BlockCache) size() int {
	n := 0
	seen := make(map[*Tensor]bool)
	for _, t := range []*Tensor{
		c.input, c.x, c.a, c.x1, c.f,
		c.att.xr, c.att.xk, c.att.xv, c.att.r, c.att.k, c.att.v0, c.att.v,
		c.att.states, c.att.y, c.att.yn, c.att.h, c.att.g,
		c.ffn.xk, c.ffn.xr, c.ffn.kPre, c.ffn.k, c.ffn.kv, c.ffn.r,
	} {
		if t != nil && !seen[t] {
			seen[t] = true
			n += t.Size()
		}
	}
	return n
}
