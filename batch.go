package main

import (
	"errors"
	"fmt"
)

// ErrBatch reports a malformed training batch.
var ErrBatch = errors.New("batch: invalid")

// padMultiple is the granularity the combined sequence length is rounded to.
const padMultiple = 16

// Batch is one training step's input: per example a signal of shape
// (modality_len, feature_dim) followed by a token sequence. Signals may be
// nil for a token-only batch.
type Batch struct {
	Signals []*Tensor
	Tokens  [][]int
}

// PaddedBatch is a Batch laid out on a common length.
//
// With S_b signal rows for example b, the model sees S_b signal positions
// followed by len(Inputs[b]) tokens, TargetLen-1 positions in total.
type PaddedBatch struct {
	Signals    []*Tensor
	SignalRows []int
	Inputs     [][]int
	Targets    [][]int     // TargetLen-1 per example
	Mask       [][]float64 // TargetLen-1 per example, 1 where the loss counts
	TargetLen  int
}

// SeqLen is the number of positions the model runs over.
func (pb *PaddedBatch) SeqLen() int {
	return pb.TargetLen - 1
}

// FlatTargets returns the targets of all examples back to back.
func (pb *PaddedBatch) FlatTargets() []int {
	out := make([]int, 0, len(pb.Targets)*pb.SeqLen())
	for _, t := range pb.Targets {
		out = append(out, t...)
	}
	return out
}

// FlatMask returns the mask of all examples back to back.
func (pb *PaddedBatch) FlatMask() []float64 {
	out := make([]float64, 0, len(pb.Mask)*pb.SeqLen())
	for _, m := range pb.Mask {
		out = append(out, m...)
	}
	return out
}

// PaddedLen returns the common length for a batch whose longest combined
// sequence is maxLen: rounded up to a multiple of 16, plus one for the
// shifted target.
func PaddedLen(maxLen int) int {
	return (maxLen+padMultiple-1)/padMultiple*padMultiple + 1
}

// PadBatch right-pads every token sequence so signal plus tokens share one
// length, and builds the shifted targets and the loss mask.
//
// For example b with S signal rows and n tokens, padded to P = TargetLen-S:
//
//	input   padded[0 : P-1]
//	target  y[j] = padded[j-(S-1)], 0 where that index is out of range
//	mask    1 on [S, TargetLen-1-padLen), padLen = TargetLen-(S+n)
func PadBatch(b Batch) (*PaddedBatch, error) {
	if len(b.Tokens) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrBatch)
	}
	if b.Signals != nil && len(b.Signals) != len(b.Tokens) {
		return nil, fmt.Errorf("%w: %d signals for %d token sequences", ErrBatch, len(b.Signals), len(b.Tokens))
	}

	rows := make([]int, len(b.Tokens))
	maxLen := 0
	for i, tokens := range b.Tokens {
		for _, id := range tokens {
			if id < 0 {
				return nil, fmt.Errorf("%w: example %d has negative token id %d", ErrBatch, i, id)
			}
		}
		if b.Signals != nil {
			sig := b.Signals[i]
			if sig == nil || sig.Dims() != 2 {
				return nil, fmt.Errorf("%w: example %d signal must be (rows, features)", ErrBatch, i)
			}
			rows[i] = sig.shape[0]
		}
		maxLen = max(maxLen, len(tokens)+rows[i])
	}

	targetLen := PaddedLen(maxLen)
	pb := &PaddedBatch{
		Signals:    b.Signals,
		SignalRows: rows,
		Inputs:     make([][]int, len(b.Tokens)),
		Targets:    make([][]int, len(b.Tokens)),
		Mask:       make([][]float64, len(b.Tokens)),
		TargetLen:  targetLen,
	}

	for i, tokens := range b.Tokens {
		s := rows[i]
		padLen := targetLen - (len(tokens) + s)
		if padLen < 1 {
			return nil, fmt.Errorf("%w: example %d has pad length %d", ErrBatch, i, padLen)
		}

		padded := make([]int, targetLen-s)
		copy(padded, tokens)

		pb.Inputs[i] = padded[:len(padded)-1]

		target := make([]int, targetLen-1)
		for j := range target {
			if k := j - (s - 1); k >= 0 && k < len(padded) {
				target[j] = padded[k]
			}
		}
		pb.Targets[i] = target

		mask := make([]float64, targetLen-1)
		for j := s; j < targetLen-1-padLen; j++ {
			mask[j] = 1
		}
		pb.Mask[i] = mask
	}

	return pb, nil
}
