package main

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrEmptyMask is returned when no position in a batch carries loss. The
// caller should skip the optimizer step.
var ErrEmptyMask = errors.New("loss: mask selects no positions")

// l2WrapFactor scales the logit penalty gradient per position.
const l2WrapFactor = 1e-4

// MaskedCrossEntropy computes sum(ce * mask) / sum(mask) over logits viewed
// as (N, vocab), and the gradient of that scalar with respect to the logits.
func MaskedCrossEntropy(logits *Tensor, targets []int, mask []float64) (float64, *Tensor, error) {
	rows := logits.Rows()
	n, vocab := rows.shape[0], rows.shape[1]
	if len(targets) != n || len(mask) != n {
		return 0, nil, fmt.Errorf("%w: %d positions, %d targets, %d mask entries", ErrShape, n, len(targets), len(mask))
	}

	count := floats.Sum(mask)
	if count == 0 {
		return 0, nil, ErrEmptyMask
	}

	grad := NewTensor(logits.shape...)
	total := 0.0
	for i := 0; i < n; i++ {
		if mask[i] == 0 {
			continue
		}
		target := targets[i]
		if target < 0 || target >= vocab {
			return 0, nil, fmt.Errorf("%w: target %d out of range [0,%d)", ErrShape, target, vocab)
		}

		row := rows.data[i*vocab : (i+1)*vocab]
		g := grad.data[i*vocab : (i+1)*vocab]

		maxLogit := floats.Max(row)
		sumExp := 0.0
		for v, x := range row {
			g[v] = math.Exp(x - maxLogit)
			sumExp += g[v]
		}
		total += mask[i] * (maxLogit + math.Log(sumExp) - row[target])

		// ∂/∂logits = (softmax - onehot) * mask / count
		w := mask[i] / count
		floats.Scale(w/sumExp, g)
		g[target] -= w
	}

	return total / count, grad, nil
}

// L2Wrap returns the loss unchanged and the extra logits gradient that
// nudges the largest logit of every position towards zero:
//
//	∂/∂logits[i, argmax_i] += max_i * 1e-4 / (B*T)
//
// logits must be (B, T, vocab).
func L2Wrap(loss float64, logits *Tensor) (float64, *Tensor) {
	if logits.Dims() != 3 {
		panic(fmt.Sprintf("l2wrap: expected (B, T, vocab) logits, got %v", logits.shape))
	}
	factor := l2WrapFactor / float64(logits.shape[0]*logits.shape[1])

	rows := logits.Rows()
	vocab := rows.shape[1]
	grad := NewTensor(logits.shape...)
	for i := 0; i < rows.shape[0]; i++ {
		row := rows.data[i*vocab : (i+1)*vocab]
		j := floats.MaxIdx(row)
		grad.data[i*vocab+j] = row[j] * factor
	}
	return loss, grad
}

// Loss is the result of a training step's forward pass. Backward may be
// called once.
type Loss struct {
	value float64

	model      *Model
	cache      *ForwardCache
	gradCE     *Tensor
	gradL2Wrap *Tensor
	tokens     int
}

// Value returns the masked mean cross-entropy.
func (l *Loss) Value() float64 {
	return l.value
}

// Tokens returns the number of positions that contributed to the loss.
func (l *Loss) Tokens() int {
	return l.tokens
}

// Backward backpropagates the loss through the model. The L2Wrap gradient
// is added unscaled, as it does not depend on the incoming loss gradient.
func (l *Loss) Backward() {
	if l.cache == nil {
		panic("loss: Backward called twice")
	}
	grad := l.gradCE
	floats.Add(grad.data, l.gradL2Wrap.data)
	l.model.Backward(l.cache, grad)
	l.cache, l.gradCE, l.gradL2Wrap = nil, nil, nil
}
