package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the backward rules used by the RWKV training graph.
//
// INTENTION:
// Every forward operation in layers.go and block.go has a matching rule here
// (or next to it) that turns ∂L/∂output into ∂L/∂input and accumulates
// ∂L/∂parameter into the parameter's gradient buffer.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Backward: ∂L/∂x = ∂L/∂z · ∂z/∂y · ∂y/∂x
//
// EXAMPLE: Linear layer with weights stored as (out, in)
//
// Forward: Y = X @ W^T
// Backward:
//   - ∂L/∂X = ∂L/∂Y @ W
//   - ∂L/∂W = (∂L/∂Y)^T @ X
//
// There is no tape. Layers keep the activations they need in small cache
// structs and the model walks them in reverse order.
//
// ===========================================================================

import (
	"math"
)

// LinearBackward computes gradients for Y = X @ W^T.
//
//   - gradX = gradY @ W
//   - gradW = gradY^T @ X
func LinearBackward(x, w, gradY *Tensor) (gradX, gradW *Tensor) {
	return MatMul(gradY, w), MatMulTransA(gradY, x)
}

// ReLUBackward computes gradient for ReLU activation.
//
// Derivation:
//   Y[i] = max(0, X[i])
//   ∂L/∂X[i] = ∂L/∂Y[i] * indicator(X[i] > 0)
func ReLUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)
	for i, v := range x.data {
		if v > 0 {
			gradX.data[i] = gradY.data[i]
		}
	}
	return gradX
}

// SigmoidBackward computes the gradient of Y = sigmoid(X) from the output.
//
//   ∂Y/∂X = Y * (1 - Y)
func SigmoidBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i, s := range y.data {
		gradX.data[i] = gradY.data[i] * s * (1 - s)
	}
	return gradX
}

// LayerNormBackward computes gradients for layer normalization over the last
// dimension of x.
//
// LayerNorm: y = gamma * (x - mean) / std + beta
//
// Gradients:
//   - ∂L/∂gamma = Σ ∂L/∂y * x̂
//   - ∂L/∂beta  = Σ ∂L/∂y
//   - ∂L/∂x     = (n*g - Σg - x̂*Σ(g*x̂)) / (n*std), with g = ∂L/∂y * gamma
func LayerNormBackward(x, gamma, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	rows := x.Rows()
	batch, features := rows.shape[0], rows.shape[1]

	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(gamma.shape...)
	gradBeta = NewTensor(gamma.shape...)

	n := float64(features)
	xNorm := make([]float64, features)

	for b := 0; b < batch; b++ {
		in := rows.data[b*features : (b+1)*features]
		gy := gradY.data[b*features : (b+1)*features]

		mean, std := meanStd(in, epsilon)
		for f := range in {
			xNorm[f] = (in[f] - mean) / std
		}

		sumG, sumGXNorm := 0.0, 0.0
		for f := 0; f < features; f++ {
			gradGamma.data[f] += gy[f] * xNorm[f]
			gradBeta.data[f] += gy[f]

			g := gy[f] * gamma.data[f]
			sumG += g
			sumGXNorm += g * xNorm[f]
		}

		out := gradX.data[b*features : (b+1)*features]
		for f := 0; f < features; f++ {
			g := gy[f] * gamma.data[f]
			out[f] = (n*g - sumG - xNorm[f]*sumGXNorm) / (n * std)
		}
	}

	return gradX, gradGamma, gradBeta
}

// meanStd returns the mean and sqrt(variance + eps) of a row.
func meanStd(row []float64, epsilon float64) (float64, float64) {
	mean := 0.0
	for _, v := range row {
		mean += v
	}
	mean /= float64(len(row))

	variance := 0.0
	for _, v := range row {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(row))

	return mean, math.Sqrt(variance + epsilon)
}
