package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// RECOMMENDED READING:
//
// Deep Learning Foundations:
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 2: Linear Algebra - tensor operations
//   Chapter 6: Deep Feedforward Networks - backpropagation
//
// Numerical Computing:
// - "Numerical Linear Algebra" by Trefethen & Bau (1997)
//   Explains stability, conditioning of matrix operations

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// The gradient buffer is allocated lazily: activations never pay for it,
// parameters get one the first time a gradient is accumulated.
//
// Tensor is not safe for concurrent use. Synchronization must be
// handled by the caller if needed.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [batch, seq_len, features, etc.]
	grad  []float64 // Gradient for backpropagation (nil until used)
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors are programmer bugs, not runtime conditions that should be
// handled gracefully.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		data:  make([]float64, shapeSize(shape)),
		shape: append([]int(nil), shape...),
	}
}

// NewTensorFrom wraps data in a tensor of the given shape. The slice is
// used directly, not copied.
func NewTensorFrom(data []float64, shape ...int) *Tensor {
	if size := shapeSize(shape); size != len(data) {
		panic(fmt.Errorf("%w: %d values do not fit shape %v (size %d)", ErrShapeMismatch, len(data), shape, size))
	}
	return &Tensor{
		data:  data,
		shape: append([]int(nil), shape...),
	}
}

// NewTensorRand creates a tensor with values from N(0, 0.02²).
// Construction-time default; GenerateInitWeights replaces these values.
func NewTensorRand(rng *rand.Rand, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = 0.02 * rng.NormFloat64()
	}
	return t
}

// NewTensorFull creates a tensor filled with v.
func NewTensorFull(v float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

func shapeSize(shape []int) int {
	if len(shape) == 0 {
		panic(fmt.Errorf("%w: empty shape", ErrInvalidShape))
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Errorf("%w: shape[%d] must be positive, got %d", ErrInvalidShape, i, dim))
		}
		size *= dim
	}
	return size
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data returns the underlying row-major storage.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad returns the gradient buffer, allocating it if needed.
func (t *Tensor) Grad() []float64 {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	return t.grad
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Errorf("%w: expected %d indices, got %d", ErrInvalidShape, len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Errorf("%w: index[%d]=%d out of bounds [0,%d)", ErrInvalidShape, i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// AccumulateGrad adds g element-wise to the gradient buffer.
func (t *Tensor) AccumulateGrad(g *Tensor) {
	if len(g.data) != len(t.data) {
		panic(fmt.Errorf("%w: cannot accumulate gradient %v into %v", ErrShapeMismatch, g.shape, t.shape))
	}
	floats.Add(t.Grad(), g.data)
}

// Clone creates a deep copy of the tensor's values. The gradient is not copied.
func (t *Tensor) Clone() *Tensor {
	return NewTensorFrom(append([]float64(nil), t.data...), t.shape...)
}

// Reshape returns a view of the tensor with a different shape.
// The returned tensor shares the underlying data, and the gradient buffer if
// one has been allocated.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	if size := shapeSize(newShape); size != len(t.data) {
		panic(fmt.Errorf("%w: cannot reshape size %d to %v (size %d)", ErrShapeMismatch, len(t.data), newShape, size))
	}
	return &Tensor{
		data:  t.data,
		shape: append([]int(nil), newShape...),
		grad:  t.grad,
	}
}

// Rows returns a 2-D view (N, lastDim) of the tensor's values.
// The view carries no gradient buffer.
func (t *Tensor) Rows() *Tensor {
	last := t.shape[len(t.shape)-1]
	return &Tensor{data: t.data, shape: []int{len(t.data) / last, last}}
}

// Squeezed returns the number of dimensions larger than one.
func (t *Tensor) Squeezed() int {
	n := 0
	for _, d := range t.shape {
		if d > 1 {
			n++
		}
	}
	return n
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// dense views a 2-D tensor as a gonum matrix sharing storage.
func (t *Tensor) dense() *mat.Dense {
	if len(t.shape) != 2 {
		panic(fmt.Errorf("%w: expected 2D tensor, got %v", ErrInvalidShape, t.shape))
	}
	return mat.NewDense(t.shape[0], t.shape[1], t.data)
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Errorf("%w: cannot add shapes %v and %v", ErrShapeMismatch, a.shape, b.shape))
	}
	out := NewTensor(a.shape...)
	floats.AddTo(out.data, a.data, b.data)
	return out
}

// Mul performs element-wise multiplication: out = a * b (Hadamard product).
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Errorf("%w: cannot multiply shapes %v and %v", ErrShapeMismatch, a.shape, b.shape))
	}
	out := NewTensor(a.shape...)
	floats.MulTo(out.data, a.data, b.data)
	return out
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
func MatMul(a, b *Tensor) *Tensor {
	if a.shape[1] != b.shape[0] {
		panic(fmt.Errorf("%w: incompatible dimensions for matmul %v @ %v", ErrShapeMismatch, a.shape, b.shape))
	}
	out := NewTensor(a.shape[0], b.shape[1])
	out.dense().Mul(a.dense(), b.dense())
	return out
}

// MatMulTransB computes C = A @ B^T. This is the Linear layer product
// with weights stored as (out, in).
func MatMulTransB(a, b *Tensor) *Tensor {
	if a.shape[1] != b.shape[1] {
		panic(fmt.Errorf("%w: incompatible dimensions for matmul %v @ %v^T", ErrShapeMismatch, a.shape, b.shape))
	}
	out := NewTensor(a.shape[0], b.shape[0])
	out.dense().Mul(a.dense(), b.dense().T())
	return out
}

// MatMulTransA computes C = A^T @ B. Used for weight gradients.
func MatMulTransA(a, b *Tensor) *Tensor {
	if a.shape[0] != b.shape[0] {
		panic(fmt.Errorf("%w: incompatible dimensions for matmul %v^T @ %v", ErrShapeMismatch, a.shape, b.shape))
	}
	out := NewTensor(a.shape[1], b.shape[1])
	out.dense().Mul(a.dense().T(), b.dense())
	return out
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// ReLU applies Rectified Linear Unit: f(x) = max(0, x).
func ReLU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = math.Max(0, v)
	}
	return out
}

// Sigmoid applies the logistic function 1 / (1 + e^-x).
func Sigmoid(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = sigmoid(v)
	}
	return out
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
