package main

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestTensorBasics tests basic tensor creation and access.
func TestTensorBasics(t *testing.T) {
	tensor := NewTensor(2, 3)

	if diff := cmp.Diff([]int{2, 3}, tensor.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if tensor.Size() != 6 {
		t.Errorf("expected size 6, got %d", tensor.Size())
	}

	tensor.Set(1.5, 0, 0)
	tensor.Set(2.5, 1, 2)

	if v := tensor.At(0, 0); v != 1.5 {
		t.Errorf("expected 1.5, got %f", v)
	}
	if v := tensor.At(1, 2); v != 2.5 {
		t.Errorf("expected 2.5, got %f", v)
	}
}

// TestMatMul tests matrix multiplication.
func TestMatMul(t *testing.T) {
	a := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 3, 2)

	// C[0,0] = 1*1 + 2*3 + 3*5 = 22
	// C[0,1] = 1*2 + 2*4 + 3*6 = 28
	// C[1,0] = 4*1 + 5*3 + 6*5 = 49
	// C[1,1] = 4*2 + 5*4 + 6*6 = 64
	c := MatMul(a, b)
	if diff := cmp.Diff([]float64{22, 28, 49, 64}, c.Data()); diff != "" {
		t.Errorf("A@B mismatch (-want +got):\n%s", diff)
	}

	aT := NewTensorFrom([]float64{1, 4, 2, 5, 3, 6}, 3, 2)
	bT := NewTensorFrom([]float64{1, 3, 5, 2, 4, 6}, 2, 3)
	if diff := cmp.Diff(c.Data(), MatMulTransB(a, bT).Data()); diff != "" {
		t.Errorf("A@B^T mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(c.Data(), MatMulTransA(aT, b).Data()); diff != "" {
		t.Errorf("A^T@B mismatch (-want +got):\n%s", diff)
	}
}

func TestTensorReshapeSharesData(t *testing.T) {
	a := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	b := a.Reshape(3, 2)
	b.Set(9, 2, 1)
	if a.At(0, 1, 2) != 9 {
		t.Errorf("reshape should share storage")
	}
	if a.grad != nil || b.grad != nil {
		t.Errorf("reshape must not allocate gradients")
	}

	rows := a.Rows()
	if diff := cmp.Diff([]int{2, 3}, rows.Shape()); diff != "" {
		t.Errorf("rows shape (-want +got):\n%s", diff)
	}
}

func TestTensorSqueezed(t *testing.T) {
	tests := []struct {
		shape []int
		want  int
	}{
		{[]int{1, 1, 32}, 1},
		{[]int{32}, 1},
		{[]int{64, 32}, 2},
		{[]int{1, 64, 1, 32}, 2},
		{[]int{1}, 0},
	}
	for _, tt := range tests {
		if got := NewTensor(tt.shape...).Squeezed(); got != tt.want {
			t.Errorf("Squeezed(%v) = %d, want %d", tt.shape, got, tt.want)
		}
	}
}

func TestAccumulateGrad(t *testing.T) {
	p := NewTensor(3)
	p.AccumulateGrad(NewTensorFrom([]float64{1, 2, 3}, 3))
	p.AccumulateGrad(NewTensorFrom([]float64{1, 1, 1}, 3))
	if diff := cmp.Diff([]float64{2, 3, 4}, p.Grad()); diff != "" {
		t.Errorf("grad (-want +got):\n%s", diff)
	}

	p.ZeroGrad()
	if diff := cmp.Diff([]float64{0, 0, 0}, p.Grad()); diff != "" {
		t.Errorf("zeroed grad (-want +got):\n%s", diff)
	}
}

// shapePanic runs fn and returns the error it panics with.
func shapePanic(t *testing.T, fn func()) (err error) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected a panic")
		}
		var ok bool
		if err, ok = r.(error); !ok {
			t.Fatalf("panic value %v is not an error", r)
		}
	}()
	fn()
	return nil
}

func TestTensorShapeErrors(t *testing.T) {
	a := NewTensor(2, 3)
	tests := []struct {
		name string
		fn   func()
		want error
	}{
		{"matmul", func() { MatMul(a, a) }, ErrShapeMismatch},
		{"matmul trans b", func() { MatMulTransB(a, NewTensor(3, 2)) }, ErrShapeMismatch},
		{"matmul trans a", func() { MatMulTransA(a, NewTensor(3, 2)) }, ErrShapeMismatch},
		{"add", func() { Add(a, NewTensor(3, 2)) }, ErrShapeMismatch},
		{"mul", func() { Mul(a, NewTensor(6)) }, ErrShapeMismatch},
		{"reshape", func() { a.Reshape(4, 2) }, ErrShapeMismatch},
		{"accumulate", func() { a.AccumulateGrad(NewTensor(5)) }, ErrShapeMismatch},
		{"wrap", func() { NewTensorFrom(make([]float64, 5), 2, 3) }, ErrShapeMismatch},
		{"empty shape", func() { NewTensor() }, ErrInvalidShape},
		{"zero dim", func() { NewTensor(2, 0) }, ErrInvalidShape},
		{"index", func() { a.At(2, 0) }, ErrInvalidShape},
		{"not 2d", func() { MatMul(NewTensor(1, 2, 3), a) }, ErrInvalidShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := shapePanic(t, tt.fn); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}
