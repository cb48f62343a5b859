package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"runtime/debug"

	"gonum.org/v1/gonum/mat"
)

// ErrInit reports a parameter the initializer cannot handle.
var ErrInit = errors.New("init: unsupported parameter")

// InitPlanEntry describes how one parameter will be initialized.
type InitPlanEntry struct {
	Name  string
	Shape []int
	Kind  InitKind
	Gain  float64
	Scale float64 // signed: -lr_init for uniform, 0 for zeros
}

// Value is the layer scale for InitLayerScale entries and gain*scale
// for orthogonal ones.
func (e InitPlanEntry) Value() float64 {
	return e.Gain * e.Scale
}

// PlanInit resolves the init policy of every parameter in registration order.
func PlanInit(ps *ParamSet, cfg *Config) ([]InitPlanEntry, error) {
	plan := make([]InitPlanEntry, 0, ps.Len())
	for _, p := range ps.All() {
		e := InitPlanEntry{Name: p.Name, Shape: p.Tensor.Shape(), Kind: p.Init.Kind, Gain: 1, Scale: 1}

		switch p.Init.Kind {
		case InitKeep:
		case InitLayerScale:
			if p.Layer < 0 {
				return nil, fmt.Errorf("%w: %s has no layer index", ErrInit, p.Name)
			}
			e.Scale = math.Pow(float64(1+p.Layer)/float64(cfg.NLayer), 0.7)
		case InitUniform:
			e.Scale = -cfg.LRInit
		case InitZero:
			e.Scale = 0
		case InitOrthogonal:
			if p.Tensor.Dims() != 2 {
				return nil, fmt.Errorf("%w: %s has shape %v, orthogonal init needs 2 dims", ErrInit, p.Name, p.Tensor.shape)
			}
			rows, cols := p.Tensor.shape[0], p.Tensor.shape[1]
			if rows > cols {
				e.Gain = math.Sqrt(float64(rows) / float64(cols))
			}
			e.Scale = p.Init.Scale
		default:
			return nil, fmt.Errorf("%w: %s has init kind %v", ErrInit, p.Name, p.Init.Kind)
		}

		if p.Init.Kind != InitKeep && p.Init.Kind != InitLayerScale && p.Tensor.Dims() > 2 {
			return nil, fmt.Errorf("%w: %s has %d dims", ErrInit, p.Name, p.Tensor.Dims())
		}
		plan = append(plan, e)
	}
	return plan, nil
}

// GenerateInitWeights builds a fresh state dict for the parameters of ps,
// cast to cfg.Precision. The parameters themselves are not modified.
func GenerateInitWeights(ps *ParamSet, cfg *Config, rng *rand.Rand) (*StateDict, error) {
	plan, err := PlanInit(ps, cfg)
	if err != nil {
		return nil, err
	}

	sd := NewStateDict()
	for _, e := range plan {
		p, _ := ps.Get(e.Name)

		var t *Tensor
		switch e.Kind {
		case InitKeep:
			t = p.Tensor
		case InitLayerScale:
			t = NewTensorFull(e.Scale, e.Shape...)
		case InitUniform:
			t = NewTensor(e.Shape...)
			bound := -e.Scale
			for i := range t.data {
				t.data[i] = bound * (2*rng.Float64() - 1)
			}
		case InitZero:
			t = NewTensor(e.Shape...)
		case InitOrthogonal:
			t = orthogonal(rng, e.Shape[0], e.Shape[1], e.Value())
		}

		slog.Debug("init", "name", e.Name, "shape", e.Shape, "kind", e.Kind, "scale", e.Scale)
		sd.Set(e.Name, CastTensor(t, cfg.Precision))
	}

	runtime.GC()
	debug.FreeOSMemory()
	return sd, nil
}

// orthogonal returns a (rows, cols) matrix with orthonormal rows or columns
// (whichever are fewer), scaled by gain.
//
// A Gaussian matrix is QR-factorized in its tall orientation and the thin Q
// is sign-corrected by diag(R), which makes the result uniformly
// distributed over orthogonal matrices.
func orthogonal(rng *rand.Rand, rows, cols int, gain float64) *Tensor {
	m, n := rows, cols
	if rows < cols {
		m, n = cols, rows
	}

	a := mat.NewDense(m, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, rng.NormFloat64())
		}
	}

	var qr mat.QR
	qr.Factorize(a)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	out := NewTensor(rows, cols)
	for j := 0; j < n; j++ {
		sign := 1.0
		if r.At(j, j) < 0 {
			sign = -1
		}
		for i := 0; i < m; i++ {
			v := q.At(i, j) * sign * gain
			if rows < cols {
				out.Set(v, j, i)
			} else {
				out.Set(v, i, j)
			}
		}
	}
	return out
}
