package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyParam(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
		role  ParamRole
		init  InitPolicy
	}{
		{"emb.weight", []int{11, 32}, RoleEmbedding, InitPolicy{Kind: InitUniform}},
		{"head.weight", []int{11, 32}, RoleWeight, InitPolicy{Kind: InitOrthogonal, Scale: 0.5}},
		{"adapter.0.weight", []int{8, 5}, RoleWeight, InitPolicy{Kind: InitOrthogonal, Scale: 1}},
		{"adapter.0.bias", []int{8}, RoleBias, InitPolicy{Kind: InitZero}},
		{"blocks.0.ln0.weight", []int{32}, RoleNormalization, InitPolicy{Kind: InitKeep}},
		{"ln_out.bias", []int{32}, RoleNormalization, InitPolicy{Kind: InitKeep}},
		{"blocks.2.att.ln_x.weight", []int{32}, RoleLayerScale, InitPolicy{Kind: InitLayerScale}},
		{"blocks.2.att.ln_x.bias", []int{32}, RoleNormalization, InitPolicy{Kind: InitKeep}},
		{"blocks.1.att.time_maa_k", []int{1, 1, 32}, RoleTimeMix, InitPolicy{Kind: InitKeep}},
		{"blocks.1.att.time_mix_vfirst", []int{1, 1, 32}, RoleTimeMix, InitPolicy{Kind: InitKeep}},
		{"blocks.1.att.time_decay", []int{32}, RoleTimeDecay, InitPolicy{Kind: InitKeep}},
		{"blocks.1.att.time_faaaa", []int{32}, RoleTimeBias, InitPolicy{Kind: InitKeep}},
		{"blocks.1.att.time_maa_w1", []int{32, 160}, RoleLowRank, InitPolicy{Kind: InitKeep}},
		{"blocks.1.att.v_w1", []int{32, 4}, RoleLowRank, InitPolicy{Kind: InitOrthogonal, Scale: 1}},
		{"blocks.1.att.output.weight", []int{32, 32}, RoleWeight, InitPolicy{Kind: InitZero}},
		{"blocks.1.ffn.value.weight", []int{32, 64}, RoleWeight, InitPolicy{Kind: InitZero}},
		{"blocks.1.ffn.receptance.weight", []int{32, 32}, RoleWeight, InitPolicy{Kind: InitZero}},
		{"blocks.1.ffn.key.weight", []int{64, 32}, RoleWeight, InitPolicy{Kind: InitOrthogonal, Scale: 1}},
		{"", []int{1}, RoleUnknown, InitPolicy{}},
	}
	for _, tt := range tests {
		role, init := classifyParam(tt.name, tt.shape)
		assert.Equal(t, tt.role, role, "%s role", tt.name)
		assert.Equal(t, tt.init, init, "%s init", tt.name)
	}
}

func TestLayerIndex(t *testing.T) {
	assert.Equal(t, 3, layerIndex("blocks.3.att.ln_x.weight"))
	assert.Equal(t, 12, layerIndex("blocks.12.ffn.key.weight"))
	assert.Equal(t, -1, layerIndex("emb.weight"))
	assert.Equal(t, -1, layerIndex("blocks.x.att"))
}

// TestInitLayerScale checks ln_x of block 3 in a 12-layer model starts at
// (4/12)^0.7.
func TestInitLayerScale(t *testing.T) {
	cfg := tinyConfig()
	cfg.NLayer = 12

	ps := NewParamSet()
	ps.Register("blocks.3.att.ln_x.weight", NewTensorFull(1, 32))

	sd, err := GenerateInitWeights(ps, &cfg, newTestRand())
	require.NoError(t, err)

	st, ok := sd.Get("blocks.3.att.ln_x.weight")
	require.True(t, ok)
	want := math.Pow(4.0/12.0, 0.7)
	for _, v := range st.Tensor().Data() {
		assert.InDelta(t, want, v, 1e-6)
	}
}

func TestGenerateInitWeights(t *testing.T) {
	cfg := tinyConfig()
	m := newTinyModel(t, cfg)

	sd, err := GenerateInitWeights(m.Params, &cfg, newTestRand())
	require.NoError(t, err)

	// Same names, same order as the model.
	var names []string
	for _, p := range m.Params.All() {
		names = append(names, p.Name)
	}
	assert.Equal(t, names, sd.Names())

	get := func(name string) *Tensor {
		st, ok := sd.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, PrecisionFP32, st.Precision)
		return st.Tensor()
	}

	// Uniform in [-lr_init, lr_init], not all zero.
	emb := get("emb.weight")
	nonzero := 0
	for _, v := range emb.Data() {
		if math.Abs(v) > cfg.LRInit+1e-9 {
			t.Fatalf("emb value %v outside ±%v", v, cfg.LRInit)
		}
		if v != 0 {
			nonzero++
		}
	}
	assert.Greater(t, nonzero, emb.Size()/2)

	for _, name := range []string{
		"adapter.0.bias",
		"adapter.2.bias",
		"blocks.0.att.output.weight",
		"blocks.1.ffn.value.weight",
		"blocks.1.ffn.receptance.weight",
	} {
		for _, v := range get(name).Data() {
			if v != 0 {
				t.Errorf("%s: expected zeros, got %v", name, v)
				break
			}
		}
	}

	// Preserved values round-trip at fp32.
	p, _ := m.Params.Get("blocks.1.att.time_decay")
	closeSlices(t, p.Tensor.Data(), get("blocks.1.att.time_decay").Data(), 1e-6, 1e-6)

	// Construction values are untouched.
	q, _ := m.Params.Get("blocks.0.att.output.weight")
	assert.NotZero(t, q.Tensor.At(0, 0))
}

func TestGenerateInitWeightsPrecision(t *testing.T) {
	cfg := tinyConfig()
	cfg.Precision = PrecisionBF16
	m := newTinyModel(t, cfg)

	sd, err := GenerateInitWeights(m.Params, &cfg, newTestRand())
	require.NoError(t, err)
	for _, name := range sd.Names() {
		st, _ := sd.Get(name)
		assert.Equal(t, PrecisionBF16, st.Precision, name)
	}
}

func TestPlanInit(t *testing.T) {
	cfg := tinyConfig()
	m := newTinyModel(t, cfg)

	plan, err := PlanInit(m.Params, &cfg)
	require.NoError(t, err)
	require.Len(t, plan, m.Params.Len())

	byName := make(map[string]InitPlanEntry)
	for _, e := range plan {
		byName[e.Name] = e
	}

	// head is (11, 32): fewer rows than columns, no gain.
	assert.Equal(t, 0.5, byName["head.weight"].Value())

	// ffn.key is (64, 32): gain sqrt(2).
	assert.InDelta(t, math.Sqrt(2), byName["blocks.0.ffn.key.weight"].Value(), 1e-12)

	assert.Equal(t, -cfg.LRInit, byName["emb.weight"].Scale)
	assert.Equal(t, InitZero, byName["adapter.0.bias"].Kind)
}

func TestOrthogonal(t *testing.T) {
	rng := newTestRand()
	for _, shape := range [][2]int{{8, 3}, {3, 8}, {6, 6}} {
		rows, cols := shape[0], shape[1]
		gain := 0.5
		w := orthogonal(rng, rows, cols, gain)
		require.Equal(t, []int{rows, cols}, w.Shape())

		// The smaller side is orthonormal up to gain².
		var gram *Tensor
		if rows >= cols {
			gram = MatMulTransA(w, w)
		} else {
			gram = MatMulTransB(w, w)
		}
		n := gram.shape[0]
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				want := 0.0
				if i == j {
					want = gain * gain
				}
				assert.InDelta(t, want, gram.At(i, j), 1e-10, "%v gram[%d,%d]", shape, i, j)
			}
		}
	}
}
