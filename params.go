package main

import (
	"fmt"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ParamRole is the structural role of a parameter. It is assigned once, when
// the model registers the parameter, and drives both optimizer grouping and
// weight initialization.
type ParamRole int

const (
	RoleUnknown ParamRole = iota
	RoleWeight
	RoleBias
	RoleEmbedding
	RoleNormalization
	RoleLayerScale
	RoleTimeMix
	RoleTimeDecay
	RoleTimeFirst
	RoleTimeBias
	RoleTimeOther
	RoleLowRank
	RoleMask
)

var roleNames = map[ParamRole]string{
	RoleUnknown:       "unknown",
	RoleWeight:        "weight",
	RoleBias:          "bias",
	RoleEmbedding:     "embedding",
	RoleNormalization: "norm",
	RoleLayerScale:    "layer-scale",
	RoleTimeMix:       "time-mix",
	RoleTimeDecay:     "time-decay",
	RoleTimeFirst:     "time-first",
	RoleTimeBias:      "time-bias",
	RoleTimeOther:     "time",
	RoleLowRank:       "low-rank",
	RoleMask:          "mask",
}

func (r ParamRole) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("ParamRole(%d)", int(r))
}

// InitKind selects how GenerateInitWeights fills a parameter.
type InitKind int

const (
	InitKeep       InitKind = iota // copy the constructed value
	InitLayerScale                 // ((1+layer)/n_layer)^0.7, broadcast
	InitUniform                    // U(-lr_init, lr_init)
	InitZero
	InitOrthogonal
)

func (k InitKind) String() string {
	switch k {
	case InitKeep:
		return "keep"
	case InitLayerScale:
		return "layer-scale"
	case InitUniform:
		return "uniform"
	case InitZero:
		return "zero"
	case InitOrthogonal:
		return "orthogonal"
	default:
		return fmt.Sprintf("InitKind(%d)", int(k))
	}
}

// InitPolicy is the init tag of a parameter. Scale is the multiplier applied
// to the orthogonal gain; it is unused by the other kinds.
type InitPolicy struct {
	Kind  InitKind
	Scale float64
}

// Param is a named trainable tensor with its classification.
type Param struct {
	Name      string
	Tensor    *Tensor
	Role      ParamRole
	Init      InitPolicy
	Layer     int // block index, -1 outside the block stack
	Trainable bool
}

// name fragments whose weights start at zero
var zeroInitMarkers = []string{
	".att.output.", ".ffn.value.", ".ffn.receptance.",
	".ffnPre.value.", ".ffnPre.receptance.",
	"head_q.", ".oo.", ".rr.",
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// classifyParam derives the role and init policy of a parameter from its
// fully qualified name and shape. This is the only place names are parsed.
func classifyParam(name string, shape []int) (ParamRole, InitPolicy) {
	if name == "" || len(shape) == 0 {
		return RoleUnknown, InitPolicy{}
	}

	var role ParamRole
	switch {
	case containsAny(name, "_w1", "_w2"):
		role = RoleLowRank
	case containsAny(name, "time_mix", "time_maa"):
		role = RoleTimeMix
	case containsAny(name, "time_decay", "time_daaaa"):
		role = RoleTimeDecay
	case strings.Contains(name, "time_faaaa"):
		role = RoleTimeBias
	case strings.Contains(name, "time_first"):
		role = RoleTimeFirst
	case strings.Contains(name, "time_"):
		role = RoleTimeOther
	case strings.Contains(name, "ln_x.weight"):
		role = RoleLayerScale
	case containsAny(name, "ln_", ".ln"):
		role = RoleNormalization
	case containsAny(name, "_mask", ".mask.", "pos_emb"):
		role = RoleMask
	case name == "emb.weight":
		role = RoleEmbedding
	case len(shape) >= 2:
		role = RoleWeight
	default:
		role = RoleBias
	}

	// Init looks at preserved names first, so a low-rank time_maa_w1 keeps
	// its constructed value while still being grouped as low-rank.
	if containsAny(name, "ln_", ".ln", "time_", "_mask", "pos_emb", ".mask.") {
		if strings.Contains(name, "ln_x.weight") {
			return role, InitPolicy{Kind: InitLayerScale}
		}
		return role, InitPolicy{Kind: InitKeep}
	}
	if name == "emb.weight" {
		return role, InitPolicy{Kind: InitUniform}
	}
	if len(shape) < 2 {
		return role, InitPolicy{Kind: InitZero}
	}

	scale := 1.0
	if containsAny(name, zeroInitMarkers...) {
		scale = 0
	}
	switch {
	case name == "head.weight":
		scale = 0.5
	case strings.Contains(name, "head_k."):
		scale = 0.1
	case strings.Contains(name, "head_q."):
		scale = 0
	}
	if scale == 0 {
		return role, InitPolicy{Kind: InitZero}
	}
	return role, InitPolicy{Kind: InitOrthogonal, Scale: scale}
}

// layerIndex extracts i from names of the form "blocks.<i>.…".
func layerIndex(name string) int {
	rest, ok := strings.CutPrefix(name, "blocks.")
	if !ok {
		return -1
	}
	idx, _, ok := strings.Cut(rest, ".")
	if !ok {
		return -1
	}
	i, err := strconv.Atoi(idx)
	if err != nil {
		return -1
	}
	return i
}

// ParamSet is the model's named parameter registry, kept in registration
// order like a PyTorch state dict.
type ParamSet struct {
	params *orderedmap.OrderedMap[string, *Param]
}

// NewParamSet returns an empty registry.
func NewParamSet() *ParamSet {
	return &ParamSet{params: orderedmap.New[string, *Param]()}
}

// Register classifies and adds a tensor under name. Registering the same
// name twice is a programmer error and panics.
func (ps *ParamSet) Register(name string, t *Tensor) *Tensor {
	role, init := classifyParam(name, t.shape)
	p := &Param{
		Name:      name,
		Tensor:    t,
		Role:      role,
		Init:      init,
		Layer:     layerIndex(name),
		Trainable: true,
	}
	if _, present := ps.params.Set(name, p); present {
		panic(fmt.Sprintf("params: %q registered twice", name))
	}
	return t
}

// Get returns the parameter registered under name.
func (ps *ParamSet) Get(name string) (*Param, bool) {
	return ps.params.Get(name)
}

// Len returns the number of registered parameters.
func (ps *ParamSet) Len() int {
	return ps.params.Len()
}

// All returns every parameter in registration order.
func (ps *ParamSet) All() []*Param {
	out := make([]*Param, 0, ps.params.Len())
	for pair := ps.params.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Trainable returns the parameters that receive gradient updates.
func (ps *ParamSet) Trainable() []*Param {
	var out []*Param
	for pair := ps.params.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Trainable {
			out = append(out, pair.Value)
		}
	}
	return out
}

// SetTrainable marks every parameter matched by fn as trainable or frozen.
func (ps *ParamSet) SetTrainable(fn func(*Param) bool, trainable bool) {
	for pair := ps.params.Oldest(); pair != nil; pair = pair.Next() {
		if fn(pair.Value) {
			pair.Value.Trainable = trainable
		}
	}
}

// ZeroGrad clears every parameter gradient.
func (ps *ParamSet) ZeroGrad() {
	for pair := ps.params.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.Tensor.ZeroGrad()
	}
}

// Count returns the total number of scalar parameters.
func (ps *ParamSet) Count() int {
	n := 0
	for pair := ps.params.Oldest(); pair != nil; pair = pair.Next() {
		n += pair.Value.Tensor.Size()
	}
	return n
}
