package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Parameter grouping and the Adam family of optimizers.
//
// LAYERWISE LEARNING RATES:
// The recurrence parameters want larger steps than the projections. With
// layerwise_lr > 0 every trainable parameter lands in exactly one bucket,
// decided by its role tag:
//
//   role          stage 1   stage 2
//   low-rank      1x        1x
//   time-mix      1x        2x
//   time-decay    2x        3x
//   time-bias     1x        2x
//   time-first    3x        3x
//   matrices      decay (when weight_decay > 0)
//   everything    1x
//
// Bucket multipliers are {1, 2, 3}, or {1, 5, 5} at stage 2. The decay
// bucket runs at 1x with the configured weight decay.
//
// ADAM:
// Update rule with bias correction:
//   m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//   v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//   m_hat = m_t / (1 - beta1^t)
//   v_hat = v_t / (1 - beta2^t)
//   param -= lr * m_hat / (sqrt(v_hat) + epsilon)
//
// AdamW applies weight decay directly to the parameter (param -= lr*wd*param)
// instead of folding it into the gradient. It is only enabled when a decay
// group exists.
//
// Two backends share the rule:
//   FusedAdam    float64 moments, groups stepped concurrently
//   OffloadAdam  float32 moments, groups stepped one after another
//
// ===========================================================================

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/emirpasic/gods/v2/sets/treeset"
	"golang.org/x/sync/errgroup"
)

// ErrUngroupedParam reports a trainable parameter no grouping rule covers.
var ErrUngroupedParam = errors.New("optimizer: parameter has no group")

// ParamGroup is a set of parameters sharing weight decay and LR scale.
type ParamGroup struct {
	Name        string
	Params      []*Param
	WeightDecay float64
	LRScale     float64
}

// Names returns the parameter names in the group.
func (g ParamGroup) Names() []string {
	names := make([]string, len(g.Params))
	for i, p := range g.Params {
		names[i] = p.Name
	}
	return names
}

// groupBucket is the raw bucket a parameter is assigned to.
type groupBucket int

const (
	bucket1x groupBucket = iota
	bucket2x
	bucket3x
	bucketDecay
)

// assignBucket applies the grouping rules to one parameter.
func assignBucket(p *Param, cfg *Config) (groupBucket, error) {
	if p.Role == RoleUnknown {
		return 0, fmt.Errorf("%w: %s", ErrUngroupedParam, p.Name)
	}

	layerwise := cfg.LayerwiseLR > 0
	stage2 := cfg.MyPileStage == 2

	switch {
	case layerwise && p.Role == RoleLowRank:
		return bucket1x, nil
	case layerwise && p.Role == RoleTimeMix:
		if stage2 {
			return bucket2x, nil
		}
		return bucket1x, nil
	case layerwise && p.Role == RoleTimeDecay:
		if stage2 {
			return bucket3x, nil
		}
		return bucket2x, nil
	case layerwise && p.Role == RoleTimeBias:
		if stage2 {
			return bucket2x, nil
		}
		return bucket1x, nil
	case layerwise && p.Role == RoleTimeFirst:
		return bucket3x, nil
	case p.Tensor.Squeezed() >= 2 && cfg.WeightDecay > 0:
		return bucketDecay, nil
	default:
		return bucket1x, nil
	}
}

// BuildParamGroups partitions the trainable parameters of ps. Names within a
// group are sorted.
func BuildParamGroups(ps *ParamSet, cfg *Config) ([]ParamGroup, error) {
	buckets := make([]*treeset.Set[string], 4)
	for i := range buckets {
		buckets[i] = treeset.New[string]()
	}

	for _, p := range ps.Trainable() {
		b, err := assignBucket(p, cfg)
		if err != nil {
			return nil, err
		}
		buckets[b].Add(p.Name)
	}

	params := func(b groupBucket) []*Param {
		var out []*Param
		for _, name := range buckets[b].Values() {
			p, _ := ps.Get(name)
			out = append(out, p)
		}
		return out
	}

	var groups []ParamGroup
	if cfg.LayerwiseLR > 0 {
		scale2, scale3 := 2.0, 3.0
		if cfg.MyPileStage == 2 {
			scale2, scale3 = 5.0, 5.0
		}
		groups = []ParamGroup{
			{Name: "1x", Params: params(bucket1x), LRScale: 1},
			{Name: "2x", Params: params(bucket2x), LRScale: scale2},
			{Name: "3x", Params: params(bucket3x), LRScale: scale3},
		}
	} else {
		groups = []ParamGroup{{Name: "1x", Params: params(bucket1x), LRScale: 1}}
	}

	if cfg.WeightDecay > 0 {
		groups = append(groups, ParamGroup{
			Name:        "decay",
			Params:      params(bucketDecay),
			WeightDecay: cfg.WeightDecay,
			LRScale:     1,
		})
	}
	return groups, nil
}

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	// Step applies one update at base learning rate lr. Each group runs at
	// lr * LRScale.
	Step(lr float64) error

	Groups() []ParamGroup
	Name() string
}

// AdamConfig holds the hyperparameters shared by the Adam backends.
type AdamConfig struct {
	Beta1, Beta2 float64
	Epsilon      float64
	AdamW        bool // decoupled weight decay
}

// NewOptimizer groups the trainable parameters of ps and picks the backend.
func NewOptimizer(ps *ParamSet, cfg *Config) (Optimizer, error) {
	groups, err := BuildParamGroups(ps, cfg)
	if err != nil {
		return nil, err
	}

	ac := AdamConfig{
		Beta1:   cfg.Betas[0],
		Beta2:   cfg.Betas[1],
		Epsilon: cfg.AdamEps,
		AdamW:   cfg.WeightDecay > 0,
	}
	if !ac.AdamW {
		for i := range groups {
			groups[i].WeightDecay = 0
		}
	}

	var opt Optimizer
	if cfg.OffloadOptimizer || cfg.OffloadParam {
		opt = NewOffloadAdam(groups, ac)
	} else {
		opt = NewFusedAdam(groups, ac)
	}

	for _, g := range groups {
		slog.Debug("param group", "optimizer", opt.Name(), "group", g.Name, "params", len(g.Params), "lr_scale", g.LRScale, "weight_decay", g.WeightDecay)
	}
	return opt, nil
}

// FusedAdam keeps float64 moments and steps groups concurrently.
type FusedAdam struct {
	cfg    AdamConfig
	groups []ParamGroup
	m, v   [][][]float64 // [group][param][element]
	t      int
}

// NewFusedAdam allocates moment buffers for every parameter in groups.
func NewFusedAdam(groups []ParamGroup, cfg AdamConfig) *FusedAdam {
	opt := &FusedAdam{cfg: cfg, groups: groups}
	opt.m, opt.v = allocMoments[float64](groups), allocMoments[float64](groups)
	return opt
}

func (opt *FusedAdam) Name() string          { return "FusedAdam" }
func (opt *FusedAdam) Groups() []ParamGroup { return opt.groups }

// Step performs one Adam update across all groups in parallel. Groups never
// share parameters, so there is no contention.
func (opt *FusedAdam) Step(lr float64) error {
	opt.t++
	step := newAdamStep(opt.cfg, opt.t)

	var g errgroup.Group
	for gi, group := range opt.groups {
		g.Go(func() error {
			for pi, p := range group.Params {
				adamUpdate(step, p.Tensor, opt.m[gi][pi], opt.v[gi][pi], lr*group.LRScale, group.WeightDecay)
			}
			return nil
		})
	}
	return g.Wait()
}

// OffloadAdam keeps float32 moments in host buffers and steps sequentially.
type OffloadAdam struct {
	cfg    AdamConfig
	groups []ParamGroup
	m, v   [][][]float32
	t      int
}

// NewOffloadAdam allocates float32 moment buffers for every parameter.
func NewOffloadAdam(groups []ParamGroup, cfg AdamConfig) *OffloadAdam {
	opt := &OffloadAdam{cfg: cfg, groups: groups}
	opt.m, opt.v = allocMoments[float32](groups), allocMoments[float32](groups)
	return opt
}

func (opt *OffloadAdam) Name() string          { return "OffloadAdam" }
func (opt *OffloadAdam) Groups() []ParamGroup { return opt.groups }

// Step performs one Adam update, one group at a time.
func (opt *OffloadAdam) Step(lr float64) error {
	opt.t++
	step := newAdamStep(opt.cfg, opt.t)
	for gi, group := range opt.groups {
		for pi, p := range group.Params {
			adamUpdate(step, p.Tensor, opt.m[gi][pi], opt.v[gi][pi], lr*group.LRScale, group.WeightDecay)
		}
	}
	return nil
}

func allocMoments[F float32 | float64](groups []ParamGroup) [][][]F {
	out := make([][][]F, len(groups))
	for gi, g := range groups {
		out[gi] = make([][]F, len(g.Params))
		for pi, p := range g.Params {
			out[gi][pi] = make([]F, p.Tensor.Size())
		}
	}
	return out
}

// adamStep carries the per-step constants.
type adamStep struct {
	AdamConfig
	bias1, bias2 float64
}

func newAdamStep(cfg AdamConfig, t int) adamStep {
	return adamStep{
		AdamConfig: cfg,
		bias1:      1 - math.Pow(cfg.Beta1, float64(t)),
		bias2:      1 - math.Pow(cfg.Beta2, float64(t)),
	}
}

// adamUpdate applies one bias-corrected Adam update to p.
func adamUpdate[F float32 | float64](s adamStep, p *Tensor, m, v []F, lr, weightDecay float64) {
	grad := p.Grad()
	for i := range p.data {
		g := grad[i]
		if weightDecay != 0 {
			if s.AdamW {
				p.data[i] -= lr * weightDecay * p.data[i]
			} else {
				g += weightDecay * p.data[i]
			}
		}

		mi := s.Beta1*float64(m[i]) + (1-s.Beta1)*g
		vi := s.Beta2*float64(v[i]) + (1-s.Beta2)*g*g
		m[i], v[i] = F(mi), F(vi)

		mHat := mi / s.bias1
		vHat := vi / s.bias2
		p.data[i] -= lr * mHat / (math.Sqrt(vHat) + s.Epsilon)
	}
}
