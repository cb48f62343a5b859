package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"slices"

	"github.com/mitchellh/mapstructure"
)

var (
	// ErrDimension reports a model width that is not a multiple of 32.
	ErrDimension = errors.New("config: dimension must be a multiple of 32")

	// ErrConfig reports an invalid or inconsistent configuration value.
	ErrConfig = errors.New("config: invalid value")
)

// Config carries the model shape and training hyperparameters. Field names
// follow the args file written by the training launcher.
type Config struct {
	NEmbd     int `mapstructure:"n_embd"`
	DimAtt    int `mapstructure:"dim_att"`
	DimFFN    int `mapstructure:"dim_ffn"`
	VocabSize int `mapstructure:"vocab_size"`
	NLayer    int `mapstructure:"n_layer"`

	// Adapter and v_first gate sizes
	SignalDim     int `mapstructure:"signal_dim"`
	AdapterHidden int `mapstructure:"adapter_hidden"`
	DimLoRA       int `mapstructure:"dim_lora"`

	GradCP    int    `mapstructure:"grad_cp"`
	StateTune bool   `mapstructure:"state_tune"`
	TrainType string `mapstructure:"train_type"`
	PEFT      string `mapstructure:"peft"`

	LayerwiseLR float64    `mapstructure:"layerwise_lr"`
	MyPileStage int        `mapstructure:"my_pile_stage"`
	WeightDecay float64    `mapstructure:"weight_decay"`
	LRInit      float64    `mapstructure:"lr_init"`
	LRFinal     float64    `mapstructure:"lr_final"`
	WarmupSteps int        `mapstructure:"warmup_steps"`
	Betas       [2]float64 `mapstructure:"betas"`
	AdamEps     float64    `mapstructure:"adam_eps"`
	GradClip    float64    `mapstructure:"grad_clip"`

	Accelerator string    `mapstructure:"accelerator"`
	Precision   Precision `mapstructure:"precision"`

	OffloadOptimizer bool `mapstructure:"offload_optimizer"`
	OffloadParam     bool `mapstructure:"offload_param"`
}

// DefaultConfig returns a small CPU configuration. dim_att and dim_ffn are
// left at zero and derived by Validate. Precision stays unset: it must come
// from the args file or RWKV_FLOAT_MODE.
func DefaultConfig() Config {
	return Config{
		NEmbd:         256,
		VocabSize:     65536,
		NLayer:        4,
		SignalDim:     1024 * 5,
		AdapterHidden: 2048,
		DimLoRA:       32,
		TrainType:     "none",
		PEFT:          "none",
		LayerwiseLR:   1,
		MyPileStage:   1,
		LRInit:        6e-4,
		LRFinal:       1e-5,
		Betas:         [2]float64{0.9, 0.99},
		AdamEps:       1e-18,
		GradClip:      1.0,
		Accelerator:   "cpu",
	}
}

// LoadConfig reads a JSON args file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	raw, err := ReadArgs(path)
	if err != nil {
		return Config{}, err
	}

	cfg, err := DecodeConfig(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ReadArgs reads a JSON args file into loosely typed values.
func ReadArgs(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return raw, nil
}

// DecodeConfig maps loosely typed args onto DefaultConfig and validates the
// result. Unknown keys are logged and ignored.
func DecodeConfig(raw map[string]any) (Config, error) {
	cfg := DefaultConfig()

	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		Metadata:         &md,
		WeaklyTypedInput: true,
		DecodeHook:       precisionHook,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, err
	}

	if len(md.Unused) > 0 {
		slices.Sort(md.Unused)
		slog.Debug("ignoring unknown config keys", "keys", md.Unused)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func precisionHook(from, to reflect.Type, data any) (any, error) {
	precisionType := reflect.TypeOf(PrecisionUnset)
	switch {
	case to != precisionType || from == precisionType:
		return data, nil
	case from.Kind() == reflect.String:
		return ParsePrecision(data.(string))
	default:
		return nil, fmt.Errorf("%w: %v", ErrPrecision, data)
	}
}

// Validate fills derived sizes and checks the configuration.
func (c *Config) Validate() error {
	if !c.Precision.Valid() {
		return fmt.Errorf("%w: precision %s", ErrPrecision, c.Precision)
	}

	if c.DimAtt <= 0 {
		c.DimAtt = c.NEmbd
	}
	if c.DimFFN <= 0 {
		c.DimFFN = c.NEmbd * 4
	}

	for _, d := range []struct {
		name string
		v    int
	}{{"n_embd", c.NEmbd}, {"dim_att", c.DimAtt}, {"dim_ffn", c.DimFFN}} {
		if d.v <= 0 || d.v%32 != 0 {
			return fmt.Errorf("%w: %s=%d", ErrDimension, d.name, d.v)
		}
	}

	switch {
	case c.NLayer <= 0:
		return fmt.Errorf("%w: n_layer=%d", ErrConfig, c.NLayer)
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab_size=%d", ErrConfig, c.VocabSize)
	case c.SignalDim <= 0 || c.AdapterHidden <= 0 || c.DimLoRA <= 0:
		return fmt.Errorf("%w: signal_dim=%d adapter_hidden=%d dim_lora=%d", ErrConfig, c.SignalDim, c.AdapterHidden, c.DimLoRA)
	case c.GradCP != 0 && c.GradCP != 1:
		return fmt.Errorf("%w: grad_cp=%d", ErrConfig, c.GradCP)
	}

	if c.TrainType == "" {
		c.TrainType = "none"
	}
	if c.PEFT == "" {
		c.PEFT = "none"
	}

	if _, err := c.ComputeConfig(); err != nil {
		return err
	}
	return nil
}

// ComputeConfig maps the accelerator onto worker settings. There is no device
// backend; "gpu" uses every CPU core.
func (c *Config) ComputeConfig() (ComputeConfig, error) {
	switch c.Accelerator {
	case "cpu", "CPU":
		return SingleThreadedConfig(), nil
	case "gpu", "GPU", "cuda":
		cc := DefaultComputeConfig()
		cc.NumWorkers = NumWorkers()
		return cc, nil
	default:
		return ComputeConfig{}, fmt.Errorf("%w: accelerator %q", ErrConfig, c.Accelerator)
	}
}

// LogValue implements slog.LogValuer.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("n_layer", c.NLayer),
		slog.Int("n_embd", c.NEmbd),
		slog.Int("dim_att", c.DimAtt),
		slog.Int("dim_ffn", c.DimFFN),
		slog.Int("vocab_size", c.VocabSize),
		slog.Int("grad_cp", c.GradCP),
		slog.String("precision", c.Precision.String()),
		slog.String("accelerator", c.Accelerator),
	)
}
