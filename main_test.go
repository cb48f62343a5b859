package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tinyFlags = []string{
	"--n-layer", "2",
	"--n-embd", "32",
	"--vocab-size", "17",
	"--signal-dim", "6",
	"--adapter-hidden", "8",
	"--dim-lora", "4",
	"--seed", "7",
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLIRequiresFloatMode(t *testing.T) {
	t.Setenv("RWKV_FLOAT_MODE", "")
	_, err := runCLI(t, append([]string{"groups"}, tinyFlags[:len(tinyFlags)-2]...)...)
	assert.ErrorIs(t, err, ErrPrecision)
}

func TestCLIInitAndTrain(t *testing.T) {
	t.Setenv("RWKV_FLOAT_MODE", "bf16")
	dir := t.TempDir()
	initPath := filepath.Join(dir, "init.safetensors")
	savePath := filepath.Join(dir, "trained.safetensors")

	out, err := runCLI(t, append([]string{"init", "--out", initPath}, tinyFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "emb.weight")
	assert.Contains(t, out, "orthogonal")

	sd, metadata, err := LoadSafetensors(initPath)
	require.NoError(t, err)
	assert.Equal(t, "bf16", metadata["precision"])
	assert.Equal(t, "2", metadata["n_layer"])
	assert.NotEmpty(t, metadata["run_id"])

	emb, ok := sd.Get("emb.weight")
	require.True(t, ok)
	assert.Equal(t, PrecisionBF16, emb.Precision)
	assert.Equal(t, []int{17, 32}, emb.Shape)

	out, err = runCLI(t, append([]string{
		"train", "--load", initPath, "--save", savePath,
		"--steps", "2", "--max-rows", "2", "--max-tokens", "5", "--grad-cp", "1",
	}, tinyFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "GRAD NORM")
	assert.Contains(t, out, "saved "+savePath)

	trained, metadata, err := LoadSafetensors(savePath)
	require.NoError(t, err)
	assert.Equal(t, "2", metadata["steps"])
	assert.Equal(t, sd.Names(), trained.Names())
}

func TestCLITrainFreeze(t *testing.T) {
	t.Setenv("RWKV_FLOAT_MODE", "fp32")
	dir := t.TempDir()
	initPath := filepath.Join(dir, "init.safetensors")
	savePath := filepath.Join(dir, "trained.safetensors")

	_, err := runCLI(t, append([]string{"init", "--out", initPath}, tinyFlags...)...)
	require.NoError(t, err)
	_, err = runCLI(t, append([]string{
		"train", "--load", initPath, "--save", savePath,
		"--steps", "2", "--max-rows", "2", "--max-tokens", "5",
		"--freeze", "emb.,head.",
	}, tinyFlags...)...)
	require.NoError(t, err)

	before, _, err := LoadSafetensors(initPath)
	require.NoError(t, err)
	after, _, err := LoadSafetensors(savePath)
	require.NoError(t, err)

	changed := 0
	for _, name := range before.Names() {
		x, _ := before.Get(name)
		y, _ := after.Get(name)
		if strings.HasPrefix(name, "emb.") || strings.HasPrefix(name, "head.") {
			assert.Equal(t, x.Data, y.Data, "%s is frozen", name)
		} else if !bytes.Equal(x.Data, y.Data) {
			changed++
		}
	}
	assert.Positive(t, changed)
}

func TestFreezeParams(t *testing.T) {
	m := newTinyModel(t, tinyConfig())
	all := len(m.Params.All())

	n := freezeParams(m.Params, []string{"emb.", "blocks.1.", ""})
	assert.Positive(t, n)
	assert.Len(t, m.Params.Trainable(), all-n)
	for _, p := range m.Params.Trainable() {
		assert.False(t, strings.HasPrefix(p.Name, "emb.") || strings.HasPrefix(p.Name, "blocks.1."), p.Name)
	}

	groups, err := BuildParamGroups(m.Params, &m.Config)
	require.NoError(t, err)
	for _, g := range groups {
		for _, p := range g.Params {
			assert.True(t, p.Trainable, p.Name)
		}
	}
}

func TestCLIInitPlanOnly(t *testing.T) {
	t.Setenv("RWKV_FLOAT_MODE", "fp32")
	path := filepath.Join(t.TempDir(), "never.safetensors")

	out, err := runCLI(t, append([]string{"init", "--plan", "--out", path}, tinyFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "layer-scale")
	assert.NoFileExists(t, path)
}

func TestCLIGroups(t *testing.T) {
	t.Setenv("RWKV_FLOAT_MODE", "fp16")

	out, err := runCLI(t, append([]string{"groups", "--verbose", "--weight-decay", "0.1", "--offload-optimizer"}, tinyFlags[:len(tinyFlags)-2]...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "OffloadAdam")
	assert.Contains(t, out, "decay")
	assert.Contains(t, out, "blocks.0.att.time_decay")
}

func TestFormatShape(t *testing.T) {
	assert.Equal(t, "1x1x32", formatShape([]int{1, 1, 32}))
	assert.Equal(t, "7", formatShape([]int{7}))
}
