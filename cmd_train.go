package main

// ===========================================================================
// TRAINING CLI
// ===========================================================================
//
// Runs the training loop end to end on synthetic multi-modal batches:
// random Gaussian signals of 1..max-rows rows followed by 1..max-tokens
// random tokens. Dataset loading lives outside this program; the command
// exists to exercise the full pipeline (padding, checkpointing, L2Wrap,
// grouping, the optimizer backend) on a real configuration.
//
//   RWKV_FLOAT_MODE=bf16 rwkv-world-train train -c args.json \
//       --load rwkv-init.safetensors --steps 20 --save trained.safetensors
//
// ===========================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train on synthetic batches",
		Args:  cobra.NoArgs,
		RunE:  runTrain,
	}
	addConfigFlags(cmd)
	f := cmd.Flags()
	f.Int("steps", 10, "Optimizer steps")
	f.Int("batch-size", 2, "Examples per batch")
	f.Int("max-rows", 4, "Maximum signal rows per example")
	f.Int("max-tokens", 24, "Maximum tokens per example")
	f.Int("log-interval", 1, "Log every N steps")
	f.Uint64("seed", 0, "Random seed (0 uses the clock)")
	f.String("load", "", "Initial weights (.safetensors or .pth)")
	f.String("save", "", "Write trained weights to this safetensors file")
	f.Bool("offload-optimizer", false, "Keep optimizer state in float32 host buffers")
	f.StringSlice("freeze", nil, "Freeze parameters whose names start with these prefixes (e.g. emb.,blocks.0.)")
	return cmd
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	if offload, _ := f.GetBool("offload-optimizer"); offload {
		cfg.OffloadOptimizer = true
	}

	seed, _ := f.GetUint64("seed")
	rng := newRand(seed)

	model, err := NewModel(cfg, rng)
	if err != nil {
		return err
	}

	if path, _ := f.GetString("load"); path != "" {
		if err := loadWeights(model, path); err != nil {
			return err
		}
	}

	if prefixes, _ := f.GetStringSlice("freeze"); len(prefixes) > 0 {
		n := freezeParams(model.Params, prefixes)
		slog.Info("froze parameters", "count", n, "prefixes", prefixes)
	}

	steps, _ := f.GetInt("steps")
	logInterval, _ := f.GetInt("log-interval")
	trainer, err := NewTrainer(model, TrainingConfig{Steps: steps, LogInterval: logInterval})
	if err != nil {
		return err
	}

	batchSize, _ := f.GetInt("batch-size")
	maxRows, _ := f.GetInt("max-rows")
	maxTokens, _ := f.GetInt("max-tokens")
	if batchSize < 1 || maxRows < 1 || maxTokens < 1 {
		return fmt.Errorf("batch-size, max-rows and max-tokens must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	results, err := trainer.Run(ctx, func(int) (Batch, error) {
		return SyntheticBatch(rng, &model.Config, batchSize, maxRows, maxTokens), nil
	})
	if err != nil && ctx.Err() == nil {
		return err
	}

	var data [][]string
	for _, r := range results {
		loss := fmt.Sprintf("%.4f", r.Loss)
		if r.Skipped {
			loss = "skipped"
		}
		data = append(data, []string{fmt.Sprint(r.Step), loss, fmt.Sprintf("%.3g", r.LR), fmt.Sprintf("%.3g", r.GradNorm), fmt.Sprint(r.Tokens), r.Duration.Round(time.Millisecond).String()})
	}
	renderTable(cmd, []string{"STEP", "LOSS", "LR", "GRAD NORM", "TOKENS", "TOOK"}, data)

	if path, _ := f.GetString("save"); path != "" {
		metadata := map[string]string{
			"run_id":    uuid.NewString(),
			"precision": cfg.Precision.String(),
			"steps":     fmt.Sprint(len(results)),
		}
		if err := SaveSafetensors(path, model.StateDict(cfg.Precision), metadata); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", path)
	}
	return context.Cause(ctx)
}

// loadWeights reads a safetensors or PyTorch checkpoint into model.
func loadWeights(model *Model, path string) error {
	var (
		sd  *StateDict
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pth", ".pt":
		sd, err = LoadTorchState(path)
	default:
		sd, _, err = LoadSafetensors(path)
	}
	if err != nil {
		return err
	}

	if _, err := model.LoadState(sd); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// freezeParams excludes every parameter whose name starts with one of the
// prefixes from optimizer updates and returns how many matched.
func freezeParams(ps *ParamSet, prefixes []string) int {
	n := 0
	ps.SetTrainable(func(p *Param) bool {
		for _, prefix := range prefixes {
			if prefix != "" && strings.HasPrefix(p.Name, prefix) {
				n++
				return true
			}
		}
		return false
	}, false)
	return n
}
