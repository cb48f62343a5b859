package main

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate initial weights",
		Long: `Generate initial weights for a model and write them as safetensors.

Normalization and time parameters keep their constructed values, ln_x gets
the layer scale, emb.weight is uniform in ±lr_init and the remaining
matrices are orthogonal or zero. Weights are stored in RWKV_FLOAT_MODE.`,
		Args: cobra.NoArgs,
		RunE: runInit,
	}
	addConfigFlags(cmd)
	cmd.Flags().StringP("out", "o", "rwkv-init.safetensors", "Output file")
	cmd.Flags().Uint64("seed", 0, "Random seed (0 uses the clock)")
	cmd.Flags().Bool("plan", false, "Print the init plan and exit")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}

	seed, _ := cmd.Flags().GetUint64("seed")
	rng := newRand(seed)

	model, err := NewModel(cfg, rng)
	if err != nil {
		return err
	}

	plan, err := PlanInit(model.Params, &cfg)
	if err != nil {
		return err
	}

	var data [][]string
	for _, e := range plan {
		rows, cols := "-", "-"
		if len(e.Shape) == 2 {
			rows, cols = strconv.Itoa(e.Shape[0]), strconv.Itoa(e.Shape[1])
		} else {
			rows = formatShape(e.Shape)
		}
		data = append(data, []string{rows, cols, e.Kind.String(), strconv.FormatFloat(e.Value(), 'g', 4, 64), e.Name})
	}
	renderTable(cmd, []string{"ROWS", "COLS", "INIT", "SCALE", "NAME"}, data)

	if plan, _ := cmd.Flags().GetBool("plan"); plan {
		return nil
	}

	start := time.Now()
	sd, err := GenerateInitWeights(model.Params, &cfg, rng)
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("out")
	runID := uuid.New()
	metadata := map[string]string{
		"run_id":    runID.String(),
		"precision": cfg.Precision.String(),
		"n_layer":   strconv.Itoa(cfg.NLayer),
		"n_embd":    strconv.Itoa(cfg.NEmbd),
	}
	if err := SaveSafetensors(out, sd, metadata); err != nil {
		return err
	}

	slog.Info("init weights written", "path", out, "run_id", runID, "tensors", sd.Len(), "bytes", sd.Bytes(), "took", time.Since(start))
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tensors (%s) to %s\n", sd.Len(), cfg.Precision, out)
	return nil
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
