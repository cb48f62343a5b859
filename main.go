package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	slog.SetDefault(NewLogger(os.Stderr, LogLevel()))

	if err := NewCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewCLI builds the command tree.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rwkv-world-train",
		Short: "Multi-modal RWKV training core",
		Long: `Multi-modal RWKV training core.

Models consume a continuous signal, projected through an adapter, followed
by tokens. RWKV_FLOAT_MODE selects the weight precision and must be set.`,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show the environment variables the trainer reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data [][]string
			for _, v := range EnvVars() {
				data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
			}
			renderTable(cmd, []string{"NAME", "VALUE", "DESCRIPTION"}, data)
			return nil
		},
	}

	rootCmd.AddCommand(
		newInitCmd(),
		newTrainCmd(),
		newGroupsCmd(),
		envCmd,
	)
	return rootCmd
}

// configFlags maps command-line flags onto args file keys.
var configFlags = map[string]string{
	"n-layer":        "n_layer",
	"n-embd":         "n_embd",
	"dim-att":        "dim_att",
	"dim-ffn":        "dim_ffn",
	"vocab-size":     "vocab_size",
	"signal-dim":     "signal_dim",
	"adapter-hidden": "adapter_hidden",
	"dim-lora":       "dim_lora",
	"grad-cp":        "grad_cp",
	"train-type":     "train_type",
	"peft":           "peft",
	"layerwise-lr":   "layerwise_lr",
	"my-pile-stage":  "my_pile_stage",
	"weight-decay":   "weight_decay",
	"lr-init":        "lr_init",
	"lr-final":       "lr_final",
	"warmup-steps":   "warmup_steps",
	"accelerator":    "accelerator",
}

func addConfigFlags(cmd *cobra.Command) {
	d := DefaultConfig()
	f := cmd.Flags()
	f.StringP("config", "c", "", "JSON args file")
	f.Int("n-layer", d.NLayer, "Number of blocks")
	f.Int("n-embd", d.NEmbd, "Embedding width (multiple of 32)")
	f.Int("dim-att", 0, "TimeMix width (default n-embd)")
	f.Int("dim-ffn", 0, "ChannelMix width (default 4*n-embd)")
	f.Int("vocab-size", d.VocabSize, "Vocabulary size")
	f.Int("signal-dim", d.SignalDim, "Signal feature width")
	f.Int("adapter-hidden", d.AdapterHidden, "Adapter hidden width")
	f.Int("dim-lora", d.DimLoRA, "Rank of the v_first gate")
	f.Int("grad-cp", 0, "Gradient checkpointing (0 or 1)")
	f.String("train-type", d.TrainType, "Training type (none, state)")
	f.String("peft", d.PEFT, "Parameter-efficient method (none, lora, ...)")
	f.Float64("layerwise-lr", d.LayerwiseLR, "Enable layerwise learning rates when > 0")
	f.Int("my-pile-stage", d.MyPileStage, "Pile stage; 2 raises the time-parameter LR scales")
	f.Float64("weight-decay", 0, "AdamW weight decay for matrices")
	f.Float64("lr-init", d.LRInit, "Initial learning rate; also bounds the embedding init")
	f.Float64("lr-final", d.LRFinal, "Final learning rate")
	f.Int("warmup-steps", 0, "Warmup steps")
	f.String("accelerator", d.Accelerator, "cpu or gpu")
}

// configFromFlags merges the args file, explicitly set flags and
// RWKV_FLOAT_MODE into a validated Config.
func configFromFlags(cmd *cobra.Command) (Config, error) {
	raw := map[string]any{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if raw, err = ReadArgs(path); err != nil {
			return Config{}, err
		}
	}

	cmd.Flags().Visit(func(f *pflag.Flag) {
		if key, ok := configFlags[f.Name]; ok {
			raw[key] = f.Value.String()
		}
	})

	precision, err := FloatMode()
	if err != nil {
		return Config{}, err
	}
	raw["precision"] = precision.String()

	cfg, err := DecodeConfig(raw)
	if err != nil {
		return Config{}, err
	}
	slog.Debug("configuration", "config", cfg)
	return cfg, nil
}

func renderTable(cmd *cobra.Command, header []string, data [][]string) {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return strings.Join(parts, "x")
}
