package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newGroupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Show optimizer parameter groups for a configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			if offload, _ := cmd.Flags().GetBool("offload-optimizer"); offload {
				cfg.OffloadOptimizer = true
			}

			model, err := NewModel(cfg, newRand(1))
			if err != nil {
				return err
			}
			opt, err := NewOptimizer(model.Params, &model.Config)
			if err != nil {
				return err
			}

			verbose, _ := cmd.Flags().GetBool("verbose")
			var data [][]string
			for _, g := range opt.Groups() {
				row := []string{g.Name, fmt.Sprint(g.LRScale), fmt.Sprint(g.WeightDecay), fmt.Sprint(len(g.Params))}
				if verbose {
					row = append(row, strings.Join(g.Names(), " "))
				}
				data = append(data, row)
			}

			header := []string{"GROUP", "LR SCALE", "WEIGHT DECAY", "PARAMS"}
			if verbose {
				header = append(header, "NAMES")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "optimizer: %s, checkpointing: %s\n", opt.Name(), model.Checkpoint)
			renderTable(cmd, header, data)
			return nil
		},
	}
	addConfigFlags(cmd)
	cmd.Flags().BoolP("verbose", "v", false, "List parameter names")
	cmd.Flags().Bool("offload-optimizer", false, "Select the offload backend")
	return cmd
}
