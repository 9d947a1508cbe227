package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"comfyrun/internal/gpu"
	"comfyrun/internal/services"
)

func newGPUCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "gpu",
		Short: "Take one GPU snapshot through the configured source chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			collector := gpu.NewFromConfig(cfg.GPU, newComfyClient(cfg), services.CommandExecutor{}, nil, logger)
			snap := collector.Snapshot(cmd.Context(), "probe")

			name, used := "-", "unavailable"
			if snap.Name != nil {
				name = *snap.Name
			}
			if snap.VRAMUsedMB != nil {
				used = humanize.IBytes(uint64(*snap.VRAMUsedMB * 1024 * 1024))
			}
			source := snap.Source
			if source == "" {
				source = "-"
			}
			writeTable(cmd.OutOrStdout(),
				[]string{"Device", "VRAM Used", "Source"},
				[][]string{{name, used, source}},
				[]columnAlignment{alignLeft, alignRight, alignLeft},
			)
			if len(snap.Notes) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Notes:\n  %s\n", strings.Join(snap.Notes, "\n  "))
			}
			return nil
		},
	}
}
