package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"comfyrun/internal/preflight"
)

func newPreflightCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check directories, the compute service, and optional dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			probes := preflight.Probes{Stats: newComfyClient(cfg)}
			if cfg.Redis.Enabled {
				bus := newBus(cfg, logger)
				defer bus.Close()
				probes.Redis = bus
			}

			results := preflight.RunAll(cmd.Context(), cfg, probes)
			out := cmd.OutOrStdout()
			colorize := isTerminal(out)
			for _, r := range results {
				kind := statusOK
				if !r.Passed {
					kind = statusError
					if r.Optional {
						kind = statusWarn
					}
				}
				fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
			}
			if blocking := preflight.Blocking(results); len(blocking) > 0 {
				return fmt.Errorf("%d preflight check(s) failed", len(blocking))
			}
			return nil
		},
	}
}
