package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"comfyrun/internal/job"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Push manifest jobs onto the Redis intake list",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifestPath = strings.TrimSpace(manifestPath)
			if manifestPath == "" {
				return errors.New("--manifest is required")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled {
				return errors.New("redis is disabled; set [redis] enabled = true")
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			defs, err := job.LoadManifest(manifestPath)
			if err != nil {
				return err
			}

			bus := newBus(cfg, logger)
			defer bus.Close()
			for i, def := range defs {
				if err := bus.Enqueue(cmd.Context(), def); err != nil {
					return fmt.Errorf("enqueue %s (%d of %d): %w", def.ID, i+1, len(defs), err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d jobs on %s\n", len(defs), cfg.Redis.JobQueue)
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "TOML manifest with [[jobs]] tables")
	return cmd
}
