package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"comfyrun/internal/donemarker"
)

func newMarkerCommand(ctx *commandContext) *cobra.Command {
	markerCmd := &cobra.Command{
		Use:   "marker",
		Short: "Done-marker utilities for producer-side workflows",
	}
	markerCmd.AddCommand(newMarkerWriteCommand(ctx))
	return markerCmd
}

func newMarkerWriteCommand(ctx *commandContext) *cobra.Command {
	var prefix string
	var dir string
	var frames int

	cmd := &cobra.Command{
		Use:         "write",
		Short:       "Atomically write the done-marker for an output prefix",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix = strings.TrimSpace(prefix)
			if prefix == "" {
				return errors.New("--prefix is required")
			}
			target := strings.TrimSpace(dir)
			if target == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				target = cfg.MarkerDir()
			}
			if target == "" {
				return errors.New("no marker directory: pass --dir or configure artifacts.output_dirs")
			}

			var count *int
			if cmd.Flags().Changed("frames") {
				if frames < 0 {
					return fmt.Errorf("--frames must be >= 0, got %d", frames)
				}
				count = &frames
			}
			path, err := donemarker.Write(target, prefix, count, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote done-marker %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Output prefix the marker belongs to")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory for the marker (defaults to the configured marker directory)")
	cmd.Flags().IntVar(&frames, "frames", 0, "Frame count to record in the marker payload")
	return cmd
}
