package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"comfyrun/internal/fileutil"
	"comfyrun/internal/telemetry"
	"comfyrun/internal/workflow"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut *jsonOutput

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the attempts recorded for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runID := strings.TrimSpace(args[0])
			if runID == "" || strings.ContainsAny(runID, `/\`) {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			path := filepath.Join(workflow.RunDirFor(cfg, runID), telemetry.RunFile)
			var agg workflow.RunAggregate
			if err := fileutil.ReadJSON(path, &agg); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("run %s not found under %s", runID, cfg.Paths.RunsDir)
				}
				return err
			}
			if jsonOut.enabled {
				return jsonOut.write(cmd, agg)
			}
			printRunDetail(cmd.OutOrStdout(), &agg)
			return nil
		},
	}
	jsonOut = addJSONFlags(cmd, "Output as JSON")
	return cmd
}

func printRunDetail(out io.Writer, agg *workflow.RunAggregate) {
	fmt.Fprintf(out, "Run:      %s\n", agg.RunID)
	fmt.Fprintf(out, "Status:   %s\n", titleLabel(string(agg.Status)))
	if agg.Source != "" {
		fmt.Fprintf(out, "Source:   %s\n", agg.Source)
	}
	fmt.Fprintf(out, "Started:  %s\n", agg.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if agg.FinishedAt != nil {
		fmt.Fprintf(out, "Duration: %s\n", agg.FinishedAt.Sub(agg.StartedAt).Round(time.Second))
	}
	fmt.Fprintln(out)

	var rows [][]string
	var notes []string
	for _, j := range agg.Jobs {
		for _, entry := range j.Attempts {
			rec := entry.Result.Telemetry
			promptID := "-"
			if entry.Handle != nil {
				promptID = entry.Handle.JobID
			}
			rows = append(rows, []string{
				j.JobID,
				strconv.Itoa(entry.Attempt),
				promptID,
				exitLabel(rec),
				fmt.Sprintf("%d/%d", entry.Result.FrameCount, j.Floor),
				yesNo(rec.DoneMarker.Detected),
				formatVRAMDelta(rec.GPU.VRAMDeltaMB),
				fmt.Sprintf("%.1fs", rec.DurationSeconds),
			})
			for _, note := range rec.FallbackNotes {
				notes = append(notes, fmt.Sprintf("%s#%d: %s", j.JobID, entry.Attempt, note))
			}
		}
	}
	writeTable(out,
		[]string{"Job", "Attempt", "Prompt", "Exit", "Frames", "Marker", "VRAM Δ", "Duration"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight},
	)
	if len(notes) > 0 {
		fmt.Fprintln(out, "Notes:")
		for _, note := range notes {
			fmt.Fprintf(out, "  %s\n", note)
		}
	}
}

func formatVRAMDelta(delta *float64) string {
	if delta == nil {
		return "-"
	}
	return fmt.Sprintf("%+.0f MB", *delta)
}
