package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"comfyrun/internal/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var jsonOut *jsonOutput

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the attempt history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return errors.New("history is disabled; set [history] enabled = true")
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut.enabled {
				return jsonOut.write(cmd, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				rows = append(rows, []string{
					run.RunID,
					humanize.Time(run.StartedAt),
					titleLabel(run.Status),
					strconv.Itoa(run.Jobs),
					strconv.Itoa(run.Clean),
					strconv.Itoa(run.BelowFloor),
					strconv.Itoa(run.Failed),
				})
			}
			writeTable(cmd.OutOrStdout(),
				[]string{"Run", "Started", "Status", "Jobs", "Clean", "Below Floor", "Failed"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
			)
			return nil
		},
	}
	jsonOut = addJSONFlags(cmd, "Output as JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")
	return cmd
}
