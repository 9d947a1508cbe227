package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut *jsonOutput

	cmd := &cobra.Command{
		Use:   "status <prompt-id>",
		Short: "Query the compute service for one prompt's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			promptID := strings.TrimSpace(args[0])
			status, err := newComfyClient(cfg).Status(cmd.Context(), promptID)
			if err != nil {
				return err
			}
			if jsonOut.enabled {
				return jsonOut.write(cmd, map[string]any{
					"promptId": promptID,
					"kind":     status.Kind,
					"success":  status.ExplicitSuccess(),
					"raw":      status.Raw,
				})
			}
			kind := statusOK
			switch {
			case status.RemoteFailure():
				kind = statusError
			case !status.ExplicitSuccess():
				kind = statusWarn
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatusLine(promptID, kind, status.String(), isTerminal(cmd.OutOrStdout())))
			return nil
		},
	}
	jsonOut = addJSONFlags(cmd, "Output as JSON")
	return cmd
}
