package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// jsonOutput holds the --json and --compact flags of a reporting command.
type jsonOutput struct {
	enabled bool
	compact bool
}

func addJSONFlags(cmd *cobra.Command, usage string) *jsonOutput {
	out := &jsonOutput{}
	cmd.Flags().BoolVar(&out.enabled, "json", false, usage)
	cmd.Flags().BoolVar(&out.compact, "compact", false, "With --json, print one line instead of indented output")
	return out
}

// write encodes v to the command's stdout. Prompt text is left unescaped so
// characters like < and & stay readable.
func (o *jsonOutput) write(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetEscapeHTML(false)
	if !o.compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
