package main

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// writeTable prints a rounded table on terminals and tab-separated values
// everywhere else.
func writeTable(w io.Writer, headers []string, rows [][]string, aligns []columnAlignment) {
	tw := buildTable(headers, rows, aligns)
	if tw == nil {
		return
	}
	if isTerminal(w) {
		fmt.Fprintln(w, tw.Render())
		return
	}
	fmt.Fprintln(w, tw.RenderTSV())
}

func buildTable(headers []string, rows [][]string, aligns []columnAlignment) table.Writer {
	columns := len(headers)
	if columns == 0 {
		return nil
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw
}
