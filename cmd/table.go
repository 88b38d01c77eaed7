package main

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/sells-group/archive-flow/internal/model"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
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

	return tw.Render()
}

// renderOutcomes lists one row per item followed by the run totals.
func renderOutcomes(res *model.BatchResult) string {
	rows := make([][]string, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		rows = append(rows, []string{
			o.ItemID,
			outcomeLabel(o),
			o.LastStep,
			strconv.Itoa(o.StepsRun),
			fmt.Sprintf("%.1fs", float64(o.DurationMs)/1000),
			outcomeDetail(o),
		})
	}
	items := renderTable(
		[]string{"Item", "Result", "Last step", "Steps", "Time", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)

	summary := renderTable(
		[]string{"Run", "Strategy", "Total", "Succeeded", "Failed", "Skipped", "Success rate", "Items/min"},
		[][]string{{
			res.RunID,
			res.Strategy,
			strconv.Itoa(res.TotalItems),
			strconv.Itoa(res.Succeeded),
			strconv.Itoa(res.Failed),
			strconv.Itoa(res.Skipped),
			fmt.Sprintf("%.0f%%", res.SuccessRate()*100),
			fmt.Sprintf("%.2f", res.Throughput()),
		}},
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
	if len(rows) == 0 {
		return summary
	}
	return items + "\n" + summary
}

func outcomeLabel(o model.WorkflowOutcome) string {
	switch {
	case o.Skipped:
		return "skipped"
	case !o.Success:
		return "failed"
	case o.Halted:
		return "awaiting input"
	case o.Deferred:
		return "deferred"
	default:
		return "ok"
	}
}

func outcomeDetail(o model.WorkflowOutcome) string {
	if o.Error == nil {
		return ""
	}
	msg := o.Error.Message
	if len(msg) > 80 {
		msg = msg[:77] + "..."
	}
	return o.Error.Class.Label() + ": " + msg
}
