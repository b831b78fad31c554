package orderer

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum-optimism/infra/op-orderer/reporter"
	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// ResultFormatter renders a run result for human consumption.
type ResultFormatter interface {
	FormatResults(result *reporter.RunResult) error
}

// ConsoleResultFormatter prints the run summary as a table on stdout, suites
// in their final dispatch order with their tests nested beneath them.
type ConsoleResultFormatter struct {
	log log.Logger
}

func NewConsoleResultFormatter(logger log.Logger) *ConsoleResultFormatter {
	return &ConsoleResultFormatter{log: logger}
}

func (f *ConsoleResultFormatter) FormatResults(result *reporter.RunResult) error {
	if result == nil {
		return fmt.Errorf("no result to format")
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Run Results")
	t.AppendHeader(table.Row{"Type", "Name", "Status", "Duration", "Tests", "Notes"})

	for i := range result.Suites {
		suite := &result.Suites[i]
		notes := ""
		if suite.Aborted {
			notes = "aborted"
		}
		t.AppendRow(table.Row{
			"Suite",
			suite.ID,
			statusString(suite.Status),
			formatDuration(suite.Duration()),
			len(suite.Tests),
			notes,
		})
		for j, test := range suite.Tests {
			prefix := "├─"
			if j == len(suite.Tests)-1 {
				prefix = "└─"
			}
			notes := test.Message
			if test.Synthetic {
				notes = "forced: " + notes
			}
			t.AppendRow(table.Row{
				"",
				fmt.Sprintf("%s %s", prefix, test.Name),
				statusString(test.Status),
				"",
				"",
				notes,
			})
		}
		t.AppendSeparator()
	}

	t.AppendFooter(table.Row{
		"",
		"TOTAL",
		statusString(result.Status()),
		"",
		result.Stats.Total,
		fmt.Sprintf("%d passed, %d failed, %d skipped",
			result.Stats.Passed, result.Stats.Failed, result.Stats.Skipped),
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignCenter},
		{Number: 5, Align: text.AlignRight},
	})
	t.Render()
	return nil
}

func statusString(s reporter.TestStatus) string {
	switch s {
	case reporter.TestStatusPass:
		return "✓ pass"
	case reporter.TestStatusFail:
		return "✗ fail"
	default:
		return "- skip"
	}
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.Round(time.Millisecond).String()
}
