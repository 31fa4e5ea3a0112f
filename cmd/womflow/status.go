package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"womflow/internal/engine"
	"womflow/internal/model"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent executions and their rules",
	Args:  cobra.NoArgs,
	RunE:  showStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 5, "number of executions to show")
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	skipStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func showStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, _, err := openEngine()
	if err != nil {
		return err
	}
	defer st.Close()

	execs, err := st.RecentExecutions(ctx, statusLimit)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		fmt.Println(mutedStyle.Render("no executions recorded"))
		return nil
	}

	for _, exec := range execs {
		fmt.Println(headerStyle.Render(fmt.Sprintf("execution %d", exec.ID)),
			mutedStyle.Render(exec.UUID))
		fmt.Printf("  started  %s\n", exec.StartedAt.Format(time.RFC3339))
		if exec.FinishedAt != nil {
			fmt.Printf("  finished %s\n", exec.FinishedAt.Format(time.RFC3339))
		}
		fmt.Printf("  status   %s\n", styleExecStatus(exec.Status))

		rules, err := st.RulesForExecution(ctx, exec.ID)
		if err != nil {
			return err
		}
		for _, r := range rules {
			dur := ""
			if r.DurationMS != nil {
				dur = fmt.Sprintf(" (%dms)", *r.DurationMS)
			}
			fmt.Printf("    %-30s %-12s %s%s\n", r.Name, r.Tool, styleRuleStatus(r.Status), dur)
		}
		fmt.Println()
	}
	return nil
}

func styleExecStatus(status string) string {
	switch status {
	case model.ExecutionDone:
		return okStyle.Render(status)
	case model.ExecutionRunning:
		return skipStyle.Render(status)
	default:
		return failStyle.Render(status)
	}
}

func styleRuleStatus(status model.Status) string {
	switch status {
	case model.StatusExecuted:
		return okStyle.Render(string(status))
	case model.StatusAlreadyExecuted:
		return skipStyle.Render(string(status))
	case model.StatusExecutionError:
		return failStyle.Render(string(status))
	default:
		return mutedStyle.Render(string(status))
	}
}

// renderResult summarizes a run for the terminal.
func renderResult(res *engine.Result) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("workflow " + res.Status))
	for _, name := range res.Rules() {
		b.WriteString(fmt.Sprintf("\n  %-30s %s", name, styleRuleStatus(res.Statuses[name])))
	}
	return b.String()
}
