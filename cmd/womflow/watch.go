package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"womflow/internal/engine"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch [definition.yml]",
	Short: "Run a workflow and re-run it whenever its inputs change",
	Long: `Runs the workflow once, then watches the definition file and every
declared input file, re-running the workflow when any of them changes.
Interrupt to stop.`,
	Args: cobra.ExactArgs(1),
	RunE: watchWorkflow,
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "quiet period before re-running after a change")
}

func watchWorkflow(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, eng, err := openEngine()
	if err != nil {
		return err
	}
	defer st.Close()

	w := engine.NewWatcher(eng, args[0], watchDebounce)
	w.OnResult = func(res *engine.Result, err error) {
		if err != nil {
			fmt.Fprintln(os.Stderr, failStyle.Render("run failed:"), err)
			return
		}
		fmt.Println(renderResult(res))
		fmt.Println(mutedStyle.Render("watching for changes..."))
	}

	if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
