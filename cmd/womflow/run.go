package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"womflow/internal/engine"
	"womflow/internal/womerror"
)

var runDOT bool

var runCmd = &cobra.Command{
	Use:   "run [definition.yml]",
	Short: "Run a workflow definition",
	Long: `Parses the definition file, binds every rule against the registered
tools and table models, derives the dependency graph, and runs the rules
that are stale. A second run over unchanged inputs skips everything.

With --dot the graph is printed in Graphviz format and nothing runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().BoolVar(&runDOT, "dot", false, "print the dependency graph in Graphviz dot format and exit")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, eng, err := openEngine()
	if err != nil {
		return err
	}
	defer st.Close()

	if runDOT {
		dot, err := eng.DOT(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Print(dot)
		return nil
	}

	res, err := eng.RunDefinition(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(renderResult(res))
	if res.Status != engine.StatusDone {
		return womerror.Newf(womerror.ExecutionFailure, "workflow finished with status %s", res.Status)
	}
	return nil
}
