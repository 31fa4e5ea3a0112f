package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"womflow/internal/engine"
	"womflow/internal/womerror"
)

var (
	toolInputFiles   []string
	toolInputTables  []string
	toolOutputFiles  []string
	toolOutputTables []string
	toolParams       []string
)

var toolCmd = &cobra.Command{
	Use:   "tool [identifier]",
	Short: "Run a single registered tool without a definition file",
	Long: `Runs one tool as a synthetic single-rule workflow. Inputs, outputs and
params are given as repeated name=value flags, where the value is a file
path or a table model identifier.

Example:
  womflow tool fasta.index -i sequences=data/seqs.fasta --output-table index=app.SeqIndex`,
	Args: cobra.ExactArgs(1),
	RunE: runTool,
}

func init() {
	f := toolCmd.Flags()
	f.StringArrayVarP(&toolInputFiles, "input-file", "i", nil, "input file as name=path (repeatable)")
	f.StringArrayVar(&toolInputTables, "input-table", nil, "input table as name=model (repeatable)")
	f.StringArrayVarP(&toolOutputFiles, "output-file", "o", nil, "output file as name=path (repeatable)")
	f.StringArrayVar(&toolOutputTables, "output-table", nil, "output table as name=model (repeatable)")
	f.StringArrayVarP(&toolParams, "param", "p", nil, "option as name=value (repeatable)")
}

func runTool(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inFiles, err := parseKV(toolInputFiles, "input-file")
	if err != nil {
		return err
	}
	inTables, err := parseKV(toolInputTables, "input-table")
	if err != nil {
		return err
	}
	outFiles, err := parseKV(toolOutputFiles, "output-file")
	if err != nil {
		return err
	}
	outTables, err := parseKV(toolOutputTables, "output-table")
	if err != nil {
		return err
	}
	params, err := parseKV(toolParams, "param")
	if err != nil {
		return err
	}

	st, eng, err := openEngine()
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := eng.RunSingle(ctx, args[0], inFiles, inTables, outFiles, outTables, params)
	if err != nil {
		return err
	}
	fmt.Println(renderResult(res))
	if res.Status != engine.StatusDone {
		return womerror.Newf(womerror.ExecutionFailure, "tool run finished with status %s", res.Status)
	}
	return nil
}

// parseKV splits repeated name=value flags into a map.
func parseKV(pairs []string, flag string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--%s wants name=value, got %q", flag, p)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("--%s repeats the name %q", flag, name)
		}
		out[name] = value
	}
	return out, nil
}
