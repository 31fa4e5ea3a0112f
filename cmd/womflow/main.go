// womflow is a database-backed workflow manager: rules declare the files
// and tables they read and write, the engine derives the dependency graph
// and runs only what is stale.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"womflow/internal/config"
	"womflow/internal/engine"
	"womflow/internal/model"
	"womflow/internal/store"
	"womflow/internal/tool"
	"womflow/internal/womerror"
)

var (
	// Global flags
	verbose    bool
	configPath string
	directory  string
	dbPath     string
	dryRun     bool
	workers    int

	// Shared state built in PersistentPreRunE
	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "womflow",
	Short: "womflow - database-driven workflow manager",
	Long: `womflow runs workflows declared as rules over files and database tables.

Each rule names a tool and the files and tables it reads and writes. The
engine derives the dependency graph from that declared I/O, skips rules
whose outputs are already fresh, and records every run in sqlite.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if configPath != "" {
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
		} else {
			cfg = config.DefaultConfig()
		}
		if directory != "" {
			cfg.WorkingDirectory = directory
		}
		if dbPath != "" {
			cfg.DatabasePath = dbPath
		}
		if cmd.Flags().Changed("dry-run") {
			cfg.DryRun = dryRun
		}
		if workers > 0 {
			cfg.WorkerCount = workers
		}
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&configPath, "config", "", "path to a womflow config file")
	pf.StringVarP(&directory, "directory", "d", "", "working directory for relative paths")
	pf.StringVar(&dbPath, "db", "", "path to the sqlite database")
	pf.BoolVarP(&dryRun, "dry-run", "n", false, "simulate: do not invoke tools or persist state")
	pf.IntVarP(&workers, "workers", "w", 0, "worker pool size (0 = host concurrency)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(toolCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
}

// openEngine opens the store and builds the engine over the global
// registries. The caller closes the returned store.
func openEngine() (*store.Store, *engine.Engine, error) {
	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	eng := engine.New(st, tool.Global(), model.GlobalModels(), cfg, logger)
	return st, eng, nil
}

// exitCode maps an error to the CLI exit code of its kind; a failed run
// without an engine error exits 19.
func exitCode(err error) int {
	var we *womerror.Error
	if errors.As(err, &we) {
		return we.Kind.ExitCode()
	}
	return 1
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
