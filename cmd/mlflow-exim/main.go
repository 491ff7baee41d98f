package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fentz26/mlflow-exim/internal/version"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitMisuse = 2
)

var rootCmd = &cobra.Command{
	Use:   "mlflow-exim",
	Short: "Export and import MLflow experiments, runs and registered models",
	Long: `mlflow-exim copies MLflow objects between tracking servers through a directory of
JSON manifests and mirrored artifacts. Every batch writes manifest.json, progress.jsonl
and summary.json next to the objects it exported or imported.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	trackingURI  string
	configPath   string
	workers      int
	useThreads   bool
	metricsFile  string
	logLevel     string
	logFormat    string
	artifactPool int
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&trackingURI, "tracking-uri", "", "Tracking server URI (default $MLFLOW_TRACKING_URI)")
	pf.StringVar(&configPath, "config", "", "YAML config file (default $MLFLOW_EXIM_CONFIG)")
	pf.IntVar(&workers, "workers", 0, "Maximum concurrent object tasks")
	pf.BoolVar(&useThreads, "use-threads", false, "Process objects concurrently")
	pf.IntVar(&artifactPool, "artifact-workers", 0, "Concurrent file transfers per object")
	pf.StringVar(&metricsFile, "metrics-file", "", "Write prometheus metrics to this textfile at batch end")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (json, console)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitError{code: exitMisuse, err: fmt.Errorf("%w\n\n%s", err, cmd.UsageString())}
	})

	rootCmd.AddCommand(exportExperimentCmd, exportExperimentsCmd, exportRunCmd, exportModelCmd, exportModelsCmd, exportAllCmd)
	rootCmd.AddCommand(importExperimentCmd, importExperimentsCmd, importRunCmd, importModelCmd, importModelsCmd, importAllCmd)
	rootCmd.AddCommand(listModelsCmd, copyModelVersionCmd, httpClientCmd, watchBatchCmd)
}

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// exitCode maps a command error to the process exit code. Errors that did not
// come from a command body were raised by argument parsing.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitMisuse
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}
