package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/fentz26/mlflow-exim/internal/audit"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/tui"
)

var watchBatchCmd = &cobra.Command{
	Use:   "watch-batch",
	Short: "Follow the progress of a running or finished batch",
	Long: `Follow progress.jsonl of a batch directory until summary.json appears. For an
import, the directory is the record directory under <input-dir>/_imports/.`,
	Args: cobra.NoArgs,
	RunE: runLocal(runWatchBatch),
}

var (
	watchDir   string
	watchPlain bool
)

func init() {
	watchBatchCmd.Flags().StringVar(&watchDir, "dir", "", "Batch directory (required)")
	watchBatchCmd.Flags().BoolVar(&watchPlain, "plain", false, "Print one line per event instead of the interactive view")
	watchBatchCmd.MarkFlagRequired("dir")
}

func runWatchBatch(cmd *cobra.Command, e *env) error {
	if st, err := os.Stat(watchDir); err != nil || !st.IsDir() {
		return errs.Errorf(errs.KindInvalid, "watch-batch", "%s is not a directory", watchDir)
	}

	var (
		sum *audit.Summary
		err error
	)
	if watchPlain || !isatty.IsTerminal(os.Stdout.Fd()) {
		sum, err = tui.Stream(cmd.Context(), watchDir, cmd.OutOrStdout())
		if sum != nil {
			fmt.Fprint(cmd.OutOrStdout(), "\n"+tui.SummaryTable(sum))
		}
	} else {
		sum, err = tui.Watch(cmd.Context(), watchDir)
	}
	if err != nil {
		return err
	}
	if sum != nil && sum.HasFailures() {
		return &exitError{code: exitFailed, err: fmt.Errorf("batch %s has %d failed objects", sum.BatchID, len(sum.Failures()))}
	}
	return nil
}
