package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/audit"
	"github.com/fentz26/mlflow-exim/internal/config"
	"github.com/fentz26/mlflow-exim/internal/engine"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/logging"
	"github.com/fentz26/mlflow-exim/internal/metrics"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
	"github.com/fentz26/mlflow-exim/internal/tui"
)

// env is what every command body runs with.
type env struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	closeLog func()
}

// runE adapts a command body that talks to a tracking server so its error
// carries an exit code: misuse for invalid input, failure for everything else.
func runE(fn func(cmd *cobra.Command, e *env) error) func(*cobra.Command, []string) error {
	return wrap(true, fn)
}

// runLocal is runE for commands that only read local batch directories.
func runLocal(fn func(cmd *cobra.Command, e *env) error) func(*cobra.Command, []string) error {
	return wrap(false, fn)
}

func wrap(tracking bool, fn func(cmd *cobra.Command, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd, tracking)
		if err != nil {
			return &exitError{code: exitMisuse, err: err}
		}
		err = fn(cmd, e)
		e.close()
		if err == nil {
			return nil
		}
		var ee *exitError
		if errors.As(err, &ee) {
			return err
		}
		if errs.Is(err, errs.KindInvalid) {
			return &exitError{code: exitMisuse, err: err}
		}
		return &exitError{code: exitFailed, err: err}
	}
}

// setup loads the configuration and applies the root flags over it.
func setup(cmd *cobra.Command, tracking bool) (*env, error) {
	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigFile)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if trackingURI != "" {
		cfg.Tracking.URI = trackingURI
	}
	switch {
	case cmd.Flags().Changed("workers"):
		cfg.Scheduler.Workers = workers
	case !useThreads:
		cfg.Scheduler.Workers = 1
	}
	if artifactPool > 0 {
		cfg.Artifacts.Workers = artifactPool
	}
	if metricsFile != "" {
		cfg.Metrics.File = metricsFile
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if tracking {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return &env{cfg: cfg, logger: logger, metrics: metrics.New(), closeLog: closeLog}, nil
}

// engine connects to uri, or to the configured tracking URI when uri is empty.
func (e *env) engine(uri string) (*engine.Engine, error) {
	cfg := *e.cfg
	if uri != "" {
		cfg.Tracking.URI = uri
	}
	client, err := mlflow.NewFromConfig(&cfg, e.logger, e.metrics)
	if err != nil {
		return nil, err
	}
	return engine.New(&cfg, client, e.logger, e.metrics), nil
}

func (e *env) close() {
	if e.cfg.Metrics.File != "" {
		if err := e.metrics.WriteTextfile(e.cfg.Metrics.File); err != nil {
			e.logger.Warn("cannot write metrics file", zap.String("path", e.cfg.Metrics.File), zap.Error(err))
		}
	}
	e.closeLog()
}

// report prints the batch summary and turns failed objects into exit code 1.
func report(cmd *cobra.Command, sum *audit.Summary, err error) error {
	if sum != nil {
		fmt.Fprint(cmd.OutOrStdout(), tui.SummaryTable(sum))
	}
	if err != nil {
		return err
	}
	if sum.HasFailures() {
		return &exitError{code: exitFailed, err: fmt.Errorf("%d of %d objects failed", len(sum.Failures()), len(sum.Entries))}
	}
	return nil
}

// splitCSV splits a comma-separated flag value, dropping blanks.
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
