package main

import (
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/mlflow-exim/internal/engine"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

var exportExperimentCmd = &cobra.Command{
	Use:   "export-experiment",
	Short: "Export one experiment with its runs",
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, e *env) error {
		return runExport(cmd, e, engine.ExportRequest{Experiments: []string{expFlags.experiment}})
	}),
}

var exportExperimentsCmd = &cobra.Command{
	Use:   "export-experiments",
	Short: "Export several experiments (ids, names, prefix* globs or 'all')",
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, e *env) error {
		return runExport(cmd, e, engine.ExportRequest{Experiments: splitCSV(expFlags.experiments)})
	}),
}

var exportRunCmd = &cobra.Command{
	Use:   "export-run",
	Short: "Export one run",
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, e *env) error {
		return runExport(cmd, e, engine.ExportRequest{Runs: []string{expFlags.runID}})
	}),
}

var exportModelCmd = &cobra.Command{
	Use:   "export-model",
	Short: "Export one registered model with its versions and their runs",
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, e *env) error {
		return runExport(cmd, e, engine.ExportRequest{
			Models:   []string{expFlags.model},
			Versions: splitCSV(expFlags.versions),
		})
	}),
}

var exportModelsCmd = &cobra.Command{
	Use:   "export-models",
	Short: "Export several registered models (names, prefix* globs or 'all')",
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, e *env) error {
		return runExport(cmd, e, engine.ExportRequest{Models: splitCSV(expFlags.models)})
	}),
}

var exportAllCmd = &cobra.Command{
	Use:   "export-all",
	Short: "Export every experiment and registered model",
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, e *env) error {
		return runExport(cmd, e, engine.ExportRequest{
			Experiments: []string{engine.SelectAll},
			Models:      []string{engine.SelectAll},
		})
	}),
}

var expFlags struct {
	outputDir          string
	experiment         string
	experiments        string
	runID              string
	model              string
	models             string
	versions           string
	stages             string
	filter             string
	viewType           string
	notebookFormats    string
	exportPermissions  bool
	exportVersionModel bool
}

func init() {
	all := []*cobra.Command{exportExperimentCmd, exportExperimentsCmd, exportRunCmd, exportModelCmd, exportModelsCmd, exportAllCmd}
	for _, c := range all {
		c.Flags().StringVar(&expFlags.outputDir, "output-dir", "", "Directory to write the export to (required)")
		c.MarkFlagRequired("output-dir")
		c.Flags().StringVar(&expFlags.notebookFormats, "notebook-formats", "", "Notebook formats to export (SOURCE, DBC, HTML, JUPYTER)")
	}
	for _, c := range []*cobra.Command{exportExperimentCmd, exportExperimentsCmd, exportAllCmd} {
		c.Flags().BoolVar(&expFlags.exportPermissions, "export-permissions", false, "Export experiment permissions")
		c.Flags().StringVar(&expFlags.viewType, "run-view-type", "", "Runs to export: ACTIVE_ONLY (default), DELETED_ONLY or ALL")
	}
	for _, c := range []*cobra.Command{exportModelCmd, exportModelsCmd, exportAllCmd} {
		c.Flags().StringVar(&expFlags.stages, "stages", "", "Only export versions in these stages (comma-separated)")
		c.Flags().BoolVar(&expFlags.exportVersionModel, "export-version-model", false, "Also mirror each version's source artifacts")
	}
	for _, c := range []*cobra.Command{exportExperimentsCmd, exportModelsCmd, exportAllCmd} {
		c.Flags().StringVar(&expFlags.filter, "filter", "", "Server search filter applied to 'all' and glob selections")
	}

	exportExperimentCmd.Flags().StringVar(&expFlags.experiment, "experiment", "", "Experiment id or name (required)")
	exportExperimentCmd.MarkFlagRequired("experiment")

	exportExperimentsCmd.Flags().StringVar(&expFlags.experiments, "experiments", "", "Comma-separated experiments or 'all' (required)")
	exportExperimentsCmd.MarkFlagRequired("experiments")

	exportRunCmd.Flags().StringVar(&expFlags.runID, "run-id", "", "Run id (required)")
	exportRunCmd.MarkFlagRequired("run-id")

	exportModelCmd.Flags().StringVar(&expFlags.model, "model", "", "Registered model name (required)")
	exportModelCmd.Flags().StringVar(&expFlags.versions, "versions", "", "Only export these version numbers (comma-separated)")
	exportModelCmd.MarkFlagRequired("model")

	exportModelsCmd.Flags().StringVar(&expFlags.models, "models", "", "Comma-separated models or 'all' (required)")
	exportModelsCmd.MarkFlagRequired("models")
}

func runExport(cmd *cobra.Command, e *env, req engine.ExportRequest) error {
	formats := splitCSV(expFlags.notebookFormats)
	for _, f := range formats {
		if !slices.Contains(mlflow.NotebookFormats, strings.ToUpper(f)) {
			return errs.Errorf(errs.KindInvalid, cmd.Name(), "unknown notebook format %q (want one of %s)",
				f, strings.Join(mlflow.NotebookFormats, ", "))
		}
	}
	eng, err := e.engine("")
	if err != nil {
		return err
	}
	req.Command = cmd.Name()
	req.OutputDir = expFlags.outputDir
	req.Stages = splitCSV(expFlags.stages)
	req.Filter = expFlags.filter
	req.ViewType = expFlags.viewType
	req.NotebookFormats = formats
	req.ExportPermissions = expFlags.exportPermissions
	req.ExportVersionModel = expFlags.exportVersionModel
	sum, err := eng.Export(cmd.Context(), req)
	return report(cmd, sum, err)
}
