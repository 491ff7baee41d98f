package main

import (
	"github.com/spf13/cobra"

	"github.com/fentz26/mlflow-exim/internal/engine"
	"github.com/fentz26/mlflow-exim/internal/importer"
)

var importExperimentCmd = &cobra.Command{
	Use:   "import-experiment",
	Short: "Import an exported experiment under a new name",
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, e *env) error {
		return runImport(cmd, e, engine.ImportRequest{Experiments: true})
	}),
}

var importExperimentsCmd = &cobra.Command{
	Use:   "import-experiments",
	Short: "Import every exported experiment",
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, e *env) error {
		return runImport(cmd, e, engine.ImportRequest{Experiments: true})
	}),
}

var importRunCmd = &cobra.Command{
	Use:   "import-run",
	Short: "Import exported runs into an experiment",
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, e *env) error {
		return runImport(cmd, e, engine.ImportRequest{Experiments: true})
	}),
}

var importModelCmd = &cobra.Command{
	Use:   "import-model",
	Short: "Import an exported registered model under a new name",
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, e *env) error {
		return runImport(cmd, e, engine.ImportRequest{Models: true})
	}),
}

var importModelsCmd = &cobra.Command{
	Use:   "import-models",
	Short: "Import every exported registered model with the runs it needs",
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, e *env) error {
		return runImport(cmd, e, engine.ImportRequest{Models: true})
	}),
}

var importAllCmd = &cobra.Command{
	Use:   "import-all",
	Short: "Import everything an export-all wrote",
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, e *env) error {
		return runImport(cmd, e, engine.ImportRequest{Experiments: true, Models: true})
	}),
}

var impFlags struct {
	inputDir          string
	recordDir         string
	experimentName    string
	modelName         string
	importSourceTags  bool
	importPermissions bool
	deleteModel       bool
	synthesizeRuns    bool
	notebookDir       string
}

func init() {
	all := []*cobra.Command{importExperimentCmd, importExperimentsCmd, importRunCmd, importModelCmd, importModelsCmd, importAllCmd}
	for _, c := range all {
		c.Flags().StringVar(&impFlags.inputDir, "input-dir", "", "Directory an export wrote (required)")
		c.MarkFlagRequired("input-dir")
		c.Flags().StringVar(&impFlags.recordDir, "record-dir", "", "Where to keep the import's batch record (default <input-dir>/_imports/<target>)")
		c.Flags().BoolVar(&impFlags.importSourceTags, "import-source-tags", false, "Tag created objects with their source ids")
	}
	for _, c := range []*cobra.Command{importExperimentCmd, importExperimentsCmd, importRunCmd, importAllCmd} {
		c.Flags().BoolVar(&impFlags.importPermissions, "import-permissions", false, "Apply exported experiment permissions")
		c.Flags().StringVar(&impFlags.notebookDir, "dst-notebook-dir", "", "Workspace directory for the runs' exported notebooks")
	}
	for _, c := range []*cobra.Command{importModelCmd, importModelsCmd, importAllCmd} {
		c.Flags().BoolVar(&impFlags.deleteModel, "delete-model", false, "Delete an existing destination model first")
		c.Flags().BoolVar(&impFlags.synthesizeRuns, "synthesize-runs", false, "Create placeholder runs for versions whose run is gone")
	}

	importExperimentCmd.Flags().StringVar(&impFlags.experimentName, "experiment-name", "", "Destination experiment name (required)")
	importExperimentCmd.MarkFlagRequired("experiment-name")

	importRunCmd.Flags().StringVar(&impFlags.experimentName, "experiment-name", "", "Destination experiment name (required)")
	importRunCmd.MarkFlagRequired("experiment-name")

	importModelCmd.Flags().StringVar(&impFlags.modelName, "model", "", "Destination model name (required)")
	importModelCmd.Flags().StringVar(&impFlags.experimentName, "experiment-name", "", "Destination experiment of the versions' runs")
	importModelCmd.MarkFlagRequired("model")
}

func runImport(cmd *cobra.Command, e *env, req engine.ImportRequest) error {
	eng, err := e.engine("")
	if err != nil {
		return err
	}
	req.Command = cmd.Name()
	req.InputDir = impFlags.inputDir
	req.RecordDir = impFlags.recordDir
	req.Options = importer.Options{
		ExperimentName:    impFlags.experimentName,
		ModelName:         impFlags.modelName,
		CopyTags:          impFlags.importSourceTags,
		ImportPermissions: impFlags.importPermissions,
		DeleteModel:       impFlags.deleteModel,
		SynthesizeRuns:    impFlags.synthesizeRuns,
		NotebookDir:       impFlags.notebookDir,
	}
	sum, err := eng.Import(cmd.Context(), req)
	return report(cmd, sum, err)
}
