package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/mlflow-exim/internal/engine"
	"github.com/fentz26/mlflow-exim/internal/tui"
)

var listModelsCmd = &cobra.Command{
	Use:   "list-models",
	Short: "List registered models with their latest versions and aliases",
	Args:  cobra.NoArgs,
	RunE:  runE(runListModels),
}

var copyModelVersionCmd = &cobra.Command{
	Use:   "copy-model-version",
	Short: "Copy a model version into another model, on this or another server",
	Args:  cobra.NoArgs,
	RunE:  runE(runCopyModelVersion),
}

var (
	listFilter string
	listJSON   bool

	copyReq    engine.CopyRequest
	copyDstURI string
)

func init() {
	listModelsCmd.Flags().StringVar(&listFilter, "filter", "", "Server search filter, e.g. \"name LIKE 'churn%'\"")
	listModelsCmd.Flags().BoolVar(&listJSON, "json", false, "Print the models as JSON")

	f := copyModelVersionCmd.Flags()
	f.StringVar(&copyReq.SrcModel, "src-model", "", "Source model name (required)")
	f.StringVar(&copyReq.SrcVersion, "src-version", "", "Source version number (required)")
	f.StringVar(&copyReq.DstModel, "dst-model", "", "Destination model name (required)")
	f.StringVar(&copyReq.DstExperimentName, "dst-experiment-name", "", "Destination experiment of the copied run, for cross-server copies")
	f.BoolVar(&copyReq.CopyLineage, "copy-lineage", false, "Tag the new version with its source")
	f.StringVar(&copyDstURI, "dst-tracking-uri", "", "Destination tracking URI (default: the source server)")
	copyModelVersionCmd.MarkFlagRequired("src-model")
	copyModelVersionCmd.MarkFlagRequired("src-version")
	copyModelVersionCmd.MarkFlagRequired("dst-model")
}

func runListModels(cmd *cobra.Command, e *env) error {
	eng, err := e.engine("")
	if err != nil {
		return err
	}
	models, err := eng.Client().SearchRegisteredModels(cmd.Context(), listFilter)
	if err != nil {
		return err
	}
	if listJSON {
		data, err := json.MarshalIndent(models, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), tui.ModelsTable(models, time.Now()))
	return nil
}

func runCopyModelVersion(cmd *cobra.Command, e *env) error {
	src, err := e.engine("")
	if err != nil {
		return err
	}
	dst := src
	if copyDstURI != "" {
		if dst, err = e.engine(copyDstURI); err != nil {
			return err
		}
	}
	res, err := src.CopyModelVersion(cmd.Context(), dst, copyReq)
	if err != nil {
		return err
	}
	mode := "through export"
	if res.Native {
		mode = "in registry"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s -> %s (%s)\n", copyReq.SrcModel, copyReq.SrcVersion, res.Target, mode)
	return nil
}
