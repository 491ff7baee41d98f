package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/mlflow-exim/internal/errs"
)

var httpClientCmd = &cobra.Command{
	Use:   "http-client",
	Short: "Send an authenticated request to the tracking server",
	Long: `Send one request to the tracking server with the configured credentials and print
the response body. Resources without a leading slash are relative to /api/2.0/mlflow/.`,
	Args: cobra.NoArgs,
	RunE: runE(runHTTPClient),
}

var (
	httpMethod   string
	httpResource string
	httpData     string
)

func init() {
	httpClientCmd.Flags().StringVar(&httpMethod, "method", http.MethodGet, "HTTP method")
	httpClientCmd.Flags().StringVar(&httpResource, "resource", "", "API resource, e.g. experiments/search (required)")
	httpClientCmd.Flags().StringVar(&httpData, "data", "", "JSON request body")
	httpClientCmd.MarkFlagRequired("resource")
}

func runHTTPClient(cmd *cobra.Command, e *env) error {
	var body []byte
	if httpData != "" {
		if !json.Valid([]byte(httpData)) {
			return errs.Errorf(errs.KindInvalid, "http-client", "--data is not valid JSON")
		}
		body = []byte(httpData)
	}
	eng, err := e.engine("")
	if err != nil {
		return err
	}
	resp, err := eng.Client().Raw(cmd.Context(), strings.ToUpper(httpMethod), httpResource, body)
	if err != nil {
		return err
	}

	out := resp.Body
	var pretty bytes.Buffer
	if json.Indent(&pretty, resp.Body, "", "  ") == nil {
		out = pretty.Bytes()
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if resp.Status >= http.StatusBadRequest {
		return &exitError{code: exitFailed, err: fmt.Errorf("server answered %d %s", resp.Status, http.StatusText(resp.Status))}
	}
	return nil
}
