package mlflow

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/fentz26/mlflow-exim/internal/errs"
)

// Notebook export formats accepted by the workspace API.
var NotebookFormats = []string{"SOURCE", "HTML", "JUPYTER", "DBC"}

// NotebookExt is the file extension of each notebook format.
var NotebookExt = map[string]string{
	"SOURCE":  ".py",
	"HTML":    ".html",
	"JUPYTER": ".ipynb",
	"DBC":     ".dbc",
}

// NotebookPathTag names the workspace notebook a run came from.
const NotebookPathTag = "mlflow.databricks.notebookPath"

// ExportNotebook downloads a workspace notebook in format.
func (c *Client) ExportNotebook(ctx context.Context, path, format string) ([]byte, error) {
	params := struct {
		Path   string `url:"path"`
		Format string `url:"format"`
	}{path, strings.ToUpper(format)}
	var resp struct {
		Content string `json:"content"`
	}
	if err := c.Call(ctx, http.MethodGet, "/api/2.0/workspace/export", params, nil, &resp); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Content)
	if err != nil {
		return nil, errs.E(errs.KindPermanent, "export notebook "+path, err)
	}
	return data, nil
}

// ImportNotebook uploads a notebook to path, replacing what is there.
func (c *Client) ImportNotebook(ctx context.Context, path, format string, content []byte) error {
	dir := path[:strings.LastIndex(path, "/")+1]
	if dir != "" && dir != "/" {
		mkdirs := struct {
			Path string `json:"path"`
		}{strings.TrimSuffix(dir, "/")}
		if err := c.Call(ctx, http.MethodPost, "/api/2.0/workspace/mkdirs", nil, mkdirs, nil); err != nil {
			return err
		}
	}
	req := struct {
		Path      string `json:"path"`
		Format    string `json:"format"`
		Language  string `json:"language,omitempty"`
		Content   string `json:"content"`
		Overwrite bool   `json:"overwrite"`
	}{
		Path:      path,
		Format:    strings.ToUpper(format),
		Content:   base64.StdEncoding.EncodeToString(content),
		Overwrite: true,
	}
	if req.Format == "SOURCE" {
		req.Language = "PYTHON"
	}
	return c.Call(ctx, http.MethodPost, "/api/2.0/workspace/import", nil, req, nil)
}

// GetExperimentPermissions returns the explicit permissions of an experiment.
// Servers without the permissions API answer NotFound.
func (c *Client) GetExperimentPermissions(ctx context.Context, experimentID string) (*Permissions, error) {
	var perms Permissions
	if err := c.Call(ctx, http.MethodGet, "/api/2.0/permissions/experiments/"+experimentID, nil, nil, &perms); err != nil {
		return nil, err
	}
	return &perms, nil
}

// UpdateExperimentPermissions adds acl entries to an experiment.
func (c *Client) UpdateExperimentPermissions(ctx context.Context, experimentID string, acl []AccessControl) error {
	req := struct {
		AccessControlList []AccessControl `json:"access_control_list"`
	}{acl}
	return c.Call(ctx, http.MethodPatch, "/api/2.0/permissions/experiments/"+experimentID, nil, req, nil)
}
