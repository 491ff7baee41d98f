package mlflow

import (
	"context"
	"net/http"
)

// Server-side limits of runs/log-batch.
const (
	MaxBatchMetrics  = 1000
	MaxBatchParams   = 100
	MaxBatchTags     = 100
	MaxBatchEntities = 1000
)

// SearchRunsOptions filters SearchRuns.
type SearchRunsOptions struct {
	Filter   string
	ViewType string
	PageSize int
}

// SearchRuns lists the runs of the given experiments.
func (c *Client) SearchRuns(ctx context.Context, experimentIDs []string, opts SearchRunsOptions) ([]Run, error) {
	size := opts.PageSize
	if size <= 0 {
		size = 1000
	}
	return collect(ctx, func(ctx context.Context, token string) ([]Run, string, error) {
		req := struct {
			ExperimentIDs []string `json:"experiment_ids"`
			Filter        string   `json:"filter,omitempty"`
			RunViewType   string   `json:"run_view_type,omitempty"`
			MaxResults    int      `json:"max_results"`
			PageToken     string   `json:"page_token,omitempty"`
			OrderBy       []string `json:"order_by,omitempty"`
		}{experimentIDs, opts.Filter, opts.ViewType, size, token, []string{"attributes.start_time ASC"}}
		var resp struct {
			Runs          []Run  `json:"runs"`
			NextPageToken string `json:"next_page_token"`
		}
		err := c.Call(ctx, http.MethodPost, apiPrefix+"runs/search", nil, req, &resp)
		return resp.Runs, resp.NextPageToken, err
	})
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	params := struct {
		RunID string `url:"run_id"`
	}{runID}
	var resp struct {
		Run Run `json:"run"`
	}
	if err := c.Call(ctx, http.MethodGet, apiPrefix+"runs/get", params, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Run, nil
}

// CreateRunRequest describes a new run.
type CreateRunRequest struct {
	ExperimentID string `json:"experiment_id"`
	UserID       string `json:"user_id,omitempty"`
	RunName      string `json:"run_name,omitempty"`
	StartTime    int64  `json:"start_time,omitempty"`
	Tags         []Tag  `json:"tags,omitempty"`
}

// CreateRun creates a run.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	var resp struct {
		Run Run `json:"run"`
	}
	if err := c.Call(ctx, http.MethodPost, apiPrefix+"runs/create", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Run, nil
}

// UpdateRun sets the terminal status and end time of a run.
func (c *Client) UpdateRun(ctx context.Context, runID, status string, endTime int64) error {
	req := struct {
		RunID   string `json:"run_id"`
		Status  string `json:"status,omitempty"`
		EndTime int64  `json:"end_time,omitempty"`
	}{runID, status, endTime}
	return c.Call(ctx, http.MethodPost, apiPrefix+"runs/update", nil, req, nil)
}

// DeleteRun soft-deletes a run.
func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	req := struct {
		RunID string `json:"run_id"`
	}{runID}
	return c.Call(ctx, http.MethodPost, apiPrefix+"runs/delete", nil, req, nil)
}

// LogBatch logs metrics, params and tags in one call. The caller keeps each
// call within the MaxBatch limits.
func (c *Client) LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []Tag) error {
	req := struct {
		RunID   string   `json:"run_id"`
		Metrics []Metric `json:"metrics,omitempty"`
		Params  []Param  `json:"params,omitempty"`
		Tags    []Tag    `json:"tags,omitempty"`
	}{runID, metrics, params, tags}
	return c.Call(ctx, http.MethodPost, apiPrefix+"runs/log-batch", nil, req, nil)
}

// LogInputs records dataset inputs on a run.
func (c *Client) LogInputs(ctx context.Context, runID string, inputs []DatasetInput) error {
	req := struct {
		RunID    string         `json:"run_id"`
		Datasets []DatasetInput `json:"datasets"`
	}{runID, inputs}
	return c.Call(ctx, http.MethodPost, apiPrefix+"runs/log-inputs", nil, req, nil)
}

// SetTag sets one run tag.
func (c *Client) SetTag(ctx context.Context, runID, key, value string) error {
	req := struct {
		RunID string `json:"run_id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	}{runID, key, value}
	return c.Call(ctx, http.MethodPost, apiPrefix+"runs/set-tag", nil, req, nil)
}

// GetMetricHistory returns every logged point of one metric.
func (c *Client) GetMetricHistory(ctx context.Context, runID, key string) ([]Metric, error) {
	return collect(ctx, func(ctx context.Context, token string) ([]Metric, string, error) {
		params := struct {
			RunID      string `url:"run_id"`
			MetricKey  string `url:"metric_key"`
			MaxResults int    `url:"max_results"`
			PageToken  string `url:"page_token,omitempty"`
		}{runID, key, 25000, token}
		var resp struct {
			Metrics       []Metric `json:"metrics"`
			NextPageToken string   `json:"next_page_token"`
		}
		err := c.Call(ctx, http.MethodGet, apiPrefix+"metrics/get-history", params, nil, &resp)
		return resp.Metrics, resp.NextPageToken, err
	})
}

// ListArtifacts lists one directory level of a run's artifacts.
func (c *Client) ListArtifacts(ctx context.Context, runID, path string) ([]FileInfo, error) {
	return collect(ctx, func(ctx context.Context, token string) ([]FileInfo, string, error) {
		params := struct {
			RunID     string `url:"run_id"`
			Path      string `url:"path,omitempty"`
			PageToken string `url:"page_token,omitempty"`
		}{runID, path, token}
		var resp struct {
			Files         []FileInfo `json:"files"`
			NextPageToken string     `json:"next_page_token"`
		}
		err := c.Call(ctx, http.MethodGet, apiPrefix+"artifacts/list", params, nil, &resp)
		return resp.Files, resp.NextPageToken, err
	})
}
