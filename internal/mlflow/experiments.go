package mlflow

import (
	"context"
	"net/http"
)

// ListExperimentsOptions filters ListExperiments.
type ListExperimentsOptions struct {
	Filter   string
	ViewType string
	// PageSize defaults to 1000.
	PageSize int
}

type searchExperimentsRequest struct {
	MaxResults int      `json:"max_results"`
	PageToken  string   `json:"page_token,omitempty"`
	Filter     string   `json:"filter,omitempty"`
	ViewType   string   `json:"view_type,omitempty"`
	OrderBy    []string `json:"order_by,omitempty"`
}

type searchExperimentsResponse struct {
	Experiments   []Experiment `json:"experiments"`
	NextPageToken string       `json:"next_page_token"`
}

// ListExperiments returns every experiment matching opts.
func (c *Client) ListExperiments(ctx context.Context, opts ListExperimentsOptions) ([]Experiment, error) {
	size := opts.PageSize
	if size <= 0 {
		size = 1000
	}
	return collect(ctx, func(ctx context.Context, token string) ([]Experiment, string, error) {
		var resp searchExperimentsResponse
		err := c.Call(ctx, http.MethodPost, apiPrefix+"experiments/search", nil, searchExperimentsRequest{
			MaxResults: size,
			PageToken:  token,
			Filter:     opts.Filter,
			ViewType:   opts.ViewType,
			OrderBy:    []string{"experiment_id ASC"},
		}, &resp)
		return resp.Experiments, resp.NextPageToken, err
	})
}

type experimentResponse struct {
	Experiment Experiment `json:"experiment"`
}

// GetExperiment fetches an experiment by id.
func (c *Client) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	var resp experimentResponse
	params := struct {
		ExperimentID string `url:"experiment_id"`
	}{id}
	if err := c.Call(ctx, http.MethodGet, apiPrefix+"experiments/get", params, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Experiment, nil
}

// GetExperimentByName fetches an experiment by name.
func (c *Client) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	var resp experimentResponse
	params := struct {
		Name string `url:"experiment_name"`
	}{name}
	if err := c.Call(ctx, http.MethodGet, apiPrefix+"experiments/get-by-name", params, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Experiment, nil
}

// CreateExperiment creates an experiment and returns its id.
func (c *Client) CreateExperiment(ctx context.Context, name, artifactLocation string, tags []Tag) (string, error) {
	req := struct {
		Name             string `json:"name"`
		ArtifactLocation string `json:"artifact_location,omitempty"`
		Tags             []Tag  `json:"tags,omitempty"`
	}{name, artifactLocation, tags}
	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.Call(ctx, http.MethodPost, apiPrefix+"experiments/create", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.ExperimentID, nil
}

// RestoreExperiment moves a deleted experiment back to the active stage.
func (c *Client) RestoreExperiment(ctx context.Context, id string) error {
	req := struct {
		ExperimentID string `json:"experiment_id"`
	}{id}
	return c.Call(ctx, http.MethodPost, apiPrefix+"experiments/restore", nil, req, nil)
}

// SetExperimentTag sets one experiment tag.
func (c *Client) SetExperimentTag(ctx context.Context, id, key, value string) error {
	req := struct {
		ExperimentID string `json:"experiment_id"`
		Key          string `json:"key"`
		Value        string `json:"value"`
	}{id, key, value}
	return c.Call(ctx, http.MethodPost, apiPrefix+"experiments/set-experiment-tag", nil, req, nil)
}
