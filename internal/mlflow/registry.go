package mlflow

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/errs"
)

// SearchRegisteredModels lists registered models matching filter. Catalog
// clients search the catalog registry.
func (c *Client) SearchRegisteredModels(ctx context.Context, filter string) ([]RegisteredModel, error) {
	flavour := Classic
	if c.catalog {
		flavour = Catalog
	}
	return collect(ctx, func(ctx context.Context, token string) ([]RegisteredModel, string, error) {
		params := struct {
			Filter     string `url:"filter,omitempty"`
			MaxResults int    `url:"max_results"`
			PageToken  string `url:"page_token,omitempty"`
		}{filter, 1000, token}
		if flavour == Catalog {
			// The catalog registry does not accept search filters.
			params.Filter = ""
		}
		var resp struct {
			RegisteredModels []RegisteredModel `json:"registered_models"`
			NextPageToken    string            `json:"next_page_token"`
		}
		err := c.Call(ctx, http.MethodGet, registryPath(flavour, "registered-models/search"), params, nil, &resp)
		return resp.RegisteredModels, resp.NextPageToken, err
	})
}

type nameParams struct {
	Name string `url:"name"`
}

type versionParams struct {
	Name    string `url:"name"`
	Version string `url:"version"`
}

// GetRegisteredModel fetches a registered model with its aliases.
func (c *Client) GetRegisteredModel(ctx context.Context, name string) (*RegisteredModel, error) {
	var resp struct {
		RegisteredModel RegisteredModel `json:"registered_model"`
	}
	path := registryPath(RegistryFlavour(name), "registered-models/get")
	if err := c.Call(ctx, http.MethodGet, path, nameParams{name}, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.RegisteredModel, nil
}

// CreateRegisteredModel creates a registered model.
func (c *Client) CreateRegisteredModel(ctx context.Context, name, description string, tags []Tag) (*RegisteredModel, error) {
	req := struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Tags        []Tag  `json:"tags,omitempty"`
	}{name, description, tags}
	var resp struct {
		RegisteredModel RegisteredModel `json:"registered_model"`
	}
	path := registryPath(RegistryFlavour(name), "registered-models/create")
	if err := c.Call(ctx, http.MethodPost, path, nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp.RegisteredModel, nil
}

// DeleteRegisteredModel deletes a registered model and all of its versions.
func (c *Client) DeleteRegisteredModel(ctx context.Context, name string) error {
	req := struct {
		Name string `json:"name"`
	}{name}
	return c.Call(ctx, http.MethodDelete, registryPath(RegistryFlavour(name), "registered-models/delete"), nil, req, nil)
}

// SetRegisteredModelAlias points alias at version.
func (c *Client) SetRegisteredModelAlias(ctx context.Context, name, alias, version string) error {
	req := struct {
		Name    string `json:"name"`
		Alias   string `json:"alias"`
		Version string `json:"version"`
	}{name, alias, version}
	return c.Call(ctx, http.MethodPost, registryPath(RegistryFlavour(name), "registered-models/alias"), nil, req, nil)
}

// SearchModelVersions lists every version of a model.
func (c *Client) SearchModelVersions(ctx context.Context, name string) ([]ModelVersion, error) {
	path := registryPath(RegistryFlavour(name), "model-versions/search")
	return collect(ctx, func(ctx context.Context, token string) ([]ModelVersion, string, error) {
		params := struct {
			Filter     string `url:"filter"`
			MaxResults int    `url:"max_results"`
			PageToken  string `url:"page_token,omitempty"`
		}{fmt.Sprintf("name='%s'", name), 1000, token}
		var resp struct {
			ModelVersions []ModelVersion `json:"model_versions"`
			NextPageToken string         `json:"next_page_token"`
		}
		err := c.Call(ctx, http.MethodGet, path, params, nil, &resp)
		return resp.ModelVersions, resp.NextPageToken, err
	})
}

// GetModelVersion fetches one version.
func (c *Client) GetModelVersion(ctx context.Context, name, version string) (*ModelVersion, error) {
	var resp struct {
		ModelVersion ModelVersion `json:"model_version"`
	}
	path := registryPath(RegistryFlavour(name), "model-versions/get")
	if err := c.Call(ctx, http.MethodGet, path, versionParams{name, version}, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.ModelVersion, nil
}

// CreateModelVersionRequest describes a new model version.
type CreateModelVersionRequest struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	RunID       string `json:"run_id,omitempty"`
	RunLink     string `json:"run_link,omitempty"`
	Description string `json:"description,omitempty"`
	Tags        []Tag  `json:"tags,omitempty"`
}

// CreateModelVersion creates a version and waits until the registry reports
// it READY.
func (c *Client) CreateModelVersion(ctx context.Context, req CreateModelVersionRequest) (*ModelVersion, error) {
	var resp struct {
		ModelVersion ModelVersion `json:"model_version"`
	}
	path := registryPath(RegistryFlavour(req.Name), "model-versions/create")
	if err := c.Call(ctx, http.MethodPost, path, nil, req, &resp); err != nil {
		return nil, err
	}
	return c.waitReady(ctx, &resp.ModelVersion)
}

func (c *Client) waitReady(ctx context.Context, mv *ModelVersion) (*ModelVersion, error) {
	op := fmt.Sprintf("wait for %s/%s", mv.Name, mv.Version)
	deadline := time.Now().Add(c.pollTimeout)
	for {
		switch mv.Status {
		case VersionReady, "":
			return mv, nil
		case VersionFailed:
			return nil, errs.Errorf(errs.KindPermanent, op, "registration failed: %s", mv.StatusMessage)
		}
		if time.Now().After(deadline) {
			return nil, errs.Errorf(errs.KindTransient, op, "still %s after %s", mv.Status, c.pollTimeout)
		}
		c.logger.Debug("model version pending", zap.String("model", mv.Name), zap.String("version", mv.Version))

		t := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errs.E(errs.KindCancelled, op, ctx.Err())
		case <-t.C:
		}

		next, err := c.GetModelVersion(ctx, mv.Name, mv.Version)
		if err != nil {
			return nil, err
		}
		mv = next
	}
}

// TransitionStage moves a classic-registry version to stage. Existing versions
// in that stage are left where they are.
func (c *Client) TransitionStage(ctx context.Context, name, version, stage string) error {
	if !RegistryFlavour(name).SupportsStages() {
		return errs.Errorf(errs.KindInvalid, "transition stage", "catalog model %s has no stages", name)
	}
	req := struct {
		Name                    string `json:"name"`
		Version                 string `json:"version"`
		Stage                   string `json:"stage"`
		ArchiveExistingVersions bool   `json:"archive_existing_versions"`
	}{name, version, stage, false}
	return c.Call(ctx, http.MethodPost, apiPrefix+"model-versions/transition-stage", nil, req, nil)
}

// SetModelVersionTag sets one version tag.
func (c *Client) SetModelVersionTag(ctx context.Context, name, version, key, value string) error {
	req := struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Key     string `json:"key"`
		Value   string `json:"value"`
	}{name, version, key, value}
	return c.Call(ctx, http.MethodPost, registryPath(RegistryFlavour(name), "model-versions/set-tag"), nil, req, nil)
}

// GetModelVersionDownloadURI returns the artifact location of a version.
func (c *Client) GetModelVersionDownloadURI(ctx context.Context, name, version string) (string, error) {
	var resp struct {
		ArtifactURI string `json:"artifact_uri"`
	}
	path := registryPath(RegistryFlavour(name), "model-versions/get-download-uri")
	if err := c.Call(ctx, http.MethodGet, path, versionParams{name, version}, nil, &resp); err != nil {
		return "", err
	}
	return resp.ArtifactURI, nil
}

// CopyModelVersion creates a version of dst from an existing version of src
// on the same registry. The copy keeps the source run link.
func (c *Client) CopyModelVersion(ctx context.Context, src, version, dst string) (*ModelVersion, error) {
	mv, err := c.GetModelVersion(ctx, src, version)
	if err != nil {
		return nil, err
	}
	return c.CreateModelVersion(ctx, CreateModelVersionRequest{
		Name:        dst,
		Source:      fmt.Sprintf("models:/%s/%s", src, version),
		RunID:       mv.RunID,
		Description: mv.Description,
		Tags:        mv.Tags,
	})
}
