package engine

import (
	"context"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/importer"
	"github.com/fentz26/mlflow-exim/internal/manifest"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

// CopyRequest copies one model version into another model.
type CopyRequest struct {
	SrcModel   string
	SrcVersion string
	DstModel   string
	// DstExperimentName receives the copied backing run when the copy goes
	// through an export.
	DstExperimentName string
	// CopyLineage tags the new version with where it came from.
	CopyLineage bool
}

// CopyResult describes a finished copy.
type CopyResult struct {
	// Target is "<model>/<version>" on the destination.
	Target string
	// Native is true when the registry copied the version itself.
	Native bool
}

// CopyModelVersion copies a version of e's server into dst. When both
// engines talk to the same server the registry copies the version in place;
// otherwise the version and its run go through an export and an import in a
// temporary directory.
func (e *Engine) CopyModelVersion(ctx context.Context, dst *Engine, req CopyRequest) (*CopyResult, error) {
	if req.SrcModel == "" || req.SrcVersion == "" || req.DstModel == "" {
		return nil, errs.Errorf(errs.KindInvalid, "copy model version", "source model, source version and destination model are required")
	}
	if dst == nil {
		dst = e
	}
	if dst.client.Host() == e.client.Host() {
		return e.copyNative(ctx, req)
	}
	return e.copyThrough(ctx, dst, req)
}

func (e *Engine) copyNative(ctx context.Context, req CopyRequest) (*CopyResult, error) {
	src, err := e.client.GetModelVersion(ctx, req.SrcModel, req.SrcVersion)
	if err != nil {
		return nil, err
	}
	if _, err := e.client.CreateRegisteredModel(ctx, req.DstModel, "", nil); err != nil && !errs.IsAlreadyExists(err) {
		return nil, err
	}
	mv, err := e.client.CopyModelVersion(ctx, req.SrcModel, req.SrcVersion, req.DstModel)
	if err != nil {
		return nil, err
	}
	if req.CopyLineage {
		if err := e.tagLineage(ctx, mv, src); err != nil {
			return nil, err
		}
	}
	e.logger.Info("model version copied",
		zap.String("source", req.SrcModel+"/"+req.SrcVersion),
		zap.String("target", mv.Name+"/"+mv.Version))
	return &CopyResult{Target: mv.Name + "/" + mv.Version, Native: true}, nil
}

func (e *Engine) tagLineage(ctx context.Context, mv, src *mlflow.ModelVersion) error {
	tags := map[string]string{
		manifest.CopyTagPrefix + "source.tracking_uri": e.TrackingURI(),
		manifest.CopyTagPrefix + "source.model_name":   src.Name,
		manifest.CopyTagPrefix + "source.version":      src.Version,
		manifest.CopyTagPrefix + "source.run_id":       src.RunID,
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if tags[k] == "" {
			continue
		}
		if err := e.client.SetModelVersionTag(ctx, mv.Name, mv.Version, k, tags[k]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) copyThrough(ctx context.Context, dst *Engine, req CopyRequest) (*CopyResult, error) {
	tmp, err := os.MkdirTemp("", "mlflow-exim-copy-")
	if err != nil {
		return nil, errs.E(errs.KindPermanent, "copy model version", err)
	}
	defer os.RemoveAll(tmp)

	src := req.SrcModel + "/" + req.SrcVersion
	exported, err := e.Export(ctx, ExportRequest{
		Command:   "copy-model-version",
		OutputDir: tmp,
		Models:    []string{req.SrcModel},
		Versions:  []string{req.SrcVersion},
	})
	if err != nil {
		return nil, err
	}
	if exported.HasFailures() {
		return nil, errs.Errorf(errs.KindUpstreamFailed, "copy model version", "export of %s failed: %s", src, firstFailure(exported.Failures()))
	}

	imported, err := dst.Import(ctx, ImportRequest{
		Command:  "copy-model-version",
		InputDir: tmp,
		Models:   true,
		Options: importer.Options{
			ExperimentName: req.DstExperimentName,
			ModelName:      req.DstModel,
			CopyTags:       req.CopyLineage,
			SynthesizeRuns: true,
		},
	})
	if err != nil {
		return nil, err
	}
	target, ok := imported.VersionMap[src]
	if !ok {
		return nil, errs.Errorf(errs.KindUpstreamFailed, "copy model version", "import of %s failed: %s", src, firstFailure(imported.Failures()))
	}
	e.logger.Info("model version copied through export",
		zap.String("source", src), zap.String("target", target))
	return &CopyResult{Target: target}, nil
}
