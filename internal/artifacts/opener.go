package artifacts

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/config"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

// Opener selects a Store for an artifact URI.
type Opener struct {
	client *mlflow.Client
	s3cfg  config.S3Config
	logger *zap.Logger

	s3Once sync.Once
	s3API  S3API
	s3Err  error
}

// NewOpener returns an Opener that reaches proxied and DBFS artifacts
// through client.
func NewOpener(client *mlflow.Client, cfg config.ArtifactsConfig, logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{client: client, s3cfg: cfg.S3, logger: logger.With(zap.String("component", "artifacts"))}
}

// WithS3 makes s3:// URIs use api instead of a client built from the
// environment.
func (o *Opener) WithS3(api S3API) *Opener {
	o.s3Once.Do(func() {})
	o.s3API = api
	return o
}

func (o *Opener) s3(ctx context.Context) (S3API, error) {
	o.s3Once.Do(func() {
		o.s3API, o.s3Err = NewS3Client(ctx, o.s3cfg)
	})
	return o.s3API, o.s3Err
}

// Open returns the store for uri. Schemes other than mlflow-artifacts, dbfs,
// s3 and file (or a bare path) are Invalid.
func (o *Opener) Open(ctx context.Context, uri string) (Store, error) {
	scheme, _, ok := strings.Cut(uri, ":")
	if !ok || strings.ContainsAny(scheme, "/\\") || len(scheme) == 1 {
		// A bare path, or a Windows drive letter.
		return NewLocalStore(uri), nil
	}
	switch scheme {
	case "mlflow-artifacts":
		return newProxyStore(o.client, uri)
	case "dbfs":
		return newDBFSStore(o.client, uri)
	case "s3":
		api, err := o.s3(ctx)
		if err != nil {
			return nil, err
		}
		return newS3Store(api, uri)
	case "file":
		return newLocalStoreFromURI(uri)
	}
	return nil, errs.Errorf(errs.KindInvalid, "artifact uri", "unsupported artifact scheme %q", scheme)
}

// ForRun returns the artifact store of a run, reading through the tracking
// server when the run's artifact URI has no direct store.
func (o *Opener) ForRun(ctx context.Context, info mlflow.RunInfo) (Store, error) {
	st, err := o.Open(ctx, info.ArtifactURI)
	if errs.Is(err, errs.KindInvalid) && o.client != nil {
		o.logger.Debug("reading artifacts through tracking server",
			zap.String("run_id", info.ID()), zap.String("artifact_uri", info.ArtifactURI))
		return newTrackingStore(o.client, info.ID(), info.ArtifactURI), nil
	}
	return st, err
}

// ForSource returns the tree behind a model version source. runs:/ and
// models:/ URIs are resolved through the tracking server.
func (o *Opener) ForSource(ctx context.Context, source, runID string) (Store, error) {
	switch {
	case strings.HasPrefix(source, "runs:/"):
		id, rel, _ := strings.Cut(strings.TrimPrefix(source, "runs:/"), "/")
		run, err := o.client.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		st, err := o.ForRun(ctx, run.Info)
		if err != nil {
			return nil, err
		}
		return Sub(st, rel), nil
	case strings.HasPrefix(source, "models:/"):
		name, ver, _ := strings.Cut(strings.TrimPrefix(source, "models:/"), "/")
		uri, err := o.client.GetModelVersionDownloadURI(ctx, name, ver)
		if err != nil {
			return nil, err
		}
		return o.ForSource(ctx, uri, runID)
	}

	st, err := o.Open(ctx, source)
	if !errs.Is(err, errs.KindInvalid) || runID == "" {
		return st, err
	}
	run, rerr := o.client.GetRun(ctx, runID)
	if rerr != nil {
		return nil, err
	}
	root := strings.TrimRight(run.Info.ArtifactURI, "/")
	if rel, ok := strings.CutPrefix(source, root); ok {
		return Sub(newTrackingStore(o.client, runID, root), rel), nil
	}
	return nil, err
}
