package artifacts

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

// trackingStore reads a run's artifacts through the tracking server itself
// (artifacts/list and get-artifact). It works for any backing store the
// server can reach but cannot write.
type trackingStore struct {
	client *mlflow.Client
	runID  string
	uri    string
}

func newTrackingStore(client *mlflow.Client, runID, uri string) *trackingStore {
	return &trackingStore{client: client, runID: runID, uri: uri}
}

func (s *trackingStore) URI() string { return s.uri }

func (s *trackingStore) List(ctx context.Context, dir string) ([]Entry, error) {
	files, err := s.client.ListArtifacts(ctx, s.runID, cleanRel(dir))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(files))
	for _, f := range files {
		// artifacts/list returns paths relative to the run root.
		out = append(out, fileEntry(cleanRel(f.Path), f))
	}
	return out, nil
}

func (s *trackingStore) Open(ctx context.Context, rel string) (*Object, error) {
	params := url.Values{"path": {cleanRel(rel)}, "run_uuid": {s.runID}}
	body, err := s.client.Stream(ctx, http.MethodGet, "/get-artifact", params, nil, -1)
	if err != nil {
		return nil, err
	}
	return &Object{Body: body, Size: -1}, nil
}

func (s *trackingStore) Put(context.Context, string, io.Reader, int64) error {
	return ErrReadOnly
}
