package artifacts

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

const proxyPath = "/api/2.0/mlflow-artifacts/artifacts"

// proxyStore serves mlflow-artifacts: URIs through the tracking server's
// artifact proxy.
type proxyStore struct {
	client *mlflow.Client
	uri    string
	// root is the proxy path of the tree, e.g. "3/<run>/artifacts".
	root string
}

func newProxyStore(client *mlflow.Client, uri string) (*proxyStore, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, invalidURI(uri, err)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	return &proxyStore{client: client, uri: uri, root: cleanRel(p)}, nil
}

func (s *proxyStore) URI() string { return s.uri }

func (s *proxyStore) List(ctx context.Context, dir string) ([]Entry, error) {
	dir = cleanRel(dir)
	params := struct {
		Path string `url:"path"`
	}{joinRel(s.root, dir)}
	var resp struct {
		Files []mlflow.FileInfo `json:"files"`
	}
	if err := s.client.Call(ctx, http.MethodGet, proxyPath, params, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(resp.Files))
	for _, f := range resp.Files {
		// The proxy lists base names.
		out = append(out, fileEntry(joinRel(dir, f.Path), f))
	}
	return out, nil
}

func (s *proxyStore) Open(ctx context.Context, rel string) (*Object, error) {
	body, err := s.client.Stream(ctx, http.MethodGet, s.objectPath(rel), nil, nil, -1)
	if err != nil {
		return nil, err
	}
	return &Object{Body: body, Size: -1}, nil
}

func (s *proxyStore) Put(ctx context.Context, rel string, r io.Reader, size int64) error {
	body, err := s.client.Stream(ctx, http.MethodPut, s.objectPath(rel), nil, r, size)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

func (s *proxyStore) objectPath(rel string) string {
	parts := strings.Split(joinRel(s.root, rel), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return proxyPath + "/" + strings.Join(parts, "/")
}

func fileEntry(p string, f mlflow.FileInfo) Entry {
	e := Entry{Path: p, IsDir: f.IsDir, Size: int64(f.FileSize)}
	if f.IsDir {
		e.Size = -1
	}
	return e
}
