package artifacts

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

const (
	dbfsAPI = "/api/2.0/dbfs/"
	// dbfsBlock is the largest read or add-block payload DBFS accepts.
	dbfsBlock = 1 << 20
)

// dbfsStore serves dbfs: URIs through the DBFS REST API of the workspace the
// tracking client points at.
type dbfsStore struct {
	client *mlflow.Client
	uri    string
	root   string
}

func newDBFSStore(client *mlflow.Client, uri string) (*dbfsStore, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, invalidURI(uri, err)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	return &dbfsStore{client: client, uri: uri, root: "/" + cleanRel(p)}, nil
}

type dbfsFile struct {
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	FileSize int64  `json:"file_size"`
}

type dbfsPath struct {
	Path string `url:"path"`
}

func (s *dbfsStore) URI() string { return s.uri }

func (s *dbfsStore) abs(rel string) string {
	return path.Join(s.root, cleanRel(rel))
}

func (s *dbfsStore) List(ctx context.Context, dir string) ([]Entry, error) {
	var resp struct {
		Files []dbfsFile `json:"files"`
	}
	err := s.client.Call(ctx, http.MethodGet, dbfsAPI+"list", dbfsPath{s.abs(dir)}, nil, &resp)
	if errs.IsNotFound(err) && cleanRel(dir) == "" {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(resp.Files))
	for _, f := range resp.Files {
		rel := strings.TrimPrefix(strings.TrimPrefix(f.Path, s.root), "/")
		e := Entry{Path: cleanRel(rel), IsDir: f.IsDir, Size: f.FileSize}
		if f.IsDir {
			e.Size = -1
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *dbfsStore) Open(ctx context.Context, rel string) (*Object, error) {
	var st dbfsFile
	if err := s.client.Call(ctx, http.MethodGet, dbfsAPI+"get-status", dbfsPath{s.abs(rel)}, nil, &st); err != nil {
		return nil, err
	}
	if st.IsDir {
		return nil, errs.Errorf(errs.KindInvalid, "open artifact", "%s is a directory", rel)
	}
	r := &dbfsReader{ctx: ctx, store: s, path: s.abs(rel), size: st.FileSize}
	return &Object{Body: io.NopCloser(r), Size: st.FileSize}, nil
}

// dbfsReader reads a file in DBFS-sized blocks.
type dbfsReader struct {
	ctx    context.Context
	store  *dbfsStore
	path   string
	size   int64
	offset int64
	buf    []byte
}

func (r *dbfsReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		if r.offset >= r.size {
			return 0, io.EOF
		}
		params := struct {
			Path   string `url:"path"`
			Offset int64  `url:"offset"`
			Length int64  `url:"length"`
		}{r.path, r.offset, dbfsBlock}
		var resp struct {
			BytesRead int64  `json:"bytes_read"`
			Data      string `json:"data"`
		}
		if err := r.store.client.Call(r.ctx, http.MethodGet, dbfsAPI+"read", params, nil, &resp); err != nil {
			return 0, err
		}
		data, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			return 0, errs.E(errs.KindPermanent, "read artifact", err)
		}
		if len(data) == 0 {
			return 0, io.ErrUnexpectedEOF
		}
		r.offset += int64(len(data))
		r.buf = data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (s *dbfsStore) Put(ctx context.Context, rel string, r io.Reader, _ int64) error {
	var created struct {
		Handle int64 `json:"handle"`
	}
	req := struct {
		Path      string `json:"path"`
		Overwrite bool   `json:"overwrite"`
	}{s.abs(rel), true}
	if err := s.client.Call(ctx, http.MethodPost, dbfsAPI+"create", nil, req, &created); err != nil {
		return err
	}

	closeHandle := func() error {
		body := struct {
			Handle int64 `json:"handle"`
		}{created.Handle}
		return s.client.Call(ctx, http.MethodPost, dbfsAPI+"close", nil, body, nil)
	}

	buf := make([]byte, dbfsBlock)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			block := struct {
				Handle int64  `json:"handle"`
				Data   string `json:"data"`
			}{created.Handle, base64.StdEncoding.EncodeToString(buf[:n])}
			if err := s.client.Call(ctx, http.MethodPost, dbfsAPI+"add-block", nil, block, nil); err != nil {
				_ = closeHandle()
				return err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			_ = closeHandle()
			return errs.E(errs.KindPermanent, "put artifact", rerr)
		}
	}
	return closeHandle()
}
