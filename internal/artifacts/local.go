package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fentz26/mlflow-exim/internal/errs"
)

// partialSuffix marks a file that is still being written.
const partialSuffix = ".partial"

// LocalStore is a directory on the local file system.
type LocalStore struct {
	root string
}

// NewLocalStore returns a store rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{root: dir}
}

func newLocalStoreFromURI(uri string) (*LocalStore, error) {
	if !strings.HasPrefix(uri, "file:") {
		return NewLocalStore(uri), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, invalidURI(uri, err)
	}
	return NewLocalStore(filepath.FromSlash(u.Path)), nil
}

// URI returns the file: URI of the root.
func (s *LocalStore) URI() string {
	abs, err := filepath.Abs(s.root)
	if err != nil {
		abs = s.root
	}
	return "file://" + filepath.ToSlash(abs)
}

func (s *LocalStore) path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(cleanRel(rel)))
}

// List returns the children of dir, hiding partially written files. A missing
// root lists as empty.
func (s *LocalStore) List(_ context.Context, dir string) ([]Entry, error) {
	dir = cleanRel(dir)
	items, err := os.ReadDir(s.path(dir))
	if errors.Is(err, fs.ErrNotExist) && dir == "" {
		return nil, nil
	}
	if err != nil {
		return nil, localErr("list", err)
	}
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		if strings.HasSuffix(it.Name(), partialSuffix) {
			continue
		}
		e := Entry{Path: joinRel(dir, it.Name()), IsDir: it.IsDir(), Size: -1}
		if !it.IsDir() {
			info, err := it.Info()
			if err != nil {
				return nil, localErr("list", err)
			}
			e.Size = info.Size()
		}
		out = append(out, e)
	}
	return out, nil
}

// Open opens one file.
func (s *LocalStore) Open(_ context.Context, rel string) (*Object, error) {
	f, err := os.Open(s.path(rel))
	if err != nil {
		return nil, localErr("open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, localErr("open", err)
	}
	return &Object{Body: f, Size: info.Size()}, nil
}

// Put writes rel through a .partial file and renames it into place.
func (s *LocalStore) Put(_ context.Context, rel string, r io.Reader, size int64) error {
	dst := s.path(rel)
	n, err := writeFile(dst, r, nil)
	if err != nil {
		return err
	}
	if size >= 0 && n != size {
		os.Remove(dst)
		return errs.Errorf(errs.KindTransient, "put artifact", "%s: wrote %d bytes, expected %d", rel, n, size)
	}
	return nil
}

// writeFile copies r into dst via dst.partial, feeding every byte to tee when
// non-nil. The partial file is removed on failure.
func writeFile(dst string, r io.Reader, tee io.Writer) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, localErr("mkdir", err)
	}
	tmp := dst + partialSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return 0, localErr("create", err)
	}
	w := io.Writer(f)
	if tee != nil {
		w = io.MultiWriter(f, tee)
	}
	n, err := io.Copy(w, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		kind := errs.KindOf(err)
		if kind == errs.KindPermanent {
			// Short reads from the remote side are worth another try.
			kind = errs.KindTransient
		}
		return n, errs.E(kind, "write artifact", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return n, localErr("rename", err)
	}
	return n, nil
}

func localErr(op string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errs.E(errs.KindNotFound, op+" artifact", err)
	}
	return errs.E(errs.KindPermanent, op+" artifact", err)
}

func invalidURI(uri string, err error) error {
	return errs.E(errs.KindInvalid, "artifact uri", fmt.Errorf("%q: %w", uri, err))
}
