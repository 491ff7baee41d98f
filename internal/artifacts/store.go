// Package artifacts mirrors artifact trees between artifact stores and the
// local batch directory.
//
// A Store addresses files by slash-separated paths relative to its root.
// Stores are selected from an artifact URI by scheme; a Transfer walks one
// store and copies every file with a bounded pool of goroutines.
package artifacts

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/fentz26/mlflow-exim/internal/errs"
)

// Entry is one listed file or directory.
type Entry struct {
	// Path is relative to the store root.
	Path  string
	IsDir bool
	// Size is the file size, or -1 when the store does not report it.
	Size int64
}

// Object is an open file.
type Object struct {
	Body io.ReadCloser
	// Size is the content length, or -1 when unknown.
	Size int64
	// MD5 is the hex digest of the content when the store exposes it.
	MD5 string
}

// Store is an artifact tree.
type Store interface {
	// List returns the immediate children of dir ("" is the root).
	List(ctx context.Context, dir string) ([]Entry, error)
	// Open opens one file for reading.
	Open(ctx context.Context, rel string) (*Object, error)
	// Put writes one file of size bytes.
	Put(ctx context.Context, rel string, r io.Reader, size int64) error
	// URI returns the artifact URI of the root.
	URI() string
}

// ErrReadOnly is returned by Put on stores that cannot be written.
var ErrReadOnly = errs.Errorf(errs.KindPermanent, "put artifact", "artifact store is read-only")

// Sub returns the subtree of s rooted at dir.
func Sub(s Store, dir string) Store {
	dir = cleanRel(dir)
	if dir == "" {
		return s
	}
	return &subStore{parent: s, prefix: dir}
}

type subStore struct {
	parent Store
	prefix string
}

func (s *subStore) List(ctx context.Context, dir string) ([]Entry, error) {
	entries, err := s.parent.List(ctx, joinRel(s.prefix, dir))
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Path = strings.TrimPrefix(entries[i].Path, s.prefix+"/")
	}
	return entries, nil
}

func (s *subStore) Open(ctx context.Context, rel string) (*Object, error) {
	return s.parent.Open(ctx, joinRel(s.prefix, rel))
}

func (s *subStore) Put(ctx context.Context, rel string, r io.Reader, size int64) error {
	return s.parent.Put(ctx, joinRel(s.prefix, rel), r, size)
}

func (s *subStore) URI() string {
	return strings.TrimRight(s.parent.URI(), "/") + "/" + s.prefix
}

// cleanRel normalises a relative artifact path: slash separated, no leading
// or trailing slash, "" for the root.
func cleanRel(p string) string {
	p = strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return p
}

// checkRel cleans a listed path and rejects paths that leave the listed tree
// or name its root.
func checkRel(p string) (string, error) {
	c := cleanRel(p)
	if c == "" || c == ".." || strings.HasPrefix(c, "../") {
		return "", errs.Errorf(errs.KindInvalid, "list artifacts", "invalid artifact path %q", p)
	}
	return c, nil
}

func joinRel(a, b string) string {
	return cleanRel(path.Join(a, b))
}
