package artifacts

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/metrics"
	"github.com/fentz26/mlflow-exim/internal/retry"
)

// UploadLog remembers which files of a tree a destination has acknowledged,
// so a resumed upload re-sends only the rest.
type UploadLog interface {
	Uploaded(ctx context.Context) (map[string]bool, error)
	MarkUploaded(ctx context.Context, rel string, size int64) error
}

// Stats summarises one tree transfer.
type Stats struct {
	Files   int
	Skipped int
	Bytes   int64
}

// Transfer copies artifact trees with a bounded pool of goroutines per tree.
// Each file is retried as a whole while its error is Transient.
type Transfer struct {
	workers int
	retryer *retry.Retryer
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewTransfer returns a Transfer running up to workers file copies at once.
func NewTransfer(workers int, retryer *retry.Retryer, logger *zap.Logger, m *metrics.Collector) *Transfer {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryer == nil {
		retryer = retry.New(retry.DefaultPolicy(), logger)
	}
	return &Transfer{workers: workers, retryer: retryer, logger: logger.With(zap.String("component", "transfer")), metrics: m}
}

// Walk lists every file below the root of s.
func Walk(ctx context.Context, s Store) ([]Entry, error) {
	var files []Entry
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := s.List(ctx, dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Path, err = checkRel(e.Path); err != nil {
				return err
			}
			if e.IsDir {
				if err := walk(e.Path); err != nil {
					return err
				}
				continue
			}
			files = append(files, e)
		}
		return nil
	}
	if err := walk(""); err != nil {
		return nil, err
	}
	return files, nil
}

// Download mirrors the tree of src into dir. Files already present with the
// listed size are kept.
func (t *Transfer) Download(ctx context.Context, src Store, dir string) (Stats, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Stats{}, localErr("mkdir", err)
	}
	files, err := Walk(ctx, src)
	if err != nil {
		return Stats{}, err
	}

	var stats counter
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for _, f := range files {
		g.Go(func() error {
			dst := filepath.Join(dir, filepath.FromSlash(f.Path))
			if info, err := os.Stat(dst); err == nil && f.Size >= 0 && info.Size() == f.Size {
				stats.skip()
				t.metrics.ObserveArtifact("download", "skipped", 0)
				return nil
			}
			n, err := retry.Value(gctx, t.retryer, "download "+f.Path, func(ctx context.Context) (int64, error) {
				return t.fetch(ctx, src, f, dst)
			})
			if err != nil {
				return err
			}
			stats.add(n)
			t.metrics.ObserveArtifact("download", "transferred", n)
			return nil
		})
	}
	err = g.Wait()
	s := stats.snapshot()
	t.logger.Debug("artifacts downloaded",
		zap.String("uri", src.URI()),
		zap.Int("files", s.Files),
		zap.Int("skipped", s.Skipped),
		zap.String("bytes", humanize.Bytes(uint64(s.Bytes))))
	return s, err
}

// fetch copies one file and verifies its size and digest when known.
func (t *Transfer) fetch(ctx context.Context, src Store, f Entry, dst string) (int64, error) {
	obj, err := src.Open(ctx, f.Path)
	if err != nil {
		return 0, err
	}
	defer obj.Body.Close()

	sum := md5.New()
	n, err := writeFile(dst, obj.Body, sum)
	if err != nil {
		return n, err
	}

	want := obj.Size
	if want < 0 {
		want = f.Size
	}
	if want >= 0 && n != want {
		os.Remove(dst)
		return n, errs.Errorf(errs.KindTransient, "download "+f.Path, "got %d bytes, expected %d", n, want)
	}
	if obj.MD5 != "" {
		if got := hex.EncodeToString(sum.Sum(nil)); got != obj.MD5 {
			os.Remove(dst)
			return n, errs.Errorf(errs.KindTransient, "download "+f.Path, "md5 %s, expected %s", got, obj.MD5)
		}
	}
	return n, nil
}

// Upload sends every file below dir to dst under the same relative paths.
// Files acknowledged in log are not sent again; log may be nil.
func (t *Transfer) Upload(ctx context.Context, dir string, dst Store, log UploadLog) (Stats, error) {
	done := map[string]bool{}
	if log != nil {
		var err error
		if done, err = log.Uploaded(ctx); err != nil {
			return Stats{}, err
		}
	}

	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, partialSuffix) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, localErr("walk", err)
	}

	var stats counter
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for _, rel := range files {
		if done[rel] {
			stats.skip()
			t.metrics.ObserveArtifact("upload", "skipped", 0)
			continue
		}
		g.Go(func() error {
			n, err := retry.Value(gctx, t.retryer, "upload "+rel, func(ctx context.Context) (int64, error) {
				return t.send(ctx, filepath.Join(dir, filepath.FromSlash(rel)), rel, dst)
			})
			if err != nil {
				return err
			}
			if log != nil {
				if err := log.MarkUploaded(gctx, rel, n); err != nil {
					return err
				}
			}
			stats.add(n)
			t.metrics.ObserveArtifact("upload", "transferred", n)
			return nil
		})
	}
	err = g.Wait()
	s := stats.snapshot()
	t.logger.Debug("artifacts uploaded",
		zap.String("uri", dst.URI()),
		zap.Int("files", s.Files),
		zap.Int("skipped", s.Skipped),
		zap.String("bytes", humanize.Bytes(uint64(s.Bytes))))
	return s, err
}

func (t *Transfer) send(ctx context.Context, path, rel string, dst Store) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, localErr("open", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, localErr("stat", err)
	}
	if err := dst.Put(ctx, rel, f, info.Size()); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

type counter struct {
	files   atomic.Int64
	skipped atomic.Int64
	bytes   atomic.Int64
}

func (c *counter) add(n int64) {
	c.files.Add(1)
	c.bytes.Add(n)
}

func (c *counter) skip() {
	c.skipped.Add(1)
}

func (c *counter) snapshot() Stats {
	return Stats{Files: int(c.files.Load()), Skipped: int(c.skipped.Load()), Bytes: c.bytes.Load()}
}
