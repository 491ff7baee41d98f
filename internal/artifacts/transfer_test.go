package artifacts_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/mlflow-exim/internal/artifacts"
	"github.com/fentz26/mlflow-exim/internal/config"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/metrics"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
	"github.com/fentz26/mlflow-exim/internal/mlflow/mlflowtest"
	"github.com/fentz26/mlflow-exim/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

type fixture struct {
	srv      *mlflowtest.Server
	client   *mlflow.Client
	opener   *artifacts.Opener
	transfer *artifacts.Transfer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := mlflowtest.NewServer()
	t.Cleanup(srv.Close)
	client, err := mlflow.New(mlflow.Options{Host: srv.URL, Retry: fastRetry()})
	require.NoError(t, err)
	return &fixture{
		srv:      srv,
		client:   client,
		opener:   artifacts.NewOpener(client, config.ArtifactsConfig{}, nil),
		transfer: artifacts.NewTransfer(3, client.Retryer(), nil, metrics.New()),
	}
}

func (f *fixture) runStore(t *testing.T, runID string) artifacts.Store {
	t.Helper()
	run, err := f.client.GetRun(context.Background(), runID)
	require.NoError(t, err)
	st, err := f.opener.ForRun(context.Background(), run.Info)
	require.NoError(t, err)
	return st
}

var tree = map[string]string{
	"model/MLmodel":          "flavors: {}",
	"model/data/weights.bin": strings.Repeat("w", 4096),
	"notes.txt":              "hello",
}

func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		rel, _ := filepath.Rel(dir, p)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestDownloadMirrorsRunTree(t *testing.T) {
	f := newFixture(t)
	expID := f.srv.AddExperiment("exp", nil)
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{Artifacts: tree})
	dir := t.TempDir()

	stats, err := f.transfer.Download(context.Background(), f.runStore(t, runID), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Files)
	assert.Equal(t, int64(4096+11+5), stats.Bytes)
	assert.Equal(t, tree, readTree(t, dir))

	stats, err = f.transfer.Download(context.Background(), f.runStore(t, runID), dir)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Files)
	assert.Equal(t, 3, stats.Skipped)
}

func TestDownloadReplacesTruncatedFile(t *testing.T) {
	f := newFixture(t)
	expID := f.srv.AddExperiment("exp", nil)
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{Artifacts: tree})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("he"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt.partial"), []byte("junk"), 0o644))

	stats, err := f.transfer.Download(context.Background(), f.runStore(t, runID), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Files)

	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	expID := f.srv.AddExperiment("exp", nil)
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.pkl"), bytes.Repeat([]byte{7}, 2048), 0o644))

	f.srv.FailNext(http.MethodPut, "/api/2.0/mlflow-artifacts/artifacts/", 2, http.StatusServiceUnavailable)
	stats, err := f.transfer.Upload(context.Background(), dir, f.runStore(t, runID), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, int64(2048), stats.Bytes)
	assert.Equal(t, 3, f.srv.RequestsWithPrefix(http.MethodPut, "/api/2.0/mlflow-artifacts/artifacts/"))

	got := f.srv.RunArtifacts(runID)
	assert.Len(t, got["model.pkl"], 2048)
}

func TestUploadRoundTrip(t *testing.T) {
	f := newFixture(t)
	expID := f.srv.AddExperiment("exp", nil)
	src := f.srv.AddRun(expID, mlflowtest.RunSeed{Artifacts: tree})
	dst := f.srv.AddRun(expID, mlflowtest.RunSeed{})
	dir := t.TempDir()
	ctx := context.Background()

	_, err := f.transfer.Download(ctx, f.runStore(t, src), dir)
	require.NoError(t, err)
	_, err = f.transfer.Upload(ctx, dir, f.runStore(t, dst), nil)
	require.NoError(t, err)

	assert.Equal(t, f.srv.RunArtifacts(src), f.srv.RunArtifacts(dst))
}

type memLog struct {
	mu   sync.Mutex
	done map[string]int64
}

func (l *memLog) Uploaded(context.Context) (map[string]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]bool{}
	for k := range l.done {
		out[k] = true
	}
	return out, nil
}

func (l *memLog) MarkUploaded(_ context.Context, rel string, size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done[rel] = size
	return nil
}

func TestUploadSkipsAcknowledgedFiles(t *testing.T) {
	f := newFixture(t)
	expID := f.srv.AddExperiment("exp", nil)
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{})
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	log := &memLog{done: map[string]int64{"a.txt": 5}}

	stats, err := f.transfer.Upload(context.Background(), dir, f.runStore(t, runID), log)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, int64(5), log.done["b.txt"])

	got := f.srv.RunArtifacts(runID)
	assert.NotContains(t, got, "a.txt")
	assert.Equal(t, "b.txt", string(got["b.txt"]))
}

// shortStore serves every file one byte short of its listed size.
type shortStore struct {
	opens int
}

func (s *shortStore) List(_ context.Context, dir string) ([]artifacts.Entry, error) {
	if dir != "" {
		return nil, nil
	}
	return []artifacts.Entry{{Path: "f.bin", Size: 4}}, nil
}

func (s *shortStore) Open(context.Context, string) (*artifacts.Object, error) {
	s.opens++
	return &artifacts.Object{Body: io.NopCloser(strings.NewReader("abc")), Size: -1}, nil
}

func (s *shortStore) Put(context.Context, string, io.Reader, int64) error {
	return artifacts.ErrReadOnly
}

func (s *shortStore) URI() string { return "mem://short" }

func TestDownloadRejectsShortFile(t *testing.T) {
	tr := artifacts.NewTransfer(1, retry.New(fastRetry(), nil), nil, nil)
	src := &shortStore{}
	dir := t.TempDir()

	_, err := tr.Download(context.Background(), src, dir)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, 5, src.opens)
	_, statErr := os.Stat(filepath.Join(dir, "f.bin"))
	assert.True(t, os.IsNotExist(statErr))
}

// escapingStore lists a file outside its own root.
type escapingStore struct{ shortStore }

func (s *escapingStore) List(_ context.Context, dir string) ([]artifacts.Entry, error) {
	return []artifacts.Entry{{Path: "../escape.txt", Size: 3}}, nil
}

func TestDownloadRejectsEscapingPath(t *testing.T) {
	tr := artifacts.NewTransfer(1, retry.New(fastRetry(), nil), nil, nil)
	src := &escapingStore{}
	parent := t.TempDir()
	dir := filepath.Join(parent, "artifacts")

	_, err := tr.Download(context.Background(), src, dir)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalid), "%v", err)
	assert.Zero(t, src.opens)
	assert.NoFileExists(t, filepath.Join(parent, "escape.txt"))
}

func TestLocalStoreRoundTrip(t *testing.T) {
	src := artifacts.NewLocalStore(t.TempDir())
	ctx := context.Background()
	for rel, data := range tree {
		require.NoError(t, src.Put(ctx, rel, strings.NewReader(data), int64(len(data))))
	}
	files, err := artifacts.Walk(ctx, src)
	require.NoError(t, err)
	assert.Len(t, files, 3)

	dir := t.TempDir()
	_, err = artifacts.NewTransfer(2, nil, nil, nil).Download(ctx, src, dir)
	require.NoError(t, err)
	assert.Equal(t, tree, readTree(t, dir))
}

func TestForSourceResolvesRunsURI(t *testing.T) {
	f := newFixture(t)
	expID := f.srv.AddExperiment("exp", nil)
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{Artifacts: tree})
	f.srv.AddModel("churn", "", nil)
	f.srv.AddVersion("churn", runID, "model", "", nil)
	ctx := context.Background()

	for _, source := range []string{"runs:/" + runID + "/model", "models:/churn/1"} {
		st, err := f.opener.ForSource(ctx, source, runID)
		require.NoError(t, err, source)
		files, err := artifacts.Walk(ctx, st)
		require.NoError(t, err)
		var paths []string
		for _, e := range files {
			paths = append(paths, e.Path)
		}
		assert.ElementsMatch(t, []string{"MLmodel", "data/weights.bin"}, paths, source)
	}
}
