package artifacts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/mlflow-exim/internal/config"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
	"github.com/fentz26/mlflow-exim/internal/mlflow/mlflowtest"
	"github.com/fentz26/mlflow-exim/internal/retry"
)

func testClient(t *testing.T, host string) *mlflow.Client {
	t.Helper()
	c, err := mlflow.New(mlflow.Options{
		Host:  host,
		Retry: retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

func TestCheckRel(t *testing.T) {
	for _, bad := range []string{"", "/", "..", "../x", "/../x", "a/../../x", `..\x`} {
		_, err := checkRel(bad)
		assert.True(t, errs.Is(err, errs.KindInvalid), bad)
	}
	got, err := checkRel("a/./b/../c")
	require.NoError(t, err)
	assert.Equal(t, "a/c", got)
}

func TestCleanRel(t *testing.T) {
	tests := map[string]string{
		"":           "",
		"/":          "",
		".":          "",
		"a/b/":       "a/b",
		"/a//b":      "a/b",
		`a\b`:        "a/b",
		"a/./b/../c": "a/c",
	}
	for in, want := range tests {
		assert.Equal(t, want, cleanRel(in), in)
	}
}

func TestParseS3URI(t *testing.T) {
	bucket, prefix, err := parseS3URI("s3://ml-bucket/mlruns/1/abc/artifacts/")
	require.NoError(t, err)
	assert.Equal(t, "ml-bucket", bucket)
	assert.Equal(t, "mlruns/1/abc/artifacts", prefix)

	_, _, err = parseS3URI("s3:///nobucket")
	assert.True(t, errs.Is(err, errs.KindInvalid))
}

func TestETagMD5(t *testing.T) {
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", etagMD5(`"5D41402ABC4B2A76B9719D911017C592"`))
	assert.Equal(t, "", etagMD5(`"5d41402abc4b2a76b9719d911017c592-3"`))
	assert.Equal(t, "", etagMD5(""))
}

func TestOpenSelectsStoreByScheme(t *testing.T) {
	c := testClient(t, "http://localhost:5000")
	o := NewOpener(c, config.ArtifactsConfig{}, nil).WithS3(nil)
	ctx := context.Background()

	tests := []struct {
		uri  string
		want any
	}{
		{"mlflow-artifacts:/1/abc/artifacts", &proxyStore{}},
		{"mlflow-artifacts://tracking:5000/1/abc/artifacts", &proxyStore{}},
		{"dbfs:/databricks/mlflow-tracking/1/abc/artifacts", &dbfsStore{}},
		{"s3://bucket/prefix", &s3Store{}},
		{"file:///tmp/mlruns/1", &LocalStore{}},
		{"/tmp/mlruns/1", &LocalStore{}},
		{"./mlruns/1", &LocalStore{}},
	}
	for _, tt := range tests {
		st, err := o.Open(ctx, tt.uri)
		require.NoError(t, err, tt.uri)
		assert.IsType(t, tt.want, st, tt.uri)
	}

	_, err := o.Open(ctx, "wasbs://container@acct.blob.core.windows.net/x")
	assert.True(t, errs.Is(err, errs.KindInvalid))

	proxy, _ := o.Open(ctx, "mlflow-artifacts://tracking:5000/1/abc/artifacts")
	assert.Equal(t, "1/abc/artifacts", proxy.(*proxyStore).root)
	dbfs, _ := o.Open(ctx, "dbfs:/databricks/mlflow-tracking/1")
	assert.Equal(t, "/databricks/mlflow-tracking/1", dbfs.(*dbfsStore).root)
}

func TestTrackingStoreReadsThroughServer(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	expID := srv.AddExperiment("exp", nil)
	runID := srv.AddRun(expID, mlflowtest.RunSeed{Artifacts: map[string]string{
		"model/MLmodel": "flavors: {}",
		"a.txt":         "abc",
	}})
	st := newTrackingStore(testClient(t, srv.URL), runID, "wasbs://c@a/x")
	ctx := context.Background()

	files, err := Walk(ctx, st)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, Entry{Path: "a.txt", Size: 3}, files[0])
	assert.Equal(t, Entry{Path: "model/MLmodel", Size: 11}, files[1])

	obj, err := st.Open(ctx, "model/MLmodel")
	require.NoError(t, err)
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	obj.Body.Close()
	assert.Equal(t, "flavors: {}", string(data))

	assert.ErrorIs(t, st.Put(ctx, "x", strings.NewReader("x"), 1), ErrReadOnly)

	sub := Sub(st, "model")
	files, err = Walk(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Path: "MLmodel", Size: 11}}, files)
}

// fakeDBFS is an in-memory DBFS REST API.
type fakeDBFS struct {
	mu      sync.Mutex
	files   map[string][]byte
	handles map[int64]string
	next    int64
	reads   int
}

func newFakeDBFS() (*fakeDBFS, *httptest.Server) {
	f := &fakeDBFS{files: map[string][]byte{}, handles: map[int64]string{}}
	r := mux.NewRouter()
	api := r.PathPrefix("/api/2.0/dbfs").Subrouter()
	api.HandleFunc("/list", f.list).Methods(http.MethodGet)
	api.HandleFunc("/get-status", f.status).Methods(http.MethodGet)
	api.HandleFunc("/read", f.read).Methods(http.MethodGet)
	api.HandleFunc("/create", f.create).Methods(http.MethodPost)
	api.HandleFunc("/add-block", f.addBlock).Methods(http.MethodPost)
	api.HandleFunc("/close", f.close).Methods(http.MethodPost)
	return f, httptest.NewServer(r)
}

func (f *fakeDBFS) list(w http.ResponseWriter, r *http.Request) {
	dir := strings.TrimRight(r.URL.Query().Get("path"), "/")
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []dbfsFile
	for p, data := range f.files {
		rest, ok := strings.CutPrefix(p, dir+"/")
		if !ok {
			continue
		}
		name, _, isDir := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		e := dbfsFile{Path: path.Join(dir, name), IsDir: isDir}
		if !isDir {
			e.FileSize = int64(len(data))
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error_code": errs.CodeResourceDoesNotExist, "message": dir})
		return
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	_ = json.NewEncoder(w).Encode(map[string]any{"files": out})
}

func (f *fakeDBFS) status(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(dbfsFile{Path: p, FileSize: int64(len(f.files[p]))})
}

func (f *fakeDBFS) read(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var offset, length int
	_ = json.Unmarshal([]byte(q.Get("offset")), &offset)
	_ = json.Unmarshal([]byte(q.Get("length")), &length)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	data := f.files[q.Get("path")]
	end := min(offset+length, len(data))
	chunk := data[offset:end]
	_ = json.NewEncoder(w).Encode(map[string]any{
		"bytes_read": len(chunk),
		"data":       base64.StdEncoding.EncodeToString(chunk),
	})
}

func (f *fakeDBFS) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.handles[f.next] = req.Path
	f.files[req.Path] = nil
	_ = json.NewEncoder(w).Encode(map[string]int64{"handle": f.next})
}

func (f *fakeDBFS) addBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle int64  `json:"handle"`
		Data   string `json:"data"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	data, _ := base64.StdEncoding.DecodeString(req.Data)
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.handles[req.Handle]
	f.files[p] = append(f.files[p], data...)
	_, _ = w.Write([]byte(`{}`))
}

func (f *fakeDBFS) close(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle int64 `json:"handle"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, req.Handle)
	_, _ = w.Write([]byte(`{}`))
}

func TestDBFSStoreRoundTrip(t *testing.T) {
	fake, srv := newFakeDBFS()
	defer srv.Close()
	o := NewOpener(testClient(t, srv.URL), config.ArtifactsConfig{}, nil)
	ctx := context.Background()

	st, err := o.Open(ctx, "dbfs:/databricks/mlflow/1/run/artifacts")
	require.NoError(t, err)

	empty, err := st.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, empty)

	big := strings.Repeat("x", dbfsBlock+10)
	require.NoError(t, st.Put(ctx, "model/weights.bin", strings.NewReader(big), int64(len(big))))
	require.NoError(t, st.Put(ctx, "notes.txt", strings.NewReader("hi"), 2))

	files, err := Walk(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Path: "model/weights.bin", Size: int64(len(big))},
		{Path: "notes.txt", Size: 2},
	}, files)

	obj, err := st.Open(ctx, "model/weights.bin")
	require.NoError(t, err)
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, big, string(data))
	assert.Equal(t, 2, fake.reads)
}
