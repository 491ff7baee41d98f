// Package mlflowtest runs an in-memory MLflow tracking server for tests.
//
// It implements the subset of the REST API the engine uses, stores artifacts
// behind the mlflow-artifacts proxy, and can inject failures on chosen
// routes.
package mlflowtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

// Server is an in-memory tracking server.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	nextExpID   int
	experiments map[string]*experiment
	runs        map[string]*run
	models      map[string]*model
	artifacts   map[string][]byte
	notebooks   map[string]Notebook
	faults      []*fault
	requests    map[string]int
	userAgents  map[string]bool

	pendingPolls  int
	noPermissions bool
	now           func() int64
}

type experiment struct {
	mlflow.Experiment
	tags        map[string]string
	permissions []mlflow.AccessControl
}

type run struct {
	mlflow.Run
	params  map[string]string
	tags    map[string]string
	history map[string][]mlflow.Metric
}

type model struct {
	mlflow.RegisteredModel
	tags     map[string]string
	aliases  map[string]string
	versions []*version
}

type version struct {
	mlflow.ModelVersion
	tags    map[string]string
	pending int
}

type fault struct {
	method string
	prefix string
	status int
	left   int
}

// NewServer starts a server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		experiments: make(map[string]*experiment),
		runs:        make(map[string]*run),
		models:      make(map[string]*model),
		artifacts:   make(map[string][]byte),
		notebooks:   make(map[string]Notebook),
		requests:    make(map[string]int),
		userAgents:  make(map[string]bool),
		nextExpID:   1,
		now:         func() int64 { return time.Now().UnixMilli() },
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.middleware)

	api := r.PathPrefix("/api/2.0/mlflow").Subrouter()
	api.HandleFunc("/experiments/search", s.searchExperiments).Methods(http.MethodPost)
	api.HandleFunc("/experiments/get", s.getExperiment).Methods(http.MethodGet)
	api.HandleFunc("/experiments/get-by-name", s.getExperimentByName).Methods(http.MethodGet)
	api.HandleFunc("/experiments/create", s.createExperiment).Methods(http.MethodPost)
	api.HandleFunc("/experiments/set-experiment-tag", s.setExperimentTag).Methods(http.MethodPost)
	api.HandleFunc("/experiments/restore", s.restoreExperiment).Methods(http.MethodPost)

	api.HandleFunc("/runs/search", s.searchRuns).Methods(http.MethodPost)
	api.HandleFunc("/runs/get", s.getRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/create", s.createRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/update", s.updateRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/delete", s.deleteRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/log-batch", s.logBatch).Methods(http.MethodPost)
	api.HandleFunc("/runs/log-inputs", s.logInputs).Methods(http.MethodPost)
	api.HandleFunc("/runs/set-tag", s.setRunTag).Methods(http.MethodPost)
	api.HandleFunc("/metrics/get-history", s.metricHistory).Methods(http.MethodGet)
	api.HandleFunc("/artifacts/list", s.listRunArtifacts).Methods(http.MethodGet)

	for _, prefix := range []string{"", "/unity-catalog"} {
		api.HandleFunc(prefix+"/registered-models/search", s.searchModels).Methods(http.MethodGet)
		api.HandleFunc(prefix+"/registered-models/get", s.getModel).Methods(http.MethodGet)
		api.HandleFunc(prefix+"/registered-models/create", s.createModel).Methods(http.MethodPost)
		api.HandleFunc(prefix+"/registered-models/delete", s.deleteModel).Methods(http.MethodDelete)
		api.HandleFunc(prefix+"/registered-models/alias", s.setAlias).Methods(http.MethodPost)
		api.HandleFunc(prefix+"/model-versions/search", s.searchVersions).Methods(http.MethodGet)
		api.HandleFunc(prefix+"/model-versions/get", s.getVersion).Methods(http.MethodGet)
		api.HandleFunc(prefix+"/model-versions/create", s.createVersion).Methods(http.MethodPost)
		api.HandleFunc(prefix+"/model-versions/set-tag", s.setVersionTag).Methods(http.MethodPost)
		api.HandleFunc(prefix+"/model-versions/get-download-uri", s.downloadURI).Methods(http.MethodGet)
	}
	api.HandleFunc("/model-versions/transition-stage", s.transitionStage).Methods(http.MethodPost)

	r.HandleFunc("/api/2.0/mlflow-artifacts/artifacts", s.proxyList).Methods(http.MethodGet)
	r.PathPrefix("/api/2.0/mlflow-artifacts/artifacts/").HandlerFunc(s.proxyGet).Methods(http.MethodGet)
	r.PathPrefix("/api/2.0/mlflow-artifacts/artifacts/").HandlerFunc(s.proxyPut).Methods(http.MethodPut)
	r.HandleFunc("/get-artifact", s.getArtifact).Methods(http.MethodGet)

	r.HandleFunc("/api/2.0/workspace/export", s.exportNotebook).Methods(http.MethodGet)
	r.HandleFunc("/api/2.0/workspace/mkdirs", s.mkdirs).Methods(http.MethodPost)
	r.HandleFunc("/api/2.0/workspace/import", s.importNotebook).Methods(http.MethodPost)

	r.HandleFunc("/api/2.0/permissions/experiments/{id}", s.getPermissions).Methods(http.MethodGet)
	r.HandleFunc("/api/2.0/permissions/experiments/{id}", s.updatePermissions).Methods(http.MethodPatch)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errs.CodeEndpointNotFound, "no handler for "+r.URL.Path)
	})
	return r
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method+" "+r.URL.Path]++
		s.userAgents[r.UserAgent()] = true
		var injected *fault
		for _, f := range s.faults {
			if f.left > 0 && f.method == r.Method && strings.HasPrefix(r.URL.Path, f.prefix) {
				f.left--
				injected = f
				break
			}
		}
		s.mu.Unlock()

		if injected != nil {
			code := errs.CodeInternalError
			if injected.status == http.StatusServiceUnavailable || injected.status == http.StatusTooManyRequests {
				code = errs.CodeTemporarilyUnavail
			}
			writeError(w, injected.status, code, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FailNext makes the next n requests whose method matches and whose path
// starts with prefix answer status.
func (s *Server) FailNext(method, prefix string, n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{method: method, prefix: prefix, status: status, left: n})
}

// SetPendingPolls makes new versions report PENDING_REGISTRATION for n reads
// before turning READY.
func (s *Server) SetPendingPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPolls = n
}

// DisablePermissions makes the permissions API answer 404.
func (s *Server) DisablePermissions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noPermissions = true
}

// Requests returns how many requests hit method and path.
func (s *Server) Requests(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+path]
}

// RequestsWithPrefix counts requests of method whose path starts with prefix.
func (s *Server) RequestsWithPrefix(method, prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for k, v := range s.requests {
		if strings.HasPrefix(k, method+" "+prefix) {
			total += v
		}
	}
	return total
}

// UserAgents returns every User-Agent seen.
func (s *Server) UserAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for ua := range s.userAgents {
		out = append(out, ua)
	}
	sort.Strings(out)
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error_code": code, "message": msg})
}

func notFound(w http.ResponseWriter, format string, args ...any) {
	writeError(w, http.StatusNotFound, errs.CodeResourceDoesNotExist, fmt.Sprintf(format, args...))
}

func invalid(w http.ResponseWriter, format string, args ...any) {
	writeError(w, http.StatusBadRequest, errs.CodeInvalidParameter, fmt.Sprintf(format, args...))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		invalid(w, "malformed request: %v", err)
		return false
	}
	return true
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// page slices items by a numeric offset token.
func page[T any](items []T, token string, size int) ([]T, string) {
	start, _ := strconv.Atoi(token)
	if size <= 0 {
		size = 1000
	}
	if start >= len(items) {
		return nil, ""
	}
	end := start + size
	if end >= len(items) {
		return items[start:], ""
	}
	return items[start:end], strconv.Itoa(end)
}

func tagList(m map[string]string) []mlflow.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]mlflow.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, mlflow.Tag{Key: k, Value: m[k]})
	}
	return tags
}

// matchName evaluates the two filter shapes the engine sends:
// name = 'x' and name LIKE 'x%'.
func matchName(filter, name string) bool {
	f := strings.TrimSpace(filter)
	if f == "" {
		return true
	}
	lower := strings.ToLower(f)
	switch {
	case strings.HasPrefix(lower, "name like "):
		pattern := strings.Trim(strings.TrimSpace(f[len("name like "):]), "'\"")
		if strings.HasSuffix(pattern, "%") {
			return strings.HasPrefix(name, strings.TrimSuffix(pattern, "%"))
		}
		return name == pattern
	case strings.HasPrefix(lower, "name"):
		rest := strings.TrimSpace(f[len("name"):])
		rest = strings.TrimSpace(strings.TrimPrefix(rest, "="))
		return name == strings.Trim(rest, "'\"")
	}
	return true
}
