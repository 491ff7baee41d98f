package mlflowtest

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/fentz26/mlflow-exim/internal/errs"
)

// Notebook is a workspace notebook as last imported.
type Notebook struct {
	Format   string
	Language string
	Content  []byte
}

// AddNotebook stores a notebook at path.
func (s *Server) AddNotebook(path, format string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notebooks[path] = Notebook{Format: strings.ToUpper(format), Content: append([]byte(nil), content...)}
}

// Notebook returns the notebook at path.
func (s *Server) Notebook(path string) (Notebook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, ok := s.notebooks[path]
	return nb, ok
}

func (s *Server) exportNotebook(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	s.mu.Lock()
	nb, ok := s.notebooks[path]
	s.mu.Unlock()
	if !ok {
		notFound(w, "path %s does not exist", path)
		return
	}
	writeJSON(w, map[string]string{"content": base64.StdEncoding.EncodeToString(nb.Content)})
}

func (s *Server) mkdirs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !strings.HasPrefix(req.Path, "/") {
		invalid(w, "path %q must be absolute", req.Path)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *Server) importNotebook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path      string `json:"path"`
		Format    string `json:"format"`
		Language  string `json:"language"`
		Content   string `json:"content"`
		Overwrite bool   `json:"overwrite"`
	}
	if !decode(w, r, &req) {
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		invalid(w, "content is not base64: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notebooks[req.Path]; ok && !req.Overwrite {
		writeError(w, http.StatusBadRequest, errs.CodeResourceExists, req.Path+" already exists")
		return
	}
	s.notebooks[req.Path] = Notebook{Format: req.Format, Language: req.Language, Content: data}
	writeJSON(w, struct{}{})
}
