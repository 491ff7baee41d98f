package mlflowtest

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

func (s *Server) versionSnapshot(v *version) mlflow.ModelVersion {
	out := v.ModelVersion
	out.Tags = tagList(v.tags)
	out.Status = mlflow.VersionReady
	if v.pending > 0 {
		out.Status = mlflow.VersionPending
	}
	out.Aliases = nil
	if m, ok := s.models[v.Name]; ok {
		for alias, num := range m.aliases {
			if num == v.Version {
				out.Aliases = append(out.Aliases, alias)
			}
		}
		sort.Strings(out.Aliases)
	}
	return out
}

func (s *Server) modelSnapshot(m *model) mlflow.RegisteredModel {
	out := m.RegisteredModel
	out.Tags = tagList(m.tags)
	out.Aliases = nil
	names := make([]string, 0, len(m.aliases))
	for a := range m.aliases {
		names = append(names, a)
	}
	sort.Strings(names)
	for _, a := range names {
		out.Aliases = append(out.Aliases, mlflow.Alias{Alias: a, Version: m.aliases[a]})
	}
	latest := map[string]*version{}
	for _, v := range m.versions {
		latest[v.CurrentStage] = v
	}
	stages := make([]string, 0, len(latest))
	for st := range latest {
		stages = append(stages, st)
	}
	sort.Strings(stages)
	out.LatestVersions = nil
	for _, st := range stages {
		out.LatestVersions = append(out.LatestVersions, s.versionSnapshot(latest[st]))
	}
	return out
}

func (s *Server) searchModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size, _ := strconv.Atoi(q.Get("max_results"))
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []mlflow.RegisteredModel
	for _, m := range s.models {
		if matchName(q.Get("filter"), m.Name) {
			all = append(all, s.modelSnapshot(m))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	items, next := page(all, q.Get("page_token"), size)
	writeJSON(w, map[string]any{"registered_models": items, "next_page_token": next})
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[name]
	if !ok {
		notFound(w, "registered model %s not found", name)
		return
	}
	writeJSON(w, map[string]any{"registered_model": s.modelSnapshot(m)})
}

func (s *Server) createModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string       `json:"name"`
		Description string       `json:"description"`
		Tags        []mlflow.Tag `json:"tags"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[req.Name]; ok {
		writeError(w, http.StatusBadRequest, errs.CodeResourceExists, "registered model "+req.Name+" already exists")
		return
	}
	m := s.addModelLocked(req.Name, req.Description, mlflow.TagMap(req.Tags))
	writeJSON(w, map[string]any{"registered_model": s.modelSnapshot(m)})
}

func (s *Server) addModelLocked(name, description string, tags map[string]string) *model {
	if tags == nil {
		tags = map[string]string{}
	}
	now := mlflow.Int64(s.now())
	m := &model{
		RegisteredModel: mlflow.RegisteredModel{
			Name:                 name,
			Description:          description,
			CreationTimestamp:    now,
			LastUpdatedTimestamp: now,
		},
		tags:    tags,
		aliases: map[string]string{},
	}
	s.models[name] = m
	return m
}

func (s *Server) deleteModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[req.Name]; !ok {
		notFound(w, "registered model %s not found", req.Name)
		return
	}
	delete(s.models, req.Name)
	writeJSON(w, struct{}{})
}

func (s *Server) setAlias(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Alias   string `json:"alias"`
		Version string `json:"version"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findVersionLocked(req.Name, req.Version) == nil {
		notFound(w, "model version %s/%s not found", req.Name, req.Version)
		return
	}
	s.models[req.Name].aliases[req.Alias] = req.Version
	writeJSON(w, struct{}{})
}

func (s *Server) findVersionLocked(name, num string) *version {
	m, ok := s.models[name]
	if !ok {
		return nil
	}
	for _, v := range m.versions {
		if v.Version == num {
			return v
		}
	}
	return nil
}

func (s *Server) searchVersions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size, _ := strconv.Atoi(q.Get("max_results"))
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []mlflow.ModelVersion
	for _, m := range s.models {
		if !matchName(q.Get("filter"), m.Name) {
			continue
		}
		for _, v := range m.versions {
			all = append(all, s.versionSnapshot(v))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		a, _ := strconv.Atoi(all[i].Version)
		b, _ := strconv.Atoi(all[j].Version)
		return a > b
	})
	items, next := page(all, q.Get("page_token"), size)
	writeJSON(w, map[string]any{"model_versions": items, "next_page_token": next})
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.findVersionLocked(q.Get("name"), q.Get("version"))
	if v == nil {
		notFound(w, "model version %s/%s not found", q.Get("name"), q.Get("version"))
		return
	}
	if v.pending > 0 {
		v.pending--
	}
	writeJSON(w, map[string]any{"model_version": s.versionSnapshot(v)})
}

func (s *Server) createVersion(w http.ResponseWriter, r *http.Request) {
	var req mlflow.CreateModelVersionRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[req.Name]; !ok {
		notFound(w, "registered model %s not found", req.Name)
		return
	}
	v := s.addVersionLocked(req.Name, req.Source, req.RunID, req.Description, mlflow.TagMap(req.Tags))
	v.RunLink = req.RunLink
	v.pending = s.pendingPolls
	writeJSON(w, map[string]any{"model_version": s.versionSnapshot(v)})
}

func (s *Server) addVersionLocked(name, source, runID, description string, tags map[string]string) *version {
	m := s.models[name]
	if runID == "" && strings.HasPrefix(source, "runs:/") {
		runID, _, _ = strings.Cut(strings.TrimPrefix(source, "runs:/"), "/")
	}
	if tags == nil {
		tags = map[string]string{}
	}
	num := 1
	if n := len(m.versions); n > 0 {
		last, _ := strconv.Atoi(m.versions[n-1].Version)
		num = last + 1
	}
	now := mlflow.Int64(s.now())
	v := &version{
		ModelVersion: mlflow.ModelVersion{
			Name:                 name,
			Version:              strconv.Itoa(num),
			CreationTimestamp:    now,
			LastUpdatedTimestamp: now,
			CurrentStage:         mlflow.StageNone,
			Description:          description,
			Source:               source,
			RunID:                runID,
		},
		tags: tags,
	}
	m.versions = append(m.versions, v)
	return v
}

func (s *Server) setVersionTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Key     string `json:"key"`
		Value   string `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.findVersionLocked(req.Name, req.Version)
	if v == nil {
		notFound(w, "model version %s/%s not found", req.Name, req.Version)
		return
	}
	v.tags[req.Key] = req.Value
	writeJSON(w, struct{}{})
}

func (s *Server) downloadURI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.findVersionLocked(q.Get("name"), q.Get("version"))
	if v == nil {
		notFound(w, "model version %s/%s not found", q.Get("name"), q.Get("version"))
		return
	}
	writeJSON(w, map[string]string{"artifact_uri": s.resolveSourceLocked(v.Source)})
}

// resolveSourceLocked expands runs:/ and models:/ sources to artifact URIs.
func (s *Server) resolveSourceLocked(source string) string {
	switch {
	case strings.HasPrefix(source, "runs:/"):
		id, rel, _ := strings.Cut(strings.TrimPrefix(source, "runs:/"), "/")
		if rn, ok := s.runs[id]; ok {
			return strings.TrimSuffix(rn.Info.ArtifactURI+"/"+rel, "/")
		}
	case strings.HasPrefix(source, "models:/"):
		name, num, _ := strings.Cut(strings.TrimPrefix(source, "models:/"), "/")
		if v := s.findVersionLocked(name, num); v != nil {
			return s.resolveSourceLocked(v.Source)
		}
	}
	return source
}

func (s *Server) transitionStage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Stage   string `json:"stage"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.findVersionLocked(req.Name, req.Version)
	if v == nil {
		notFound(w, "model version %s/%s not found", req.Name, req.Version)
		return
	}
	v.CurrentStage = req.Stage
	writeJSON(w, map[string]any{"model_version": s.versionSnapshot(v)})
}

func (s *Server) getPermissions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noPermissions {
		writeError(w, http.StatusNotFound, errs.CodeEndpointNotFound, "permissions API not available")
		return
	}
	e, ok := s.experiments[id]
	if !ok {
		notFound(w, "experiment %s does not exist", id)
		return
	}
	type level struct {
		PermissionLevel string `json:"permission_level"`
		Inherited       bool   `json:"inherited"`
	}
	type entry struct {
		UserName       string  `json:"user_name,omitempty"`
		GroupName      string  `json:"group_name,omitempty"`
		AllPermissions []level `json:"all_permissions"`
	}
	var acl []entry
	for _, p := range e.permissions {
		acl = append(acl, entry{
			UserName:       p.UserName,
			GroupName:      p.GroupName,
			AllPermissions: []level{{PermissionLevel: p.PermissionLevel}},
		})
	}
	writeJSON(w, map[string]any{
		"object_id":           "/experiments/" + id,
		"object_type":         "mlflowExperiment",
		"access_control_list": acl,
	})
}

func (s *Server) updatePermissions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		AccessControlList []mlflow.AccessControl `json:"access_control_list"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noPermissions {
		writeError(w, http.StatusNotFound, errs.CodeEndpointNotFound, "permissions API not available")
		return
	}
	e, ok := s.experiments[id]
	if !ok {
		notFound(w, "experiment %s does not exist", id)
		return
	}
	e.permissions = append(e.permissions, req.AccessControlList...)
	writeJSON(w, struct{}{})
}
