package mlflowtest

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

func viewMatches(viewType, stage string) bool {
	switch viewType {
	case mlflow.ViewAll:
		return true
	case mlflow.ViewDeletedOnly:
		return stage == mlflow.LifecycleDeleted
	default:
		return stage != mlflow.LifecycleDeleted
	}
}

func (s *Server) expSnapshot(e *experiment) mlflow.Experiment {
	out := e.Experiment
	out.Tags = tagList(e.tags)
	return out
}

func (s *Server) searchExperiments(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxResults int    `json:"max_results"`
		PageToken  string `json:"page_token"`
		Filter     string `json:"filter"`
		ViewType   string `json:"view_type"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []mlflow.Experiment
	for _, e := range s.experiments {
		if viewMatches(req.ViewType, e.LifecycleStage) && matchName(req.Filter, e.Name) {
			all = append(all, s.expSnapshot(e))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		a, _ := strconv.Atoi(all[i].ExperimentID)
		b, _ := strconv.Atoi(all[j].ExperimentID)
		return a < b
	})
	items, next := page(all, req.PageToken, req.MaxResults)
	writeJSON(w, map[string]any{"experiments": items, "next_page_token": next})
}

func (s *Server) getExperiment(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("experiment_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok {
		notFound(w, "experiment %s does not exist", id)
		return
	}
	writeJSON(w, map[string]any{"experiment": s.expSnapshot(e)})
}

func (s *Server) getExperimentByName(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("experiment_name")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.experiments {
		if e.Name == name {
			writeJSON(w, map[string]any{"experiment": s.expSnapshot(e)})
			return
		}
	}
	notFound(w, "experiment %q does not exist", name)
}

func (s *Server) createExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string       `json:"name"`
		ArtifactLocation string       `json:"artifact_location"`
		Tags             []mlflow.Tag `json:"tags"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		invalid(w, "experiment name must not be empty")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.experiments {
		if e.Name == req.Name {
			writeError(w, http.StatusBadRequest, errs.CodeResourceExists, "experiment "+req.Name+" already exists")
			return
		}
	}
	id := s.addExperimentLocked(req.Name, req.ArtifactLocation, mlflow.TagMap(req.Tags))
	writeJSON(w, map[string]string{"experiment_id": id})
}

func (s *Server) addExperimentLocked(name, location string, tags map[string]string) string {
	id := strconv.Itoa(s.nextExpID)
	s.nextExpID++
	if location == "" {
		location = "mlflow-artifacts:/" + id
	}
	now := s.now()
	s.experiments[id] = &experiment{
		Experiment: mlflow.Experiment{
			ExperimentID:     id,
			Name:             name,
			ArtifactLocation: location,
			LifecycleStage:   mlflow.LifecycleActive,
			CreationTime:     mlflow.Int64(now),
			LastUpdateTime:   mlflow.Int64(now),
		},
		tags: tags,
	}
	if s.experiments[id].tags == nil {
		s.experiments[id].tags = map[string]string{}
	}
	return id
}

func (s *Server) restoreExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentID string `json:"experiment_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[req.ExperimentID]
	if !ok {
		notFound(w, "experiment %s does not exist", req.ExperimentID)
		return
	}
	e.LifecycleStage = mlflow.LifecycleActive
	e.LastUpdateTime = mlflow.Int64(s.now())
	writeJSON(w, struct{}{})
}

func (s *Server) setExperimentTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentID string `json:"experiment_id"`
		Key          string `json:"key"`
		Value        string `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[req.ExperimentID]
	if !ok {
		notFound(w, "experiment %s does not exist", req.ExperimentID)
		return
	}
	e.tags[req.Key] = req.Value
	writeJSON(w, struct{}{})
}

func (s *Server) runSnapshot(rn *run) mlflow.Run {
	out := rn.Run
	out.Data = mlflow.RunData{Tags: tagList(rn.tags)}

	keys := make([]string, 0, len(rn.params))
	for k := range rn.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Data.Params = append(out.Data.Params, mlflow.Param{Key: k, Value: rn.params[k]})
	}

	keys = keys[:0]
	for k := range rn.history {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var latest mlflow.Metric
		for i, m := range rn.history[k] {
			if i == 0 || m.Step > latest.Step || (m.Step == latest.Step && m.Timestamp >= latest.Timestamp) {
				latest = m
			}
		}
		out.Data.Metrics = append(out.Data.Metrics, latest)
	}
	return out
}

func (s *Server) searchRuns(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentIDs []string `json:"experiment_ids"`
		RunViewType   string   `json:"run_view_type"`
		MaxResults    int      `json:"max_results"`
		PageToken     string   `json:"page_token"`
	}
	if !decode(w, r, &req) {
		return
	}
	want := make(map[string]bool, len(req.ExperimentIDs))
	for _, id := range req.ExperimentIDs {
		want[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []mlflow.Run
	for _, rn := range s.runs {
		if want[rn.Info.ExperimentID] && viewMatches(req.RunViewType, rn.Info.LifecycleStage) {
			all = append(all, s.runSnapshot(rn))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Info.StartTime != all[j].Info.StartTime {
			return all[i].Info.StartTime < all[j].Info.StartTime
		}
		return all[i].Info.RunID < all[j].Info.RunID
	})
	items, next := page(all, req.PageToken, req.MaxResults)
	writeJSON(w, map[string]any{"runs": items, "next_page_token": next})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("run_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[id]
	if !ok {
		notFound(w, "run %s not found", id)
		return
	}
	writeJSON(w, map[string]any{"run": s.runSnapshot(rn)})
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req mlflow.CreateRunRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[req.ExperimentID]
	if !ok {
		notFound(w, "experiment %s does not exist", req.ExperimentID)
		return
	}
	if e.LifecycleStage != mlflow.LifecycleActive {
		invalid(w, "experiment %s must be in the 'active' state", req.ExperimentID)
		return
	}
	rn := s.addRunLocked(req.ExperimentID, req.RunName, req.UserID, req.StartTime, mlflow.TagMap(req.Tags))
	writeJSON(w, map[string]any{"run": s.runSnapshot(rn)})
}

func (s *Server) addRunLocked(expID, name, user string, start int64, tags map[string]string) *run {
	id := newID()
	if start == 0 {
		start = s.now()
	}
	if tags == nil {
		tags = map[string]string{}
	}
	if name != "" {
		tags["mlflow.runName"] = name
	}
	rn := &run{
		Run: mlflow.Run{Info: mlflow.RunInfo{
			RunID:          id,
			RunUUID:        id,
			RunName:        name,
			ExperimentID:   expID,
			UserID:         user,
			Status:         "RUNNING",
			StartTime:      mlflow.Int64(start),
			ArtifactURI:    s.experiments[expID].ArtifactLocation + "/" + id + "/artifacts",
			LifecycleStage: mlflow.LifecycleActive,
		}},
		params:  map[string]string{},
		tags:    tags,
		history: map[string][]mlflow.Metric{},
	}
	s.runs[id] = rn
	return rn
}

func (s *Server) updateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID   string `json:"run_id"`
		Status  string `json:"status"`
		EndTime int64  `json:"end_time"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[req.RunID]
	if !ok {
		notFound(w, "run %s not found", req.RunID)
		return
	}
	if req.Status != "" {
		rn.Info.Status = req.Status
	}
	if req.EndTime != 0 {
		rn.Info.EndTime = mlflow.Int64(req.EndTime)
	}
	writeJSON(w, map[string]any{"run_info": rn.Info})
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[req.RunID]
	if !ok {
		notFound(w, "run %s not found", req.RunID)
		return
	}
	rn.Info.LifecycleStage = mlflow.LifecycleDeleted
	writeJSON(w, struct{}{})
}

func (s *Server) logBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID   string          `json:"run_id"`
		Metrics []mlflow.Metric `json:"metrics"`
		Params  []mlflow.Param  `json:"params"`
		Tags    []mlflow.Tag    `json:"tags"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.Metrics) > mlflow.MaxBatchMetrics || len(req.Params) > mlflow.MaxBatchParams ||
		len(req.Tags) > mlflow.MaxBatchTags || len(req.Metrics)+len(req.Params)+len(req.Tags) > mlflow.MaxBatchEntities {
		invalid(w, "batch exceeds limits")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[req.RunID]
	if !ok {
		notFound(w, "run %s not found", req.RunID)
		return
	}
	for _, p := range req.Params {
		if old, set := rn.params[p.Key]; set && old != p.Value {
			invalid(w, "changing param values is not allowed: %s", p.Key)
			return
		}
	}
	for _, p := range req.Params {
		rn.params[p.Key] = p.Value
	}
	for _, m := range req.Metrics {
		rn.history[m.Key] = append(rn.history[m.Key], m)
	}
	for _, t := range req.Tags {
		rn.tags[t.Key] = t.Value
	}
	writeJSON(w, struct{}{})
}

func (s *Server) logInputs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID    string                `json:"run_id"`
		Datasets []mlflow.DatasetInput `json:"datasets"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[req.RunID]
	if !ok {
		notFound(w, "run %s not found", req.RunID)
		return
	}
	rn.Inputs.DatasetInputs = append(rn.Inputs.DatasetInputs, req.Datasets...)
	writeJSON(w, struct{}{})
}

func (s *Server) setRunTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[req.RunID]
	if !ok {
		notFound(w, "run %s not found", req.RunID)
		return
	}
	rn.tags[req.Key] = req.Value
	writeJSON(w, struct{}{})
}

func (s *Server) metricHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size, _ := strconv.Atoi(q.Get("max_results"))
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[q.Get("run_id")]
	if !ok {
		notFound(w, "run %s not found", q.Get("run_id"))
		return
	}
	items, next := page(rn.history[q.Get("metric_key")], q.Get("page_token"), size)
	writeJSON(w, map[string]any{"metrics": items, "next_page_token": next})
}

// artifactKey maps an mlflow-artifacts URI to the storage key.
func artifactKey(uri string) (string, bool) {
	if !strings.HasPrefix(uri, "mlflow-artifacts:") {
		return "", false
	}
	key := strings.TrimPrefix(uri, "mlflow-artifacts:")
	return strings.Trim(key, "/"), true
}

// children lists the immediate entries under dir. Paths are relative to dir.
func (s *Server) children(dir string) []mlflow.FileInfo {
	prefix := strings.Trim(dir, "/")
	if prefix != "" {
		prefix += "/"
	}
	seen := map[string]bool{}
	var out []mlflow.FileInfo
	for key, data := range s.artifacts {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		name, _, isDir := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		fi := mlflow.FileInfo{Path: name, IsDir: isDir}
		if !isDir {
			fi.FileSize = mlflow.Int64(len(data))
		}
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *Server) listRunArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[q.Get("run_id")]
	if !ok {
		notFound(w, "run %s not found", q.Get("run_id"))
		return
	}
	root, ok := artifactKey(rn.Info.ArtifactURI)
	if !ok {
		writeJSON(w, map[string]any{"root_uri": rn.Info.ArtifactURI})
		return
	}
	rel := strings.Trim(q.Get("path"), "/")
	files := s.children(root + "/" + rel)
	if rel != "" {
		for i := range files {
			files[i].Path = rel + "/" + files[i].Path
		}
	}
	writeJSON(w, map[string]any{"root_uri": rn.Info.ArtifactURI, "files": files})
}

func (s *Server) proxyList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, map[string]any{"files": s.children(r.URL.Query().Get("path"))})
}

const proxyPrefix = "/api/2.0/mlflow-artifacts/artifacts/"

func (s *Server) proxyGet(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, proxyPrefix)
	s.mu.Lock()
	data, ok := s.artifacts[key]
	s.mu.Unlock()
	if !ok {
		notFound(w, "artifact %s not found", key)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) proxyPut(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, proxyPrefix)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errs.CodeInternalError, err.Error())
		return
	}
	s.mu.Lock()
	s.artifacts[key] = data
	s.mu.Unlock()
	writeJSON(w, struct{}{})
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[q.Get("run_uuid")]
	if !ok {
		notFound(w, "run %s not found", q.Get("run_uuid"))
		return
	}
	root, _ := artifactKey(rn.Info.ArtifactURI)
	data, ok := s.artifacts[root+"/"+strings.Trim(q.Get("path"), "/")]
	if !ok {
		notFound(w, "artifact %s not found", q.Get("path"))
		return
	}
	_, _ = w.Write(data)
}
