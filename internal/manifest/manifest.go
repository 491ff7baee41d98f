// Package manifest defines the on-disk description of exported objects and
// its canonical JSON encoding.
//
// Manifests are pure functions of source state: building and encoding the
// same objects with the same Provenance yields byte-identical files. Keys are
// sorted, metric values keep full float precision, timestamps are integer
// milliseconds.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

// Kinds of manifest.
const (
	KindExperiment = "experiment"
	KindRun        = "run"
	KindModel      = "model"
	KindVersion    = "version"
	KindBatch      = "batch"
	KindSummary    = "summary"
)

// Schema returns the schema identifier of a manifest kind.
func Schema(kind string) string {
	return "mlflow-exim/" + kind + "/v1"
}

// Provenance records where and how a manifest was produced.
type Provenance struct {
	Tool        string `json:"tool"`
	TrackingURI string `json:"source_tracking_uri"`
	// ExportedAt is the batch start in milliseconds; it is fixed per batch.
	ExportedAt int64  `json:"exported_at"`
	BatchID    string `json:"batch_id,omitempty"`
}

// Header is shared by every manifest.
type Header struct {
	Schema     string     `json:"schema"`
	Provenance Provenance `json:"provenance"`
}

// ExperimentManifest is experiments/<id>/experiment.json.
type ExperimentManifest struct {
	Header
	Experiment Experiment `json:"experiment"`
}

// RunManifest is experiments/<exp>/runs/<run>/run.json.
type RunManifest struct {
	Header
	Run Run `json:"run"`
}

// ModelManifest is models/<name>/model.json.
type ModelManifest struct {
	Header
	Model Model `json:"model"`
}

// VersionManifest is models/<name>/versions/<n>/version.json.
type VersionManifest struct {
	Header
	Version Version `json:"version"`
}

// Experiment is an exported experiment with its selected runs.
type Experiment struct {
	ExperimentID     string              `json:"experiment_id"`
	Name             string              `json:"name"`
	ArtifactLocation string              `json:"artifact_location,omitempty"`
	LifecycleStage   string              `json:"lifecycle_stage,omitempty"`
	CreationTime     int64               `json:"creation_time"`
	LastUpdateTime   int64               `json:"last_update_time"`
	Tags             map[string]string   `json:"tags"`
	Permissions      *mlflow.Permissions `json:"permissions,omitempty"`
	Runs             []Run               `json:"runs"`
	// FailedRuns lists selected runs whose export did not succeed.
	FailedRuns []string `json:"failed_runs,omitempty"`
}

// Run is an exported run.
type Run struct {
	RunID          string                   `json:"run_id"`
	ExperimentID   string                   `json:"experiment_id"`
	RunName        string                   `json:"run_name,omitempty"`
	UserID         string                   `json:"user_id,omitempty"`
	Status         string                   `json:"status"`
	LifecycleStage string                   `json:"lifecycle_stage"`
	StartTime      int64                    `json:"start_time"`
	EndTime        int64                    `json:"end_time"`
	ArtifactURI    string                   `json:"artifact_uri,omitempty"`
	Params         map[string]string        `json:"params"`
	Metrics        map[string][]MetricPoint `json:"metrics"`
	Tags           map[string]string        `json:"tags"`
	Inputs         []mlflow.DatasetInput    `json:"inputs,omitempty"`
	Artifacts      *Artifacts               `json:"artifacts,omitempty"`
	// Notebooks are file names under the run's notebooks/ directory.
	Notebooks []string `json:"notebooks,omitempty"`
}

// MetricPoint is one point of a metric history.
type MetricPoint struct {
	Value     mlflow.Float `json:"value"`
	Timestamp int64        `json:"timestamp"`
	Step      int64        `json:"step"`
}

// Artifacts summarises a mirrored artifact tree.
type Artifacts struct {
	// Path is the tree's directory relative to the manifest.
	Path  string `json:"path"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
}

// Model is an exported registered model with its selected versions.
type Model struct {
	Name                 string            `json:"name"`
	Description          string            `json:"description,omitempty"`
	CreationTimestamp    int64             `json:"creation_timestamp"`
	LastUpdatedTimestamp int64             `json:"last_updated_timestamp"`
	Tags                 map[string]string `json:"tags"`
	Aliases              []mlflow.Alias    `json:"aliases"`
	Versions             []Version         `json:"versions"`
	FailedVersions       []string          `json:"failed_versions,omitempty"`
}

// Version is an exported model version.
type Version struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Stage                string            `json:"stage"`
	Description          string            `json:"description,omitempty"`
	Source               string            `json:"source"`
	RunLink              string            `json:"run_link,omitempty"`
	UserID               string            `json:"user_id,omitempty"`
	Status               string            `json:"status,omitempty"`
	CreationTimestamp    int64             `json:"creation_timestamp"`
	LastUpdatedTimestamp int64             `json:"last_updated_timestamp"`
	Tags                 map[string]string `json:"tags"`
	Aliases              []string          `json:"aliases"`
	RunRef               RunRef            `json:"run_ref"`
	// Run is a copy of the backing run's manifest body; nil when the run is
	// absent.
	Run *Run `json:"run,omitempty"`
	// Artifacts describes a mirror of the version source, when one was made.
	Artifacts *Artifacts `json:"artifacts,omitempty"`
}

// RunRef points a version at its backing run.
type RunRef struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id,omitempty"`
	// RelativePath is the model's path inside the run's artifact tree.
	RelativePath string `json:"relative_path"`
	RunAbsent    bool   `json:"run_absent"`
}

// Marshal encodes v canonically: sorted keys, two-space indentation, no HTML
// escaping, trailing newline.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile writes v canonically to path, replacing any previous file
// atomically.
func WriteFile(path string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return errs.E(errs.KindInvalid, "encode manifest", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.E(errs.KindPermanent, "write manifest", err)
	}
	tmp := path + ".partial"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.E(errs.KindPermanent, "write manifest", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.E(errs.KindPermanent, "write manifest", err)
	}
	return nil
}

// ReadFile decodes the manifest at path into v after checking that its
// schema is kind's.
func ReadFile(path, kind string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return errs.E(errs.KindNotFound, "read manifest", err)
	}
	if err != nil {
		return errs.E(errs.KindPermanent, "read manifest", err)
	}
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return errs.E(errs.KindInvalid, "read manifest", fmt.Errorf("%s: %w", path, err))
	}
	if h.Schema != Schema(kind) {
		return errs.Errorf(errs.KindInvalid, "read manifest", "%s: schema %q, want %q", path, h.Schema, Schema(kind))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.E(errs.KindInvalid, "read manifest", fmt.Errorf("%s: %w", path, err))
	}
	return nil
}

// ReadExperiment reads an experiment manifest.
func ReadExperiment(path string) (*ExperimentManifest, error) {
	var m ExperimentManifest
	if err := ReadFile(path, KindExperiment, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadRun reads a run manifest.
func ReadRun(path string) (*RunManifest, error) {
	var m RunManifest
	if err := ReadFile(path, KindRun, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadModel reads a model manifest.
func ReadModel(path string) (*ModelManifest, error) {
	var m ModelManifest
	if err := ReadFile(path, KindModel, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadVersion reads a version manifest.
func ReadVersion(path string) (*VersionManifest, error) {
	var m VersionManifest
	if err := ReadFile(path, KindVersion, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
