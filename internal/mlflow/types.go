package mlflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Lifecycle stages.
const (
	LifecycleActive  = "active"
	LifecycleDeleted = "deleted"
)

// View types for experiment and run searches.
const (
	ViewActiveOnly  = "ACTIVE_ONLY"
	ViewDeletedOnly = "DELETED_ONLY"
	ViewAll         = "ALL"
)

// Model version stages (classic registry only).
const (
	StageNone       = "None"
	StageStaging    = "Staging"
	StageProduction = "Production"
	StageArchived   = "Archived"
)

// Model version statuses.
const (
	VersionPending = "PENDING_REGISTRATION"
	VersionFailed  = "FAILED_REGISTRATION"
	VersionReady   = "READY"
)

// Int64 decodes int64 fields that servers encode either as JSON numbers or,
// per the protobuf JSON mapping, as strings.
type Int64 int64

func (i *Int64) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("decode int64 %q: %w", b, err)
	}
	*i = Int64(v)
	return nil
}

// Float is a metric value. Non-finite values travel as the strings "NaN",
// "Infinity" and "-Infinity".
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Infinity"`), nil
	}
	return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
}

func (f *Float) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	switch s {
	case "NaN", "nan":
		*f = Float(math.NaN())
		return nil
	case "Infinity", "inf":
		*f = Float(math.Inf(1))
		return nil
	case "-Infinity", "-inf":
		*f = Float(math.Inf(-1))
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("decode metric value %q: %w", s, err)
	}
	*f = Float(v)
	return nil
}

// Tag is a key/value pair attached to experiments, runs, models and versions.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Experiment is a named grouping of runs.
type Experiment struct {
	ExperimentID     string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
	LifecycleStage   string `json:"lifecycle_stage,omitempty"`
	LastUpdateTime   Int64  `json:"last_update_time,omitempty"`
	CreationTime     Int64  `json:"creation_time,omitempty"`
	Tags             []Tag  `json:"tags,omitempty"`
}

// Run is a single execution record.
type Run struct {
	Info   RunInfo   `json:"info"`
	Data   RunData   `json:"data"`
	Inputs RunInputs `json:"inputs"`
}

// RunInfo holds run metadata.
type RunInfo struct {
	RunID          string `json:"run_id"`
	RunUUID        string `json:"run_uuid,omitempty"`
	RunName        string `json:"run_name,omitempty"`
	ExperimentID   string `json:"experiment_id"`
	UserID         string `json:"user_id,omitempty"`
	Status         string `json:"status,omitempty"`
	StartTime      Int64  `json:"start_time,omitempty"`
	EndTime        Int64  `json:"end_time,omitempty"`
	ArtifactURI    string `json:"artifact_uri,omitempty"`
	LifecycleStage string `json:"lifecycle_stage,omitempty"`
}

// ID returns the run id, falling back to the legacy run_uuid field.
func (i RunInfo) ID() string {
	if i.RunID != "" {
		return i.RunID
	}
	return i.RunUUID
}

// RunData holds the logged values of a run. Metrics here are the latest value
// per key; the full history comes from GetMetricHistory.
type RunData struct {
	Metrics []Metric `json:"metrics,omitempty"`
	Params  []Param  `json:"params,omitempty"`
	Tags    []Tag    `json:"tags,omitempty"`
}

// Metric is one logged metric point.
type Metric struct {
	Key       string `json:"key"`
	Value     Float  `json:"value"`
	Timestamp Int64  `json:"timestamp"`
	Step      Int64  `json:"step"`
}

// Param is a run parameter.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RunInputs lists the datasets a run consumed.
type RunInputs struct {
	DatasetInputs []DatasetInput `json:"dataset_inputs,omitempty"`
}

// DatasetInput references a dataset with input tags.
type DatasetInput struct {
	Tags    []Tag   `json:"tags,omitempty"`
	Dataset Dataset `json:"dataset"`
}

// Dataset describes a dataset.
type Dataset struct {
	Name       string `json:"name"`
	Digest     string `json:"digest"`
	SourceType string `json:"source_type"`
	Source     string `json:"source"`
	Schema     string `json:"schema,omitempty"`
	Profile    string `json:"profile,omitempty"`
}

// RegisteredModel is a named, versioned container.
type RegisteredModel struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	CreationTimestamp    Int64          `json:"creation_timestamp,omitempty"`
	LastUpdatedTimestamp Int64          `json:"last_updated_timestamp,omitempty"`
	LatestVersions       []ModelVersion `json:"latest_versions,omitempty"`
	Tags                 []Tag          `json:"tags,omitempty"`
	Aliases              []Alias        `json:"aliases,omitempty"`
}

// Alias maps an alias name to a version.
type Alias struct {
	Alias   string `json:"alias"`
	Version string `json:"version"`
}

// ModelVersion is a numbered snapshot of a registered model.
type ModelVersion struct {
	Name                 string   `json:"name"`
	Version              string   `json:"version"`
	CreationTimestamp    Int64    `json:"creation_timestamp,omitempty"`
	LastUpdatedTimestamp Int64    `json:"last_updated_timestamp,omitempty"`
	UserID               string   `json:"user_id,omitempty"`
	CurrentStage         string   `json:"current_stage,omitempty"`
	Description          string   `json:"description,omitempty"`
	Source               string   `json:"source,omitempty"`
	RunID                string   `json:"run_id,omitempty"`
	RunLink              string   `json:"run_link,omitempty"`
	Status               string   `json:"status,omitempty"`
	StatusMessage        string   `json:"status_message,omitempty"`
	Tags                 []Tag    `json:"tags,omitempty"`
	Aliases              []string `json:"aliases,omitempty"`
}

// FileInfo describes one entry of an artifact listing.
type FileInfo struct {
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	FileSize Int64  `json:"file_size,omitempty"`
}

// AccessControl is one entry of a workspace permission list.
type AccessControl struct {
	UserName             string `json:"user_name,omitempty"`
	GroupName            string `json:"group_name,omitempty"`
	ServicePrincipalName string `json:"service_principal_name,omitempty"`
	PermissionLevel      string `json:"permission_level,omitempty"`
}

// Permissions is the permission set of a workspace object.
type Permissions struct {
	ObjectID          string          `json:"object_id,omitempty"`
	ObjectType        string          `json:"object_type,omitempty"`
	AccessControlList []AccessControl `json:"access_control_list,omitempty"`
}

// UnmarshalJSON flattens the server shape, where each entry carries a list of
// (possibly inherited) permission levels, into one level per principal.
func (p *Permissions) UnmarshalJSON(b []byte) error {
	var raw struct {
		ObjectID          string `json:"object_id"`
		ObjectType        string `json:"object_type"`
		AccessControlList []struct {
			AccessControl
			AllPermissions []struct {
				PermissionLevel string `json:"permission_level"`
				Inherited       bool   `json:"inherited"`
			} `json:"all_permissions"`
		} `json:"access_control_list"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.ObjectID, p.ObjectType = raw.ObjectID, raw.ObjectType
	p.AccessControlList = nil
	for _, acl := range raw.AccessControlList {
		entry := acl.AccessControl
		for _, perm := range acl.AllPermissions {
			if !perm.Inherited {
				entry.PermissionLevel = perm.PermissionLevel
				break
			}
		}
		if entry.PermissionLevel == "" {
			continue
		}
		p.AccessControlList = append(p.AccessControlList, entry)
	}
	return nil
}

// TagMap converts a tag list to a map.
func TagMap(tags []Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Key] = t.Value
	}
	return m
}
