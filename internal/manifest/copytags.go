package manifest

import (
	"strconv"
	"strings"
)

// CopyTagPrefix prefixes provenance tags written on imported objects.
const CopyTagPrefix = "mlflow_exim."

// systemTagPrefix marks tags MLflow reserves for itself.
const systemTagPrefix = "mlflow."

// IsCopyTag reports whether key is a provenance tag written by an import.
func IsCopyTag(key string) bool {
	return strings.HasPrefix(key, CopyTagPrefix)
}

func provenanceTags(p Provenance, fields map[string]string) map[string]string {
	out := map[string]string{
		CopyTagPrefix + "tool":                p.Tool,
		CopyTagPrefix + "source.tracking_uri": p.TrackingURI,
		CopyTagPrefix + "source.export_time":  strconv.FormatInt(p.ExportedAt, 10),
	}
	for k, v := range fields {
		if v != "" {
			out[CopyTagPrefix+"source."+k] = v
		}
	}
	return out
}

// mirrorSystemTags copies every mlflow.* tag of src under the copy prefix,
// keeping the original key: mlflow.user becomes mlflow_exim.mlflow.user.
func mirrorSystemTags(dst, src map[string]string) {
	for k, v := range src {
		if strings.HasPrefix(k, systemTagPrefix) {
			dst[CopyTagPrefix+k] = v
		}
	}
}

// RunCopyTags returns the provenance tags for an imported run.
func RunCopyTags(r Run, p Provenance) map[string]string {
	out := provenanceTags(p, map[string]string{
		"run_id":          r.RunID,
		"experiment_id":   r.ExperimentID,
		"user_id":         r.UserID,
		"start_time":      strconv.FormatInt(r.StartTime, 10),
		"end_time":        strconv.FormatInt(r.EndTime, 10),
		"lifecycle_stage": r.LifecycleStage,
	})
	mirrorSystemTags(out, r.Tags)
	return out
}

// ExperimentCopyTags returns the provenance tags for an imported experiment.
func ExperimentCopyTags(e Experiment, p Provenance) map[string]string {
	out := provenanceTags(p, map[string]string{
		"experiment_id":   e.ExperimentID,
		"experiment_name": e.Name,
		"creation_time":   strconv.FormatInt(e.CreationTime, 10),
	})
	mirrorSystemTags(out, e.Tags)
	return out
}

// ModelCopyTags returns the provenance tags for an imported model.
func ModelCopyTags(m Model, p Provenance) map[string]string {
	return provenanceTags(p, map[string]string{
		"model_name":         m.Name,
		"creation_timestamp": strconv.FormatInt(m.CreationTimestamp, 10),
	})
}

// VersionCopyTags returns the provenance tags for an imported version.
func VersionCopyTags(v Version, p Provenance) map[string]string {
	return provenanceTags(p, map[string]string{
		"model_name":         v.Name,
		"version":            v.Version,
		"stage":              v.Stage,
		"run_id":             v.RunRef.RunID,
		"user_id":            v.UserID,
		"creation_timestamp": strconv.FormatInt(v.CreationTimestamp, 10),
	})
}
