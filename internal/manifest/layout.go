package manifest

import (
	"net/url"
	"path/filepath"
	"sort"
	"strings"
)

// File and directory names of an export directory.
const (
	BatchFile      = "manifest.json"
	SummaryFile    = "summary.json"
	ProgressFile   = "progress.jsonl"
	ExperimentFile = "experiment.json"
	RunFile        = "run.json"
	ModelFile      = "model.json"
	VersionFile    = "version.json"
	ArtifactsDir   = "artifacts"
	NotebooksDir   = "notebooks"
	ImportsDir     = "_imports"
	LedgerFile     = "state.db"
)

// Layout resolves paths under an export root.
type Layout struct {
	Root string
}

// ExperimentDir is experiments/<id>.
func (l Layout) ExperimentDir(expID string) string {
	return filepath.Join(l.Root, "experiments", segment(expID))
}

// ExperimentManifest is experiments/<id>/experiment.json.
func (l Layout) ExperimentManifest(expID string) string {
	return filepath.Join(l.ExperimentDir(expID), ExperimentFile)
}

// RunDir is experiments/<exp>/runs/<run>.
func (l Layout) RunDir(expID, runID string) string {
	return filepath.Join(l.ExperimentDir(expID), "runs", segment(runID))
}

// RunManifest is experiments/<exp>/runs/<run>/run.json.
func (l Layout) RunManifest(expID, runID string) string {
	return filepath.Join(l.RunDir(expID, runID), RunFile)
}

// RunArtifacts is experiments/<exp>/runs/<run>/artifacts.
func (l Layout) RunArtifacts(expID, runID string) string {
	return filepath.Join(l.RunDir(expID, runID), ArtifactsDir)
}

// ModelDir is models/<name>. Names are path-escaped.
func (l Layout) ModelDir(name string) string {
	return filepath.Join(l.Root, "models", segment(name))
}

// ModelManifest is models/<name>/model.json.
func (l Layout) ModelManifest(name string) string {
	return filepath.Join(l.ModelDir(name), ModelFile)
}

// VersionDir is models/<name>/versions/<n>.
func (l Layout) VersionDir(name, version string) string {
	return filepath.Join(l.ModelDir(name), "versions", segment(version))
}

// VersionManifest is models/<name>/versions/<n>/version.json.
func (l Layout) VersionManifest(name, version string) string {
	return filepath.Join(l.VersionDir(name, version), VersionFile)
}

// VersionRunManifest is the embedded run copy of a version.
func (l Layout) VersionRunManifest(name, version string) string {
	return filepath.Join(l.VersionDir(name, version), "run", RunFile)
}

// VersionArtifacts is the mirror of a version's source tree.
func (l Layout) VersionArtifacts(name, version string) string {
	return filepath.Join(l.VersionDir(name, version), ArtifactsDir)
}

// Rel returns path relative to the root with forward slashes.
func (l Layout) Rel(path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func segment(s string) string {
	return url.PathEscape(s)
}

func unsegment(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

// ExperimentIDs returns the ids of the experiments exported under the root,
// in numeric order where ids are numeric.
func (l Layout) ExperimentIDs() ([]string, error) {
	ids, err := listDirs(filepath.Join(l.Root, "experiments"))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ids, func(i, j int) bool { return NumericLess(ids[i], ids[j]) })
	return ids, nil
}

// RunIDs returns the ids of the runs exported under an experiment.
func (l Layout) RunIDs(expID string) ([]string, error) {
	ids, err := listDirs(filepath.Join(l.ExperimentDir(expID), "runs"))
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// ModelNames returns the names of the models exported under the root.
func (l Layout) ModelNames() ([]string, error) {
	names, err := listDirs(filepath.Join(l.Root, "models"))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func listDirs(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range matches {
		base := filepath.Base(m)
		if strings.HasPrefix(base, "_") || strings.HasSuffix(base, ".partial") {
			continue
		}
		out = append(out, unsegment(base))
	}
	return out, nil
}
