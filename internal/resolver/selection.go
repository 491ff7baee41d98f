package resolver

import (
	"sort"

	"github.com/fentz26/mlflow-exim/internal/manifest"
)

// RunSel is a selected or referenced run.
type RunSel struct {
	ID           string
	ExperimentID string
}

// ExperimentSel is a selected experiment and the runs enumerated under it.
type ExperimentSel struct {
	ID   string
	Runs []RunSel
}

// VersionSel is a selected model version. Run is nil when the backing run is
// absent.
type VersionSel struct {
	Model   string
	Version string
	Run     *RunSel
}

// ID is "<model>/<version>".
func (v VersionSel) ID() string {
	return v.Model + "/" + v.Version
}

// ModelSel is a selected model and its selected versions.
type ModelSel struct {
	Name     string
	Versions []VersionSel
}

// Selection is what a command enumerated. Runs are standalone runs selected
// without their experiment.
type Selection struct {
	Experiments []ExperimentSel
	Runs        []RunSel
	Models      []ModelSel
}

// ForExport builds the export graph of sel. A run backing a selected version
// is pulled in when it was not selected, together with its experiment.
func ForExport(sel Selection) *Graph {
	g := New()
	for _, e := range sel.Experiments {
		exp := g.Add(manifest.KindExperiment, e.ID)
		for _, r := range e.Runs {
			g.Order(exp, g.Add(manifest.KindRun, r.ID))
		}
	}
	for _, r := range sel.Runs {
		g.Add(manifest.KindRun, r.ID)
	}
	for _, m := range sel.Models {
		model := g.Add(manifest.KindModel, m.Name)
		for _, v := range m.Versions {
			ver := g.Add(manifest.KindVersion, v.ID())
			g.Order(model, ver)
			if v.Run == nil {
				continue
			}
			run := g.Get(manifest.KindRun, v.Run.ID)
			if run == nil {
				run = g.Pull(manifest.KindRun, v.Run.ID, "version "+v.ID())
				exp := g.Pull(manifest.KindExperiment, v.Run.ExperimentID, "run "+v.Run.ID)
				g.Order(exp, run)
			}
			g.Require(ver, run)
		}
	}
	return g
}

// ForImport builds the import graph of sel. Standalone runs pull their
// destination experiment, keyed by the source experiment id. Versions of a
// model are created in ascending order; a failed version does not stop the
// next one.
func ForImport(sel Selection) *Graph {
	g := New()
	for _, e := range sel.Experiments {
		exp := g.Add(manifest.KindExperiment, e.ID)
		for _, r := range e.Runs {
			g.Require(g.Add(manifest.KindRun, r.ID), exp)
		}
	}
	for _, r := range sel.Runs {
		run := g.Add(manifest.KindRun, r.ID)
		g.Require(run, g.Pull(manifest.KindExperiment, r.ExperimentID, "run "+r.ID))
	}
	for _, m := range sel.Models {
		model := g.Add(manifest.KindModel, m.Name)
		var prev *Node
		for _, v := range sortedVersions(m.Versions) {
			ver := g.Add(manifest.KindVersion, v.ID())
			g.Require(ver, model)
			if prev != nil {
				g.Order(ver, prev)
			}
			prev = ver
			if v.Run == nil {
				continue
			}
			run := g.Get(manifest.KindRun, v.Run.ID)
			if run == nil {
				run = g.Pull(manifest.KindRun, v.Run.ID, "version "+v.ID())
				g.Require(run, g.Pull(manifest.KindExperiment, v.Run.ExperimentID, "run "+v.Run.ID))
			}
			g.Require(ver, run)
		}
	}
	return g
}

func sortedVersions(vs []VersionSel) []VersionSel {
	out := append([]VersionSel(nil), vs...)
	sort.SliceStable(out, func(i, j int) bool { return manifest.NumericLess(out[i].Version, out[j].Version) })
	return out
}
