package importer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/artifacts"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/manifest"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
	"github.com/fentz26/mlflow-exim/internal/scheduler"
)

// ImportModel creates the destination model. An existing model is skipped
// unless DeleteModel is set, in which case it is deleted and recreated.
func (i *Importer) ImportModel(ctx context.Context, m *manifest.ModelManifest) scheduler.Result {
	name := i.targetModel(m.Model.Name)
	op := "import model " + m.Model.Name

	var note string
	if i.opts.DeleteModel {
		err := i.client.DeleteRegisteredModel(ctx, name)
		switch {
		case err == nil:
			note = NoteRecreate
			if err := i.forgetVersions(ctx, name); err != nil {
				return failed(op, err)
			}
		case !errs.IsNotFound(err):
			return failed(op, err)
		}
	}

	tags := i.withCopyTags(m.Model.Tags, func() map[string]string {
		return manifest.ModelCopyTags(m.Model, m.Provenance)
	})
	_, err := i.client.CreateRegisteredModel(ctx, name, m.Model.Description, tagList(tags))
	if errs.IsAlreadyExists(err) {
		return scheduler.Skipped(ReasonExists, name)
	}
	if err != nil {
		return failed(op, err)
	}
	res := scheduler.OK(name)
	res.Note = note
	return res
}

// forgetVersions drops ledger mappings that point at versions of a deleted
// destination model.
func (i *Importer) forgetVersions(ctx context.Context, model string) error {
	mappings, err := i.ledger.ListMappings(ctx, manifest.KindVersion)
	if err != nil {
		return err
	}
	for _, mp := range mappings {
		if tm, _ := splitVersion(mp.TargetID); tm == model {
			if err := i.ledger.DeleteMapping(ctx, manifest.KindVersion, mp.SourceID); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitVersion splits "<model>/<version>". Model names may contain slashes;
// version numbers do not.
func splitVersion(id string) (model, version string) {
	n := strings.LastIndex(id, "/")
	if n < 0 {
		return id, ""
	}
	return id[:n], id[n+1:]
}

// ImportVersion creates a destination version of a source version, backed by
// the imported copy of its run (or a synthesized placeholder). Version
// numbers are assigned by the target; the mapping is kept in the ledger.
// dir is the version's export directory.
func (i *Importer) ImportVersion(ctx context.Context, m *manifest.VersionManifest, dir string) scheduler.Result {
	v := m.Version
	srcID := v.Name + "/" + v.Version
	op := "import version " + srcID
	model := i.targetModel(v.Name)

	known, err := i.ledger.GetMapping(ctx, manifest.KindVersion, srcID)
	if err != nil {
		return failed(op, err)
	}
	if tm, tv := splitVersion(known); known != "" && tm == model {
		mv, err := i.client.GetModelVersion(ctx, tm, tv)
		switch {
		case err == nil:
			if err := i.restoreVersionState(ctx, mv, v); err != nil {
				return failed(op, err)
			}
			return scheduler.Skipped(ReasonExists, known)
		case !errs.IsNotFound(err):
			return failed(op, err)
		}
	}

	runID, err := i.backingRun(ctx, m, dir)
	if err != nil {
		return failed(op, err)
	}
	source := "runs:/" + runID
	if rel := v.RunRef.RelativePath; rel != "" {
		source += "/" + rel
	}
	tags := i.withCopyTags(v.Tags, func() map[string]string {
		return manifest.VersionCopyTags(v, m.Provenance)
	})
	mv, err := i.client.CreateModelVersion(ctx, mlflow.CreateModelVersionRequest{
		Name:        model,
		Source:      source,
		RunID:       runID,
		Description: v.Description,
		Tags:        tagList(tags),
	})
	if err != nil {
		return failed(op, err)
	}
	target := model + "/" + mv.Version
	// Recorded before stage and aliases so a rerun never creates a second copy.
	if err := i.ledger.PutMapping(ctx, manifest.KindVersion, srcID, target); err != nil {
		return failed(op, err)
	}
	if err := i.restoreVersionState(ctx, mv, v); err != nil {
		return failed(op, err)
	}
	return scheduler.OK(target)
}

// restoreVersionState brings the stage and aliases of mv in line with the
// exported version v.
func (i *Importer) restoreVersionState(ctx context.Context, mv *mlflow.ModelVersion, v manifest.Version) error {
	if v.Stage != "" && v.Stage != mlflow.StageNone && mv.CurrentStage != v.Stage {
		if mlflow.RegistryFlavour(mv.Name).SupportsStages() {
			if err := i.client.TransitionStage(ctx, mv.Name, mv.Version, v.Stage); err != nil {
				return err
			}
		} else {
			i.logger.Warn("stage dropped on catalog model",
				zap.String("model", mv.Name), zap.String("version", mv.Version), zap.String("stage", v.Stage))
		}
	}
	have := make(map[string]bool, len(mv.Aliases))
	for _, a := range mv.Aliases {
		have[a] = true
	}
	for _, alias := range v.Aliases {
		if have[alias] {
			continue
		}
		if err := i.client.SetRegisteredModelAlias(ctx, mv.Name, alias, mv.Version); err != nil {
			return err
		}
	}
	return nil
}

// backingRun returns the target run id a version is created from.
func (i *Importer) backingRun(ctx context.Context, m *manifest.VersionManifest, dir string) (string, error) {
	ref := m.Version.RunRef
	if !ref.RunAbsent {
		id, err := i.ledger.GetMapping(ctx, manifest.KindRun, ref.RunID)
		if err != nil {
			return "", err
		}
		if id == "" {
			return "", errs.E(errs.KindUpstreamFailed, "", fmt.Errorf("run %s: %w", ref.RunID, ErrNotImported))
		}
		return id, nil
	}
	if !i.opts.SynthesizeRuns {
		return "", errs.E(errs.KindNotFound, "", fmt.Errorf("run %s: %w", ref.RunID, ErrRunAbsent))
	}
	return i.placeholderRun(ctx, m, dir)
}

// placeholderRun creates a run standing in for an absent source run and
// uploads the mirrored version source into it.
func (i *Importer) placeholderRun(ctx context.Context, m *manifest.VersionManifest, dir string) (string, error) {
	v := m.Version
	key := v.Name + "/" + v.Version
	known, err := i.ledger.GetMapping(ctx, kindPlaceholder, key)
	if err != nil {
		return "", err
	}
	if known != "" {
		_, err := i.client.GetRun(ctx, known)
		if err == nil {
			return known, nil
		}
		if !errs.IsNotFound(err) {
			return "", err
		}
	}

	expID, err := i.placeholderExperiment(ctx)
	if err != nil {
		return "", err
	}
	tags := map[string]string{
		PlaceholderTag: "true",
		manifest.CopyTagPrefix + "source.run_id":     v.RunRef.RunID,
		manifest.CopyTagPrefix + "source.model_name": v.Name,
		manifest.CopyTagPrefix + "source.version":    v.Version,
	}
	run, err := i.client.CreateRun(ctx, mlflow.CreateRunRequest{
		ExperimentID: expID,
		RunName:      fmt.Sprintf("%s-v%s-placeholder", v.Name, v.Version),
		StartTime:    v.CreationTimestamp,
		Tags:         tagList(tags),
	})
	if err != nil {
		return "", err
	}
	id := run.Info.ID()

	if v.Artifacts != nil {
		dst, err := i.opener.ForRun(ctx, run.Info)
		if err != nil {
			return "", err
		}
		src := filepath.Join(dir, filepath.FromSlash(v.Artifacts.Path))
		if _, err := i.transfer.Upload(ctx, src, artifacts.Sub(dst, v.RunRef.RelativePath), i.ledger.UploadLog(id)); err != nil {
			return "", err
		}
	} else {
		i.logger.Warn("placeholder run has no artifacts",
			zap.String("model", v.Name), zap.String("version", v.Version))
	}
	if err := i.client.UpdateRun(ctx, id, "FINISHED", v.LastUpdatedTimestamp); err != nil {
		return "", err
	}
	if err := i.ledger.PutMapping(ctx, kindPlaceholder, key, id); err != nil {
		return "", err
	}
	i.logger.Info("placeholder run created",
		zap.String("model", v.Name), zap.String("version", v.Version), zap.String("target_run_id", id))
	return id, nil
}

func (i *Importer) placeholderExperiment(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.placeholderExp != "" {
		return i.placeholderExp, nil
	}
	name := i.opts.ExperimentName
	if name == "" {
		name = DefaultPlaceholderExperiment
	}
	exp, _, err := i.ensureExperiment(ctx, name, nil)
	if err != nil {
		return "", err
	}
	i.placeholderExp = exp.ExperimentID
	return i.placeholderExp, nil
}
