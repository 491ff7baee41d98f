package importer

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/manifest"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
	"github.com/fentz26/mlflow-exim/internal/scheduler"
)

// ImportExperiment resolves the destination experiment of source experiment
// srcID: the one recorded in the ledger, else an existing experiment of the
// same name (tags merged, existing values win), else a new one. m is nil
// when only runs of the experiment were exported.
func (i *Importer) ImportExperiment(ctx context.Context, srcID string, m *manifest.ExperimentManifest) scheduler.Result {
	op := "import experiment " + srcID
	name := i.opts.ExperimentName
	if name == "" && m != nil {
		name = m.Experiment.Name
	}
	if name == "" {
		return scheduler.Failed(errs.E(errs.KindInvalid, op, ErrNoExperiment))
	}

	known, err := i.ledger.GetMapping(ctx, manifest.KindExperiment, srcID)
	if err != nil {
		return failed(op, err)
	}
	if known != "" {
		exp, err := i.client.GetExperiment(ctx, known)
		switch {
		case err == nil && exp.Name == name && exp.LifecycleStage != mlflow.LifecycleDeleted:
			return scheduler.Skipped(ReasonExists, known)
		case err != nil && !errs.IsNotFound(err):
			return failed(op, err)
		}
	}

	var tags map[string]string
	if m != nil {
		tags = i.withCopyTags(m.Experiment.Tags, func() map[string]string {
			return manifest.ExperimentCopyTags(m.Experiment, m.Provenance)
		})
	}
	exp, created, err := i.ensureExperiment(ctx, name, tagList(tags))
	if err != nil {
		return failed(op, err)
	}
	res := scheduler.OK(exp.ExperimentID)
	if !created {
		res.Note = NoteReused
		if err := i.mergeTags(ctx, exp, tags); err != nil {
			return failed(op, err)
		}
	}
	if err := i.ledger.PutMapping(ctx, manifest.KindExperiment, srcID, exp.ExperimentID); err != nil {
		return failed(op, err)
	}
	if i.opts.ImportPermissions && m != nil && m.Experiment.Permissions != nil {
		i.importPermissions(ctx, exp.ExperimentID, m.Experiment.Permissions)
	}
	return res
}

// mergeTags adds the tags exp does not have yet.
func (i *Importer) mergeTags(ctx context.Context, exp *mlflow.Experiment, tags map[string]string) error {
	existing := mlflow.TagMap(exp.Tags)
	keys := make([]string, 0, len(tags))
	for k := range tags {
		if _, ok := existing[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := i.client.SetExperimentTag(ctx, exp.ExperimentID, k, tags[k]); err != nil {
			return err
		}
	}
	return nil
}

// importPermissions applies an exported permission list. Targets without a
// permissions API drop it with a warning.
func (i *Importer) importPermissions(ctx context.Context, expID string, perms *mlflow.Permissions) {
	if len(perms.AccessControlList) == 0 {
		return
	}
	if err := i.client.UpdateExperimentPermissions(ctx, expID, perms.AccessControlList); err != nil {
		i.logger.Warn("experiment permissions dropped",
			zap.String("experiment_id", expID),
			zap.Int("entries", len(perms.AccessControlList)),
			zap.Error(err))
	}
}
