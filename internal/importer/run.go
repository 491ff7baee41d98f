package importer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/manifest"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
	"github.com/fentz26/mlflow-exim/internal/scheduler"
	"github.com/fentz26/mlflow-exim/internal/store"
)

const noteResumed = "resumed"

// ImportRun replays a run into the destination of its source experiment,
// which must have been imported. artifactsDir is the run's exported
// artifact tree.
func (i *Importer) ImportRun(ctx context.Context, m *manifest.RunManifest, artifactsDir string) scheduler.Result {
	run := m.Run
	op := "import run " + run.RunID

	expID, err := i.ledger.GetMapping(ctx, manifest.KindExperiment, run.ExperimentID)
	if err != nil {
		return failed(op, err)
	}
	if expID == "" {
		return scheduler.Failed(errs.E(errs.KindUpstreamFailed, op,
			fmt.Errorf("experiment %s: %w", run.ExperimentID, ErrNotImported)))
	}

	state, err := i.ledger.GetRunState(ctx, run.RunID)
	if err != nil {
		return failed(op, err)
	}
	var target *mlflow.Run
	if state != nil {
		existing, err := i.client.GetRun(ctx, state.TargetRunID)
		switch {
		case errs.IsNotFound(err):
			// Removed from the target since the last import.
		case err != nil:
			return failed(op, err)
		case state.Stage == store.StageComplete:
			return scheduler.Skipped(ReasonExists, state.TargetRunID)
		case state.Stage == store.StageLogged:
			target = existing
		default:
			i.logger.Info("recreating partially logged run",
				zap.String("run_id", run.RunID), zap.String("target_run_id", state.TargetRunID))
			if err := i.client.DeleteRun(ctx, state.TargetRunID); err != nil && !errs.IsNotFound(err) {
				return failed(op, err)
			}
		}
		if target == nil {
			if err := i.ledger.ResetRun(ctx, run.RunID); err != nil {
				return failed(op, err)
			}
		}
	}

	var note string
	if target == nil {
		if target, err = i.createRun(ctx, expID, m); err != nil {
			return failed(op, err)
		}
	} else {
		note = noteResumed
	}
	targetID := target.Info.ID()

	dst, err := i.opener.ForRun(ctx, target.Info)
	if err != nil {
		return failed(op, err)
	}
	stats, err := i.transfer.Upload(ctx, artifactsDir, dst, i.ledger.UploadLog(targetID))
	if err != nil {
		return failed(op, err)
	}

	if i.opts.NotebookDir != "" && len(run.Notebooks) > 0 {
		i.importNotebook(ctx, targetID, run, filepath.Join(filepath.Dir(artifactsDir), manifest.NotebooksDir))
	}

	status := run.Status
	if status == "" {
		status = "FINISHED"
	}
	if err := i.client.UpdateRun(ctx, targetID, status, run.EndTime); err != nil {
		return failed(op, err)
	}
	if run.LifecycleStage == mlflow.LifecycleDeleted {
		if err := i.client.DeleteRun(ctx, targetID); err != nil {
			return failed(op, err)
		}
	}
	if err := i.ledger.SetRunStage(ctx, run.RunID, targetID, store.StageComplete); err != nil {
		return failed(op, err)
	}
	if err := i.ledger.PutMapping(ctx, manifest.KindRun, run.RunID, targetID); err != nil {
		return failed(op, err)
	}

	i.logger.Debug("run imported",
		zap.String("run_id", run.RunID),
		zap.String("target_run_id", targetID),
		zap.Int("files", stats.Files),
		zap.Int("files_skipped", stats.Skipped),
		zap.String("bytes", humanize.Bytes(uint64(stats.Bytes))))
	res := scheduler.OK(targetID)
	res.Note = note
	return res
}

// createRun creates the target run and logs its data, recording each stage
// in the ledger.
func (i *Importer) createRun(ctx context.Context, expID string, m *manifest.RunManifest) (*mlflow.Run, error) {
	run := m.Run
	created, err := i.client.CreateRun(ctx, mlflow.CreateRunRequest{
		ExperimentID: expID,
		UserID:       run.UserID,
		RunName:      run.RunName,
		StartTime:    run.StartTime,
	})
	if err != nil {
		return nil, err
	}
	id := created.Info.ID()
	if err := i.ledger.SetRunStage(ctx, run.RunID, id, store.StageCreated); err != nil {
		return nil, err
	}

	tags := i.withCopyTags(run.Tags, func() map[string]string {
		return manifest.RunCopyTags(run, m.Provenance)
	})
	if err := i.logRun(ctx, id, run, tags); err != nil {
		return nil, err
	}
	if len(run.Inputs) > 0 {
		if err := i.client.LogInputs(ctx, id, run.Inputs); err != nil {
			return nil, err
		}
	}
	if err := i.ledger.SetRunStage(ctx, run.RunID, id, store.StageLogged); err != nil {
		return nil, err
	}
	return created, nil
}

// logRun sends params, metrics and tags in log-batch calls within the server
// limits. Metrics go in (step, timestamp) order.
func (i *Importer) logRun(ctx context.Context, runID string, run manifest.Run, tags map[string]string) error {
	params := make([]mlflow.Param, 0, len(run.Params))
	for k, v := range run.Params {
		params = append(params, mlflow.Param{Key: k, Value: v})
	}
	sort.Slice(params, func(a, b int) bool { return params[a].Key < params[b].Key })
	metrics := flattenMetrics(run.Metrics)
	tagsL := tagList(tags)

	for len(params)+len(metrics)+len(tagsL) > 0 {
		np := min(len(params), mlflow.MaxBatchParams)
		nt := min(len(tagsL), mlflow.MaxBatchTags)
		nm := min(len(metrics), mlflow.MaxBatchMetrics, mlflow.MaxBatchEntities-np-nt)
		if err := i.client.LogBatch(ctx, runID, metrics[:nm], params[:np], tagsL[:nt]); err != nil {
			return err
		}
		params, metrics, tagsL = params[np:], metrics[nm:], tagsL[nt:]
	}
	return nil
}

func flattenMetrics(history map[string][]manifest.MetricPoint) []mlflow.Metric {
	keys := make([]string, 0, len(history))
	for k := range history {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []mlflow.Metric
	for _, k := range keys {
		for _, p := range history[k] {
			out = append(out, mlflow.Metric{Key: k, Value: p.Value, Timestamp: mlflow.Int64(p.Timestamp), Step: mlflow.Int64(p.Step)})
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Step != out[b].Step {
			return out[a].Step < out[b].Step
		}
		return out[a].Timestamp < out[b].Timestamp
	})
	return out
}

// notebookPreference orders exported notebook formats by how faithfully the
// workspace re-imports them.
var notebookPreference = []string{"DBC", "SOURCE", "JUPYTER", "HTML"}

// importNotebook uploads the run's exported notebook under NotebookDir and
// points the run's notebook tag at it. Failures are logged only.
func (i *Importer) importNotebook(ctx context.Context, targetID string, run manifest.Run, dir string) {
	name, format := pickNotebook(run.Notebooks)
	if name == "" {
		return
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		i.logger.Warn("notebook not imported", zap.String("run_id", run.RunID), zap.Error(err))
		return
	}
	dst := path.Join(i.opts.NotebookDir, strings.TrimSuffix(name, path.Ext(name)))
	if err := i.client.ImportNotebook(ctx, dst, format, data); err != nil {
		i.logger.Warn("notebook not imported",
			zap.String("run_id", run.RunID), zap.String("path", dst), zap.Error(err))
		return
	}
	if err := i.client.SetTag(ctx, targetID, mlflow.NotebookPathTag, dst); err != nil {
		i.logger.Warn("notebook tag not set", zap.String("run_id", targetID), zap.Error(err))
	}
}

// pickNotebook returns the preferred exported notebook file and its format.
func pickNotebook(names []string) (name, format string) {
	for _, f := range notebookPreference {
		ext := mlflow.NotebookExt[f]
		for _, n := range names {
			if strings.HasSuffix(n, ext) {
				return n, f
			}
		}
	}
	return "", ""
}
