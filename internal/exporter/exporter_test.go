package exporter_test

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/mlflow-exim/internal/artifacts"
	"github.com/fentz26/mlflow-exim/internal/config"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/exporter"
	"github.com/fentz26/mlflow-exim/internal/manifest"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
	"github.com/fentz26/mlflow-exim/internal/mlflow/mlflowtest"
	"github.com/fentz26/mlflow-exim/internal/retry"
)

type fixture struct {
	srv    *mlflowtest.Server
	client *mlflow.Client
	layout manifest.Layout
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := mlflowtest.NewServer()
	t.Cleanup(srv.Close)
	client, err := mlflow.New(mlflow.Options{
		Host:  srv.URL,
		Retry: retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, err)
	return &fixture{srv: srv, client: client, layout: manifest.Layout{Root: t.TempDir()}}
}

func (f *fixture) exporter(opts exporter.Options) *exporter.Exporter {
	opts.Layout = f.layout
	opts.Provenance = manifest.Provenance{Tool: "mlflow-export-import test", TrackingURI: f.srv.URL, ExportedAt: 1700000000000}
	return exporter.New(
		f.client,
		artifacts.NewOpener(f.client, config.ArtifactsConfig{}, nil),
		artifacts.NewTransfer(2, f.client.Retryer(), nil, nil),
		opts,
		nil,
	)
}

func TestExportRunWritesHistoryAndArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expID := f.srv.AddExperiment("exp_A", nil)
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{
		Name:   "train",
		Params: map[string]string{"lr": "0.1"},
		Metrics: []mlflow.Metric{
			{Key: "loss", Value: 0.9, Timestamp: 10, Step: 0},
			{Key: "loss", Value: 0.5, Timestamp: 20, Step: 1},
			{Key: "loss", Value: mlflow.Float(math.NaN()), Timestamp: 30, Step: 2},
		},
		Artifacts: map[string]string{"model/MLmodel": "flavors: {}", "notes.txt": "hi"},
	})

	ex := f.exporter(exporter.Options{})
	require.NoError(t, ex.ExportRun(ctx, runID))

	m, err := manifest.ReadRun(f.layout.RunManifest(expID, runID))
	require.NoError(t, err)
	assert.Equal(t, manifest.Schema(manifest.KindRun), m.Schema)
	assert.Equal(t, "train", m.Run.RunName)
	assert.Equal(t, map[string]string{"lr": "0.1"}, m.Run.Params)
	require.Len(t, m.Run.Metrics["loss"], 3)
	assert.True(t, math.IsNaN(float64(m.Run.Metrics["loss"][2].Value)))
	require.NotNil(t, m.Run.Artifacts)
	assert.Equal(t, 2, m.Run.Artifacts.Files)
	assert.Equal(t, int64(len("flavors: {}")+2), m.Run.Artifacts.Bytes)

	data, err := os.ReadFile(filepath.Join(f.layout.RunArtifacts(expID, runID), "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestExportRunIsDeterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expID := f.srv.AddExperiment("exp", nil)
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{
		Params:    map[string]string{"b": "2", "a": "1"},
		Tags:      map[string]string{"z": "1", "team": "ml"},
		Artifacts: map[string]string{"a.txt": "a"},
	})

	path := f.layout.RunManifest(expID, runID)
	require.NoError(t, f.exporter(exporter.Options{}).ExportRun(ctx, runID))
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, f.exporter(exporter.Options{}).ExportRun(ctx, runID))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second))
}

func TestExportRunNotebookFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	expID := f.srv.AddExperiment("exp", nil)
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{
		Tags: map[string]string{mlflow.NotebookPathTag: "/Users/a@b.com/train"},
	})

	ex := f.exporter(exporter.Options{NotebookFormats: []string{"source"}})
	require.NoError(t, ex.ExportRun(context.Background(), runID))
	m, err := manifest.ReadRun(f.layout.RunManifest(expID, runID))
	require.NoError(t, err)
	assert.Empty(t, m.Run.Notebooks)
}

func TestExportRunNotebook(t *testing.T) {
	f := newFixture(t)
	expID := f.srv.AddExperiment("exp", nil)
	f.srv.AddNotebook("/Users/a@b.com/train", "SOURCE", []byte("print(1)"))
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{
		Tags: map[string]string{mlflow.NotebookPathTag: "/Users/a@b.com/train"},
	})

	ex := f.exporter(exporter.Options{NotebookFormats: []string{"source"}})
	require.NoError(t, ex.ExportRun(context.Background(), runID))
	m, err := manifest.ReadRun(f.layout.RunManifest(expID, runID))
	require.NoError(t, err)
	assert.Equal(t, []string{"train.py"}, m.Run.Notebooks)
	data, err := os.ReadFile(filepath.Join(f.layout.RunDir(expID, runID), manifest.NotebooksDir, "train.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(data))
}

func TestExportRunMissing(t *testing.T) {
	f := newFixture(t)
	err := f.exporter(exporter.Options{}).ExportRun(context.Background(), "nope")
	assert.True(t, errs.IsNotFound(err))
}

func TestExportExperimentEmbedsRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expID := f.srv.AddExperiment("exp_A", map[string]string{"team": "ml"})
	f.srv.SetPermissions(expID, []mlflow.AccessControl{{UserName: "a@b.com", PermissionLevel: "CAN_MANAGE"}})
	r1 := f.srv.AddRun(expID, mlflowtest.RunSeed{})
	r2 := f.srv.AddRun(expID, mlflowtest.RunSeed{})

	ex := f.exporter(exporter.Options{ExportPermissions: true})
	require.NoError(t, ex.ExportRun(ctx, r1))
	require.NoError(t, ex.ExportExperiment(ctx, expID, []string{r1, r2}))

	m, err := manifest.ReadExperiment(f.layout.ExperimentManifest(expID))
	require.NoError(t, err)
	assert.Equal(t, "exp_A", m.Experiment.Name)
	assert.Equal(t, "ml", m.Experiment.Tags["team"])
	require.Len(t, m.Experiment.Runs, 1)
	assert.Equal(t, r1, m.Experiment.Runs[0].RunID)
	assert.Equal(t, []string{r2}, m.Experiment.FailedRuns)
	require.NotNil(t, m.Experiment.Permissions)
	assert.Equal(t, "CAN_MANAGE", m.Experiment.Permissions.AccessControlList[0].PermissionLevel)
}

func TestExportExperimentWithoutPermissionsAPI(t *testing.T) {
	f := newFixture(t)
	f.srv.DisablePermissions()
	expID := f.srv.AddExperiment("exp", nil)

	ex := f.exporter(exporter.Options{ExportPermissions: true})
	require.NoError(t, ex.ExportExperiment(context.Background(), expID, nil))
	m, err := manifest.ReadExperiment(f.layout.ExperimentManifest(expID))
	require.NoError(t, err)
	assert.Nil(t, m.Experiment.Permissions)
	assert.Empty(t, m.Experiment.Runs)
}

func TestExportModelWithVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expID := f.srv.AddExperiment("exp", nil)
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{Artifacts: map[string]string{"model/MLmodel": "m"}})
	f.srv.AddModel("M", "churn model", map[string]string{"owner": "ml"})
	v1 := f.srv.AddVersion("M", runID, "model", mlflow.StageStaging, nil)
	v2 := f.srv.AddVersion("M", runID, "model", "", nil)
	f.srv.SetAlias("M", "champion", v1)

	ex := f.exporter(exporter.Options{})
	require.NoError(t, ex.ExportRun(ctx, runID))
	require.NoError(t, ex.ExportVersion(ctx, "M", v1, runID))
	require.NoError(t, ex.ExportModel(ctx, "M", []string{v1, v2}))

	vm, err := manifest.ReadVersion(f.layout.VersionManifest("M", v1))
	require.NoError(t, err)
	assert.Equal(t, mlflow.StageStaging, vm.Version.Stage)
	assert.Equal(t, "model", vm.Version.RunRef.RelativePath)
	assert.Equal(t, expID, vm.Version.RunRef.ExperimentID)
	assert.False(t, vm.Version.RunRef.RunAbsent)
	assert.Equal(t, []string{"champion"}, vm.Version.Aliases)
	assert.Nil(t, vm.Version.Artifacts)

	rm, err := manifest.ReadRun(f.layout.VersionRunManifest("M", v1))
	require.NoError(t, err)
	assert.Equal(t, runID, rm.Run.RunID)

	mm, err := manifest.ReadModel(f.layout.ModelManifest("M"))
	require.NoError(t, err)
	assert.Equal(t, "churn model", mm.Model.Description)
	require.Len(t, mm.Model.Versions, 1)
	assert.Equal(t, []string{v2}, mm.Model.FailedVersions)
	assert.Equal(t, []mlflow.Alias{{Alias: "champion", Version: v1}}, mm.Model.Aliases)
}

func TestExportVersionMirrorsModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expID := f.srv.AddExperiment("exp", nil)
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{Artifacts: map[string]string{"model/MLmodel": "m", "other.txt": "x"}})
	f.srv.AddModel("M", "", nil)
	v := f.srv.AddVersion("M", runID, "model", "", nil)

	ex := f.exporter(exporter.Options{ExportVersionModel: true})
	require.NoError(t, ex.ExportRun(ctx, runID))
	require.NoError(t, ex.ExportVersion(ctx, "M", v, runID))

	vm, err := manifest.ReadVersion(f.layout.VersionManifest("M", v))
	require.NoError(t, err)
	require.NotNil(t, vm.Version.Artifacts)
	assert.Equal(t, 1, vm.Version.Artifacts.Files)
	data, err := os.ReadFile(filepath.Join(f.layout.VersionArtifacts("M", v), "MLmodel"))
	require.NoError(t, err)
	assert.Equal(t, "m", string(data))
}

func TestExportVersionWithAbsentRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expID := f.srv.AddExperiment("exp", nil)
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{})
	f.srv.AddModel("M", "", nil)
	v := f.srv.AddVersion("M", runID, "model", "", nil)
	f.srv.PurgeRun(runID)

	ex := f.exporter(exporter.Options{})
	require.NoError(t, ex.ExportVersion(ctx, "M", v, ""))

	vm, err := manifest.ReadVersion(f.layout.VersionManifest("M", v))
	require.NoError(t, err)
	assert.True(t, vm.Version.RunRef.RunAbsent)
	assert.Equal(t, runID, vm.Version.RunRef.RunID)
	assert.Nil(t, vm.Version.Run)
	_, err = os.Stat(f.layout.VersionRunManifest("M", v))
	assert.True(t, os.IsNotExist(err))
}

func TestExportVersionNeedsExportedRun(t *testing.T) {
	f := newFixture(t)
	expID := f.srv.AddExperiment("exp", nil)
	runID := f.srv.AddRun(expID, mlflowtest.RunSeed{})
	f.srv.AddModel("M", "", nil)
	v := f.srv.AddVersion("M", runID, "model", "", nil)

	err := f.exporter(exporter.Options{}).ExportVersion(context.Background(), "M", v, runID)
	assert.True(t, errs.Is(err, errs.KindUpstreamFailed))
}
