package mlflow_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/metrics"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
	"github.com/fentz26/mlflow-exim/internal/mlflow/mlflowtest"
	"github.com/fentz26/mlflow-exim/internal/retry"
	"github.com/fentz26/mlflow-exim/internal/version"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newClient(t *testing.T, host string) *mlflow.Client {
	t.Helper()
	c, err := mlflow.New(mlflow.Options{
		Host:         host,
		Retry:        fastRetry(),
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestNewRejectsNonHTTPHost(t *testing.T) {
	_, err := mlflow.New(mlflow.Options{Host: "databricks"})
	assert.True(t, errs.Is(err, errs.KindInvalid))
}

func TestClientSendsUserAgentAndToken(t *testing.T) {
	var ua, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.UserAgent()
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"experiment":{"experiment_id":"3","name":"e"}}`))
	}))
	defer srv.Close()

	c, err := mlflow.New(mlflow.Options{Host: srv.URL, Token: "dapi123"})
	require.NoError(t, err)
	exp, err := c.GetExperiment(context.Background(), "3")
	require.NoError(t, err)

	assert.Equal(t, "e", exp.Name)
	assert.Equal(t, version.UserAgent(), ua)
	assert.Equal(t, "Bearer dapi123", auth)
}

func TestClientBasicAuth(t *testing.T) {
	var user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := mlflow.New(mlflow.Options{Host: srv.URL, Username: "bob", Password: "s3cret"})
	require.NoError(t, err)
	require.NoError(t, c.SetExperimentTag(context.Background(), "1", "k", "v"))
	assert.Equal(t, "bob", user)
	assert.Equal(t, "s3cret", pass)
}

func TestClientMapsErrorEnvelope(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.GetExperimentByName(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))

	_, err = c.CreateExperiment(ctx, "dup", "", nil)
	require.NoError(t, err)
	_, err = c.CreateExperiment(ctx, "dup", "", nil)
	assert.True(t, errs.IsAlreadyExists(err))

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.CodeResourceExists, e.Code)
}

func TestClientRetriesTransient(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	id := srv.AddExperiment("exp", nil)

	m := metrics.New()
	c, err := mlflow.New(mlflow.Options{Host: srv.URL, Retry: fastRetry(), Metrics: m})
	require.NoError(t, err)

	srv.FailNext(http.MethodGet, "/api/2.0/mlflow/experiments/get", 2, http.StatusServiceUnavailable)
	exp, err := c.GetExperiment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "exp", exp.Name)
	assert.Equal(t, 3, srv.Requests(http.MethodGet, "/api/2.0/mlflow/experiments/get"))
}

func TestClientDoesNotRetryPermanent(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)

	srv.FailNext(http.MethodGet, "/api/2.0/mlflow/experiments/get", 5, http.StatusForbidden)
	_, err := c.GetExperiment(context.Background(), "1")
	assert.True(t, errs.Is(err, errs.KindPermissionDenied))
	assert.Equal(t, 1, srv.Requests(http.MethodGet, "/api/2.0/mlflow/experiments/get"))
}

func TestRunsRoundTrip(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)
	ctx := context.Background()

	expID, err := c.CreateExperiment(ctx, "exp", "", []mlflow.Tag{{Key: "team", Value: "ml"}})
	require.NoError(t, err)

	run, err := c.CreateRun(ctx, mlflow.CreateRunRequest{ExperimentID: expID, RunName: "r1", StartTime: 1000})
	require.NoError(t, err)
	runID := run.Info.ID()

	var history []mlflow.Metric
	for i := 0; i < 5; i++ {
		history = append(history, mlflow.Metric{Key: "loss", Value: mlflow.Float(1.0 / float64(i+1)), Timestamp: mlflow.Int64(1000 + i), Step: mlflow.Int64(i)})
	}
	require.NoError(t, c.LogBatch(ctx, runID, history, []mlflow.Param{{Key: "lr", Value: "0.1"}}, []mlflow.Tag{{Key: "t", Value: "v"}}))
	require.NoError(t, c.UpdateRun(ctx, runID, "FINISHED", 2000))

	got, err := c.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "FINISHED", got.Info.Status)
	assert.Equal(t, mlflow.Int64(2000), got.Info.EndTime)
	assert.Equal(t, []mlflow.Param{{Key: "lr", Value: "0.1"}}, got.Data.Params)
	require.Len(t, got.Data.Metrics, 1)
	assert.Equal(t, mlflow.Int64(4), got.Data.Metrics[0].Step)

	points, err := c.GetMetricHistory(ctx, runID, "loss")
	require.NoError(t, err)
	assert.Equal(t, history, points)

	runs, err := c.SearchRuns(ctx, []string{expID}, mlflow.SearchRunsOptions{PageSize: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	require.NoError(t, c.DeleteRun(ctx, runID))
	runs, err = c.SearchRuns(ctx, []string{expID}, mlflow.SearchRunsOptions{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	runs, err = c.SearchRuns(ctx, []string{expID}, mlflow.SearchRunsOptions{ViewType: mlflow.ViewAll})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestListExperimentsPages(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	for _, name := range []string{"a", "b", "c"} {
		srv.AddExperiment(name, nil)
	}
	c := newClient(t, srv.URL)

	exps, err := c.ListExperiments(context.Background(), mlflow.ListExperimentsOptions{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, exps, 3)
	assert.Equal(t, 2, srv.Requests(http.MethodPost, "/api/2.0/mlflow/experiments/search"))
}

func TestListArtifacts(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	expID := srv.AddExperiment("exp", nil)
	runID := srv.AddRun(expID, mlflowtest.RunSeed{Artifacts: map[string]string{
		"model/MLmodel":  "flavors: {}",
		"model/data.pkl": "12345",
		"notes.txt":      "hi",
	}})
	c := newClient(t, srv.URL)

	top, err := c.ListArtifacts(context.Background(), runID, "")
	require.NoError(t, err)
	assert.Equal(t, []mlflow.FileInfo{{Path: "model", IsDir: true}, {Path: "notes.txt", FileSize: 2}}, top)

	sub, err := c.ListArtifacts(context.Background(), runID, "model")
	require.NoError(t, err)
	assert.Equal(t, []mlflow.FileInfo{{Path: "model/MLmodel", FileSize: 11}, {Path: "model/data.pkl", FileSize: 5}}, sub)
}

func TestCreateModelVersionWaitsForReady(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	srv.SetPendingPolls(2)
	expID := srv.AddExperiment("exp", nil)
	runID := srv.AddRun(expID, mlflowtest.RunSeed{})
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.CreateRegisteredModel(ctx, "churn", "", nil)
	require.NoError(t, err)
	mv, err := c.CreateModelVersion(ctx, mlflow.CreateModelVersionRequest{Name: "churn", Source: "runs:/" + runID + "/model", RunID: runID})
	require.NoError(t, err)
	assert.Equal(t, mlflow.VersionReady, mv.Status)
	assert.Equal(t, "1", mv.Version)
	assert.Equal(t, 2, srv.Requests(http.MethodGet, "/api/2.0/mlflow/model-versions/get"))

	require.NoError(t, c.TransitionStage(ctx, "churn", "1", mlflow.StageProduction))
	require.NoError(t, c.SetRegisteredModelAlias(ctx, "churn", "champion", "1"))
	model, err := c.GetRegisteredModel(ctx, "churn")
	require.NoError(t, err)
	assert.Equal(t, []mlflow.Alias{{Alias: "champion", Version: "1"}}, model.Aliases)

	uri, err := c.GetModelVersionDownloadURI(ctx, "churn", "1")
	require.NoError(t, err)
	assert.Equal(t, "mlflow-artifacts:/"+expID+"/"+runID+"/artifacts/model", uri)
}

func TestCatalogModelsRouteToCatalogRegistry(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.CreateRegisteredModel(ctx, "main.ml.churn", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Requests(http.MethodPost, "/api/2.0/mlflow/unity-catalog/registered-models/create"))

	err = c.TransitionStage(ctx, "main.ml.churn", "1", mlflow.StageStaging)
	assert.True(t, errs.Is(err, errs.KindInvalid))
}

func TestCopyModelVersion(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	expID := srv.AddExperiment("exp", nil)
	runID := srv.AddRun(expID, mlflowtest.RunSeed{})
	srv.AddModel("src", "", nil)
	srv.AddModel("dst", "", nil)
	srv.AddVersion("src", runID, "model", mlflow.StageStaging, map[string]string{"k": "v"})
	c := newClient(t, srv.URL)

	mv, err := c.CopyModelVersion(context.Background(), "src", "1", "dst")
	require.NoError(t, err)
	assert.Equal(t, "models:/src/1", mv.Source)
	assert.Equal(t, runID, mv.RunID)
	assert.Equal(t, []mlflow.Tag{{Key: "k", Value: "v"}}, mv.Tags)
}

func TestExperimentPermissions(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	expID := srv.AddExperiment("exp", nil)
	srv.SetPermissions(expID, []mlflow.AccessControl{{UserName: "a@x", PermissionLevel: "CAN_READ"}})
	c := newClient(t, srv.URL)
	ctx := context.Background()

	perms, err := c.GetExperimentPermissions(ctx, expID)
	require.NoError(t, err)
	assert.Equal(t, []mlflow.AccessControl{{UserName: "a@x", PermissionLevel: "CAN_READ"}}, perms.AccessControlList)

	srv.DisablePermissions()
	err = c.UpdateExperimentPermissions(ctx, expID, perms.AccessControlList)
	assert.True(t, errs.IsNotFound(err))
}

func TestRestoreExperiment(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	expID := srv.AddExperiment("exp", nil)
	srv.DeleteExperiment(expID)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.CreateRun(ctx, mlflow.CreateRunRequest{ExperimentID: expID})
	assert.True(t, errs.Is(err, errs.KindInvalid), "%v", err)

	require.NoError(t, c.RestoreExperiment(ctx, expID))
	exp, err := c.GetExperiment(ctx, expID)
	require.NoError(t, err)
	assert.Equal(t, mlflow.LifecycleActive, exp.LifecycleStage)
	_, err = c.CreateRun(ctx, mlflow.CreateRunRequest{ExperimentID: expID})
	assert.NoError(t, err)
}

func TestRaw(t *testing.T) {
	srv := mlflowtest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)

	resp, err := c.Raw(context.Background(), http.MethodGet, "experiments/get?experiment_id=42", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Contains(t, string(resp.Body), errs.CodeResourceDoesNotExist)
}
