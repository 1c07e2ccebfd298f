package workflows

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/ingest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/jobs"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/pipeline"
)

type fakeIngester struct {
	jobs []ingest.Job
	err  error
}

func (f *fakeIngester) Run(ctx context.Context, j ingest.Job) (*ingest.Result, error) {
	f.jobs = append(f.jobs, j)
	if f.err != nil {
		return nil, f.err
	}
	return &ingest.Result{
		RunID:        j.RunID,
		EstimationID: j.EstimationID,
		State:        ingest.StateDone,
		ManifestKey:  "processed/" + j.EstimationID + "/manifest.json",
		Rows:         1523,
		Chunks:       4,
		Complete:     true,
	}, nil
}

func newRunner(ing Ingester) (*WorkflowRunner, *jobs.Reporter) {
	reporter := jobs.NewReporter(jobs.NewMemoryTracker(), nil, nil)
	runner := NewWorkflowRunner(nil, reporter, nil)
	runner.Register(pipeline.JobIngest, NewIngestionWorkflow(ing, reporter, nil))
	return runner, reporter
}

func wait(t *testing.T, r *WorkflowRunner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestRunAsyncInProcess(t *testing.T) {
	ing := &fakeIngester{}
	runner, _ := newRunner(ing)
	ctx := context.Background()

	runID, err := runner.RunAsync(ctx, pipeline.ProcessRequest{
		EstimationID: "EST-1",
		ObjectKey:    "uploads/EST-1/estimacion.xlsx",
	})
	require.NoError(t, err)
	assert.Contains(t, runID, "ingest-EST-1-")
	wait(t, runner)

	require.Len(t, ing.jobs, 1)
	assert.Equal(t, runID, ing.jobs[0].RunID)
	assert.Equal(t, "estimacion.xlsx", ing.jobs[0].Filename)

	status, err := runner.GetStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSucceeded, status.State)
	assert.Equal(t, 100, status.Progress)
	require.NotNil(t, status.Result)
	assert.Equal(t, 1523, status.Result.Rows)
	assert.True(t, status.Result.Complete)
	assert.NotNil(t, status.FinishedAt)
}

func TestRunAsyncRecordsFailure(t *testing.T) {
	ing := &fakeIngester{err: &ingest.FatalError{Stage: ingest.StateExtracting, Err: errors.New("no breakdown sheet")}}
	runner, _ := newRunner(ing)
	ctx := context.Background()

	runID, err := runner.RunAsync(ctx, pipeline.ProcessRequest{EstimationID: "EST-1", ContentID: "c-1"})
	require.NoError(t, err)
	wait(t, runner)

	status, err := runner.GetStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunFailed, status.State)
	assert.Contains(t, status.Error, "no breakdown sheet")
	assert.Nil(t, status.Result)
}

func TestRunAsyncValidation(t *testing.T) {
	runner, _ := newRunner(&fakeIngester{})
	ctx := context.Background()

	tests := []pipeline.ProcessRequest{
		{ObjectKey: "uploads/x.xlsx"},
		{EstimationID: "EST-1"},
		{EstimationID: "EST-1", ObjectKey: "uploads/x.xlsx", Job: "thumbnail"},
		{EstimationID: "x/../EST-B", ObjectKey: "uploads/x.xlsx"},
		{EstimationID: "EST-1/chunks", ObjectKey: "uploads/x.xlsx"},
	}
	for i, req := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, err := runner.RunAsync(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestRunUnknownJob(t *testing.T) {
	runner := NewWorkflowRunner(nil, nil, nil)
	res, err := runner.Run(&WorkflowContext{Ctx: context.Background(), Request: pipeline.ProcessRequest{Job: "ocr"}})
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.False(t, res.Success)
}

func TestGetStatusUnknownRun(t *testing.T) {
	runner, _ := newRunner(&fakeIngester{})
	_, err := runner.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, jobs.ErrRunNotFound)
}

func TestRunState(t *testing.T) {
	assert.Equal(t, pipeline.RunPending, runState("ENQUEUED"))
	assert.Equal(t, pipeline.RunRunning, runState("PENDING"))
	assert.Equal(t, pipeline.RunSucceeded, runState("SUCCESS"))
	assert.Equal(t, pipeline.RunFailed, runState("ERROR"))
}
