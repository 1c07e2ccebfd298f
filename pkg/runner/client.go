package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/dbosruntime"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/jobs"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workflows"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/pipeline"
)

// Client provides a client-only API for starting workflows without executing them
// Use this in applications that want to enqueue ingestions for workers to execute
type Client struct {
	runtime *dbosruntime.Runtime
	runner  *workflows.WorkflowRunner
	rdb     redis.UniversalClient
}

// NewClient creates a client that can start workflows but doesn't execute them
// Workers must be running separately to execute the enqueued workflows
func NewClient(cfg Config) (*Client, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("runner: DatabaseURL is required in client mode")
	}
	dbosRuntime, err := dbosruntime.NewRuntime(context.Background(), dbosruntime.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		QueueName:          cfg.QueueName,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	// Statuses are only visible to workers through a shared tracker
	c := &Client{runtime: dbosRuntime}
	var tracker jobs.Tracker = jobs.NewMemoryTracker()
	if cfg.RedisAddress != "" {
		c.rdb = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddress}})
		tracker = jobs.NewRedisTracker(c.rdb, jobs.DefaultStatusTTL)
	}
	reporter := jobs.NewReporter(tracker, nil, logrus.StandardLogger())

	// Enqueue only, no workflow registration
	c.runner = workflows.NewWorkflowRunner(dbosRuntime, reporter, logrus.StandardLogger())
	c.runner.Declare(pipeline.JobIngest)

	if err := dbosRuntime.Launch(); err != nil {
		c.Shutdown(0)
		return nil, fmt.Errorf("failed to launch DBOS: %w", err)
	}
	return c, nil
}

// RunIngest enqueues an ingestion of the workbook stored at objectKey.
func (c *Client) RunIngest(ctx context.Context, estimationID, objectKey, filename string) (string, error) {
	return c.runner.RunAsync(ctx, pipeline.ProcessRequest{
		EstimationID: estimationID,
		ObjectKey:    objectKey,
		Filename:     filename,
		Job:          pipeline.JobIngest,
	})
}

// Status returns the status of a run, from the shared tracker when one is
// configured and the DBOS status table otherwise.
func (c *Client) Status(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	return c.runner.GetStatus(ctx, runID)
}

// Shutdown gracefully shuts down the client
func (c *Client) Shutdown(timeoutSeconds int) {
	if c.runtime != nil {
		c.runtime.Shutdown(time.Duration(timeoutSeconds) * time.Second)
	}
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
}
