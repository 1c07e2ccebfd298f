package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/ingest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/pipeline"
)

const notifyTimeout = 10 * time.Second

// Reporter turns orchestrator progress into tracked run statuses and
// notifies on every stage change. Tracker and notifier failures are logged
// and never fail a run.
type Reporter struct {
	tracker  Tracker
	notifier Notifier
	logger   logrus.FieldLogger
	now      func() time.Time

	mu       sync.Mutex
	runs     map[string]*pipeline.RunStatus
	onFinish []func(pipeline.RunStatus)
}

func NewReporter(tracker Tracker, notifier Notifier, logger logrus.FieldLogger) *Reporter {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reporter{
		tracker:  tracker,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		runs:     make(map[string]*pipeline.RunStatus),
	}
}

// OnFinish registers fn to be called with the final status of every run.
func (r *Reporter) OnFinish(fn func(pipeline.RunStatus)) {
	r.mu.Lock()
	r.onFinish = append(r.onFinish, fn)
	r.mu.Unlock()
}

// Tracker returns the underlying status store.
func (r *Reporter) Tracker() Tracker { return r.tracker }

// Enqueued records a run as pending.
func (r *Reporter) Enqueued(ctx context.Context, runID, estimationID string) {
	now := r.now().UTC()
	r.publish(ctx, &pipeline.RunStatus{
		RunID:        runID,
		EstimationID: estimationID,
		State:        pipeline.RunPending,
		StartedAt:    now,
		UpdatedAt:    now,
	})
}

// Progress implements ingest.ProgressFunc.
func (r *Reporter) Progress(p ingest.Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	s := r.current(ctx, p.RunID, p.EstimationID)
	switch p.State {
	case ingest.StateDone:
		// Finish records the result.
		return
	case ingest.StateFailed:
		s.State = pipeline.RunFailed
		s.Error = p.Message
	default:
		s.State = pipeline.RunRunning
		s.Stage = string(p.State)
		s.Progress = p.Percent
	}
	r.publish(ctx, s)
}

// Finish records the outcome of a run.
func (r *Reporter) Finish(ctx context.Context, runID, estimationID string, res *ingest.Result, err error) {
	s := r.current(ctx, runID, estimationID)
	now := r.now().UTC()
	s.FinishedAt = &now
	if err != nil {
		s.State = pipeline.RunFailed
		s.Error = err.Error()
	} else {
		s.State = pipeline.RunSucceeded
		s.Stage = string(ingest.StateDone)
		s.Progress = ingest.StateDone.Progress()
		s.Result = ToRunResult(res)
	}
	r.publish(ctx, s)

	r.mu.Lock()
	delete(r.runs, runID)
	hooks := r.onFinish
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(*s)
	}
}

// current returns the run's status, loading it from the tracker when this
// process has not seen the run yet.
func (r *Reporter) current(ctx context.Context, runID, estimationID string) *pipeline.RunStatus {
	r.mu.Lock()
	s, ok := r.runs[runID]
	r.mu.Unlock()
	if ok {
		return s
	}

	loaded, err := r.tracker.Get(ctx, runID)
	if err != nil {
		now := r.now().UTC()
		loaded = &pipeline.RunStatus{RunID: runID, EstimationID: estimationID, StartedAt: now}
	}
	r.mu.Lock()
	r.runs[runID] = loaded
	r.mu.Unlock()
	return loaded
}

func (r *Reporter) publish(ctx context.Context, s *pipeline.RunStatus) {
	s.UpdatedAt = r.now().UTC()
	snapshot := *s

	r.mu.Lock()
	if !snapshot.Finished() {
		r.runs[s.RunID] = s
	}
	r.mu.Unlock()

	log := r.logger.WithFields(logrus.Fields{"run_id": s.RunID, "estimation_id": s.EstimationID, "state": s.State, "stage": s.Stage})
	if err := r.tracker.Save(ctx, snapshot); err != nil {
		log.WithError(err).Warn("[jobs.track] Failed to save run status")
	}
	if err := r.notifier.Notify(ctx, snapshot); err != nil {
		log.WithError(err).Warn("[jobs.notify] Failed to publish run status")
	}
}

// ToRunResult converts an orchestrator result to its wire form.
func ToRunResult(res *ingest.Result) *pipeline.RunResult {
	if res == nil {
		return nil
	}
	return &pipeline.RunResult{
		ManifestKey:      res.ManifestKey,
		MainDataKey:      res.MainDataKey,
		MainSheet:        res.MainSheet,
		Rows:             res.Rows,
		Chunks:           res.Chunks,
		ConceptNodes:     res.ConceptNodes,
		AssetsFound:      res.AssetsFound,
		AssetsProcessed:  res.AssetsProcessed,
		AssetsFailed:     res.AssetsFailed,
		AssetsUnassigned: res.AssetsUnassigned,
		Errors:           len(res.Stats.Errors),
		Complete:         res.Complete,
		ElapsedMs:        res.Stats.ElapsedMs,
	}
}
