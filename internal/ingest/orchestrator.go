// Package ingest runs one ingestion job: it downloads the source workbook,
// extracts the breakdown rows and embedded images, stores chunks and the
// derived artifacts, and writes the manifest last.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/assets"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/chunking"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/extract"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/hierarchy"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/logging"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/manifest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/metrics"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/retry"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/storage"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workbook"
)

// Config tunes one orchestrator.
type Config struct {
	ChunkSize     int
	MaxDepth      int
	SheetPatterns []string
	Assets        assets.Options
	// Retry applies to the source download and to every artifact upload.
	Retry retry.Policy
	// InlineRowLimit is the largest row count whose rows are embedded in
	// main-data.json; larger sheets list chunk references instead.
	InlineRowLimit int
	TempDir        string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      chunking.DefaultWindowSize,
		MaxDepth:       hierarchy.DefaultMaxDepth,
		SheetPatterns:  workbook.DefaultBreakdownPatterns,
		Assets:         assets.DefaultOptions(),
		Retry:          retry.DefaultPolicy,
		InlineRowLimit: chunking.DefaultWindowSize,
	}
}

func (c *Config) withDefaults() {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if len(c.SheetPatterns) == 0 {
		c.SheetPatterns = d.SheetPatterns
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = d.Retry
	}
	if c.InlineRowLimit < 0 {
		c.InlineRowLimit = 0
	}
}

// Job identifies one ingestion request.
type Job struct {
	RunID        string
	EstimationID string
	SourceKey    string
	Filename     string
}

// Progress is reported on every state change.
type Progress struct {
	RunID        string
	EstimationID string
	State        State
	Percent      int
	Message      string
}

// ProgressFunc receives progress updates. It must not block.
type ProgressFunc func(Progress)

// Result summarizes a job that reached Done.
type Result struct {
	RunID            string                   `json:"runId"`
	EstimationID     string                   `json:"estimationId"`
	State            State                    `json:"state"`
	ManifestKey      string                   `json:"manifestKey"`
	MainDataKey      string                   `json:"mainDataKey"`
	TreeKey          string                   `json:"treeKey"`
	AssetIndexKey    string                   `json:"assetIndexKey"`
	MainSheet        string                   `json:"mainSheet"`
	Rows             int                      `json:"rows"`
	Chunks           int                      `json:"chunks"`
	ConceptNodes     int                      `json:"conceptNodes"`
	AssetsFound      int                      `json:"assetsFound"`
	AssetsProcessed  int                      `json:"assetsProcessed"`
	AssetsFailed     int                      `json:"assetsFailed"`
	AssetsUnassigned int                      `json:"assetsUnassigned"`
	Complete         bool                     `json:"complete"`
	Stats            manifest.ProcessingStats `json:"stats"`
}

// Orchestrator sequences the stages of an ingestion job.
type Orchestrator struct {
	source   storage.Reader
	store    storage.Writer
	cfg      Config
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
	locker   Locker
	progress ProgressFunc
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l logrus.FieldLogger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithLocker replaces the in-process per-estimation lock.
func WithLocker(l Locker) Option { return func(o *Orchestrator) { o.locker = l } }

func WithProgress(fn ProgressFunc) Option { return func(o *Orchestrator) { o.progress = fn } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an orchestrator reading source workbooks from source and
// writing artifacts to store.
func New(source storage.Reader, store storage.Writer, cfg Config, opts ...Option) *Orchestrator {
	cfg.withDefaults()
	o := &Orchestrator{
		source: source,
		store:  store,
		cfg:    cfg,
		logger: logrus.StandardLogger(),
		locker: NewLocalLocker(DefaultLockWait),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// job is the per-run context threaded through every stage.
type job struct {
	Job
	log     logrus.FieldLogger
	dir     string
	state   State
	errs    *manifest.ErrorLog
	builder *manifest.Builder
	stageMs map[string]int64
	entered time.Time

	wb        *workbook.Workbook
	styles    *extract.StyleTable
	spool     *chunking.Spool
	extracted *extract.Result
	assets    *assets.Result
	tree      *hierarchy.Tree
	sealed    []chunking.Sealed
	stored    []manifest.ChunkRef

	stats    manifest.ProcessingStats
	complete bool
}

// Run executes one job. A *FatalError means nothing was written for the
// estimation; any other error means the job was canceled or the manifest
// could not be stored. Sub-failures are recorded in the manifest instead.
func (o *Orchestrator) Run(ctx context.Context, j Job) (result *Result, err error) {
	if j.EstimationID == "" || j.SourceKey == "" {
		return nil, fmt.Errorf("%w: estimation id and source key are required", ErrInvalidJob)
	}
	if !manifest.ValidEstimationID(j.EstimationID) {
		return nil, fmt.Errorf("%w: estimation id %q must be 1-128 letters, digits, '-' or '_'", ErrInvalidJob, j.EstimationID)
	}
	if j.Filename == "" {
		j.Filename = filepath.Base(j.SourceKey)
	}

	release, err := o.locker.Acquire(ctx, j.EstimationID)
	if err != nil {
		return nil, err
	}
	defer release()

	started := o.now()
	run := &job{
		Job:     j,
		log:     logging.ForRun(o.logger, j.RunID, j.EstimationID),
		errs:    manifest.NewErrorLog(),
		builder: manifest.NewBuilder(j.EstimationID, j.RunID, j.Filename, started),
		stageMs: make(map[string]int64),
		styles:  extract.NewStyleTable(),
	}

	o.metrics.JobStarted()
	defer func() {
		final := string(StateDone)
		if err != nil {
			final = string(StateFailed)
		}
		o.metrics.JobFinished(final)
	}()

	run.dir, err = os.MkdirTemp(o.cfg.TempDir, "ingest-*")
	if err != nil {
		return nil, &FatalError{Stage: StateDownloading, Err: fmt.Errorf("create work dir: %w", err)}
	}
	defer os.RemoveAll(run.dir)
	defer func() {
		if run.spool != nil {
			run.spool.Close()
		}
		if run.wb != nil {
			run.wb.Close()
		}
	}()

	run.log.WithField("source_key", j.SourceKey).Info("[ingest.start] Ingestion job started")

	stages := []struct {
		state State
		fn    func(context.Context, *job) error
	}{
		{StateDownloading, o.download},
		{StateExtracting, o.extractRows},
		{StateAssetProcessing, o.extractAssets},
		{StateChunking, o.chunk},
		{StateUploading, o.upload},
		{StateFinalizing, o.finalize},
	}
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, o.abort(run, err)
		}
		o.enter(run, s.state)
		if err := s.fn(ctx, run); err != nil {
			if ctx.Err() != nil {
				return nil, o.abort(run, ctx.Err())
			}
			if run.state == StateDownloading || run.state == StateExtracting {
				o.fail(run, err)
				return nil, &FatalError{Stage: run.state, Err: err}
			}
			run.log.WithError(err).Error("[ingest.failed] Ingestion job failed")
			return nil, err
		}
	}
	o.enter(run, StateDone)

	result = o.summarize(run)
	run.log.WithFields(logrus.Fields{
		"rows":       result.Rows,
		"chunks":     result.Chunks,
		"assets":     result.AssetsProcessed,
		"errors":     len(result.Stats.Errors),
		"elapsed_ms": result.Stats.ElapsedMs,
	}).Info("[ingest.done] Ingestion job completed")
	return result, nil
}

func (o *Orchestrator) enter(run *job, next State) {
	now := o.now()
	if run.state != "" {
		if !CanTransition(run.state, next) {
			panic(fmt.Sprintf("ingest: invalid transition %s -> %s", run.state, next))
		}
		d := now.Sub(run.entered)
		run.stageMs[string(run.state)] = d.Milliseconds()
		o.metrics.ObserveStage(string(run.state), d)
	}
	run.state, run.entered = next, now
	run.log.WithField("state", next).Debug("[ingest.stage] State entered")
	o.report(run, next, "")
}

func (o *Orchestrator) report(run *job, s State, msg string) {
	if o.progress == nil {
		return
	}
	o.progress(Progress{
		RunID:        run.RunID,
		EstimationID: run.EstimationID,
		State:        s,
		Percent:      s.Progress(),
		Message:      msg,
	})
}

func (o *Orchestrator) fail(run *job, err error) {
	run.log.WithField("state", run.state).WithError(err).Error("[ingest.failed] Fatal ingestion error")
	run.state = StateFailed
	o.report(run, StateFailed, err.Error())
}

func (o *Orchestrator) abort(run *job, err error) error {
	run.log.WithField("state", run.state).WithError(err).Warn("[ingest.canceled] Ingestion job abandoned")
	return fmt.Errorf("ingestion canceled while %s: %w", run.state, err)
}

func (o *Orchestrator) download(ctx context.Context, run *job) error {
	path := filepath.Join(run.dir, "source.xlsx")
	err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) error {
		rc, err := o.source.GetReader(ctx, run.SourceKey)
		if err != nil {
			return err
		}
		defer rc.Close()

		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, rc); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", run.SourceKey, err)
	}

	wb, err := workbook.Open(path)
	if err != nil {
		return err
	}
	run.wb = wb
	return nil
}

func (o *Orchestrator) extractRows(ctx context.Context, run *job) error {
	x := extract.New(extract.Options{SheetPatterns: o.cfg.SheetPatterns}, run.styles)
	sheet, err := x.Locate(run.wb)
	if err != nil {
		return err
	}

	run.spool, err = chunking.NewSpool(filepath.Join(run.dir, "chunks"), sheet.Name, o.cfg.ChunkSize)
	if err != nil {
		return err
	}
	res, err := x.Extract(ctx, run.wb, run.spool)
	if err != nil {
		return err
	}
	run.extracted = res
	o.metrics.Rows(res.RowCount)

	run.log.WithFields(logrus.Fields{
		"sheet":      sheet.Name,
		"rows":       res.RowCount,
		"coded_rows": res.CodedRows,
		"columns":    len(res.Columns),
		"late_cols":  res.LateColumns,
		"styles":     run.styles.Len(),
	}).Info("[ingest.extract] Breakdown sheet extracted")
	return nil
}

func (o *Orchestrator) extractAssets(ctx context.Context, run *job) error {
	x := assets.NewExtractor(o.store, o.cfg.Assets, run.log, o.metrics)
	res, err := x.Extract(ctx, assets.Input{
		EstimationID: run.EstimationID,
		Workbook:     run.wb,
		Skip:         run.extracted.Sheet.Name,
		Errors:       run.errs,
	})
	if err != nil {
		return err
	}
	run.assets = res

	for _, rec := range res.Records {
		if rec.ConceptCode == "" {
			continue
		}
		t, ok := run.extracted.Tallies[rec.ConceptCode]
		if !ok {
			t = &hierarchy.Tally{}
			run.extracted.Tallies[rec.ConceptCode] = t
		}
		t.AddAsset(rec.Type)
	}

	run.log.WithFields(logrus.Fields{
		"found":      res.Found,
		"processed":  res.Processed,
		"failed":     res.FailedN,
		"unassigned": res.Unassigned,
	}).Info("[ingest.assets] Images extracted")
	return nil
}

func (o *Orchestrator) chunk(ctx context.Context, run *job) error {
	sealed, err := run.spool.Close()
	if err != nil {
		run.errs.Addf(manifest.ErrorChunk, run.extracted.Sheet.Name, "seal chunks: %v", err)
	}
	run.sealed = sealed

	run.tree = hierarchy.Builder{MaxDepth: o.cfg.MaxDepth}.Build(run.extracted.Tallies)
	for _, w := range run.tree.Warnings {
		run.errs.Add(manifest.ProcessingError{Type: manifest.ErrorHierarchy, Message: w, Sheet: run.extracted.Sheet.Name})
	}
	return nil
}

func (o *Orchestrator) upload(ctx context.Context, run *job) error {
	sheet := run.extracted.Sheet.Name
	for _, c := range run.sealed {
		key := manifest.ChunkKey(run.EstimationID, sheet, c.Index)
		data, err := os.ReadFile(c.Path)
		if err == nil {
			err = o.put(ctx, key, data, "application/zstd")
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.metrics.Chunk(false)
			run.log.WithFields(logrus.Fields{"chunk": c.Index, "key": key}).WithError(err).Warn("[ingest.upload] Chunk upload failed")
			run.errs.Add(manifest.ProcessingError{Type: manifest.ErrorChunk, Message: err.Error(), Sheet: sheet, Key: key})
			continue
		}
		o.metrics.Chunk(true)
		ref := manifest.ChunkRef{
			Sheet:       sheet,
			Index:       c.Index,
			StartRow:    c.Start,
			EndRow:      c.End,
			RowCount:    c.Len(),
			Key:         key,
			SizeBytes:   c.SizeBytes,
			Compression: manifest.CompressionZstd,
		}
		run.stored = append(run.stored, ref)
		run.builder.AddChunk(ref)
	}

	index := manifest.NewAssetIndex(run.EstimationID, run.assets.Records, run.assets.Failed)
	artifacts := []struct {
		key string
		v   any
	}{
		{manifest.TreeKey(run.EstimationID), run.tree},
		{manifest.AssetIndexKey(run.EstimationID), index},
		{manifest.MainDataKey(run.EstimationID), o.mainData(run)},
	}
	for _, a := range artifacts {
		data, err := json.Marshal(a.v)
		if err == nil {
			err = o.put(ctx, a.key, data, "application/json")
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			run.log.WithField("key", a.key).WithError(err).Warn("[ingest.upload] Artifact upload failed")
			run.errs.Add(manifest.ProcessingError{Type: manifest.ErrorUpload, Message: err.Error(), Key: a.key})
		}
	}
	return nil
}

// mainData inlines the rows of small sheets and references chunks
// otherwise. Rows are only inlined when every chunk was stored.
func (o *Orchestrator) mainData(run *job) *manifest.MainData {
	res := run.extracted
	md := &manifest.MainData{
		EstimationID: run.EstimationID,
		SheetName:    res.Sheet.Name,
		Metadata: manifest.MainDataMetadata{
			TotalRows:    res.RowCount,
			TotalColumns: len(res.Columns),
			LastModified: o.now().UTC(),
		},
		ColumnDefs: res.Columns,
		Styles:     run.styles.Entries(),
	}
	if md.ColumnDefs == nil {
		md.ColumnDefs = []extract.ColumnDefinition{}
	}

	if res.RowCount <= o.cfg.InlineRowLimit && len(run.stored) == len(run.sealed) {
		rows := make([]json.RawMessage, 0, res.RowCount)
		inlined := true
		for _, c := range run.sealed {
			doc, err := chunking.ReadSealed(c)
			if err != nil {
				run.errs.Addf(manifest.ErrorChunk, res.Sheet.Name, "inline chunk %d: %v", c.Index, err)
				inlined = false
				break
			}
			rows = append(rows, doc.Rows...)
		}
		if inlined {
			md.Rows = rows
			return md
		}
	}
	md.Chunks = run.stored
	return md
}

func (o *Orchestrator) finalize(ctx context.Context, run *job) error {
	res := run.extracted
	b := run.builder
	b.MainSheet(res.Sheet.Name, res.Columns, o.cfg.ChunkSize)
	b.Styles(run.styles.Entries())
	b.AddSheet(manifest.SheetMeta{
		Name:        res.Sheet.Name,
		Index:       res.Sheet.Index,
		Role:        manifest.SheetBreakdown,
		RowCount:    res.RowCount,
		ColumnCount: len(res.Columns),
	})
	for _, s := range run.assets.Sheets {
		b.AddSheet(s)
	}
	b.Totals(manifest.Totals{
		MainSheetRows: res.RowCount,
		CodedRows:     res.CodedRows,
		TotalColumns:  len(res.Columns),
		ConceptNodes:  run.tree.TotalNodes,
		TotalAssets:   len(run.assets.Records),
		TotalAmount:   res.TotalAmount,
	})

	now := o.now()
	run.stageMs[string(StateFinalizing)] = now.Sub(run.entered).Milliseconds()
	m := b.Build(manifest.ProcessingStats{
		SheetsProcessed:  1 + len(run.assets.Sheets),
		ImagesFound:      run.assets.Found,
		ImagesProcessed:  run.assets.Processed,
		ImagesFailed:     run.assets.FailedN,
		ImagesUnassigned: run.assets.Unassigned,
		ImagesDuplicate:  run.assets.Duplicates,
		ChunksWritten:    len(run.stored),
		ChunksFailed:     len(run.sealed) - len(run.stored),
		StageMs:          run.stageMs,
	}, run.errs, now)

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := o.put(ctx, manifest.ManifestKey(run.EstimationID), data, "application/json"); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	run.stats = m.Stats
	run.complete = m.Complete
	return nil
}

func (o *Orchestrator) put(ctx context.Context, key string, data []byte, contentType string) error {
	return retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) error {
		return o.store.Put(ctx, key, bytes.NewReader(data), contentType)
	})
}

func (o *Orchestrator) summarize(run *job) *Result {
	return &Result{
		RunID:            run.RunID,
		EstimationID:     run.EstimationID,
		State:            StateDone,
		ManifestKey:      manifest.ManifestKey(run.EstimationID),
		MainDataKey:      manifest.MainDataKey(run.EstimationID),
		TreeKey:          manifest.TreeKey(run.EstimationID),
		AssetIndexKey:    manifest.AssetIndexKey(run.EstimationID),
		MainSheet:        run.extracted.Sheet.Name,
		Rows:             run.extracted.RowCount,
		Chunks:           len(run.stored),
		ConceptNodes:     run.tree.TotalNodes,
		AssetsFound:      run.assets.Found,
		AssetsProcessed:  run.assets.Processed,
		AssetsFailed:     run.assets.FailedN,
		AssetsUnassigned: run.assets.Unassigned,
		Complete:         run.complete,
		Stats:            run.stats,
	}
}
