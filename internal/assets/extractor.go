// Package assets pulls embedded images out of the non-breakdown sheets,
// attributes each to a concept code by anchor position, re-encodes it and
// uploads it through a bounded worker pool.
package assets

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/manifest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/metrics"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/retry"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/storage"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workbook"
)

// Options bound the extractor's concurrency, retries and output size.
type Options struct {
	Workers      int
	Retry        retry.Policy
	MaxDimension int
	Quality      int
}

// DefaultOptions uploads six images at a time, three attempts each.
func DefaultOptions() Options {
	return Options{
		Workers:      6,
		Retry:        retry.DefaultPolicy,
		MaxDimension: 2048,
		Quality:      80,
	}
}

func (o *Options) withDefaults() {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.Retry.Attempts <= 0 {
		o.Retry = d.Retry
	}
	if o.MaxDimension <= 0 {
		o.MaxDimension = d.MaxDimension
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = d.Quality
	}
}

// Input is one job's view of the workbook.
type Input struct {
	EstimationID string
	Workbook     *workbook.Workbook
	// Skip names the breakdown sheet, which is never scanned for images.
	Skip   string
	Errors *manifest.ErrorLog
}

// Result is what the extractor stored and what it could not.
type Result struct {
	Records    []manifest.AssetRecord
	Failed     []manifest.FailedAsset
	Sheets     []manifest.SheetMeta
	Found      int
	Processed  int
	FailedN    int
	Unassigned int
	Duplicates int
}

// Extractor scans sheets for images.
type Extractor struct {
	store   storage.Writer
	opts    Options
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewExtractor creates an extractor uploading to store.
func NewExtractor(store storage.Writer, opts Options, logger logrus.FieldLogger, m *metrics.Metrics) *Extractor {
	opts.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Extractor{store: store, opts: opts, logger: logger, metrics: m}
}

// upload tracks the first copy of an asset id. done is closed once the put
// finishes; ok is only read after that.
type upload struct {
	done chan struct{}
	ok   bool
}

type extraction struct {
	x   *Extractor
	in  Input
	ctx context.Context

	mu     sync.Mutex
	seen   map[string]*upload
	result *Result
	sheet  map[string]*manifest.SheetMeta
}

// Extract scans every sheet except in.Skip. Per-image failures are recorded
// in in.Errors and the result; only cancellation returns an error.
func (x *Extractor) Extract(ctx context.Context, in Input) (*Result, error) {
	if in.Errors == nil {
		in.Errors = manifest.NewErrorLog()
	}
	pool, err := ants.NewPool(x.opts.Workers)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	run := &extraction{
		x:      x,
		in:     in,
		ctx:    ctx,
		seen:   make(map[string]*upload),
		result: &Result{},
		sheet:  make(map[string]*manifest.SheetMeta),
	}

	var wg sync.WaitGroup
	for _, sheet := range in.Workbook.Sheets() {
		if sheet.Name == in.Skip {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		run.scanSheet(sheet, pool, &wg)
	}
	wg.Wait()

	for _, s := range in.Workbook.Sheets() {
		if meta, ok := run.sheet[s.Name]; ok {
			run.result.Sheets = append(run.result.Sheets, *meta)
		}
	}
	if err := ctx.Err(); err != nil {
		return run.result, err
	}
	return run.result, nil
}

func (r *extraction) scanSheet(sheet workbook.Sheet, pool *ants.Pool, wg *sync.WaitGroup) {
	assetType := ClassifySheet(sheet.Name)
	meta := &manifest.SheetMeta{Name: sheet.Name, Index: sheet.Index, Role: manifest.SheetAssets, AssetType: assetType}
	r.sheet[sheet.Name] = meta
	log := r.x.logger.WithFields(logrus.Fields{"sheet": sheet.Name, "asset_type": assetType})

	pics, err := r.in.Workbook.Pictures(sheet)
	if err != nil {
		log.WithError(err).Warn("[assets.scan] Failed to read drawings")
		r.in.Errors.Addf(manifest.ErrorSheet, sheet.Name, "read drawings: %v", err)
		return
	}
	if len(pics) == 0 {
		return
	}

	index, err := BuildCodeIndex(r.ctx, r.in.Workbook, sheet)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("[assets.scan] Failed to index concept codes; images stay unassigned")
		r.in.Errors.Addf(manifest.ErrorSheet, sheet.Name, "index concept codes: %v", err)
		index = &CodeIndex{byRow: map[int][]codeCell{}, byCol: map[int][]codeCell{}}
	}
	log.WithFields(logrus.Fields{"images": len(pics), "code_cells": index.Len()}).Info("[assets.scan] Sheet scanned")

	for _, pic := range pics {
		if r.ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		r.result.Found++
		meta.ImagesFound++
		r.mu.Unlock()

		code, codeCell, _ := index.Resolve(pic.Col, pic.Row)
		pic := pic
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			r.process(pic, assetType, code, codeCell, meta)
		})
		if err != nil {
			wg.Done()
			r.fail(pic, code, "", "", manifest.ErrorImage, fmt.Errorf("schedule: %w", err), meta)
		}
	}
}

func (r *extraction) process(pic workbook.Picture, assetType, code, codeCell string, meta *manifest.SheetMeta) {
	raw, err := r.in.Workbook.ReadMedia(pic)
	if err != nil {
		r.fail(pic, code, "", "", manifest.ErrorImage, err, meta)
		return
	}
	enc, err := Reencode(raw, r.x.opts.MaxDimension, r.x.opts.Quality)
	if err != nil {
		r.fail(pic, code, "", "", manifest.ErrorConversion, err, meta)
		return
	}

	id := AssetID(enc.Data, code)
	mine, ok := r.claim(id)
	if !ok {
		r.mu.Lock()
		r.result.Duplicates++
		r.mu.Unlock()
		r.x.metrics.Asset("duplicate")
		return
	}

	key := manifest.AssetKey(r.in.EstimationID, code, id, "jpg")
	err = retry.Do(r.ctx, r.x.opts.Retry, func(ctx context.Context) error {
		return r.x.store.Put(ctx, key, bytes.NewReader(enc.Data), "image/jpeg")
	})
	r.mu.Lock()
	mine.ok = err == nil
	if err != nil {
		delete(r.seen, id)
	}
	r.mu.Unlock()
	close(mine.done)
	if err != nil {
		r.fail(pic, code, id, key, manifest.ErrorUpload, err, meta)
		return
	}

	rec := manifest.AssetRecord{
		ID:           id,
		ConceptCode:  code,
		Type:         assetType,
		Filename:     fmt.Sprintf("%s-%s.jpg", manifest.SheetSlug(pic.Sheet), pic.Cell),
		Sheet:        pic.Sheet,
		Cell:         pic.Cell,
		CodeCell:     codeCell,
		StorageKey:   key,
		Width:        enc.Width,
		Height:       enc.Height,
		SizeBytes:    int64(len(enc.Data)),
		Format:       "jpeg",
		SourceFormat: enc.SourceFormat,
	}

	r.mu.Lock()
	r.result.Records = append(r.result.Records, rec)
	r.result.Processed++
	meta.ImagesProcessed++
	if code == "" {
		r.result.Unassigned++
	}
	r.mu.Unlock()

	if code == "" {
		r.x.metrics.Asset("unassigned")
	}
	r.x.metrics.Asset("processed")
}

// claim makes the caller the uploader of id. A copy of an id already
// stored returns false; a copy of one still uploading waits for it and
// takes over when that upload failed.
func (r *extraction) claim(id string) (*upload, bool) {
	for {
		r.mu.Lock()
		prev, dup := r.seen[id]
		if !dup {
			mine := &upload{done: make(chan struct{})}
			r.seen[id] = mine
			r.mu.Unlock()
			return mine, true
		}
		r.mu.Unlock()

		<-prev.done
		if prev.ok {
			return nil, false
		}
	}
}

func (r *extraction) fail(pic workbook.Picture, code, id, key string, kind manifest.ErrorType, err error, meta *manifest.SheetMeta) {
	if r.ctx.Err() != nil {
		return
	}
	r.x.logger.WithFields(logrus.Fields{
		"sheet":        pic.Sheet,
		"cell":         pic.Cell,
		"concept_code": code,
		"asset_id":     id,
	}).WithError(err).Warn("[assets.process] Image skipped")

	r.in.Errors.Add(manifest.ProcessingError{
		Type:    kind,
		Message: err.Error(),
		Sheet:   pic.Sheet,
		Cell:    pic.Cell,
		AssetID: id,
		Key:     key,
	})

	r.mu.Lock()
	r.result.Failed = append(r.result.Failed, manifest.FailedAsset{
		Sheet:       pic.Sheet,
		Cell:        pic.Cell,
		ConceptCode: code,
		AssetID:     id,
		Reason:      err.Error(),
	})
	r.result.FailedN++
	meta.ImagesFailed++
	r.mu.Unlock()
	r.x.metrics.Asset("failed")
}
