// Package retrieval answers client reads over ingested estimations. Every
// read starts from the manifest; the tree and asset index are served as
// stored, and signed URLs are minted per request.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/assets"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/chunking"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/hierarchy"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/manifest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/metrics"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/storage"
)

// Paging and signing defaults.
const (
	DefaultPageSize     = 20
	MaxPageSize         = 100
	DefaultSignedURLTTL = time.Hour
	MaxTreeDepth        = 50
)

// Config tunes a Service.
type Config struct {
	CacheSize    int
	CacheTTL     time.Duration
	SignedURLTTL time.Duration
}

// Store is what the service reads from.
type Store interface {
	storage.Reader
	storage.Signer
}

// Service serves retrieval reads.
type Service struct {
	store     Store
	manifests *expirable.LRU[string, *manifest.Manifest]
	signedTTL time.Duration
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
}

// NewService creates a service over store.
func NewService(store Store, cfg Config, logger logrus.FieldLogger, m *metrics.Metrics) *Service {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = DefaultSignedURLTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		store:     store,
		manifests: expirable.NewLRU[string, *manifest.Manifest](cfg.CacheSize, nil, cfg.CacheTTL),
		signedTTL: cfg.SignedURLTTL,
		logger:    logger,
		metrics:   m,
	}
}

// Invalidate drops the cached manifest of an estimation, e.g. after a
// re-ingestion finished in this process.
func (s *Service) Invalidate(estimationID string) {
	s.manifests.Remove(estimationID)
}

func validateID(estimationID string) *Error {
	if !manifest.ValidEstimationID(estimationID) {
		return invalid("estimationId must be 1-128 letters, digits, '-' or '_'")
	}
	return nil
}

// observe records metrics and logs failures of one operation.
func (s *Service) observe(op, estimationID string, started time.Time, err error) error {
	code := "OK"
	if err != nil {
		re := AsError(err)
		code = string(re.Code)
		log := s.logger.WithFields(logrus.Fields{"operation": op, "estimation_id": estimationID, "code": code})
		if re.Code == CodeInternal {
			log.WithError(err).Error("[retrieval.error] Read failed")
		} else {
			log.Debug("[retrieval.error] " + re.Message)
		}
		err = re
	}
	s.metrics.Retrieval(op, code, time.Since(started))
	return err
}

// GetManifest returns the stored manifest of an estimation.
func (s *Service) GetManifest(ctx context.Context, estimationID string) (m *manifest.Manifest, err error) {
	defer func(t time.Time) { err = s.observe("manifest", estimationID, t, err) }(time.Now())
	if verr := validateID(estimationID); verr != nil {
		return nil, verr
	}
	return s.manifest(ctx, estimationID)
}

func (s *Service) manifest(ctx context.Context, estimationID string) (*manifest.Manifest, error) {
	if m, ok := s.manifests.Get(estimationID); ok {
		return m, nil
	}
	var m manifest.Manifest
	if err := s.readJSON(ctx, manifest.ManifestKey(estimationID), &m); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound("no processed data for estimation %s", estimationID)
		}
		return nil, err
	}
	s.manifests.Add(estimationID, &m)
	return &m, nil
}

func (s *Service) readJSON(ctx context.Context, key string, v any) error {
	data, err := storage.Get(ctx, s.store, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// GetMainData returns the grid payload: column definitions plus inline
// rows, or chunk references for large sheets.
func (s *Service) GetMainData(ctx context.Context, estimationID string) (md *manifest.MainData, err error) {
	defer func(t time.Time) { err = s.observe("main_data", estimationID, t, err) }(time.Now())
	if verr := validateID(estimationID); verr != nil {
		return nil, verr
	}
	m, err := s.manifest(ctx, estimationID)
	if err != nil {
		return nil, err
	}
	var out manifest.MainData
	if err := s.readJSON(ctx, m.Keys.MainData, &out); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound("main data for estimation %s is missing", estimationID)
		}
		return nil, err
	}
	return &out, nil
}

// TreeOptions filter a stored tree.
type TreeOptions struct {
	IncludeEmpty bool
	MaxDepth     int
}

// TreeData is the tree-data payload.
type TreeData struct {
	EstimationID string            `json:"estimationId"`
	TotalNodes   int               `json:"totalNodes"`
	MaxDepth     int               `json:"maxDepth"`
	Roots        []*hierarchy.Node `json:"roots"`
	FlatList     []hierarchy.Node  `json:"flatList"`
}

// GetTree returns the stored concept tree, filtered by opts.
func (s *Service) GetTree(ctx context.Context, estimationID string, opts TreeOptions) (td *TreeData, err error) {
	defer func(t time.Time) { err = s.observe("tree", estimationID, t, err) }(time.Now())
	if verr := validateID(estimationID); verr != nil {
		return nil, verr
	}
	if opts.MaxDepth < 0 || opts.MaxDepth > MaxTreeDepth {
		return nil, invalid("maxDepth must be between 0 and %d", MaxTreeDepth)
	}
	m, err := s.manifest(ctx, estimationID)
	if err != nil {
		return nil, err
	}
	var tree hierarchy.Tree
	if err := s.readJSON(ctx, m.Keys.Tree, &tree); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound("tree for estimation %s is missing", estimationID)
		}
		return nil, err
	}

	filtered := tree.Filter(hierarchy.FilterOptions{IncludeEmpty: opts.IncludeEmpty, MaxDepth: opts.MaxDepth})
	return &TreeData{
		EstimationID: estimationID,
		TotalNodes:   filtered.TotalNodes,
		MaxDepth:     filtered.MaxDepth,
		Roots:        filtered.Roots,
		FlatList:     filtered.FlatList,
	}, nil
}

// AssetQuery selects one page of a concept's assets. Limit 0 means the
// default page size; Signed nil means true.
type AssetQuery struct {
	ConceptCode string
	Type        string
	Limit       int
	Offset      int
	Signed      *bool
}

// AssetView is one asset with its signed URL.
type AssetView struct {
	manifest.AssetRecord
	SignedURL          string     `json:"signedUrl,omitempty"`
	SignedURLExpiresAt *time.Time `json:"signedUrlExpiresAt,omitempty"`
}

// AssetPage is the assets payload.
type AssetPage struct {
	EstimationID string      `json:"estimationId"`
	ConceptCode  string      `json:"conceptCode"`
	Total        int         `json:"total"`
	Limit        int         `json:"limit"`
	Offset       int         `json:"offset"`
	Assets       []AssetView `json:"assets"`
}

func (q *AssetQuery) normalize() *Error {
	code, ok := hierarchy.NormalizeCode(q.ConceptCode)
	if !ok {
		return invalid("conceptCode is required and must be a dotted code")
	}
	q.ConceptCode = code
	if q.Type != "" && !assets.ValidType(q.Type) {
		return invalid("sheetType must be one of photo, generator, sketch, other")
	}
	switch {
	case q.Limit < 0:
		return invalid("limit must be positive")
	case q.Limit == 0:
		q.Limit = DefaultPageSize
	case q.Limit > MaxPageSize:
		q.Limit = MaxPageSize
	}
	if q.Offset < 0 {
		return invalid("offset must not be negative")
	}
	return nil
}

// GetAssets returns one page of a concept's assets, each with a freshly
// signed URL.
func (s *Service) GetAssets(ctx context.Context, estimationID string, q AssetQuery) (page *AssetPage, err error) {
	defer func(t time.Time) { err = s.observe("assets", estimationID, t, err) }(time.Now())
	if verr := validateID(estimationID); verr != nil {
		return nil, verr
	}
	if verr := q.normalize(); verr != nil {
		return nil, verr
	}
	m, err := s.manifest(ctx, estimationID)
	if err != nil {
		return nil, err
	}
	var index manifest.AssetIndex
	if err := s.readJSON(ctx, m.Keys.AssetIndex, &index); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound("asset index for estimation %s is missing", estimationID)
		}
		return nil, err
	}

	var matched []manifest.AssetRecord
	for _, r := range index.ByConcept[q.ConceptCode] {
		if q.Type == "" || r.Type == q.Type {
			matched = append(matched, r)
		}
	}

	page = &AssetPage{
		EstimationID: estimationID,
		ConceptCode:  q.ConceptCode,
		Total:        len(matched),
		Limit:        q.Limit,
		Offset:       q.Offset,
		Assets:       []AssetView{},
	}
	if q.Offset >= len(matched) {
		return page, nil
	}
	end := q.Offset + q.Limit
	if end > len(matched) {
		end = len(matched)
	}

	signed := q.Signed == nil || *q.Signed
	for _, r := range matched[q.Offset:end] {
		v := AssetView{AssetRecord: r}
		if signed {
			url, expires, err := s.store.SignedURL(ctx, r.StorageKey, s.signedTTL)
			if err != nil {
				return nil, fmt.Errorf("sign %s: %w", r.StorageKey, err)
			}
			v.SignedURL, v.SignedURLExpiresAt = url, &expires
		}
		page.Assets = append(page.Assets, v)
	}
	return page, nil
}

// GetChunk returns one decompressed chunk of the main sheet.
func (s *Service) GetChunk(ctx context.Context, estimationID string, index int) (doc *chunking.Document, err error) {
	defer func(t time.Time) { err = s.observe("chunk", estimationID, t, err) }(time.Now())
	if verr := validateID(estimationID); verr != nil {
		return nil, verr
	}
	if index < 0 {
		return nil, invalid("chunk index must not be negative")
	}
	m, err := s.manifest(ctx, estimationID)
	if err != nil {
		return nil, err
	}
	for _, c := range m.Chunks {
		if c.Sheet != m.MainSheet || c.Index != index {
			continue
		}
		data, err := storage.Get(ctx, s.store, c.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, notFound("chunk %d of estimation %s is missing", index, estimationID)
			}
			return nil, err
		}
		return chunking.Decode(data)
	}
	return nil, notFound("estimation %s has no chunk %d", estimationID, index)
}
