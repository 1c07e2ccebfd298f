// Package manifest defines the persisted artifacts of an ingestion job and
// their storage keys. The Manifest is the contract between the pipeline and
// every retrieval consumer.
package manifest

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/extract"
)

// Version is bumped when the manifest layout changes incompatibly.
const Version = "1.0"

// CompressionZstd marks zstd-compressed chunk objects.
const CompressionZstd = "zstd"

// ChunkRef locates one stored row window.
type ChunkRef struct {
	Sheet       string `json:"sheet"`
	Index       int    `json:"index"`
	StartRow    int    `json:"startRow"`
	EndRow      int    `json:"endRow"`
	RowCount    int    `json:"rowCount"`
	Key         string `json:"key"`
	SizeBytes   int64  `json:"sizeBytes"`
	Compression string `json:"compression"`
}

// Sheet roles.
const (
	SheetBreakdown = "breakdown"
	SheetAssets    = "assets"
)

// SheetMeta describes one worksheet as seen by the job.
type SheetMeta struct {
	Name            string `json:"name"`
	Index           int    `json:"index"`
	Role            string `json:"role"`
	AssetType       string `json:"assetType,omitempty"`
	RowCount        int    `json:"rowCount,omitempty"`
	ColumnCount     int    `json:"columnCount,omitempty"`
	ImagesFound     int    `json:"imagesFound,omitempty"`
	ImagesProcessed int    `json:"imagesProcessed,omitempty"`
	ImagesFailed    int    `json:"imagesFailed,omitempty"`
}

// Keys points at the other artifacts of the job.
type Keys struct {
	MainData   string `json:"mainData"`
	Tree       string `json:"tree"`
	AssetIndex string `json:"assetIndex"`
}

// Totals are job-wide aggregates.
type Totals struct {
	MainSheetRows int             `json:"mainSheetRows"`
	CodedRows     int             `json:"codedRows"`
	TotalColumns  int             `json:"totalColumns"`
	ConceptNodes  int             `json:"conceptNodes"`
	TotalAssets   int             `json:"totalAssets"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
}

// ProcessingStats is the stats block a consumer inspects to tell a complete
// job from a partial one.
type ProcessingStats struct {
	SheetsProcessed  int               `json:"sheetsProcessed"`
	ImagesFound      int               `json:"imagesFound"`
	ImagesProcessed  int               `json:"imagesProcessed"`
	ImagesFailed     int               `json:"imagesFailed"`
	ImagesUnassigned int               `json:"imagesUnassigned"`
	ImagesDuplicate  int               `json:"imagesDuplicate"`
	ChunksWritten    int               `json:"chunksWritten"`
	ChunksFailed     int               `json:"chunksFailed"`
	ElapsedMs        int64             `json:"elapsedMs"`
	StageMs          map[string]int64  `json:"stageMs,omitempty"`
	Errors           []ProcessingError `json:"errors"`
}

// Manifest is the root descriptor of one ingested workbook. It is written
// once, after every upload of the job has settled.
type Manifest struct {
	Version      string                     `json:"version"`
	EstimationID string                     `json:"estimationId"`
	JobID        string                     `json:"jobId"`
	Filename     string                     `json:"filename"`
	GeneratedAt  time.Time                  `json:"generatedAt"`
	Complete     bool                       `json:"complete"`
	MainSheet    string                     `json:"mainSheet"`
	Keys         Keys                       `json:"keys"`
	Columns      []extract.ColumnDefinition `json:"columns"`
	ChunkSize    int                        `json:"chunkSize"`
	Chunks       []ChunkRef                 `json:"chunks"`
	Styles       []extract.StyleEntry       `json:"styles"`
	Sheets       []SheetMeta                `json:"sheets"`
	Totals       Totals                     `json:"totals"`
	Stats        ProcessingStats            `json:"stats"`
}

// MainDataMetadata summarizes the main sheet.
type MainDataMetadata struct {
	TotalRows    int       `json:"totalRows"`
	TotalColumns int       `json:"totalColumns"`
	LastModified time.Time `json:"lastModified"`
}

// MainData is the grid payload: columns plus either inline rows or, for
// large sheets, the chunk references to fetch them from.
type MainData struct {
	EstimationID string                     `json:"estimationId"`
	SheetName    string                     `json:"sheetName"`
	Metadata     MainDataMetadata           `json:"metadata"`
	ColumnDefs   []extract.ColumnDefinition `json:"columnDefs"`
	Rows         []json.RawMessage          `json:"rows,omitempty"`
	Chunks       []ChunkRef                 `json:"chunks,omitempty"`
	Styles       []extract.StyleEntry       `json:"styles,omitempty"`
}

// AssetRecord is one extracted image.
type AssetRecord struct {
	ID           string `json:"id"`
	ConceptCode  string `json:"conceptCode,omitempty"`
	Type         string `json:"type"`
	Filename     string `json:"filename"`
	Sheet        string `json:"sheet"`
	Cell         string `json:"cell"`
	CodeCell     string `json:"codeCell,omitempty"`
	StorageKey   string `json:"storagePath"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	SizeBytes    int64  `json:"sizeBytes"`
	Format       string `json:"format"`
	SourceFormat string `json:"sourceFormat,omitempty"`
}

// FailedAsset is an image that could not be converted or stored.
type FailedAsset struct {
	Sheet       string `json:"sheet"`
	Cell        string `json:"cell"`
	ConceptCode string `json:"conceptCode,omitempty"`
	AssetID     string `json:"assetId,omitempty"`
	Reason      string `json:"reason"`
}

// AssetIndex groups stored images by owning concept code. Unassigned images
// are kept for audit only.
type AssetIndex struct {
	EstimationID string                   `json:"estimationId"`
	Total        int                      `json:"total"`
	ByConcept    map[string][]AssetRecord `json:"byConcept"`
	Unassigned   []AssetRecord            `json:"unassigned"`
	Failed       []FailedAsset            `json:"failed"`
}

// NewAssetIndex builds an index from records, ordering each concept's
// assets by sheet position.
func NewAssetIndex(estimationID string, records []AssetRecord, failed []FailedAsset) *AssetIndex {
	idx := &AssetIndex{
		EstimationID: estimationID,
		ByConcept:    make(map[string][]AssetRecord),
		Unassigned:   []AssetRecord{},
		Failed:       failed,
	}
	if idx.Failed == nil {
		idx.Failed = []FailedAsset{}
	}
	for _, r := range records {
		if r.ConceptCode == "" {
			idx.Unassigned = append(idx.Unassigned, r)
		} else {
			idx.ByConcept[r.ConceptCode] = append(idx.ByConcept[r.ConceptCode], r)
		}
		idx.Total++
	}
	for code := range idx.ByConcept {
		sortRecords(idx.ByConcept[code])
	}
	sortRecords(idx.Unassigned)
	return idx
}

func sortRecords(rs []AssetRecord) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Sheet != rs[j].Sheet {
			return rs[i].Sheet < rs[j].Sheet
		}
		if rs[i].Cell != rs[j].Cell {
			return rs[i].Cell < rs[j].Cell
		}
		return rs[i].ID < rs[j].ID
	})
}

// Builder accumulates manifest parts while a job runs.
type Builder struct {
	m       Manifest
	started time.Time
}

// NewBuilder starts a manifest for one job.
func NewBuilder(estimationID, jobID, filename string, started time.Time) *Builder {
	return &Builder{
		started: started,
		m: Manifest{
			Version:      Version,
			EstimationID: estimationID,
			JobID:        jobID,
			Filename:     filename,
			Keys: Keys{
				MainData:   MainDataKey(estimationID),
				Tree:       TreeKey(estimationID),
				AssetIndex: AssetIndexKey(estimationID),
			},
			Chunks: []ChunkRef{},
			Sheets: []SheetMeta{},
			Styles: []extract.StyleEntry{},
		},
	}
}

// MainSheet records the breakdown sheet and its columns.
func (b *Builder) MainSheet(name string, columns []extract.ColumnDefinition, chunkSize int) {
	b.m.MainSheet = name
	b.m.Columns = columns
	b.m.ChunkSize = chunkSize
}

// AddChunk records a chunk that was stored successfully.
func (b *Builder) AddChunk(ref ChunkRef) {
	if ref.Compression == "" {
		ref.Compression = CompressionZstd
	}
	b.m.Chunks = append(b.m.Chunks, ref)
}

// AddSheet records per-sheet metadata.
func (b *Builder) AddSheet(meta SheetMeta) {
	b.m.Sheets = append(b.m.Sheets, meta)
}

// Styles records the job's style table.
func (b *Builder) Styles(entries []extract.StyleEntry) {
	b.m.Styles = entries
}

// Totals records job-wide aggregates.
func (b *Builder) Totals(t Totals) {
	b.m.Totals = t
}

// Build finalizes the manifest with stats and the accumulated errors.
func (b *Builder) Build(stats ProcessingStats, errs *ErrorLog, now time.Time) *Manifest {
	m := b.m
	sort.Slice(m.Chunks, func(i, j int) bool {
		if m.Chunks[i].Sheet != m.Chunks[j].Sheet {
			return m.Chunks[i].Sheet < m.Chunks[j].Sheet
		}
		return m.Chunks[i].Index < m.Chunks[j].Index
	})
	sort.Slice(m.Sheets, func(i, j int) bool { return m.Sheets[i].Index < m.Sheets[j].Index })

	stats.Errors = []ProcessingError{}
	if errs != nil {
		stats.Errors = errs.Entries()
	}
	stats.ElapsedMs = now.Sub(b.started).Milliseconds()
	m.Stats = stats
	m.GeneratedAt = now.UTC()
	m.Complete = len(stats.Errors) == 0
	return &m
}
