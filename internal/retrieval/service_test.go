package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/assets"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/chunking"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/extract"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/hierarchy"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/manifest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/storage"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workbook"
)

func putJSON(t *testing.T, store storage.Writer, key string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), key, bytes.NewReader(data), "application/json"))
}

// seedEstimation stores the artifacts of a small ingested estimation whose
// concept 5.2.1 owns 24 photos and one sketch.
func seedEstimation(t *testing.T, store *storage.MemoryStorage, id string) {
	t.Helper()
	ctx := context.Background()
	cols := []extract.ColumnDefinition{{Field: "clave", HeaderName: "Clave", Type: extract.TypeText}}

	spool, err := chunking.NewSpool(t.TempDir(), "03 Desglose f", 2)
	require.NoError(t, err)
	require.NoError(t, spool.Columns(cols))
	for i, code := range []string{"5.2.1", "5.2.1", "5.3"} {
		require.NoError(t, spool.Row(extract.Row{
			Index:       i,
			SourceRow:   i + 2,
			ConceptCode: code,
			Values:      []workbook.Value{workbook.Text(code)},
			Styles:      []int{-1},
		}))
	}
	sealed, err := spool.Close()
	require.NoError(t, err)

	b := manifest.NewBuilder(id, "run-1", "estimacion.xlsx", time.Now())
	b.MainSheet("03 Desglose f", cols, 2)
	for _, c := range sealed {
		data, err := os.ReadFile(c.Path)
		require.NoError(t, err)
		key := manifest.ChunkKey(id, "03 Desglose f", c.Index)
		require.NoError(t, store.Put(ctx, key, bytes.NewReader(data), "application/zstd"))
		b.AddChunk(manifest.ChunkRef{Sheet: "03 Desglose f", Index: c.Index, StartRow: c.Start, EndRow: c.End, RowCount: c.Len(), Key: key})
	}
	putJSON(t, store, manifest.ManifestKey(id), b.Build(manifest.ProcessingStats{}, nil, time.Now()))

	putJSON(t, store, manifest.MainDataKey(id), &manifest.MainData{
		EstimationID: id,
		SheetName:    "03 Desglose f",
		Metadata:     manifest.MainDataMetadata{TotalRows: 3, TotalColumns: 1},
		ColumnDefs:   cols,
		Rows:         []json.RawMessage{json.RawMessage(`{"clave":"5.2.1"}`)},
	})

	var records []manifest.AssetRecord
	tallies := map[string]*hierarchy.Tally{
		"5.2.1": {Rows: 2, Amount: decimal.NewFromInt(100)},
		"5.3":   {Rows: 1, Amount: decimal.NewFromInt(50)},
	}
	for i := 0; i < 25; i++ {
		typ := assets.TypePhoto
		if i == 24 {
			typ = assets.TypeSketch
		}
		assetID := fmt.Sprintf("%016d", i)
		records = append(records, manifest.AssetRecord{
			ID:          assetID,
			ConceptCode: "5.2.1",
			Type:        typ,
			Sheet:       "Fotos",
			Cell:        fmt.Sprintf("C%03d", i+1),
			StorageKey:  manifest.AssetKey(id, "5.2.1", assetID, "jpg"),
			Format:      "jpeg",
		})
		tallies["5.2.1"].AddAsset(typ)
	}
	putJSON(t, store, manifest.AssetIndexKey(id), manifest.NewAssetIndex(id, records, nil))
	putJSON(t, store, manifest.TreeKey(id), hierarchy.Builder{}.Build(tallies))
}

func newService(t *testing.T) (*Service, *storage.MemoryStorage) {
	store := storage.NewMemoryStorage()
	seedEstimation(t, store, "EST-1")
	return NewService(store, Config{}, nil, nil), store
}

func codeOf(err error) Code {
	return AsError(err).Code
}

func TestGetAssetsPaging(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.GetAssets(ctx, "EST-1", AssetQuery{ConceptCode: "5.2.1", Type: assets.TypePhoto, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 24, first.Total)
	assert.Len(t, first.Assets, 10)
	assert.Equal(t, 10, first.Limit)
	assert.Equal(t, "C001", first.Assets[0].Cell)
	for _, a := range first.Assets {
		assert.NotEmpty(t, a.SignedURL)
		require.NotNil(t, a.SignedURLExpiresAt)
		assert.WithinDuration(t, time.Now().Add(time.Hour), *a.SignedURLExpiresAt, time.Minute)
	}

	last, err := svc.GetAssets(ctx, "EST-1", AssetQuery{ConceptCode: "5.2.1", Type: assets.TypePhoto, Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.Equal(t, 24, last.Total)
	assert.Len(t, last.Assets, 4)

	past, err := svc.GetAssets(ctx, "EST-1", AssetQuery{ConceptCode: "5.2.1", Offset: 200})
	require.NoError(t, err)
	assert.Empty(t, past.Assets)
	assert.Equal(t, 25, past.Total)
}

func TestGetAssetsDefaultsAndClamp(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	page, err := svc.GetAssets(ctx, "EST-1", AssetQuery{ConceptCode: "5.2.1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, page.Limit)
	assert.Len(t, page.Assets, DefaultPageSize)

	unsigned := false
	page, err = svc.GetAssets(ctx, "EST-1", AssetQuery{ConceptCode: "5.2.1", Limit: 500, Signed: &unsigned})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, page.Limit)
	assert.Len(t, page.Assets, 25)
	assert.Empty(t, page.Assets[0].SignedURL)
	assert.Nil(t, page.Assets[0].SignedURLExpiresAt)

	sketches, err := svc.GetAssets(ctx, "EST-1", AssetQuery{ConceptCode: "5.2.1", Type: assets.TypeSketch})
	require.NoError(t, err)
	assert.Equal(t, 1, sketches.Total)

	none, err := svc.GetAssets(ctx, "EST-1", AssetQuery{ConceptCode: "9.9"})
	require.NoError(t, err)
	assert.Zero(t, none.Total)
	assert.NotNil(t, none.Assets)
}

func TestValidation(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	puts := store.Puts()

	tests := []struct {
		name string
		call func() error
	}{
		{"bad id", func() error { _, err := svc.GetMainData(ctx, "../etc"); return err }},
		{"empty id", func() error { _, err := svc.GetManifest(ctx, ""); return err }},
		{"negative depth", func() error { _, err := svc.GetTree(ctx, "EST-1", TreeOptions{MaxDepth: -1}); return err }},
		{"missing code", func() error { _, err := svc.GetAssets(ctx, "EST-1", AssetQuery{}); return err }},
		{"bad code", func() error { _, err := svc.GetAssets(ctx, "EST-1", AssetQuery{ConceptCode: "5..2"}); return err }},
		{"bad type", func() error {
			_, err := svc.GetAssets(ctx, "EST-1", AssetQuery{ConceptCode: "5.2.1", Type: "video"})
			return err
		}},
		{"negative limit", func() error {
			_, err := svc.GetAssets(ctx, "EST-1", AssetQuery{ConceptCode: "5.2.1", Limit: -1})
			return err
		}},
		{"negative offset", func() error {
			_, err := svc.GetAssets(ctx, "EST-1", AssetQuery{ConceptCode: "5.2.1", Offset: -1})
			return err
		}},
		{"negative chunk", func() error { _, err := svc.GetChunk(ctx, "EST-1", -1); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, CodeValidation, codeOf(err))
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Equal(t, http.StatusBadRequest, codeOf(err).HTTPStatus())
		})
	}
	assert.Equal(t, puts, store.Puts())
}

func TestNotFound(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.GetMainData(ctx, "EST-404")
	assert.Equal(t, CodeNotFound, codeOf(err))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = svc.GetTree(ctx, "EST-404", TreeOptions{})
	assert.Equal(t, CodeNotFound, codeOf(err))

	_, err = svc.GetChunk(ctx, "EST-1", 7)
	assert.Equal(t, CodeNotFound, codeOf(err))
	assert.Equal(t, http.StatusNotFound, codeOf(err).HTTPStatus())
}

func TestGetTreeDeterministic(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.GetTree(ctx, "EST-1", TreeOptions{})
	require.NoError(t, err)
	svc.Invalidate("EST-1")
	second, err := svc.GetTree(ctx, "EST-1", TreeOptions{})
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	assert.Equal(t, 4, first.TotalNodes)
	require.Len(t, first.Roots, 1)
	assert.Equal(t, "5", first.Roots[0].Code)
	assert.Equal(t, 3, first.Roots[0].RowCount)
	assert.Equal(t, 25, first.Roots[0].AssetCount)

	shallow, err := svc.GetTree(ctx, "EST-1", TreeOptions{MaxDepth: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, shallow.TotalNodes)
	assert.Equal(t, 3, shallow.Roots[0].RowCount)
}

func TestGetMainDataAndChunk(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	md, err := svc.GetMainData(ctx, "EST-1")
	require.NoError(t, err)
	assert.Equal(t, "03 Desglose f", md.SheetName)
	assert.Equal(t, 3, md.Metadata.TotalRows)
	require.Len(t, md.ColumnDefs, 1)

	doc, err := svc.GetChunk(ctx, "EST-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Start)
	assert.Equal(t, 3, doc.End)
	require.Len(t, doc.Rows, 1)
	assert.Contains(t, string(doc.Rows[0]), `"_conceptCode":"5.3"`)

	m, err := svc.GetManifest(ctx, "EST-1")
	require.NoError(t, err)
	assert.Len(t, m.Chunks, 2)
}

type brokenStore struct{ *storage.MemoryStorage }

func (brokenStore) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, errors.New("connection refused")
}

func TestStorageFailureIsInternal(t *testing.T) {
	svc := NewService(brokenStore{storage.NewMemoryStorage()}, Config{}, nil, nil)
	_, err := svc.GetManifest(context.Background(), "EST-1")
	require.Error(t, err)
	assert.Equal(t, CodeInternal, codeOf(err))
	assert.Equal(t, http.StatusInternalServerError, codeOf(err).HTTPStatus())
}
