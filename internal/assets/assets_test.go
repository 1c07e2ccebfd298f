package assets

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/manifest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/metrics"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/retry"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/storage"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workbook"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func addPicture(t *testing.T, f *excelize.File, sheet, cell string, data []byte) {
	t.Helper()
	require.NoError(t, f.AddPictureFromBytes(sheet, cell, &excelize.Picture{
		Extension: ".png",
		File:      data,
		Format:    &excelize.GraphicOptions{},
	}))
}

// buildPhotoBook lays out a breakdown sheet plus a photo sheet whose
// images sit next to, below and far away from concept codes.
func buildPhotoBook(t *testing.T) *workbook.Workbook {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	red := pngBytes(t, 16, 16, color.NRGBA{R: 220, A: 255})
	blue := pngBytes(t, 16, 16, color.NRGBA{B: 220, A: 255})
	green := pngBytes(t, 16, 16, color.NRGBA{G: 220, A: 255})

	require.NoError(t, f.SetSheetName("Sheet1", "03 Desglose f"))
	require.NoError(t, f.SetCellValue("03 Desglose f", "A1", "Clave"))
	addPicture(t, f, "03 Desglose f", "B2", red)

	_, err := f.NewSheet("Fotos")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Fotos", "A1", "Registro fotográfico"))
	require.NoError(t, f.SetCellValue("Fotos", "A3", "5.2.1"))
	require.NoError(t, f.SetCellValue("Fotos", "A5", "5.2.2"))
	addPicture(t, f, "Fotos", "C3", red)
	addPicture(t, f, "Fotos", "D3", red)
	addPicture(t, f, "Fotos", "A7", blue)
	addPicture(t, f, "Fotos", "H12", green)

	_, err = f.NewSheet("Croquis")
	require.NoError(t, err)
	addPicture(t, f, "Croquis", "B2", blue)

	path := filepath.Join(t.TempDir(), "photos.xlsx")
	require.NoError(t, f.SaveAs(path))

	wb, err := workbook.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { wb.Close() })
	return wb
}

func fastOptions() Options {
	return Options{Workers: 3, Retry: retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}}
}

func TestReencodeFlattensToJPEG(t *testing.T) {
	raw := pngBytes(t, 40, 20, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
	enc, err := Reencode(raw, 10, 80)
	require.NoError(t, err)

	assert.Equal(t, "png", enc.SourceFormat)
	assert.Equal(t, 10, enc.Width)
	assert.Equal(t, 5, enc.Height)

	_, format, err := image.DecodeConfig(bytes.NewReader(enc.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestReencodeRejectsGarbage(t *testing.T) {
	_, err := Reencode([]byte("not an image"), 100, 80)
	assert.Error(t, err)
}

func TestAssetIDDependsOnCode(t *testing.T) {
	data := []byte("same bytes")
	a := AssetID(data, "5.2.1")
	assert.Len(t, a, 16)
	assert.Equal(t, a, AssetID(data, "5.2.1"))
	assert.NotEqual(t, a, AssetID(data, "5.2.2"))
}

func TestClassifySheet(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Fotos", TypePhoto},
		{"REPORTE FOTOGRAFICO", TypePhoto},
		{"Numeros Generadores", TypeGenerator},
		{"Croquis 2", TypeSketch},
		{"Plano general", TypeSketch},
		{"Resumen", TypeOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifySheet(tt.name))
		})
	}
}

func TestCodeIndexResolve(t *testing.T) {
	ix := &CodeIndex{byRow: map[int][]codeCell{}, byCol: map[int][]codeCell{}}
	ix.Add(1, 3, "A3", "5.2.1")
	ix.Add(5, 3, "E3", "5.2.9")
	ix.Add(1, 5, "A5", "5.2.2")
	ix.Add(1, 9, "A9", "5.2.3")

	code, ref, ok := ix.Resolve(3, 3)
	require.True(t, ok)
	assert.Equal(t, "5.2.1", code, "equal distance in the row goes left")
	assert.Equal(t, "A3", ref)

	code, _, _ = ix.Resolve(4, 3)
	assert.Equal(t, "5.2.9", code)

	code, _, _ = ix.Resolve(1, 7)
	assert.Equal(t, "5.2.2", code, "equal distance in the column goes up")

	code, _, _ = ix.Resolve(1, 8)
	assert.Equal(t, "5.2.3", code)

	_, _, ok = ix.Resolve(9, 20)
	assert.False(t, ok)
	assert.Equal(t, 4, ix.Len())
}

func TestExtractAttributesAndUploads(t *testing.T) {
	wb := buildPhotoBook(t)
	store := storage.NewMemoryStorage()
	m := metrics.New(prometheus.NewRegistry())
	errs := manifest.NewErrorLog()

	x := NewExtractor(store, fastOptions(), nil, m)
	res, err := x.Extract(context.Background(), Input{
		EstimationID: "EST-1",
		Workbook:     wb,
		Skip:         "03 Desglose f",
		Errors:       errs,
	})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Found)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, res.Unassigned)
	assert.Zero(t, res.FailedN)
	assert.Zero(t, errs.Len())

	byCode := map[string][]manifest.AssetRecord{}
	for _, r := range res.Records {
		byCode[r.ConceptCode] = append(byCode[r.ConceptCode], r)
		ok, err := store.Exists(context.Background(), r.StorageKey)
		require.NoError(t, err)
		assert.True(t, ok, r.StorageKey)
		assert.Equal(t, "jpeg", r.Format)
		assert.Equal(t, "png", r.SourceFormat)
	}
	require.Len(t, byCode["5.2.1"], 1)
	assert.Equal(t, "A3", byCode["5.2.1"][0].CodeCell)
	assert.Equal(t, TypePhoto, byCode["5.2.1"][0].Type)
	require.Len(t, byCode["5.2.2"], 1)
	assert.Equal(t, "A7", byCode["5.2.2"][0].Cell)
	assert.Len(t, byCode[""], 2)

	for _, r := range byCode[""] {
		assert.True(t, strings.Contains(r.StorageKey, manifest.UnassignedCode))
	}

	require.Len(t, res.Sheets, 2)
	assert.Equal(t, "Fotos", res.Sheets[0].Name)
	assert.Equal(t, 4, res.Sheets[0].ImagesFound)
	assert.Equal(t, TypeSketch, res.Sheets[1].AssetType)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.AssetsTotal.WithLabelValues("processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AssetsTotal.WithLabelValues("duplicate")))
}

func TestExtractRecordsUploadFailures(t *testing.T) {
	wb := buildPhotoBook(t)
	store := storage.NewMemoryStorage()
	store.FailPut = func(key string) error {
		if strings.Contains(key, manifest.UnassignedCode) {
			return errors.New("bucket unavailable")
		}
		return nil
	}
	errs := manifest.NewErrorLog()

	res, err := NewExtractor(store, fastOptions(), nil, nil).Extract(context.Background(), Input{
		EstimationID: "EST-2",
		Workbook:     wb,
		Skip:         "03 Desglose f",
		Errors:       errs,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.FailedN)
	assert.Len(t, res.Failed, 2)
	assert.Equal(t, 2, errs.Count(manifest.ErrorUpload))
	for _, e := range errs.Entries() {
		assert.NotEmpty(t, e.AssetID)
		assert.Contains(t, e.Key, manifest.UnassignedCode)
		assert.Contains(t, e.Message, "failed after 2 attempts")
	}
}

func TestExtractRetriesDuplicateOfFailedUpload(t *testing.T) {
	wb := buildPhotoBook(t)
	store := storage.NewMemoryStorage()
	var failures atomic.Int32
	store.FailPut = func(key string) error {
		if strings.Contains(key, "/5.2.1/") && failures.Add(1) <= 2 {
			return errors.New("bucket unavailable")
		}
		return nil
	}
	errs := manifest.NewErrorLog()

	res, err := NewExtractor(store, fastOptions(), nil, nil).Extract(context.Background(), Input{
		EstimationID: "EST-4",
		Workbook:     wb,
		Skip:         "03 Desglose f",
		Errors:       errs,
	})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Found)
	assert.Equal(t, 4, res.Processed)
	assert.Zero(t, res.Duplicates)
	assert.Equal(t, 1, res.FailedN)
	assert.Equal(t, 1, errs.Count(manifest.ErrorUpload))

	var stored []manifest.AssetRecord
	for _, r := range res.Records {
		if r.ConceptCode == "5.2.1" {
			stored = append(stored, r)
		}
	}
	require.Len(t, stored, 1)
	ok, err := store.Exists(context.Background(), stored[0].StorageKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExtractStopsOnCancel(t *testing.T) {
	wb := buildPhotoBook(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs := manifest.NewErrorLog()
	_, err := NewExtractor(storage.NewMemoryStorage(), fastOptions(), nil, nil).Extract(ctx, Input{
		EstimationID: "EST-3",
		Workbook:     wb,
		Skip:         "03 Desglose f",
		Errors:       errs,
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, errs.Len())
}
