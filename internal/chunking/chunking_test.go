package chunking

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/extract"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workbook"
)

func TestPlanCoversEveryRowOnce(t *testing.T) {
	for _, rows := range []int{1, 7, 1999, 2000, 2001, 4000, 1523, 12345} {
		for _, size := range []int{1, 3, 500, 2000} {
			t.Run(fmt.Sprintf("%d/%d", rows, size), func(t *testing.T) {
				windows := Plan(rows, size)
				require.NoError(t, Verify(windows, rows))

				covered := make([]int, rows)
				for _, w := range windows {
					assert.LessOrEqual(t, w.Len(), size)
					for i := w.Start; i < w.End; i++ {
						covered[i]++
					}
				}
				for i, n := range covered {
					require.Equal(t, 1, n, "row %d", i)
				}
				assert.Equal(t, windows, Plan(rows, size))
			})
		}
	}
}

func TestPlanEdgeCases(t *testing.T) {
	assert.Empty(t, Plan(0, 10))
	assert.Len(t, Plan(10, 0), 1)
	assert.Error(t, Verify([]Window{{Index: 0, Start: 0, End: 5}, {Index: 1, Start: 4, End: 9}}, 9))
	assert.Error(t, Verify([]Window{{Index: 0, Start: 0, End: 5}}, 6))
}

func TestSpoolSealsWindows(t *testing.T) {
	spool, err := NewSpool(t.TempDir(), "03 Desglose f", 4)
	require.NoError(t, err)

	cols := []extract.ColumnDefinition{{Field: "clave"}, {Field: "cantidad"}}
	require.NoError(t, spool.Columns(cols))
	for i := 0; i < 10; i++ {
		require.NoError(t, spool.Row(extract.Row{
			Index:       i,
			SourceRow:   i + 2,
			ConceptCode: "5.1",
			Values:      []workbook.Value{workbook.Text("5.1"), workbook.Number(float64(i), "")},
			Styles:      []int{0, 1},
		}))
	}

	sealed, err := spool.Close()
	require.NoError(t, err)
	require.Len(t, sealed, 3)
	assert.Equal(t, Window{Index: 2, Start: 8, End: 10}, sealed[2].Window)

	doc, err := ReadSealed(sealed[1])
	require.NoError(t, err)
	assert.Equal(t, "03 Desglose f", doc.Sheet)
	assert.Equal(t, 4, doc.Start)
	assert.Equal(t, 8, doc.End)
	require.Len(t, doc.Rows, 4)

	var row map[string]any
	require.NoError(t, json.Unmarshal(doc.Rows[0], &row))
	assert.Equal(t, float64(4), row["cantidad"])
	assert.Equal(t, float64(4), row["_rowIndex"])
	assert.Equal(t, "5.1", row["_conceptCode"])
}

func TestSpoolRejectsOutOfOrderRows(t *testing.T) {
	spool, err := NewSpool(t.TempDir(), "s", 4)
	require.NoError(t, err)
	assert.Error(t, spool.Row(extract.Row{Index: 3}))

	sealed, err := spool.Close()
	require.NoError(t, err)
	assert.Empty(t, sealed)
}
