package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workbook"
)

type collectSink struct {
	cols []ColumnDefinition
	rows []Row
}

func (s *collectSink) Columns(cols []ColumnDefinition) error {
	s.cols = cols
	return nil
}

func (s *collectSink) Row(r Row) error {
	s.rows = append(s.rows, r)
	return nil
}

func codeFor(i int) string {
	switch {
	case i%250 == 0:
		return ""
	case i < 1000:
		return fmt.Sprintf("5.%d.%d", i%3+1, i%4+1)
	default:
		return fmt.Sprintf("6.%d", i%5+1)
	}
}

func writeBreakdown(t *testing.T, rows int) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	sheet := "03 Desglose f"
	require.NoError(t, f.SetSheetName("Sheet1", "Resumen"))
	_, err := f.NewSheet(sheet)
	require.NoError(t, err)

	sw, err := f.NewStreamWriter(sheet)
	require.NoError(t, err)
	require.NoError(t, sw.SetRow("A1", []interface{}{"Clave", "Descripción", "Unidad", "Cantidad", "P.U.", "Importe", "Estado"}))
	for i := 0; i < rows; i++ {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, sw.SetRow(cell, []interface{}{
			codeFor(i),
			fmt.Sprintf("Partida %d", i),
			"m3",
			i%7 + 1,
			12.5,
			float64(i%7+1) * 12.5,
			"Pendiente",
		}))
	}
	require.NoError(t, sw.Flush())

	path := filepath.Join(t.TempDir(), "desglose.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestExtractBreakdownSheet(t *testing.T) {
	wb, err := workbook.Open(writeBreakdown(t, 1523))
	require.NoError(t, err)
	defer wb.Close()

	sink := &collectSink{}
	res, err := New(Options{}, NewStyleTable()).Extract(context.Background(), wb, sink)
	require.NoError(t, err)

	assert.Equal(t, "03 Desglose f", res.Sheet.Name)
	assert.Equal(t, 1523, res.RowCount)
	require.Len(t, sink.rows, 1523)
	for i, r := range sink.rows {
		require.Equal(t, i, r.Index)
		require.Equal(t, codeFor(i), r.ConceptCode)
	}

	require.Len(t, sink.cols, 7)
	assert.Equal(t, "clave", sink.cols[0].Field)
	assert.Equal(t, RoleConcept, sink.cols[0].Role)
	assert.False(t, sink.cols[0].Editable)
	assert.Equal(t, "descripcion", sink.cols[1].Field)
	assert.Equal(t, RoleLabel, sink.cols[1].Role)
	assert.Equal(t, TypeText, sink.cols[2].Type)
	assert.Equal(t, TypeNumber, sink.cols[3].Type)
	assert.Equal(t, "p_u", sink.cols[4].Field)
	assert.Equal(t, TypeNumber, sink.cols[4].Type)
	assert.Equal(t, TypeCurrency, sink.cols[5].Type)
	assert.Equal(t, RoleAmount, sink.cols[5].Role)
	assert.Equal(t, TypeStatus, sink.cols[6].Type)

	under5 := 0
	var amount5 decimal.Decimal
	for code, tally := range res.Tallies {
		if code[0] == '5' {
			under5 += tally.Rows
			amount5 = amount5.Add(tally.Amount)
		}
	}
	expected := 0
	for i := 0; i < 1523; i++ {
		if c := codeFor(i); c != "" && c[0] == '5' {
			expected++
		}
	}
	assert.Equal(t, expected, under5)
	assert.True(t, amount5.IsPositive())
	assert.Equal(t, "Partida 1", res.Tallies["5.2.2"].Label)
}

func TestExtractKeepsColumnFirstFilledAfterSampling(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := "Desglose"
	require.NoError(t, f.SetSheetName("Sheet1", sheet))
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"Clave", "Descripción"}))
	for i := 2; i <= 401; i++ {
		require.NoError(t, f.SetSheetRow(sheet, fmt.Sprintf("A%d", i), &[]interface{}{fmt.Sprintf("1.%d", i), fmt.Sprintf("Partida %d", i)}))
	}
	require.NoError(t, f.SetCellValue(sheet, "C350", "nota tardía"))
	path := filepath.Join(t.TempDir(), "tardia.xlsx")
	require.NoError(t, f.SaveAs(path))

	wb, err := workbook.Open(path)
	require.NoError(t, err)
	defer wb.Close()

	sink := &collectSink{}
	res, err := New(Options{}, NewStyleTable()).Extract(context.Background(), wb, sink)
	require.NoError(t, err)
	require.Equal(t, 400, res.RowCount)
	assert.Equal(t, 1, res.LateColumns)

	require.Len(t, sink.cols, 3)
	assert.Equal(t, "clave", sink.cols[0].Field)
	assert.Equal(t, "descripcion", sink.cols[1].Field)
	assert.Equal(t, "col_c", sink.cols[2].Field)
	assert.Equal(t, "C", sink.cols[2].SourceColumn)
	assert.Equal(t, TypeText, sink.cols[2].Type)
	assert.Equal(t, sink.cols, res.Columns)

	var late Row
	for _, r := range sink.rows {
		if r.SourceRow == 350 {
			late = r
		}
	}
	require.Len(t, late.Values, 3)
	assert.Equal(t, "nota tardía", late.Values[2].String())

	var buf bytes.Buffer
	require.NoError(t, EncodeRow(&buf, sink.cols, late))
	assert.Contains(t, buf.String(), `"col_c":"nota tardía"`)
	assert.Len(t, sink.rows[0].Values, 2)
}

func TestExtractSheetNotFound(t *testing.T) {
	wb, err := workbook.Open(writeBreakdown(t, 3))
	require.NoError(t, err)
	defer wb.Close()

	_, err = New(Options{SheetPatterns: []string{"inexistente"}}, NewStyleTable()).
		Extract(context.Background(), wb, &collectSink{})
	assert.ErrorIs(t, err, workbook.ErrSheetNotFound)
}

func TestStyleTableDeduplicatesDistinctFormats(t *testing.T) {
	const rows, cols, distinct = 5000, 25, 47

	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetName("Sheet1", "Desglose"))

	styleIDs := make([]int, distinct)
	for i := range styleIDs {
		id, err := f.NewStyle(&excelize.Style{
			Font: &excelize.Font{Color: fmt.Sprintf("#%06X", (i+1)*0x050301)},
		})
		require.NoError(t, err)
		styleIDs[i] = id
	}

	sw, err := f.NewStreamWriter("Desglose")
	require.NoError(t, err)
	for r := 0; r <= rows; r++ {
		values := make([]interface{}, cols)
		for c := 0; c < cols; c++ {
			var v interface{} = r*cols + c
			if r == 0 {
				v = fmt.Sprintf("Columna %d", c)
			}
			values[c] = excelize.Cell{StyleID: styleIDs[(r*cols+c)%distinct], Value: v}
		}
		cell, _ := excelize.CoordinatesToCellName(1, r+1)
		require.NoError(t, sw.SetRow(cell, values))
	}
	require.NoError(t, sw.Flush())
	path := filepath.Join(t.TempDir(), "styles.xlsx")
	require.NoError(t, f.SaveAs(path))

	wb, err := workbook.Open(path)
	require.NoError(t, err)
	defer wb.Close()

	table := NewStyleTable()
	sink := &collectSink{}
	res, err := New(Options{}, table).Extract(context.Background(), wb, sink)
	require.NoError(t, err)
	assert.Equal(t, rows, res.RowCount)

	// header cells are styled but not extracted as rows; every style is
	// still reached by some data cell
	assert.Equal(t, distinct, table.Len())

	seen := make(map[int]bool)
	for _, r := range sink.rows {
		for _, id := range r.Styles {
			seen[id] = true
		}
	}
	assert.Len(t, seen, distinct)
}

func TestInternalizeIsIdempotent(t *testing.T) {
	table := NewStyleTable()
	d := StyleDescriptor{
		Bold:      true,
		FontColor: "ffc00000",
		Borders: []BorderSpec{
			{Side: "top", Style: "thin"},
			{Side: "Left", Style: "thin", Color: "#000000"},
		},
		HAlign: "General",
	}
	first := table.Internalize(d)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, table.Internalize(d))
	}

	same := StyleDescriptor{
		Bold:      true,
		FontColor: "C00000",
		Borders: []BorderSpec{
			{Side: "left", Style: "thin", Color: "000000"},
			{Side: "top", Style: "thin"},
		},
	}
	assert.Equal(t, first, table.Internalize(same))
	assert.Equal(t, 1, table.Len())

	other := table.Internalize(StyleDescriptor{Italic: true})
	assert.NotEqual(t, first, other)
	assert.Equal(t, 2, table.Len())

	entries := table.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "C00000", entries[0].Style.FontColor)
	assert.Equal(t, "left", entries[0].Style.Borders[0].Side)
}

func TestEncodeRowKeepsColumnOrder(t *testing.T) {
	cols := []ColumnDefinition{{Field: "clave"}, {Field: "descripcion"}, {Field: "importe"}}
	row := Row{
		Index:       4,
		SourceRow:   6,
		ConceptCode: "5.2.1",
		Values:      []workbook.Value{workbook.Text("5.2.1"), workbook.Empty(), workbook.Number(10.5, "10.5")},
		Styles:      []int{0, -1, 3},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeRow(&buf, cols, row))
	assert.Equal(t,
		`{"clave":"5.2.1","importe":10.5,"_conceptCode":"5.2.1","_rowIndex":4,"_sourceRow":6,"_styles":{"clave":0,"importe":3}}`,
		buf.String())
	assert.True(t, json.Valid(buf.Bytes()))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "descripcion", Slugify("Descripción"))
	assert.Equal(t, "p_u", Slugify("P.U."))
	assert.Equal(t, "precio_unitario_mxn", Slugify("  Precio unitario (MXN) "))
	assert.Equal(t, "", Slugify("—"))
}

func TestAssignFieldsDeduplicates(t *testing.T) {
	cols := []ColumnDefinition{
		{HeaderName: "Importe", SourceColumn: "A"},
		{HeaderName: "Importe", SourceColumn: "B"},
		{HeaderName: "C", SourceColumn: "C"},
	}
	assignFields(cols)
	assert.Equal(t, "importe", cols[0].Field)
	assert.Equal(t, "importe_2", cols[1].Field)
	assert.Equal(t, "col_c", cols[2].Field)
}
