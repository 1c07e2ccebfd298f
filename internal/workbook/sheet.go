package workbook

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// Cell is one cell as read from a worksheet. Col and Row are 1-based.
type Cell struct {
	Ref   string
	Col   int
	Row   int
	Style int
	Value Value
}

// Row is one worksheet row. Cells holds only cells present in the sheet XML.
type Row struct {
	Number int
	Cells  []Cell
}

// IsBlank reports whether no cell in the row carries a value.
func (r Row) IsBlank() bool {
	for _, c := range r.Cells {
		if !c.Value.IsEmpty() {
			return false
		}
	}
	return true
}

// RowFunc receives rows in sheet order. Returning an error stops the stream.
type RowFunc func(Row) error

type xlsxC struct {
	R  string        `xml:"r,attr"`
	S  int           `xml:"s,attr"`
	T  string        `xml:"t,attr"`
	F  *xlsxF        `xml:"f"`
	V  *string       `xml:"v"`
	IS *xlsxRichText `xml:"is"`
}

type xlsxF struct {
	Text string `xml:",chardata"`
}

// StreamRows decodes the sheet part token by token and hands each row to fn.
// Only one row is held at a time.
func (wb *Workbook) StreamRows(ctx context.Context, sheet Sheet, fn RowFunc) error {
	sst, err := wb.sharedStrings()
	if err != nil {
		return err
	}

	rc, err := wb.open(sheet.Path)
	if err != nil {
		return fmt.Errorf("sheet %q: %w", sheet.Name, err)
	}
	defer rc.Close()

	d := xml.NewDecoder(rc)
	lastRow := 0
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("sheet %q: %w", sheet.Name, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "row" {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		row, err := readRow(d, se, lastRow, sst)
		if err != nil {
			return fmt.Errorf("sheet %q row %d: %w", sheet.Name, lastRow+1, err)
		}
		lastRow = row.Number
		if err := fn(row); err != nil {
			return err
		}
	}
}

func readRow(d *xml.Decoder, start xml.StartElement, lastRow int, sst []string) (Row, error) {
	row := Row{Number: lastRow + 1}
	for _, attr := range start.Attr {
		if attr.Name.Local == "r" {
			if n, err := strconv.Atoi(attr.Value); err == nil {
				row.Number = n
			}
		}
	}

	lastCol := 0
	for {
		tok, err := d.Token()
		if err != nil {
			return row, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "c" {
				if err := d.Skip(); err != nil {
					return row, err
				}
				continue
			}
			var xc xlsxC
			if err := d.DecodeElement(&xc, &t); err != nil {
				return row, err
			}
			cell := Cell{Col: lastCol + 1, Row: row.Number, Style: xc.S}
			if xc.R != "" {
				col, r, err := excelize.CellNameToCoordinates(xc.R)
				if err == nil {
					cell.Col, cell.Row = col, r
				}
			}
			if cell.Ref, err = excelize.CoordinatesToCellName(cell.Col, cell.Row); err != nil {
				return row, err
			}
			cell.Value = decodeValue(xc, sst)
			lastCol = cell.Col
			row.Cells = append(row.Cells, cell)
		case xml.EndElement:
			if t.Name.Local == "row" {
				return row, nil
			}
		}
	}
}

func decodeValue(xc xlsxC, sst []string) Value {
	raw := ""
	if xc.V != nil {
		raw = *xc.V
	}

	var v Value
	switch xc.T {
	case "s":
		idx, err := strconv.Atoi(raw)
		if err == nil && idx >= 0 && idx < len(sst) {
			v = Text(sst[idx])
		}
	case "inlineStr":
		if xc.IS != nil {
			v = Text(xc.IS.String())
		}
	case "str", "e", "d":
		v = Text(raw)
	case "b":
		switch raw {
		case "1":
			v = Text("TRUE")
		case "0":
			v = Text("FALSE")
		}
	default:
		if raw != "" {
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				v = Number(f, raw)
			} else {
				v = Text(raw)
			}
		}
	}

	if xc.F != nil {
		return FormulaResult(v)
	}
	return v
}
