package assets

import (
	"context"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/hierarchy"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workbook"
)

type codeCell struct {
	col  int
	row  int
	ref  string
	code string
}

// CodeIndex holds the concept-code cells of one sheet, keyed by row and
// by column, for nearest-cell attribution of images.
type CodeIndex struct {
	byRow map[int][]codeCell
	byCol map[int][]codeCell
	size  int
}

// BuildCodeIndex streams sheet and records every text cell holding a
// dotted concept code.
func BuildCodeIndex(ctx context.Context, wb *workbook.Workbook, sheet workbook.Sheet) (*CodeIndex, error) {
	ix := &CodeIndex{byRow: make(map[int][]codeCell), byCol: make(map[int][]codeCell)}
	err := wb.StreamRows(ctx, sheet, func(r workbook.Row) error {
		for _, c := range r.Cells {
			if c.Value.Kind() != workbook.KindText {
				continue
			}
			raw := c.Value.String()
			code, ok := hierarchy.NormalizeCode(raw)
			if !ok || !hierarchy.IsDotted(raw) {
				continue
			}
			ix.Add(c.Col, c.Row, c.Ref, code)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ix, nil
}

// Add records a code cell.
func (ix *CodeIndex) Add(col, row int, ref, code string) {
	cc := codeCell{col: col, row: row, ref: ref, code: code}
	ix.byRow[row] = append(ix.byRow[row], cc)
	ix.byCol[col] = append(ix.byCol[col], cc)
	ix.size++
}

// Len returns the number of indexed code cells.
func (ix *CodeIndex) Len() int { return ix.size }

// Resolve finds the code owning an image anchored at (col, row): the
// nearest code cell in the same row, ties going left, else the nearest in
// the same column, ties going up.
func (ix *CodeIndex) Resolve(col, row int) (code, ref string, ok bool) {
	if c, found := nearest(ix.byRow[row], col, func(c codeCell) int { return c.col }); found {
		return c.code, c.ref, true
	}
	if c, found := nearest(ix.byCol[col], row, func(c codeCell) int { return c.row }); found {
		return c.code, c.ref, true
	}
	return "", "", false
}

func nearest(cells []codeCell, at int, pos func(codeCell) int) (codeCell, bool) {
	var best codeCell
	bestDist := -1
	for _, c := range cells {
		p := pos(c)
		d := p - at
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist || (d == bestDist && p < pos(best)) {
			best, bestDist = c, d
		}
	}
	return best, bestDist >= 0
}
