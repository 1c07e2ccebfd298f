package workbook

import (
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// MaxMediaSize caps the bytes read for one embedded image.
const MaxMediaSize = 64 << 20

// Picture is an image anchored to a worksheet cell. Only anchor metadata is
// held; the bytes are read on demand with ReadMedia.
type Picture struct {
	Sheet     string
	Cell      string
	Col       int
	Row       int
	Name      string
	Descr     string
	MediaPath string
	Extension string
	order     int
}

type xdrAnchor struct {
	From *struct {
		Col int `xml:"col"`
		Row int `xml:"row"`
	} `xml:"from"`
	Pic *struct {
		NvPicPr struct {
			CNvPr struct {
				Name  string `xml:"name,attr"`
				Descr string `xml:"descr,attr"`
			} `xml:"cNvPr"`
		} `xml:"nvPicPr"`
		BlipFill struct {
			Blip struct {
				Embed string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships embed,attr"`
			} `xml:"blip"`
		} `xml:"blipFill"`
	} `xml:"pic"`
}

// Pictures lists the cell-anchored images of a sheet ordered by row, then
// column, then document order.
func (wb *Workbook) Pictures(sheet Sheet) ([]Picture, error) {
	rels, err := wb.relationships(sheet.Path)
	if err != nil {
		return nil, fmt.Errorf("sheet %q rels: %w", sheet.Name, err)
	}

	var out []Picture
	for _, rel := range sortedRels(rels) {
		if !strings.HasSuffix(rel.Type, "/drawing") {
			continue
		}
		pics, err := wb.drawingPictures(sheet, rel.Target, len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, pics...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		if out[i].Col != out[j].Col {
			return out[i].Col < out[j].Col
		}
		return out[i].order < out[j].order
	})
	return out, nil
}

func sortedRels(rels map[string]xlsxRelationship) []xlsxRelationship {
	out := make([]xlsxRelationship, 0, len(rels))
	for _, r := range rels {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (wb *Workbook) drawingPictures(sheet Sheet, drawingPath string, seq int) ([]Picture, error) {
	media, err := wb.relationships(drawingPath)
	if err != nil {
		return nil, fmt.Errorf("drawing %s rels: %w", drawingPath, err)
	}

	rc, err := wb.open(drawingPath)
	if err != nil {
		return nil, fmt.Errorf("drawing %s: %w", drawingPath, err)
	}
	defer rc.Close()

	var out []Picture
	d := xml.NewDecoder(rc)
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("drawing %s: %w", drawingPath, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || (se.Name.Local != "twoCellAnchor" && se.Name.Local != "oneCellAnchor") {
			continue
		}

		var a xdrAnchor
		if err := d.DecodeElement(&a, &se); err != nil {
			return nil, fmt.Errorf("drawing %s: %w", drawingPath, err)
		}
		if a.From == nil || a.Pic == nil {
			continue
		}
		rel, ok := media[a.Pic.BlipFill.Blip.Embed]
		if !ok {
			continue
		}

		col, row := a.From.Col+1, a.From.Row+1
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			continue
		}
		out = append(out, Picture{
			Sheet:     sheet.Name,
			Cell:      cell,
			Col:       col,
			Row:       row,
			Name:      a.Pic.NvPicPr.CNvPr.Name,
			Descr:     a.Pic.NvPicPr.CNvPr.Descr,
			MediaPath: rel.Target,
			Extension: strings.ToLower(path.Ext(rel.Target)),
			order:     seq + len(out),
		})
	}
	return out, nil
}

// ReadMedia reads the bytes of one embedded image.
func (wb *Workbook) ReadMedia(p Picture) ([]byte, error) {
	rc, err := wb.open(p.MediaPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxMediaSize+1))
	if err != nil {
		return nil, fmt.Errorf("media %s: %w", p.MediaPath, err)
	}
	if len(data) > MaxMediaSize {
		return nil, fmt.Errorf("media %s exceeds %d bytes", p.MediaPath, MaxMediaSize)
	}
	return data, nil
}
