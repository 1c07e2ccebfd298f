// Package workbook reads OOXML spreadsheet packages without loading them
// whole: sheets are streamed row by row, embedded media is read one entry
// at a time.
package workbook

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
)

var (
	// ErrNotWorkbook is returned when the package lacks a workbook part.
	ErrNotWorkbook = errors.New("not a spreadsheet workbook")

	// ErrSheetNotFound is returned when no sheet matches the requested name or patterns.
	ErrSheetNotFound = errors.New("sheet not found")

	// ErrPartNotFound is returned when a referenced package part is missing.
	ErrPartNotFound = errors.New("package part not found")
)

// Sheet identifies one worksheet part inside the package.
type Sheet struct {
	Name  string
	Index int
	Path  string
}

// Workbook is an open spreadsheet package.
type Workbook struct {
	zr     *zip.ReadCloser
	files  map[string]*zip.File
	sheets []Sheet

	sstOnce sync.Once
	sst     []string
	sstErr  error

	stylesOnce sync.Once
	styles     *Styles
	stylesErr  error
}

// Open opens the workbook at path and resolves its sheet list.
func Open(filePath string) (*Workbook, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWorkbook, err)
	}

	wb := &Workbook{zr: zr, files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		wb.files[strings.TrimPrefix(f.Name, "/")] = f
	}

	if err := wb.loadSheets(); err != nil {
		zr.Close()
		return nil, err
	}
	return wb, nil
}

// Close releases the underlying archive.
func (wb *Workbook) Close() error {
	return wb.zr.Close()
}

// Sheets returns the worksheets in workbook order.
func (wb *Workbook) Sheets() []Sheet {
	out := make([]Sheet, len(wb.sheets))
	copy(out, wb.sheets)
	return out
}

// Sheet looks a worksheet up by exact name.
func (wb *Workbook) Sheet(name string) (Sheet, error) {
	for _, s := range wb.sheets {
		if s.Name == name {
			return s, nil
		}
	}
	return Sheet{}, fmt.Errorf("%w: %s", ErrSheetNotFound, name)
}

type xlsxWorkbook struct {
	Sheets []struct {
		Name string `xml:"name,attr"`
		RID  string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
	} `xml:"sheets>sheet"`
}

type xlsxRelationships struct {
	Relationships []xlsxRelationship `xml:"Relationship"`
}

type xlsxRelationship struct {
	ID         string `xml:"Id,attr"`
	Type       string `xml:"Type,attr"`
	Target     string `xml:"Target,attr"`
	TargetMode string `xml:"TargetMode,attr"`
}

func (wb *Workbook) loadSheets() error {
	var doc xlsxWorkbook
	if err := wb.decodePart("xl/workbook.xml", &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrNotWorkbook, err)
	}

	rels, err := wb.relationships("xl/workbook.xml")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotWorkbook, err)
	}

	for i, s := range doc.Sheets {
		rel, ok := rels[s.RID]
		if !ok {
			continue
		}
		wb.sheets = append(wb.sheets, Sheet{Name: s.Name, Index: i, Path: rel.Target})
	}
	if len(wb.sheets) == 0 {
		return fmt.Errorf("%w: no worksheets", ErrNotWorkbook)
	}
	return nil
}

// relationships reads the .rels part belonging to partPath, with targets
// resolved to package paths.
func (wb *Workbook) relationships(partPath string) (map[string]xlsxRelationship, error) {
	dir, file := path.Split(partPath)
	relsPath := path.Join(dir, "_rels", file+".rels")

	out := make(map[string]xlsxRelationship)
	if _, ok := wb.files[relsPath]; !ok {
		return out, nil
	}

	var doc xlsxRelationships
	if err := wb.decodePart(relsPath, &doc); err != nil {
		return nil, err
	}
	for _, rel := range doc.Relationships {
		if rel.TargetMode == "External" {
			continue
		}
		rel.Target = resolveTarget(dir, rel.Target)
		out[rel.ID] = rel
	}
	return out, nil
}

func resolveTarget(baseDir, target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(path.Clean(target), "/")
	}
	return path.Clean(path.Join(baseDir, target))
}

func (wb *Workbook) open(name string) (io.ReadCloser, error) {
	f, ok := wb.files[name]
	if !ok {
		return nil, fmt.Errorf("part %s: %w", name, ErrPartNotFound)
	}
	return f.Open()
}

func (wb *Workbook) decodePart(name string, v any) error {
	rc, err := wb.open(name)
	if err != nil {
		return err
	}
	defer rc.Close()
	return xml.NewDecoder(rc).Decode(v)
}

func (wb *Workbook) sharedStrings() ([]string, error) {
	wb.sstOnce.Do(func() {
		wb.sst, wb.sstErr = wb.loadSharedStrings()
	})
	return wb.sst, wb.sstErr
}

type xlsxRichText struct {
	T    string `xml:"t"`
	Runs []struct {
		T string `xml:"t"`
	} `xml:"r"`
}

func (rt xlsxRichText) String() string {
	if len(rt.Runs) == 0 {
		return rt.T
	}
	var b strings.Builder
	b.WriteString(rt.T)
	for _, r := range rt.Runs {
		b.WriteString(r.T)
	}
	return b.String()
}

func (wb *Workbook) loadSharedStrings() ([]string, error) {
	name := "xl/sharedStrings.xml"
	if rels, err := wb.relationships("xl/workbook.xml"); err == nil {
		for _, rel := range rels {
			if strings.HasSuffix(rel.Type, "/sharedStrings") {
				name = rel.Target
			}
		}
	}
	rc, err := wb.open(name)
	if errors.Is(err, ErrPartNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var out []string
	d := xml.NewDecoder(rc)
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("shared strings: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "si" {
			continue
		}
		var si xlsxRichText
		if err := d.DecodeElement(&si, &se); err != nil {
			return nil, fmt.Errorf("shared strings: %w", err)
		}
		out = append(out, si.String())
	}
	return out, nil
}
