package workbook

import (
	"fmt"
	"strconv"
	"strings"
)

// Border is one edge of a cell border.
type Border struct {
	Side  string
	Style string
	Color string
}

// Format is a resolved cellXfs entry: the xf record with its font, fill,
// border and number format looked up.
type Format struct {
	NumFmtID   int
	NumFmt     string
	Bold       bool
	Italic     bool
	Underline  string
	Strike     bool
	FontName   string
	FontSize   float64
	FontColor  string
	FillType   string
	FillColor  string
	Borders    []Border
	Horizontal string
	Vertical   string
	Wrap       bool
	Indent     int
}

// Styles holds the workbook's resolved cell formats indexed by the
// cell "s" attribute.
type Styles struct {
	formats []Format
}

// Len returns the number of cell formats.
func (s *Styles) Len() int {
	if s == nil {
		return 0
	}
	return len(s.formats)
}

// Format returns the resolved format for a cell style index.
func (s *Styles) Format(idx int) (Format, bool) {
	if s == nil || idx < 0 || idx >= len(s.formats) {
		return Format{}, false
	}
	return s.formats[idx], true
}

// Styles parses the stylesheet part once and caches it. A workbook without
// a stylesheet yields an empty table.
func (wb *Workbook) Styles() (*Styles, error) {
	wb.stylesOnce.Do(func() {
		wb.styles, wb.stylesErr = wb.loadStyles()
	})
	return wb.styles, wb.stylesErr
}

type xlsxVal struct {
	Val *string `xml:"val,attr"`
}

func (v *xlsxVal) on() bool {
	if v == nil {
		return false
	}
	if v.Val == nil {
		return true
	}
	return *v.Val != "0" && *v.Val != "false"
}

type xlsxColor struct {
	RGB     string   `xml:"rgb,attr"`
	Theme   *int     `xml:"theme,attr"`
	Indexed *int     `xml:"indexed,attr"`
	Auto    bool     `xml:"auto,attr"`
	Tint    *float64 `xml:"tint,attr"`
}

type xlsxFont struct {
	B      *xlsxVal   `xml:"b"`
	I      *xlsxVal   `xml:"i"`
	U      *xlsxVal   `xml:"u"`
	Strike *xlsxVal   `xml:"strike"`
	Sz     *xlsxVal   `xml:"sz"`
	Name   *xlsxVal   `xml:"name"`
	Color  *xlsxColor `xml:"color"`
}

type xlsxFill struct {
	Pattern *struct {
		Type    string     `xml:"patternType,attr"`
		FgColor *xlsxColor `xml:"fgColor"`
		BgColor *xlsxColor `xml:"bgColor"`
	} `xml:"patternFill"`
	Gradient *struct {
		Stops []struct {
			Color xlsxColor `xml:"color"`
		} `xml:"stop"`
	} `xml:"gradientFill"`
}

type xlsxBorderEdge struct {
	Style string     `xml:"style,attr"`
	Color *xlsxColor `xml:"color"`
}

type xlsxBorder struct {
	Left     *xlsxBorderEdge `xml:"left"`
	Right    *xlsxBorderEdge `xml:"right"`
	Top      *xlsxBorderEdge `xml:"top"`
	Bottom   *xlsxBorderEdge `xml:"bottom"`
	Diagonal *xlsxBorderEdge `xml:"diagonal"`
}

type xlsxXf struct {
	NumFmtID  int `xml:"numFmtId,attr"`
	FontID    int `xml:"fontId,attr"`
	FillID    int `xml:"fillId,attr"`
	BorderID  int `xml:"borderId,attr"`
	Alignment *struct {
		Horizontal string `xml:"horizontal,attr"`
		Vertical   string `xml:"vertical,attr"`
		WrapText   string `xml:"wrapText,attr"`
		Indent     int    `xml:"indent,attr"`
	} `xml:"alignment"`
}

type xlsxStyleSheet struct {
	NumFmts []struct {
		ID   int    `xml:"numFmtId,attr"`
		Code string `xml:"formatCode,attr"`
	} `xml:"numFmts>numFmt"`
	Fonts   []xlsxFont   `xml:"fonts>font"`
	Fills   []xlsxFill   `xml:"fills>fill"`
	Borders []xlsxBorder `xml:"borders>border"`
	CellXfs []xlsxXf     `xml:"cellXfs>xf"`
}

func (wb *Workbook) loadStyles() (*Styles, error) {
	name := "xl/styles.xml"
	if rels, err := wb.relationships("xl/workbook.xml"); err == nil {
		for _, rel := range rels {
			if strings.HasSuffix(rel.Type, "/styles") {
				name = rel.Target
			}
		}
	}
	if _, ok := wb.files[name]; !ok {
		return &Styles{}, nil
	}

	var ss xlsxStyleSheet
	if err := wb.decodePart(name, &ss); err != nil {
		return nil, fmt.Errorf("styles: %w", err)
	}

	numFmts := make(map[int]string, len(ss.NumFmts))
	for _, nf := range ss.NumFmts {
		numFmts[nf.ID] = nf.Code
	}

	out := &Styles{formats: make([]Format, len(ss.CellXfs))}
	for i, xf := range ss.CellXfs {
		f := Format{NumFmtID: xf.NumFmtID, NumFmt: numFmts[xf.NumFmtID]}
		if xf.FontID >= 0 && xf.FontID < len(ss.Fonts) {
			applyFont(&f, ss.Fonts[xf.FontID])
		}
		if xf.FillID >= 0 && xf.FillID < len(ss.Fills) {
			applyFill(&f, ss.Fills[xf.FillID])
		}
		if xf.BorderID >= 0 && xf.BorderID < len(ss.Borders) {
			f.Borders = borderEdges(ss.Borders[xf.BorderID])
		}
		if a := xf.Alignment; a != nil {
			f.Horizontal = a.Horizontal
			f.Vertical = a.Vertical
			f.Wrap = a.WrapText == "1" || a.WrapText == "true"
			f.Indent = a.Indent
		}
		out.formats[i] = f
	}
	return out, nil
}

func applyFont(f *Format, font xlsxFont) {
	f.Bold = font.B.on()
	f.Italic = font.I.on()
	f.Strike = font.Strike.on()
	if font.U != nil {
		f.Underline = "single"
		if font.U.Val != nil {
			f.Underline = *font.U.Val
		}
		if f.Underline == "none" {
			f.Underline = ""
		}
	}
	if font.Sz != nil && font.Sz.Val != nil {
		f.FontSize, _ = strconv.ParseFloat(*font.Sz.Val, 64)
	}
	if font.Name != nil && font.Name.Val != nil {
		f.FontName = *font.Name.Val
	}
	f.FontColor = colorString(font.Color)
}

func applyFill(f *Format, fill xlsxFill) {
	switch {
	case fill.Pattern != nil:
		f.FillType = fill.Pattern.Type
		if f.FillType == "" || f.FillType == "none" {
			f.FillType = ""
			return
		}
		f.FillColor = colorString(fill.Pattern.FgColor)
	case fill.Gradient != nil:
		f.FillType = "gradient"
		if len(fill.Gradient.Stops) > 0 {
			f.FillColor = colorString(&fill.Gradient.Stops[0].Color)
		}
	}
}

func borderEdges(b xlsxBorder) []Border {
	var out []Border
	add := func(side string, e *xlsxBorderEdge) {
		if e == nil || e.Style == "" || e.Style == "none" {
			return
		}
		out = append(out, Border{Side: side, Style: e.Style, Color: colorString(e.Color)})
	}
	add("bottom", b.Bottom)
	add("diagonal", b.Diagonal)
	add("left", b.Left)
	add("right", b.Right)
	add("top", b.Top)
	return out
}

// colorString renders a color reference canonically: RGB as six uppercase
// hex digits with the alpha byte dropped, theme and indexed colors by number.
func colorString(c *xlsxColor) string {
	if c == nil || c.Auto {
		return ""
	}
	var s string
	switch {
	case c.RGB != "":
		s = NormalizeRGB(c.RGB)
	case c.Theme != nil:
		s = "theme:" + strconv.Itoa(*c.Theme)
	case c.Indexed != nil:
		if *c.Indexed == 64 {
			return ""
		}
		s = "indexed:" + strconv.Itoa(*c.Indexed)
	default:
		return ""
	}
	if c.Tint != nil && *c.Tint != 0 {
		s += "~" + strconv.FormatFloat(*c.Tint, 'f', 3, 64)
	}
	return s
}

// NormalizeRGB uppercases a hex color and strips a leading '#' and ARGB alpha byte.
func NormalizeRGB(rgb string) string {
	rgb = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(rgb), "#"))
	if len(rgb) == 8 {
		rgb = rgb[2:]
	}
	return rgb
}
