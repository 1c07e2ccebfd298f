package extract

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workbook"
)

// BorderSpec is one normalized border edge.
type BorderSpec struct {
	Side  string `json:"side"`
	Style string `json:"style"`
	Color string `json:"color,omitempty"`
}

// StyleDescriptor is the normalized formatting of a cell. Two cells that
// look the same normalize to equal descriptors.
type StyleDescriptor struct {
	Bold      bool         `json:"bold,omitempty"`
	Italic    bool         `json:"italic,omitempty"`
	Underline string       `json:"underline,omitempty"`
	Strike    bool         `json:"strike,omitempty"`
	FontName  string       `json:"fontName,omitempty"`
	FontSize  float64      `json:"fontSize,omitempty"`
	FontColor string       `json:"fontColor,omitempty"`
	FillColor string       `json:"fillColor,omitempty"`
	Borders   []BorderSpec `json:"borders,omitempty"`
	HAlign    string       `json:"hAlign,omitempty"`
	VAlign    string       `json:"vAlign,omitempty"`
	Wrap      bool         `json:"wrap,omitempty"`
	Indent    int          `json:"indent,omitempty"`
	NumFmt    string       `json:"numFmt,omitempty"`
}

// FromFormat converts a resolved workbook format into a descriptor.
func FromFormat(f workbook.Format) StyleDescriptor {
	d := StyleDescriptor{
		Bold:      f.Bold,
		Italic:    f.Italic,
		Underline: f.Underline,
		Strike:    f.Strike,
		FontName:  f.FontName,
		FontSize:  f.FontSize,
		FontColor: f.FontColor,
		FillColor: f.FillColor,
		HAlign:    f.Horizontal,
		VAlign:    f.Vertical,
		Wrap:      f.Wrap,
		Indent:    f.Indent,
		NumFmt:    f.NumFmt,
	}
	if d.NumFmt == "" && f.NumFmtID != 0 {
		d.NumFmt = "builtin:" + strconv.Itoa(f.NumFmtID)
	}
	for _, b := range f.Borders {
		d.Borders = append(d.Borders, BorderSpec{Side: b.Side, Style: b.Style, Color: b.Color})
	}
	return d
}

// Normalize canonicalizes case, color notation, default alignment and
// border order.
func Normalize(d StyleDescriptor) StyleDescriptor {
	d.FontColor = normalizeColor(d.FontColor)
	d.FillColor = normalizeColor(d.FillColor)
	d.FontName = strings.TrimSpace(d.FontName)
	d.Underline = strings.ToLower(d.Underline)
	if d.Underline == "none" {
		d.Underline = ""
	}
	d.HAlign = normalizeAlign(d.HAlign)
	d.VAlign = normalizeAlign(d.VAlign)
	if d.VAlign == "bottom" {
		d.VAlign = ""
	}
	if d.NumFmt == "General" || d.NumFmt == "builtin:0" {
		d.NumFmt = ""
	}

	borders := make([]BorderSpec, 0, len(d.Borders))
	seen := make(map[string]bool, len(d.Borders))
	for _, b := range d.Borders {
		b.Side = strings.ToLower(b.Side)
		b.Style = strings.ToLower(b.Style)
		b.Color = normalizeColor(b.Color)
		if b.Style == "" || b.Style == "none" || seen[b.Side] {
			continue
		}
		seen[b.Side] = true
		borders = append(borders, b)
	}
	sort.Slice(borders, func(i, j int) bool { return borders[i].Side < borders[j].Side })
	d.Borders = nil
	if len(borders) > 0 {
		d.Borders = borders
	}
	return d
}

func normalizeColor(c string) string {
	c = strings.TrimSpace(c)
	if c == "" || strings.Contains(c, ":") {
		return c
	}
	return workbook.NormalizeRGB(c)
}

func normalizeAlign(a string) string {
	a = strings.ToLower(strings.TrimSpace(a))
	if a == "general" {
		return ""
	}
	return a
}

// StyleEntry is one distinct style and its identifier.
type StyleEntry struct {
	ID    int             `json:"id"`
	Style StyleDescriptor `json:"style"`
}

// StyleTable assigns one identifier per distinct normalized descriptor.
// It is scoped to a single ingestion job.
type StyleTable struct {
	mu       sync.Mutex
	byHash   map[uint64][]int
	canon    [][]byte
	entries  []StyleEntry
	bySource map[int]int
}

// NewStyleTable returns an empty table.
func NewStyleTable() *StyleTable {
	return &StyleTable{
		byHash:   make(map[uint64][]int),
		bySource: make(map[int]int),
	}
}

// Internalize returns the identifier for d, allocating the next one when
// no structurally identical descriptor has been seen.
func (t *StyleTable) Internalize(d StyleDescriptor) int {
	d = Normalize(d)
	key, _ := json.Marshal(d)
	h := xxhash.Sum64(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range t.byHash[h] {
		if bytes.Equal(t.canon[id], key) {
			return id
		}
	}
	id := len(t.entries)
	t.entries = append(t.entries, StyleEntry{ID: id, Style: d})
	t.canon = append(t.canon, key)
	t.byHash[h] = append(t.byHash[h], id)
	return id
}

// Resolve maps a workbook cell style index to a table identifier, caching
// the mapping so each workbook format is normalized once.
func (t *StyleTable) Resolve(styles *workbook.Styles, idx int) int {
	t.mu.Lock()
	id, ok := t.bySource[idx]
	t.mu.Unlock()
	if ok {
		return id
	}

	format, _ := styles.Format(idx)
	id = t.Internalize(FromFormat(format))

	t.mu.Lock()
	t.bySource[idx] = id
	t.mu.Unlock()
	return id
}

// Len returns the number of distinct styles.
func (t *StyleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns the table in identifier order.
func (t *StyleTable) Entries() []StyleEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StyleEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
