package chunking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/extract"
)

// Sealed is one compressed window written to the spool directory.
type Sealed struct {
	Window
	Path             string
	SizeBytes        int64
	UncompressedSize int64
}

// Document is the decoded form of one chunk object.
type Document struct {
	Sheet string            `json:"sheet"`
	Index int               `json:"index"`
	Start int               `json:"startRow"`
	End   int               `json:"endRow"`
	Rows  []json.RawMessage `json:"rows"`
}

// Spool buffers at most one window of encoded rows and seals each full
// window to a file, so the full row set is never held in memory.
type Spool struct {
	dir   string
	sheet string
	size  int
	cols  []extract.ColumnDefinition

	enc    *zstd.Encoder
	buf    bytes.Buffer
	row    bytes.Buffer
	inWin  int
	start  int
	total  int
	sealed []Sealed
	closed bool
}

// NewSpool creates a spool writing sealed windows under dir.
func NewSpool(dir, sheet string, size int) (*Spool, error) {
	if size <= 0 {
		size = DefaultWindowSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	return &Spool{dir: dir, sheet: sheet, size: size, enc: enc}, nil
}

// Columns implements extract.RowSink.
func (s *Spool) Columns(cols []extract.ColumnDefinition) error {
	s.cols = cols
	return nil
}

// Row implements extract.RowSink.
func (s *Spool) Row(r extract.Row) error {
	if s.closed {
		return fmt.Errorf("spool closed")
	}
	if r.Index != s.total {
		return fmt.Errorf("row index %d out of order, expected %d", r.Index, s.total)
	}

	s.row.Reset()
	if err := extract.EncodeRow(&s.row, s.cols, r); err != nil {
		return err
	}
	if s.inWin == 0 {
		s.start = s.total
		s.buf.Reset()
		fmt.Fprintf(&s.buf, `{"sheet":%s,"index":%d,"startRow":%d,"rows":[`, quote(s.sheet), len(s.sealed), s.start)
	} else {
		s.buf.WriteByte(',')
	}
	s.buf.Write(s.row.Bytes())
	s.inWin++
	s.total++

	if s.inWin == s.size {
		return s.seal()
	}
	return nil
}

// RowCount returns the rows accepted so far.
func (s *Spool) RowCount() int { return s.total }

// Close seals the trailing partial window and returns every sealed window.
// Sealed windows are checked against Plan for the final row count.
func (s *Spool) Close() ([]Sealed, error) {
	if s.closed {
		return s.sealed, nil
	}
	s.closed = true
	defer s.enc.Close()

	if s.inWin > 0 {
		if err := s.seal(); err != nil {
			return nil, err
		}
	}

	windows := make([]Window, len(s.sealed))
	for i, c := range s.sealed {
		windows[i] = c.Window
	}
	plan := Plan(s.total, s.size)
	if len(plan) != len(windows) {
		return s.sealed, fmt.Errorf("sealed %d windows, plan has %d", len(windows), len(plan))
	}
	for i := range plan {
		if plan[i] != windows[i] {
			return s.sealed, fmt.Errorf("window %d is %+v, plan has %+v", i, windows[i], plan[i])
		}
	}
	return s.sealed, Verify(windows, s.total)
}

func (s *Spool) seal() error {
	w := Window{Index: len(s.sealed), Start: s.start, End: s.start + s.inWin}
	fmt.Fprintf(&s.buf, `],"endRow":%d}`, w.End)

	compressed := s.enc.EncodeAll(s.buf.Bytes(), nil)
	path := filepath.Join(s.dir, fmt.Sprintf("chunk-%04d.json.zst", w.Index))
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return fmt.Errorf("write chunk %d: %w", w.Index, err)
	}

	s.sealed = append(s.sealed, Sealed{
		Window:           w,
		Path:             path,
		SizeBytes:        int64(len(compressed)),
		UncompressedSize: int64(s.buf.Len()),
	})
	s.inWin = 0
	s.buf.Reset()
	return nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Decode decompresses and parses one chunk object.
func Decode(data []byte) (*Document, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse chunk: %w", err)
	}
	return &doc, nil
}

// ReadSealed reads and decodes a sealed window from the spool directory.
func ReadSealed(c Sealed) (*Document, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
