// Package extract turns the breakdown sheet of a workbook into keyed rows,
// column definitions, a deduplicated style table and per-code tallies.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/hierarchy"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workbook"
)

// Options tune sheet location and type inference.
type Options struct {
	SheetPatterns    []string
	SampleRows       int
	SampleValues     int
	NumericThreshold float64
	CodeThreshold    float64
}

func (o *Options) withDefaults() {
	if len(o.SheetPatterns) == 0 {
		o.SheetPatterns = workbook.DefaultBreakdownPatterns
	}
	if o.SampleRows <= 0 {
		o.SampleRows = 200
	}
	if o.SampleValues <= 0 {
		o.SampleValues = 100
	}
	if o.NumericThreshold <= 0 {
		o.NumericThreshold = 0.9
	}
	if o.CodeThreshold <= 0 {
		o.CodeThreshold = 0.6
	}
}

// Row is one extracted line item. Values and Styles are aligned with the
// column definitions; a style of -1 means the cell was absent.
type Row struct {
	Index       int
	SourceRow   int
	ConceptCode string
	Values      []workbook.Value
	Styles      []int
}

// RowSink receives the column definitions, then every row in order.
// Columns is called again with an extended slice when a column first holds
// data after type inference; earlier columns keep their positions.
type RowSink interface {
	Columns(cols []ColumnDefinition) error
	Row(r Row) error
}

// Result summarizes one extraction.
type Result struct {
	Sheet       workbook.Sheet
	Columns     []ColumnDefinition
	RowCount    int
	CodedRows   int
	BlankRows   int
	LateColumns int
	Tallies     map[string]*hierarchy.Tally
	TotalAmount decimal.Decimal
}

// Extractor streams the breakdown sheet.
type Extractor struct {
	opts     Options
	patterns []*regexp.Regexp
	styles   *StyleTable
}

// New creates an extractor that records formatting into styles.
func New(opts Options, styles *StyleTable) *Extractor {
	opts.withDefaults()
	return &Extractor{
		opts:     opts,
		patterns: workbook.CompilePatterns(opts.SheetPatterns),
		styles:   styles,
	}
}

// Locate finds the breakdown sheet.
func (e *Extractor) Locate(wb *workbook.Workbook) (workbook.Sheet, error) {
	return workbook.Locate(wb.Sheets(), e.patterns)
}

// Extract streams the breakdown sheet into sink. The first non-blank row
// is the header; the following SampleRows rows are buffered to infer
// column types, after which rows pass straight through.
func (e *Extractor) Extract(ctx context.Context, wb *workbook.Workbook, sink RowSink) (*Result, error) {
	sheet, err := e.Locate(wb)
	if err != nil {
		return nil, err
	}
	styles, err := wb.Styles()
	if err != nil {
		return nil, err
	}

	run := &extraction{
		e:      e,
		sink:   sink,
		styles: styles,
		result: &Result{
			Sheet:       sheet,
			Tallies:     make(map[string]*hierarchy.Tally),
			TotalAmount: decimal.Zero,
		},
	}
	if err := wb.StreamRows(ctx, sheet, run.consume); err != nil {
		return nil, err
	}
	if err := run.finish(); err != nil {
		return nil, err
	}
	return run.result, nil
}

type extraction struct {
	e      *Extractor
	sink   RowSink
	styles *workbook.Styles
	result *Result

	header  *workbook.Row
	buffer  []workbook.Row
	decided bool

	cols       []ColumnDefinition
	position   map[int]int
	conceptPos int
	labelPos   int
	amountPos  int
}

func (x *extraction) consume(r workbook.Row) error {
	if r.IsBlank() {
		if x.header != nil {
			x.result.BlankRows++
		}
		return nil
	}
	if x.header == nil {
		x.header = &r
		return nil
	}
	if !x.decided {
		x.buffer = append(x.buffer, r)
		if len(x.buffer) < x.e.opts.SampleRows {
			return nil
		}
		return x.decide()
	}
	return x.emit(r)
}

func (x *extraction) finish() error {
	if x.header == nil {
		return fmt.Errorf("sheet %q: %w", x.result.Sheet.Name, ErrNoHeader)
	}
	if !x.decided {
		return x.decide()
	}
	return nil
}

func (x *extraction) decide() error {
	samples := make(map[int]*columnSample)
	sampleFor := func(col int) *columnSample {
		s, ok := samples[col]
		if !ok {
			s = &columnSample{col: col}
			samples[col] = s
		}
		return s
	}
	for _, c := range x.header.Cells {
		if !c.Value.IsEmpty() {
			sampleFor(c.Col).header = c.Value.String()
		}
	}
	for _, r := range x.buffer {
		for _, c := range r.Cells {
			if c.Value.IsEmpty() {
				continue
			}
			sampleFor(c.Col).add(c.Value, x.e.opts.SampleValues)
		}
	}

	ordered := make([]*columnSample, 0, len(samples))
	for _, s := range samples {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].col < ordered[j].col })

	x.cols = inferColumns(ordered, x.e.opts.NumericThreshold, x.e.opts.CodeThreshold)
	x.position = make(map[int]int, len(x.cols))
	x.conceptPos, x.labelPos, x.amountPos = -1, -1, -1
	for i, c := range x.cols {
		x.position[c.col] = i
		switch c.Role {
		case RoleConcept:
			x.conceptPos = i
		case RoleLabel:
			x.labelPos = i
		case RoleAmount:
			x.amountPos = i
		}
	}
	x.result.Columns = x.cols
	x.decided = true

	if err := x.sink.Columns(x.cols); err != nil {
		return err
	}
	buffered := x.buffer
	x.buffer = nil
	for _, r := range buffered {
		if err := x.emit(r); err != nil {
			return err
		}
	}
	return nil
}

func (x *extraction) emit(r workbook.Row) error {
	if err := x.extend(r); err != nil {
		return err
	}
	row := Row{
		Index:     x.result.RowCount,
		SourceRow: r.Number,
		Values:    make([]workbook.Value, len(x.cols)),
		Styles:    make([]int, len(x.cols)),
	}
	for i := range row.Styles {
		row.Styles[i] = -1
	}

	filled := false
	for _, c := range r.Cells {
		pos, ok := x.position[c.Col]
		if !ok {
			continue
		}
		row.Values[pos] = c.Value
		row.Styles[pos] = x.e.styles.Resolve(x.styles, c.Style)
		if !c.Value.IsEmpty() {
			filled = true
		}
	}
	if !filled {
		x.result.BlankRows++
		return nil
	}

	if x.conceptPos >= 0 {
		if code, ok := hierarchy.NormalizeCode(row.Values[x.conceptPos].String()); ok {
			row.ConceptCode = code
		}
	}
	x.tally(row)

	x.result.RowCount++
	return x.sink.Row(row)
}

// extend appends a text column for every cell of r holding data in a
// column the sampled rows never saw.
func (x *extraction) extend(r workbook.Row) error {
	added := false
	for _, c := range r.Cells {
		if c.Value.IsEmpty() {
			continue
		}
		if _, ok := x.position[c.Col]; ok {
			continue
		}
		x.position[c.Col] = len(x.cols)
		x.cols = append(x.cols, lateColumn(c.Col))
		x.result.LateColumns++
		added = true
	}
	if !added {
		return nil
	}
	assignFields(x.cols)
	x.result.Columns = x.cols
	return x.sink.Columns(x.cols)
}

func (x *extraction) tally(row Row) {
	amount := decimal.Zero
	if x.amountPos >= 0 {
		amount = decimalOf(row.Values[x.amountPos])
		x.result.TotalAmount = x.result.TotalAmount.Add(amount)
	}
	if row.ConceptCode == "" {
		return
	}
	x.result.CodedRows++

	t, ok := x.result.Tallies[row.ConceptCode]
	if !ok {
		t = &hierarchy.Tally{Amount: decimal.Zero}
		x.result.Tallies[row.ConceptCode] = t
	}
	t.Rows++
	t.Amount = t.Amount.Add(amount)
	if t.Label == "" && x.labelPos >= 0 {
		t.Label = row.Values[x.labelPos].String()
	}
}

func decimalOf(v workbook.Value) decimal.Decimal {
	if v.IsEmpty() {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(v.String()); err == nil {
		return d
	}
	if f, ok := v.Float(); ok {
		return decimal.NewFromFloat(f)
	}
	return decimal.Zero
}

// EncodeRow writes r as a JSON object with keys in column order, followed
// by the concept code, row index and per-field style references.
func EncodeRow(buf *bytes.Buffer, cols []ColumnDefinition, r Row) error {
	buf.WriteByte('{')
	first := true
	writeKey := func(k string) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		key, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		return nil
	}

	for i, c := range cols {
		if i >= len(r.Values) || r.Values[i].IsEmpty() {
			continue
		}
		if err := writeKey(c.Field); err != nil {
			return err
		}
		val, err := r.Values[i].MarshalJSON()
		if err != nil {
			return err
		}
		buf.Write(val)
	}

	if r.ConceptCode != "" {
		if err := writeKey("_conceptCode"); err != nil {
			return err
		}
		code, _ := json.Marshal(r.ConceptCode)
		buf.Write(code)
	}
	if err := writeKey("_rowIndex"); err != nil {
		return err
	}
	buf.WriteString(strconv.Itoa(r.Index))
	if err := writeKey("_sourceRow"); err != nil {
		return err
	}
	buf.WriteString(strconv.Itoa(r.SourceRow))

	styled := false
	for i, c := range cols {
		if i >= len(r.Styles) || r.Styles[i] < 0 {
			continue
		}
		if !styled {
			if err := writeKey("_styles"); err != nil {
				return err
			}
			buf.WriteByte('{')
			styled = true
		} else {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(c.Field)
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(r.Styles[i]))
	}
	if styled {
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return nil
}
