package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/hierarchy"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workbook"
)

// ColumnType is the inferred presentation type of a column.
type ColumnType string

const (
	TypeText     ColumnType = "text"
	TypeNumber   ColumnType = "number"
	TypeCurrency ColumnType = "currency"
	TypeStatus   ColumnType = "status"
)

// Column roles recognized during inference.
const (
	RoleConcept = "concept"
	RoleLabel   = "label"
	RoleAmount  = "amount"
)

// ColumnDefinition describes one extracted column.
type ColumnDefinition struct {
	Field        string     `json:"field"`
	HeaderName   string     `json:"headerName"`
	Type         ColumnType `json:"type"`
	Width        int        `json:"width"`
	Editable     bool       `json:"editable"`
	Role         string     `json:"role,omitempty"`
	SourceColumn string     `json:"sourceColumn"`
	col          int
}

var (
	statusHeader   = regexp.MustCompile(`(?i)(estado|estatus|status|situaci[oó]n)`)
	currencyHeader = regexp.MustCompile(`(?i)(importe|precio|costo|monto|total|amount|price|cost)`)
	amountHeader   = regexp.MustCompile(`(?i)(importe|total|monto|amount)`)
	conceptHeader  = regexp.MustCompile(`(?i)(clave|c[oó]digo|\bcode\b|partida|wbs)`)
	labelHeader    = regexp.MustCompile(`(?i)(descripci[oó]n|concepto|description)`)
)

const (
	widthText     = 200
	widthLabel    = 360
	widthNumber   = 110
	widthCurrency = 130
	widthStatus   = 120
	widthConcept  = 110
)

// columnSample collects the non-empty values seen for one column while
// the first rows are buffered.
type columnSample struct {
	col    int
	header string
	values []workbook.Value
}

func (s *columnSample) add(v workbook.Value, limit int) {
	if v.IsEmpty() || len(s.values) >= limit {
		return
	}
	s.values = append(s.values, v)
}

func (s *columnSample) numericRatio() float64 {
	if len(s.values) == 0 {
		return 0
	}
	n := 0
	for _, v := range s.values {
		if _, ok := v.Float(); ok {
			n++
		}
	}
	return float64(n) / float64(len(s.values))
}

// codeRatio is the share of samples that parse as a concept code, and
// whether any of them is multi-segment.
func (s *columnSample) codeRatio() (float64, bool) {
	if len(s.values) == 0 {
		return 0, false
	}
	n, dotted := 0, false
	for _, v := range s.values {
		text := v.String()
		if _, ok := hierarchy.NormalizeCode(text); ok && strings.ContainsAny(text, "0123456789") {
			n++
			if hierarchy.IsDotted(text) {
				dotted = true
			}
		}
	}
	return float64(n) / float64(len(s.values)), dotted
}

// inferColumns decides types, widths, field names and roles from the header
// text and the sampled values.
func inferColumns(samples []*columnSample, numericThreshold, codeThreshold float64) []ColumnDefinition {
	cols := make([]ColumnDefinition, len(samples))
	for i, s := range samples {
		letter, _ := excelize.ColumnNumberToName(s.col)
		c := ColumnDefinition{
			HeaderName:   strings.TrimSpace(s.header),
			SourceColumn: letter,
			Editable:     true,
			col:          s.col,
		}
		if c.HeaderName == "" {
			c.HeaderName = letter
		}
		switch {
		case s.numericRatio() >= numericThreshold:
			c.Type, c.Width = TypeNumber, widthNumber
			if currencyHeader.MatchString(s.header) {
				c.Type, c.Width = TypeCurrency, widthCurrency
			}
		case statusHeader.MatchString(s.header):
			c.Type, c.Width = TypeStatus, widthStatus
		default:
			c.Type, c.Width = TypeText, widthText
		}
		cols[i] = c
	}

	concept := -1
	for i, s := range samples {
		if conceptHeader.MatchString(s.header) {
			concept = i
			break
		}
	}
	if concept < 0 {
		for i, s := range samples {
			if cols[i].Type == TypeNumber || cols[i].Type == TypeCurrency {
				continue
			}
			if ratio, dotted := s.codeRatio(); dotted && ratio >= codeThreshold {
				concept = i
				break
			}
		}
	}
	if concept >= 0 {
		cols[concept].Role = RoleConcept
		cols[concept].Type = TypeText
		cols[concept].Width = widthConcept
		cols[concept].Editable = false
	}

	for i, s := range samples {
		if i != concept && cols[i].Type == TypeText && labelHeader.MatchString(s.header) {
			cols[i].Role = RoleLabel
			cols[i].Width = widthLabel
			break
		}
	}

	amount := -1
	for i := range cols {
		if cols[i].Type != TypeCurrency {
			continue
		}
		if amountHeader.MatchString(samples[i].header) {
			amount = i
			break
		}
		amount = i
	}
	if amount >= 0 {
		cols[amount].Role = RoleAmount
	}

	assignFields(cols)
	return cols
}

func lateColumn(col int) ColumnDefinition {
	letter, _ := excelize.ColumnNumberToName(col)
	return ColumnDefinition{
		HeaderName:   letter,
		SourceColumn: letter,
		Type:         TypeText,
		Width:        widthText,
		Editable:     true,
		col:          col,
	}
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify lowercases s, drops diacritics and joins alphanumeric runs with
// underscores.
func Slugify(s string) string {
	if t, _, err := transform.String(stripMarks, s); err == nil {
		s = t
	}
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

func assignFields(cols []ColumnDefinition) {
	used := make(map[string]int, len(cols))
	for i := range cols {
		field := Slugify(cols[i].HeaderName)
		if field == "" || field == Slugify(cols[i].SourceColumn) && cols[i].HeaderName == cols[i].SourceColumn {
			field = "col_" + strings.ToLower(cols[i].SourceColumn)
		}
		if n := used[field]; n > 0 {
			used[field] = n + 1
			field = field + "_" + strconv.Itoa(n+1)
		}
		used[field]++
		cols[i].Field = field
	}
}
