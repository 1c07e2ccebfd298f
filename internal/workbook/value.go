package workbook

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindNumber
	KindText
	KindFormula
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindFormula:
		return "formula"
	default:
		return "empty"
	}
}

// Value is a cell value decided once at read time. A formula result
// wraps the cached Number or Text value the workbook stored for it.
type Value struct {
	kind    Kind
	num     float64
	text    string
	numeric bool
}

func Empty() Value { return Value{} }

// Number builds a numeric value. raw is the literal as stored in the sheet
// and is kept so serialization does not lose precision.
func Number(f float64, raw string) Value {
	if raw == "" {
		raw = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return Value{kind: KindNumber, num: f, text: raw, numeric: true}
}

func Text(s string) Value {
	if s == "" {
		return Empty()
	}
	return Value{kind: KindText, text: s}
}

// FormulaResult marks v as the cached result of a formula. Empty results stay empty.
func FormulaResult(v Value) Value {
	if v.kind == KindEmpty || v.kind == KindFormula {
		return v
	}
	v.kind = KindFormula
	return v
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }
func (v Value) IsFormula() bool { return v.kind == KindFormula }

// Float returns the numeric value. Text that parses as a plain or
// thousands-separated number also counts.
func (v Value) Float() (float64, bool) {
	switch {
	case v.kind == KindEmpty:
		return 0, false
	case v.numeric:
		return v.num, true
	default:
		return ParseNumber(v.text)
	}
}

// String returns the display text: raw literal for numbers, the text otherwise.
func (v Value) String() string { return v.text }

func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.kind == KindEmpty:
		return []byte("null"), nil
	case v.numeric:
		return []byte(strconv.FormatFloat(v.num, 'f', -1, 64)), nil
	default:
		return json.Marshal(v.text)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch {
	case s == "null":
		*v = Empty()
	case strings.HasPrefix(s, `"`):
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*v = Text(text)
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*v = Number(f, s)
	}
	return nil
}

var numberCleaner = strings.NewReplacer(",", "", "$", "", " ", "", " ", "")

// ParseNumber parses s as a number, tolerating currency signs, thousands
// separators and a trailing percent.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = numberCleaner.Replace(s)
	pct := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + s[1:len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if pct {
		f /= 100
	}
	return f, true
}
