package workbook

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultBreakdownPatterns match the usual names of the cost breakdown sheet.
var DefaultBreakdownPatterns = []string{"desglose", "presupuesto", "cat[aá]logo", "breakdown"}

// CompilePatterns compiles sheet-name patterns case-insensitively. A pattern
// that is not a valid expression is matched literally.
func CompilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(p))
		}
		out = append(out, re)
	}
	return out
}

// Locate returns the first sheet matching the highest-priority pattern.
// Patterns are tried in order; within one pattern, sheets in workbook order.
func Locate(sheets []Sheet, patterns []*regexp.Regexp) (Sheet, error) {
	for _, re := range patterns {
		for _, s := range sheets {
			if re.MatchString(s.Name) {
				return s, nil
			}
		}
	}
	return Sheet{}, fmt.Errorf("%w: no sheet matches %d breakdown patterns", ErrSheetNotFound, len(patterns))
}
