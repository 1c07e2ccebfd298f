package hierarchy

import (
	"regexp"
	"strconv"
	"strings"
)

// Separator splits a concept code into path segments.
const Separator = "."

var (
	codePattern   = regexp.MustCompile(`^[A-Za-z0-9]+(\.[A-Za-z0-9]+)*$`)
	dottedPattern = regexp.MustCompile(`^[A-Za-z0-9]+(\.[A-Za-z0-9]+)+$`)
)

// NormalizeCode trims whitespace and a trailing separator and reports whether
// what remains is a valid concept code.
func NormalizeCode(s string) (string, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, Separator)
	if s == "" || len(s) > 128 || !codePattern.MatchString(s) {
		return "", false
	}
	return s, true
}

// IsDotted reports whether s looks like a multi-segment code such as "5.2.1".
func IsDotted(s string) bool {
	s = strings.TrimRight(strings.TrimSpace(s), Separator)
	return dottedPattern.MatchString(s)
}

// Segments splits a code into its path segments.
func Segments(code string) []string {
	return strings.Split(code, Separator)
}

// Truncate cuts a code to at most maxDepth segments.
func Truncate(code string, maxDepth int) (string, bool) {
	if maxDepth <= 0 {
		return code, false
	}
	segs := Segments(code)
	if len(segs) <= maxDepth {
		return code, false
	}
	return strings.Join(segs[:maxDepth], Separator), true
}

// Parent returns the code one level up, or "" for a root.
func Parent(code string) string {
	i := strings.LastIndex(code, Separator)
	if i < 0 {
		return ""
	}
	return code[:i]
}

// Compare orders codes segment by segment, numerically where both segments
// are numbers, so "5.10" sorts after "5.9".
func Compare(a, b string) int {
	as, bs := Segments(a), Segments(b)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareSegment(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return len(as) - len(bs)
}

func compareSegment(a, b string) int {
	an, aErr := strconv.Atoi(a)
	bn, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return strings.Compare(a, b)
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	default:
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	}
}
