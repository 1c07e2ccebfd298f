// Package chunking partitions extracted rows into fixed-size windows and
// seals each window into one zstd-compressed JSON document.
package chunking

import "fmt"

// DefaultWindowSize is the number of rows per chunk.
const DefaultWindowSize = 2000

// Window is the half-open row range [Start, End).
type Window struct {
	Index int `json:"index"`
	Start int `json:"startRow"`
	End   int `json:"endRow"`
}

// Len returns the number of rows in the window.
func (w Window) Len() int { return w.End - w.Start }

// Plan partitions [0, rowCount) into consecutive windows of size rows;
// only the last may be shorter.
func Plan(rowCount, size int) []Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	if rowCount <= 0 {
		return nil
	}
	out := make([]Window, 0, (rowCount+size-1)/size)
	for start := 0; start < rowCount; start += size {
		end := start + size
		if end > rowCount {
			end = rowCount
		}
		out = append(out, Window{Index: len(out), Start: start, End: end})
	}
	return out
}

// Verify checks that windows cover [0, rowCount) exactly once, in order.
func Verify(windows []Window, rowCount int) error {
	next := 0
	for i, w := range windows {
		if w.Index != i {
			return fmt.Errorf("window %d has index %d", i, w.Index)
		}
		if w.Start != next {
			return fmt.Errorf("window %d starts at %d, expected %d", i, w.Start, next)
		}
		if w.End <= w.Start {
			return fmt.Errorf("window %d is empty", i)
		}
		next = w.End
	}
	if next != rowCount {
		return fmt.Errorf("windows cover %d rows, expected %d", next, rowCount)
	}
	return nil
}
