package manifest

import (
	"fmt"
	"sync"
	"time"
)

// ErrorType classifies a ProcessingError.
type ErrorType string

const (
	ErrorSheet      ErrorType = "sheet"
	ErrorImage      ErrorType = "image"
	ErrorUpload     ErrorType = "upload"
	ErrorDownload   ErrorType = "download"
	ErrorConversion ErrorType = "conversion"
	ErrorChunk      ErrorType = "chunk"
	ErrorHierarchy  ErrorType = "hierarchy"
)

// ProcessingError records one sub-failure. It never aborts a job by itself.
type ProcessingError struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Sheet     string    `json:"sheet,omitempty"`
	Cell      string    `json:"cell,omitempty"`
	AssetID   string    `json:"assetId,omitempty"`
	Key       string    `json:"key,omitempty"`
}

// ErrorLog is the append-only error accumulator threaded through a job.
// It is safe for concurrent use by upload workers.
type ErrorLog struct {
	mu      sync.Mutex
	entries []ProcessingError
	now     func() time.Time
}

func NewErrorLog() *ErrorLog {
	return &ErrorLog{now: time.Now}
}

// Add appends e, stamping it if Timestamp is zero.
func (l *ErrorLog) Add(e ProcessingError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	l.entries = append(l.entries, e)
}

// Addf appends an error of type t with a formatted message.
func (l *ErrorLog) Addf(t ErrorType, sheet, format string, args ...any) {
	l.Add(ProcessingError{Type: t, Sheet: sheet, Message: fmt.Sprintf(format, args...)})
}

// Entries returns a copy of the log.
func (l *ErrorLog) Entries() []ProcessingError {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ProcessingError, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *ErrorLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Count returns the number of entries of type t.
func (l *ErrorLog) Count(t ErrorType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Type == t {
			n++
		}
	}
	return n
}
