package ingest

import (
	"errors"
	"fmt"
)

// State is a job's position in the ingestion state machine.
type State string

const (
	StateDownloading     State = "downloading"
	StateExtracting      State = "extracting"
	StateAssetProcessing State = "asset_processing"
	StateChunking        State = "chunking"
	StateUploading       State = "uploading"
	StateFinalizing      State = "finalizing"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Progress percentages reported when a state is entered.
var stateProgress = map[State]int{
	StateDownloading:     5,
	StateExtracting:      20,
	StateAssetProcessing: 45,
	StateChunking:        70,
	StateUploading:       80,
	StateFinalizing:      95,
	StateDone:            100,
}

var transitions = map[State][]State{
	StateDownloading:     {StateExtracting, StateFailed},
	StateExtracting:      {StateAssetProcessing, StateFailed},
	StateAssetProcessing: {StateChunking},
	StateChunking:        {StateUploading},
	StateUploading:       {StateFinalizing},
	StateFinalizing:      {StateDone},
}

// CanTransition reports whether a job may move from one state to another.
// Failed is only reachable before any output has been produced.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Progress returns the percentage reported on entering s.
func (s State) Progress() int { return stateProgress[s] }

// Terminal reports whether s ends a job.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

var (
	// ErrJobInProgress is returned when another job holds the estimation.
	ErrJobInProgress = errors.New("ingestion already running for estimation")

	// ErrInvalidJob is returned for a job missing its estimation id or source.
	ErrInvalidJob = errors.New("invalid ingestion job")
)

// FatalError aborts a job before any manifest is written. Stage is
// Downloading or Extracting.
type FatalError struct {
	Stage State
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("ingestion failed while %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err aborted the job.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
