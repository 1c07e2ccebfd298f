package extract

import "errors"

// ErrNoHeader is returned when the breakdown sheet has no non-blank row.
var ErrNoHeader = errors.New("breakdown sheet has no header row")
