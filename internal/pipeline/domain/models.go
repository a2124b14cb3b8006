package domain

import "time"

// RunSummary is the outcome of one successful per-source run.
type RunSummary struct {
	RunID  string
	Source string

	Ingested     int
	Deduplicated int
	Malformed    int
	Validated    int
	Rejected     int
	Inserted     int
	Updated      int
	FraudFlagged int

	Cursor     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunFailure records where a run stopped. The bookmark is untouched on
// failure, so the next run replays from the previous cursor.
type RunFailure struct {
	RunID  string
	Source string
	Stage  string
	Err    error
}

func (f *RunFailure) Error() string {
	return "run " + f.RunID + " failed at " + f.Stage + " for " + f.Source + ": " + f.Err.Error()
}

func (f *RunFailure) Unwrap() error { return f.Err }
