package recorder

import (
	"time"

	"DowTracker/internal/model"
)

// CaptureEvent is one completed capture of a bucket.
type CaptureEvent struct {
	Day       model.Day
	Bucket    int
	Trigger   string // "scheduled", "refresh", "backfill", "catch-up"
	Requested int
	Resolved  int
	Stale     int
	Fills     string // "disk=3,yahoo=27"
	Duration  time.Duration
}

// ExportEvent is one export attempt.
type ExportEvent struct {
	Day     model.Day
	Reason  model.ExportReason
	Attempt int
	Outcome string // "success", "retry", "failure", "skipped"
	Digest  string
	Path    string
	Err     string
}

// Recorder persists the capture and export history.
type Recorder interface {
	RecordCapture(evt *CaptureEvent) error
	RecordExport(evt *ExportEvent) error
	MarkFinal(day model.Day, path string) error
	FinalDone(day model.Day) (bool, error)
	Close() error
}
