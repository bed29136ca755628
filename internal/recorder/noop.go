package recorder

import (
	"sync"

	"DowTracker/internal/model"
)

// NoopRecorder is used when SQLite is not configured. It still remembers
// final flags for the lifetime of the process.
type NoopRecorder struct {
	mu     sync.Mutex
	finals map[model.Day]bool
}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{finals: make(map[model.Day]bool)} }

func (n *NoopRecorder) RecordCapture(_ *CaptureEvent) error { return nil }
func (n *NoopRecorder) RecordExport(_ *ExportEvent) error   { return nil }
func (n *NoopRecorder) Close() error                        { return nil }

func (n *NoopRecorder) MarkFinal(day model.Day, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finals[day] = true
	return nil
}

func (n *NoopRecorder) FinalDone(day model.Day) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.finals[day], nil
}
