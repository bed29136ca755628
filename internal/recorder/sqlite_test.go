package recorder

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"DowTracker/internal/model"
)

func TestSQLiteRecorder_FinalFlagSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "tracker.db")
	day := model.Day("2026-10-15")

	r, err := NewSQLiteRecorder(path, nil)
	require.NoError(t, err)

	done, err := r.FinalDone(day)
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, r.MarkFinal(day, "/data/Sheet__10_15_2026.xlsx"))
	require.NoError(t, r.MarkFinal(day, "/data/other.xlsx"), "marking twice is harmless")
	require.NoError(t, r.Close())

	r, err = NewSQLiteRecorder(path, nil)
	require.NoError(t, err)
	defer r.Close()

	done, err = r.FinalDone(day)
	require.NoError(t, err)
	require.True(t, done)

	done, err = r.FinalDone(model.Day("2026-10-16"))
	require.NoError(t, err)
	require.False(t, done)
}

func TestSQLiteRecorder_History(t *testing.T) {
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "tracker.db"), nil)
	require.NoError(t, err)
	defer r.Close()
	day := model.Day("2026-10-15")

	require.NoError(t, r.RecordCapture(&CaptureEvent{
		Day: day, Bucket: 0, Trigger: "scheduled", Requested: 30, Resolved: 29, Stale: 1,
		Fills: "disk=0,yahoo=29", Duration: 1500 * time.Millisecond,
	}))
	require.NoError(t, r.RecordExport(&ExportEvent{Day: day, Reason: model.ReasonForcedFinal, Attempt: 1, Outcome: "retry", Err: "disk full"}))
	require.NoError(t, r.RecordExport(&ExportEvent{Day: day, Reason: model.ReasonForcedFinal, Attempt: 2, Outcome: "success", Digest: "abc"}))

	n, err := r.CaptureCount(day)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	outcomes, err := r.ExportOutcomes(day)
	require.NoError(t, err)
	require.Equal(t, []string{"retry", "success"}, outcomes)
}

func TestNoopRecorder_RemembersFinals(t *testing.T) {
	r := NewNoopRecorder()
	day := model.Day("2026-10-15")
	done, _ := r.FinalDone(day)
	require.False(t, done)
	require.NoError(t, r.MarkFinal(day, ""))
	done, _ = r.FinalDone(day)
	require.True(t, done)
}
