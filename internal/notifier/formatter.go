package notifier

import (
	"fmt"
	"html"
	"strings"

	"DowTracker/internal/model"
)

// FormatStatus formats the tracker status for /status.
func FormatStatus(s model.Status) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("📊 <b>DowTracker</b> | %s\n\n", s.Day))
	state := string(s.State)
	if s.Bucket >= 0 && s.Bucket < len(s.Buckets) && s.State != model.StateIdle {
		state += " (" + s.Buckets[s.Bucket].Label + ")"
	}
	b.WriteString(fmt.Sprintf("State: %s\n", state))
	b.WriteString(fmt.Sprintf("Time: %s\n", s.Now.Format("15:04:05 MST")))
	b.WriteString(fmt.Sprintf("Chain: %s\n\n", strings.Join(s.Chain, " → ")))

	b.WriteString("<b>Buckets:</b>\n")
	for _, bk := range s.Buckets {
		if !bk.Due {
			continue
		}
		mark := "⏳"
		if bk.Captured {
			mark = "✅"
		}
		b.WriteString(fmt.Sprintf("  %s %-8s %d/%d", mark, bk.Label, bk.Resolved, s.Universe))
		if bk.Pending > 0 {
			b.WriteString(fmt.Sprintf(" (pending %d)", bk.Pending))
		}
		b.WriteString("\n")
	}

	if len(s.Stale) > 0 {
		b.WriteString(fmt.Sprintf("\nStale (%d): %s\n", len(s.Stale), strings.Join(s.Stale, ", ")))
	}
	if s.FinalDone {
		b.WriteString("\nFinal export done ✅")
	}
	return b.String()
}

// FormatCapture summarizes one bucket capture.
func FormatCapture(day model.Day, label string, resolved, total int, stale []string) string {
	msg := fmt.Sprintf("🕐 %s %s: %d/%d fresh", day, label, resolved, total)
	if len(stale) > 0 {
		msg += "\nstale: " + strings.Join(stale, ", ")
	}
	return msg
}

// FormatFinalFailure is the alert text for an exhausted final export.
func FormatFinalFailure(day model.Day, attempts int, err error) string {
	return fmt.Sprintf("⚠️ <b>DowTracker</b>: final export for %s failed after %d attempts\n%s",
		day, attempts, html.EscapeString(fmt.Sprint(err)))
}

// FormatHelp lists the supported commands.
func FormatHelp() string {
	return strings.Join([]string{
		"<b>DowTracker commands</b>",
		"/refresh - capture the bucket due now",
		"/backfill - retry pending tickers of earlier buckets",
		"/export - write the workbook for today",
		"/status - show the capture session",
		"/help - this message",
	}, "\n")
}
