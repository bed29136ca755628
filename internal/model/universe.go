package model

// DefaultUniverse is the tracked ticker set in grid order.
var DefaultUniverse = []string{
	"AAPL", "AMGN", "AMZN", "AXP", "BA", "CAT", "CRM", "CSCO", "CVX", "DIS",
	"GS", "HD", "HON", "IBM", "JNJ", "JPM", "KO", "MCD", "MMM", "MRK",
	"MSFT", "NKE", "NVDA", "PG", "SHW", "TRV", "UNH", "V", "VZ", "WMT",
}

// ExportReason says why an export was requested. It never alters content.
type ExportReason string

const (
	ReasonBucketComplete    ExportReason = "bucket-complete"
	ReasonForcedFinal       ExportReason = "forced-final"
	ReasonShutdownSafetyNet ExportReason = "shutdown-safety-net"
)

// IsFinal reports whether a successful export for this reason closes the day.
func (r ExportReason) IsFinal() bool {
	return r == ReasonForcedFinal || r == ReasonShutdownSafetyNet
}

// ExportJob requests materializing a day's cache state.
type ExportJob struct {
	Day    Day
	Reason ExportReason
}
