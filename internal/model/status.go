package model

import "time"

// State is the capture scheduler's position in the trading day.
type State string

const (
	StateIdle           State = "idle"
	StateCapturing      State = "capturing"
	StateBucketComplete State = "bucket-complete"
	StateDayComplete    State = "day-complete"
)

// BucketStatus summarizes one bucket of the current session.
type BucketStatus struct {
	Index    int    `json:"index"`
	Label    string `json:"label"`
	Due      bool   `json:"due"`
	Captured bool   `json:"captured"`
	Resolved int    `json:"resolved"`
	Pending  int    `json:"pending"`
}

// Status is a point-in-time view of the tracker.
type Status struct {
	Day       Day            `json:"day"`
	State     State          `json:"state"`
	Bucket    int            `json:"bucket"` // bucket of State, -1 when idle
	Now       time.Time      `json:"now"`
	Chain     []string       `json:"chain"`
	Universe  int            `json:"universe"`
	Stale     []string       `json:"stale"`
	FinalDone bool           `json:"final_done"`
	Buckets   []BucketStatus `json:"buckets"`
}
