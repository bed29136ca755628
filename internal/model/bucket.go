package model

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// BucketCount is the number of capture buckets per trading day.
const BucketCount = 8

// FinalBucket is the session-close bucket that always forces an export.
const FinalBucket = BucketCount - 1

// DefaultLocation is the exchange time zone buckets are expressed in.
const DefaultLocation = "America/New_York"

// Bucket is one scheduled capture time of the trading day.
type Bucket struct {
	Index     int
	Label     string
	Hour      int
	Minute    int
	Freshness time.Duration
}

// DefaultBuckets returns the eight capture times with their default freshness windows.
func DefaultBuckets() [BucketCount]Bucket {
	return [BucketCount]Bucket{
		{0, "9:31 AM", 9, 31, 5 * time.Minute},
		{1, "10:00 AM", 10, 0, 30 * time.Minute},
		{2, "11:00 AM", 11, 0, 30 * time.Minute},
		{3, "12 NOON", 12, 0, 30 * time.Minute},
		{4, "1:00 PM", 13, 0, 30 * time.Minute},
		{5, "2:00 PM", 14, 0, 30 * time.Minute},
		{6, "3:00 PM", 15, 0, 30 * time.Minute},
		{7, "4:00 PM", 16, 0, 30 * time.Minute},
	}
}

// CronSpec returns the seconds-enabled cron expression firing at the bucket time on weekdays.
func (b Bucket) CronSpec() string {
	return fmt.Sprintf("0 %d %d * * 1-5", b.Minute, b.Hour)
}

// Day is a trading day in YYYY-MM-DD form.
type Day string

const dayLayout = "2006-01-02"

// ParseDay validates and returns a Day.
func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(dayLayout, s); err != nil {
		return "", fmt.Errorf("parse day %q: %w", s, err)
	}
	return Day(s), nil
}

func (d Day) String() string { return string(d) }

// Date returns midnight of the day in loc.
func (d Day) Date(loc *time.Location) time.Time {
	t, err := time.ParseInLocation(dayLayout, string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Timetable maps buckets onto wall-clock instants of a day.
type Timetable struct {
	Location *time.Location
	Buckets  [BucketCount]Bucket
}

// NewTimetable builds the default timetable in the named zone. An empty
// name selects America/New_York.
func NewTimetable(zone string) (Timetable, error) {
	if zone == "" {
		zone = DefaultLocation
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Timetable{}, fmt.Errorf("load location %q: %w", zone, err)
	}
	return Timetable{Location: loc, Buckets: DefaultBuckets()}, nil
}

// WithFreshness returns a copy with per-bucket freshness overrides.
// Zero entries keep the existing value.
func (tt Timetable) WithFreshness(fresh []time.Duration) Timetable {
	for i := 0; i < len(fresh) && i < BucketCount; i++ {
		if fresh[i] > 0 {
			tt.Buckets[i].Freshness = fresh[i]
		}
	}
	return tt
}

// DayOf returns the trading day t falls on.
func (tt Timetable) DayOf(t time.Time) Day {
	return Day(t.In(tt.Location).Format(dayLayout))
}

// At returns the scheduled instant of bucket i on day.
func (tt Timetable) At(day Day, i int) time.Time {
	b := tt.Buckets[i]
	d := day.Date(tt.Location)
	return time.Date(d.Year(), d.Month(), d.Day(), b.Hour, b.Minute, 0, 0, tt.Location)
}

// WindowStart is the oldest timestamp still fresh for bucket i.
func (tt Timetable) WindowStart(day Day, i int) time.Time {
	return tt.At(day, i).Add(-tt.Buckets[i].Freshness)
}

// Fresh reports whether ts satisfies bucket i. Newer data is never stale.
func (tt Timetable) Fresh(ts time.Time, day Day, i int) bool {
	if ts.IsZero() || tt.DayOf(ts) != day {
		return false
	}
	return !ts.Before(tt.WindowStart(day, i))
}

// InWindow reports whether ts belongs to bucket i's column: fresh for i and
// older than the next bucket's scheduled time.
func (tt Timetable) InWindow(ts time.Time, day Day, i int) bool {
	if !tt.Fresh(ts, day, i) {
		return false
	}
	if i == FinalBucket {
		return true
	}
	return ts.Before(tt.At(day, i+1))
}

// IndexAt returns the latest bucket due at t, or -1 before the first bucket.
func (tt Timetable) IndexAt(t time.Time) int {
	t = t.In(tt.Location)
	day := tt.DayOf(t)
	idx := -1
	for i := range tt.Buckets {
		if !t.Before(tt.At(day, i)) {
			idx = i
		}
	}
	return idx
}

// Reference is the bucket staleness is judged against for day at now:
// the due bucket today, the final bucket for past days, and bucket 0 otherwise.
func (tt Timetable) Reference(day Day, now time.Time) int {
	today := tt.DayOf(now)
	switch {
	case day < today:
		return FinalBucket
	case day > today:
		return 0
	}
	if idx := tt.IndexAt(now); idx >= 0 {
		return idx
	}
	return 0
}

// Label returns the display label of bucket i.
func (tt Timetable) Label(i int) string {
	if i < 0 || i >= BucketCount {
		return ""
	}
	return tt.Buckets[i].Label
}

// SheetName is the label made safe for a workbook sheet name.
func (b Bucket) SheetName() string {
	out := make([]rune, 0, len(b.Label))
	for _, r := range b.Label {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			out = append(out, '-')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
