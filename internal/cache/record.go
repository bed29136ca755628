package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"DowTracker/internal/model"
)

// record is one line of a per-(ticker, day) log. The ticker is implied by the file name.
type record struct {
	TS         int64        `json:"ts"`
	Price      string       `json:"price"`
	Source     model.Source `json:"source"`
	CapturedAt int64        `json:"captured_at"`
}

func encodeRecord(p model.PricePoint) ([]byte, error) {
	line, err := json.Marshal(record{
		TS:         p.Timestamp.Unix(),
		Price:      p.Price.String(),
		Source:     p.Source,
		CapturedAt: p.CapturedAt.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func decodeRecord(ticker string, line []byte, loc *time.Location) (model.PricePoint, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return model.PricePoint{}, err
	}
	if r.TS <= 0 || r.Source == "" {
		return model.PricePoint{}, fmt.Errorf("incomplete record")
	}
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("price: %w", err)
	}
	return model.PricePoint{
		Ticker:     ticker,
		Timestamp:  time.Unix(r.TS, 0).In(loc),
		Price:      price,
		Source:     r.Source,
		CapturedAt: time.UnixMilli(r.CapturedAt).In(loc),
	}, nil
}

// logContents is what survived reading one log file.
type logContents struct {
	points   []model.PricePoint
	exists   bool
	validLen int64 // end of the last newline-terminated line
	garbled  int
	torn     bool
}

// readLog parses a log. Newline-terminated lines that fail to decode are
// skipped; only an unterminated tail is reported as torn. Records that do not
// advance the timestamp are skipped.
func readLog(path, ticker string, loc *time.Location) (logContents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return logContents{}, nil
		}
		return logContents{}, err
	}

	out := logContents{exists: true}
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			out.torn = true
			break
		}
		line := data[:nl]
		out.validLen += int64(nl + 1)
		data = data[nl+1:]

		p, err := decodeRecord(ticker, line, loc)
		if err != nil {
			out.garbled++
			continue
		}
		if n := len(out.points); n > 0 && !p.Timestamp.After(out.points[n-1].Timestamp) {
			continue
		}
		out.points = append(out.points, p)
	}
	return out, nil
}

// appendRecord appends p to a log whose good length is size and fsyncs
// before returning the new length. A failed append truncates the log back
// to size so a partial line never precedes the next record.
func appendRecord(path string, size int64, p model.PricePoint) (int64, error) {
	line, err := encodeRecord(p)
	if err != nil {
		return size, fmt.Errorf("encode record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return size, fmt.Errorf("open log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return size, rollback(path, size, fmt.Errorf("append log: %w", err))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return size, rollback(path, size, fmt.Errorf("sync log: %w", err))
	}
	if err := f.Close(); err != nil {
		return size, rollback(path, size, fmt.Errorf("close log: %w", err))
	}
	return size + int64(len(line)), nil
}

func rollback(path string, size int64, cause error) error {
	if err := os.Truncate(path, size); err != nil {
		return errors.Join(cause, fmt.Errorf("truncate log: %w", err))
	}
	return cause
}

func logPath(dir string, day model.Day, ticker string) string {
	return filepath.Join(dir, string(day), ticker+".log")
}
