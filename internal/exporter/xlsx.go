package exporter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"DowTracker/internal/model"
)

const (
	gridSheet   = "Grid"
	latestSheet = "Latest"
)

// XLSXWriter writes one workbook per day into Dir, replacing it atomically
// on every export.
type XLSXWriter struct {
	Dir string
}

// FileName is the workbook name for day: Sheet__MM_DD_YYYY.xlsx.
func FileName(day model.Day) (string, error) {
	d, err := model.ParseDay(string(day))
	if err != nil {
		return "", err
	}
	return "Sheet__" + d.Date(time.UTC).Format("01_02_2006") + ".xlsx", nil
}

func (w *XLSXWriter) Write(ctx context.Context, p *Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := FileName(p.Day)
	if err != nil {
		return "", fmt.Errorf("xlsx: %w", err)
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("xlsx: create dir: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := fill(f, p); err != nil {
		return "", fmt.Errorf("xlsx: %w", err)
	}

	target := filepath.Join(w.Dir, name)
	tmp, err := os.CreateTemp(w.Dir, ".sheet-*.xlsx")
	if err != nil {
		return "", fmt.Errorf("xlsx: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("xlsx: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("xlsx: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("xlsx: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("xlsx: rename: %w", err)
	}
	return target, nil
}

func fill(f *excelize.File, p *Payload) error {
	if err := f.SetSheetName(f.GetSheetName(0), gridSheet); err != nil {
		return err
	}
	grey, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D9D9D9"}, Pattern: 1},
	})
	if err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	// Grid: one row per ticker, one column per bucket.
	header := []interface{}{"Ticker"}
	for _, col := range p.Buckets {
		header = append(header, col.Label)
	}
	if err := f.SetSheetRow(gridSheet, "A1", &header); err != nil {
		return err
	}
	if err := f.SetRowStyle(gridSheet, 1, 1, bold); err != nil {
		return err
	}
	for r, tk := range p.Universe {
		row := r + 2
		if err := setCell(f, gridSheet, 1, row, tk); err != nil {
			return err
		}
		for _, col := range p.Buckets {
			if !col.Due || r >= len(col.Cells) {
				continue
			}
			c := col.Cells[r]
			name, err := excelize.CoordinatesToCellName(col.Index+2, row)
			if err != nil {
				return err
			}
			if c.Stale {
				if err := f.SetCellStyle(gridSheet, name, name, grey); err != nil {
					return err
				}
				continue
			}
			if err := f.SetCellValue(gridSheet, name, priceValue(c.Price)); err != nil {
				return err
			}
		}
	}

	for _, col := range p.Buckets {
		if !col.Due {
			continue
		}
		if err := cellSheet(f, model.Bucket{Label: col.Label}.SheetName(), col.Cells, bold, grey); err != nil {
			return err
		}
	}
	return cellSheet(f, latestSheet, p.Latest, bold, grey)
}

func cellSheet(f *excelize.File, sheet string, cells []Cell, bold, grey int) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	header := []interface{}{"Ticker", "Price", "Source", "Timestamp", "Captured At", "Stale"}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	if err := f.SetRowStyle(sheet, 1, 1, bold); err != nil {
		return err
	}
	for i, c := range cells {
		row := i + 2
		values := []interface{}{c.Ticker, "", string(c.Source), c.Timestamp, c.CapturedAt, c.Stale}
		if c.Price != "" {
			values[1] = priceValue(c.Price)
		}
		start, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, start, &values); err != nil {
			return err
		}
		if c.Stale {
			if err := f.SetRowStyle(sheet, row, row, grey); err != nil {
				return err
			}
		}
	}
	return nil
}

func setCell(f *excelize.File, sheet string, col, row int, v interface{}) error {
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, name, v)
}

// priceValue stores prices as numbers; an unparsable price stays text.
func priceValue(s string) interface{} {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return d.InexactFloat64()
}
