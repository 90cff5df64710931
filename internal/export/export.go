// Package export writes snapshot documents to an Excel workbook: a summary
// sheet plus one sheet per (mode, category) document.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rewired-gh/marketmovers/internal/models"
)

// SummarySheet is the name of the index sheet.
const SummarySheet = "summary"

var (
	summaryHeader = []interface{}{"Sheet", "Snapshot Date", "Mode", "Category", "Window Start", "Window End", "Metric", "Fallback Used", "Items"}
	entryHeader   = []interface{}{"Rank", "Item", "Field", "Period", "Previous", "Current", "Absolute Delta", "Percent Delta", "Score"}
)

// SheetName returns the sheet a document is written to.
func SheetName(snap *models.Snapshot) string {
	if snap.Category == "" {
		return string(snap.Mode)
	}
	return string(snap.Mode) + "-" + string(snap.Category)
}

// Write renders snaps as a workbook to w.
func Write(w io.Writer, snaps []models.Snapshot) error {
	f, err := build(snaps)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// WriteFile renders snaps as a workbook at path.
func WriteFile(path string, snaps []models.Snapshot) error {
	f, err := build(snaps)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", path, err)
	}
	return nil
}

func build(snaps []models.Snapshot) (*excelize.File, error) {
	f := excelize.NewFile()

	// the default sheet becomes the summary
	if err := f.SetSheetName(f.GetSheetName(0), SummarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}
	if err := f.SetSheetRow(SummarySheet, "A1", &summaryHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write summary header: %w", err)
	}

	for i := range snaps {
		snap := &snaps[i]
		name := SheetName(snap)
		if err := writeSnapshot(f, name, snap); err != nil {
			f.Close()
			return nil, err
		}

		row := []interface{}{
			name,
			snap.SnapshotDate.UTC().Format("2006-01-02"),
			string(snap.Mode),
			string(snap.Category),
			snap.Window.Start.UTC().Format(time.RFC3339),
			snap.Window.End.UTC().Format(time.RFC3339),
			string(snap.Metric),
			snap.FallbackUsed,
			len(snap.Items),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SummarySheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write summary row: %w", err)
		}
	}

	f.SetActiveSheet(0)
	return f, nil
}

func writeSnapshot(f *excelize.File, name string, snap *models.Snapshot) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", name, err)
	}
	if err := f.SetSheetRow(name, "A1", &entryHeader); err != nil {
		return fmt.Errorf("failed to write header of %s: %w", name, err)
	}

	for i, e := range snap.Items {
		var pct interface{}
		if e.PercentDelta != nil {
			pct = *e.PercentDelta
		}
		row := []interface{}{
			i + 1,
			e.ItemKey,
			string(e.Field),
			e.Period.UTC().Format(time.RFC3339),
			e.PreviousValue,
			e.CurrentValue,
			e.AbsoluteDelta,
			pct,
			e.Score,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(name, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d of %s: %w", i+1, name, err)
		}
	}
	return nil
}
