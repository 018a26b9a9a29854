package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"sheetmailer/internal/database"
	"sheetmailer/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	summarySheet  = "Reports"
	failuresSheet = "Failures"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		dbPath  = flag.String("db", "./data/sheetmailer.db", "path to sqlite db")
		outPath = flag.String("out", "reports.xlsx", "output workbook")
		limit   = flag.Int("limit", models.DefaultReportsHistory, "max reports to export")
	)
	flag.Parse()

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reports, err := db.ListReports(ctx, *limit)
	if err != nil {
		return fmt.Errorf("list reports: %w", err)
	}

	f, err := buildWorkbook(reports)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(*outPath); err != nil {
		return fmt.Errorf("save %s: %w", *outPath, err)
	}
	logger.Info().Int("reports", len(reports)).Str("out", *outPath).Msg("reports exported")
	return nil
}

func buildWorkbook(reports []*models.DispatchReport) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(failuresSheet); err != nil {
		return nil, err
	}

	summary := [][]interface{}{{
		"Task", "Subject", "Mode", "Outcome", "Rows", "Sent", "Messages",
		"Skipped (missing data)", "Skipped (unassigned)", "Failed", "Error", "Started", "Finished",
	}}
	failures := [][]interface{}{{"Task", "Row", "Recipient", "Reason"}}

	for _, r := range reports {
		summary = append(summary, []interface{}{
			r.TaskID, r.Subject, string(r.Mode), r.Outcome(), r.TotalRows, r.Sent, r.Messages,
			r.SkippedMissingData, r.SkippedUnassigned, len(r.Failed), r.Error,
			formatTime(r.StartedAt), formatTime(r.FinishedAt),
		})
		for _, fr := range r.Failed {
			failures = append(failures, []interface{}{r.TaskID, fr.Row, fr.Recipient, strings.TrimSpace(fr.Reason)})
		}
	}

	if err := writeRows(f, summarySheet, summary); err != nil {
		return nil, err
	}
	if err := writeRows(f, failuresSheet, failures); err != nil {
		return nil, err
	}
	return f, nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &rows[i]); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
