package database

import (
	"context"
	"encoding/json"
	"fmt"

	"sheetmailer/internal/models"
)

// SaveReport appends a dispatch report and drops the oldest beyond the
// configured history.
func (db *DB) SaveReport(ctx context.Context, report *models.DispatchReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	query := `INSERT INTO dispatch_reports (task_id, outcome, payload, finished_at) VALUES (?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, query, report.TaskID, report.Outcome(), string(payload), toMillis(report.FinishedAt)); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`DELETE FROM dispatch_reports WHERE id NOT IN (SELECT id FROM dispatch_reports ORDER BY id DESC LIMIT ?)`,
		db.reportsHistory)
	if err != nil {
		return fmt.Errorf("failed to trim reports: %w", err)
	}
	return nil
}

// ListReports returns the newest reports first.
func (db *DB) ListReports(ctx context.Context, limit int) ([]*models.DispatchReport, error) {
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	rows, err := db.QueryContext(ctx, `SELECT payload FROM dispatch_reports ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []*models.DispatchReport
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		var r models.DispatchReport
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}
