package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sheetmailer/internal/models"
	"sheetmailer/internal/ranges"
)

const senderColumns = `id, owner, account, secret, alias, spreadsheet_id, sheet_name, range_lower, range_upper, created_at, updated_at`

// CreateSender inserts the account unless its range overlaps another
// account registered for the same sheet.
func (db *DB) CreateSender(ctx context.Context, acc *models.SenderAccount) error {
	if acc.ID == "" {
		return errors.New("sender id is required")
	}
	if err := acc.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now

	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkOverlap(ctx, tx, acc); err != nil {
			return err
		}
		query := `INSERT INTO senders (` + senderColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := tx.ExecContext(ctx, query,
			acc.ID,
			acc.Owner,
			acc.Credential.Account,
			acc.Credential.Secret,
			acc.Credential.Alias,
			acc.Source.SpreadsheetID,
			acc.Source.SheetName,
			acc.Lower,
			acc.Upper,
			toMillis(acc.CreatedAt),
			toMillis(acc.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create sender: %w", err)
		}
		return nil
	})
}

func (db *DB) UpdateSender(ctx context.Context, acc *models.SenderAccount) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	acc.UpdatedAt = time.Now().UTC()

	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkOverlap(ctx, tx, acc); err != nil {
			return err
		}
		query := `UPDATE senders
                  SET owner = ?, account = ?, secret = ?, alias = ?, spreadsheet_id = ?, sheet_name = ?,
                      range_lower = ?, range_upper = ?, updated_at = ?
                  WHERE id = ?`
		result, err := tx.ExecContext(ctx, query,
			acc.Owner,
			acc.Credential.Account,
			acc.Credential.Secret,
			acc.Credential.Alias,
			acc.Source.SpreadsheetID,
			acc.Source.SheetName,
			acc.Lower,
			acc.Upper,
			toMillis(acc.UpdatedAt),
			acc.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update sender: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return models.ErrSenderNotFound
		}
		return nil
	})
}

func (db *DB) GetSender(ctx context.Context, id string) (*models.SenderAccount, error) {
	row := db.QueryRowContext(ctx, `SELECT `+senderColumns+` FROM senders WHERE id = ?`, id)
	acc, err := scanSender(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSenderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sender: %w", err)
	}
	return acc, nil
}

// ListSenders returns the accounts of one owner, or all when owner is empty.
func (db *DB) ListSenders(ctx context.Context, owner string) ([]*models.SenderAccount, error) {
	if owner == "" {
		return db.querySenders(ctx, `SELECT `+senderColumns+` FROM senders ORDER BY spreadsheet_id, sheet_name, range_lower`)
	}
	return db.querySenders(ctx,
		`SELECT `+senderColumns+` FROM senders WHERE owner = ? ORDER BY spreadsheet_id, sheet_name, range_lower`,
		owner)
}

func (db *DB) SendersForSource(ctx context.Context, ref models.SourceRef) ([]*models.SenderAccount, error) {
	return db.querySenders(ctx,
		`SELECT `+senderColumns+` FROM senders WHERE spreadsheet_id = ? AND sheet_name = ? ORDER BY range_lower`,
		ref.SpreadsheetID, ref.SheetName)
}

func (db *DB) DeleteSender(ctx context.Context, id string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM senders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sender: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrSenderNotFound
	}
	return nil
}

func checkOverlap(ctx context.Context, tx *sql.Tx, acc *models.SenderAccount) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, range_lower, range_upper FROM senders WHERE spreadsheet_id = ? AND sheet_name = ? AND id <> ?`,
		acc.Source.SpreadsheetID, acc.Source.SheetName, acc.ID)
	if err != nil {
		return fmt.Errorf("failed to check ranges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var lower, upper int
		if err := rows.Scan(&id, &lower, &upper); err != nil {
			return fmt.Errorf("failed to scan range: %w", err)
		}
		if ranges.Overlaps(acc.Lower, acc.Upper, lower, upper) {
			return fmt.Errorf("%w: [%d,%d] intersects sender %s [%d,%d]",
				models.ErrRangeOverlap, acc.Lower, acc.Upper, id, lower, upper)
		}
	}
	return rows.Err()
}

func (db *DB) querySenders(ctx context.Context, query string, args ...interface{}) ([]*models.SenderAccount, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query senders: %w", err)
	}
	defer rows.Close()

	var out []*models.SenderAccount
	for rows.Next() {
		acc, err := scanSender(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sender: %w", err)
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSender(s scanner) (*models.SenderAccount, error) {
	var acc models.SenderAccount
	var created, updated int64
	err := s.Scan(
		&acc.ID,
		&acc.Owner,
		&acc.Credential.Account,
		&acc.Credential.Secret,
		&acc.Credential.Alias,
		&acc.Source.SpreadsheetID,
		&acc.Source.SheetName,
		&acc.Lower,
		&acc.Upper,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	acc.CreatedAt = fromMillis(created)
	acc.UpdatedAt = fromMillis(updated)
	return &acc, nil
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
