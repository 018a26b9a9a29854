package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sheetmailer/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the SQLite store for tasks, the sender registry and dispatch reports.
type DB struct {
	*sql.DB
	logger         *zerolog.Logger
	reportsHistory int
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if path != ":memory:" {
		// Создаем директорию для БД, если её нет
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite пишет последовательно; одно соединение также делает :memory: общей
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return &DB{DB: db, logger: logger, reportsHistory: models.DefaultReportsHistory}, nil
}

// SetReportsHistory limits how many dispatch reports are kept.
func (db *DB) SetReportsHistory(n int) {
	if n > 0 {
		db.reportsHistory = n
	}
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Запланированные рассылки; время хранится в миллисекундах UTC
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
            id TEXT PRIMARY KEY,
            subject TEXT NOT NULL,
            trigger_at INTEGER NOT NULL,
            payload TEXT NOT NULL,
            created_at INTEGER NOT NULL
        )`,
		// Реестр отправителей, привязанных к диапазонам строк листа
		`CREATE TABLE IF NOT EXISTS senders (
            id TEXT PRIMARY KEY,
            owner TEXT NOT NULL DEFAULT '',
            account TEXT NOT NULL,
            secret TEXT NOT NULL,
            alias TEXT NOT NULL DEFAULT '',
            spreadsheet_id TEXT NOT NULL,
            sheet_name TEXT NOT NULL,
            range_lower INTEGER NOT NULL,
            range_upper INTEGER NOT NULL,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS dispatch_reports (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_id TEXT NOT NULL,
            outcome TEXT NOT NULL,
            payload TEXT NOT NULL,
            finished_at INTEGER NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_trigger_at ON scheduled_tasks(trigger_at)`,
		`CREATE INDEX IF NOT EXISTS idx_senders_source ON senders(spreadsheet_id, sheet_name)`,
		`CREATE INDEX IF NOT EXISTS idx_senders_owner ON senders(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_reports_task_id ON dispatch_reports(task_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
