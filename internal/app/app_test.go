package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sheetmailer/internal/config"
	"sheetmailer/internal/database"
	"sheetmailer/internal/google"
	"sheetmailer/internal/models"
	"sheetmailer/internal/repository"
	"sheetmailer/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const sendersYAML = `senders:
  - owner: ops
    account: first@example.com
    secret: pw-1
    spreadsheet_id: "xlsx:march"
    sheet_name: Recipients
    lower: 1
    upper: 2
  - owner: ops
    account: second@example.com
    secret: pw-2
    spreadsheet_id: "xlsx:march"
    sheet_name: Recipients
    lower: 3
    upper: 10
`

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{Driver: config.StoreMemory, ReportsHistory: 10},
		Mail:  config.MailConfig{Driver: config.MailSMTP, SMTP: config.SMTPConfig{Host: "127.0.0.1", Port: 2525}},
		Scheduler: config.SchedulerConfig{
			Mode:          config.ModeSweep,
			SweepInterval: time.Minute,
			MaxParallel:   2,
		},
	}
}

func writeRecipients(t *testing.T, dir string) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, f.SetSheetName("Sheet1", "Recipients"))
	rows := [][]interface{}{
		{"email", "name"},
		{"a@example.com", "Ann"},
		{"", ""},
		{"c@example.com", "Cid"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Recipients", cell, &row))
	}
	require.NoError(t, f.SaveAs(filepath.Join(dir, "march.xlsx")))
}

type resendCapture struct {
	mu   sync.Mutex
	from []string
	to   []string
}

func (c *resendCapture) handler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From string   `json:"from"`
		To   []string `json:"to"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	c.mu.Lock()
	c.from = append(c.from, body.From)
	c.to = append(c.to, body.To...)
	c.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"id":"msg"}`))
}

func TestBuild_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeRecipients(t, dir)

	capture := &resendCapture{}
	mux := http.NewServeMux()
	mux.HandleFunc("/emails", capture.handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := baseConfig(t)
	cfg.Workbook.Dir = dir
	cfg.Mail = config.MailConfig{Driver: config.MailResend, Resend: config.ResendConfig{APIKey: "re_test", BaseURL: server.URL + "/"}}
	cfg.Scheduler.Mode = config.ModeBoth

	ctx := context.Background()
	a, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NotNil(t, a.Timers)

	seedPath := filepath.Join(dir, "senders.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(sendersYAML), 0o600))
	created, err := a.SeedSenders(ctx, seedPath)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	id, err := a.Tasks.SendNow(ctx, &service.ScheduleRequest{
		Source:   models.SourceRef{SpreadsheetID: "xlsx:march", SheetName: "Recipients"},
		Template: models.Template{Subject: "Hello", Body: "Hi"},
		Window:   models.Window{Lower: 1, Upper: 100},
	})
	require.NoError(t, err)
	a.Tasks.Wait()

	reports, err := a.Tasks.Reports(ctx, 1)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, id, reports[0].TaskID)
	assert.Equal(t, 2, reports[0].Sent)
	assert.Equal(t, 1, reports[0].SkippedMissingData)

	capture.mu.Lock()
	defer capture.mu.Unlock()
	assert.ElementsMatch(t, []string{"a@example.com", "c@example.com"}, capture.to)
	assert.Contains(t, capture.from[0]+capture.from[1], "first@example.com")
	assert.Contains(t, capture.from[0]+capture.from[1], "second@example.com")

	_, err = a.Tasks.Get(ctx, id)
	assert.ErrorIs(t, err, models.ErrTaskNotFound, "dispatched task leaves the store")
}

func TestSeedSenders_SkipsRegistered(t *testing.T) {
	a, err := Build(context.Background(), baseConfig(t), nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "senders.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sendersYAML), 0o600))

	_, err = a.SeedSenders(context.Background(), path)
	require.NoError(t, err)
	created, err := a.SeedSenders(context.Background(), path)
	require.NoError(t, err)
	assert.Zero(t, created)

	list, err := a.Senders.List(context.Background(), "ops")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, os.WriteFile(path, []byte("senders:\n  - account: x@example.com\n"), 0o600))
	_, err = a.SeedSenders(context.Background(), path)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = a.SeedSenders(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuild_StoreDrivers(t *testing.T) {
	t.Run("SQLite", func(t *testing.T) {
		cfg := baseConfig(t)
		cfg.Store.Driver = config.StoreSQLite
		cfg.Database.Path = filepath.Join(t.TempDir(), "db", "mail.db")

		a, err := Build(context.Background(), cfg, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Close() })

		assert.IsType(t, &database.DB{}, a.Store)
		assert.Same(t, a.DB, a.Registry)
		assert.Nil(t, a.Timers)
	})

	t.Run("Redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := baseConfig(t)
		cfg.Store.Driver = config.StoreRedis
		cfg.Redis.Address = mr.Addr()

		a, err := Build(context.Background(), cfg, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Close() })

		assert.IsType(t, &repository.RedisStore{}, a.Store)
		assert.IsType(t, &repository.MemoryStore{}, a.Registry)
		require.NoError(t, a.Store.Ping(context.Background()))
	})

	t.Run("RedisWithSQLiteRegistry", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := baseConfig(t)
		cfg.Store.Driver = config.StoreRedis
		cfg.Redis.Address = mr.Addr()
		cfg.Database.Path = filepath.Join(t.TempDir(), "registry.db")

		a, err := Build(context.Background(), cfg, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Close() })

		assert.Same(t, a.DB, a.Registry)
	})

	t.Run("RedisUnreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		cfg := baseConfig(t)
		cfg.Store.Driver = config.StoreRedis
		cfg.Redis.Address = addr
		_, err := Build(context.Background(), cfg, nil)
		assert.Error(t, err)
	})

	t.Run("Unknown", func(t *testing.T) {
		cfg := baseConfig(t)
		cfg.Store.Driver = "etcd"
		_, err := Build(context.Background(), cfg, nil)
		assert.Error(t, err)
	})

	t.Run("UnknownMailer", func(t *testing.T) {
		cfg := baseConfig(t)
		cfg.Mail.Driver = "pigeon"
		_, err := Build(context.Background(), cfg, nil)
		assert.Error(t, err)
	})
}

type stubTester struct{ err error }

func (s stubTester) TestConnection(context.Context, string) error { return s.err }

func TestVerifySheets(t *testing.T) {
	ctx := context.Background()
	denied := &google.AccessError{Op: "get spreadsheet", Target: "sid", Status: http.StatusForbidden, Err: errors.New("forbidden")}

	assert.NoError(t, verifySheets(ctx, stubTester{}, "sid", "robot@example.iam.gserviceaccount.com"))

	err := verifySheets(ctx, stubTester{err: denied}, "sid", "robot@example.iam.gserviceaccount.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSourceAccess)
	assert.Contains(t, err.Error(), "share the spreadsheet with robot@example.iam.gserviceaccount.com")

	err = verifySheets(ctx, stubTester{err: denied}, "sid", "")
	assert.NotContains(t, err.Error(), "share the spreadsheet")

	timeout := &google.AccessError{Op: "get spreadsheet", Target: "sid", Err: errors.New("timeout")}
	err = verifySheets(ctx, stubTester{err: timeout}, "sid", "robot@example.iam.gserviceaccount.com")
	assert.NotContains(t, err.Error(), "share the spreadsheet")
}
