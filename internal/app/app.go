// Package app assembles the mailer from configuration. Both entrypoints use
// it so the long-running service and the one-shot sweep dispatch the same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"sheetmailer/internal/config"
	"sheetmailer/internal/database"
	"sheetmailer/internal/dispatch"
	"sheetmailer/internal/domain"
	"sheetmailer/internal/events"
	"sheetmailer/internal/google"
	"sheetmailer/internal/logging"
	"sheetmailer/internal/mail"
	"sheetmailer/internal/render"
	"sheetmailer/internal/repository"
	"sheetmailer/internal/service"
	"sheetmailer/internal/workbook"
	"sheetmailer/internal/worker"

	"github.com/rs/zerolog"
)

// App holds every long-lived component built from one Config.
type App struct {
	Config *config.Config

	Store    domain.Store
	Registry domain.SenderRegistry
	DB       *database.DB
	Sheets   *google.SheetsService
	Rows     *workbook.Router
	Bus      *events.EventBus

	// ShareWith is the service account spreadsheets must be shared with.
	ShareWith string

	Executor *worker.Executor
	Sweeper  *worker.Sweeper
	Timers   *worker.TimerScheduler

	Tasks   *service.TaskService
	Senders *service.SenderService

	closers []io.Closer
	logger  *zerolog.Logger
}

// Build wires the stores, row sources, mailer, dispatcher and workers.
// baseCtx bounds background sends started through the task service.
func Build(baseCtx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	a := &App{Config: cfg, Bus: events.NewEventBus(), logger: logger}

	if err := a.initStores(baseCtx); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.initRowSources(baseCtx)

	mailer, err := newMailer(cfg.Mail, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Senders = service.NewSenderService(a.Registry, logging.Component(logger, "senders"))

	renderer := render.New(render.Options{
		NormalizeWhitespace: cfg.Dispatch.NormalizeHTML,
		WrapperStyle:        cfg.Dispatch.WrapperStyle,
	})
	dispatcher := dispatch.New(a.Rows, renderer, mailer,
		dispatch.WithResolver(a.Senders),
		dispatch.WithPacer(newPacer(cfg.Dispatch)),
		dispatch.WithRecipientColumn(cfg.Dispatch.RecipientColumn),
		dispatch.WithLogger(logging.Component(logger, "dispatch")),
	)

	a.Executor = worker.NewExecutor(a.Store, dispatcher,
		worker.WithEvents(a.Bus),
		worker.WithRetryPolicy(worker.RetryPolicyFromConfig(cfg.Scheduler.Retry)),
		worker.WithExecutorLogger(logging.Component(logger, "executor")),
	)
	a.Sweeper = worker.NewSweeper(a.Store, a.Executor, cfg.Scheduler.SweepInterval,
		cfg.Scheduler.MaxParallel, logging.Component(logger, "sweeper"))

	opts := []service.TaskOption{
		service.WithRegistry(a.Registry),
		service.WithEventBus(a.Bus),
		service.WithBaseContext(baseCtx),
	}
	if cfg.Scheduler.Mode == config.ModeTimer || cfg.Scheduler.Mode == config.ModeBoth {
		a.Timers = worker.NewTimerScheduler(a.Store, a.Executor, logging.Component(logger, "timers"))
		a.Executor.SetArmer(a.Timers)
		opts = append(opts, service.WithArmer(a.Timers))
	}
	a.Tasks = service.NewTaskService(a.Store, a.Executor, a.Sweeper, logging.Component(logger, "tasks"), opts...)

	return a, nil
}

// initStores picks the task store by driver. The sender registry always
// lives in SQLite when a database path is set, otherwise in memory.
func (a *App) initStores(ctx context.Context) error {
	cfg := a.Config
	history := cfg.Store.ReportsHistory

	openDB := func() (*database.DB, error) {
		db, err := database.NewDB(cfg.Database.Path, logging.Component(a.logger, "database"))
		if err != nil {
			return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
		}
		db.SetReportsHistory(history)
		a.DB = db
		a.closers = append(a.closers, db)
		return db, nil
	}

	switch cfg.Store.Driver {
	case config.StoreSQLite:
		db, err := openDB()
		if err != nil {
			return err
		}
		a.Store, a.Registry = db, db

	case config.StoreRedis:
		client := repository.NewRedisClient(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis %s: %w", cfg.Redis.Address, err)
		}
		store := repository.NewRedisStore(client, history, logging.Component(a.logger, "redis"))
		a.closers = append(a.closers, store)
		a.Store = store
		a.logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")

		if cfg.Database.Path != "" {
			db, err := openDB()
			if err != nil {
				return err
			}
			a.Registry = db
		} else {
			a.logger.Warn().Msg("database.path is empty, sender registry is kept in memory")
			a.Registry = repository.NewMemoryStore(history)
		}

	case config.StoreMemory:
		mem := repository.NewMemoryStore(history)
		a.Store, a.Registry = mem, mem

	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return nil
}

func (a *App) initRowSources(ctx context.Context) {
	cfg := a.Config

	var local *workbook.Source
	if cfg.Workbook.Dir != "" {
		local = workbook.NewSource(cfg.Workbook.Dir)
	}

	if cfg.Google.Enabled() {
		sheets, err := google.NewSheetsService(ctx, cfg.Google, logging.Component(a.logger, "sheets"))
		if err != nil {
			a.logger.Warn().Err(err).Msg("google sheets init failed, continuing without sheets")
		} else {
			a.Sheets = sheets
			a.ShareWith = sheets.ShareWith()
			a.logger.Info().Str("share_with", a.ShareWith).Msg("google sheets connected")

			if id := cfg.Google.CheckSpreadsheetID; id != "" {
				if err := verifySheets(ctx, sheets, id, a.ShareWith); err != nil {
					a.logger.Warn().Err(err).Str("spreadsheet_id", id).Msg("spreadsheet is not readable")
				}
			}
		}
	}

	// nil-интерфейс, а не nil-указатель
	if a.Sheets != nil {
		a.Rows = workbook.NewRouter(a.Sheets, local)
	} else {
		a.Rows = workbook.NewRouter(nil, local)
	}
}

type connectionTester interface {
	TestConnection(ctx context.Context, spreadsheetID string) error
}

// verifySheets reads one spreadsheet and, on a denied answer, names the
// account it has to be shared with.
func verifySheets(ctx context.Context, sheets connectionTester, spreadsheetID, shareWith string) error {
	err := sheets.TestConnection(ctx, spreadsheetID)
	if err == nil || shareWith == "" {
		return err
	}
	var accessErr *google.AccessError
	if errors.As(err, &accessErr) && accessErr.Denied() {
		return fmt.Errorf("%w: share the spreadsheet with %s", err, shareWith)
	}
	return err
}

func newMailer(cfg config.MailConfig, logger *zerolog.Logger) (domain.MailSender, error) {
	switch cfg.Driver {
	case config.MailResend:
		sender, err := mail.NewResendSender(cfg.Resend.APIKey, cfg.Resend.BaseURL, logging.Component(logger, "resend"))
		if err != nil {
			return nil, fmt.Errorf("init resend: %w", err)
		}
		return sender, nil
	case config.MailSMTP:
		return mail.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, logging.Component(logger, "smtp")), nil
	default:
		return nil, fmt.Errorf("unknown mail driver %q", cfg.Driver)
	}
}

func newPacer(cfg config.DispatchConfig) dispatch.Pacer {
	if cfg.Pacing == config.PacingLimiter {
		return dispatch.NewLimiterPacer(cfg.RatePerMinute)
	}
	return dispatch.FixedDelay(cfg.SendDelay)
}

// Close releases stores in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
