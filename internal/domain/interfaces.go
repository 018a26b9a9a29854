package domain

import (
	"context"
	"time"

	"sheetmailer/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TaskStore persists scheduled tasks. TakeTask must be atomic: of any number
// of concurrent callers for one id, exactly one gets the task.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.ScheduledTask) error
	GetTask(ctx context.Context, id string) (*models.ScheduledTask, error)
	ListTasks(ctx context.Context) ([]*models.ScheduledTask, error)
	DueTasks(ctx context.Context, asOf time.Time) ([]*models.ScheduledTask, error)
	TakeTask(ctx context.Context, id string) (*models.ScheduledTask, error)
	RestoreTask(ctx context.Context, task *models.ScheduledTask) error
}

type ReportStore interface {
	SaveReport(ctx context.Context, report *models.DispatchReport) error
	ListReports(ctx context.Context, limit int) ([]*models.DispatchReport, error)
}

// Store is what every storage driver provides.
type Store interface {
	TaskStore
	ReportStore
	Ping(ctx context.Context) error
}

type SenderRegistry interface {
	CreateSender(ctx context.Context, account *models.SenderAccount) error
	GetSender(ctx context.Context, id string) (*models.SenderAccount, error)
	ListSenders(ctx context.Context, owner string) ([]*models.SenderAccount, error)
	UpdateSender(ctx context.Context, account *models.SenderAccount) error
	DeleteSender(ctx context.Context, id string) error
	SendersForSource(ctx context.Context, ref models.SourceRef) ([]*models.SenderAccount, error)
}

type RowSource interface {
	FetchRows(ctx context.Context, ref models.SourceRef) ([][]string, error)
}

type SheetLister interface {
	SheetNames(ctx context.Context, spreadsheetID string) ([]string, error)
}

type MailSender interface {
	Send(ctx context.Context, cred models.SenderCredential, env models.Envelope, msg models.Message) error
}

// BindingResolver supplies range bindings for tasks that defer to the registry.
type BindingResolver interface {
	ResolveBindings(ctx context.Context, ref models.SourceRef) ([]models.RangeBinding, error)
}

// TaskArmer arms per-task timers; implemented by the timer scheduler.
type TaskArmer interface {
	Arm(task *models.ScheduledTask) error
	Disarm(taskID string)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}
