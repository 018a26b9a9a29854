package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sheetmailer/internal/domain"
	"sheetmailer/internal/events"
	"sheetmailer/internal/models"
	"sheetmailer/internal/ranges"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ScheduleRequest is what a caller submits to create a task. Sender and
// Bindings are mutually exclusive; with neither, the sender registry decides.
type ScheduleRequest struct {
	Source      models.SourceRef         `json:"source"`
	Template    models.Template          `json:"template"`
	Attachments []models.Attachment      `json:"attachments,omitempty"`
	Sender      *models.SenderCredential `json:"sender,omitempty"`
	Bindings    []models.RangeBinding    `json:"bindings,omitempty"`
	Window      models.Window            `json:"window"`
	Mode        models.DispatchMode      `json:"mode,omitempty"`
	PrimaryTo   string                   `json:"primary_to,omitempty"`
	FromName    string                   `json:"from_name,omitempty"`
	TriggerAt   time.Time                `json:"trigger_time"`
}

// TaskExecutor runs a stored task now; implemented by worker.Executor.
type TaskExecutor interface {
	Execute(ctx context.Context, id string) (*models.DispatchReport, error)
}

// DueSweeper runs every due task; implemented by worker.Sweeper.
type DueSweeper interface {
	SweepOnce(ctx context.Context) ([]*models.DispatchReport, error)
}

type TaskService struct {
	store    domain.Store
	registry domain.SenderRegistry
	exec     TaskExecutor
	sweeper  DueSweeper
	armer    domain.TaskArmer
	eventBus domain.EventPublisher
	logger   *zerolog.Logger
	now      func() time.Time
	newID    func() string

	baseCtx context.Context
	wg      sync.WaitGroup
}

type TaskOption func(*TaskService)

func WithRegistry(r domain.SenderRegistry) TaskOption {
	return func(s *TaskService) { s.registry = r }
}

func WithArmer(a domain.TaskArmer) TaskOption {
	return func(s *TaskService) { s.armer = a }
}

func WithEventBus(p domain.EventPublisher) TaskOption {
	return func(s *TaskService) { s.eventBus = p }
}

func WithClock(now func() time.Time) TaskOption {
	return func(s *TaskService) { s.now = now }
}

func WithIDGenerator(gen func() string) TaskOption {
	return func(s *TaskService) { s.newID = gen }
}

// WithBaseContext bounds background sends started by SendNow.
func WithBaseContext(ctx context.Context) TaskOption {
	return func(s *TaskService) { s.baseCtx = ctx }
}

func NewTaskService(store domain.Store, exec TaskExecutor, sweeper DueSweeper, logger *zerolog.Logger, opts ...TaskOption) *TaskService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &TaskService{
		store:   store,
		exec:    exec,
		sweeper: sweeper,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule validates the request and stores a task firing at req.TriggerAt.
// A trigger time equal to now is accepted; anything earlier is rejected.
func (s *TaskService) Schedule(ctx context.Context, req *ScheduleRequest) (*models.ScheduledTask, error) {
	now := s.now()
	if req.TriggerAt.IsZero() {
		return nil, models.NewValidationError("trigger_time", "is required")
	}
	if req.TriggerAt.Before(now) {
		return nil, models.NewValidationError("trigger_time", "is in the past")
	}

	task, err := s.buildTask(ctx, req, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("store task: %w", err)
	}

	if s.armer != nil {
		if err := s.armer.Arm(task); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to arm timer, sweep will pick the task up")
		}
	}

	s.logger.Info().
		Str("task_id", task.ID).
		Str("source", task.Source.String()).
		Time("trigger_at", task.TriggerAt).
		Str("mode", string(task.Mode)).
		Msg("task scheduled")
	s.publishEvent(events.EventTaskScheduled, task)

	return task, nil
}

// SendNow stores the task with the current time as its trigger and executes
// it in the background. The returned id can be matched against reports.
func (s *TaskService) SendNow(ctx context.Context, req *ScheduleRequest) (string, error) {
	now := s.now()
	task, err := s.buildTask(ctx, req, now)
	if err != nil {
		return "", err
	}
	task.TriggerAt = now.UTC()
	task.CronExpr = models.CronExpr(task.TriggerAt)

	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("store task: %w", err)
	}
	s.publishEvent(events.EventTaskScheduled, task)

	s.wg.Add(1)
	go func(id string) {
		defer s.wg.Done()
		if _, err := s.exec.Execute(s.baseCtx, id); err != nil {
			s.logger.Warn().Err(err).Str("task_id", id).Msg("immediate send failed")
		}
	}(task.ID)

	return task.ID, nil
}

// Wait blocks until background sends started by SendNow have finished.
func (s *TaskService) Wait() {
	s.wg.Wait()
}

// List returns summaries ordered by trigger time. Index is for display only.
func (s *TaskService) List(ctx context.Context) ([]models.TaskSummary, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.TaskSummary, 0, len(tasks))
	for i, task := range tasks {
		out = append(out, task.Summary(i+1))
	}
	return out, nil
}

func (s *TaskService) Get(ctx context.Context, id string) (*models.ScheduledTask, error) {
	return s.store.GetTask(ctx, id)
}

// Cancel removes a task that has not fired yet.
func (s *TaskService) Cancel(ctx context.Context, id string) error {
	task, err := s.store.TakeTask(ctx, id)
	if err != nil {
		return err
	}
	if s.armer != nil {
		s.armer.Disarm(id)
	}
	s.logger.Info().Str("task_id", id).Msg("task cancelled")
	s.publishEvent(events.EventTaskCancelled, task)
	return nil
}

// Sweep runs every due task now.
func (s *TaskService) Sweep(ctx context.Context) ([]*models.DispatchReport, error) {
	return s.sweeper.SweepOnce(ctx)
}

func (s *TaskService) Reports(ctx context.Context, limit int) ([]*models.DispatchReport, error) {
	return s.store.ListReports(ctx, limit)
}

func (s *TaskService) buildTask(ctx context.Context, req *ScheduleRequest, now time.Time) (*models.ScheduledTask, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.Sender == nil && len(req.Bindings) == 0 {
		if err := s.requireRegisteredSenders(ctx, req.Source); err != nil {
			return nil, err
		}
	}

	mode := req.Mode
	if mode == "" {
		mode = models.ModePerRecipient
	}
	var sender *models.SenderCredential
	if req.Sender != nil {
		c := *req.Sender
		sender = &c
	}

	trigger := req.TriggerAt.UTC()
	return &models.ScheduledTask{
		ID:          s.newID(),
		Source:      req.Source,
		Sender:      sender,
		Bindings:    append([]models.RangeBinding(nil), req.Bindings...),
		Template:    req.Template,
		Attachments: copyAttachments(req.Attachments),
		Window:      req.Window,
		Mode:        mode,
		PrimaryTo:   req.PrimaryTo,
		FromName:    req.FromName,
		TriggerAt:   trigger,
		CronExpr:    models.CronExpr(trigger),
		CreatedAt:   now.UTC(),
	}, nil
}

func (s *TaskService) requireRegisteredSenders(ctx context.Context, ref models.SourceRef) error {
	if s.registry == nil {
		return models.NewValidationError("sender", "is required")
	}
	accounts, err := s.registry.SendersForSource(ctx, ref)
	if err != nil {
		return fmt.Errorf("look up senders: %w", err)
	}
	if len(accounts) == 0 {
		return models.NewValidationError("sender", "no sender registered for "+ref.String())
	}
	return nil
}

func (s *TaskService) publishEvent(eventType string, task *models.ScheduledTask) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.PublishJSON(eventType, events.NewTaskPayload(task)); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}

func validateRequest(req *ScheduleRequest) error {
	switch {
	case req.Source.SpreadsheetID == "":
		return models.NewValidationError("source.spreadsheet_id", "is required")
	case req.Source.SheetName == "":
		return models.NewValidationError("source.sheet_name", "is required")
	case req.Template.Subject == "":
		return models.NewValidationError("template.subject", "is required")
	case req.Template.Body == "":
		return models.NewValidationError("template.body", "is required")
	case req.Template.PlaceholderColumn < 0:
		return models.NewValidationError("template.placeholder_column", "must not be negative")
	case req.Window.Lower < 0:
		return models.NewValidationError("window.lower", "must not be negative")
	case req.Window.Upper < req.Window.Lower:
		return models.NewValidationError("window.upper", "must not be below lower")
	case req.Sender != nil && len(req.Bindings) > 0:
		return models.NewValidationError("sender", "sender and bindings are mutually exclusive")
	}

	switch req.Template.Format {
	case "", models.FormatHTML, models.FormatMarkdown:
	default:
		return models.NewValidationError("template.format", "must be html or markdown")
	}
	switch req.Mode {
	case "", models.ModePerRecipient, models.ModeAggregated:
	default:
		return models.NewValidationError("mode", "must be per_recipient or aggregated")
	}
	// одно письмо на группу: подставить значение строки некуда
	if req.Mode == models.ModeAggregated && req.Template.Placeholder != "" {
		return models.NewValidationError("template.placeholder", "is not supported in aggregated mode")
	}

	if req.Sender != nil {
		if err := validateCredential("sender", *req.Sender); err != nil {
			return err
		}
	}
	for i, b := range req.Bindings {
		if err := validateCredential(fmt.Sprintf("bindings[%d].sender", i), b.Sender); err != nil {
			return err
		}
	}
	if len(req.Bindings) > 0 {
		if _, err := ranges.New(req.Bindings); err != nil {
			return err
		}
	}
	for i, a := range req.Attachments {
		if a.Filename == "" {
			return models.NewValidationError(fmt.Sprintf("attachments[%d].filename", i), "is required")
		}
	}
	return nil
}

func validateCredential(field string, c models.SenderCredential) error {
	if c.Account == "" {
		return models.NewValidationError(field+".account", "is required")
	}
	if c.Secret == "" {
		return models.NewValidationError(field+".secret", "is required")
	}
	return nil
}

func copyAttachments(in []models.Attachment) []models.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Attachment, len(in))
	for i, a := range in {
		out[i] = a
		out[i].Content = append([]byte(nil), a.Content...)
	}
	return out
}
