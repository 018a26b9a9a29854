// Package worker turns due tasks into dispatches: the sweeper polls the
// store, the timer scheduler fires one cron entry per task, and both hand
// the task id to the executor.
package worker

import (
	"context"
	"errors"
	"time"

	"sheetmailer/internal/domain"
	"sheetmailer/internal/events"
	"sheetmailer/internal/metrics"
	"sheetmailer/internal/models"

	"github.com/rs/zerolog"
)

// TaskDispatcher runs one task; implemented by dispatch.Dispatcher.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, task *models.ScheduledTask) (*models.DispatchReport, error)
}

// Executor takes a task out of the store and dispatches it. A task is
// executed at most once: it is removed before any mail is sent.
type Executor struct {
	store      domain.Store
	dispatcher TaskDispatcher
	events     domain.EventPublisher
	armer      domain.TaskArmer
	retry      RetryPolicy
	logger     *zerolog.Logger
	now        func() time.Time
}

type ExecutorOption func(*Executor)

func WithEvents(p domain.EventPublisher) ExecutorOption {
	return func(e *Executor) { e.events = p }
}

func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.retry = p }
}

func WithExecutorLogger(l *zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(store domain.Store, dispatcher TaskDispatcher, opts ...ExecutorOption) *Executor {
	nop := zerolog.Nop()
	e := &Executor{
		store:      store,
		dispatcher: dispatcher,
		logger:     &nop,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetArmer makes retried tasks re-arm their timer.
func (e *Executor) SetArmer(a domain.TaskArmer) {
	e.armer = a
}

// Execute dispatches the task with the given id. ErrTaskNotFound means
// another trigger already took it or it was cancelled.
func (e *Executor) Execute(ctx context.Context, id string) (*models.DispatchReport, error) {
	task, err := e.store.TakeTask(ctx, id)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With().Str("task_id", task.ID).Int("attempt", task.Attempts).Logger()

	report, err := e.dispatcher.Dispatch(ctx, task)
	if report == nil {
		report = &models.DispatchReport{
			TaskID:     task.ID,
			Subject:    task.Template.Subject,
			Mode:       task.Mode,
			Failed:     []models.RowFailure{},
			StartedAt:  e.now(),
			FinishedAt: e.now(),
		}
		if err != nil {
			report.Error = err.Error()
		}
	}

	// строки ещё не читались, поэтому задачу можно вернуть
	if err != nil && errors.Is(err, models.ErrSourceAccess) && report.Sent == 0 {
		if attempt := task.Attempts + 1; e.retry.Allows(attempt) {
			return report, e.reschedule(ctx, task, attempt, err, &logger)
		}
		logger.Warn().Err(err).Msg("row source still unavailable, giving up")
	}

	if saveErr := e.store.SaveReport(ctx, report); saveErr != nil {
		logger.Error().Err(saveErr).Msg("failed to save dispatch report")
	}
	metrics.IncDispatch(report.Outcome())

	payload := events.NewTaskPayload(task)
	payload.Report = report
	eventType := events.EventTaskDispatched
	if err != nil {
		eventType = events.EventTaskFailed
		payload.Error = err.Error()
		logger.Error().Err(err).Msg("task failed")
	} else {
		logger.Info().Str("outcome", report.Outcome()).Msg("task executed")
	}
	e.publish(eventType, payload, &logger)

	return report, err
}

func (e *Executor) reschedule(ctx context.Context, task *models.ScheduledTask, attempt int, cause error, logger *zerolog.Logger) error {
	delay := e.retry.NextDelay(attempt)
	task.Attempts = attempt
	task.TriggerAt = e.now().Add(delay).UTC()
	task.CronExpr = models.CronExpr(task.TriggerAt)

	if err := e.store.RestoreTask(ctx, task); err != nil {
		logger.Error().Err(err).Msg("failed to restore task for retry")
		return errors.Join(cause, err)
	}
	if e.armer != nil {
		if err := e.armer.Arm(task); err != nil {
			logger.Warn().Err(err).Msg("failed to re-arm timer, sweep will pick the task up")
		}
	}

	logger.Warn().Err(cause).Dur("delay", delay).Msg("row source unavailable, task rescheduled")

	payload := events.NewTaskPayload(task)
	payload.Error = cause.Error()
	e.publish(events.EventTaskRequeued, payload, logger)
	return cause
}

func (e *Executor) publish(eventType string, payload events.TaskEventPayload, logger *zerolog.Logger) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishJSON(eventType, payload); err != nil {
		logger.Warn().Err(err).Str("event", eventType).Msg("event handler failed")
	}
}
