package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sheetmailer/internal/domain"
	"sheetmailer/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// TimerScheduler arms one cron entry per task. Entries are one-shot: the
// entry is removed when it fires, and a task that is already gone is a no-op.
type TimerScheduler struct {
	cron    *cron.Cron
	store   domain.TaskStore
	exec    *Executor
	logger  *zerolog.Logger
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	wg      sync.WaitGroup
}

func NewTimerScheduler(store domain.TaskStore, exec *Executor, logger *zerolog.Logger) *TimerScheduler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &TimerScheduler{
		cron:    cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC)),
		store:   store,
		exec:    exec,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}
}

// Start arms every stored task and runs the cron loop until ctx is done.
func (s *TimerScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	n, err := s.LoadPending(ctx)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Int("armed", n).Msg("timer scheduler started")

	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.wg.Wait()
		s.logger.Info().Msg("timer scheduler stopped")
	}()
	return nil
}

// LoadPending arms a timer for every stored task. Overdue tasks fire at once.
func (s *TimerScheduler) LoadPending(ctx context.Context) (int, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending tasks: %w", err)
	}
	for _, task := range tasks {
		if err := s.Arm(task); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to arm task")
		}
	}
	return len(tasks), nil
}

// onceAt fires exactly once at a fixed instant. Cron specs carry no year,
// so the parsed expression is only validated and the entry runs on this.
type onceAt struct {
	at time.Time
}

// Next returns the zero time once the instant has passed, which cron treats
// as never.
func (o onceAt) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// Arm replaces any timer for the task with one firing at its trigger time.
func (s *TimerScheduler) Arm(task *models.ScheduledTask) error {
	expr := task.CronExpr
	if expr == "" {
		expr = models.CronExpr(task.TriggerAt)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", expr, err)
	}

	s.Disarm(task.ID)
	s.armAt(task.ID, task.TriggerAt.UTC())

	s.logger.Debug().Str("task_id", task.ID).Str("cron", expr).Time("trigger_at", task.TriggerAt).Msg("task armed")
	return nil
}

func (s *TimerScheduler) armAt(id string, at time.Time) {
	if !s.now().Before(at) {
		s.fireAsync(id, at)
		return
	}

	entryID := s.cron.Schedule(onceAt{at: at}, cron.FuncJob(func() { s.fire(id, at) }))

	s.mu.Lock()
	s.entries[id] = entryID
	s.mu.Unlock()
}

func (s *TimerScheduler) Disarm(taskID string) {
	s.mu.Lock()
	entryID, ok := s.entries[taskID]
	delete(s.entries, taskID)
	s.mu.Unlock()

	if ok {
		s.cron.Remove(entryID)
	}
}

// Armed reports how many timers are waiting.
func (s *TimerScheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *TimerScheduler) fireAsync(taskID string, at time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fire(taskID, at)
	}()
}

func (s *TimerScheduler) fire(taskID string, at time.Time) {
	s.Disarm(taskID)

	// раньше срока не отправляем
	if s.now().Before(at) {
		s.logger.Warn().Str("task_id", taskID).Time("trigger_at", at).Msg("timer fired early, re-arming")
		s.armAt(taskID, at)
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if _, err := s.exec.Execute(ctx, taskID); err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			s.logger.Debug().Str("task_id", taskID).Msg("timer fired for a task that is gone")
			return
		}
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("timer execution failed")
	}
}
