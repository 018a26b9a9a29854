package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sheetmailer/internal/models"
	"sheetmailer/internal/ranges"
)

// MemoryStore is a process-local Store and SenderRegistry guarded by one mutex.
type MemoryStore struct {
	mu             sync.Mutex
	tasks          map[string]models.ScheduledTask
	senders        map[string]models.SenderAccount
	reports        []models.DispatchReport
	reportsHistory int
	now            func() time.Time
}

func NewMemoryStore(reportsHistory int) *MemoryStore {
	if reportsHistory <= 0 {
		reportsHistory = models.DefaultReportsHistory
	}
	return &MemoryStore{
		tasks:          make(map[string]models.ScheduledTask),
		senders:        make(map[string]models.SenderAccount),
		reportsHistory: reportsHistory,
		now:            time.Now,
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, task *models.ScheduledTask) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	m.tasks[task.ID] = *task.Clone()
	return nil
}

func (m *MemoryStore) RestoreTask(_ context.Context, task *models.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = *task.Clone()
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*models.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (m *MemoryStore) ListTasks(_ context.Context) ([]*models.ScheduledTask, error) {
	return m.collectTasks(func(*models.ScheduledTask) bool { return true }), nil
}

func (m *MemoryStore) DueTasks(_ context.Context, asOf time.Time) ([]*models.ScheduledTask, error) {
	return m.collectTasks(func(t *models.ScheduledTask) bool { return !t.TriggerAt.After(asOf) }), nil
}

func (m *MemoryStore) TakeTask(_ context.Context, id string) (*models.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	delete(m.tasks, id)
	return &task, nil
}

func (m *MemoryStore) SaveReport(_ context.Context, report *models.DispatchReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reports = append(m.reports, *report)
	if over := len(m.reports) - m.reportsHistory; over > 0 {
		m.reports = append([]models.DispatchReport(nil), m.reports[over:]...)
	}
	return nil
}

func (m *MemoryStore) ListReports(_ context.Context, limit int) ([]*models.DispatchReport, error) {
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.DispatchReport, 0, limit)
	for i := len(m.reports) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.reports[i]
		out = append(out, &r)
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) CreateSender(_ context.Context, acc *models.SenderAccount) error {
	if acc.ID == "" {
		return errors.New("sender id is required")
	}
	if err := acc.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.senders[acc.ID]; ok {
		return fmt.Errorf("sender %s already exists", acc.ID)
	}
	if err := m.checkOverlap(acc); err != nil {
		return err
	}
	now := m.now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now
	m.senders[acc.ID] = *acc
	return nil
}

func (m *MemoryStore) UpdateSender(_ context.Context, acc *models.SenderAccount) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.senders[acc.ID]
	if !ok {
		return models.ErrSenderNotFound
	}
	if err := m.checkOverlap(acc); err != nil {
		return err
	}
	acc.CreatedAt = prev.CreatedAt
	acc.UpdatedAt = m.now().UTC()
	m.senders[acc.ID] = *acc
	return nil
}

func (m *MemoryStore) GetSender(_ context.Context, id string) (*models.SenderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.senders[id]
	if !ok {
		return nil, models.ErrSenderNotFound
	}
	return &acc, nil
}

func (m *MemoryStore) ListSenders(_ context.Context, owner string) ([]*models.SenderAccount, error) {
	return m.collectSenders(func(a *models.SenderAccount) bool {
		return owner == "" || a.Owner == owner
	}), nil
}

func (m *MemoryStore) SendersForSource(_ context.Context, ref models.SourceRef) ([]*models.SenderAccount, error) {
	return m.collectSenders(func(a *models.SenderAccount) bool { return a.Source == ref }), nil
}

func (m *MemoryStore) DeleteSender(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.senders[id]; !ok {
		return models.ErrSenderNotFound
	}
	delete(m.senders, id)
	return nil
}

// checkOverlap must be called with mu held.
func (m *MemoryStore) checkOverlap(acc *models.SenderAccount) error {
	for id := range m.senders {
		other := m.senders[id]
		if id == acc.ID || other.Source != acc.Source {
			continue
		}
		if ranges.Overlaps(acc.Lower, acc.Upper, other.Lower, other.Upper) {
			return fmt.Errorf("%w: [%d,%d] intersects sender %s [%d,%d]",
				models.ErrRangeOverlap, acc.Lower, acc.Upper, id, other.Lower, other.Upper)
		}
	}
	return nil
}

func (m *MemoryStore) collectTasks(keep func(*models.ScheduledTask) bool) []*models.ScheduledTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ScheduledTask
	for id := range m.tasks {
		task := m.tasks[id]
		if keep(&task) {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggerAt.Equal(out[j].TriggerAt) {
			return out[i].TriggerAt.Before(out[j].TriggerAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) collectSenders(keep func(*models.SenderAccount) bool) []*models.SenderAccount {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.SenderAccount
	for id := range m.senders {
		acc := m.senders[id]
		if keep(&acc) {
			out = append(out, &acc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Source != b.Source {
			return a.Source.String() < b.Source.String()
		}
		return a.Lower < b.Lower
	})
	return out
}
