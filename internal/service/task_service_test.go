package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"sheetmailer/internal/events"
	"sheetmailer/internal/models"
	"sheetmailer/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, id string) (*models.DispatchReport, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DispatchReport), args.Error(1)
}

type mockSweeper struct {
	mock.Mock
}

func (m *mockSweeper) SweepOnce(ctx context.Context) ([]*models.DispatchReport, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.DispatchReport), args.Error(1)
}

type mockArmer struct {
	mock.Mock
}

func (m *mockArmer) Arm(task *models.ScheduledTask) error {
	return m.Called(task).Error(0)
}

func (m *mockArmer) Disarm(id string) {
	m.Called(id)
}

type publishedEvents struct {
	mu    sync.Mutex
	types []string
}

func (p *publishedEvents) PublishJSON(eventType string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	return nil
}

var fixedNow = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func validRequest() *ScheduleRequest {
	return &ScheduleRequest{
		Source:    models.SourceRef{SpreadsheetID: "sid", SheetName: "List"},
		Template:  models.Template{Subject: "Hello", Body: "<p>Hi</p>"},
		Sender:    &models.SenderCredential{Account: "s1@example.com", Secret: "pw"},
		Window:    models.Window{Lower: 1, Upper: 3},
		TriggerAt: fixedNow.Add(time.Hour),
	}
}

func newTaskService(t *testing.T, opts ...TaskOption) (*TaskService, *repository.MemoryStore, *publishedEvents) {
	t.Helper()
	store := repository.NewMemoryStore(0)
	pub := &publishedEvents{}
	ids := 0
	base := []TaskOption{
		WithClock(func() time.Time { return fixedNow }),
		WithEventBus(pub),
		WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("task-%d", ids)
		}),
	}
	svc := NewTaskService(store, &mockExecutor{}, &mockSweeper{}, nil, append(base, opts...)...)
	return svc, store, pub
}

func TestSchedule_Success(t *testing.T) {
	armer := new(mockArmer)
	armer.On("Arm", mock.AnythingOfType("*models.ScheduledTask")).Return(nil).Once()

	svc, store, pub := newTaskService(t, WithArmer(armer))
	ctx := context.Background()

	task, err := svc.Schedule(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, models.ModePerRecipient, task.Mode)
	assert.Equal(t, models.CronExpr(fixedNow.Add(time.Hour)), task.CronExpr)
	assert.Equal(t, fixedNow, task.CreatedAt)

	stored, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "s1@example.com", stored.Sender.Account)

	armer.AssertExpectations(t)
	assert.Equal(t, []string{events.EventTaskScheduled}, pub.types)
}

func TestSchedule_TriggerBoundary(t *testing.T) {
	svc, _, _ := newTaskService(t)
	ctx := context.Background()

	req := validRequest()
	req.TriggerAt = fixedNow
	_, err := svc.Schedule(ctx, req)
	assert.NoError(t, err, "exactly now is accepted")

	req = validRequest()
	req.TriggerAt = fixedNow.Add(-time.Second)
	_, err = svc.Schedule(ctx, req)
	assert.ErrorIs(t, err, models.ErrValidation)

	req = validRequest()
	req.TriggerAt = time.Time{}
	_, err = svc.Schedule(ctx, req)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSchedule_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *ScheduleRequest)
		want   error
	}{
		{"missing spreadsheet", func(r *ScheduleRequest) { r.Source.SpreadsheetID = "" }, models.ErrValidation},
		{"missing sheet", func(r *ScheduleRequest) { r.Source.SheetName = "" }, models.ErrValidation},
		{"missing subject", func(r *ScheduleRequest) { r.Template.Subject = "" }, models.ErrValidation},
		{"missing body", func(r *ScheduleRequest) { r.Template.Body = "" }, models.ErrValidation},
		{"bad format", func(r *ScheduleRequest) { r.Template.Format = "rtf" }, models.ErrValidation},
		{"bad mode", func(r *ScheduleRequest) { r.Mode = "broadcast" }, models.ErrValidation},
		{"placeholder in aggregated mode", func(r *ScheduleRequest) {
			r.Mode = models.ModeAggregated
			r.Template.Placeholder = "{{name}}"
		}, models.ErrValidation},
		{"inverted window", func(r *ScheduleRequest) { r.Window = models.Window{Lower: 5, Upper: 2} }, models.ErrValidation},
		{"sender without secret", func(r *ScheduleRequest) { r.Sender.Secret = "" }, models.ErrValidation},
		{"attachment without name", func(r *ScheduleRequest) {
			r.Attachments = []models.Attachment{{Content: []byte("x")}}
		}, models.ErrValidation},
		{"sender and bindings", func(r *ScheduleRequest) {
			r.Bindings = []models.RangeBinding{{Lower: 1, Upper: 2, Sender: *r.Sender}}
		}, models.ErrValidation},
		{"overlapping bindings", func(r *ScheduleRequest) {
			s := *r.Sender
			r.Sender = nil
			r.Bindings = []models.RangeBinding{{Lower: 1, Upper: 5, Sender: s}, {Lower: 5, Upper: 9, Sender: s}}
		}, models.ErrRangeOverlap},
		{"no registry", func(r *ScheduleRequest) { r.Sender = nil }, models.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTaskService(t)
			req := validRequest()
			tt.mutate(req)

			_, err := svc.Schedule(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)

			tasks, err := store.ListTasks(context.Background())
			require.NoError(t, err)
			assert.Empty(t, tasks)
		})
	}
}

func TestSchedule_RegistryBacked(t *testing.T) {
	registry := repository.NewMemoryStore(0)
	svc, _, _ := newTaskService(t, WithRegistry(registry))
	ctx := context.Background()

	req := validRequest()
	req.Sender = nil
	_, err := svc.Schedule(ctx, req)
	assert.ErrorIs(t, err, models.ErrValidation, "no sender registered for the sheet")

	require.NoError(t, registry.CreateSender(ctx, &models.SenderAccount{
		ID:         "a",
		Credential: models.SenderCredential{Account: "a@example.com", Secret: "pw"},
		Source:     req.Source,
		Lower:      1,
		Upper:      10,
	}))

	task, err := svc.Schedule(ctx, req)
	require.NoError(t, err)
	assert.True(t, task.UsesRegistry())
}

func TestListAndCancel(t *testing.T) {
	armer := new(mockArmer)
	armer.On("Arm", mock.Anything).Return(nil)
	armer.On("Disarm", "task-1").Once()

	svc, _, pub := newTaskService(t, WithArmer(armer))
	ctx := context.Background()

	later := validRequest()
	later.TriggerAt = fixedNow.Add(2 * time.Hour)
	later.Template.Subject = "Later"
	_, err := svc.Schedule(ctx, later)
	require.NoError(t, err)

	sooner := validRequest()
	sooner.Template.Subject = "Sooner"
	_, err = svc.Schedule(ctx, sooner)
	require.NoError(t, err)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Sooner", list[0].Subject)
	assert.Equal(t, 1, list[0].Index)
	assert.Equal(t, "task-1", list[1].ID)
	assert.Equal(t, 2, list[1].Index)
	assert.Equal(t, "s1@example.com", list[1].Sender)

	require.NoError(t, svc.Cancel(ctx, "task-1"))
	assert.ErrorIs(t, svc.Cancel(ctx, "task-1"), models.ErrTaskNotFound)

	_, err = svc.Get(ctx, "task-1")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)

	armer.AssertExpectations(t)
	assert.Equal(t, events.EventTaskCancelled, pub.types[len(pub.types)-1])
}

func TestSendNow(t *testing.T) {
	store := repository.NewMemoryStore(0)
	exec := new(mockExecutor)
	done := make(chan struct{})
	exec.On("Execute", mock.Anything, "task-1").
		Run(func(mock.Arguments) { close(done) }).
		Return(&models.DispatchReport{TaskID: "task-1"}, nil).Once()

	svc := NewTaskService(store, exec, &mockSweeper{}, nil,
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { return "task-1" }),
	)

	req := validRequest()
	req.TriggerAt = time.Time{}
	id, err := svc.SendNow(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("executor was not called")
	}
	svc.Wait()
	exec.AssertExpectations(t)

	stored, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err, "mock executor does not take the task")
	assert.True(t, stored.TriggerAt.Equal(fixedNow))
}

func TestSendNow_InvalidRequest(t *testing.T) {
	svc, _, _ := newTaskService(t)
	req := validRequest()
	req.Template.Subject = ""

	_, err := svc.SendNow(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSweepAndReports(t *testing.T) {
	store := repository.NewMemoryStore(0)
	sweeper := new(mockSweeper)
	sweeper.On("SweepOnce", mock.Anything).
		Return([]*models.DispatchReport{{TaskID: "a"}}, nil).Once()

	svc := NewTaskService(store, &mockExecutor{}, sweeper, nil)
	ctx := context.Background()

	reports, err := svc.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	sweeper.AssertExpectations(t)

	require.NoError(t, store.SaveReport(ctx, &models.DispatchReport{TaskID: "x"}))
	stored, err := svc.Reports(ctx, 5)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "x", stored[0].TaskID)
}

func TestBuildTask_CopiesAttachments(t *testing.T) {
	svc, _, _ := newTaskService(t)
	req := validRequest()
	req.Attachments = []models.Attachment{{Filename: "a.txt", Content: []byte("abc")}}

	task, err := svc.Schedule(context.Background(), req)
	require.NoError(t, err)

	req.Attachments[0].Content[0] = 'z'
	assert.Equal(t, "abc", string(task.Attachments[0].Content))
}
