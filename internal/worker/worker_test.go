package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sheetmailer/internal/events"
	"sheetmailer/internal/models"
	"sheetmailer/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []string
	err     error
	sent    int
	delay   time.Duration
	running atomic.Int32
	peak    atomic.Int32
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, task *models.ScheduledTask) (*models.DispatchReport, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls = append(f.calls, task.ID)
	f.mu.Unlock()

	report := &models.DispatchReport{TaskID: task.ID, Subject: task.Template.Subject, Sent: f.sent, Failed: []models.RowFailure{}}
	if f.err != nil {
		report.Error = f.err.Error()
	}
	return report, f.err
}

func (f *fakeDispatcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) record(e *events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, e.Type)
	return nil
}

func (l *eventLog) Types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.types...)
}

func newBus(log *eventLog) *events.EventBus {
	bus := events.NewEventBus()
	bus.Subscribe(log.record,
		events.EventTaskDispatched, events.EventTaskFailed, events.EventTaskRequeued)
	return bus
}

type recordingArmer struct {
	mu    sync.Mutex
	armed []*models.ScheduledTask
}

func (a *recordingArmer) Arm(task *models.ScheduledTask) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = append(a.armed, task)
	return nil
}

func (a *recordingArmer) Disarm(string) {}

func newTask(id string, trigger time.Time) *models.ScheduledTask {
	return &models.ScheduledTask{
		ID:        id,
		Source:    models.SourceRef{SpreadsheetID: "sid", SheetName: "List"},
		Template:  models.Template{Subject: "s-" + id, Body: "b"},
		Window:    models.Window{Lower: 1, Upper: 10},
		Mode:      models.ModePerRecipient,
		TriggerAt: trigger,
		CronExpr:  models.CronExpr(trigger),
		CreatedAt: trigger,
	}
}

func TestExecutor_Success(t *testing.T) {
	store := repository.NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, newTask("t1", time.Now())))

	log := &eventLog{}
	d := &fakeDispatcher{sent: 3}
	exec := NewExecutor(store, d, WithEvents(newBus(log)))

	report, err := exec.Execute(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, []string{"t1"}, d.Calls())
	assert.Equal(t, []string{events.EventTaskDispatched}, log.Types())

	reports, err := store.ListReports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "t1", reports[0].TaskID)

	_, err = exec.Execute(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
	assert.Len(t, d.Calls(), 1)
}

func TestExecutor_SourceAccessRetry(t *testing.T) {
	store := repository.NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, newTask("t1", time.Now())))

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	log := &eventLog{}
	armer := &recordingArmer{}
	d := &fakeDispatcher{err: fmt.Errorf("fetch: %w", models.ErrSourceAccess)}
	exec := NewExecutor(store, d,
		WithEvents(newBus(log)),
		WithRetryPolicy(RetryPolicy{MaxRetries: 2, InitialDelay: time.Minute, BackoffFactor: 2}),
		WithExecutorClock(func() time.Time { return now }),
	)
	exec.SetArmer(armer)

	_, err := exec.Execute(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrSourceAccess)

	restored, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Attempts)
	assert.True(t, restored.TriggerAt.Equal(now.Add(time.Minute)))
	assert.Equal(t, models.CronExpr(now.Add(time.Minute)), restored.CronExpr)
	require.Len(t, armer.armed, 1)

	_, err = exec.Execute(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrSourceAccess)
	restored, err = store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Attempts)
	assert.True(t, restored.TriggerAt.Equal(now.Add(2*time.Minute)))

	// retries exhausted
	_, err = exec.Execute(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrSourceAccess)
	_, err = store.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)

	reports, err := store.ListReports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "error", reports[0].Outcome())

	assert.Equal(t, []string{events.EventTaskRequeued, events.EventTaskRequeued, events.EventTaskFailed}, log.Types())
}

func TestExecutor_NonRetryableFailure(t *testing.T) {
	store := repository.NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, newTask("t1", time.Now())))

	log := &eventLog{}
	d := &fakeDispatcher{err: errors.New("template broken")}
	exec := NewExecutor(store, d,
		WithEvents(newBus(log)),
		WithRetryPolicy(RetryPolicy{MaxRetries: 5}),
	)

	report, err := exec.Execute(ctx, "t1")
	require.Error(t, err)
	assert.Equal(t, "template broken", report.Error)

	_, err = store.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
	assert.Equal(t, []string{events.EventTaskFailed}, log.Types())
}

func TestExecutor_PartialSendIsNotRetried(t *testing.T) {
	store := repository.NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, newTask("t1", time.Now())))

	d := &fakeDispatcher{sent: 1, err: models.ErrSourceAccess}
	exec := NewExecutor(store, d, WithRetryPolicy(RetryPolicy{MaxRetries: 5}))

	_, err := exec.Execute(ctx, "t1")
	require.Error(t, err)

	_, err = store.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestSweeper_SweepOnce(t *testing.T) {
	store := repository.NewMemoryStore(0)
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, store.CreateTask(ctx, newTask(fmt.Sprintf("due%d", i), now.Add(-time.Minute))))
	}
	require.NoError(t, store.CreateTask(ctx, newTask("future", now.Add(time.Hour))))

	d := &fakeDispatcher{delay: 20 * time.Millisecond}
	exec := NewExecutor(store, d)
	sweeper := NewSweeper(store, exec, time.Minute, 2, nil)

	reports, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, reports, 6)
	assert.Len(t, d.Calls(), 6)
	assert.LessOrEqual(t, d.peak.Load(), int32(2))

	remaining, err := store.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "future", remaining[0].ID)

	reports, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestSweeper_ConcurrentSweepsDispatchOnce(t *testing.T) {
	store := repository.NewMemoryStore(0)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, store.CreateTask(ctx, newTask(fmt.Sprintf("t%d", i), time.Now().Add(-time.Second))))
	}

	d := &fakeDispatcher{delay: 5 * time.Millisecond}
	exec := NewExecutor(store, d)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = NewSweeper(store, exec, time.Minute, 4, nil).SweepOnce(ctx)
		}()
	}
	wg.Wait()

	seen := map[string]int{}
	for _, id := range d.Calls() {
		seen[id]++
	}
	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestSweeper_StartStopsOnCancel(t *testing.T) {
	store := repository.NewMemoryStore(0)
	require.NoError(t, store.CreateTask(context.Background(), newTask("t1", time.Now().Add(-time.Second))))
	d := &fakeDispatcher{}
	sweeper := NewSweeper(store, NewExecutor(store, d), 10*time.Millisecond, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(d.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, p.NextDelay(0))
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 4*time.Second, p.NextDelay(3))
	assert.Equal(t, 5*time.Second, p.NextDelay(4))

	assert.False(t, p.Allows(0))
	assert.True(t, p.Allows(1))
	assert.True(t, p.Allows(3))
	assert.False(t, p.Allows(4))

	assert.Equal(t, time.Second, RetryPolicy{}.NextDelay(1))
	assert.False(t, RetryPolicy{}.Allows(1))
}
