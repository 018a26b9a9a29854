package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sheetmailer/internal/domain"
	"sheetmailer/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, history int) *RedisStore {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisStore(client, history, nil)
	t.Cleanup(func() { store.Close() })
	return store
}

func stores(t *testing.T, history int) map[string]domain.Store {
	return map[string]domain.Store{
		"memory": NewMemoryStore(history),
		"redis":  newRedisStore(t, history),
	}
}

func sampleTask(id string, trigger time.Time) *models.ScheduledTask {
	return &models.ScheduledTask{
		ID:        id,
		Source:    models.SourceRef{SpreadsheetID: "sid", SheetName: "List"},
		Sender:    &models.SenderCredential{Account: "s@example.com", Secret: "pw"},
		Template:  models.Template{Subject: "Hello " + id, Body: "body"},
		Window:    models.Window{Lower: 1, Upper: 5},
		Mode:      models.ModeAggregated,
		TriggerAt: trigger.UTC(),
		CreatedAt: trigger.UTC(),
	}
}

func TestStore_Tasks(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	for name, store := range stores(t, 10) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.CreateTask(ctx, sampleTask("b", base.Add(2*time.Minute))))
			require.NoError(t, store.CreateTask(ctx, sampleTask("a", base.Add(time.Minute))))
			assert.Error(t, store.CreateTask(ctx, sampleTask("a", base)))

			got, err := store.GetTask(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "Hello a", got.Template.Subject)
			assert.Equal(t, models.ModeAggregated, got.Mode)

			list, err := store.ListTasks(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "a", list[0].ID)

			due, err := store.DueTasks(ctx, base.Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, "a", due[0].ID)

			taken, err := store.TakeTask(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "a", taken.ID)

			_, err = store.TakeTask(ctx, "a")
			assert.ErrorIs(t, err, models.ErrTaskNotFound)

			due, err = store.DueTasks(ctx, base.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, "b", due[0].ID)

			taken.Attempts = 2
			require.NoError(t, store.RestoreTask(ctx, taken))
			got, err = store.GetTask(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, 2, got.Attempts)

			_, err = store.TakeTask(ctx, "b")
			require.NoError(t, err)
			_, err = store.GetTask(ctx, "b")
			assert.ErrorIs(t, err, models.ErrTaskNotFound)

			assert.NoError(t, store.Ping(ctx))
		})
	}
}

func TestStore_TakeTaskConcurrent(t *testing.T) {
	for name, store := range stores(t, 10) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const tasks = 20
			for i := 0; i < tasks; i++ {
				require.NoError(t, store.CreateTask(ctx, sampleTask(fmt.Sprintf("t%d", i), time.Now())))
			}

			var won atomic.Int32
			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < tasks; i++ {
						_, err := store.TakeTask(ctx, fmt.Sprintf("t%d", i))
						switch {
						case err == nil:
							won.Add(1)
						case !errors.Is(err, models.ErrTaskNotFound):
							t.Errorf("unexpected error: %v", err)
						}
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(tasks), won.Load())
		})
	}
}

func TestStore_Reports(t *testing.T) {
	for name, store := range stores(t, 3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, store.SaveReport(ctx, &models.DispatchReport{
					TaskID: fmt.Sprintf("t%d", i),
					Sent:   i,
				}))
			}

			reports, err := store.ListReports(ctx, 10)
			require.NoError(t, err)
			require.Len(t, reports, 3)
			assert.Equal(t, "t4", reports[0].TaskID)
			assert.Equal(t, "t2", reports[2].TaskID)

			reports, err = store.ListReports(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, reports, 2)
		})
	}
}

func TestRedisStore_PingFailsWhenServerDown(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)

	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: s.Addr()}), 0, nil)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	s.Close()
	assert.Error(t, store.Ping(context.Background()))
}

func TestRedisStore_TakeTaskSurvivesIndexFailure(t *testing.T) {
	s := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: s.Addr()}), 0, nil)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, sampleTask("a", time.Now())))

	// ZREM по строковому ключу вернёт WRONGTYPE
	s.Del(dueKey)
	require.NoError(t, s.Set(dueKey, "broken"))

	taken, err := store.TakeTask(ctx, "a")
	require.NoError(t, err, "payload is already gone, the task must still be returned")
	assert.Equal(t, "a", taken.ID)

	_, err = store.TakeTask(ctx, "a")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}
