package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sheetmailer/internal/config"
	"sheetmailer/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	taskKeyPrefix = "sheetmailer:task:"
	dueKey        = "sheetmailer:tasks:due"
	reportsKey    = "sheetmailer:reports"
)

// RedisStore keeps each task as a JSON string plus a sorted set of ids
// scored by trigger time. Reports are a capped list, newest first.
type RedisStore struct {
	client         *redis.Client
	reportsHistory int64
	logger         *zerolog.Logger
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisStore(client *redis.Client, reportsHistory int, logger *zerolog.Logger) *RedisStore {
	if reportsHistory <= 0 {
		reportsHistory = models.DefaultReportsHistory
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RedisStore{client: client, reportsHistory: int64(reportsHistory), logger: logger}
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

func (r *RedisStore) CreateTask(ctx context.Context, task *models.ScheduledTask) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	ok, err := r.client.SetNX(ctx, taskKey(task.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create task in redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	score := float64(task.TriggerAt.UnixMilli())
	if err := r.client.ZAdd(ctx, dueKey, redis.Z{Score: score, Member: task.ID}).Err(); err != nil {
		return fmt.Errorf("failed to index task: %w", err)
	}
	return nil
}

func (r *RedisStore) RestoreTask(ctx context.Context, task *models.ScheduledTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, taskKey(task.ID), data, 0)
		pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(task.TriggerAt.UnixMilli()), Member: task.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to restore task: %w", err)
	}
	return nil
}

func (r *RedisStore) GetTask(ctx context.Context, id string) (*models.ScheduledTask, error) {
	val, err := r.client.Get(ctx, taskKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task from redis: %w", err)
	}
	return decodeTask(val)
}

func (r *RedisStore) ListTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	ids, err := r.client.ZRange(ctx, dueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return r.loadTasks(ctx, ids)
}

func (r *RedisStore) DueTasks(ctx context.Context, asOf time.Time) ([]*models.ScheduledTask, error) {
	ids, err := r.client.ZRangeByScore(ctx, dueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(asOf.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	return r.loadTasks(ctx, ids)
}

// TakeTask relies on GETDEL: only one client observes the payload.
func (r *RedisStore) TakeTask(ctx context.Context, id string) (*models.ScheduledTask, error) {
	val, err := r.client.GetDel(ctx, taskKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take task: %w", err)
	}
	// Задача уже удалена GETDEL: осиротевший индекс пропускается при чтении.
	if err := r.client.ZRem(ctx, dueKey, id).Err(); err != nil {
		r.logger.Warn().Err(err).Str("task_id", id).Msg("failed to unindex taken task")
	}
	return decodeTask(val)
}

func (r *RedisStore) SaveReport(ctx context.Context, report *models.DispatchReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, reportsKey, data)
		pipe.LTrim(ctx, reportsKey, 0, r.reportsHistory-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func (r *RedisStore) ListReports(ctx context.Context, limit int) ([]*models.DispatchReport, error) {
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	vals, err := r.client.LRange(ctx, reportsKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	reports := make([]*models.DispatchReport, 0, len(vals))
	for _, v := range vals {
		var report models.DispatchReport
		if err := json.Unmarshal([]byte(v), &report); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report: %w", err)
		}
		reports = append(reports, &report)
	}
	return reports, nil
}

// Ping проверяет соединение с Redis
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func (r *RedisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisStore) loadTasks(ctx context.Context, ids []string) ([]*models.ScheduledTask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	tasks := make([]*models.ScheduledTask, 0, len(vals))
	for _, v := range vals {
		// задача могла быть забрана между ZRANGE и MGET
		s, ok := v.(string)
		if !ok {
			continue
		}
		task, err := decodeTask(s)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func decodeTask(s string) (*models.ScheduledTask, error) {
	var task models.ScheduledTask
	if err := json.Unmarshal([]byte(s), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}
