package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sheetmailer/internal/domain"
	"sheetmailer/internal/metrics"
	"sheetmailer/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Sweeper periodically executes every task whose trigger time has passed.
type Sweeper struct {
	store       domain.TaskStore
	exec        *Executor
	interval    time.Duration
	maxParallel int
	logger      *zerolog.Logger
	now         func() time.Time
}

func NewSweeper(store domain.TaskStore, exec *Executor, interval time.Duration, maxParallel int, logger *zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Sweeper{
		store:       store,
		exec:        exec,
		interval:    interval,
		maxParallel: maxParallel,
		logger:      logger,
		now:         time.Now,
	}
}

// Start sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Int("max_parallel", s.maxParallel).Msg("sweeper started")
	defer s.logger.Info().Msg("sweeper stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce executes the tasks due now and returns the reports of those it
// ran. Task failures are logged and reported, not returned.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]*models.DispatchReport, error) {
	started := time.Now()
	defer func() { metrics.ObserveSweep(time.Since(started)) }()

	due, err := s.store.DueTasks(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	if len(due) == 0 {
		return nil, nil
	}

	var g errgroup.Group
	g.SetLimit(s.maxParallel)

	results := make([]*models.DispatchReport, len(due))
	for i, task := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			report, err := s.exec.Execute(ctx, task.ID)
			if errors.Is(err, models.ErrTaskNotFound) {
				s.logger.Debug().Str("task_id", task.ID).Msg("task already taken")
				return nil
			}
			results[i] = report
			return nil
		})
	}
	_ = g.Wait()

	reports := make([]*models.DispatchReport, 0, len(results))
	for _, r := range results {
		if r != nil {
			reports = append(reports, r)
		}
	}
	s.logger.Info().Int("due", len(due)).Int("executed", len(reports)).Msg("sweep finished")
	return reports, ctx.Err()
}
