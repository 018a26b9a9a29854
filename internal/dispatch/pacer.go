package dispatch

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer is called between two consecutive sends of a dispatch.
type Pacer interface {
	Wait(ctx context.Context) error
}

// FixedDelay sleeps for a constant duration.
type FixedDelay time.Duration

func (d FixedDelay) Wait(ctx context.Context) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(d))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LimiterPacer shares one send budget across every running dispatch.
type LimiterPacer struct {
	limiter *rate.Limiter
}

func NewLimiterPacer(perMinute int) *LimiterPacer {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &LimiterPacer{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)}
}

func (p *LimiterPacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
