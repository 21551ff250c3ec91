package booking

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

// AutoCompleter stands in for real trip tracking: it completes bookings that
// have been ASSIGNED for longer than After. It goes through Complete, so a
// driver completing the same booking concurrently is harmless.
type AutoCompleter struct {
	Service  *Service
	After    time.Duration
	Interval time.Duration
	Logger   *slog.Logger
}

// Tick completes every due booking and returns how many it completed.
func (a *AutoCompleter) Tick(ctx context.Context) (int, error) {
	cutoff := a.Service.now().Add(-a.After)
	due, err := a.Service.Bookings.List(ctx, storage.BookingFilter{
		Status:        models.BookingAssigned,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}
	done := 0
	for _, b := range due {
		if _, err := a.Service.Complete(ctx, b.ID, ""); err != nil {
			if !IsConflict(err) {
				a.logger().WarnContext(ctx, "auto-complete", slog.String("booking_id", b.ID), slog.Any("error", err))
			}
			continue
		}
		done++
	}
	return done, nil
}

func (a *AutoCompleter) Run(ctx context.Context) {
	interval := a.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Tick(ctx); err != nil {
				a.logger().ErrorContext(ctx, "auto-complete tick failed", slog.Any("error", err))
			}
		}
	}
}

func (a *AutoCompleter) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return a.Service.logger()
}
