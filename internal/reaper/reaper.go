// Package reaper releases drivers that were claimed for a booking but never
// confirmed it, and hands the booking back to assignment.
package reaper

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/storage"
)

type Assigner interface {
	Assign(ctx context.Context, bookingID string, pickup models.Coord, class models.VehicleClass, exclude ...string) (*models.Driver, error)
}

const revertSuffix = " did not confirm, returned to pending"

func revertEvent(driverID string) string {
	return "Driver " + driverID + revertSuffix
}

// reapedDrivers lists every driver whose claim on b was reaped, read back
// from the booking's event log.
func reapedDrivers(b *models.Booking) []string {
	var ids []string
	for _, ev := range b.Events {
		rest, ok := strings.CutSuffix(ev.Text, revertSuffix)
		if !ok {
			continue
		}
		if id, ok := strings.CutPrefix(rest, "Driver "); ok && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

type Reaper struct {
	Drivers  storage.DriverStore
	Bookings storage.BookingStore
	Assigner Assigner         // nil disables re-assignment
	Events   events.Publisher // optional
	Logger   *slog.Logger
	Timeout  time.Duration
	Interval time.Duration
	Now      func() time.Time
}

// Sweep releases every claim older than Timeout and returns how many drivers
// it released. A second sweep with no new claims releases nothing.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	claims, err := r.Drivers.ReleaseStale(ctx, now.Add(-r.Timeout))
	if err != nil {
		return 0, err
	}
	for _, c := range claims {
		observability.ClaimsReaped.Inc()
		r.logger().InfoContext(ctx, "released stale claim", slog.String("driver_id", c.DriverID), slog.String("booking_id", c.BookingID))
		if c.BookingID != "" {
			r.revert(ctx, c, now)
		}
	}
	return len(claims), nil
}

// revert puts the booking the driver was holding back to PENDING. The guard
// on driver id keeps it from touching a booking that has since moved on.
func (r *Reaper) revert(ctx context.Context, c models.Claim, now time.Time) {
	log := r.logger().With(slog.String("booking_id", c.BookingID), slog.String("driver_id", c.DriverID))
	driverID := c.DriverID
	ok, err := r.Bookings.Transition(ctx, c.BookingID, storage.Transition{
		From:           models.BookingAssigned,
		To:             models.BookingPending,
		ExpectDriverID: &driverID,
		ClearDriver:    true,
		Event:          revertEvent(driverID),
		At:             now,
	})
	if err != nil {
		log.ErrorContext(ctx, "revert booking", slog.Any("error", err))
		return
	}
	if !ok {
		return
	}

	b, err := r.Bookings.Get(ctx, c.BookingID)
	if err != nil {
		log.ErrorContext(ctx, "reload reverted booking", slog.Any("error", err))
		return
	}
	if r.Events != nil {
		if err := r.Events.Publish(ctx, events.New(events.BookingReverted, b, now)); err != nil {
			observability.EventPublishErrors.Inc()
			log.WarnContext(ctx, "publish event", slog.Any("error", err))
		}
	}
	if r.Assigner == nil {
		return
	}
	loc, ok := b.Pickup.Coord()
	if !ok {
		return
	}
	// a driver that let this booking lapse is not offered it again
	if _, err := r.Assigner.Assign(ctx, b.ID, loc, b.VehicleClass, reapedDrivers(b)...); err != nil {
		log.WarnContext(ctx, "re-assign after reap", slog.Any("error", err))
	}
}

// Run sweeps every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger().ErrorContext(ctx, "reaper sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				r.logger().InfoContext(ctx, "reaper sweep", slog.Int("released", n))
			}
		}
	}
}

func (r *Reaper) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
