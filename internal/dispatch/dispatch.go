// Package dispatch delivers assignment offers to drivers.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/ride-booking/internal/models"
)

// Dispatcher notifies a driver that a booking was assigned to them.
// Delivery is best effort: the booking is already ASSIGNED when Offer runs.
type Dispatcher interface {
	Offer(ctx context.Context, offer models.AssignmentOffer) error
}

// LogDispatcher only records the offer. Used when no push channel is set up.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d *LogDispatcher) Offer(ctx context.Context, offer models.AssignmentOffer) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "assignment offer",
		slog.String("booking_id", offer.BookingID),
		slog.String("driver_id", offer.DriverID),
		slog.Float64("eta_seconds", offer.ETASeconds),
	)
	return nil
}
