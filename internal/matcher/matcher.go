// Package matcher is the assignment engine: it claims the nearest available
// driver for a pending booking and records the outcome on the booking.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/storage"
)

const (
	DefaultTopN     = 10
	DefaultRadiusKm = 5.0
)

// Drivers is the slice of the driver directory the engine needs.
type Drivers interface {
	FindNearby(ctx context.Context, loc models.Coord, radiusKm float64, class models.VehicleClass, limit int) ([]*models.Driver, error)
	TryClaim(ctx context.Context, driverID, bookingID string) (bool, error)
	ReleaseFor(ctx context.Context, driverID, bookingID string) (bool, error)
}

type Service struct {
	Drivers  Drivers
	Bookings storage.BookingStore
	Dispatch dispatch.Dispatcher // optional
	Events   events.Publisher    // optional
	ETA      *eta.Estimator      // optional
	Logger   *slog.Logger
	TopN     int
	RadiusKm float64
	Now      func() time.Time
}

// Assign claims the first available driver among the nearest candidates and
// moves the booking to ASSIGNED. When nobody can be claimed the booking
// becomes UNASSIGNED and Assign returns a nil driver without error.
//
// A failing claim on one candidate is logged and skipped. A failure writing
// the booking is returned as a storage error.
//
// Drivers listed in exclude are never claimed for this booking.
func (s *Service) Assign(ctx context.Context, bookingID string, pickup models.Coord, class models.VehicleClass, exclude ...string) (*models.Driver, error) {
	start := time.Now()
	defer func() { observability.AssignLatency.Observe(time.Since(start).Seconds()) }()

	topN, radius := s.TopN, s.RadiusKm
	if topN <= 0 {
		topN = DefaultTopN
	}
	if radius <= 0 {
		radius = DefaultRadiusKm
	}
	log := s.logger().With(slog.String("booking_id", bookingID), slog.String("vehicle_class", string(class)))

	cands, err := s.Drivers.FindNearby(ctx, pickup, radius, class, topN+len(exclude))
	if err != nil {
		// the booking stays PENDING and remains visible to drivers
		log.ErrorContext(ctx, "candidate search failed", slog.Any("error", err))
		observability.Assignments.WithLabelValues("error").Inc()
		return nil, err
	}
	log.DebugContext(ctx, "assignment candidates", slog.Int("count", len(cands)))

	tried := 0
	for _, d := range cands {
		if slices.Contains(exclude, d.ID) {
			continue
		}
		if tried == topN {
			break
		}
		tried++
		ok, err := s.Drivers.TryClaim(ctx, d.ID, bookingID)
		if err != nil {
			log.WarnContext(ctx, "claim failed, trying next candidate", slog.String("driver_id", d.ID), slog.Any("error", err))
			continue
		}
		if !ok {
			observability.ClaimConflicts.Inc()
			log.DebugContext(ctx, "driver already claimed", slog.String("driver_id", d.ID))
			continue
		}
		return s.commit(ctx, log, bookingID, d, pickup)
	}

	return nil, s.markUnassigned(ctx, log, bookingID, tried)
}

func (s *Service) commit(ctx context.Context, log *slog.Logger, bookingID string, d *models.Driver, pickup models.Coord) (*models.Driver, error) {
	now := s.now()
	driverID := d.ID
	ok, err := s.Bookings.Transition(ctx, bookingID, storage.Transition{
		From:            models.BookingPending,
		To:              models.BookingAssigned,
		RequireNoDriver: true,
		SetDriverID:     &driverID,
		Event:           fmt.Sprintf("Driver %s assigned", driverID),
		At:              now,
	})
	if err != nil || !ok {
		s.releaseQuietly(ctx, log, driverID, bookingID)
		observability.Assignments.WithLabelValues("lost").Inc()
		if err != nil {
			return nil, err
		}
		return nil, models.InvalidStatef("booking %s is no longer pending", bookingID)
	}

	observability.Assignments.WithLabelValues("assigned").Inc()
	log.InfoContext(ctx, "driver assigned", slog.String("driver_id", driverID))

	d.Status = models.DriverClaimed
	d.ClaimedBookingID = &bookingID
	d.ClaimedAt = &now

	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		log.WarnContext(ctx, "reload assigned booking", slog.Any("error", err))
		return d, nil
	}
	s.publish(ctx, log, events.BookingAssigned, b, now)
	s.offer(ctx, log, b, d, pickup)
	return d, nil
}

func (s *Service) markUnassigned(ctx context.Context, log *slog.Logger, bookingID string, candidates int) error {
	now := s.now()
	ok, err := s.Bookings.Transition(ctx, bookingID, storage.Transition{
		From:  models.BookingPending,
		To:    models.BookingUnassigned,
		Event: fmt.Sprintf("No driver found (%d candidates tried)", candidates),
		At:    now,
	})
	if err != nil {
		return err
	}
	if !ok {
		// someone else moved the booking on (e.g. a driver accepted it) while
		// we were searching; nothing left to record
		log.InfoContext(ctx, "booking left pending state during assignment")
		return nil
	}
	observability.Assignments.WithLabelValues("unassigned").Inc()
	log.InfoContext(ctx, "no driver found")
	if b, err := s.Bookings.Get(ctx, bookingID); err == nil {
		s.publish(ctx, log, events.BookingUnassigned, b, now)
	}
	return nil
}

func (s *Service) offer(ctx context.Context, log *slog.Logger, b *models.Booking, d *models.Driver, pickup models.Coord) {
	if s.Dispatch == nil {
		return
	}
	o := models.AssignmentOffer{
		BookingID: b.ID,
		DriverID:  d.ID,
		Pickup:    b.Pickup,
		Dropoff:   b.Dropoff,
		FareTotal: b.Fare.Total,
	}
	if s.ETA != nil {
		o.ETASeconds = s.ETA.Seconds(ctx, d.Loc, pickup)
	}
	if err := s.Dispatch.Offer(ctx, o); err != nil {
		log.WarnContext(ctx, "offer delivery failed", slog.String("driver_id", d.ID), slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, log *slog.Logger, t events.Type, b *models.Booking, at time.Time) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, events.New(t, b, at)); err != nil {
		observability.EventPublishErrors.Inc()
		log.WarnContext(ctx, "publish event", slog.String("type", string(t)), slog.Any("error", err))
	}
}

func (s *Service) releaseQuietly(ctx context.Context, log *slog.Logger, driverID, bookingID string) {
	if _, err := s.Drivers.ReleaseFor(ctx, driverID, bookingID); err != nil {
		// the reaper will pick the claim up once it goes stale
		log.ErrorContext(ctx, "release claimed driver", slog.String("driver_id", driverID), slog.Any("error", err))
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
