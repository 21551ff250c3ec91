// Package booking drives a booking through its lifecycle: pricing and
// creation, driver acceptance and confirmation, completion and payout.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/fare"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/storage"
)

type Assigner interface {
	Assign(ctx context.Context, bookingID string, pickup models.Coord, class models.VehicleClass, exclude ...string) (*models.Driver, error)
}

// historyLimit caps how many bookings History returns.
const historyLimit = 50

// Drivers is the part of the driver directory the lifecycle needs.
type Drivers interface {
	Get(ctx context.Context, id string) (*models.Driver, error)
	TryClaim(ctx context.Context, driverID, bookingID string) (bool, error)
	Confirm(ctx context.Context, driverID, bookingID string) (bool, error)
	ReleaseFor(ctx context.Context, driverID, bookingID string) (bool, error)
}

type Service struct {
	Bookings storage.BookingStore
	Drivers  Drivers
	// Wallets is usually the same store backing Drivers.
	Wallets storage.DriverStore
	// Settler completes a booking and pays its driver in one step.
	Settler    storage.Settler
	Assigner   Assigner         // optional
	Events     events.Publisher // optional
	Logger     *slog.Logger
	AutoAssign bool
	Now        func() time.Time
	NewID      func() string
}

type CreateRequest struct {
	RiderID      string
	Pickup       models.Location
	Dropoff      models.Location
	DistanceKm   float64
	VehicleClass models.VehicleClass
	// EstimatedTimeMin is derived from the class speed when nil.
	EstimatedTimeMin *int
	// QuotedTotal is the total the rider was shown; it must still match.
	QuotedTotal *int64
}

func (s *Service) Options(distanceKm float64) ([]models.RideOption, error) {
	return fare.Options(distanceKm)
}

// Create prices and stores a new PENDING booking. It never fails because no
// driver is around: assignment runs afterwards and only changes the status.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Booking, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	minutes := 0
	if req.EstimatedTimeMin != nil {
		minutes = *req.EstimatedTimeMin
	} else {
		m, err := fare.EstimateMinutes(req.DistanceKm, req.VehicleClass)
		if err != nil {
			return nil, err
		}
		minutes = m
	}
	price, err := fare.Calculate(req.DistanceKm, float64(minutes), req.VehicleClass)
	if err != nil {
		return nil, err
	}
	if req.QuotedTotal != nil && *req.QuotedTotal != price.Total {
		return nil, models.Validationf("quoted fare %d does not match current fare %d", *req.QuotedTotal, price.Total)
	}

	now := s.now()
	b := &models.Booking{
		ID:               s.newID(),
		RiderID:          req.RiderID,
		Pickup:           req.Pickup,
		Dropoff:          req.Dropoff,
		DistanceKm:       req.DistanceKm,
		VehicleClass:     req.VehicleClass,
		Fare:             price,
		EstimatedTimeMin: minutes,
		Status:           models.BookingPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		Events:           []models.BookingEvent{{At: now, Text: "Booking created"}},
	}
	if err := s.Bookings.Create(ctx, b); err != nil {
		return nil, err
	}
	observability.BookingsCreated.WithLabelValues(string(b.VehicleClass)).Inc()
	log := s.logger().With(slog.String("booking_id", b.ID))
	log.InfoContext(ctx, "booking created", slog.String("rider_id", b.RiderID), slog.Int64("fare_total", price.Total))
	s.publish(ctx, events.BookingCreated, b, now)

	if loc, ok := b.Pickup.Coord(); ok && s.AutoAssign && s.Assigner != nil {
		if _, err := s.Assigner.Assign(ctx, b.ID, loc, b.VehicleClass); err != nil {
			log.WarnContext(ctx, "assignment at creation failed", slog.Any("error", err))
		}
		if fresh, err := s.Bookings.Get(ctx, b.ID); err == nil {
			return fresh, nil
		}
	}
	return b, nil
}

func validateCreate(req CreateRequest) error {
	var errs []string
	if strings.TrimSpace(req.RiderID) == "" {
		errs = append(errs, "rider id is required")
	}
	if req.Pickup.Empty() {
		errs = append(errs, "pickup is required")
	}
	if req.Dropoff.Empty() {
		errs = append(errs, "dropoff is required")
	}
	if !(req.DistanceKm > 0) || math.IsInf(req.DistanceKm, 0) {
		errs = append(errs, fmt.Sprintf("distance must be positive, got %v", req.DistanceKm))
	}
	if !req.VehicleClass.Valid() {
		errs = append(errs, fmt.Sprintf("unknown vehicle class %q", req.VehicleClass))
	}
	if req.EstimatedTimeMin != nil && *req.EstimatedTimeMin < 0 {
		errs = append(errs, "estimated time must be non-negative")
	}
	if len(errs) > 0 {
		return models.Validationf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Booking, error) {
	return s.Bookings.Get(ctx, id)
}

// History lists a rider's most recent bookings, newest first.
func (s *Service) History(ctx context.Context, riderID string) ([]*models.Booking, error) {
	if riderID == "" {
		return nil, models.Validationf("rider id is required")
	}
	return s.Bookings.List(ctx, storage.BookingFilter{RiderID: riderID, Limit: historyLimit})
}

// ListPending returns PENDING bookings of class that no driver holds yet.
func (s *Service) ListPending(ctx context.Context, class models.VehicleClass) ([]*models.Booking, error) {
	if !class.Valid() {
		return nil, models.Validationf("unknown vehicle class %q", class)
	}
	return s.Bookings.List(ctx, storage.BookingFilter{
		Status:       models.BookingPending,
		VehicleClass: class,
		NoDriver:     true,
	})
}

// TransitionToAssigned moves a PENDING booking with no driver to ASSIGNED.
func (s *Service) TransitionToAssigned(ctx context.Context, bookingID, driverID, event string) error {
	if event == "" {
		event = fmt.Sprintf("Driver %s assigned", driverID)
	}
	d := driverID
	ok, err := s.Bookings.Transition(ctx, bookingID, storage.Transition{
		From:            models.BookingPending,
		To:              models.BookingAssigned,
		RequireNoDriver: true,
		SetDriverID:     &d,
		Event:           event,
		At:              s.now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return s.transitionRejected(ctx, bookingID, models.BookingAssigned)
	}
	return nil
}

// TransitionToCompleted moves a booking ASSIGNED to driverID to COMPLETED,
// credits the fare and frees the driver, all or nothing. The driver must
// still hold the booking. Only one caller can win it, which is what keeps
// the payout single.
func (s *Service) TransitionToCompleted(ctx context.Context, bookingID, driverID string) error {
	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	ok, err := s.Settler.Settle(ctx, storage.Settlement{
		BookingID: bookingID,
		DriverID:  driverID,
		Amount:    b.Fare.Total,
		Event:     "Ride completed",
		At:        s.now(),
	})
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	b, err = s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status == models.BookingAssigned && b.DriverID != nil && *b.DriverID == driverID {
		return models.InvalidStatef("driver %s no longer holds booking %s", driverID, bookingID)
	}
	return models.InvalidStatef("booking %s cannot move from %s to %s", bookingID, b.Status, models.BookingCompleted)
}

// transitionRejected turns a failed guard into NotFound or InvalidState.
func (s *Service) transitionRejected(ctx context.Context, bookingID string, to models.BookingStatus) error {
	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	return models.InvalidStatef("booking %s cannot move from %s to %s", bookingID, b.Status, to)
}

// Accept lets a driver take a pending booking directly. The driver is
// claimed first so it cannot end up holding two bookings.
func (s *Service) Accept(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BookingPending || b.DriverID != nil {
		return nil, models.InvalidStatef("booking %s is %s", bookingID, b.Status)
	}
	drv, err := s.Drivers.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if drv.VehicleClass != b.VehicleClass {
		return nil, models.Validationf("driver vehicle class %s does not match booking class %s", drv.VehicleClass, b.VehicleClass)
	}

	ok, err := s.Drivers.TryClaim(ctx, driverID, bookingID)
	if err != nil {
		return nil, err
	}
	if !ok {
		observability.ClaimConflicts.Inc()
		return nil, models.InvalidStatef("driver %s is not available", driverID)
	}

	log := s.logger().With(slog.String("booking_id", bookingID), slog.String("driver_id", driverID))
	if err := s.TransitionToAssigned(ctx, bookingID, driverID, fmt.Sprintf("Driver %s accepted", driverID)); err != nil {
		if _, rerr := s.Drivers.ReleaseFor(ctx, driverID, bookingID); rerr != nil {
			log.ErrorContext(ctx, "release driver after lost accept", slog.Any("error", rerr))
		}
		return nil, err
	}
	if ok, err := s.Drivers.Confirm(ctx, driverID, bookingID); err != nil || !ok {
		// the claim is still there, so the reaper will recover it
		log.WarnContext(ctx, "confirm after accept", slog.Bool("applied", ok), slog.Any("error", err))
	}
	log.InfoContext(ctx, "booking accepted")

	out, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingAccepted, out, s.now())
	return out, nil
}

// Confirm is the driver acknowledging a booking the engine assigned to it.
// After it the claim can no longer be reaped.
func (s *Service) Confirm(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BookingAssigned || b.DriverID == nil || *b.DriverID != driverID {
		return nil, models.InvalidStatef("booking %s is not assigned to driver %s", bookingID, driverID)
	}
	ok, err := s.Drivers.Confirm(ctx, driverID, bookingID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.InvalidStatef("driver %s holds no claim on booking %s", driverID, bookingID)
	}
	now := s.now()
	if err := s.Bookings.AppendEvent(ctx, bookingID, models.BookingEvent{At: now, Text: fmt.Sprintf("Driver %s confirmed", driverID)}); err != nil {
		s.logger().WarnContext(ctx, "record confirmation", slog.String("booking_id", bookingID), slog.Any("error", err))
	}
	out, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingAccepted, out, now)
	return out, nil
}

// Complete finishes an ASSIGNED booking, credits its fare to the driver and
// frees the driver. driverID may be empty for system-triggered completion;
// otherwise it must be the booking's driver. Firing twice credits once, and a
// driver that has moved on to another booking is not paid or freed.
func (s *Service) Complete(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BookingAssigned || b.DriverID == nil {
		return nil, models.InvalidStatef("booking %s is %s", bookingID, b.Status)
	}
	holder := *b.DriverID
	if driverID != "" && driverID != holder {
		return nil, models.InvalidStatef("booking %s is not assigned to driver %s", bookingID, driverID)
	}

	log := s.logger().With(slog.String("booking_id", bookingID), slog.String("driver_id", holder))
	if err := s.TransitionToCompleted(ctx, bookingID, holder); err != nil {
		if !IsConflict(err) {
			log.ErrorContext(ctx, "settle booking", slog.Int64("amount", b.Fare.Total), slog.Any("error", err))
		}
		return nil, err
	}
	observability.WalletCredited.Add(float64(b.Fare.Total))
	observability.BookingsCompleted.Inc()
	log.InfoContext(ctx, "booking completed", slog.Int64("credited", b.Fare.Total))

	out, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingCompleted, out, out.UpdatedAt)
	return out, nil
}

func (s *Service) Earnings(ctx context.Context, driverID string) (int64, error) {
	d, err := s.Wallets.Get(ctx, driverID)
	if err != nil {
		return 0, err
	}
	return d.WalletBalance, nil
}

func (s *Service) publish(ctx context.Context, t events.Type, b *models.Booking, at time.Time) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, events.New(t, b, at)); err != nil {
		observability.EventPublishErrors.Inc()
		s.logger().WarnContext(ctx, "publish event", slog.String("type", string(t)), slog.String("booking_id", b.ID), slog.Any("error", err))
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

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// IsConflict reports whether err means the caller lost a race or acted on a
// booking in the wrong state.
func IsConflict(err error) bool {
	return errors.Is(err, models.ErrInvalidState)
}
