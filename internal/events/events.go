// Package events publishes booking lifecycle notifications to downstream
// consumers. Publishing is fire-and-forget from the caller's point of view:
// a failed publish never rolls back a state change.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-booking/internal/models"
)

type Type string

const (
	BookingCreated    Type = "booking.created"
	BookingAssigned   Type = "booking.assigned"
	BookingUnassigned Type = "booking.unassigned"
	BookingAccepted   Type = "booking.accepted"
	BookingReverted   Type = "booking.reverted"
	BookingCompleted  Type = "booking.completed"
)

type Event struct {
	ID           string               `json:"id"`
	Type         Type                 `json:"type"`
	BookingID    string               `json:"bookingId"`
	RiderID      string               `json:"riderId,omitempty"`
	DriverID     string               `json:"driverId,omitempty"`
	Status       models.BookingStatus `json:"status"`
	VehicleClass models.VehicleClass  `json:"vehicleClass,omitempty"`
	FareTotal    int64                `json:"fareTotal,omitempty"`
	At           time.Time            `json:"at"`
}

// New builds an event from the booking as it stands after the change.
func New(t Type, b *models.Booking, at time.Time) Event {
	ev := Event{
		ID:           uuid.NewString(),
		Type:         t,
		BookingID:    b.ID,
		RiderID:      b.RiderID,
		Status:       b.Status,
		VehicleClass: b.VehicleClass,
		FareTotal:    b.Fare.Total,
		At:           at,
	}
	if b.DriverID != nil {
		ev.DriverID = *b.DriverID
	}
	return ev
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
