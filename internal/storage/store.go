package storage

import (
	"context"
	"time"

	"github.com/example/ride-booking/internal/models"
)

// DriverStore persists driver records. Every mutating method is a single
// conditional update on one record: the precondition and the write can
// never be observed apart.
type DriverStore interface {
	// Upsert creates a driver or refreshes its class and position. Status and
	// wallet of an existing driver are left alone.
	Upsert(ctx context.Context, d *models.Driver) error
	Get(ctx context.Context, id string) (*models.Driver, error)
	GetMany(ctx context.Context, ids []string) (map[string]*models.Driver, error)
	UpdatePosition(ctx context.Context, id string, loc models.Coord, at time.Time) error
	// TryClaim moves AVAILABLE -> CLAIMED for bookingID and reports whether
	// the transition applied.
	TryClaim(ctx context.Context, driverID, bookingID string, at time.Time) (bool, error)
	// Confirm moves CLAIMED(bookingID) -> ON_TRIP(bookingID).
	Confirm(ctx context.Context, driverID, bookingID string) (bool, error)
	// ReleaseFor resets the driver to AVAILABLE only while it still holds
	// bookingID, claimed or on trip, and reports whether it did.
	ReleaseFor(ctx context.Context, driverID, bookingID string) (bool, error)
	// ReleaseStale resets every CLAIMED driver whose claim is older than
	// cutoff and returns the claims it dropped.
	ReleaseStale(ctx context.Context, cutoff time.Time) ([]models.Claim, error)
}

type BookingFilter struct {
	RiderID       string
	VehicleClass  models.VehicleClass
	Status        models.BookingStatus
	NoDriver      bool
	UpdatedBefore time.Time
	Limit         int
}

// Transition is a guarded status change on one booking. The event text, if
// any, is appended to the booking's log in the same write.
type Transition struct {
	From models.BookingStatus
	To   models.BookingStatus
	// ExpectDriverID guards on the current driver; RequireNoDriver guards on
	// driver being unset.
	ExpectDriverID  *string
	RequireNoDriver bool
	SetDriverID     *string
	ClearDriver     bool
	Event           string
	At              time.Time
}

// BookingStore persists bookings. Bookings are never deleted.
type BookingStore interface {
	Create(ctx context.Context, b *models.Booking) error
	Get(ctx context.Context, id string) (*models.Booking, error)
	// List returns matching bookings newest first, without their event logs.
	List(ctx context.Context, f BookingFilter) ([]*models.Booking, error)
	// Transition applies t if its guards hold and reports whether it did.
	// An unknown id is not an error: it simply does not match.
	Transition(ctx context.Context, id string, t Transition) (bool, error)
	AppendEvent(ctx context.Context, id string, ev models.BookingEvent) error
}

// Settlement completes one booking and pays its driver.
type Settlement struct {
	BookingID string
	DriverID  string
	Amount    int64
	Event     string
	At        time.Time
}

// Settler applies a Settlement as one unit. The booking must be ASSIGNED to
// DriverID and the driver must still hold the booking, claimed or on trip.
// Then the booking becomes COMPLETED, Amount is added to the driver's wallet
// and the driver is freed. When a guard fails nothing changes and Settle
// reports false.
type Settler interface {
	Settle(ctx context.Context, s Settlement) (bool, error)
}
