package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-booking/internal/models"
)

// MemoryDriverStore keeps drivers in process. One mutex serialises every
// write, which is what makes TryClaim a compare-and-set.
type MemoryDriverStore struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver
}

func NewMemoryDriverStore() *MemoryDriverStore {
	return &MemoryDriverStore{drivers: make(map[string]*models.Driver)}
}

func (m *MemoryDriverStore) Upsert(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.drivers[d.ID]; ok {
		cur.VehicleClass = d.VehicleClass
		cur.Loc = d.Loc
		cur.PositionUpdated = d.PositionUpdated
		return nil
	}
	cp := copyDriver(d)
	if cp.Status == "" {
		cp.Status = models.DriverAvailable
	}
	m.drivers[d.ID] = cp
	return nil
}

func (m *MemoryDriverStore) Get(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, models.NotFoundf("driver %s", id)
	}
	return copyDriver(d), nil
}

func (m *MemoryDriverStore) GetMany(_ context.Context, ids []string) (map[string]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.Driver, len(ids))
	for _, id := range ids {
		if d, ok := m.drivers[id]; ok {
			out[id] = copyDriver(d)
		}
	}
	return out, nil
}

func (m *MemoryDriverStore) UpdatePosition(_ context.Context, id string, loc models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.NotFoundf("driver %s", id)
	}
	d.Loc = loc
	d.PositionUpdated = at
	return nil
}

func (m *MemoryDriverStore) TryClaim(_ context.Context, driverID, bookingID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok || d.Status != models.DriverAvailable {
		return false, nil
	}
	b, t := bookingID, at
	d.Status = models.DriverClaimed
	d.ClaimedBookingID = &b
	d.ClaimedAt = &t
	return true, nil
}

func (m *MemoryDriverStore) Confirm(_ context.Context, driverID, bookingID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok || d.Status != models.DriverClaimed || d.ClaimedBookingID == nil || *d.ClaimedBookingID != bookingID {
		return false, nil
	}
	b := bookingID
	d.Status = models.DriverOnTrip
	d.TripBookingID = &b
	d.ClaimedBookingID = nil
	d.ClaimedAt = nil
	return true, nil
}

func (m *MemoryDriverStore) ReleaseFor(_ context.Context, driverID, bookingID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok || !holds(d, bookingID) {
		return false, nil
	}
	resetAvailable(d)
	return true, nil
}

func (m *MemoryDriverStore) ReleaseStale(_ context.Context, cutoff time.Time) ([]models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Claim
	for _, d := range m.drivers {
		if d.Status != models.DriverClaimed || d.ClaimedAt == nil || !d.ClaimedAt.Before(cutoff) {
			continue
		}
		c := models.Claim{DriverID: d.ID}
		if d.ClaimedBookingID != nil {
			c.BookingID = *d.ClaimedBookingID
		}
		resetAvailable(d)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func holds(d *models.Driver, bookingID string) bool {
	switch d.Status {
	case models.DriverClaimed:
		return d.ClaimedBookingID != nil && *d.ClaimedBookingID == bookingID
	case models.DriverOnTrip:
		return d.TripBookingID != nil && *d.TripBookingID == bookingID
	}
	return false
}

func resetAvailable(d *models.Driver) {
	d.Status = models.DriverAvailable
	d.ClaimedBookingID = nil
	d.ClaimedAt = nil
	d.TripBookingID = nil
}

func copyDriver(d *models.Driver) *models.Driver {
	cp := *d
	if d.ClaimedBookingID != nil {
		v := *d.ClaimedBookingID
		cp.ClaimedBookingID = &v
	}
	if d.ClaimedAt != nil {
		v := *d.ClaimedAt
		cp.ClaimedAt = &v
	}
	if d.TripBookingID != nil {
		v := *d.TripBookingID
		cp.TripBookingID = &v
	}
	return &cp
}

type MemoryBookingStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
}

func NewMemoryBookingStore() *MemoryBookingStore {
	return &MemoryBookingStore{bookings: make(map[string]*models.Booking)}
}

func (m *MemoryBookingStore) Create(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return models.Validationf("booking %s already exists", b.ID)
	}
	m.bookings[b.ID] = copyBooking(b, true)
	return nil
}

func (m *MemoryBookingStore) Get(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, models.NotFoundf("booking %s", id)
	}
	return copyBooking(b, true), nil
}

func (m *MemoryBookingStore) List(_ context.Context, f BookingFilter) ([]*models.Booking, error) {
	m.mu.RLock()
	out := make([]*models.Booking, 0)
	for _, b := range m.bookings {
		if f.RiderID != "" && b.RiderID != f.RiderID {
			continue
		}
		if f.VehicleClass != "" && b.VehicleClass != f.VehicleClass {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.NoDriver && b.DriverID != nil {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !b.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		out = append(out, copyBooking(b, false))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryBookingStore) Transition(_ context.Context, id string, t Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok || b.Status != t.From {
		return false, nil
	}
	if t.ExpectDriverID != nil && (b.DriverID == nil || *b.DriverID != *t.ExpectDriverID) {
		return false, nil
	}
	if t.RequireNoDriver && b.DriverID != nil {
		return false, nil
	}
	b.Status = t.To
	if t.SetDriverID != nil {
		v := *t.SetDriverID
		b.DriverID = &v
	}
	if t.ClearDriver {
		b.DriverID = nil
	}
	b.UpdatedAt = t.At
	if t.Event != "" {
		b.Events = append(b.Events, models.BookingEvent{At: t.At, Text: t.Event})
	}
	return true, nil
}

func (m *MemoryBookingStore) AppendEvent(_ context.Context, id string, ev models.BookingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.NotFoundf("booking %s", id)
	}
	b.Events = append(b.Events, ev)
	return nil
}

func copyBooking(b *models.Booking, withEvents bool) *models.Booking {
	cp := *b
	if b.DriverID != nil {
		v := *b.DriverID
		cp.DriverID = &v
	}
	cp.Events = nil
	if withEvents && len(b.Events) > 0 {
		cp.Events = append([]models.BookingEvent(nil), b.Events...)
	}
	return &cp
}

// MemorySettler settles against a pair of memory stores. It holds the driver
// lock and then the booking lock; no other path takes both.
type MemorySettler struct {
	Drivers  *MemoryDriverStore
	Bookings *MemoryBookingStore
}

func NewMemorySettler(drivers *MemoryDriverStore, bookings *MemoryBookingStore) *MemorySettler {
	return &MemorySettler{Drivers: drivers, Bookings: bookings}
}

func (s *MemorySettler) Settle(_ context.Context, st Settlement) (bool, error) {
	if st.Amount < 0 {
		return false, models.Validationf("credit must be non-negative, got %d", st.Amount)
	}
	s.Drivers.mu.Lock()
	defer s.Drivers.mu.Unlock()
	s.Bookings.mu.Lock()
	defer s.Bookings.mu.Unlock()

	b, ok := s.Bookings.bookings[st.BookingID]
	if !ok || b.Status != models.BookingAssigned || b.DriverID == nil || *b.DriverID != st.DriverID {
		return false, nil
	}
	d, ok := s.Drivers.drivers[st.DriverID]
	if !ok || !holds(d, st.BookingID) {
		return false, nil
	}
	b.Status = models.BookingCompleted
	b.UpdatedAt = st.At
	if st.Event != "" {
		b.Events = append(b.Events, models.BookingEvent{At: st.At, Text: st.Event})
	}
	d.WalletBalance += st.Amount
	resetAvailable(d)
	return true, nil
}
