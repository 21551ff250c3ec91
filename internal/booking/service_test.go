package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-booking/internal/directory"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/matcher"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

var pickupLat, pickupLng = 12.9716, 77.5946

type eventLog struct {
	mu    sync.Mutex
	types []events.Type
}

func (e *eventLog) Publish(_ context.Context, ev events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, ev.Type)
	return nil
}

func (e *eventLog) Close() error { return nil }

type fixture struct {
	svc      *Service
	dir      *directory.Directory
	drivers  *storage.MemoryDriverStore
	bookings *storage.MemoryBookingStore
	events   *eventLog
	clock    time.Time
}

func newFixture(t *testing.T, autoAssign bool) *fixture {
	t.Helper()
	drivers := storage.NewMemoryDriverStore()
	bookings := storage.NewMemoryBookingStore()
	dir := directory.New(geo.NewIndex(), drivers)
	f := &fixture{dir: dir, drivers: drivers, bookings: bookings, events: &eventLog{}, clock: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	now := func() time.Time { return f.clock }
	dir.Now = now
	var seq int32
	f.svc = &Service{
		Bookings:   bookings,
		Drivers:    dir,
		Wallets:    drivers,
		Settler:    storage.NewMemorySettler(drivers, bookings),
		Assigner:   &matcher.Service{Drivers: dir, Bookings: bookings, Now: now},
		Events:     f.events,
		AutoAssign: autoAssign,
		Now:        now,
		NewID:      func() string { return fmt.Sprintf("bk-%d", atomic.AddInt32(&seq, 1)) },
	}
	return f
}

func (f *fixture) driver(t *testing.T, id string, class models.VehicleClass, kmNorth float64) {
	t.Helper()
	loc := models.Coord{Lat: pickupLat + kmNorth/111.2, Lon: pickupLng}
	if _, err := f.dir.Register(context.Background(), id, class, loc); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func request(class models.VehicleClass, withCoords bool) CreateRequest {
	pickup := models.Location{Address: "MG Road"}
	if withCoords {
		lat, lng := pickupLat, pickupLng
		pickup.Lat, pickup.Lng = &lat, &lng
	}
	minutes := 20
	return CreateRequest{
		RiderID:          "rider-1",
		Pickup:           pickup,
		Dropoff:          models.Location{Address: "Airport"},
		DistanceKm:       10,
		VehicleClass:     class,
		EstimatedTimeMin: &minutes,
	}
}

func TestCreatePricesBooking(t *testing.T) {
	f := newFixture(t, false)
	b, err := f.svc.Create(context.Background(), request(models.CompactCar, false))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	want := models.FareBreakdown{Base: 25, DistanceFare: 100, TimeFare: 12, BookingFee: 5, Tax: 7, Total: 149}
	if b.Fare != want {
		t.Fatalf("expected fare %+v, got %+v", want, b.Fare)
	}
	if b.Status != models.BookingPending || b.DriverID != nil || b.ID != "bk-1" {
		t.Fatalf("unexpected booking %+v", b)
	}
	if len(f.events.types) != 1 || f.events.types[0] != events.BookingCreated {
		t.Fatalf("expected created event, got %v", f.events.types)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, false)
	cases := []struct {
		name string
		mut  func(*CreateRequest)
	}{
		{"zero distance", func(r *CreateRequest) { r.DistanceKm = 0 }},
		{"negative distance", func(r *CreateRequest) { r.DistanceKm = -2 }},
		{"unknown class", func(r *CreateRequest) { r.VehicleClass = "limo" }},
		{"missing rider", func(r *CreateRequest) { r.RiderID = "" }},
		{"missing pickup", func(r *CreateRequest) { r.Pickup = models.Location{} }},
		{"missing dropoff", func(r *CreateRequest) { r.Dropoff = models.Location{} }},
		{"stale quote", func(r *CreateRequest) { q := int64(100); r.QuotedTotal = &q }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := request(models.CompactCar, false)
			tc.mut(&req)
			if _, err := f.svc.Create(context.Background(), req); !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateAcceptsMatchingQuoteAndDerivesDuration(t *testing.T) {
	f := newFixture(t, false)
	req := request(models.CompactCar, false)
	req.EstimatedTimeMin = nil
	q := int64(149)
	req.QuotedTotal = &q
	b, err := f.svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.EstimatedTimeMin != 20 {
		t.Fatalf("expected 20 minutes at 30km/h, got %d", b.EstimatedTimeMin)
	}
}

func TestCreateAutoAssignsWhenCoordinatesPresent(t *testing.T) {
	f := newFixture(t, true)
	f.driver(t, "d1", models.Sedan, 1)

	b, err := f.svc.Create(context.Background(), request(models.Sedan, true))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.Status != models.BookingAssigned || b.DriverID == nil || *b.DriverID != "d1" {
		t.Fatalf("expected assignment to d1, got %+v", b)
	}

	noDriver, err := f.svc.Create(context.Background(), request(models.Sedan, true))
	if err != nil {
		t.Fatalf("create without drivers must still succeed: %v", err)
	}
	if noDriver.Status != models.BookingUnassigned {
		t.Fatalf("expected UNASSIGNED, got %s", noDriver.Status)
	}

	addressOnly, _ := f.svc.Create(context.Background(), request(models.Sedan, false))
	if addressOnly.Status != models.BookingPending {
		t.Fatalf("address-only booking should wait in pending list, got %s", addressOnly.Status)
	}
}

func TestAcceptConfirmComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.driver(t, "d1", models.CompactCar, 1)
	b, _ := f.svc.Create(ctx, request(models.CompactCar, false))

	pending, _ := f.svc.ListPending(ctx, models.CompactCar)
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("expected booking in pending list, got %+v", pending)
	}

	accepted, err := f.svc.Accept(ctx, b.ID, "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != models.BookingAssigned || *accepted.DriverID != "d1" {
		t.Fatalf("unexpected accepted booking %+v", accepted)
	}
	drv, _ := f.drivers.Get(ctx, "d1")
	if drv.Status != models.DriverOnTrip {
		t.Fatalf("accepting driver should be on trip, got %s", drv.Status)
	}
	if pending, _ := f.svc.ListPending(ctx, models.CompactCar); len(pending) != 0 {
		t.Fatalf("accepted booking must leave the pending list: %+v", pending)
	}

	done, err := f.svc.Complete(ctx, b.ID, "d1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.BookingCompleted || done.Fare != b.Fare {
		t.Fatalf("unexpected completed booking %+v", done)
	}
	earned, _ := f.svc.Earnings(ctx, "d1")
	if earned != 149 {
		t.Fatalf("expected wallet 149, got %d", earned)
	}
	drv, _ = f.drivers.Get(ctx, "d1")
	if drv.Status != models.DriverAvailable {
		t.Fatalf("driver should be free after completion, got %s", drv.Status)
	}

	if _, err := f.svc.Complete(ctx, b.ID, "d1"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("second completion must be rejected, got %v", err)
	}
	if earned, _ := f.svc.Earnings(ctx, "d1"); earned != 149 {
		t.Fatalf("wallet credited twice: %d", earned)
	}
}

func TestAcceptRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.driver(t, "car", models.CompactCar, 1)
	f.driver(t, "car2", models.CompactCar, 1)
	f.driver(t, "bike", models.TwoWheeler, 1)
	b, _ := f.svc.Create(ctx, request(models.CompactCar, false))

	if _, err := f.svc.Accept(ctx, b.ID, "bike"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("class mismatch: %v", err)
	}
	if _, err := f.svc.Accept(ctx, "missing", "car"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown booking: %v", err)
	}
	if _, err := f.svc.Accept(ctx, b.ID, "ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown driver: %v", err)
	}
	if _, err := f.svc.Accept(ctx, b.ID, "car"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.Accept(ctx, b.ID, "car2"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("accepting an assigned booking: %v", err)
	}

	other, _ := f.svc.Create(ctx, request(models.CompactCar, false))
	if _, err := f.svc.Accept(ctx, other.ID, "car"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("driver on a trip must not accept another booking: %v", err)
	}
	if b, _ := f.svc.Get(ctx, other.ID); b.Status != models.BookingPending {
		t.Fatalf("rejected accept must leave booking pending, got %s", b.Status)
	}
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	b, _ := f.svc.Create(ctx, request(models.Sedan, false))
	const n = 8
	for i := 0; i < n; i++ {
		f.driver(t, fmt.Sprintf("d%d", i), models.Sedan, 1)
	}

	var wins int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			if _, err := f.svc.Accept(ctx, b.ID, id); err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, models.ErrInvalidState) {
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("d%d", i))
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
	free := 0
	for i := 0; i < n; i++ {
		d, _ := f.drivers.Get(ctx, fmt.Sprintf("d%d", i))
		if d.Status == models.DriverAvailable {
			free++
		}
	}
	if free != n-1 {
		t.Fatalf("losing drivers must be released, %d of %d free", free, n-1)
	}
}

func TestConcurrentCompleteCreditsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.driver(t, "d1", models.TwoWheeler, 1)
	b, _ := f.svc.Create(ctx, request(models.TwoWheeler, false))
	if _, err := f.svc.Accept(ctx, b.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _ = f.svc.Complete(ctx, b.ID, "")
		}()
	}
	close(start)
	wg.Wait()

	earned, _ := f.svc.Earnings(ctx, "d1")
	if earned != b.Fare.Total {
		t.Fatalf("expected a single credit of %d, got %d", b.Fare.Total, earned)
	}
}

func TestConfirmAfterEngineAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.driver(t, "d1", models.Sedan, 1)
	b, _ := f.svc.Create(ctx, request(models.Sedan, true))

	if _, err := f.svc.Confirm(ctx, b.ID, "someone"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("confirm by wrong driver: %v", err)
	}
	out, err := f.svc.Confirm(ctx, b.ID, "d1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if last := out.Events[len(out.Events)-1]; last.Text != "Driver d1 confirmed" {
		t.Fatalf("unexpected last event %+v", last)
	}
	if d, _ := f.drivers.Get(ctx, "d1"); d.Status != models.DriverOnTrip {
		t.Fatalf("expected ON_TRIP, got %s", d.Status)
	}
	if _, err := f.svc.Confirm(ctx, b.ID, "d1"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("double confirm: %v", err)
	}
}

func TestCompleteByWrongDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.driver(t, "d1", models.Sedan, 1)
	b, _ := f.svc.Create(ctx, request(models.Sedan, false))
	if _, err := f.svc.Complete(ctx, b.ID, "d1"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("completing a pending booking: %v", err)
	}
	_, _ = f.svc.Accept(ctx, b.ID, "d1")
	if _, err := f.svc.Complete(ctx, b.ID, "d2"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("completing someone else's booking: %v", err)
	}
}

func TestTransitionsRejectWrongState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	b, _ := f.svc.Create(ctx, request(models.Sedan, false))

	if err := f.svc.TransitionToCompleted(ctx, b.ID, "d1"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("PENDING -> COMPLETED: %v", err)
	}
	if err := f.svc.TransitionToAssigned(ctx, b.ID, "d1", ""); err != nil {
		t.Fatalf("PENDING -> ASSIGNED: %v", err)
	}
	if err := f.svc.TransitionToAssigned(ctx, b.ID, "d2", ""); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("ASSIGNED -> ASSIGNED: %v", err)
	}
	if err := f.svc.TransitionToAssigned(ctx, "nope", "d2", ""); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown booking: %v", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	first, _ := f.svc.Create(ctx, request(models.Sedan, false))
	f.clock = f.clock.Add(time.Minute)
	second, _ := f.svc.Create(ctx, request(models.Sedan, false))

	got, err := f.svc.History(ctx, "rider-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 2 || got[0].ID != second.ID || got[1].ID != first.ID {
		t.Fatalf("unexpected history order %+v", got)
	}
}

func TestHistoryKeepsNewestFifty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	var last *models.Booking
	for i := 0; i < historyLimit+5; i++ {
		f.clock = f.clock.Add(time.Minute)
		last, _ = f.svc.Create(ctx, request(models.Sedan, false))
	}
	got, err := f.svc.History(ctx, "rider-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 50 || got[0].ID != last.ID {
		t.Fatalf("expected the 50 newest bookings, got %d starting at %s", len(got), got[0].ID)
	}
}

func TestCompleteSkipsDriverThatMovedOn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.driver(t, "d1", models.Sedan, 1)
	b1, _ := f.svc.Create(ctx, request(models.Sedan, true))
	if b1.Status != models.BookingAssigned {
		t.Fatalf("expected b1 assigned, got %s", b1.Status)
	}

	// d1's claim on b1 lapses and d1 takes b2 before b1 is returned to pending
	f.clock = f.clock.Add(2 * time.Minute)
	if _, err := f.drivers.ReleaseStale(ctx, f.clock); err != nil {
		t.Fatalf("release stale: %v", err)
	}
	f.svc.AutoAssign = false
	b2, _ := f.svc.Create(ctx, request(models.Sedan, false))
	if _, err := f.svc.Accept(ctx, b2.ID, "d1"); err != nil {
		t.Fatalf("accept b2: %v", err)
	}

	if _, err := f.svc.Complete(ctx, b1.ID, ""); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("completing a booking the driver left must be rejected, got %v", err)
	}
	d, _ := f.drivers.Get(ctx, "d1")
	if d.Status != models.DriverOnTrip || *d.TripBookingID != b2.ID || d.WalletBalance != 0 {
		t.Fatalf("d1 must stay on b2 unpaid, got %+v", d)
	}
	if got, _ := f.svc.Get(ctx, b1.ID); got.Status != models.BookingAssigned {
		t.Fatalf("b1 must not be completed, got %s", got.Status)
	}

	if _, err := f.svc.Complete(ctx, b2.ID, "d1"); err != nil {
		t.Fatalf("complete b2: %v", err)
	}
	if earned, _ := f.svc.Earnings(ctx, "d1"); earned != b2.Fare.Total {
		t.Fatalf("expected only b2 paid, got %d", earned)
	}
}

// flakySettler fails the first settlement with a storage error.
type flakySettler struct {
	storage.Settler
	failed atomic.Bool
}

func (f *flakySettler) Settle(ctx context.Context, st storage.Settlement) (bool, error) {
	if f.failed.CompareAndSwap(false, true) {
		return false, models.StorageErr("settle booking", errors.New("connection reset"))
	}
	return f.Settler.Settle(ctx, st)
}

func TestCompleteFailedSettlementLeavesBookingAssigned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.svc.Settler = &flakySettler{Settler: f.svc.Settler}
	f.driver(t, "d1", models.Sedan, 1)
	b, _ := f.svc.Create(ctx, request(models.Sedan, false))
	_, _ = f.svc.Accept(ctx, b.ID, "d1")

	if _, err := f.svc.Complete(ctx, b.ID, "d1"); !errors.Is(err, models.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if got, _ := f.svc.Get(ctx, b.ID); got.Status != models.BookingAssigned {
		t.Fatalf("booking must stay ASSIGNED after a failed settlement, got %s", got.Status)
	}
	if d, _ := f.drivers.Get(ctx, "d1"); d.Status != models.DriverOnTrip || d.WalletBalance != 0 {
		t.Fatalf("driver must be untouched, got %+v", d)
	}

	if _, err := f.svc.Complete(ctx, b.ID, "d1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if earned, _ := f.svc.Earnings(ctx, "d1"); earned != b.Fare.Total {
		t.Fatalf("expected a single credit of %d, got %d", b.Fare.Total, earned)
	}
}

func TestAutoCompleterCompletesDueBookings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.driver(t, "d1", models.Sedan, 1)
	b, _ := f.svc.Create(ctx, request(models.Sedan, false))
	_, _ = f.svc.Accept(ctx, b.ID, "d1")

	ac := &AutoCompleter{Service: f.svc, After: 5 * time.Minute}
	if n, _ := ac.Tick(ctx); n != 0 {
		t.Fatalf("nothing is due yet, completed %d", n)
	}
	f.clock = f.clock.Add(6 * time.Minute)
	if n, err := ac.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("expected one completion, got %d err=%v", n, err)
	}
	if earned, _ := f.svc.Earnings(ctx, "d1"); earned != b.Fare.Total {
		t.Fatalf("expected credit %d, got %d", b.Fare.Total, earned)
	}
	if n, _ := ac.Tick(ctx); n != 0 {
		t.Fatalf("second tick must be a no-op, completed %d", n)
	}
}
