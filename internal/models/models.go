package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

// VehicleClass is the closed set of vehicle categories used both for
// matching riders to drivers and for looking up fare rates.
type VehicleClass string

const (
	TwoWheeler   VehicleClass = "two-wheeler"
	ThreeWheeler VehicleClass = "three-wheeler"
	CompactCar   VehicleClass = "compact-car"
	Sedan        VehicleClass = "sedan"
)

// VehicleClasses lists every class in display order.
var VehicleClasses = []VehicleClass{TwoWheeler, ThreeWheeler, CompactCar, Sedan}

func (v VehicleClass) Valid() bool {
	for _, c := range VehicleClasses {
		if c == v {
			return true
		}
	}
	return false
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "AVAILABLE"
	DriverClaimed   DriverStatus = "CLAIMED"
	DriverOnTrip    DriverStatus = "ON_TRIP"
)

// Driver is the directory record for one driver. ClaimedBookingID and
// ClaimedAt are set iff Status is CLAIMED; TripBookingID is set iff Status
// is ON_TRIP. WalletBalance never decreases.
type Driver struct {
	ID               string       `json:"id"`
	VehicleClass     VehicleClass `json:"vehicleClass"`
	Loc              Coord        `json:"position"`
	PositionUpdated  time.Time    `json:"lastPositionUpdate"`
	Status           DriverStatus `json:"status"`
	ClaimedBookingID *string      `json:"claimedBookingId,omitempty"`
	ClaimedAt        *time.Time   `json:"claimedAt,omitempty"`
	TripBookingID    *string      `json:"tripBookingId,omitempty"`
	WalletBalance    int64        `json:"walletBalance"`
}

// Claim identifies a driver that was holding a booking.
type Claim struct {
	DriverID  string
	BookingID string
}

// Location is an opaque pickup or dropoff descriptor. Coordinates are only
// used to seed the proximity search.
type Location struct {
	Address string   `json:"address,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

func (l Location) Coord() (Coord, bool) {
	if l.Lat == nil || l.Lng == nil {
		return Coord{}, false
	}
	return Coord{Lat: *l.Lat, Lon: *l.Lng}, true
}

func (l Location) Empty() bool {
	return l.Address == "" && (l.Lat == nil || l.Lng == nil)
}

// FareBreakdown is priced in whole currency minor units; the line items
// always sum to Total.
type FareBreakdown struct {
	Base         int64 `json:"base"`
	DistanceFare int64 `json:"distanceFare"`
	TimeFare     int64 `json:"timeFare"`
	BookingFee   int64 `json:"bookingFee"`
	Tax          int64 `json:"tax"`
	Total        int64 `json:"total"`
}

type RideOption struct {
	VehicleClass     VehicleClass  `json:"vehicleClass"`
	Fare             FareBreakdown `json:"fare"`
	EstimatedTimeMin int           `json:"estimatedTimeMin"`
}

type BookingEvent struct {
	At   time.Time `json:"ts"`
	Text string    `json:"text"`
}

type Booking struct {
	ID               string         `json:"id"`
	RiderID          string         `json:"riderId"`
	DriverID         *string        `json:"driverId,omitempty"`
	Pickup           Location       `json:"pickup"`
	Dropoff          Location       `json:"dropoff"`
	DistanceKm       float64        `json:"distanceKm"`
	VehicleClass     VehicleClass   `json:"vehicleClass"`
	Fare             FareBreakdown  `json:"fare"`
	EstimatedTimeMin int            `json:"estimatedTimeMin"`
	Status           BookingStatus  `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	Events           []BookingEvent `json:"events,omitempty"`
}

// DriverLocation is the payload carried on the location ingest topic.
type DriverLocation struct {
	DriverID string    `json:"driverId"`
	Loc      Coord     `json:"position"`
	At       time.Time `json:"at"`
}

// AssignmentOffer is pushed to a driver when the engine claims them.
type AssignmentOffer struct {
	BookingID  string   `json:"bookingId"`
	DriverID   string   `json:"driverId"`
	Pickup     Location `json:"pickup"`
	Dropoff    Location `json:"dropoff"`
	FareTotal  int64    `json:"fareTotal"`
	ETASeconds float64  `json:"etaSeconds"`
}
