// Package fare prices rides from a fixed per-class rate table.
package fare

import (
	"math"

	"github.com/example/ride-booking/internal/models"
)

type Rate struct {
	Base      int64
	PerKm     float64
	PerMinute float64
	// SpeedKmh drives the trip duration estimate shown with ride options.
	SpeedKmh float64
}

const (
	BookingFee int64 = 5
	TaxRate          = 0.05
)

var rates = map[models.VehicleClass]Rate{
	models.TwoWheeler:   {Base: 15, PerKm: 7, PerMinute: 0.5, SpeedKmh: 24},
	models.ThreeWheeler: {Base: 20, PerKm: 8, PerMinute: 0.5, SpeedKmh: 18},
	models.CompactCar:   {Base: 25, PerKm: 10, PerMinute: 0.6, SpeedKmh: 30},
	models.Sedan:        {Base: 40, PerKm: 14, PerMinute: 0.8, SpeedKmh: 30},
}

func RateFor(class models.VehicleClass) (Rate, bool) {
	r, ok := rates[class]
	return r, ok
}

// Calculate prices a ride. Every line item is rounded before it is summed,
// so the breakdown always adds up to Total.
func Calculate(distanceKm, durationMinutes float64, class models.VehicleClass) (models.FareBreakdown, error) {
	r, ok := rates[class]
	if !ok {
		return models.FareBreakdown{}, models.Validationf("unknown vehicle class %q", class)
	}
	if distanceKm < 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return models.FareBreakdown{}, models.Validationf("distance must be non-negative, got %v", distanceKm)
	}
	if durationMinutes < 0 || math.IsNaN(durationMinutes) || math.IsInf(durationMinutes, 0) {
		return models.FareBreakdown{}, models.Validationf("duration must be non-negative, got %v", durationMinutes)
	}

	distanceFare := roundMinor(r.PerKm * distanceKm)
	timeFare := roundMinor(r.PerMinute * durationMinutes)
	subtotal := r.Base + distanceFare + timeFare
	tax := roundMinor(float64(subtotal) * TaxRate)

	return models.FareBreakdown{
		Base:         r.Base,
		DistanceFare: distanceFare,
		TimeFare:     timeFare,
		BookingFee:   BookingFee,
		Tax:          tax,
		Total:        subtotal + BookingFee + tax,
	}, nil
}

// EstimateMinutes returns the whole-minute trip duration for a class at its
// average speed.
func EstimateMinutes(distanceKm float64, class models.VehicleClass) (int, error) {
	r, ok := rates[class]
	if !ok {
		return 0, models.Validationf("unknown vehicle class %q", class)
	}
	if distanceKm <= 0 {
		return 0, models.Validationf("distance must be positive, got %v", distanceKm)
	}
	return int(math.Ceil(distanceKm * 60 / r.SpeedKmh)), nil
}

// Options prices a trip of distanceKm for every vehicle class.
func Options(distanceKm float64) ([]models.RideOption, error) {
	if distanceKm <= 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return nil, models.Validationf("distance must be a positive number")
	}
	out := make([]models.RideOption, 0, len(models.VehicleClasses))
	for _, class := range models.VehicleClasses {
		mins, err := EstimateMinutes(distanceKm, class)
		if err != nil {
			return nil, err
		}
		fb, err := Calculate(distanceKm, float64(mins), class)
		if err != nil {
			return nil, err
		}
		out = append(out, models.RideOption{VehicleClass: class, Fare: fb, EstimatedTimeMin: mins})
	}
	return out, nil
}

// roundMinor rounds half away from zero to whole minor units. The epsilon
// keeps products that should sit exactly on .5 from landing just below it.
func roundMinor(v float64) int64 {
	return int64(math.Round(v + 1e-9))
}
