package fare

import (
	"errors"
	"testing"

	"github.com/example/ride-booking/internal/models"
)

func TestCalculateCompactCarScenario(t *testing.T) {
	got, err := Calculate(10, 20, models.CompactCar)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	want := models.FareBreakdown{Base: 25, DistanceFare: 100, TimeFare: 12, BookingFee: 5, Tax: 7, Total: 149}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestCalculateFractionalRounding(t *testing.T) {
	cases := []struct {
		name     string
		km, mins float64
		class    models.VehicleClass
		want     models.FareBreakdown
	}{
		{
			name:  "3.33km compact",
			km:    3.33,
			mins:  0,
			class: models.CompactCar,
			want:  models.FareBreakdown{Base: 25, DistanceFare: 33, TimeFare: 0, BookingFee: 5, Tax: 3, Total: 66},
		},
		{
			name:  "half minute rounds up",
			km:    3.33,
			mins:  7,
			class: models.TwoWheeler,
			want:  models.FareBreakdown{Base: 15, DistanceFare: 23, TimeFare: 4, BookingFee: 5, Tax: 2, Total: 49},
		},
		{
			name:  "zero distance",
			km:    0,
			mins:  0,
			class: models.Sedan,
			want:  models.FareBreakdown{Base: 40, DistanceFare: 0, TimeFare: 0, BookingFee: 5, Tax: 2, Total: 47},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Calculate(tc.km, tc.mins, tc.class)
			if err != nil {
				t.Fatalf("calculate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestCalculateLineItemsSumToTotal(t *testing.T) {
	for _, class := range models.VehicleClasses {
		for km := 0.0; km < 40; km += 0.37 {
			for mins := 0.0; mins < 90; mins += 3.3 {
				fb, err := Calculate(km, mins, class)
				if err != nil {
					t.Fatalf("calculate(%v, %v, %s): %v", km, mins, class, err)
				}
				sum := fb.Base + fb.DistanceFare + fb.TimeFare + fb.BookingFee + fb.Tax
				if sum != fb.Total {
					t.Fatalf("calculate(%v, %v, %s): items sum to %d, total %d", km, mins, class, sum, fb.Total)
				}
			}
		}
	}
}

func TestCalculateRejectsBadInput(t *testing.T) {
	if _, err := Calculate(1, 1, "hovercraft"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("unknown class: expected ErrValidation, got %v", err)
	}
	if _, err := Calculate(-1, 1, models.Sedan); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("negative distance: expected ErrValidation, got %v", err)
	}
	if _, err := Calculate(1, -1, models.Sedan); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("negative duration: expected ErrValidation, got %v", err)
	}
}

func TestOptionsCoversEveryClass(t *testing.T) {
	opts, err := Options(10)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if len(opts) != len(models.VehicleClasses) {
		t.Fatalf("expected %d options, got %d", len(models.VehicleClasses), len(opts))
	}
	for i, o := range opts {
		if o.VehicleClass != models.VehicleClasses[i] {
			t.Fatalf("option %d: expected %s, got %s", i, models.VehicleClasses[i], o.VehicleClass)
		}
		if o.EstimatedTimeMin <= 0 {
			t.Fatalf("option %s: expected positive eta", o.VehicleClass)
		}
	}
	if opts[2].EstimatedTimeMin != 20 || opts[2].Fare.Total != 149 {
		t.Fatalf("compact-car option: got %+v", opts[2])
	}
}

func TestOptionsRejectsNonPositiveDistance(t *testing.T) {
	for _, km := range []float64{0, -2} {
		if _, err := Options(km); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("Options(%v): expected ErrValidation, got %v", km, err)
		}
	}
}
