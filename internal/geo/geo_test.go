package geo

import (
	"context"
	"testing"

	"github.com/example/ride-booking/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if d < 111000 || d > 111400 {
		t.Fatalf("expected ~111.2km, got %fm", d)
	}
}

func TestIndexNearbyFiltersClassAndRadius(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	origin := models.Coord{Lat: 12.9716, Lon: 77.5946}

	// roughly 1km, 2km and 10km north of origin
	_ = g.Upsert(ctx, models.CompactCar, "far", models.Coord{Lat: origin.Lat + 0.09, Lon: origin.Lon})
	_ = g.Upsert(ctx, models.CompactCar, "mid", models.Coord{Lat: origin.Lat + 0.018, Lon: origin.Lon})
	_ = g.Upsert(ctx, models.CompactCar, "near", models.Coord{Lat: origin.Lat + 0.009, Lon: origin.Lon})
	_ = g.Upsert(ctx, models.Sedan, "sedan", models.Coord{Lat: origin.Lat, Lon: origin.Lon})

	hits, err := g.Nearby(ctx, models.CompactCar, origin, 5, 0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(hits), hits)
	}
	if hits[0].DriverID != "near" || hits[1].DriverID != "mid" {
		t.Fatalf("expected near then mid, got %+v", hits)
	}
	if hits[0].DistKm > hits[1].DistKm {
		t.Fatalf("hits not ordered by distance: %+v", hits)
	}
}

func TestIndexNearbyLimit(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	origin := models.Coord{Lat: 0, Lon: 0}
	for i, id := range []string{"a", "b", "c", "d"} {
		_ = g.Upsert(ctx, models.TwoWheeler, id, models.Coord{Lat: float64(i) * 0.001, Lon: 0})
	}
	hits, _ := g.Nearby(ctx, models.TwoWheeler, origin, 5, 2)
	if len(hits) != 2 || hits[0].DriverID != "a" || hits[1].DriverID != "b" {
		t.Fatalf("expected [a b], got %+v", hits)
	}
}

func TestIndexUpsertMovesClass(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	origin := models.Coord{Lat: 0, Lon: 0}
	_ = g.Upsert(ctx, models.TwoWheeler, "d1", origin)
	_ = g.Upsert(ctx, models.Sedan, "d1", origin)

	if hits, _ := g.Nearby(ctx, models.TwoWheeler, origin, 1, 0); len(hits) != 0 {
		t.Fatalf("expected driver removed from old class, got %+v", hits)
	}
	if hits, _ := g.Nearby(ctx, models.Sedan, origin, 1, 0); len(hits) != 1 {
		t.Fatalf("expected driver under new class, got %+v", hits)
	}
}
