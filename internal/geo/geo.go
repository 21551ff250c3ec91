package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-booking/internal/models"
)

// Hit is one driver returned by a proximity query.
type Hit struct {
	DriverID string
	DistKm   float64
}

// Geo is the proximity index consulted by the driver directory. It only
// knows positions and vehicle classes; availability lives in the store.
type Geo interface {
	Upsert(ctx context.Context, class models.VehicleClass, driverID string, loc models.Coord) error
	// Nearby returns drivers of class within radiusKm of loc, nearest first.
	// limit <= 0 means no cap.
	Nearby(ctx context.Context, class models.VehicleClass, loc models.Coord, radiusKm float64, limit int) ([]Hit, error)
}

type entry struct {
	class models.VehicleClass
	loc   models.Coord
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]entry
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]entry)}
}

func (g *Index) Upsert(_ context.Context, class models.VehicleClass, driverID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = entry{class: class, loc: loc}
	return nil
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(_ context.Context, class models.VehicleClass, loc models.Coord, radiusKm float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	hits := make([]Hit, 0, len(g.drivers))
	for id, e := range g.drivers {
		if e.class != class {
			continue
		}
		d := Haversine(loc.Lat, loc.Lon, e.loc.Lat, e.loc.Lon) / 1000
		if d > radiusKm {
			continue
		}
		hits = append(hits, Hit{DriverID: id, DistKm: d})
	}
	g.mu.RUnlock()

	// ties broken by id so repeated calls agree
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistKm != hits[j].DistKm {
			return hits[i].DistKm < hits[j].DistKm
		}
		return hits[i].DriverID < hits[j].DriverID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
