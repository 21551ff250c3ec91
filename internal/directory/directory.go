// Package directory combines the proximity index with the driver store.
// Positions are mirrored into the index; availability and claims are only
// ever decided by the store.
package directory

import (
	"context"
	"time"

	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

type Directory struct {
	Geo   geo.Geo
	Store storage.DriverStore
	Now   func() time.Time
}

func New(g geo.Geo, s storage.DriverStore) *Directory {
	return &Directory{Geo: g, Store: s, Now: time.Now}
}

// Register creates or refreshes a driver and places it in the index.
func (d *Directory) Register(ctx context.Context, id string, class models.VehicleClass, loc models.Coord) (*models.Driver, error) {
	if id == "" {
		return nil, models.Validationf("driver id is required")
	}
	if !class.Valid() {
		return nil, models.Validationf("unknown vehicle class %q", class)
	}
	if err := validCoord(loc); err != nil {
		return nil, err
	}
	drv := &models.Driver{ID: id, VehicleClass: class, Loc: loc, PositionUpdated: d.Now(), Status: models.DriverAvailable}
	if err := d.Store.Upsert(ctx, drv); err != nil {
		return nil, err
	}
	if err := d.Geo.Upsert(ctx, class, id, loc); err != nil {
		return nil, models.StorageErr("index driver", err)
	}
	return d.Store.Get(ctx, id)
}

// UpdatePosition records a new position for a known driver.
func (d *Directory) UpdatePosition(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	if err := validCoord(loc); err != nil {
		return err
	}
	drv, err := d.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = d.Now()
	}
	if err := d.Store.UpdatePosition(ctx, id, loc, at); err != nil {
		return err
	}
	if err := d.Geo.Upsert(ctx, drv.VehicleClass, id, loc); err != nil {
		return models.StorageErr("index driver", err)
	}
	return nil
}

// FindNearby returns up to limit AVAILABLE drivers of class within radiusKm
// of loc, nearest first. Claimed drivers are skipped rather than counted, so
// a busy neighbourhood does not starve the result.
func (d *Directory) FindNearby(ctx context.Context, loc models.Coord, radiusKm float64, class models.VehicleClass, limit int) ([]*models.Driver, error) {
	hits, err := d.Geo.Nearby(ctx, class, loc, radiusKm, 0)
	if err != nil {
		return nil, models.StorageErr("nearby", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.DriverID
	}
	drivers, err := d.Store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Driver, 0, len(hits))
	for _, h := range hits {
		drv, ok := drivers[h.DriverID]
		if !ok || drv.Status != models.DriverAvailable || drv.VehicleClass != class {
			continue
		}
		out = append(out, drv)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (d *Directory) Get(ctx context.Context, id string) (*models.Driver, error) {
	return d.Store.Get(ctx, id)
}

func (d *Directory) TryClaim(ctx context.Context, driverID, bookingID string) (bool, error) {
	return d.Store.TryClaim(ctx, driverID, bookingID, d.Now())
}

func (d *Directory) Confirm(ctx context.Context, driverID, bookingID string) (bool, error) {
	return d.Store.Confirm(ctx, driverID, bookingID)
}

func (d *Directory) ReleaseFor(ctx context.Context, driverID, bookingID string) (bool, error) {
	return d.Store.ReleaseFor(ctx, driverID, bookingID)
}

func validCoord(c models.Coord) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return models.Validationf("coordinate out of range: %v,%v", c.Lat, c.Lon)
	}
	return nil
}
