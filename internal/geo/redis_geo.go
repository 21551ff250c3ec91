package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-booking/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands, one sorted set per
// vehicle class.
type RedisGeo struct {
	client *redis.Client
	prefix string
}

func NewRedisGeo(addr, password, prefix string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoFromClient(c, prefix)
}

func NewRedisGeoFromClient(c *redis.Client, prefix string) *RedisGeo {
	return &RedisGeo{client: c, prefix: prefix}
}

func (r *RedisGeo) Upsert(ctx context.Context, class models.VehicleClass, driverID string, loc models.Coord) error {
	pipe := r.client.TxPipeline()
	// a driver re-registered under another class must leave its old set
	for _, other := range models.VehicleClasses {
		if other != class {
			pipe.ZRem(ctx, r.key(other), driverID)
		}
	}
	pipe.GeoAdd(ctx, r.key(class), &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, class models.VehicleClass, loc models.Coord, radiusKm float64, limit int) ([]Hit, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  loc.Lon,
			Latitude:   loc.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key(class), q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{DriverID: g.Name, DistKm: g.Dist})
	}
	return out, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisGeo) Close() error {
	return r.client.Close()
}

func (r *RedisGeo) key(class models.VehicleClass) string {
	return r.prefix + ":" + string(class)
}
