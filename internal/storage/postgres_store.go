package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-booking/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenPostgres opens a pool and pings it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies every embedded migration in file name order. The scripts
// are idempotent so running them on each boot is safe.
func Migrate(ctx context.Context, db *sql.DB) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

type PostgresDriverStore struct {
	db *sql.DB
}

func NewPostgresDriverStore(db *sql.DB) *PostgresDriverStore {
	return &PostgresDriverStore{db: db}
}

const driverColumns = `id, vehicle_class, lat, lon, position_updated, status,
	claimed_booking_id, claimed_at, trip_booking_id, wallet_balance`

func (p *PostgresDriverStore) Upsert(ctx context.Context, d *models.Driver) error {
	status := d.Status
	if status == "" {
		status = models.DriverAvailable
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers (id, vehicle_class, lat, lon, position_updated, status, wallet_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET vehicle_class = EXCLUDED.vehicle_class,
		    lat = EXCLUDED.lat,
		    lon = EXCLUDED.lon,
		    position_updated = EXCLUDED.position_updated`,
		d.ID, string(d.VehicleClass), d.Loc.Lat, d.Loc.Lon, d.PositionUpdated, string(status), d.WalletBalance,
	)
	return models.StorageErr("upsert driver", err)
}

func (p *PostgresDriverStore) Get(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("driver %s", id)
	}
	if err != nil {
		return nil, models.StorageErr("get driver", err)
	}
	return d, nil
}

func (p *PostgresDriverStore) GetMany(ctx context.Context, ids []string) (map[string]*models.Driver, error) {
	out := make(map[string]*models.Driver, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, models.StorageErr("get drivers", err)
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, models.StorageErr("scan driver", err)
		}
		out[d.ID] = d
	}
	return out, models.StorageErr("iterate drivers", rows.Err())
}

func (p *PostgresDriverStore) UpdatePosition(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET lat = $2, lon = $3, position_updated = $4 WHERE id = $1`,
		id, loc.Lat, loc.Lon, at)
	return affectedOrNotFound(res, err, "update position", "driver "+id)
}

func (p *PostgresDriverStore) TryClaim(ctx context.Context, driverID, bookingID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE drivers
		SET status = 'CLAIMED', claimed_booking_id = $2, claimed_at = $3
		WHERE id = $1 AND status = 'AVAILABLE'`,
		driverID, bookingID, at,
	)
	return applied(res, err, "claim driver")
}

func (p *PostgresDriverStore) Confirm(ctx context.Context, driverID, bookingID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE drivers
		SET status = 'ON_TRIP', trip_booking_id = claimed_booking_id, claimed_booking_id = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'CLAIMED' AND claimed_booking_id = $2`,
		driverID, bookingID,
	)
	return applied(res, err, "confirm driver")
}

// holdsBooking matches a driver row that still holds booking $2.
const holdsBooking = `((status = 'CLAIMED' AND claimed_booking_id = $2) OR (status = 'ON_TRIP' AND trip_booking_id = $2))`

func (p *PostgresDriverStore) ReleaseFor(ctx context.Context, driverID, bookingID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE drivers
		SET status = 'AVAILABLE', claimed_booking_id = NULL, claimed_at = NULL, trip_booking_id = NULL
		WHERE id = $1 AND `+holdsBooking, driverID, bookingID)
	return applied(res, err, "release driver")
}

func (p *PostgresDriverStore) ReleaseStale(ctx context.Context, cutoff time.Time) ([]models.Claim, error) {
	// SKIP LOCKED lets two reapers sweep concurrently without double-reporting
	rows, err := p.db.QueryContext(ctx, `
		WITH stale AS (
			SELECT id, claimed_booking_id
			FROM drivers
			WHERE status = 'CLAIMED' AND claimed_at < $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE drivers d
		SET status = 'AVAILABLE', claimed_booking_id = NULL, claimed_at = NULL, trip_booking_id = NULL
		FROM stale
		WHERE d.id = stale.id
		RETURNING d.id, stale.claimed_booking_id`, cutoff)
	if err != nil {
		return nil, models.StorageErr("release stale", err)
	}
	defer rows.Close()
	var out []models.Claim
	for rows.Next() {
		var c models.Claim
		var booking sql.NullString
		if err := rows.Scan(&c.DriverID, &booking); err != nil {
			return nil, models.StorageErr("scan stale claim", err)
		}
		c.BookingID = booking.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageErr("iterate stale claims", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriver(r rowScanner) (*models.Driver, error) {
	var d models.Driver
	var class, status string
	var claimedBooking, tripBooking sql.NullString
	var claimedAt sql.NullTime
	err := r.Scan(&d.ID, &class, &d.Loc.Lat, &d.Loc.Lon, &d.PositionUpdated, &status,
		&claimedBooking, &claimedAt, &tripBooking, &d.WalletBalance)
	if err != nil {
		return nil, err
	}
	d.VehicleClass = models.VehicleClass(class)
	d.Status = models.DriverStatus(status)
	d.ClaimedBookingID = nullString(claimedBooking)
	d.TripBookingID = nullString(tripBooking)
	if claimedAt.Valid {
		t := claimedAt.Time
		d.ClaimedAt = &t
	}
	return &d, nil
}

type PostgresBookingStore struct {
	db *sql.DB
}

func NewPostgresBookingStore(db *sql.DB) *PostgresBookingStore {
	return &PostgresBookingStore{db: db}
}

const bookingColumns = `id, rider_id, driver_id,
	pickup_address, pickup_lat, pickup_lng, dropoff_address, dropoff_lat, dropoff_lng,
	distance_km, vehicle_class,
	fare_base, fare_distance, fare_time, fare_booking_fee, fare_tax, fare_total,
	estimated_time_min, status, created_at, updated_at`

func (p *PostgresBookingStore) Create(ctx context.Context, b *models.Booking) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.StorageErr("begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		b.ID, b.RiderID, b.DriverID,
		b.Pickup.Address, b.Pickup.Lat, b.Pickup.Lng, b.Dropoff.Address, b.Dropoff.Lat, b.Dropoff.Lng,
		b.DistanceKm, string(b.VehicleClass),
		b.Fare.Base, b.Fare.DistanceFare, b.Fare.TimeFare, b.Fare.BookingFee, b.Fare.Tax, b.Fare.Total,
		b.EstimatedTimeMin, string(b.Status), b.CreatedAt, b.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return models.Validationf("booking %s already exists", b.ID)
	}
	if err != nil {
		return models.StorageErr("insert booking", err)
	}
	for _, ev := range b.Events {
		if err := insertEvent(ctx, tx, b.ID, ev); err != nil {
			return err
		}
	}
	return models.StorageErr("commit", tx.Commit())
}

func (p *PostgresBookingStore) Get(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("booking %s", id)
	}
	if err != nil {
		return nil, models.StorageErr("get booking", err)
	}

	rows, err := p.db.QueryContext(ctx, `SELECT at, text FROM booking_events WHERE booking_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, models.StorageErr("get booking events", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev models.BookingEvent
		if err := rows.Scan(&ev.At, &ev.Text); err != nil {
			return nil, models.StorageErr("scan booking event", err)
		}
		b.Events = append(b.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageErr("iterate booking events", err)
	}
	return b, nil
}

func (p *PostgresBookingStore) List(ctx context.Context, f BookingFilter) ([]*models.Booking, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.RiderID != "" {
		add("rider_id = $%d", f.RiderID)
	}
	if f.VehicleClass != "" {
		add("vehicle_class = $%d", string(f.VehicleClass))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.UpdatedBefore.IsZero() {
		add("updated_at < $%d", f.UpdatedBefore)
	}
	if f.NoDriver {
		where = append(where, "driver_id IS NULL")
	}

	q := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.StorageErr("list bookings", err)
	}
	defer rows.Close()
	out := make([]*models.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, models.StorageErr("scan booking", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageErr("iterate bookings", err)
	}
	return out, nil
}

func (p *PostgresBookingStore) Transition(ctx context.Context, id string, t Transition) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, models.StorageErr("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET status = $1,
		    driver_id = CASE WHEN $2::boolean THEN NULL ELSE COALESCE($3::text, driver_id) END,
		    updated_at = $4
		WHERE id = $5
		  AND status = $6
		  AND ($7::text IS NULL OR driver_id = $7::text)
		  AND (NOT $8::boolean OR driver_id IS NULL)`,
		string(t.To), t.ClearDriver, t.SetDriverID, t.At,
		id, string(t.From), t.ExpectDriverID, t.RequireNoDriver,
	)
	ok, err := applied(res, err, "transition booking")
	if err != nil || !ok {
		return ok, err
	}
	if t.Event != "" {
		if err := insertEvent(ctx, tx, id, models.BookingEvent{At: t.At, Text: t.Event}); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, models.StorageErr("commit", err)
	}
	return true, nil
}

func (p *PostgresBookingStore) AppendEvent(ctx context.Context, id string, ev models.BookingEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO booking_events (booking_id, at, text) VALUES ($1, $2, $3)`, id, ev.At, ev.Text)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return models.NotFoundf("booking %s", id)
	}
	return models.StorageErr("append event", err)
}

// PostgresSettler completes a booking and pays its driver in one transaction.
// The booking row is locked before the driver row.
type PostgresSettler struct {
	db *sql.DB
}

func NewPostgresSettler(db *sql.DB) *PostgresSettler {
	return &PostgresSettler{db: db}
}

func (p *PostgresSettler) Settle(ctx context.Context, st Settlement) (bool, error) {
	if st.Amount < 0 {
		return false, models.Validationf("credit must be non-negative, got %d", st.Amount)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, models.StorageErr("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET status = 'COMPLETED', updated_at = $3
		WHERE id = $1 AND status = 'ASSIGNED' AND driver_id = $2`,
		st.BookingID, st.DriverID, st.At,
	)
	if ok, err := applied(res, err, "complete booking"); err != nil || !ok {
		return false, err
	}
	res, err = tx.ExecContext(ctx, `
		UPDATE drivers
		SET wallet_balance = wallet_balance + $3,
		    status = 'AVAILABLE', claimed_booking_id = NULL, claimed_at = NULL, trip_booking_id = NULL
		WHERE id = $1 AND `+holdsBooking,
		st.DriverID, st.BookingID, st.Amount,
	)
	if ok, err := applied(res, err, "settle driver"); err != nil || !ok {
		return false, err
	}
	if st.Event != "" {
		if err := insertEvent(ctx, tx, st.BookingID, models.BookingEvent{At: st.At, Text: st.Event}); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, models.StorageErr("commit", err)
	}
	return true, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, id string, ev models.BookingEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO booking_events (booking_id, at, text) VALUES ($1, $2, $3)`, id, ev.At, ev.Text)
	return models.StorageErr("insert booking event", err)
}

func scanBooking(r rowScanner) (*models.Booking, error) {
	var b models.Booking
	var driverID sql.NullString
	var pLat, pLng, dLat, dLng sql.NullFloat64
	var class, status string
	err := r.Scan(&b.ID, &b.RiderID, &driverID,
		&b.Pickup.Address, &pLat, &pLng, &b.Dropoff.Address, &dLat, &dLng,
		&b.DistanceKm, &class,
		&b.Fare.Base, &b.Fare.DistanceFare, &b.Fare.TimeFare, &b.Fare.BookingFee, &b.Fare.Tax, &b.Fare.Total,
		&b.EstimatedTimeMin, &status, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.DriverID = nullString(driverID)
	b.Pickup.Lat, b.Pickup.Lng = nullFloat(pLat), nullFloat(pLng)
	b.Dropoff.Lat, b.Dropoff.Lng = nullFloat(dLat), nullFloat(dLng)
	b.VehicleClass = models.VehicleClass(class)
	b.Status = models.BookingStatus(status)
	return &b, nil
}

func applied(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, models.StorageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, models.StorageErr(op, err)
	}
	return n == 1, nil
}

func affectedOrNotFound(res sql.Result, err error, op, what string) error {
	ok, err := applied(res, err, op)
	if err != nil {
		return err
	}
	if !ok {
		return models.NotFoundf("%s", what)
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
