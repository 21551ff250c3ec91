package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/directory"
	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
)

// LocationPublisher forwards driver positions to the ingest topic.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

type Server struct {
	Bookings  *booking.Service
	Directory *directory.Directory
	Locations LocationPublisher // optional; positions go straight to Directory without it
	WSReg     *dispatch.WSRegistry
	// Ready reports whether backing services are reachable.
	Ready func(ctx context.Context) error

	auth   *Authenticator
	logger *slog.Logger
	mux    *mux.Router
}

type Options struct {
	Bookings  *booking.Service
	Directory *directory.Directory
	Locations LocationPublisher
	WSReg     *dispatch.WSRegistry
	Ready     func(ctx context.Context) error
	JWTSecret string
	Logger    *slog.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wsreg := opts.WSReg
	if wsreg == nil {
		wsreg = dispatch.NewWSRegistry()
	}
	s := &Server{
		Bookings:  opts.Bookings,
		Directory: opts.Directory,
		Locations: opts.Locations,
		WSReg:     wsreg,
		Ready:     opts.Ready,
		auth:      &Authenticator{Secret: []byte(opts.JWTSecret)},
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/options", s.handleOptions).Methods(http.MethodGet)

	rider := s.mux.PathPrefix("/api/v1/rides").Subrouter()
	rider.Use(s.requireRole(RoleRider))
	rider.HandleFunc("", s.handleCreateBooking).Methods(http.MethodPost)
	rider.HandleFunc("", s.handleHistory).Methods(http.MethodGet)
	rider.HandleFunc("/{id}", s.handleGetBooking).Methods(http.MethodGet)

	driver := s.mux.PathPrefix("/api/v1/driver").Subrouter()
	driver.Use(s.requireRole(RoleDriver))
	driver.HandleFunc("/rides", s.handlePending).Methods(http.MethodGet)
	driver.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	driver.HandleFunc("/rides/{id}/confirm", s.handleConfirm).Methods(http.MethodPost)
	driver.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	driver.HandleFunc("/earnings", s.handleEarnings).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/drivers/{id}", s.handleUpsertDriver).Methods(http.MethodPut)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.requireRole(RoleDriver))
	ws.HandleFunc("/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	distance, err := strconv.ParseFloat(r.URL.Query().Get("distance"), 64)
	if err != nil {
		s.writeError(w, r, models.Validationf("distance must be a number"))
		return
	}
	opts, err := s.Bookings.Options(distance)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"distanceKm": distance, "options": opts})
}

type createBookingRequest struct {
	Pickup           models.Location       `json:"pickup"`
	Dropoff          models.Location       `json:"dropoff"`
	DistanceKm       float64               `json:"distanceKm"`
	VehicleClass     models.VehicleClass   `json:"vehicleClass"`
	Fare             *models.FareBreakdown `json:"fare,omitempty"`
	EstimatedTimeMin *int                  `json:"estimatedTimeMin,omitempty"`
}

type createBookingResponse struct {
	BookingID        string               `json:"bookingId"`
	Status           models.BookingStatus `json:"status"`
	Fare             models.FareBreakdown `json:"fare"`
	EstimatedTimeMin int                  `json:"estimatedTimeMin"`
	DriverID         *string              `json:"driverId,omitempty"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	in := booking.CreateRequest{
		RiderID:          identityFromContext(r.Context()).Subject,
		Pickup:           req.Pickup,
		Dropoff:          req.Dropoff,
		DistanceKm:       req.DistanceKm,
		VehicleClass:     req.VehicleClass,
		EstimatedTimeMin: req.EstimatedTimeMin,
	}
	if req.Fare != nil {
		in.QuotedTotal = &req.Fare.Total
	}
	b, err := s.Bookings.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createBookingResponse{
		BookingID:        b.ID,
		Status:           b.Status,
		Fare:             b.Fare,
		EstimatedTimeMin: b.EstimatedTimeMin,
		DriverID:         b.DriverID,
	})
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, err := s.Bookings.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// other riders' bookings are indistinguishable from missing ones
	if b.RiderID != identityFromContext(r.Context()).Subject {
		s.writeError(w, r, models.NotFoundf("booking %s", id))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	list, err := s.Bookings.History(r.Context(), identityFromContext(r.Context()).Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": list})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	drv, err := s.Directory.Get(r.Context(), identityFromContext(r.Context()).Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	class := drv.VehicleClass
	if q := models.VehicleClass(r.URL.Query().Get("vehicleClass")); q != "" && q != class {
		s.writeError(w, r, models.Validationf("driver vehicle class is %s, not %s", class, q))
		return
	}
	list, err := s.Bookings.ListPending(r.Context(), class)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicleClass": class, "bookings": list})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.Bookings.Accept)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.Bookings.Confirm)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.Bookings.Complete)
}

func (s *Server) driverAction(w http.ResponseWriter, r *http.Request, act func(ctx context.Context, bookingID, driverID string) (*models.Booking, error)) {
	b, err := act(r.Context(), mux.Vars(r)["id"], identityFromContext(r.Context()).Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	driverID := identityFromContext(r.Context()).Subject
	balance, err := s.Bookings.Earnings(r.Context(), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driverId": driverID, "walletBalance": balance})
}

type upsertDriverRequest struct {
	VehicleClass models.VehicleClass `json:"vehicleClass"`
	Lat          float64             `json:"lat"`
	Lng          float64             `json:"lng"`
}

func (s *Server) handleUpsertDriver(w http.ResponseWriter, r *http.Request) {
	var req upsertDriverRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Directory.Register(r.Context(), mux.Vars(r)["id"], req.VehicleClass, models.Coord{Lat: req.Lat, Lon: req.Lng})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type locationRequest struct {
	DriverID string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.DriverID == "" {
		s.writeError(w, r, models.Validationf("driverId is required"))
		return
	}
	loc := models.DriverLocation{DriverID: req.DriverID, Loc: models.Coord{Lat: req.Lat, Lon: req.Lng}, At: time.Now().UTC()}

	if s.Locations != nil {
		err := s.Locations.PublishLocation(r.Context(), loc)
		if err == nil {
			observability.LocationUpdates.WithLabelValues("queued").Inc()
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.logger.WarnContext(r.Context(), "publish location, applying directly", slog.String("driver_id", req.DriverID), slog.Any("error", err))
	}
	if err := s.Directory.UpdatePosition(r.Context(), loc.DriverID, loc.Loc, loc.At); err != nil {
		observability.LocationUpdates.WithLabelValues("error").Inc()
		s.writeError(w, r, err)
		return
	}
	observability.LocationUpdates.WithLabelValues("applied").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", slog.Any("error", err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS keeps a driver's offer channel open until the client goes away.
// A driver can only open its own channel.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	if identityFromContext(r.Context()).Subject != id {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "cannot subscribe to another driver's offers"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "ws upgrade failed", slog.String("driver_id", id), slog.Any("error", err))
		return
	}
	s.WSReg.Add(id, conn)
	observability.DriversOnline.Inc()
	defer func() {
		s.WSReg.Remove(id, conn)
		observability.DriversOnline.Dec()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
