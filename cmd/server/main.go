package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/config"
	"github.com/example/ride-booking/internal/directory"
	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/eta"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/geo"
	httpapi "github.com/example/ride-booking/internal/http"
	"github.com/example/ride-booking/internal/ingest"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/matcher"
	"github.com/example/ride-booking/internal/reaper"
	"github.com/example/ride-booking/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		drivers  storage.DriverStore
		bookings storage.BookingStore
		settler  storage.Settler
		checks   []func(context.Context) error
	)
	if cfg.PGDSN != "" {
		db, err := storage.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, db); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		drivers = storage.NewPostgresDriverStore(db)
		bookings = storage.NewPostgresBookingStore(db)
		settler = storage.NewPostgresSettler(db)
		checks = append(checks, dbCheck(db))
	} else {
		logger.Warn("PG_DSN not set, keeping drivers and bookings in memory")
		memDrivers, memBookings := storage.NewMemoryDriverStore(), storage.NewMemoryBookingStore()
		drivers, bookings = memDrivers, memBookings
		settler = storage.NewMemorySettler(memDrivers, memBookings)
	}

	var index geo.Geo
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		index = rg
		checks = append(checks, rg.Ping)
	} else {
		index = geo.NewIndex()
	}
	dir := directory.New(index, drivers)

	publisher := buildPublisher(cfg, logger)
	defer publisher.Close()

	var locations httpapi.LocationPublisher
	if cfg.QueueLocations() {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer producer.Close()
		locations = producer
	} else if len(cfg.KafkaBrokers) > 0 {
		logger.Warn("location consumer needs PG_DSN and REDIS_ADDR, applying positions directly")
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(30 * time.Second), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	wsreg := dispatch.NewWSRegistry()
	assigner := &matcher.Service{
		Drivers:  dir,
		Bookings: bookings,
		Dispatch: dispatch.NewPushDispatcher(wsreg, cfg.PushWebhookURL, logger),
		Events:   publisher,
		ETA:      estimator,
		Logger:   logger,
		TopN:     cfg.AssignTopN,
		RadiusKm: cfg.AssignRadiusKm,
	}
	svc := &booking.Service{
		Bookings:   bookings,
		Drivers:    dir,
		Wallets:    drivers,
		Settler:    settler,
		Assigner:   assigner,
		Events:     publisher,
		Logger:     logger,
		AutoAssign: cfg.AutoAssign,
	}

	rp := &reaper.Reaper{
		Drivers:  drivers,
		Bookings: bookings,
		Events:   publisher,
		Logger:   logger,
		Timeout:  cfg.ClaimTimeout,
		Interval: cfg.ReaperInterval,
	}
	if cfg.AutoAssign {
		rp.Assigner = assigner
	}
	go rp.Run(ctx)

	if cfg.AutoCompleteAfter > 0 {
		ac := &booking.AutoCompleter{Service: svc, After: cfg.AutoCompleteAfter, Interval: cfg.ReaperInterval, Logger: logger}
		go ac.Run(ctx)
	}

	api := httpapi.NewServer(httpapi.Options{
		Bookings:  svc,
		Directory: dir,
		Locations: locations,
		WSReg:     wsreg,
		Ready:     readiness(checks),
		JWTSecret: cfg.JWTSecret,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-booking listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildPublisher(cfg config.ServerConfig, logger *slog.Logger) events.Publisher {
	var pubs events.Multi
	if len(cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic))
	}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("rabbitmq unavailable, booking events not published there", slog.Any("error", err))
		} else {
			pubs = append(pubs, p)
		}
	}
	if len(pubs) == 0 {
		return events.Nop{}
	}
	return pubs
}

func dbCheck(db *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

func readiness(checks []func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		var errs []error
		for _, c := range checks {
			if err := c(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
