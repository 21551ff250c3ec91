package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-booking/internal/config"
	"github.com/example/ride-booking/internal/directory"
	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/ingest"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid or unknown-driver messages dropped",
	})
	positionUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_position_updates_total",
		Help: "Total driver positions applied",
	})
	positionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_position_errors_total",
		Help: "Total positions that could not be applied after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, positionUpdates, positionErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenPostgres(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("open postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	defer rg.Close()
	dir := directory.New(rg, storage.NewPostgresDriverStore(db))

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := errors.Join(rg.Ping(r.Context()), db.PingContext(r.Context())); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", slog.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", slog.String("topic", cfg.KafkaTopic), slog.Any("brokers", cfg.KafkaBrokers), slog.String("group", cfg.KafkaGroup))
	consume(ctx, r, dir, logger)
	logger.Info("shutting down consumer")
}

// MessageReader is the part of kafka.Reader the loop uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// PositionUpdater applies one position to the driver directory.
type PositionUpdater interface {
	UpdatePosition(ctx context.Context, id string, loc models.Coord, at time.Time) error
}

func consume(ctx context.Context, r MessageReader, dir PositionUpdater, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", slog.Any("error", err), slog.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		loc, err := ingest.Decode(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", slog.Any("error", err))
			continue
		}
		if err := updateWithRetry(ctx, dir, loc, 3, 200*time.Millisecond); err != nil {
			if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrValidation) {
				msgsInvalid.Inc()
			} else {
				positionErrors.Inc()
			}
			logger.Warn("position update failed", slog.String("driver_id", loc.DriverID), slog.Any("error", err))
			continue
		}
		positionUpdates.Inc()
	}
}

// updateWithRetry retries transient failures with doubling delay. Unknown
// drivers and bad coordinates are not retried.
func updateWithRetry(ctx context.Context, dir PositionUpdater, loc models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = dir.UpdatePosition(ctx, loc.DriverID, loc.Loc, loc.At)
		if err == nil || errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrValidation) {
			return err
		}
		if i < attempts-1 {
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay *= 2
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
