// Package ingest carries driver location updates from the edge to the
// consumer that applies them to the directory.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-booking/internal/models"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaProducer{writer: w}
}

// PublishLocation keys by driver id so one driver's updates stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(loc.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Decode parses one location message. A message without a driver id or
// with an out-of-range coordinate is rejected.
func Decode(value []byte) (models.DriverLocation, error) {
	var loc models.DriverLocation
	if err := json.Unmarshal(value, &loc); err != nil {
		return loc, models.Validationf("decode location: %v", err)
	}
	if loc.DriverID == "" {
		return loc, models.Validationf("location without driver id")
	}
	if loc.Loc.Lat < -90 || loc.Loc.Lat > 90 || loc.Loc.Lon < -180 || loc.Loc.Lon > 180 {
		return loc, models.Validationf("coordinate out of range: %v,%v", loc.Loc.Lat, loc.Loc.Lon)
	}
	return loc, nil
}
