package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	for _, k := range []string{"ASSIGN_TOP_N", "ASSIGN_RADIUS_KM", "AUTO_ASSIGN", "CLAIM_TIMEOUT", "REAPER_INTERVAL", "AUTO_COMPLETE_AFTER", "KAFKA_BROKERS"} {
		t.Setenv(k, "")
	}
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AssignTopN != 10 || cfg.AssignRadiusKm != 5 || !cfg.AutoAssign {
		t.Fatalf("unexpected assignment defaults %+v", cfg)
	}
	if cfg.ClaimTimeout != 90*time.Second || cfg.ReaperInterval != time.Minute || cfg.AutoCompleteAfter != 0 {
		t.Fatalf("unexpected timer defaults %+v", cfg)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("AUTO_ASSIGN", "false")
	t.Setenv("CLAIM_TIMEOUT", "2m")
	t.Setenv("OSRM_ENDPOINT", "http://osrm:5000/")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers not split: %v", cfg.KafkaBrokers)
	}
	if cfg.AutoAssign || cfg.ClaimTimeout != 2*time.Minute || cfg.OSRMEndpoint != "http://osrm:5000" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("ASSIGN_TOP_N", "0")
	t.Setenv("CLAIM_TIMEOUT", "soon")
	t.Setenv("AUTO_ASSIGN", "maybe")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"ASSIGN_TOP_N", "CLAIM_TIMEOUT", "AUTO_ASSIGN"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfigRequiresSharedState(t *testing.T) {
	t.Setenv("PG_DSN", "")
	t.Setenv("REDIS_ADDR", "")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("expected error without PG_DSN and REDIS_ADDR")
	}
	t.Setenv("PG_DSN", "postgres://localhost/rides")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KafkaTopic != "driver-locations" {
		t.Fatalf("unexpected topic %q", cfg.KafkaTopic)
	}
}

func TestQueueLocationsNeedsSharedState(t *testing.T) {
	cases := []struct {
		name string
		cfg  ServerConfig
		want bool
	}{
		{"no brokers", ServerConfig{PGDSN: "pg", RedisAddr: "redis"}, false},
		{"memory drivers", ServerConfig{KafkaBrokers: []string{"k1"}}, false},
		{"no redis", ServerConfig{KafkaBrokers: []string{"k1"}, PGDSN: "pg"}, false},
		{"no postgres", ServerConfig{KafkaBrokers: []string{"k1"}, RedisAddr: "redis"}, false},
		{"shared state", ServerConfig{KafkaBrokers: []string{"k1"}, PGDSN: "pg", RedisAddr: "redis"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.QueueLocations(); got != tc.want {
				t.Fatalf("QueueLocations() = %v, want %v", got, tc.want)
			}
		})
	}
}
