package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("Expected memory store, got %s", cfg.Store.Backend)
	}
	if cfg.Events.Backend != EventsNone {
		t.Errorf("Expected no events, got %s", cfg.Events.Backend)
	}
	if cfg.Recovery.StalenessThreshold != 30*time.Minute {
		t.Errorf("Expected 30m threshold, got %v", cfg.Recovery.StalenessThreshold)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected :8080, got %s", cfg.HTTPAddr)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"LEDGER_STORE":               "postgres",
		"LEDGER_POSTGRES_DSN":        "postgres://localhost/ledger",
		"LEDGER_RECOVERY_STALENESS":  "5m",
		"LEDGER_RECOVERY_BATCH_SIZE": "50",
		"LEDGER_EVENTS":              "kafka",
		"LEDGER_KAFKA_BROKERS":       "k1:9092, k2:9092,",
		"LEDGER_LOG_DEV":             "true",
		"LEDGER_LOG_LEVEL":           "warn",
	}))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Recovery.StalenessThreshold != 5*time.Minute || cfg.Recovery.BatchSize != 50 {
		t.Errorf("Unexpected recovery config: %+v", cfg.Recovery)
	}
	if len(cfg.Events.KafkaBrokers) != 2 || cfg.Events.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("Unexpected brokers: %v", cfg.Events.KafkaBrokers)
	}
	if !cfg.Log.Development || cfg.Log.Level != "warn" {
		t.Errorf("Unexpected log config: %+v", cfg.Log)
	}
}

func TestFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad duration", map[string]string{"LEDGER_RECOVERY_STALENESS": "soon"}, "LEDGER_RECOVERY_STALENESS"},
		{"bad int", map[string]string{"LEDGER_MAX_ITERATIONS": "many"}, "LEDGER_MAX_ITERATIONS"},
		{"unknown store", map[string]string{"LEDGER_STORE": "sqlite"}, "unknown store backend"},
		{"postgres without dsn", map[string]string{"LEDGER_STORE": "postgres"}, "LEDGER_POSTGRES_DSN"},
		{"mongo without uri", map[string]string{"LEDGER_STORE": "mongo"}, "LEDGER_MONGO_URI"},
		{"rabbitmq without url", map[string]string{"LEDGER_EVENTS": "rabbitmq"}, "LEDGER_RABBITMQ_URL"},
		{"zero threshold", map[string]string{"LEDGER_RECOVERY_STALENESS": "0s"}, "staleness"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(envMap(tt.env))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("LEDGER_HTTP_ADDR=:9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEDGER_HTTP_ADDR", "")
	os.Unsetenv("LEDGER_HTTP_ADDR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("Expected :9999 from .env, got %s", cfg.HTTPAddr)
	}
}

func TestLoad_MissingFileIgnored(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("Expected missing file to be ignored, got %v", err)
	}
}
