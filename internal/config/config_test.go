package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Realtime.Transport != TransportPostgres || cfg.Service.Port == "" {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if !strings.Contains(cfg.Database.DSN(), "dbname=pios") {
		t.Errorf("Unexpected DSN %q", cfg.Database.DSN())
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
service:
  port: "9000"
  timezone: America/Bogota
database:
  host: db.internal
realtime:
  transport: kafka
  audit_interval: 90s
circuit_breaker:
  max_failures: 3
  timeout: 10s
`)
	t.Setenv("DB_HOST", "db.override")
	t.Setenv("POS_TABLES", "20")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Service.Port != "9000" {
		t.Errorf("Expected port 9000, got %s", cfg.Service.Port)
	}
	if cfg.Database.Host != "db.override" {
		t.Errorf("Expected env to win, got %s", cfg.Database.Host)
	}
	if cfg.Service.Tables != 20 {
		t.Errorf("Expected 20 tables from env, got %d", cfg.Service.Tables)
	}
	if cfg.Database.User != "pios" {
		t.Errorf("Expected default user to survive, got %s", cfg.Database.User)
	}
	if cfg.Realtime.Transport != TransportKafka || cfg.Realtime.AuditInterval != 90*time.Second {
		t.Errorf("Unexpected realtime config: %+v", cfg.Realtime)
	}
	if cfg.Breaker.MaxFailures != 3 || cfg.Breaker.Timeout != 10*time.Second {
		t.Errorf("Unexpected breaker config: %+v", cfg.Breaker)
	}
	if cfg.Location().String() != "America/Bogota" {
		t.Errorf("Unexpected location %s", cfg.Location())
	}
}

func TestConsumerGroupPerDevice(t *testing.T) {
	t.Setenv("KAFKA_GROUP_ID", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	host, _ := os.Hostname()
	if host != "" && cfg.Kafka.GroupID != "pos-server-"+host {
		t.Errorf("Expected group derived from host %q, got %q", host, cfg.Kafka.GroupID)
	}
	if cfg.Kafka.GroupID == "" || cfg.Kafka.GroupID == cfg.Service.Name {
		t.Errorf("Expected a device specific group, got %q", cfg.Kafka.GroupID)
	}

	t.Setenv("KAFKA_GROUP_ID", "caja-1")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Kafka.GroupID != "caja-1" {
		t.Errorf("Expected env group to win, got %q", cfg.Kafka.GroupID)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown transport", func(c *Config) { c.Realtime.Transport = "smoke-signals" }, "realtime.transport"},
		{"bad timezone", func(c *Config) { c.Service.Timezone = "Mars/Olympus" }, "service.timezone"},
		{"negative tables", func(c *Config) { c.Service.Tables = -1 }, "service.tables"},
		{"no failures", func(c *Config) { c.Breaker.MaxFailures = 0 }, "max_failures"},
		{"kafka without brokers", func(c *Config) { c.Realtime.Transport = TransportKafka; c.Kafka.Brokers = "" }, "kafka.brokers"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected error mentioning %s, got %v", tt.field, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
