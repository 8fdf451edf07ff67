package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	TransportPostgres = "postgres"
	TransportKafka    = "kafka"
)

type Config struct {
	Service   Service   `yaml:"service"`
	Database  Database  `yaml:"database"`
	Kafka     Kafka     `yaml:"kafka"`
	Realtime  Realtime  `yaml:"realtime"`
	Breaker   Breaker   `yaml:"circuit_breaker"`
	Telemetry Telemetry `yaml:"telemetry"`
}

type Service struct {
	Name           string   `yaml:"name"`
	Port           string   `yaml:"port"`
	Timezone       string   `yaml:"timezone"`
	LogLevel       string   `yaml:"log_level"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Tables is the number of dining tables provisioned at startup.
	Tables int `yaml:"tables"`
}

type Database struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type Kafka struct {
	Brokers string `yaml:"brokers"`
	// GroupID must be unique per device: every display needs the full
	// change feed. Left empty, it is derived from the service name and
	// the host name.
	GroupID string `yaml:"group_id"`
	// PublishPaid sends order.paid events after payments.
	PublishPaid bool `yaml:"publish_paid"`
}

type Realtime struct {
	// Transport selects the change feed: Postgres LISTEN/NOTIFY or the
	// Kafka change topics filled by the change relay.
	Transport     string        `yaml:"transport"`
	AuditInterval time.Duration `yaml:"audit_interval"`
}

type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRequests int           `yaml:"max_requests"`
}

type Telemetry struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

func Default() *Config {
	return &Config{
		Service: Service{
			Name:     "pos-server",
			Port:     "8080",
			Timezone: "America/Bogota",
			LogLevel: "info",
			Tables:   12,
		},
		Database: Database{
			Host:     "localhost",
			Port:     "5432",
			User:     "pios",
			Password: "pios",
			Name:     "pios",
			SSLMode:  "disable",
		},
		Kafka: Kafka{
			Brokers: "localhost:9092",
		},
		Realtime: Realtime{
			Transport:     TransportPostgres,
			AuditInterval: 5 * time.Minute,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			MaxRequests: 1,
		},
		Telemetry: Telemetry{
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}

// Load reads the YAML file at path, when given, on top of the defaults and
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = deviceGroupID(cfg.Service.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Service.Port = getEnv("POS_PORT", c.Service.Port)
	c.Service.Timezone = getEnv("POS_TIMEZONE", c.Service.Timezone)
	c.Service.LogLevel = getEnv("LOG_LEVEL", c.Service.LogLevel)
	if n, err := strconv.Atoi(os.Getenv("POS_TABLES")); err == nil {
		c.Service.Tables = n
	}
	if origins := os.Getenv("POS_ALLOWED_ORIGINS"); origins != "" {
		c.Service.AllowedOrigins = strings.Split(origins, ",")
	}

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Kafka.Brokers = getEnv("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", c.Kafka.GroupID)
	if v, err := strconv.ParseBool(os.Getenv("KAFKA_PUBLISH_PAID")); err == nil {
		c.Kafka.PublishPaid = v
	}

	c.Realtime.Transport = getEnv("REALTIME_TRANSPORT", c.Realtime.Transport)
	if d, err := time.ParseDuration(os.Getenv("AUDIT_INTERVAL")); err == nil {
		c.Realtime.AuditInterval = d
	}

	c.Telemetry.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.Endpoint)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Service.Port == "" {
		errs = append(errs, errors.New("service.port is required"))
	}
	if _, err := time.LoadLocation(c.Service.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("service.timezone: %w", err))
	}
	switch c.Realtime.Transport {
	case TransportPostgres, TransportKafka:
	default:
		errs = append(errs, fmt.Errorf("realtime.transport: unknown transport %q", c.Realtime.Transport))
	}
	if c.Realtime.Transport == TransportKafka && c.Kafka.Brokers == "" {
		errs = append(errs, errors.New("kafka.brokers is required for the kafka transport"))
	}
	if c.Service.Tables < 0 {
		errs = append(errs, errors.New("service.tables must not be negative"))
	}
	if c.Breaker.MaxFailures <= 0 {
		errs = append(errs, errors.New("circuit_breaker.max_failures must be positive"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location returns the time zone that defines the working day.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Service.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

func deviceGroupID(service string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = uuid.NewString()
	}
	return service + "-" + host
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
