package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Store backends selectable with the store key.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds typed configuration for the archiver service.
type Config struct {
	LogLevel        string
	HTTPPort        string
	GRPCPort        string
	MetricsAddr     string
	OTelEndpoint    string
	// OTelSampleRatio is the fraction of new traces recorded, 0 records all.
	OTelSampleRatio float64

	Store        string
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers string
	EventsTopic  string

	// MaxActiveJobs caps the number of jobs with a live worker. It has no
	// default and must be set.
	MaxActiveJobs      int
	DispatchInterval   time.Duration
	ActivationSchedule string
	PollInterval       time.Duration
	HTTPTimeout        time.Duration
	// TaskRateLimit is the number of tasks each job may start per minute,
	// 0 disables the limit.
	TaskRateLimit   int
	ShutdownTimeout time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:           v.GetString("log_level"),
		HTTPPort:           v.GetString("http_port"),
		GRPCPort:           v.GetString("grpc_port"),
		MetricsAddr:        v.GetString("metrics_addr"),
		OTelEndpoint:       v.GetString("otel_endpoint"),
		OTelSampleRatio:    v.GetFloat64("otel_sample_ratio"),
		Store:              strings.ToLower(v.GetString("store")),
		PostgresDSN:        v.GetString("postgres_dsn"),
		RedisAddr:          v.GetString("redis_addr"),
		KafkaBrokers:       v.GetString("kafka_brokers"),
		EventsTopic:        v.GetString("events_topic"),
		MaxActiveJobs:      v.GetInt("max_active_jobs"),
		DispatchInterval:   v.GetDuration("dispatch_interval"),
		ActivationSchedule: v.GetString("activation_schedule"),
		PollInterval:       v.GetDuration("poll_interval"),
		HTTPTimeout:        v.GetDuration("http_timeout"),
		TaskRateLimit:      v.GetInt("task_rate_limit"),
		ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
	}
}

// Brokers splits the comma-separated broker list, dropping empty entries.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.MaxActiveJobs <= 0 {
		errs = append(errs, fmt.Errorf("max_active_jobs must be positive, got %d", c.MaxActiveJobs))
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres_dsn is required with store postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store))
	}
	if c.DispatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("dispatch_interval must be positive, got %s", c.DispatchInterval))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.TaskRateLimit < 0 {
		errs = append(errs, fmt.Errorf("task_rate_limit must not be negative, got %d", c.TaskRateLimit))
	}
	if c.TaskRateLimit > 0 && c.RedisAddr == "" {
		errs = append(errs, errors.New("task_rate_limit requires redis_addr"))
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("otel_sample_ratio must be within [0, 1], got %g", c.OTelSampleRatio))
	}
	if c.ActivationSchedule != "" {
		if _, err := cron.ParseStandard(c.ActivationSchedule); err != nil {
			errs = append(errs, fmt.Errorf("activation_schedule %q: %w", c.ActivationSchedule, err))
		}
	}
	return errors.Join(errs...)
}
