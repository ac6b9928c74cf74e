// Package config holds the process configuration surface: a struct tree
// with sane defaults, a set of RegisterXFlags functions grouped by
// concern, and a YAML overlay loader.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/thanos-io/thanos/pkg/tracing/otlp"
	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server,omitempty"`
	TLS      TLSConfig      `yaml:"tls,omitempty"`
	Auth     AuthConfig     `yaml:"auth,omitempty"`
	Bus      BusConfig      `yaml:"bus,omitempty"`
	Database DatabaseConfig `yaml:"database,omitempty"`
	PGSink   PGSinkConfig   `yaml:"pg_sink,omitempty"`
	OTLPSink OTLPSinkConfig `yaml:"otlp_sink,omitempty"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty"`

	MemoryLimit    MemoryLimitConfig    `yaml:"memory_limit,omitempty"`
	AuditRetention AuditRetentionConfig `yaml:"audit_retention,omitempty"`

	// Tracing is nil unless a config file sets it: there is no flag surface
	// for distributed tracing, same as the donor's own tracing config.
	Tracing *otlp.Config `yaml:"tracing,omitempty"`
}

type ServerConfig struct {
	ListenAddress           string        `yaml:"listen_address,omitempty"`
	GRPCMaxRecvMsgSizeBytes int           `yaml:"grpc_max_recv_msg_size_bytes,omitempty"`
	GRPCMaxSendMsgSizeBytes int           `yaml:"grpc_max_send_msg_size_bytes,omitempty"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout,omitempty"`
	DrainDelay              time.Duration `yaml:"drain_delay,omitempty"`
	MaxDatumsPerRequest     int           `yaml:"max_datums_per_request,omitempty"`
}

type TLSConfig struct {
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	SelfSignedHostname string `yaml:"self_signed_hostname,omitempty"`
}

type AuthConfig struct {
	Enabled bool     `yaml:"enabled,omitempty"`
	Keys    []string `yaml:"keys,omitempty"`
}

type BusConfig struct {
	Capacity int `yaml:"capacity,omitempty"`
}

type DatabaseConfig struct {
	PostgreSQL PostgreSQLConfig `yaml:"postgresql,omitempty"`
}

type PostgreSQLConfig struct {
	Addr            string        `yaml:"addr,omitempty"`
	Database        string        `yaml:"database,omitempty"`
	User            string        `yaml:"user,omitempty"`
	Password        string        `yaml:"password,omitempty"`
	Port            int           `yaml:"port,omitempty"`
	SSLMode         string        `yaml:"sslmode,omitempty"`
	DialTimeout     time.Duration `yaml:"dial_timeout,omitempty"`
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time,omitempty"`
}

type PGSinkConfig struct {
	Enabled          bool          `yaml:"enabled,omitempty"`
	CoalesceWindow   time.Duration `yaml:"coalesce_window,omitempty"`
	BatchTimeout     time.Duration `yaml:"batch_timeout,omitempty"`
	DefaultRetention time.Duration `yaml:"default_retention,omitempty"`
	Compress         bool          `yaml:"compress,omitempty"`
	AdvisoryLockKey  int64         `yaml:"advisory_lock_key,omitempty"`
}

type OTLPSinkConfig struct {
	Enabled                 bool          `yaml:"enabled,omitempty"`
	RemoteAddress           string        `yaml:"remote_address,omitempty"`
	Insecure                bool          `yaml:"insecure,omitempty"`
	CoalesceIncrement       time.Duration `yaml:"coalesce_increment,omitempty"`
	InitialDelay            time.Duration `yaml:"initial_delay,omitempty"`
	ExportTimeout           time.Duration `yaml:"export_timeout,omitempty"`
	GRPCMaxRecvMsgSizeBytes int           `yaml:"grpc_max_recv_msg_size_bytes,omitempty"`
	GRPCMaxSendMsgSizeBytes int           `yaml:"grpc_max_send_msg_size_bytes,omitempty"`
	RetryMaxAttempts        int           `yaml:"retry_max_attempts,omitempty"`
	RetryInitialBackoff     time.Duration `yaml:"retry_initial_backoff,omitempty"`
	RetryMaxBackoff         time.Duration `yaml:"retry_max_backoff,omitempty"`
	RetryBackoffMultiplier  float64       `yaml:"retry_backoff_multiplier,omitempty"`
}

type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address,omitempty"`
}

type MemoryLimitConfig struct {
	Enabled         bool          `yaml:"enabled,omitempty"`
	Ratio           float64       `yaml:"ratio,omitempty"`
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
}

// AuditRetentionConfig bounds the growth of the ingest_events diagnostics
// table, independent of the per-metric hypertable retention policies the
// schema controller attaches.
type AuditRetentionConfig struct {
	Enabled    bool          `yaml:"enabled,omitempty"`
	Interval   time.Duration `yaml:"interval,omitempty"`
	RunTimeout time.Duration `yaml:"run_timeout,omitempty"`
	MaxAge     time.Duration `yaml:"max_age,omitempty"`
}

var DefaultConfig = &Config{
	Server: ServerConfig{
		ListenAddress:           ":9573",
		GRPCMaxRecvMsgSizeBytes: 16 * 1024 * 1024,
		GRPCMaxSendMsgSizeBytes: 16 * 1024 * 1024,
		GracefulShutdownTimeout: 30 * time.Second,
		DrainDelay:              2 * time.Second,
		MaxDatumsPerRequest:     10000,
	},
	TLS: TLSConfig{
		SelfSignedHostname: "localhost",
	},
	Bus: BusConfig{
		Capacity: 4096,
	},
	Database: DatabaseConfig{
		PostgreSQL: PostgreSQLConfig{
			Addr:            "localhost",
			Port:            5432,
			Database:        "goodmetrics",
			SSLMode:         "disable",
			DialTimeout:     5 * time.Second,
			MaxOpenConns:    16,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
	},
	PGSink: PGSinkConfig{
		Enabled:          true,
		CoalesceWindow:   5 * time.Second,
		BatchTimeout:     30 * time.Second,
		DefaultRetention: 30 * 24 * time.Hour,
		Compress:         true,
		AdvisoryLockKey:  0x676f6f64, // "good"
	},
	OTLPSink: OTLPSinkConfig{
		Enabled:                 false,
		Insecure:                true,
		CoalesceIncrement:       time.Second,
		InitialDelay:            5 * time.Second,
		ExportTimeout:           10 * time.Second,
		GRPCMaxRecvMsgSizeBytes: 16 * 1024 * 1024,
		GRPCMaxSendMsgSizeBytes: 16 * 1024 * 1024,
		RetryMaxAttempts:        2,
		RetryInitialBackoff:     250 * time.Millisecond,
		RetryMaxBackoff:         1 * time.Second,
		RetryBackoffMultiplier:  1.6,
	},
	Metrics: MetricsConfig{
		ListenAddress: ":9090",
	},
	MemoryLimit: MemoryLimitConfig{
		Enabled:         true,
		Ratio:           0.9,
		RefreshInterval: 0,
	},
	AuditRetention: AuditRetentionConfig{
		Enabled:    true,
		Interval:   time.Hour,
		RunTimeout: time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	},
}

// LoadConfig overlays a YAML file onto DefaultConfig.
func LoadConfig(path string) error {
	f, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(f, DefaultConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}
	return nil
}

// PostgresDSN builds a lib/pq-compatible connection string from the
// configured PostgreSQL settings.
func (c *Config) PostgresDSN() string {
	p := c.Database.PostgreSQL
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		p.Addr, p.Port, p.User, p.Password, p.Database, p.SSLMode, int(p.DialTimeout.Seconds()),
	)
}

// RegisterServerFlags registers gRPC listener and shutdown related flags.
func RegisterServerFlags(flagSet *flag.FlagSet) {
	flagSet.StringVar(&DefaultConfig.Server.ListenAddress, "listen-address", DefaultConfig.Server.ListenAddress, "Address the goodmetrics gRPC receiver listens on")
	flagSet.IntVar(&DefaultConfig.Server.GRPCMaxRecvMsgSizeBytes, "grpc-max-recv-msg-size-bytes", DefaultConfig.Server.GRPCMaxRecvMsgSizeBytes, "Maximum size of a single gRPC message the receiver will accept")
	flagSet.IntVar(&DefaultConfig.Server.GRPCMaxSendMsgSizeBytes, "grpc-max-send-msg-size-bytes", DefaultConfig.Server.GRPCMaxSendMsgSizeBytes, "Maximum size of a single gRPC message the receiver will send")
	flagSet.DurationVar(&DefaultConfig.Server.GracefulShutdownTimeout, "graceful-shutdown-timeout", DefaultConfig.Server.GracefulShutdownTimeout, "Time to wait for in-flight RPCs to drain before forcing shutdown")
	flagSet.DurationVar(&DefaultConfig.Server.DrainDelay, "drain-delay", DefaultConfig.Server.DrainDelay, "Delay after marking health NOT_SERVING before closing the listener")
	flagSet.IntVar(&DefaultConfig.Server.MaxDatumsPerRequest, "max-datums-per-request", DefaultConfig.Server.MaxDatumsPerRequest, "Maximum number of data points accepted in a single SendMetrics call (0 disables the cap)")
}

// RegisterTLSFlags registers certificate configuration flags.
func RegisterTLSFlags(flagSet *flag.FlagSet) {
	flagSet.StringVar(&DefaultConfig.TLS.CertFile, "tls-cert-file", DefaultConfig.TLS.CertFile, "PEM certificate file (if empty, a self-signed certificate is generated at startup)")
	flagSet.StringVar(&DefaultConfig.TLS.KeyFile, "tls-key-file", DefaultConfig.TLS.KeyFile, "PEM private key file matching -tls-cert-file")
	flagSet.StringVar(&DefaultConfig.TLS.SelfSignedHostname, "tls-self-signed-hostname", DefaultConfig.TLS.SelfSignedHostname, "Hostname to embed in the generated self-signed certificate")
}

// RegisterAuthFlags registers API-key authentication flags. Keys is a
// repeatable flag; each occurrence appends one key to the accepted set.
func RegisterAuthFlags(flagSet *flag.FlagSet) {
	flagSet.BoolVar(&DefaultConfig.Auth.Enabled, "auth-enabled", DefaultConfig.Auth.Enabled, "Require an authorization key on every SendMetrics call")
	flagSet.Func("auth-key", "An accepted authorization key (repeatable)", func(v string) error {
		v = strings.TrimSpace(v)
		if v != "" {
			DefaultConfig.Auth.Keys = append(DefaultConfig.Auth.Keys, v)
		}
		return nil
	})
}

// RegisterBusFlags registers the broadcast queue capacity flag.
func RegisterBusFlags(flagSet *flag.FlagSet) {
	flagSet.IntVar(&DefaultConfig.Bus.Capacity, "bus-capacity", DefaultConfig.Bus.Capacity, "Per-subscriber channel capacity of the fan-out bus")
}

// RegisterDatabaseFlags registers PostgreSQL connection flags.
func RegisterDatabaseFlags(flagSet *flag.FlagSet) {
	pg := &DefaultConfig.Database.PostgreSQL
	flagSet.StringVar(&pg.Addr, "postgres-addr", pg.Addr, "PostgreSQL host")
	flagSet.IntVar(&pg.Port, "postgres-port", pg.Port, "PostgreSQL port")
	flagSet.StringVar(&pg.Database, "postgres-database", pg.Database, "PostgreSQL database name")
	flagSet.StringVar(&pg.User, "postgres-user", pg.User, "PostgreSQL user")
	flagSet.StringVar(&pg.Password, "postgres-password", pg.Password, "PostgreSQL password")
	flagSet.StringVar(&pg.SSLMode, "postgres-sslmode", pg.SSLMode, "PostgreSQL sslmode")
	flagSet.DurationVar(&pg.DialTimeout, "postgres-dial-timeout", pg.DialTimeout, "PostgreSQL dial timeout")
	flagSet.IntVar(&pg.MaxOpenConns, "postgres-max-open-conns", pg.MaxOpenConns, "Maximum open PostgreSQL connections")
	flagSet.IntVar(&pg.MaxIdleConns, "postgres-max-idle-conns", pg.MaxIdleConns, "Maximum idle PostgreSQL connections")
	flagSet.DurationVar(&pg.ConnMaxLifetime, "postgres-conn-max-lifetime", pg.ConnMaxLifetime, "Maximum PostgreSQL connection lifetime")
	flagSet.DurationVar(&pg.ConnMaxIdleTime, "postgres-conn-max-idle-time", pg.ConnMaxIdleTime, "Maximum PostgreSQL connection idle time")
}

// RegisterPGSinkFlags registers the Postgres sink loop flags.
func RegisterPGSinkFlags(flagSet *flag.FlagSet) {
	s := &DefaultConfig.PGSink
	flagSet.BoolVar(&s.Enabled, "pg-sink-enabled", s.Enabled, "Enable the PostgreSQL sink")
	flagSet.DurationVar(&s.CoalesceWindow, "pg-sink-coalesce-window", s.CoalesceWindow, "How long the PostgreSQL sink accumulates a batch before writing it")
	flagSet.DurationVar(&s.BatchTimeout, "pg-sink-batch-timeout", s.BatchTimeout, "Timeout for a single batch write, including any schema-repair DDL")
	flagSet.DurationVar(&s.DefaultRetention, "pg-sink-default-retention", s.DefaultRetention, "Default hypertable retention window applied to newly created metric tables")
	flagSet.BoolVar(&s.Compress, "pg-sink-compress", s.Compress, "Enable a TimescaleDB compression policy on newly created metric tables")
	flagSet.Int64Var(&s.AdvisoryLockKey, "pg-sink-advisory-lock-key", s.AdvisoryLockKey, "Advisory lock key used to serialize schema bootstrap across replicas")
}

// RegisterOTLPSinkFlags registers the optional OTLP fan-out sink flags.
func RegisterOTLPSinkFlags(flagSet *flag.FlagSet) {
	o := &DefaultConfig.OTLPSink
	flagSet.BoolVar(&o.Enabled, "otlp-sink-enabled", o.Enabled, "Enable forwarding ingested metrics to a downstream OTLP collector")
	flagSet.StringVar(&o.RemoteAddress, "otlp-sink-remote-address", o.RemoteAddress, "Downstream OTLP collector gRPC address")
	flagSet.BoolVar(&o.Insecure, "otlp-sink-insecure", o.Insecure, "Dial the downstream OTLP collector without transport security")
	flagSet.DurationVar(&o.CoalesceIncrement, "otlp-sink-coalesce-increment", o.CoalesceIncrement, "Accumulation increment the OTLP sink waits for more data before exporting")
	flagSet.DurationVar(&o.InitialDelay, "otlp-sink-initial-delay", o.InitialDelay, "Initial delay before the OTLP sink starts accumulating its first batch")
	flagSet.DurationVar(&o.ExportTimeout, "otlp-sink-export-timeout", o.ExportTimeout, "Not applied: the OTLP sink's export calls run without a per-call timeout")
	flagSet.IntVar(&o.RetryMaxAttempts, "otlp-sink-retry-max-attempts", o.RetryMaxAttempts, "Maximum export attempts before a batch is dropped")
}

// RegisterMetricsFlags registers the self-metrics HTTP listener flag.
func RegisterMetricsFlags(flagSet *flag.FlagSet) {
	flagSet.StringVar(&DefaultConfig.Metrics.ListenAddress, "metrics-listen-address", DefaultConfig.Metrics.ListenAddress, "Address the Prometheus /metrics and health endpoints listen on")
}

// RegisterMemoryLimitFlags exposes CLI overrides for automatic GOMEMLIMIT management.
func RegisterMemoryLimitFlags(flagSet *flag.FlagSet) {
	flagSet.BoolVar(&DefaultConfig.MemoryLimit.Enabled, "memory-limit-enabled", DefaultConfig.MemoryLimit.Enabled, "Enable automatic GOMEMLIMIT management via automemlimit")
	flagSet.Float64Var(&DefaultConfig.MemoryLimit.Ratio, "memory-limit-ratio", DefaultConfig.MemoryLimit.Ratio, "Ratio (0 < ratio <= 1) of detected cgroup/system memory limit used for GOMEMLIMIT")
	flagSet.DurationVar(&DefaultConfig.MemoryLimit.RefreshInterval, "memory-limit-refresh-interval", DefaultConfig.MemoryLimit.RefreshInterval, "Interval for refreshing the computed memory limit (0 disables refresh)")
}

// RegisterAuditRetentionFlags registers the ingest_events purge worker flags.
func RegisterAuditRetentionFlags(flagSet *flag.FlagSet) {
	a := &DefaultConfig.AuditRetention
	flagSet.BoolVar(&a.Enabled, "audit-retention-enabled", a.Enabled, "Enable the ingest_events retention worker")
	flagSet.DurationVar(&a.Interval, "audit-retention-interval", a.Interval, "Interval between ingest_events purge runs")
	flagSet.DurationVar(&a.RunTimeout, "audit-retention-run-timeout", a.RunTimeout, "Timeout for a single ingest_events purge run")
	flagSet.DurationVar(&a.MaxAge, "audit-retention-max-age", a.MaxAge, "Maximum age of an ingest_events row before it is purged")
}
