package config

import (
	"flag"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ValidYAML(t *testing.T) {
	configContent := `
server:
  listen_address: ":9999"
database:
  postgresql:
    addr: "db.internal"
    port: 5433
    database: "metrics"
pg_sink:
  enabled: true
  coalesce_window: "10s"
otlp_sink:
  enabled: true
  remote_address: "otel-collector:4317"
`

	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpfile.Close()

	defer func(orig *Config) { DefaultConfig = orig }(DefaultConfig)
	DefaultConfig = &Config{}

	err = LoadConfig(tmpfile.Name())
	require.NoError(t, err)

	assert.Equal(t, ":9999", DefaultConfig.Server.ListenAddress)
	assert.Equal(t, "db.internal", DefaultConfig.Database.PostgreSQL.Addr)
	assert.Equal(t, 5433, DefaultConfig.Database.PostgreSQL.Port)
	assert.Equal(t, "metrics", DefaultConfig.Database.PostgreSQL.Database)
	assert.True(t, DefaultConfig.PGSink.Enabled)
	assert.Equal(t, 10*time.Second, DefaultConfig.PGSink.CoalesceWindow)
	assert.True(t, DefaultConfig.OTLPSink.Enabled)
	assert.Equal(t, "otel-collector:4317", DefaultConfig.OTLPSink.RemoteAddress)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configContent := `
server:
  listen_address: [this, is, not, a, string]
`

	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpfile.Close()

	defer func(orig *Config) { DefaultConfig = orig }(DefaultConfig)
	DefaultConfig = &Config{}
	err = LoadConfig(tmpfile.Name())
	assert.Error(t, err)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	err := LoadConfig("nonexistent-file.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestDefaultConfig_Initialization(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddress:           ":9573",
			GRPCMaxRecvMsgSizeBytes: 16 * 1024 * 1024,
			GRPCMaxSendMsgSizeBytes: 16 * 1024 * 1024,
			GracefulShutdownTimeout: 30 * time.Second,
			DrainDelay:              2 * time.Second,
			MaxDatumsPerRequest:     10000,
		},
		Bus: BusConfig{Capacity: 4096},
	}
	assert.Equal(t, cfg.Server.ListenAddress, DefaultConfig.Server.ListenAddress)
	assert.Equal(t, cfg.Bus.Capacity, DefaultConfig.Bus.Capacity)
	assert.True(t, DefaultConfig.PGSink.Enabled)
}

func TestPostgresDSN(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{
			PostgreSQL: PostgreSQLConfig{
				Addr:        "localhost",
				Port:        5432,
				User:        "goodmetrics",
				Password:    "hunter2",
				Database:    "goodmetrics",
				SSLMode:     "disable",
				DialTimeout: 5 * time.Second,
			},
		},
	}
	dsn := cfg.PostgresDSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "port=5432")
	assert.Contains(t, dsn, "dbname=goodmetrics")
	assert.Contains(t, dsn, "sslmode=disable")
}

func TestRegisterAuthFlagsAccumulatesKeys(t *testing.T) {
	DefaultConfig = &Config{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterAuthFlags(fs)
	require.NoError(t, fs.Parse([]string{"-auth-key=one", "-auth-key=two"}))
	assert.Equal(t, []string{"one", "two"}, DefaultConfig.Auth.Keys)
}
