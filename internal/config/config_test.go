package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "dev", cfg.AppEnv)
	require.True(t, cfg.IsDev())
	require.False(t, cfg.IsProd())
	require.Equal(t, 8080, cfg.HTTPPort)
	require.Equal(t, 9090, cfg.MetricsPort)
	require.Equal(t, 5, cfg.MaxAttemptsDefault)
	require.Equal(t, 2, cfg.WorkerMinConcurrency)
	require.Equal(t, 8, cfg.WorkerMaxConcurrency)
}

func Test_Load_OwnerDefaultsToHostname(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Owner)
	require.Equal(t, "sidefx-worker", cfg.WorkerGroup)
}

func Test_Load_OwnerOverride(t *testing.T) {
	t.Setenv("OWNER", "worker-7")
	t.Setenv("WORKER_GROUP", "sidefx-worker-canary")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "worker-7", cfg.Owner)
	require.Equal(t, "sidefx-worker-canary", cfg.WorkerGroup)
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092,broker-b:9092")
	t.Setenv("MAX_ATTEMPTS_DEFAULT", "7")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsProd())
	require.Equal(t, []string{"broker-a:9092", "broker-b:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 7, cfg.MaxAttemptsDefault)
}
