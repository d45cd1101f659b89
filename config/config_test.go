package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgarden/session-ledger/config"
)

func lookupFrom(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := config.FromEnv(lookupFrom(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.True(t, cfg.Extension.AutoApprove)
	assert.Equal(t, 5*time.Minute, cfg.Consistency.SweepInterval)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.RabbitMQ.Enabled())
	assert.False(t, cfg.ERP.Enabled())
	assert.False(t, cfg.App.IsProduction())
}

func TestFromEnv_EnvironmentAndFlags(t *testing.T) {
	// GIVEN: Env sets port 9000, flags override it
	vars := map[string]string{
		"APP_PORT":                "9000",
		"REDIS_ADDR":              "localhost:6379",
		"ERP_BASE_URL":            "https://erp.internal",
		"ERP_REQUESTS_PER_SECOND": "2.5",
		"EXTENSION_AUTO_APPROVE":  "false",
		"HTTP_CORS_ORIGINS":       "https://admin.example.com, https://app.example.com",
		"CONSISTENCY_AUTO_REPAIR": "0",
	}

	cfg, err := config.FromEnv(lookupFrom(vars), []string{"-port", "3000", "-db", ":memory:"})
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.App.Port)
	assert.Equal(t, ":memory:", cfg.Store.SQLitePath)
	assert.True(t, cfg.Redis.Enabled())
	assert.True(t, cfg.ERP.Enabled())
	assert.Equal(t, 2.5, cfg.ERP.RequestsPerSecond)
	assert.False(t, cfg.Extension.AutoApprove)
	assert.False(t, cfg.Consistency.AutoRepair)
	assert.Equal(t, []string{"https://admin.example.com", "https://app.example.com"}, cfg.HTTP.CORSOrigins)
}

func TestFromEnv_ParseErrorsAreReported(t *testing.T) {
	vars := map[string]string{
		"APP_PORT":                   "eighty",
		"CONSISTENCY_SWEEP_INTERVAL": "often",
	}

	_, err := config.FromEnv(lookupFrom(vars), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_PORT")
	assert.Contains(t, err.Error(), "CONSISTENCY_SWEEP_INTERVAL")
}

func TestValidate(t *testing.T) {
	_, err := config.FromEnv(lookupFrom(map[string]string{"STORE_DRIVER": "postgres"}), nil)
	assert.ErrorContains(t, err, "POSTGRES_DSN")

	_, err = config.FromEnv(lookupFrom(nil), []string{"-store", "mongo"})
	assert.ErrorContains(t, err, "unknown store driver")

	cfg, err := config.FromEnv(lookupFrom(map[string]string{
		"STORE_DRIVER": "postgres",
		"POSTGRES_DSN": "host=localhost",
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, config.DriverPostgres, cfg.Store.Driver)
}
