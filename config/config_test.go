package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PROJECT_ENV", "dev")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("TARGET_FUNCTION_NAMES", "alpha, beta,,gamma")
	t.Setenv("GTFS_API_ACTIVE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.ProjectEnv)
	assert.False(t, cfg.IsLocal())
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, 6543, cfg.Postgres.Port)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, cfg.TargetFunctionNames)
	assert.True(t, cfg.Realtime.GTFSAPIActive)
	assert.Equal(t, "success", cfg.SuccessStatus)
	assert.Equal(t, "tcp://localhost:3310", cfg.ClamAV.Address())
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	t.Setenv("PROJECT_ENV", "staging")
	_, err := Load()
	require.Error(t, err)
}

func TestIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_PORT", "not-a-number")
	assert.Equal(t, 10, Int("SOME_PORT", 10))
}

func TestPostgresURI(t *testing.T) {
	p := PostgresConfig{Host: "h", Port: 1, User: "u", Password: "p", DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "host=h port=1 user=u password=p dbname=d sslmode=disable", p.URI())
}
