package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "dev", cfg.Auth.Mode)
	assert.Equal(t, "dev-org", cfg.Auth.DevOrgID)
	assert.Equal(t, "dev-user", cfg.Auth.DevUserID)
	assert.Equal(t, "./var/ingestion.db", cfg.Database.Path)
	assert.Equal(t, "http://127.0.0.1:3000", cfg.Kernel.URL)
	assert.Equal(t, 30, cfg.Session.GapSeconds)
	assert.Equal(t, 15, cfg.Session.SilenceSeconds)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
session:
  gap_seconds: 60
`), 0o600))

	t.Setenv("PORT", "9001")
	t.Setenv("CLOSE_SILENCE_SECONDS", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9001", cfg.Server.Port, "env beats yaml")
	assert.Equal(t, 60, cfg.Session.GapSeconds, "yaml beats default")
	assert.Equal(t, 20, cfg.Session.SilenceSeconds)
}

func TestValidation(t *testing.T) {
	t.Setenv("AUTH_MODE", "bearer")
	_, err := Load("")
	assert.Error(t, err, "bearer without a secret")

	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "bearer", cfg.Auth.Mode)

	t.Setenv("AUTH_MODE", "none")
	_, err = Load("")
	assert.Error(t, err)
}

func TestDevActorEnvKnobs(t *testing.T) {
	t.Setenv("AUTH_DEV_ORG_ID", "acme")
	t.Setenv("AUTH_DEV_USER_ID", "u-42")
	t.Setenv("AUTH_DEV_NAME", "Jo Roaster")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Auth.DevOrgID)
	assert.Equal(t, "u-42", cfg.Auth.DevUserID)
	assert.Equal(t, "Jo Roaster", cfg.Auth.DevName)
}

func TestBadStaticKeysRejected(t *testing.T) {
	t.Setenv("INGESTION_DEVICE_KEYS_JSON", "{not json")
	_, err := Load("")
	assert.Error(t, err)
}

func TestDurations(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, cfg.SessionGap().Seconds(), 30.0)
	assert.Equal(t, cfg.CloseSilence().Seconds(), 15.0)
}
