package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setDomainEnv(t *testing.T) {
	t.Setenv("SHUTTLE_DOMAINS", "s3,azure")
	t.Setenv("SHUTTLE_DOMAIN_KEYS", "s3=a2V5LW1hdGVyaWFs,azure=b3RoZXIta2V5")
	t.Setenv("SHUTTLE_DOMAIN_ROLES", "s3=admin|mover,azure=admin")
	t.Setenv("SHUTTLE_DOMAIN_BACKENDS", "s3=memory,azure=fs:/var/lib/shuttle/azure")
}

func TestLoad_DerivesDomainSettings(t *testing.T) {
	setDomainEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Domains, 2)
	assert.Equal(t, "s3", cfg.Domains[0].Name)
	assert.Equal(t, []string{"admin", "mover"}, cfg.Domains[0].Roles)
	assert.Equal(t, "memory", cfg.Domains[0].Backend)
	assert.Equal(t, "fs:/var/lib/shuttle/azure", cfg.Domains[1].Backend)
	assert.Equal(t, []string{"admin"}, cfg.Domains[1].Roles)
}

func TestLoad_MissingKeyMaterialFails(t *testing.T) {
	t.Setenv("SHUTTLE_DOMAINS", "s3")
	t.Setenv("SHUTTLE_DOMAIN_KEYS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no key material")
}

func TestLoad_PostgresDriverRequiresURL(t *testing.T) {
	setDomainEnv(t)
	t.Setenv("SHUTTLE_METADATA_DRIVER", "postgres")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RedisBackendRequiresURL(t *testing.T) {
	t.Setenv("SHUTTLE_DOMAINS", "cache")
	t.Setenv("SHUTTLE_DOMAIN_KEYS", "cache=a2V5")
	t.Setenv("SHUTTLE_DOMAIN_BACKENDS", "cache=redis")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("SHUTTLE_REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Domains[0].Backend)
}

func TestLoad_Defaults(t *testing.T) {
	setDomainEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "memory", cfg.MetadataDriver)
	assert.Equal(t, 8, cfg.SweepConcurrency)
	assert.Equal(t, 5, cfg.ConflictRetryBudget)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
}
