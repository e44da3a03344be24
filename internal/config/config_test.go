package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  dbname: jobqueue_test
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Node)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "public", cfg.Database.Prefix)
	assert.Equal(t, DriverPostgres, cfg.Driver)
	assert.Equal(t, ":8080", cfg.Admin.Address)
	assert.Equal(t, DefaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	assert.Equal(t, "default", cfg.Peer.InstanceName)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
node: from-yaml
database:
  dbname: jobqueue_test
  host: yaml-host
`)

	t.Setenv("JOBQUEUE_NODE", "from-env")
	t.Setenv("JOBQUEUE_DB_HOST", "env-host")
	t.Setenv("JOBQUEUE_DEBUG", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Node)
	assert.Equal(t, "env-host", cfg.Database.Host)
	assert.True(t, cfg.Debug)
}

func TestLoad_MissingDBNameFails(t *testing.T) {
	path := writeConfig(t, `node: n1`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "database.dbname is required")
}

func TestLoad_RedisDriverRequiresAddr(t *testing.T) {
	path := writeConfig(t, `
database:
  dbname: jobqueue_test
driver: redis
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "redis.addr is required")
}

func TestLoad_InvalidDriverFails(t *testing.T) {
	path := writeConfig(t, `
database:
  dbname: jobqueue_test
driver: mysql
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "driver must be")
}

func TestLoad_QueueValidation(t *testing.T) {
	path := writeConfig(t, `
database:
  dbname: jobqueue_test
queues:
  - name: ""
    limit: 5
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "queues[0].name is required")
}

func TestLoad_CronValidation(t *testing.T) {
	path := writeConfig(t, `
database:
  dbname: jobqueue_test
cron:
  - expression: "* * * * *"
    queue: default
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "cron[0].worker is required")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	assert.Error(t, err)
}
