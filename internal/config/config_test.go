package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data/surplusnet.db", cfg.DBPath)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, "@hourly", cfg.CycleSpec)
	assert.Equal(t, 10*time.Second, cfg.RefdataTimeout)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /var/lib/market.db
api_port: 0
cycle_spec: "*/30 * * * *"
seed: 42
output_input:
  rpet-flake: pet-clear
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/market.db", cfg.DBPath)
	assert.Zero(t, cfg.APIPort)
	assert.Equal(t, "*/30 * * * *", cfg.CycleSpec)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, "pet-clear", cfg.OutputInput["rpet-flake"])
}

func TestLoadEnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db_path: from-file.db\n"), 0644))

	t.Setenv("SURPLUSNET_DB", "from-env.db")
	t.Setenv("SURPLUSNET_NATS_URL", "nats://broker:4222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.DBPath)
	assert.Equal(t, "nats://broker:4222", cfg.NATSURL)
}

func TestLoadRejectsMissingCycleSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`cycle_spec: ""`), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle_spec")
}
