package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubstitutesEnvironment(t *testing.T) {
	t.Setenv("TOWER_VISION_URL", "http://vision:8081")
	raw := `{
		"server": {"port": 9000},
		"agents": {
			"vision_url": "${TOWER_VISION_URL}",
			"supplier_url": "${TOWER_SUPPLIER_URL:http://localhost:8082}",
			"discovery_ttl": "5m"
		},
		"workflow": {"stage_pause": "500ms", "stage_timeout": 30}
	}`

	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "http://vision:8081", cfg.Agents.VisionURL)
	assert.Equal(t, "http://localhost:8082", cfg.Agents.SupplierURL)
	assert.Equal(t, 5*time.Minute, cfg.Agents.DiscoveryTTL.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Workflow.StagePause.Std())
	assert.Equal(t, 30*time.Second, cfg.Workflow.StageTimeout.Std())
	assert.Equal(t, ":9000", cfg.Server.Addr())
	require.NoError(t, cfg.Validate())
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{"agents": {"vision_mode": "local", "supplier_mode": "local"}}`))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(10<<20), cfg.Workflow.MaxImageBytes)
	assert.Equal(t, 120*time.Second, cfg.Workflow.StageTimeout.Std())
	assert.Equal(t, 64, cfg.Events.ObserverBuffer)
	assert.Equal(t, 100, cfg.Events.History)
	assert.Equal(t, BackendMemory, cfg.Catalog.Backend)
	assert.Equal(t, 1, cfg.Catalog.TopK)
	assert.Zero(t, cfg.Agents.DiscoveryTTL)
	assert.NoError(t, cfg.Validate())
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte(`{"workflow": {"stage_pause": "soon"}}`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"server": {"port": 70000},
		"agents": {"vision_mode": "telepathy"},
		"catalog": {"backend": "postgres"},
		"gateway": {"slack": {"enabled": true}}
	}`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"server.port",
		"agents.vision_mode",
		"agents.supplier_url",
		"database.postgres.dsn",
		"gateway.slack",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tower.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"catalog": {"backend": "qdrant"}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendQdrant, cfg.Catalog.Backend)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
