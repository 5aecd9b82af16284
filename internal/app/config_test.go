package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.CollectionWindow)
	assert.Equal(t, 5*time.Second, cfg.CollectionTick)
	assert.Equal(t, 100, cfg.MessagePullLimit)
	assert.Equal(t, 180*24*time.Hour, cfg.Retention())
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionWarning())
	assert.True(t, cfg.ScreenRecord)
}

func TestConfigLayers(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "sentinel.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
db_path: /var/lib/sentinel/a.db
collection_window: 45s
retention_days: 90
sender_phrases: ["客服", "退款专员"]
privacy_mode: masked
`), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyFile(yamlPath))
	assert.Equal(t, "/var/lib/sentinel/a.db", cfg.DBPath)
	assert.Equal(t, 45*time.Second, cfg.CollectionWindow)
	assert.Equal(t, 90, cfg.RetentionDays)
	assert.Equal(t, []string{"客服", "退款专员"}, cfg.SenderPhrases)
	assert.Equal(t, "data/evidence", cfg.EvidenceRoot, "unset keys keep defaults")

	require.NoError(t, cfg.ApplyEnv(map[string]string{
		"SENTINEL_DB_PATH":            "env.db",
		"SENTINEL_COLLECTION_TICK":    "2s",
		"SENTINEL_SENDER_PHRASES":     "官方, 专员 ,",
		"SENTINEL_MESSAGE_PULL_LIMIT": "20",
		"SENTINEL_SCREEN_RECORD":      "false",
		"OTHER_DB_PATH":               "ignored.db",
	}))
	assert.False(t, cfg.ScreenRecord)
	assert.Equal(t, "env.db", cfg.DBPath)
	assert.Equal(t, 2*time.Second, cfg.CollectionTick)
	assert.Equal(t, 20, cfg.MessagePullLimit)
	assert.Equal(t, []string{"官方", "专员"}, cfg.SenderPhrases)
	assert.Equal(t, 45*time.Second, cfg.CollectionWindow)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(map[string]string{
		"SENTINEL_COLLECTION_WINDOW": "soon",
		"SENTINEL_RETENTION_DAYS":    "many",
		"SENTINEL_SCREEN_RECORD":     "maybe",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SENTINEL_COLLECTION_WINDOW")
	assert.Contains(t, err.Error(), "SENTINEL_RETENTION_DAYS")
	assert.Contains(t, err.Error(), "SENTINEL_SCREEN_RECORD")
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("SENTINEL_LISTEN_ADDR=127.0.0.1:9999\nSENTINEL_DEVICE=off\n"), 0o600))

	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"), envPath)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, DeviceOff, cfg.Device)
}

func TestProcessEnvOverridesEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("SENTINEL_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("SENTINEL_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("", envPath)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"tick exceeds window": func(c *Config) { c.CollectionTick = time.Minute },
		"zero window":         func(c *Config) { c.CollectionWindow = 0 },
		"warning >= retention": func(c *Config) {
			c.RetentionDays = 7
			c.RetentionWarningDays = 7
		},
		"bad device":  func(c *Config) { c.Device = "usb" },
		"bad privacy": func(c *Config) { c.PrivacyMode = "strict" },
		"no db":       func(c *Config) { c.DBPath = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
