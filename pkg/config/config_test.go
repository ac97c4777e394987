package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, uint16(7400), cfg.Network.PortBase)
	assert.Equal(t, "239.255.0.1", cfg.Network.MulticastGroup)
	assert.Equal(t, 200*time.Millisecond, cfg.Protocol.HeartbeatPeriod)
	assert.Equal(t, 5*time.Second, cfg.Protocol.SpdpResendPeriod)
	assert.Equal(t, 16*1024, cfg.Protocol.DataMaxSizeSerialized)
	assert.NoError(t, Validate(cfg))
}

func TestLoad(t *testing.T) {
	t.Run("MissingFileUsesDefaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, uint32(0), cfg.Domain.Id)
		assert.Equal(t, "INFO", cfg.Logging.Level)
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"domain:\n  id: 7\nlogging:\n  level: DEBUG\nprotocol:\n  heartbeat_period: 1s\n"), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, uint32(7), cfg.Domain.Id)
		assert.Equal(t, "DEBUG", cfg.Logging.Level)
		assert.Equal(t, time.Second, cfg.Protocol.HeartbeatPeriod)
		// Untouched keys keep their defaults.
		assert.Equal(t, 5*time.Second, cfg.Protocol.SpdpResendPeriod)
	})

	t.Run("InvalidLevelRejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: LOUD\n"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("DomainIdBounded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("domain:\n  id: 500\n"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteSample(path, false))

	// The sample must load back cleanly.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)

	// Refuses to clobber without force.
	assert.Error(t, WriteSample(path, false))
	assert.NoError(t, WriteSample(path, true))
}
