package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 3001, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.PingPeriod)
	assert.Equal(t, 300, cfg.CallSeconds)
	assert.Equal(t, 60, cfg.WarnAtSeconds)
	assert.NotEmpty(t, cfg.StunServers)
}
