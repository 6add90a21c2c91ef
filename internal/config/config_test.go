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

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 45*time.Second, cfg.ConnTTL)
	assert.Equal(t, 3*time.Second, cfg.TypingTTL)
	assert.Equal(t, 256, cfg.SendBufferSize)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.NotContains(t, cfg.InstanceID, ".", "instance id is a key segment and must stay dot-free")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HUB_LISTEN_ADDR", ":9999")
	t.Setenv("HUB_TYPING_TTL", "5s")
	t.Setenv("HUB_INSTANCE_ID", "hub-7")
	t.Setenv("HUB_ALLOWED_ORIGINS", "https://sparkle.example,https://admin.sparkle.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.TypingTTL)
	assert.Equal(t, "hub-7", cfg.InstanceID)
	assert.Equal(t, []string{"https://sparkle.example", "https://admin.sparkle.example"}, cfg.AllowedOrigins)
}

func TestLoadRejectsDottedInstanceID(t *testing.T) {
	t.Setenv("HUB_INSTANCE_ID", "hub.internal.7")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveTTL(t *testing.T) {
	t.Setenv("HUB_TYPING_TTL", "0s")
	_, err := Load()
	assert.Error(t, err)
}
