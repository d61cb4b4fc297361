package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadServerConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := LoadServerConfig()
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, defaultHost, cfg.Host)
	assert.Equal(t, "0.0.0.0:9090", cfg.Address())
	assert.NoError(t, cfg.Validate())

	t.Setenv("CHAI_SERVER_PORT", "8081")
	t.Setenv("CHAI_SERVER_HOST", "127.0.0.1")
	t.Setenv("CHAI_SERVER_SHUTDOWN_TIMEOUT", "3s")

	cfg = LoadServerConfig()
	assert.Equal(t, "127.0.0.1:8081", cfg.Address())
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestServerConfig_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := func() *ServerConfig {
		return &ServerConfig{Port: 9090, Host: "localhost", ReadTimeout: time.Second, WriteTimeout: time.Second, ShutdownTimeout: time.Second}
	}

	tests := []struct {
		name   string
		mutate func(*ServerConfig)
		want   error
	}{
		{"port zero", func(c *ServerConfig) { c.Port = 0 }, ErrInvalidPort},
		{"port too high", func(c *ServerConfig) { c.Port = 70000 }, ErrInvalidPort},
		{"empty host", func(c *ServerConfig) { c.Host = "" }, ErrEmptyHost},
		{"read timeout", func(c *ServerConfig) { c.ReadTimeout = 0 }, ErrInvalidReadTimeout},
		{"write timeout", func(c *ServerConfig) { c.WriteTimeout = -time.Second }, ErrInvalidWriteTimeout},
		{"shutdown timeout", func(c *ServerConfig) { c.ShutdownTimeout = 0 }, ErrInvalidShutdownTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}
