package sned

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, "sned.sqlite3", cfg.Database)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Window)
	assert.False(t, cfg.Experimental)
	assert.False(t, cfg.ReplyOnUnknownCommand)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, DefaultGatewayIntents, cfg.Discord.GatewayIntents)
}

func TestDefaultCommandPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		experimental bool
		override     string
		want         string
	}{
		{name: "normal", want: "sn "},
		{name: "experimental", experimental: true, want: "?"},
		{name: "override", override: "$", want: "$"},
		{
			name:         "override beats experimental",
			experimental: true,
			override:     "$",
			want:         "$",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				cfg := DefaultConfig()
				cfg.Experimental = tt.experimental
				cfg.Prefix = tt.override
				assert.Equal(t, tt.want, cfg.DefaultCommandPrefix())
			},
		)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	t.Run(
		"missing discord token", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			assert.Error(t, structValidator.Struct(cfg))
		},
	)

	t.Run(
		"valid", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.Discord.Token = "token"
			require.NoError(t, structValidator.Struct(cfg))
		},
	)

	t.Run(
		"bad database type", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.Discord.Token = "token"
			cfg.DatabaseType = "mariadb"
			assert.Error(t, structValidator.Struct(cfg))
		},
	)

	t.Run(
		"api enabled requires secret", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.Discord.Token = "token"
			cfg.API.Enabled = true
			assert.Error(t, structValidator.Struct(cfg))

			cfg.API.Secret = "hunter2"
			assert.NoError(t, structValidator.Struct(cfg))
		},
	)
}

func TestCORSGINConfig(t *testing.T) {
	t.Parallel()
	c := DefaultCORSConfig()
	c.AllowOrigins = []string{"https://example.com"}

	g := c.GINConfig()
	assert.Equal(t, []string{"https://example.com"}, g.AllowOrigins)
	assert.Equal(t, c.AllowMethods, g.AllowMethods)
	assert.Equal(t, c.AllowHeaders, g.AllowHeaders)
	assert.Equal(t, c.MaxAge, g.MaxAge)
}

func TestConfigLogValueRedactsSecrets(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret-token"
	cfg.API.Secret = "another-secret"

	rendered := cfg.LogValue().String()
	assert.NotContains(t, rendered, "super-secret-token")
	assert.NotContains(t, rendered, "another-secret")
}
