package statsy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{name: "defaults", modify: func(*Config) {}, valid: true},
		{
			name:   "postgres",
			modify: func(c *Config) { c.DatabaseType = dbTypePostgres },
			valid:  true,
		},
		{
			name:   "unknown database type",
			modify: func(c *Config) { c.DatabaseType = "mysql" },
		},
		{
			name:   "redis tag store",
			modify: func(c *Config) { c.TagStore = tagStoreRedis },
			valid:  true,
		},
		{
			name:   "no clash token",
			modify: func(c *Config) { c.ClashOfClans.Token = "" },
		},
		{
			name:   "bad clash base url",
			modify: func(c *Config) { c.ClashOfClans.BaseURL = "not a url" },
		},
		{
			name:   "short request timeout",
			modify: func(c *Config) { c.ClashOfClans.RequestTimeout = time.Millisecond },
		},
		{
			name:   "missing war background",
			modify: func(c *Config) { c.WarBanner.Background = "/nonexistent/bg.png" },
		},
		{
			name:   "no render workers",
			modify: func(c *Config) { c.WarBanner.Workers = 0 },
		},
		{
			name:   "no discord token",
			modify: func(c *Config) { c.Discord.Token = "" },
		},
		{
			name:   "no application id",
			modify: func(c *Config) { c.Discord.ApplicationID = "" },
		},
		{
			name:   "webhook without public key",
			modify: func(c *Config) { c.Discord.WebhookServer.Enabled = true },
		},
		{
			name: "webhook with public key",
			modify: func(c *Config) {
				c.Discord.WebhookServer.Enabled = true
				c.Discord.WebhookServer.PublicKey = "abcd"
			},
			valid: true,
		},
		{
			name:   "api enabled",
			modify: func(c *Config) { c.API.Enabled = true },
			valid:  true,
		},
		{
			name: "api with short sessions",
			modify: func(c *Config) {
				c.API.Enabled = true
				c.API.SessionMaxAge = time.Minute
			},
		},
		{
			name: "api with bad network",
			modify: func(c *Config) {
				c.API.Enabled = true
				c.API.ListenNetwork = "udp"
			},
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				err := structValidator.Struct(cfg)
				if tc.valid {
					assert.NoError(t, err)
				} else {
					assert.Error(t, err)
				}
			},
		)
	}
}

func TestCORSConfig_GINConfig(t *testing.T) {
	t.Parallel()
	c := DefaultCORSConfig()
	c.AllowCredentials = false
	assert.True(t, c.GINConfig().AllowAllOrigins)

	c.AllowCredentials = true
	assert.False(t, c.GINConfig().AllowAllOrigins)

	c.AllowOrigins = []string{"https://example.com"}
	gc := c.GINConfig()
	assert.False(t, gc.AllowAllOrigins)
	assert.Equal(t, []string{"https://example.com"}, gc.AllowOrigins)
}

func TestSSLConfig_Enabled(t *testing.T) {
	t.Parallel()
	assert.False(t, SSLConfig{}.Enabled())
	assert.False(t, SSLConfig{CertFile: "cert.pem"}.Enabled())
	assert.True(t, SSLConfig{CertFile: "cert.pem", KeyFile: "key.pem"}.Enabled())
}
