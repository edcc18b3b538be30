package config

import (
	"testing"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completed(c Config) Config {
	c.Complete()
	return c
}

func TestDefaultIsValid(t *testing.T) {
	c := completed(Default())
	require.NoError(t, c.Validate())
	assert.Equal(t, 240*time.Second, c.PendingTTL)
	assert.Equal(t, 30*time.Second, c.RenewInterval)
}

func TestCompleteKeepsExplicitValues(t *testing.T) {
	c := Default()
	c.PendingTTL = 10 * time.Minute
	c.RenewInterval = 20 * time.Second
	c.Complete()
	assert.Equal(t, 10*time.Minute, c.PendingTTL)
	assert.Equal(t, 20*time.Second, c.RenewInterval)
}

func TestScanningEnabled(t *testing.T) {
	c := Default()
	assert.False(t, c.ScanningEnabled(), "no server URL")
	c.TrivyServerURL = "http://trivy:4954"
	assert.True(t, c.ScanningEnabled())
	c.TrivyEnabled = false
	assert.False(t, c.ScanningEnabled())
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
	}{
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"no queue", func(c *Config) { c.QueueSize = 0 }},
		{"zero scan timeout", func(c *Config) { c.ScanTimeout = 0; c.PendingTTL = time.Minute }},
		{"negative failure TTL", func(c *Config) { c.FailureTTL = -time.Second }},
		{"pending shorter than a scan", func(c *Config) { c.PendingTTL = c.ScanTimeout }},
		{"renew slower than lease", func(c *Config) { c.RenewInterval = c.LeaseDuration }},
		{"no registry rate", func(c *Config) { c.RegistryRPS = 0 }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
		{"empty history", func(c *Config) { c.HistoryLimit = 0 }},
		{"no history retention", func(c *Config) { c.HistoryRetention = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := completed(Default())
			tc.modify(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestSecondsHook(t *testing.T) {
	var out struct {
		Timeout  time.Duration `mapstructure:"timeout"`
		Interval time.Duration `mapstructure:"interval"`
		Grace    time.Duration `mapstructure:"grace"`
		Fraction time.Duration `mapstructure:"fraction"`
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: SecondsHook(),
		Result:     &out,
	})
	require.NoError(t, err)
	require.NoError(t, dec.Decode(map[string]interface{}{
		"timeout":  "120",
		"interval": "5m",
		"grace":    30,
		"fraction": "0.5",
	}))
	assert.Equal(t, 120*time.Second, out.Timeout)
	assert.Equal(t, 5*time.Minute, out.Interval)
	assert.Equal(t, 30*time.Second, out.Grace)
	assert.Equal(t, 500*time.Millisecond, out.Fraction)

	err = dec.Decode(map[string]interface{}{"timeout": "soon"})
	assert.Error(t, err)
}

func TestHistorySettingsIgnoredWhenDisabled(t *testing.T) {
	c := completed(Default())
	c.HistoryEnabled = false
	c.HistoryLimit = 0
	c.HistoryRetention = 0
	assert.NoError(t, c.Validate())
}
