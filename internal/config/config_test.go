package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 30, cfg.Voucher.DurationMinutes)
	assert.Equal(t, 8, cfg.Voucher.CodeLength)
	assert.Equal(t, 10, cfg.Voucher.MaxAttempts)
	assert.Equal(t, DriverNoop, cfg.Firewall.Driver)
	assert.Equal(t, 5*time.Second, cfg.Firewall.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, "/proc/net/arp", cfg.Identity.TablePath)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "portal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9000"
  trusted_proxies: ["10.0.0.1"]
voucher:
  duration_minutes: 60
firewall:
  driver: script
  admit_command: ["sudo", "/opt/allow_mac.sh"]
  revoke_command: ["sudo", "/opt/deny_mac.sh"]
sweeper:
  interval: 15s
`), 0o644))

	t.Setenv("AIRFI_HTTP_ADDR", ":9100")
	t.Setenv("AIRFI_AUTH_ISSUANCE_KEY", "s3cret")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTP.Addr)
	assert.Equal(t, []string{"10.0.0.1"}, cfg.HTTP.TrustedProxies)
	assert.Equal(t, 60, cfg.Voucher.DurationMinutes)
	assert.Equal(t, "s3cret", cfg.Auth.IssuanceKey)
	assert.Equal(t, DriverScript, cfg.Firewall.Driver)
	assert.Equal(t, []string{"sudo", "/opt/allow_mac.sh"}, cfg.Firewall.AdmitCommand)
	assert.Equal(t, 15*time.Second, cfg.Sweeper.Interval)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("AIRFI_DB_PATH=/tmp/from-dotenv.db\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("AIRFI_DB_PATH") })

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-dotenv.db", cfg.DB.Path)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load(viper.New(), "/nonexistent/portal.yaml")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		v := viper.New()
		SetDefaults(v)
		var cfg Config
		require.NoError(t, v.Unmarshal(&cfg))
		return &cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		field  string
		mutate func(*Config)
	}{
		{"firewall.driver", func(c *Config) { c.Firewall.Driver = "pf" }},
		{"firewall.admit_command", func(c *Config) { c.Firewall.Driver = DriverScript }},
		{"firewall.opennds.address", func(c *Config) { c.Firewall.Driver = DriverOpenNDS }},
		{"voucher.duration_minutes", func(c *Config) { c.Voucher.DurationMinutes = 0 }},
		{"voucher.duration_minutes", func(c *Config) { c.Voucher.DurationMinutes = 200_000_000 }},
		{"voucher.code_length", func(c *Config) { c.Voucher.CodeLength = 2 }},
		{"sweeper.interval", func(c *Config) { c.Sweeper.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			var cfgErr *ConfigError
			require.True(t, errors.As(cfg.Validate(), &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}
