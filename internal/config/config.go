// Package config loads the portal configuration from defaults, an optional
// YAML file, a .env file and AIRFI_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/airfi/airfi-voucher-portal/internal/voucher"
)

// EnvPrefix is the prefix of every environment override, e.g.
// AIRFI_HTTP_ADDR or AIRFI_FIREWALL_DRIVER.
const EnvPrefix = "AIRFI"

// Firewall drivers.
const (
	DriverScript  = "script"
	DriverOpenNDS = "opennds"
	DriverNoop    = "noop"
)

// Config is the full portal configuration.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	DB       DBConfig       `mapstructure:"db"`
	Voucher  VoucherConfig  `mapstructure:"voucher"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Identity IdentityConfig `mapstructure:"identity"`
	Firewall FirewallConfig `mapstructure:"firewall"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Nudge    NudgeConfig    `mapstructure:"nudge"`
	Log      LogConfig      `mapstructure:"log"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	RedeemRate      float64       `mapstructure:"redeem_rate"`
	RedeemBurst     int           `mapstructure:"redeem_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DBConfig locates the SQLite database.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// VoucherConfig controls code generation.
type VoucherConfig struct {
	Prefix          string `mapstructure:"prefix"`
	CodeLength      int    `mapstructure:"code_length"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
	DurationMinutes int    `mapstructure:"duration_minutes"`
}

// AuthConfig holds credentials for the protected endpoints.
type AuthConfig struct {
	IssuanceKey    string        `mapstructure:"issuance_key"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	Issuer         string        `mapstructure:"issuer"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
}

// IdentityConfig configures MAC resolution.
type IdentityConfig struct {
	TablePath    string        `mapstructure:"table_path"`
	Probe        bool          `mapstructure:"probe"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// FirewallConfig selects and configures the enforcement driver.
type FirewallConfig struct {
	Driver         string        `mapstructure:"driver"`
	Timeout        time.Duration `mapstructure:"timeout"`
	AdmitCommand   []string      `mapstructure:"admit_command"`
	RevokeCommand  []string      `mapstructure:"revoke_command"`
	RestoreOnStart bool          `mapstructure:"restore_on_start"`
	OpenNDS        OpenNDSConfig `mapstructure:"opennds"`
}

// OpenNDSConfig configures the SSH connection to an OpenWrt gateway.
type OpenNDSConfig struct {
	Address        string `mapstructure:"address"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	PrivateKey     string `mapstructure:"private_key"`
	KnownHostsFile string `mapstructure:"known_hosts_file"`
	AuthTimeout    int    `mapstructure:"auth_timeout"`
}

// SweeperConfig configures the expiry sweeper.
type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// NudgeConfig configures the post-admission client nudge.
type NudgeConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig configures zap.
type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trusted_proxies", []string{})
	v.SetDefault("http.redeem_rate", 1.0)
	v.SetDefault("http.redeem_burst", 5)
	v.SetDefault("http.shutdown_timeout", 5*time.Second)

	v.SetDefault("db.path", "./data/airfi.db")

	v.SetDefault("voucher.prefix", "")
	v.SetDefault("voucher.code_length", 8)
	v.SetDefault("voucher.max_attempts", 10)
	v.SetDefault("voucher.duration_minutes", 30)

	v.SetDefault("auth.issuance_key", "")
	v.SetDefault("auth.private_key_path", "./keys/private.pem")
	v.SetDefault("auth.public_key_path", "./keys/public.pem")
	v.SetDefault("auth.issuer", "airfi-portal")
	v.SetDefault("auth.token_ttl", 12*time.Hour)

	v.SetDefault("identity.table_path", "/proc/net/arp")
	v.SetDefault("identity.probe", true)
	v.SetDefault("identity.probe_timeout", 2*time.Second)

	v.SetDefault("firewall.driver", DriverNoop)
	v.SetDefault("firewall.timeout", 5*time.Second)
	v.SetDefault("firewall.admit_command", []string{})
	v.SetDefault("firewall.revoke_command", []string{})
	v.SetDefault("firewall.restore_on_start", true)
	v.SetDefault("firewall.opennds.address", "")
	v.SetDefault("firewall.opennds.port", 22)
	v.SetDefault("firewall.opennds.username", "root")
	v.SetDefault("firewall.opennds.password", "")
	v.SetDefault("firewall.opennds.private_key", "")
	v.SetDefault("firewall.opennds.known_hosts_file", "")
	v.SetDefault("firewall.opennds.auth_timeout", 0)

	v.SetDefault("sweeper.interval", 30*time.Second)

	v.SetDefault("nudge.enabled", true)
	v.SetDefault("nudge.timeout", 2*time.Second)

	v.SetDefault("log.development", false)
}

// Load reads the configuration. configFile may be empty, in which case
// config.yaml is looked up in ./config and /etc/airfi and is optional.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/airfi")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Lists from the environment arrive as one space separated string.
	cfg.HTTP.TrustedProxies = splitList(cfg.HTTP.TrustedProxies)
	cfg.Firewall.AdmitCommand = splitList(cfg.Firewall.AdmitCommand)
	cfg.Firewall.RevokeCommand = splitList(cfg.Firewall.RevokeCommand)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the portal cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return &ConfigError{Field: "http.addr", Message: "must not be empty"}
	}
	if c.DB.Path == "" {
		return &ConfigError{Field: "db.path", Message: "must not be empty"}
	}
	if c.Voucher.CodeLength < 4 {
		return &ConfigError{Field: "voucher.code_length", Message: "must be at least 4"}
	}
	if c.Voucher.MaxAttempts < 1 {
		return &ConfigError{Field: "voucher.max_attempts", Message: "must be at least 1"}
	}
	if c.Voucher.DurationMinutes < 1 {
		return &ConfigError{Field: "voucher.duration_minutes", Message: "must be at least 1"}
	}
	if c.Voucher.DurationMinutes > voucher.MaxDurationMinutes {
		return &ConfigError{
			Field:   "voucher.duration_minutes",
			Message: fmt.Sprintf("must be at most %d", voucher.MaxDurationMinutes),
		}
	}
	if c.Sweeper.Interval <= 0 {
		return &ConfigError{Field: "sweeper.interval", Message: "must be positive"}
	}
	if c.Firewall.Timeout <= 0 {
		return &ConfigError{Field: "firewall.timeout", Message: "must be positive"}
	}

	switch c.Firewall.Driver {
	case DriverNoop:
	case DriverScript:
		if len(c.Firewall.AdmitCommand) == 0 {
			return &ConfigError{Field: "firewall.admit_command", Message: "required by the script driver"}
		}
		if len(c.Firewall.RevokeCommand) == 0 {
			return &ConfigError{Field: "firewall.revoke_command", Message: "required by the script driver"}
		}
	case DriverOpenNDS:
		if c.Firewall.OpenNDS.Address == "" {
			return &ConfigError{Field: "firewall.opennds.address", Message: "required by the opennds driver"}
		}
		if c.Firewall.OpenNDS.Password == "" && c.Firewall.OpenNDS.PrivateKey == "" {
			return &ConfigError{Field: "firewall.opennds", Message: "password or private_key is required"}
		}
	default:
		return &ConfigError{Field: "firewall.driver", Message: fmt.Sprintf("unknown driver %q", c.Firewall.Driver)}
	}

	return nil
}

func splitList(in []string) []string {
	if len(in) != 1 {
		return in
	}
	return strings.Fields(in[0])
}
