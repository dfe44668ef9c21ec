package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/flagx"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SESSIONKEEPER_LOG_LEVEL.
const EnvPrefix = "SESSIONKEEPER"

// Store backends for the persistent key/value store.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds runtime settings for the sessionkeeper CLI.
type Config struct {
	IdentityEndpoint string        `mapstructure:"identity_endpoint"`
	IdentityInsecure bool          `mapstructure:"identity_insecure"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`

	DataDir      string `mapstructure:"data_dir"`
	StoreBackend string `mapstructure:"store_backend"`
	RedisURL     string `mapstructure:"redis_url"`
	// UserDirectoryDSN, when set, points user-existence checks at Postgres
	// instead of the identity backend.
	UserDirectoryDSN string `mapstructure:"user_directory_dsn"`
	// SecureStoreSecret keys the encrypted token store. When empty a random
	// key file is kept in DataDir.
	SecureStoreSecret string `mapstructure:"secure_store_secret"`

	OTLPEndpoint    string        `mapstructure:"otlp_endpoint"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	GoogleClientID     string `mapstructure:"google_client_id"`
	GoogleClientSecret string `mapstructure:"google_client_secret"`
	GoogleRedirectURL  string `mapstructure:"google_redirect_url"`

	RefreshBeforeExpiry time.Duration `mapstructure:"refresh_before_expiry"`
	ValidationInterval  time.Duration `mapstructure:"validation_interval"`
	MaxRefreshRetries   int           `mapstructure:"max_refresh_retries"`
	BaseRefreshDelay    time.Duration `mapstructure:"base_refresh_delay"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	OnlineCheckInterval time.Duration `mapstructure:"online_check_interval"`

	AppVersion string `mapstructure:"app_version"`
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	v.SetDefault("identity_endpoint", "127.0.0.1:50051")
	v.SetDefault("identity_insecure", true)
	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("data_dir", filepath.Join(home, ".sessionkeeper"))
	v.SetDefault("store_backend", StoreSQLite)
	v.SetDefault("redis_url", "")
	v.SetDefault("user_directory_dsn", "")
	v.SetDefault("secure_store_secret", "")
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("metrics_interval", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("google_client_id", "")
	v.SetDefault("google_client_secret", "")
	v.SetDefault("google_redirect_url", "http://127.0.0.1:8085/callback")
	v.SetDefault("refresh_before_expiry", 5*time.Minute)
	v.SetDefault("validation_interval", 5*time.Minute)
	v.SetDefault("max_refresh_retries", 3)
	v.SetDefault("base_refresh_delay", time.Second)
	v.SetDefault("cleanup_interval", time.Hour)
	v.SetDefault("online_check_interval", 3*time.Second)
	v.SetDefault("app_version", "dev")
}

// LoadConfig builds the Config from os.Args and the environment.
func LoadConfig() (*Config, error) {
	return Load(os.Args[1:])
}

// Load applies, in increasing precedence: defaults, the JSON file named by
// -c/-config, SESSIONKEEPER_* environment variables, and the -a, -d, -l and
// -i flags found in args.
func Load(args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := flagx.ConfigPath(args); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindFlags(v, args); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindFlags overrides settings with the flags present in args. Flags left
// out keep the value from earlier sources.
func bindFlags(v *viper.Viper, args []string) error {
	fs := flag.NewFlagSet("sessionkeeper", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	endpoint := fs.String("a", "", "address and port of the identity backend")
	dataDir := fs.String("d", "", "data directory")
	logLevel := fs.String("l", "", "log level (debug, info, warn, error)")
	interval := fs.Int("i", 0, "online check interval (in seconds)")

	if err := fs.Parse(flagx.FilterArgs(args, []string{"-a", "-d", "-l", "-i"})); err != nil {
		return fmt.Errorf("config: flags: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "a":
			v.Set("identity_endpoint", *endpoint)
		case "d":
			v.Set("data_dir", *dataDir)
		case "l":
			v.Set("log_level", *logLevel)
		case "i":
			v.Set("online_check_interval", time.Duration(*interval)*time.Second)
		}
	})
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.IdentityEndpoint) == "":
		return errors.New("config: identity_endpoint must be set")
	case c.StoreBackend != StoreSQLite && c.StoreBackend != StoreRedis && c.StoreBackend != StoreMemory:
		return fmt.Errorf("config: unknown store_backend %q", c.StoreBackend)
	case c.StoreBackend == StoreRedis && c.RedisURL == "":
		return errors.New("config: redis_url must be set when store_backend is redis")
	case c.StoreBackend == StoreSQLite && c.DataDir == "":
		return errors.New("config: data_dir must be set when store_backend is sqlite")
	case c.LogFormat != "json" && c.LogFormat != "text":
		return fmt.Errorf("config: log_format must be json or text, got %q", c.LogFormat)
	case c.MaxRefreshRetries < 1:
		return errors.New("config: max_refresh_retries must be at least 1")
	case c.RequestTimeout <= 0, c.RefreshBeforeExpiry <= 0, c.ValidationInterval <= 0,
		c.BaseRefreshDelay <= 0, c.CleanupInterval <= 0, c.OnlineCheckInterval <= 0:
		return errors.New("config: intervals and timeouts must be positive")
	}
	return nil
}

// DatabasePath is the SQLite file inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "sessionkeeper.db")
}

// KeyFilePath is the generated secure store key inside DataDir.
func (c *Config) KeyFilePath() string {
	return filepath.Join(c.DataDir, "secure.key")
}
