package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the full daemon configuration. Values are resolved from
// flags, the KDBUSD_* environment and an optional YAML config file, in
// that priority order.
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	MaxNames        int           `mapstructure:"max_names"`
	MaxNamesPerConn int           `mapstructure:"max_names_per_conn"`
	MaxWaiters      int           `mapstructure:"max_waiters"`
	MaxConnections  int           `mapstructure:"max_connections"`
	PoolSize        int           `mapstructure:"pool_size"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLSCert         string        `mapstructure:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key"`
	AuthToken       string        `mapstructure:"auth_token"`
	AuthTokenFile   string        `mapstructure:"auth_token_file"`
	PolicyRules     []string      `mapstructure:"policy_rules"`
	Debug           bool          `mapstructure:"debug"`
	Version         bool          `mapstructure:"version"`
}

// Load parses args and builds the configuration. Environment variables use
// the KDBUSD_ prefix with underscores (e.g. KDBUSD_MAX_NAMES). A config
// file may be named with --config.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("kdbusd", pflag.ContinueOnError)

	cfgFile := fs.String("config", "", "Path to YAML config file")
	fs.String("host", "127.0.0.1", "Bind address")
	fs.Int("port", 6381, "Bind port")
	fs.Int("max-names", 1024, "Maximum number of registered names")
	fs.Int("max-names-per-conn", 256, "Maximum names owned by one connection")
	fs.Int("max-waiters", 0, "Maximum waiters per name (0 = unlimited)")
	fs.Int("max-connections", 0, "Maximum concurrent connections (0 = unlimited)")
	fs.Int("pool-size", 1<<20, "Per-connection receive pool size (bytes)")
	fs.Duration("read-timeout", 23*time.Second, "Client read timeout")
	fs.Duration("write-timeout", 5*time.Second, "Client write timeout")
	fs.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown drain timeout (0 = wait forever)")
	fs.String("tls-cert", "", "Path to TLS certificate PEM file")
	fs.String("tls-key", "", "Path to TLS private key PEM file")
	fs.String("auth-token", "", "Shared secret for client authentication (visible in process list; prefer --auth-token-file)")
	fs.String("auth-token-file", "", "Path to file containing the auth token (one line, trailing whitespace stripped)")
	fs.StringSlice("policy-rule", nil, "Ownership policy rule prefix (repeatable; none = allow all)")
	fs.Bool("debug", false, "Enable debug logging")
	fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("KDBUSD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	bind := map[string]string{
		"host":               "host",
		"port":               "port",
		"max_names":          "max-names",
		"max_names_per_conn": "max-names-per-conn",
		"max_waiters":        "max-waiters",
		"max_connections":    "max-connections",
		"pool_size":          "pool-size",
		"read_timeout":       "read-timeout",
		"write_timeout":      "write-timeout",
		"shutdown_timeout":   "shutdown-timeout",
		"tls_cert":           "tls-cert",
		"tls_key":            "tls-key",
		"auth_token":         "auth-token",
		"auth_token_file":    "auth-token-file",
		"policy_rules":       "policy-rule",
		"debug":              "debug",
		"version":            "version",
	}
	for key, flag := range bind {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("binding %s: %w", flag, err)
		}
	}

	if *cfgFile != "" {
		v.SetConfigFile(*cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	tok, err := resolveAuthToken(cfg.AuthToken, cfg.AuthTokenFile)
	if err != nil {
		return nil, err
	}
	cfg.AuthToken = tok

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveAuthToken prefers an explicit token over a token file.
func resolveAuthToken(token, tokenFile string) (string, error) {
	if token != "" {
		return token, nil
	}
	if tokenFile != "" {
		data, err := os.ReadFile(tokenFile)
		if err != nil {
			return "", fmt.Errorf("reading auth token file %q: %w", tokenFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", nil
}

func (c *Config) validate() error {
	if c.MaxNames <= 0 {
		return fmt.Errorf("--max-names must be > 0 (got %d)", c.MaxNames)
	}
	if c.MaxNamesPerConn <= 0 {
		return fmt.Errorf("--max-names-per-conn must be > 0 (got %d)", c.MaxNamesPerConn)
	}
	if c.MaxWaiters < 0 {
		return fmt.Errorf("--max-waiters must be >= 0 (got %d)", c.MaxWaiters)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("--max-connections must be >= 0 (got %d)", c.MaxConnections)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("--pool-size must be > 0 (got %d)", c.PoolSize)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("--read-timeout must be > 0")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("--write-timeout must be >= 0 (got %s)", c.WriteTimeout)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("--shutdown-timeout must be >= 0 (got %s)", c.ShutdownTimeout)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("--port must be 0-65535 (got %d)", c.Port)
	}
	if (c.TLSCert != "") != (c.TLSKey != "") {
		return fmt.Errorf("--tls-cert and --tls-key must be provided together")
	}
	return nil
}
