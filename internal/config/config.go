/*
Package config loads the server configuration.

LAYERS (later wins):
  1. Defaults
  2. YAML file (-config flag or LOYALTY_CONFIG)
  3. .env file in the working directory (only sets variables not already set)
  4. LOYALTY_* environment variables
  5. Command-line flags that were given explicitly

EXAMPLE FILE:
  port: 8080
  db_path: ./data/loyalty.db
  log_level: info
  log_format: json
  max_retries: 5
  rate_limit_rps: 50
  rate_limit_burst: 100
  seed_file: ./programs.yaml
  audit_interval: 1h
  cors_origins:
    - http://localhost:5173
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "LOYALTY_"

// Config is the server configuration.
type Config struct {
	Port           int      `yaml:"port"`
	DBPath         string   `yaml:"db_path"`
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
	MaxRetries     int      `yaml:"max_retries"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	SeedFile       string   `yaml:"seed_file"`
	CORSOrigins    []string `yaml:"cors_origins"`

	// AuditInterval is how often every account is replayed. 0 disables it.
	AuditInterval time.Duration `yaml:"audit_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:           8080,
		DBPath:         "loyalty.db",
		LogLevel:       "info",
		LogFormat:      "text",
		MaxRetries:     5,
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		CORSOrigins:    []string{"http://localhost:5173", "http://localhost:8080"},
		AuditInterval:  time.Hour,
	}
}

// Load builds the configuration from all layers. args excludes the program name.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("loyalty-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configPath = fs.String("config", "", "YAML config file")
		envFile    = fs.String("env-file", ".env", "dotenv file (ignored if missing)")
		port       = fs.Int("port", 0, "HTTP server port")
		dbPath     = fs.String("db", "", "SQLite database path (\":memory:\" for in-memory)")
		logLevel   = fs.String("log-level", "", "log level (debug, info, warn, error)")
		logFormat  = fs.String("log-format", "", "log format (text, json)")
		seedFile   = fs.String("seed", "", "YAML file of programs to create at startup")
	)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading %s: %w", *envFile, err)
	}

	cfg := Default()

	path := *configPath
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "db":
			cfg.DBPath = *dbPath
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "seed":
			cfg.SeedFile = *seedFile
		}
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v, ok := lookup("PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", EnvPrefix, err)
		}
		c.Port = n
	}
	if v, ok := lookup("DB_PATH"); ok {
		c.DBPath = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := lookup("MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_RETRIES: %w", EnvPrefix, err)
		}
		c.MaxRetries = n
	}
	if v, ok := lookup("RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT_RPS: %w", EnvPrefix, err)
		}
		c.RateLimitRPS = f
	}
	if v, ok := lookup("RATE_LIMIT_BURST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT_BURST: %w", EnvPrefix, err)
		}
		c.RateLimitBurst = n
	}
	if v, ok := lookup("SEED_FILE"); ok {
		c.SeedFile = v
	}
	if v, ok := lookup("AUDIT_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sAUDIT_INTERVAL: %w", EnvPrefix, err)
		}
		c.AuditInterval = d
	}
	if v, ok := lookup("CORS_ORIGINS"); ok {
		c.CORSOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.CORSOrigins = append(c.CORSOrigins, origin)
			}
		}
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.DBPath == "":
		return errors.New("db path is required")
	case c.MaxRetries <= 0:
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	case c.RateLimitRPS < 0:
		return fmt.Errorf("rate_limit_rps must not be negative, got %v", c.RateLimitRPS)
	case c.RateLimitRPS > 0 && c.RateLimitBurst <= 0:
		return fmt.Errorf("rate_limit_burst must be positive when rate limiting, got %d", c.RateLimitBurst)
	case c.AuditInterval < 0:
		return fmt.Errorf("audit_interval must not be negative, got %s", c.AuditInterval)
	}
	return nil
}

// RateLimited reports whether mutating routes are rate limited.
func (c Config) RateLimited() bool { return c.RateLimitRPS > 0 }
