package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the server
type Config struct {
	Server    ServerConfig
	Explorer  ExplorerConfig
	Workspace WorkspaceConfig
	Tools     ToolsConfig
	Storage   StorageConfig
	Auth      AuthConfig
	Cache     CacheConfig
	Logging   LoggingConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
	Proxy     ProxyConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ReadTimeout    int // seconds
	WriteTimeout   int // seconds
	IdleTimeout    int // seconds
	RequestTimeout int // seconds
}

// ExplorerConfig holds block explorer API settings
type ExplorerConfig struct {
	URL     string
	APIKey  string
	ChainID int // 0 omits the chainid parameter
	RPS     float64
	Timeout time.Duration
}

// WorkspaceConfig holds per-request scratch directory settings
type WorkspaceConfig struct {
	Root   string
	MaxAge time.Duration // orphaned workspaces older than this are swept
}

// ToolsConfig holds external tool settings
type ToolsConfig struct {
	WorkDir string // holds hardhat.config and node_modules

	NPXCommand        string
	NPMCommand        string
	SolcSelectCommand string
	SolcCommand       string
	MythCommand       string

	FlattenTimeout       time.Duration
	InstallTimeout       time.Duration
	SolcTimeout          time.Duration
	MythrilTimeout       time.Duration
	MythrilDirectTimeout time.Duration

	NoisePatterns       []string // extra analyzer output lines to drop
	FlattenShortCircuit bool
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type     string // "none", "sqlite" or "postgres"
	Postgres PostgresConfig
	SQLite   SQLiteConfig
}

// Enabled reports whether a storage backend is configured.
func (c StorageConfig) Enabled() bool {
	return c.Type != "" && c.Type != "none"
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	URL string
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	Type string // "none" or "api-key"
}

// CacheConfig holds report cache settings
type CacheConfig struct {
	Enabled    bool
	TTLSeconds int
}

// TTL returns the cache lifetime, zero when the cache is disabled.
func (c CacheConfig) TTL() time.Duration {
	if !c.Enabled {
		return 0
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string
	Format string // "text" or "json"
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
	CleanupMinutes int
	AnalyzeCost    int // tokens taken by an analysis run
}

// SecurityConfig holds security filter settings
type SecurityConfig struct {
	FilterEnabled bool
	MaxBodySizeMB int
}

// ProxyConfig holds trusted proxy settings for X-Forwarded-For handling
type ProxyConfig struct {
	TrustProxy     bool
	TrustedProxies []string // CIDR notation
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled     bool
	ServiceName string
}

// Load loads configuration from environment variables. A .env file in the
// working directory, if present, fills in variables that are not already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("PORT", 5001),
			Host:           getEnv("HOST", "0.0.0.0"),
			ReadTimeout:    getEnvInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout:   getEnvInt("SERVER_WRITE_TIMEOUT", 900),
			IdleTimeout:    getEnvInt("SERVER_IDLE_TIMEOUT", 120),
			RequestTimeout: getEnvInt("SERVER_REQUEST_TIMEOUT", 900),
		},
		Explorer: ExplorerConfig{
			URL:     getEnv("ETHERSCAN_URL", "https://api.etherscan.io/api"),
			APIKey:  getEnv("ETHERSCAN_API_KEY", ""),
			ChainID: getEnvInt("ETHERSCAN_CHAIN_ID", 0),
			RPS:     getEnvFloat("ETHERSCAN_RPS", 5),
			Timeout: getEnvDuration("ETHERSCAN_TIMEOUT", 30*time.Second),
		},
		Workspace: WorkspaceConfig{
			Root:   getEnv("WORKSPACE_ROOT", "./data/workspaces"),
			MaxAge: getEnvDuration("WORKSPACE_MAX_AGE", time.Hour),
		},
		Tools: ToolsConfig{
			WorkDir:              getEnv("TOOLS_WORKDIR", "."),
			NPXCommand:           getEnv("NPX_COMMAND", "npx"),
			NPMCommand:           getEnv("NPM_COMMAND", "npm"),
			SolcSelectCommand:    getEnv("SOLC_SELECT_COMMAND", "solc-select"),
			SolcCommand:          getEnv("SOLC_COMMAND", "solc"),
			MythCommand:          getEnv("MYTH_COMMAND", "myth"),
			FlattenTimeout:       getEnvDuration("FLATTEN_TIMEOUT", 2*time.Minute),
			InstallTimeout:       getEnvDuration("NPM_INSTALL_TIMEOUT", 5*time.Minute),
			SolcTimeout:          getEnvDuration("SOLC_SELECT_TIMEOUT", 2*time.Minute),
			MythrilTimeout:       getEnvDuration("MYTHRIL_TIMEOUT", 10*time.Minute),
			MythrilDirectTimeout: getEnvDuration("MYTHRIL_DIRECT_TIMEOUT", 5*time.Minute),
			NoisePatterns:        getEnvStringSlice("MYTHRIL_NOISE_PATTERNS", nil),
			FlattenShortCircuit:  getEnvBool("FLATTEN_SHORTCIRCUIT", true),
		},
		Storage: StorageConfig{
			Type: getEnv("STORAGE_TYPE", "none"),
			Postgres: PostgresConfig{
				URL: getEnv("DATABASE_URL", ""),
			},
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "./data/contrascan.db"),
			},
		},
		Auth: AuthConfig{
			Type: getEnv("AUTH_TYPE", "none"),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			TTLSeconds: getEnvInt("CACHE_TTL_SECONDS", 3600),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMin: getEnvInt("RATE_LIMIT_RPM", 30),
			BurstSize:      getEnvInt("RATE_LIMIT_BURST", 5),
			CleanupMinutes: getEnvInt("RATE_LIMIT_CLEANUP_MINUTES", 10),
			AnalyzeCost:    getEnvInt("RATE_LIMIT_ANALYZE_COST", 3),
		},
		Security: SecurityConfig{
			FilterEnabled: getEnvBool("SECURITY_FILTER_ENABLED", true),
			MaxBodySizeMB: getEnvInt("SECURITY_MAX_BODY_SIZE_MB", 1),
		},
		Proxy: ProxyConfig{
			TrustProxy:     getEnvBool("TRUST_PROXY", false),
			TrustedProxies: getEnvStringSlice("TRUSTED_PROXIES", []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}),
		},
		Metrics: MetricsConfig{
			Enabled:     getEnvBool("METRICS_ENABLED", true),
			ServiceName: getEnv("METRICS_SERVICE_NAME", "contrascan"),
		},
	}

	// If DATABASE_URL is set, default to postgres
	if cfg.Storage.Postgres.URL != "" && cfg.Storage.Type == "none" {
		cfg.Storage.Type = "postgres"
	}

	return cfg, nil
}

// Validate checks settings that the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Explorer.APIKey == "" {
		errs = append(errs, errors.New("ETHERSCAN_API_KEY not set"))
	}
	switch c.Storage.Type {
	case "none", "sqlite":
	case "postgres":
		if c.Storage.Postgres.URL == "" {
			errs = append(errs, errors.New("STORAGE_TYPE=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_TYPE %q", c.Storage.Type))
	}
	switch c.Auth.Type {
	case "none":
	case "api-key":
		if !c.Storage.Enabled() {
			errs = append(errs, errors.New("AUTH_TYPE=api-key requires a storage backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_TYPE %q", c.Auth.Type))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
