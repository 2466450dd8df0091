package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFile     string `mapstructure:"LOG_FILE"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	MongoURL    string `mapstructure:"MONGO_URL"`
	MongoDB     string `mapstructure:"MONGO_DATABASE"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	BlobDriver        string `mapstructure:"BLOB_DRIVER"`
	BlobLocalDir      string `mapstructure:"BLOB_LOCAL_DIR"`
	BlobPublicBaseURL string `mapstructure:"BLOB_PUBLIC_BASE_URL"`
	BlobMaxBytes      int64  `mapstructure:"BLOB_MAX_BYTES"`
	GCSBucket         string `mapstructure:"GCS_BUCKET"`
	GCSCredentials    string `mapstructure:"GCS_CREDENTIALS_FILE"`
	ThumbnailsEnabled bool   `mapstructure:"THUMBNAILS_ENABLED"`

	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	RequestTimeout time.Duration `mapstructure:"HTTP_REQUEST_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
}

// Store and blob backends.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
)

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("MONGO_DATABASE", "aligners")
	v.SetDefault("BLOB_DRIVER", DriverMemory)
	v.SetDefault("BLOB_LOCAL_DIR", "./data/objects")
	v.SetDefault("BLOB_PUBLIC_BASE_URL", "http://localhost:8000/files")
	v.SetDefault("BLOB_MAX_BYTES", 200<<20)
	v.SetDefault("THUMBNAILS_ENABLED", true)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HTTP_REQUEST_TIMEOUT", 30*time.Second)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "LOG_FILE", "STORE_DRIVER", "DATABASE_URL",
		"DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "MONGO_URL", "MONGO_DATABASE", "REDIS_URL",
		"BLOB_DRIVER", "BLOB_LOCAL_DIR", "BLOB_PUBLIC_BASE_URL", "BLOB_MAX_BYTES",
		"GCS_BUCKET", "GCS_CREDENTIALS_FILE", "THUMBNAILS_ENABLED",
		"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
		"HTTP_REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a bearer token get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the selected backends have what they need to start.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverMongo:
		if c.MongoURL == "" {
			return fmt.Errorf("MONGO_URL is required when STORE_DRIVER is %q", DriverMongo)
		}
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER %q is not allowed in production", DriverMemory)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q, or %q, got %q",
			DriverPostgres, DriverMongo, DriverMemory, c.StoreDriver)
	}

	switch c.BlobDriver {
	case DriverMemory, DriverLocal:
	case DriverGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when BLOB_DRIVER is %q", DriverGCS)
		}
	default:
		return fmt.Errorf("BLOB_DRIVER must be %q, %q, or %q, got %q",
			DriverMemory, DriverLocal, DriverGCS, c.BlobDriver)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}
	if c.BlobMaxBytes <= 0 {
		return fmt.Errorf("BLOB_MAX_BYTES must be positive")
	}

	return nil
}

// ClientConfig configures the wizard client binary.
type ClientConfig struct {
	APIBaseURL        string        `mapstructure:"API_BASE_URL"`
	APIToken          string        `mapstructure:"API_TOKEN"`
	UserID            string        `mapstructure:"USER_ID"`
	Role              string        `mapstructure:"ROLE"`
	StrictConcurrency bool          `mapstructure:"STRICT_CONCURRENCY"`
	AllowReplace      bool          `mapstructure:"ALLOW_REPLACE"`
	PollInterval      time.Duration `mapstructure:"NOTIFY_POLL_INTERVAL"`
	// RequestTimeout bounds reads only; zero disables it.
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

func LoadClient() (*ClientConfig, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("API_BASE_URL", "http://localhost:8000")
	v.SetDefault("ROLE", "doctor")
	v.SetDefault("NOTIFY_POLL_INTERVAL", 30*time.Second)
	v.SetDefault("REQUEST_TIMEOUT", 0)

	for _, key := range []string{
		"API_BASE_URL", "API_TOKEN", "USER_ID", "ROLE", "STRICT_CONCURRENCY",
		"ALLOW_REPLACE", "NOTIFY_POLL_INTERVAL", "REQUEST_TIMEOUT",
	} {
		_ = v.BindEnv(key)
	}
	_ = v.ReadInConfig()

	cfg := &ClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal client config: %w", err)
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	return cfg, nil
}

// Validate checks the client has a server to talk to and a known role.
func (c *ClientConfig) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	switch c.Role {
	case "admin", "doctor", "planner", "distributor":
	default:
		return fmt.Errorf("ROLE must be admin, doctor, planner, or distributor, got %q", c.Role)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("NOTIFY_POLL_INTERVAL must be positive")
	}
	return nil
}
