package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/photo-pipeline/internal/crop"
)

// Config holds the main configuration for the application.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Storage  Storage  `mapstructure:"storage"`
	RemoveBG RemoveBG `mapstructure:"removebg"`
	Ingest   Ingest   `mapstructure:"ingest"`
	Crop     Crop     `mapstructure:"crop"`
	Sessions Sessions `mapstructure:"sessions"`
	Jobs     Jobs     `mapstructure:"jobs"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort        string        `mapstructure:"http_port"`        // HTTP address to listen on
	MaxUploadMB     int64         `mapstructure:"max_upload_mb"`    // multipart memory limit
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"` // graceful shutdown deadline
}

// Storage selects and configures the artifact backend.
type Storage struct {
	Backend string `mapstructure:"backend"` // "disk" or "minio"
	Root    string `mapstructure:"root"`    // disk backend root directory
	MinIO   MinIO  `mapstructure:"minio"`
}

// MinIO holds configuration for the object storage backend.
type MinIO struct {
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	BucketName string `mapstructure:"bucket_name"`
	UseSSL     bool   `mapstructure:"use_ssl"`
}

// RemoveBG configures the background removal provider and orchestrator.
type RemoveBG struct {
	URL             string        `mapstructure:"url"`
	APIKey          string        `mapstructure:"api_key"`
	Size            string        `mapstructure:"size"`   // default size class
	Format          string        `mapstructure:"format"` // requested output format
	Concurrency     int           `mapstructure:"concurrency"`
	Timeout         time.Duration `mapstructure:"timeout"` // per request
	MaxConnsPerHost int           `mapstructure:"max_conns_per_host"`
	Retry           Retry         `mapstructure:"retry"`
	Fallback        Fallback      `mapstructure:"fallback"`
}

// Fallback configures the normalization applied before resubmitting an image
// whose subject was not detected.
type Fallback struct {
	LongEdge int     `mapstructure:"long_edge"`
	Sharpen  float64 `mapstructure:"sharpen"`
}

// Ingest holds upload validation limits.
type Ingest struct {
	MinWidth  int `mapstructure:"min_width"`
	MinHeight int `mapstructure:"min_height"`
}

// Crop holds presets added to, or overriding, the built-in ones.
type Crop struct {
	Presets []crop.Preset `mapstructure:"presets"`
}

// Sessions configures crop session directories.
type Sessions struct {
	Root          string        `mapstructure:"root"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Jobs configures asynchronous pipeline jobs.
type Jobs struct {
	Enabled    bool     `mapstructure:"enabled"`
	Migrations string   `mapstructure:"migrations"` // directory applied on startup, empty to skip
	Database   Database `mapstructure:"database"`
	Kafka      Kafka    `mapstructure:"kafka"`
	Retry      Retry    `mapstructure:"retry"`
}

// Database holds database master and slave configuration.
type Database struct {
	Master DatabaseNode   `mapstructure:"master"`
	Slaves []DatabaseNode `mapstructure:"slaves"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// Kafka holds configuration for the Kafka message queue.
type Kafka struct {
	GroupID string   `mapstructure:"group_id"` // Consumer group ID
	Topic   string   `mapstructure:"topic"`    // Kafka topic name
	Brokers []string `mapstructure:"brokers"`  // List of Kafka broker addresses
}

// Retry defines retry policy configuration.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Total number of attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between attempts
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

// Validate reports configuration that cannot work at runtime.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "disk":
		if c.Storage.Root == "" {
			return errors.New("storage.root is required for the disk backend")
		}
	case "minio":
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.BucketName == "" {
			return errors.New("storage.minio endpoint and bucket_name are required")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if strings.TrimSpace(c.RemoveBG.APIKey) == "" {
		return errors.New("removebg.api_key is required (REMOVE_BG_API_KEY)")
	}
	if !strings.EqualFold(c.RemoveBG.Format, "png") {
		return fmt.Errorf("removebg.format must be png, got %q", c.RemoveBG.Format)
	}
	if c.RemoveBG.Concurrency < 1 || c.RemoveBG.Concurrency > 16 {
		return fmt.Errorf("removebg.concurrency must be within 1..16, got %d", c.RemoveBG.Concurrency)
	}

	for _, p := range c.Crop.Presets {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	if c.Jobs.Enabled && len(c.Jobs.Kafka.Brokers) == 0 {
		return errors.New("jobs.kafka.brokers is required when jobs are enabled")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", ":8080")
	v.SetDefault("server.max_upload_mb", 64)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("storage.backend", "disk")
	v.SetDefault("storage.root", "./outputs")

	v.SetDefault("removebg.url", "https://api.remove.bg/v1.0/removebg")
	v.SetDefault("removebg.size", "auto")
	v.SetDefault("removebg.format", "png")
	v.SetDefault("removebg.concurrency", 3)
	v.SetDefault("removebg.timeout", 120*time.Second)
	v.SetDefault("removebg.max_conns_per_host", 16)
	v.SetDefault("removebg.retry.attempts", 3)
	v.SetDefault("removebg.retry.delay", 800*time.Millisecond)
	v.SetDefault("removebg.retry.backoff", 2.0)
	v.SetDefault("removebg.fallback.long_edge", 1024)
	v.SetDefault("removebg.fallback.sharpen", 1.0)

	v.SetDefault("ingest.min_width", 512)
	v.SetDefault("ingest.min_height", 512)

	v.SetDefault("sessions.ttl", time.Hour)
	v.SetDefault("sessions.sweep_interval", 5*time.Minute)

	v.SetDefault("jobs.migrations", "./migrations")
	v.SetDefault("jobs.retry.attempts", 3)
	v.SetDefault("jobs.retry.delay", 500*time.Millisecond)
	v.SetDefault("jobs.retry.backoff", 2.0)
}

// mustBindEnv binds secrets and deployment-specific environment variables
// to Viper keys.
//
// It panics if any environment variable cannot be bound.
func mustBindEnv(v *viper.Viper) {
	bindings := map[string]string{
		"removebg.api_key":          "REMOVE_BG_API_KEY",
		"storage.minio.endpoint":    "MINIO_ENDPOINT",
		"storage.minio.access_key":  "MINIO_ACCESS_KEY",
		"storage.minio.secret_key":  "MINIO_SECRET_KEY",
		"storage.minio.bucket_name": "MINIO_BUCKET",
		"jobs.database.master.host": "DB_HOST",
		"jobs.database.master.port": "DB_PORT",
		"jobs.database.master.user": "DB_USER",
		"jobs.database.master.pass": "DB_PASSWORD",
		"jobs.database.master.name": "DB_NAME",
	}

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			zlog.Logger.Panic().Err(err).Msgf("failed to bind env %s", env)
		}
	}
}

// Load reads the configuration file at path, overlaid with the environment
// and a .env file in the working directory when one exists.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	mustBindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads the configuration from the specified file path.
// It panics if the configuration cannot be loaded or is invalid.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to load config")
	}

	return cfg
}
