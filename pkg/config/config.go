package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "FLEETWISE_"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	Storage       StorageConfig       `yaml:"storage"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Broadcast     BroadcastConfig     `yaml:"broadcast"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// RedisConfig holds Redis settings. An empty URL disables every Redis-backed feature.
type RedisConfig struct {
	URL        string `yaml:"url"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	MaxRetries int    `yaml:"max_retries"`
}

// AuthConfig holds session and login settings
type AuthConfig struct {
	SessionTTL       time.Duration `yaml:"session_ttl"`
	BcryptCost       int           `yaml:"bcrypt_cost"`
	LoginRateLimit   int           `yaml:"login_rate_limit"`
	LoginRateWindow  time.Duration `yaml:"login_rate_window"`
	TrustProxyHeader bool          `yaml:"trust_proxy_header"`
}

// StorageConfig selects the document blob backend
type StorageConfig struct {
	Type           string `yaml:"type"` // filesystem or s3
	FilesystemRoot string `yaml:"filesystem_root"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Region       string `yaml:"s3_region"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3PathStyle    bool   `yaml:"s3_path_style"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// NotificationsConfig selects the delivery queue
type NotificationsConfig struct {
	Queue     string `yaml:"queue"` // memory or redis
	QueueKey  string `yaml:"queue_key"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
}

// BroadcastConfig selects the realtime transport
type BroadcastConfig struct {
	Driver       string   `yaml:"driver"` // memory, redis or kafka
	RedisPrefix  string   `yaml:"redis_prefix"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	AppKey       string   `yaml:"app_key"`
	AppSecret    string   `yaml:"app_secret"`
}

// JobsConfig holds cron schedules for background maintenance
type JobsConfig struct {
	Enabled             bool   `yaml:"enabled"`
	SessionPurgeSpec    string `yaml:"session_purge_spec"`
	QueueDepthSpec      string `yaml:"queue_depth_spec"`
	PurgeRevokedAfterHr int    `yaml:"purge_revoked_after_hours"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:   10,
			MaxRetries: 3,
		},
		Auth: AuthConfig{
			SessionTTL:      24 * time.Hour,
			BcryptCost:      12,
			LoginRateLimit:  10,
			LoginRateWindow: time.Minute,
		},
		Storage: StorageConfig{
			Type:           "filesystem",
			FilesystemRoot: "./data/documents",
			S3Region:       "us-east-1",
			MaxUploadBytes: 25 << 20,
		},
		Notifications: NotificationsConfig{
			Queue:     "memory",
			QueueKey:  "fleetwise:notifications",
			Workers:   4,
			QueueSize: 1000,
		},
		Broadcast: BroadcastConfig{
			Driver:      "memory",
			RedisPrefix: "fleetwise:broadcast:",
			KafkaTopic:  "fleetwise.broadcasts",
		},
		Jobs: JobsConfig{
			Enabled:             true,
			SessionPurgeSpec:    "@every 1h",
			QueueDepthSpec:      "@every 30s",
			PurgeRevokedAfterHr: 24,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "fleetwise",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig builds configuration from defaults, an optional .env file, an
// optional YAML file named by FLEETWISE_CONFIG_FILE, and FLEETWISE_*
// environment variables, in increasing order of precedence.
func LoadConfig() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := Default()

	if path := FilePath(); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// FilePath returns the YAML config file named by FLEETWISE_CONFIG_FILE, or
// "" when none is set.
func FilePath() string {
	return os.Getenv(envPrefix + "CONFIG_FILE")
}

// loadFile overlays the YAML file at path onto cfg.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("HOST", s.Host)
	s.Port = getEnv("PORT", s.Port)
	s.ReadTimeout = getEnvDuration("READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("MAX_BODY_BYTES", s.MaxBodyBytes)
	s.CORSOrigins = getEnvList("CORS_ORIGINS", s.CORSOrigins)

	d := &c.Database
	d.URL = getEnv("DATABASE_URL", d.URL)
	d.MaxOpenConns = getEnvInt("DATABASE_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("DATABASE_MAX_IDLE_CONNS", d.MaxIdleConns)
	d.ConnMaxLifetime = getEnvDuration("DATABASE_CONN_MAX_LIFETIME", d.ConnMaxLifetime)
	d.MigrateOnStart = getEnvBool("DATABASE_MIGRATE_ON_START", d.MigrateOnStart)

	r := &c.Redis
	r.URL = getEnv("REDIS_URL", r.URL)
	r.Password = getEnv("REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("REDIS_DB", r.DB)
	r.PoolSize = getEnvInt("REDIS_POOL_SIZE", r.PoolSize)
	r.MaxRetries = getEnvInt("REDIS_MAX_RETRIES", r.MaxRetries)

	a := &c.Auth
	a.SessionTTL = getEnvDuration("SESSION_TTL", a.SessionTTL)
	a.BcryptCost = getEnvInt("BCRYPT_COST", a.BcryptCost)
	a.LoginRateLimit = getEnvInt("LOGIN_RATE_LIMIT", a.LoginRateLimit)
	a.LoginRateWindow = getEnvDuration("LOGIN_RATE_WINDOW", a.LoginRateWindow)
	a.TrustProxyHeader = getEnvBool("TRUST_PROXY_HEADER", a.TrustProxyHeader)

	st := &c.Storage
	st.Type = getEnv("STORAGE_TYPE", st.Type)
	st.FilesystemRoot = getEnv("FILESYSTEM_ROOT", st.FilesystemRoot)
	st.S3Endpoint = getEnv("S3_ENDPOINT", st.S3Endpoint)
	st.S3Region = getEnv("S3_REGION", st.S3Region)
	st.S3Bucket = getEnv("S3_BUCKET", st.S3Bucket)
	st.S3AccessKey = getEnv("S3_ACCESS_KEY", st.S3AccessKey)
	st.S3SecretKey = getEnv("S3_SECRET_KEY", st.S3SecretKey)
	st.S3PathStyle = getEnvBool("S3_PATH_STYLE", st.S3PathStyle)
	st.MaxUploadBytes = getEnvInt64("MAX_UPLOAD_BYTES", st.MaxUploadBytes)

	n := &c.Notifications
	n.Queue = getEnv("NOTIFICATION_QUEUE", n.Queue)
	n.QueueKey = getEnv("NOTIFICATION_QUEUE_KEY", n.QueueKey)
	n.Workers = getEnvInt("NOTIFICATION_WORKERS", n.Workers)
	n.QueueSize = getEnvInt("NOTIFICATION_QUEUE_SIZE", n.QueueSize)

	b := &c.Broadcast
	b.Driver = getEnv("BROADCAST_DRIVER", b.Driver)
	b.RedisPrefix = getEnv("BROADCAST_REDIS_PREFIX", b.RedisPrefix)
	b.KafkaBrokers = getEnvList("KAFKA_BROKERS", b.KafkaBrokers)
	b.KafkaTopic = getEnv("KAFKA_TOPIC", b.KafkaTopic)
	b.AppKey = getEnv("BROADCAST_APP_KEY", b.AppKey)
	b.AppSecret = getEnv("BROADCAST_APP_SECRET", b.AppSecret)

	j := &c.Jobs
	j.Enabled = getEnvBool("JOBS_ENABLED", j.Enabled)
	j.SessionPurgeSpec = getEnv("JOBS_SESSION_PURGE_SPEC", j.SessionPurgeSpec)
	j.QueueDepthSpec = getEnv("JOBS_QUEUE_DEPTH_SPEC", j.QueueDepthSpec)

	o := &c.Observability
	o.LogLevel = getEnv("LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}

	switch c.Storage.Type {
	case "filesystem":
		if c.Storage.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for filesystem storage")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be filesystem or s3)", c.Storage.Type)
	}

	switch c.Notifications.Queue {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis URL is required for the redis notification queue")
		}
	default:
		return fmt.Errorf("invalid notification queue: %s (must be memory or redis)", c.Notifications.Queue)
	}
	if c.Notifications.Workers <= 0 {
		return fmt.Errorf("notification workers must be positive")
	}

	switch c.Broadcast.Driver {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis URL is required for the redis broadcast driver")
		}
	case "kafka":
		if len(c.Broadcast.KafkaBrokers) == 0 || c.Broadcast.KafkaTopic == "" {
			return fmt.Errorf("kafka brokers and topic are required for the kafka broadcast driver")
		}
	default:
		return fmt.Errorf("invalid broadcast driver: %s (must be memory, redis, or kafka)", c.Broadcast.Driver)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns FLEETWISE_<key> or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
