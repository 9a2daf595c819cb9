// Package config loads and validates the service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the SIKESA_ prefix (e.g. SIKESA_MQTT_BROKER_URL
// overrides mqtt.broker_url in the YAML). The same binary runs with a config.yaml in
// local development and with pure environment variables in containers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Images    ImagesConfig    `mapstructure:"images"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	PublicURL    string        `mapstructure:"public_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration. It is only used when
// the image index is stored in Postgres.
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// StorageConfig holds storage backend configuration
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	CDNURL        string `mapstructure:"cdn_url"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO and friends)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AuthMethod is one of "default", "static", "oidc", "assume_role"
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN              string `mapstructure:"role_arn"`
	RoleSessionName      string `mapstructure:"role_session_name"`
	ExternalID           string `mapstructure:"external_id"`
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket    string `mapstructure:"bucket"`
	ProjectID string `mapstructure:"project_id"`

	// AuthMethod is one of "default", "service_account", "workload_identity"
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (GCS emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// ImagesConfig controls how uploads are validated, compressed, indexed and served
type ImagesConfig struct {
	IndexBackend      string        `mapstructure:"index_backend"`
	IndexPath         string        `mapstructure:"index_path"`
	StoragePrefix     string        `mapstructure:"storage_prefix"`
	MaxWidth          int           `mapstructure:"max_width"`
	JPEGQuality       int           `mapstructure:"jpeg_quality"`
	PNGCompression    string        `mapstructure:"png_compression"`
	AllowedExtensions []string      `mapstructure:"allowed_extensions"`
	MaxUploadMB       int           `mapstructure:"max_upload_mb"`
	ServeMode         string        `mapstructure:"serve_mode"`
	URLTTL            time.Duration `mapstructure:"url_ttl"`
}

// MaxUploadBytes returns the upload size limit in bytes
func (c *ImagesConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// MQTTConfig holds the device status broker connection
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
}

// MonitorConfig holds device status debouncing parameters
type MonitorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	TopicSuffix     string        `mapstructure:"topic_suffix"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	OfflineAfter    time.Duration `mapstructure:"offline_after"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// RealtimeConfig selects where device status is mirrored
type RealtimeConfig struct {
	Backend  string                 `mapstructure:"backend"`
	Firebase FirebaseRealtimeConfig `mapstructure:"firebase"`
	Redis    RedisRealtimeConfig    `mapstructure:"redis"`
	Memory   MemoryRealtimeConfig   `mapstructure:"memory"`
}

// FirebaseRealtimeConfig holds Firebase Realtime Database settings
type FirebaseRealtimeConfig struct {
	DatabaseURL     string `mapstructure:"database_url"`
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
}

// RedisRealtimeConfig holds the key layout for the Redis realtime backend.
// The connection itself comes from the top-level redis section.
type RedisRealtimeConfig struct {
	KeyPrefix string `mapstructure:"key_prefix"`
	LogMaxLen int64  `mapstructure:"log_max_len"`
}

// MemoryRealtimeConfig seeds the in-process realtime backend
type MemoryRealtimeConfig struct {
	Devices []DeviceSeed `mapstructure:"devices"`
}

// DeviceSeed is a device registered at startup for the memory backend
type DeviceSeed struct {
	ID    string `mapstructure:"id"`
	Name  string `mapstructure:"name"`
	Topic string `mapstructure:"topic"`
}

// RedisConfig holds the shared Redis connection
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
	Auth         AuthConfig         `mapstructure:"auth"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Backend           string `mapstructure:"backend"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// AuthConfig holds bearer token settings for mutating endpoints.
// An empty JWTSecret leaves upload and delete open.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.public_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Storage
		"storage.default_backend",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.azure.cdn_url",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.gcs.bucket",
		"storage.gcs.project_id",
		"storage.gcs.auth_method",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",
		"storage.local.base_path",

		// Images
		"images.index_backend",
		"images.index_path",
		"images.storage_prefix",
		"images.max_width",
		"images.jpeg_quality",
		"images.png_compression",
		"images.allowed_extensions",
		"images.max_upload_mb",
		"images.serve_mode",
		"images.url_ttl",

		// MQTT
		"mqtt.enabled",
		"mqtt.broker_url",
		"mqtt.client_id",
		"mqtt.username",
		"mqtt.password",
		"mqtt.qos",
		"mqtt.connect_timeout",
		"mqtt.keep_alive",

		// Monitor
		"monitor.enabled",
		"monitor.topic_suffix",
		"monitor.tick_interval",
		"monitor.offline_after",
		"monitor.refresh_interval",
		"monitor.write_timeout",

		// Realtime
		"realtime.backend",
		"realtime.firebase.database_url",
		"realtime.firebase.project_id",
		"realtime.firebase.credentials_file",
		"realtime.firebase.credentials_json",
		"realtime.redis.key_prefix",
		"realtime.redis.log_max_len",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.backend",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",
		"security.auth.jwt_secret",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/sikesa")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("SIKESA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.MQTT.Password = expandEnv(cfg.MQTT.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Security.Auth.JWTSecret = expandEnv(cfg.Security.Auth.JWTSecret)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "sikesa")
	v.SetDefault("database.user", "sikesa")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_idle_connections", 2)

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./public")

	// Image defaults
	v.SetDefault("images.index_backend", "json")
	v.SetDefault("images.index_path", "./imageData.json")
	v.SetDefault("images.storage_prefix", "images")
	v.SetDefault("images.max_width", 1080)
	v.SetDefault("images.jpeg_quality", 70)
	v.SetDefault("images.png_compression", "best")
	v.SetDefault("images.allowed_extensions", []string{"jpg", "jpeg", "png", "gif"})
	v.SetDefault("images.max_upload_mb", 20)
	v.SetDefault("images.serve_mode", "proxy")
	v.SetDefault("images.url_ttl", "15m")

	// MQTT defaults
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker_url", "ws://broker.emqx.io:8083/mqtt")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.keep_alive", "30s")

	// Monitor defaults
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.topic_suffix", "-status")
	v.SetDefault("monitor.tick_interval", "2s")
	v.SetDefault("monitor.offline_after", "7s")
	v.SetDefault("monitor.refresh_interval", "5s")
	v.SetDefault("monitor.write_timeout", "5s")

	// Realtime defaults
	v.SetDefault("realtime.backend", "memory")
	v.SetDefault("realtime.redis.key_prefix", "sikesa")
	v.SetDefault("realtime.redis.log_max_len", 10000)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.backend", "memory")
	v.SetDefault("security.rate_limiting.requests_per_minute", 30)
	v.SetDefault("security.rate_limiting.burst", 5)
	v.SetDefault("security.tls.enabled", false)
	v.SetDefault("security.auth.jwt_secret", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Storage backend
	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}

	switch c.Storage.DefaultBackend {
	case "azure":
		if c.Storage.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using Azure backend")
		}
		if c.Storage.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using Azure backend")
		}
		if c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.container_name is required when using Azure backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}

	// Image index
	switch c.Images.IndexBackend {
	case "json":
		if c.Images.IndexPath == "" {
			return fmt.Errorf("images.index_path is required when using the json index")
		}
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required when using the postgres index")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required when using the postgres index")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required when using the postgres index")
		}
	default:
		return fmt.Errorf("invalid images.index_backend: %s (must be json or postgres)", c.Images.IndexBackend)
	}

	if c.Images.MaxWidth < 1 {
		return fmt.Errorf("images.max_width must be positive, got %d", c.Images.MaxWidth)
	}
	if c.Images.JPEGQuality < 1 || c.Images.JPEGQuality > 100 {
		return fmt.Errorf("images.jpeg_quality must be between 1 and 100, got %d", c.Images.JPEGQuality)
	}
	validCompression := map[string]bool{"default": true, "none": true, "fast": true, "best": true}
	if !validCompression[c.Images.PNGCompression] {
		return fmt.Errorf("invalid images.png_compression: %s (must be default, none, fast, or best)", c.Images.PNGCompression)
	}
	if len(c.Images.AllowedExtensions) == 0 {
		return fmt.Errorf("images.allowed_extensions must not be empty")
	}
	if c.Images.MaxUploadMB < 1 {
		return fmt.Errorf("images.max_upload_mb must be positive, got %d", c.Images.MaxUploadMB)
	}
	if c.Images.ServeMode != "proxy" && c.Images.ServeMode != "redirect" {
		return fmt.Errorf("invalid images.serve_mode: %s (must be proxy or redirect)", c.Images.ServeMode)
	}

	// Realtime
	switch c.Realtime.Backend {
	case "firebase":
		if c.Realtime.Firebase.DatabaseURL == "" {
			return fmt.Errorf("realtime.firebase.database_url is required when using the firebase backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when using the redis realtime backend")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid realtime.backend: %s (must be firebase, redis, or memory)", c.Realtime.Backend)
	}

	// MQTT and monitor
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when MQTT is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt.qos: %d (must be 0, 1, or 2)", c.MQTT.QoS)
	}
	if c.Monitor.Enabled {
		if c.Monitor.TickInterval <= 0 {
			return fmt.Errorf("monitor.tick_interval must be positive")
		}
		if c.Monitor.OfflineAfter <= 0 {
			return fmt.Errorf("monitor.offline_after must be positive")
		}
		if c.Monitor.RefreshInterval <= 0 {
			return fmt.Errorf("monitor.refresh_interval must be positive")
		}
	}

	// Rate limiting
	if c.Security.RateLimiting.Enabled {
		if c.Security.RateLimiting.Backend != "memory" && c.Security.RateLimiting.Backend != "redis" {
			return fmt.Errorf("invalid security.rate_limiting.backend: %s (must be memory or redis)", c.Security.RateLimiting.Backend)
		}
		if c.Security.RateLimiting.RequestsPerMinute < 1 {
			return fmt.Errorf("security.rate_limiting.requests_per_minute must be positive")
		}
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
