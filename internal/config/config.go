package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration, shared by the client SDK
// and the reference relay server.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Socket   SocketConfig   `yaml:"socket"`
	Upload   UploadConfig   `yaml:"upload"`
	Messages MessagesConfig `yaml:"messages"`
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig holds REST API client configuration
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SocketConfig holds websocket transport configuration
type SocketConfig struct {
	URL                   string        `yaml:"url"`
	WriteTimeout          time.Duration `yaml:"write_timeout"`
	PingInterval          time.Duration `yaml:"ping_interval"`
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
}

// UploadConfig holds file upload configuration. The validation fields
// (max size, allowed types) are shared between the client-side pipeline
// and the relay's upload endpoint so both reject the same files.
type UploadConfig struct {
	MaxFileSize         int64         `yaml:"max_file_size"`
	AllowedTypes        []string      `yaml:"allowed_types"` // extensions without dot; empty means allow all
	MaxRetries          int           `yaml:"max_retries"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	OfflineSettleDelay  time.Duration `yaml:"offline_settle_delay"`
	CompletedGraceDelay time.Duration `yaml:"completed_grace_delay"`
	UploadDir           string        `yaml:"upload_dir"` // relay only
	BaseURL             string        `yaml:"base_url"`   // relay only
}

// MessagesConfig holds message lifecycle configuration
type MessagesConfig struct {
	// ConfirmTimeout bounds how long an optimistic message may stay
	// unconfirmed before it is marked failed.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// ServerConfig holds relay server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	Env  string `yaml:"env"`
}

// RedisConfig holds Redis configuration (relay only)
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from config file and environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadFromFile(cfg); err != nil {
		logrus.WithError(err).Warn("Failed to load config file, using defaults")
	}

	loadFromEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every field at its default value,
// for embedders that configure the client programmatically.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.validate()
	return cfg
}

// loadFromFile loads configuration from YAML file
func loadFromFile(cfg *Config) error {
	file, err := os.Open("config.yaml")
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	return decoder.Decode(cfg)
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) {
	if baseURL := os.Getenv("API_BASE_URL"); baseURL != "" {
		cfg.API.BaseURL = baseURL
	}

	if socketURL := os.Getenv("SOCKET_URL"); socketURL != "" {
		cfg.Socket.URL = socketURL
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if host := os.Getenv("HOST"); host != "" {
		cfg.Server.Host = host
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Server.Env = env
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}

	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}

	if redisDB := os.Getenv("REDIS_DB"); redisDB != "" {
		if db, err := strconv.Atoi(redisDB); err == nil {
			cfg.Redis.DB = db
		}
	}

	if maxFileSize := os.Getenv("MAX_FILE_SIZE"); maxFileSize != "" {
		if size, err := strconv.ParseInt(maxFileSize, 10, 64); err == nil {
			cfg.Upload.MaxFileSize = size
		}
	}

	if allowedTypes := os.Getenv("UPLOAD_ALLOWED_TYPES"); allowedTypes != "" {
		types := []string{}
		for _, t := range strings.Split(allowedTypes, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, strings.ToLower(t))
			}
		}
		cfg.Upload.AllowedTypes = types
	}

	if uploadDir := os.Getenv("UPLOAD_DIR"); uploadDir != "" {
		cfg.Upload.UploadDir = uploadDir
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if logFormat := os.Getenv("LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}
}

// validate validates the configuration and applies defaults
func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://localhost:8080"
	}

	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}

	if c.Socket.URL == "" {
		c.Socket.URL = "ws://localhost:8080/ws"
	}

	if c.Socket.WriteTimeout == 0 {
		c.Socket.WriteTimeout = 5 * time.Second
	}

	if c.Socket.PingInterval == 0 {
		c.Socket.PingInterval = 25 * time.Second
	}

	if c.Socket.ReconnectInitialDelay == 0 {
		c.Socket.ReconnectInitialDelay = time.Second
	}

	if c.Socket.ReconnectMaxDelay == 0 {
		c.Socket.ReconnectMaxDelay = 30 * time.Second
	}

	if c.Upload.MaxFileSize == 0 {
		c.Upload.MaxFileSize = 10485760 // 10MB
	}

	if c.Upload.MaxRetries == 0 {
		c.Upload.MaxRetries = 3
	}

	if c.Upload.RetryBaseDelay == 0 {
		c.Upload.RetryBaseDelay = time.Second
	}

	if c.Upload.OfflineSettleDelay == 0 {
		c.Upload.OfflineSettleDelay = 2 * time.Second
	}

	if c.Upload.CompletedGraceDelay == 0 {
		c.Upload.CompletedGraceDelay = 3 * time.Second
	}

	if c.Upload.UploadDir == "" {
		c.Upload.UploadDir = "uploads/"
	}

	if c.Upload.BaseURL == "" {
		c.Upload.BaseURL = "/uploads"
	}

	if c.Messages.ConfirmTimeout == 0 {
		c.Messages.ConfirmTimeout = 30 * time.Second
	}

	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}

	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}

	if c.Server.Env == "" {
		c.Server.Env = "development"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// GetServerAddress returns the relay server address
func (c *Config) GetServerAddress() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
