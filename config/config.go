package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// ErrInvalidConfiguration is returned when the process cannot start with the supplied settings
var ErrInvalidConfiguration = errors.New("invalid configuration")

// MasterKeySize is the decoded length of VAULT_MASTER_KEY (AES-256)
const MasterKeySize = 32

// Network identifiers accepted in CONNECTOR_NETWORKS
const (
	NetworkTelegramUser = "telegram_user"
	NetworkTelegramBot  = "telegram_bot"
	NetworkEmail        = "email"
	NetworkBusiness     = "business"
)

// Config holds all configuration for the connector service
type Config struct {
	Vault    VaultConfig
	Database DatabaseConfig
	Telegram TelegramConfig
	Email    EmailConfig
	Business BusinessConfig
	Registry RegistryConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Networks NetworksConfig
	Logging  LoggingConfig
	Service  ServiceConfig
}

// VaultConfig holds the master key used to seal account secrets
type VaultConfig struct {
	MasterKeyHex string
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string

	MigrationsPath string
}

// GetDSN returns PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// TelegramConfig holds MTProto application and device parameters
type TelegramConfig struct {
	APIID         int
	APIHash       string
	DeviceModel   string
	SystemVersion string
	AppVersion    string
	LangCode      string
	SendRate      float64 // outbound requests per second per account

	// BotAPIURL overrides the Bot API endpoint, empty means the public one
	BotAPIURL string
}

// EmailConfig holds default mail server settings for email accounts
type EmailConfig struct {
	IMAPAddr     string
	SMTPAddr     string
	UseTLS       bool
	PollInterval time.Duration
}

// BusinessConfig holds business messaging API settings
type BusinessConfig struct {
	BaseURL  string
	Timeout  time.Duration
	SendRate float64
}

// RegistryConfig holds client registry tuning
type RegistryConfig struct {
	ConnectTimeout  time.Duration
	ShutdownTimeout time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxConcurrent   int
	HealthInterval  time.Duration
	RouterBuffer    int
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers       []string
	TopicEvents   string
	TopicCommands string // empty disables the command consumer
	ConsumerGroup string
}

// RedisConfig holds the optional session lease backend
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LeaseTTL time.Duration
}

// Enabled reports whether a lease backend is configured
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// NetworksConfig lists networks this instance serves
type NetworksConfig struct {
	Enabled []string
}

// Has reports whether network is enabled
func (c NetworksConfig) Has(network string) bool {
	for _, n := range c.Enabled {
		if n == network {
			return true
		}
	}
	return false
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string
}

// ServiceConfig holds service configuration
type ServiceConfig struct {
	Name string
	Port string
}

// Result provides config parts for fx dependency injection using fx.Out pattern
type Result struct {
	fx.Out

	Config   *Config
	Vault    *VaultConfig
	Database *DatabaseConfig
	Telegram *TelegramConfig
	Email    *EmailConfig
	Business *BusinessConfig
	Registry *RegistryConfig
	Kafka    *KafkaConfig
	Redis    *RedisConfig
	Networks *NetworksConfig
	Logging  *LoggingConfig
	Service  *ServiceConfig
}

// Out loads configuration and returns Result for fx injection
func Out() (Result, error) {
	cfg, err := Load()
	if err != nil {
		return Result{}, err
	}

	return Result{
		Config:   cfg,
		Vault:    &cfg.Vault,
		Database: &cfg.Database,
		Telegram: &cfg.Telegram,
		Email:    &cfg.Email,
		Business: &cfg.Business,
		Registry: &cfg.Registry,
		Kafka:    &cfg.Kafka,
		Redis:    &cfg.Redis,
		Networks: &cfg.Networks,
		Logging:  &cfg.Logging,
		Service:  &cfg.Service,
	}, nil
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	p := &parser{}

	cfg := &Config{
		Vault: VaultConfig{
			MasterKeyHex: getEnv("VAULT_MASTER_KEY", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "connector"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),

			MigrationsPath: getEnv("DB_MIGRATIONS_PATH", "migrations"),
		},
		Telegram: TelegramConfig{
			APIID:         p.int("TELEGRAM_API_ID", "0"),
			APIHash:       getEnv("TELEGRAM_API_HASH", ""),
			DeviceModel:   getEnv("TELEGRAM_DEVICE_MODEL", "connector-service"),
			SystemVersion: getEnv("TELEGRAM_SYSTEM_VERSION", "linux"),
			AppVersion:    getEnv("TELEGRAM_APP_VERSION", "1.0.0"),
			LangCode:      getEnv("TELEGRAM_LANG_CODE", "en"),
			SendRate:      p.float("TELEGRAM_SEND_RATE", "10"),
			BotAPIURL:     strings.TrimRight(getEnv("TELEGRAM_BOT_API_URL", ""), "/"),
		},
		Email: EmailConfig{
			IMAPAddr:     getEnv("EMAIL_IMAP_ADDR", ""),
			SMTPAddr:     getEnv("EMAIL_SMTP_ADDR", ""),
			UseTLS:       p.bool("EMAIL_USE_TLS", "true"),
			PollInterval: p.duration("EMAIL_POLL_INTERVAL", "30s"),
		},
		Business: BusinessConfig{
			BaseURL:  strings.TrimRight(getEnv("BUSINESS_API_BASE_URL", ""), "/"),
			Timeout:  p.duration("BUSINESS_API_TIMEOUT", "10s"),
			SendRate: p.float("BUSINESS_SEND_RATE", "20"),
		},
		Registry: RegistryConfig{
			ConnectTimeout:  p.duration("REGISTRY_CONNECT_TIMEOUT", "60s"),
			ShutdownTimeout: p.duration("REGISTRY_SHUTDOWN_TIMEOUT", "15s"),
			BackoffBase:     p.duration("REGISTRY_BACKOFF_BASE", "2s"),
			BackoffMax:      p.duration("REGISTRY_BACKOFF_MAX", "5m"),
			MaxConcurrent:   p.int("REGISTRY_MAX_CONCURRENT", "10"),
			HealthInterval:  p.duration("REGISTRY_HEALTH_INTERVAL", "30s"),
			RouterBuffer:    p.int("ROUTER_BUFFER", "256"),
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(getEnv("KAFKA_BROKERS", "localhost:9093")),
			TopicEvents:   getEnv("KAFKA_TOPIC_EVENTS", "connector.events"),
			TopicCommands: os.Getenv("KAFKA_TOPIC_COMMANDS"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "connector-service"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       p.int("REDIS_DB", "0"),
			LeaseTTL: p.duration("REDIS_LEASE_TTL", "90s"),
		},
		Networks: NetworksConfig{
			Enabled: splitList(getEnv("CONNECTOR_NETWORKS", "telegram_user,telegram_bot,email,business")),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Service: ServiceConfig{
			Name: getEnv("SERVICE_NAME", "connector-service"),
			Port: getEnv("SERVICE_PORT", "8080"),
		},
	}

	if p.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, p.err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := DecodeMasterKey(c.Vault.MasterKeyHex); err != nil {
		return err
	}

	if len(c.Networks.Enabled) == 0 {
		return invalid("CONNECTOR_NETWORKS must name at least one network")
	}
	for _, n := range c.Networks.Enabled {
		switch n {
		case NetworkTelegramUser, NetworkTelegramBot, NetworkEmail, NetworkBusiness:
		default:
			return invalid("unknown network %q in CONNECTOR_NETWORKS", n)
		}
	}

	if c.Networks.Has(NetworkTelegramUser) {
		if c.Telegram.APIID == 0 {
			return invalid("TELEGRAM_API_ID is required")
		}
		if c.Telegram.APIHash == "" {
			return invalid("TELEGRAM_API_HASH is required")
		}
	}

	if c.Networks.Has(NetworkEmail) && c.Email.PollInterval <= 0 {
		return invalid("EMAIL_POLL_INTERVAL must be positive")
	}

	if c.Networks.Has(NetworkBusiness) && c.Business.BaseURL == "" {
		return invalid("BUSINESS_API_BASE_URL is required")
	}

	if len(c.Kafka.Brokers) == 0 {
		return invalid("KAFKA_BROKERS is required")
	}

	if c.Registry.MaxConcurrent <= 0 {
		return invalid("REGISTRY_MAX_CONCURRENT must be positive")
	}
	if c.Registry.RouterBuffer <= 0 {
		return invalid("ROUTER_BUFFER must be positive")
	}
	if c.Registry.BackoffBase <= 0 || c.Registry.BackoffMax < c.Registry.BackoffBase {
		return invalid("REGISTRY_BACKOFF_BASE must be positive and not exceed REGISTRY_BACKOFF_MAX")
	}

	return nil
}

// DecodeMasterKey decodes a hex master key and checks its length
func DecodeMasterKey(keyHex string) ([]byte, error) {
	if keyHex == "" {
		return nil, invalid("VAULT_MASTER_KEY is required")
	}
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, invalid("VAULT_MASTER_KEY is not valid hex")
	}
	if len(key) != MasterKeySize {
		return nil, invalid("VAULT_MASTER_KEY must decode to %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// parser collects the first conversion error while reading typed env values
type parser struct {
	err error
}

func (p *parser) int(key, def string) int {
	v, err := strconv.Atoi(getEnv(key, def))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) float(key, def string) float64 {
	v, err := strconv.ParseFloat(getEnv(key, def), 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) bool(key, def string) bool {
	v, err := strconv.ParseBool(getEnv(key, def))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) duration(key, def string) time.Duration {
	v, err := time.ParseDuration(getEnv(key, def))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func splitList(s string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
