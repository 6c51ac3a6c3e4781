package internal

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"http_server" envconfig:"SERVER"`
	Database    DatabaseConfig    `mapstructure:"database" envconfig:"DATABASE"`
	Redis       RedisConfig       `mapstructure:"redis" envconfig:"REDIS"`
	Broker      BrokerConfig      `mapstructure:"broker" envconfig:"BROKER"`
	Security    SecurityConfig    `mapstructure:"security" envconfig:"SECURITY"`
	Gateway     GatewayConfig     `mapstructure:"gateway" envconfig:"GATEWAY"`
	Fulfillment FulfillmentConfig `mapstructure:"fulfillment" envconfig:"FULFILLMENT"`
	Tracing     TracingConfig     `mapstructure:"tracing" envconfig:"TRACING"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit" envconfig:"RATE_LIMIT"`
	Logging     LoggingConfig     `mapstructure:"logging" envconfig:"LOGGING"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" envconfig:"PORT" default:"8080"`
	BaseURL           string        `mapstructure:"base_url" envconfig:"BASE_URL"`
	AllowedOrigins    string        `mapstructure:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME" default:"30m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" envconfig:"CONN_MAX_IDLE_TIME" default:"5m"`
	Source          string        `mapstructure:"source" envconfig:"SOURCE"`
}

// RedisConfig enables the distributed per-booking lock. An empty Addr keeps
// locking in-process.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" envconfig:"ADDR"`
	Password string        `mapstructure:"password" envconfig:"PASSWORD"`
	DB       int           `mapstructure:"db" envconfig:"DB"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" envconfig:"LOCK_TTL" default:"10s"`
}

type BrokerConfig struct {
	URL               string `mapstructure:"url" envconfig:"URL"`
	Exchange          string `mapstructure:"exchange" envconfig:"EXCHANGE" default:"rental.notifications"`
	NotificationQueue string `mapstructure:"notification_queue" envconfig:"NOTIFICATION_QUEUE" default:"rental.notifications.delivery"`
}

type SecurityConfig struct {
	JWTPublicKey string `mapstructure:"jwt_public_key" envconfig:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"jwt_issuer" envconfig:"JWT_ISSUER"`
}

type GatewayConfig struct {
	WebhookSecret      string        `mapstructure:"webhook_secret" envconfig:"WEBHOOK_SECRET"`
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance" envconfig:"SIGNATURE_TOLERANCE" default:"5m"`
}

type FulfillmentConfig struct {
	RedirectBaseURL     string        `mapstructure:"redirect_base_url" envconfig:"REDIRECT_BASE_URL"`
	AdminEmails         []string      `mapstructure:"admin_emails" envconfig:"ADMIN_EMAILS"`
	SideEffectWorkers   int           `mapstructure:"side_effect_workers" envconfig:"SIDE_EFFECT_WORKERS" default:"4"`
	SideEffectQueueSize int           `mapstructure:"side_effect_queue_size" envconfig:"SIDE_EFFECT_QUEUE_SIZE" default:"100"`
	SideEffectTimeout   time.Duration `mapstructure:"side_effect_timeout" envconfig:"SIDE_EFFECT_TIMEOUT" default:"30s"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" envconfig:"ENABLED"`
	ServiceName  string `mapstructure:"service_name" envconfig:"SERVICE_NAME" default:"rental-fulfillment"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" envconfig:"OTLP_ENDPOINT" default:"localhost:4317"`
	Environment  string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"dev"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" envconfig:"REQUESTS_PER_SECOND" default:"20"`
	Burst             int     `mapstructure:"burst" envconfig:"BURST" default:"40"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" envconfig:"LEVEL" default:"info"`
	Format string `mapstructure:"format" envconfig:"FORMAT" default:"json"`
}

// LoadConfigFromEnv fills Config from RENTAL_* environment variables, e.g.
// RENTAL_DATABASE_SOURCE or RENTAL_GATEWAY_WEBHOOK_SECRET.
func LoadConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("RENTAL", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	return &cfg, nil
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateway config: %v", err))
	}

	if err := c.Fulfillment.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("fulfillment config: %v", err))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("logging config: %v", err))
	}

	if len(errs) > 0 {
		return NewConfigurationError(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *GatewayConfig) Validate() error {
	if c.WebhookSecret == "" {
		return errors.New("webhook_secret is required")
	}
	if !strings.HasPrefix(c.WebhookSecret, "whsec_") {
		return errors.New("webhook_secret must be a signing secret (whsec_...)")
	}
	return nil
}

func (c *FulfillmentConfig) Validate() error {
	if c.SideEffectWorkers < 0 {
		return errors.New("side_effect_workers cannot be negative")
	}
	if c.SideEffectQueueSize < 0 {
		return errors.New("side_effect_queue_size cannot be negative")
	}
	return nil
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown level %q", c.Level)
	}
	switch c.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown format %q", c.Format)
	}
	return nil
}

// GetPublicKey decodes the base64 PEM public key used to verify admin tokens.
func (c *SecurityConfig) GetPublicKey() (*rsa.PublicKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(c.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}
