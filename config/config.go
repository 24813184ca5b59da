package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Log       LogConfig       `mapstructure:"log"`
	Gateways  GatewaysConfig  `mapstructure:"gateways"`
	Meter     MeterConfig     `mapstructure:"meter"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, memory
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
	Issuer string        `mapstructure:"issuer"`
}

// AdminConfig holds the operator credentials for the admin API.
type AdminConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"` // argon2id encoded hash
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// GatewayConfig describes one payment gateway integration.
type GatewayConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"`
	SecretKey       string        `mapstructure:"secret_key"`     // outbound API key
	WebhookSecret   string        `mapstructure:"webhook_secret"` // falls back to SecretKey
	CallbackURL     string        `mapstructure:"callback_url"`
	Currency        string        `mapstructure:"currency"` // ledger currency; other settlements are refused
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// DefaultCurrency is the ledger currency when a gateway does not set one.
const DefaultCurrency = "NGN"

// LedgerCurrency returns the ISO code amounts are recorded in.
func (g GatewayConfig) LedgerCurrency() string {
	if g.Currency != "" {
		return strings.ToUpper(g.Currency)
	}
	return DefaultCurrency
}

// SigningSecret returns the secret used to authenticate inbound webhooks.
func (g GatewayConfig) SigningSecret() string {
	if g.WebhookSecret != "" {
		return g.WebhookSecret
	}
	return g.SecretKey
}

type GatewaysConfig struct {
	Card     GatewayConfig `mapstructure:"card"`
	Transfer GatewayConfig `mapstructure:"transfer"`
}

// MeterConfig describes the IoT meter platform.
type MeterConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	CreditTimeout   time.Duration `mapstructure:"credit_timeout"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	ReuseSaleID     bool          `mapstructure:"reuse_sale_id"`
	SaleIDStrategy  string        `mapstructure:"sale_id_strategy"` // uuid, timestamp
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

type ReconcileConfig struct {
	ClaimLease      time.Duration `mapstructure:"claim_lease"`
	ReferencePrefix string        `mapstructure:"reference_prefix"`
	StatusCacheTTL  time.Duration `mapstructure:"status_cache_ttl"`
}

type RecoveryConfig struct {
	SharedSecret string        `mapstructure:"shared_secret"`
	Concurrency  int           `mapstructure:"concurrency"`
	BatchLimit   int           `mapstructure:"batch_limit"`
	Interval     time.Duration `mapstructure:"interval"` // 0 disables the in-process scheduler
	Lookback     time.Duration `mapstructure:"lookback"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"` // empty disables event publishing
	Topic   string   `mapstructure:"topic"`
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: MRG_ (Meter Recharge Gateway).
// Nested keys use underscore: MRG_DATABASE_HOST, MRG_METER_BASE_URL, etc.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "meter_recharge")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiry", "12h")
	v.SetDefault("jwt.issuer", "meter-recharge")
	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password_hash", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("gateways.card.enabled", true)
	v.SetDefault("gateways.card.base_url", "https://api.paystack.co")
	v.SetDefault("gateways.card.currency", DefaultCurrency)
	v.SetDefault("gateways.card.timeout", "15s")
	v.SetDefault("gateways.card.breaker_failures", 5)
	v.SetDefault("gateways.card.breaker_cooldown", "30s")
	v.SetDefault("gateways.transfer.enabled", false)
	v.SetDefault("gateways.transfer.currency", DefaultCurrency)
	v.SetDefault("gateways.transfer.timeout", "15s")
	v.SetDefault("gateways.transfer.breaker_failures", 5)
	v.SetDefault("gateways.transfer.breaker_cooldown", "30s")
	v.SetDefault("meter.credit_timeout", "20s")
	v.SetDefault("meter.token_ttl", "50m")
	v.SetDefault("meter.reuse_sale_id", false)
	v.SetDefault("meter.sale_id_strategy", "uuid")
	v.SetDefault("meter.breaker_failures", 5)
	v.SetDefault("meter.breaker_cooldown", "1m")
	v.SetDefault("reconcile.claim_lease", "2m")
	v.SetDefault("reconcile.reference_prefix", "MTR_")
	v.SetDefault("reconcile.status_cache_ttl", "24h")
	v.SetDefault("recovery.shared_secret", "")
	v.SetDefault("recovery.concurrency", 4)
	v.SetDefault("recovery.batch_limit", 500)
	v.SetDefault("recovery.interval", "0s")
	v.SetDefault("recovery.lookback", "72h")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "meter-recharge.events")

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: MRG_DATABASE_HOST -> database.host
	v.SetEnvPrefix("MRG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Reconcile.ClaimLease <= c.Meter.CreditTimeout {
		return fmt.Errorf("reconcile.claim_lease (%s) must exceed meter.credit_timeout (%s)",
			c.Reconcile.ClaimLease, c.Meter.CreditTimeout)
	}
	if c.Recovery.Concurrency < 1 {
		return errors.New("recovery.concurrency must be at least 1")
	}
	if c.Reconcile.ReferencePrefix == "" {
		return errors.New("reconcile.reference_prefix must not be empty")
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Server.Mode == "release" {
		if c.JWT.Secret == "" {
			return errors.New("jwt.secret is required in release mode")
		}
		if c.Meter.BaseURL == "" {
			return errors.New("meter.base_url is required in release mode")
		}
		if !c.Gateways.Card.Enabled && !c.Gateways.Transfer.Enabled {
			return errors.New("at least one payment gateway must be enabled")
		}
	}
	return nil
}
