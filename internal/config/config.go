package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/gommon/log"
	"github.com/spf13/viper"
)

const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"

	PushLocal        = "local"
	PushChangeStream = "changestream"
)

type BankAccount struct {
	Number string `json:"accountNumber"`
	Code   string `json:"bankCode"`
	Name   string `json:"accountName"`
}

type Config struct {
	Port           string
	LedgerDriver   string
	MongoURI       string
	MongoDatabase  string
	DatabaseURL    string
	JWTSecret      string
	WebhookAPIKey  string
	OrderTTL       time.Duration
	SweepInterval  time.Duration
	VerifyLookback time.Duration
	RequestTimeout time.Duration
	PushSource     string
	LogLevel       string
	Bank           BankAccount
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("LEDGER_DRIVER", DriverMongo)
	v.SetDefault("MONGO_DATABASE", "notipaydb")
	v.SetDefault("ORDER_TTL", "30m")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("VERIFY_LOOKBACK", "24h")
	v.SetDefault("REQUEST_TIMEOUT", "10s")
	v.SetDefault("PUSH_SOURCE", PushLocal)
	v.SetDefault("LOG_LEVEL", "info")
}

// Load reads .env (if present), an optional CONFIG_FILE, then the process
// environment. Later sources win.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Warnf("[Config] .env not loaded: %v", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:          v.GetString("PORT"),
		LedgerDriver:  strings.ToLower(v.GetString("LEDGER_DRIVER")),
		MongoURI:      v.GetString("MONGOURI"),
		MongoDatabase: v.GetString("MONGO_DATABASE"),
		DatabaseURL:   v.GetString("DATABASE_URL"),
		JWTSecret:     v.GetString("JWT_SECRET"),
		WebhookAPIKey: v.GetString("WEBHOOK_API_KEY"),
		PushSource:    strings.ToLower(v.GetString("PUSH_SOURCE")),
		LogLevel:      v.GetString("LOG_LEVEL"),
		Bank: BankAccount{
			Number: v.GetString("BANK_ACCOUNT_NUMBER"),
			Code:   v.GetString("BANK_CODE"),
			Name:   v.GetString("BANK_ACCOUNT_NAME"),
		},
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ORDER_TTL", &cfg.OrderTTL},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
		{"VERIFY_LOOKBACK", &cfg.VerifyLookback},
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("%s must be positive", d.key)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// Validate reports configuration the server cannot start without.
// Secrets checked per request (JWT_SECRET, WEBHOOK_API_KEY) are not required here.
func (c *Config) Validate() error {
	switch c.LedgerDriver {
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGOURI environment variable not set")
		}
	case DriverPostgres, DriverSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set for driver %s", c.LedgerDriver)
		}
	default:
		return fmt.Errorf("unsupported LEDGER_DRIVER %q", c.LedgerDriver)
	}
	if c.PushSource != PushLocal && c.PushSource != PushChangeStream {
		return fmt.Errorf("unsupported PUSH_SOURCE %q", c.PushSource)
	}
	if c.PushSource == PushChangeStream && c.LedgerDriver != DriverMongo {
		return fmt.Errorf("PUSH_SOURCE=changestream requires the mongo ledger")
	}
	return nil
}

// ApplyLogLevel sets the global gommon log level.
func (c *Config) ApplyLogLevel() {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		log.SetLevel(log.DEBUG)
	case "warn":
		log.SetLevel(log.WARN)
	case "error":
		log.SetLevel(log.ERROR)
	case "off":
		log.SetLevel(log.OFF)
	default:
		log.SetLevel(log.INFO)
	}
}
