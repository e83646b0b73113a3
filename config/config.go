/*
config.go - Service configuration

PURPOSE:
  Reads settings from environment variables and an optional .env file with
  viper. Values are read once at startup and passed explicitly into the
  components that need them; nothing downstream reads the environment.

COERCION:
  Out-of-range values are coerced to a safe default with a warn log rather
  than failing startup. Missing values that make a selected backend
  unusable (postgres without DATABASE_URL, ...) are errors.
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/restaurant-engine/generic"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	SinkLog      = "log"
	SinkRabbitMQ = "rabbitmq"
	SinkKafka    = "kafka"
)

type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseDriver        string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	SQLitePath            string `mapstructure:"SQLITE_PATH"`
	MaxConflictAttempts   int    `mapstructure:"MAX_CONFLICT_ATTEMPTS"`
	TestModeRoleBypass    bool   `mapstructure:"TEST_MODE_ROLE_BYPASS"`
	EventSink             string `mapstructure:"EVENT_SINK"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	AuditExchange         string `mapstructure:"AUDIT_EXCHANGE"`
	KafkaBrokers          string `mapstructure:"KAFKA_BROKERS"`
	AuditTopic            string `mapstructure:"AUDIT_TOPIC"`
	GatewayBaseURL        string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayAPIKey         string `mapstructure:"GATEWAY_API_KEY"`
	GatewayTimeoutSeconds int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	Currency              string `mapstructure:"CURRENCY"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	LogFormat             string `mapstructure:"LOG_FORMAT"`
	CORSAllowedOrigins    string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

var defaults = map[string]any{
	"SERVER_PORT":             "8080",
	"DATABASE_DRIVER":         DriverSQLite,
	"DATABASE_URL":            "",
	"SQLITE_PATH":             "restaurant.db",
	"MAX_CONFLICT_ATTEMPTS":   generic.DefaultMaxAttempts,
	"TEST_MODE_ROLE_BYPASS":   false,
	"EVENT_SINK":              SinkLog,
	"RABBITMQ_URL":            "",
	"AUDIT_EXCHANGE":          "restaurant.audit",
	"KAFKA_BROKERS":           "",
	"AUDIT_TOPIC":             "restaurant.audit",
	"GATEWAY_BASE_URL":        "",
	"GATEWAY_API_KEY":         "",
	"GATEWAY_TIMEOUT_SECONDS": 10,
	"CURRENCY":                string(generic.CurrencyAOA),
	"LOG_LEVEL":               "info",
	"LOG_FORMAT":              "text",
	"CORS_ALLOWED_ORIGINS":    "*",
}

// LoadConfig reads configuration from the environment and from path/.env.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	if err = viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("failed to read config file, using environment values", "component", "config", "err", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && os.Getenv("SERVER_PORT") == "" {
		config.ServerPort = port
	}
	if err = config.normalize(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) normalize() error {
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		slog.Warn("unknown database driver, using sqlite", "component", "config", "value", c.DatabaseDriver)
		c.DatabaseDriver = DriverSQLite
	}
	if c.DatabaseDriver == DriverPostgres && strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required when DATABASE_DRIVER=postgres")
	}

	if c.MaxConflictAttempts < 1 || c.MaxConflictAttempts > 10 {
		coerced := generic.RetryPolicy{MaxAttempts: c.MaxConflictAttempts}.Attempts()
		slog.Warn("max conflict attempts out of range, coercing", "component", "config",
			"value", c.MaxConflictAttempts, "coerced", coerced)
		c.MaxConflictAttempts = coerced
	}

	c.EventSink = strings.ToLower(strings.TrimSpace(c.EventSink))
	switch c.EventSink {
	case SinkLog:
	case SinkRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return errors.New("RABBITMQ_URL is required when EVENT_SINK=rabbitmq")
		}
	case SinkKafka:
		if len(c.Brokers()) == 0 {
			return errors.New("KAFKA_BROKERS is required when EVENT_SINK=kafka")
		}
	default:
		slog.Warn("unknown event sink, using log", "component", "config", "value", c.EventSink)
		c.EventSink = SinkLog
	}

	if c.GatewayTimeoutSeconds <= 0 {
		slog.Warn("non-positive gateway timeout, using 10s", "component", "config", "value", c.GatewayTimeoutSeconds)
		c.GatewayTimeoutSeconds = 10
	}
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if c.Currency == "" {
		c.Currency = string(generic.CurrencyAOA)
	}
	return nil
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

func (c Config) Retry() generic.RetryPolicy {
	return generic.RetryPolicy{MaxAttempts: c.MaxConflictAttempts}
}

func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

func (c Config) DefaultCurrency() generic.Currency { return generic.Currency(c.Currency) }

func (c Config) Brokers() []string { return splitCSV(c.KafkaBrokers) }

func (c Config) AllowedOrigins() []string { return splitCSV(c.CORSAllowedOrigins) }

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(c.LogFormat), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func splitCSV(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
