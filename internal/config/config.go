package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	ServerPort    string              `mapstructure:"server_port"`
	LogLevel      string              `mapstructure:"log_level"`
	DatabaseURL   string              `mapstructure:"database_url"`
	Storage       string              `mapstructure:"storage"`
	JWTSecret     string              `mapstructure:"jwt_secret"`
	CORS          CORSConfig          `mapstructure:"cors"`
	Email         EmailConfig         `mapstructure:"email"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	From     string `mapstructure:"from"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// EventTypes limits which events are mailed; empty means the built-in list.
	EventTypes []string `mapstructure:"event_types"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	UserTTL  time.Duration `mapstructure:"user_ttl"`
}

type NotificationsConfig struct {
	// DefaultTTL is added to CreatedAt to fill ExpiresAt. Zero means no expiry.
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// SweepInterval is how often stale notifications are moved to EXPIRED. Zero disables the sweeper.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

var defaults = map[string]interface{}{
	"server_port":                  "8080",
	"log_level":                    "info",
	"database_url":                 "",
	"storage":                      StoragePostgres,
	"jwt_secret":                   "",
	"cors.allowed_origins":         []string{"*"},
	"email.enabled":                false,
	"email.from":                   "",
	"email.smtp_host":              "",
	"email.smtp_port":              587,
	"email.username":               "",
	"email.password":               "",
	"email.event_types":            []string{},
	"kafka.enabled":                false,
	"kafka.brokers":                []string{},
	"kafka.topic":                  "platform.events",
	"kafka.group_id":               "notify",
	"redis.enabled":                false,
	"redis.addr":                   "localhost:6379",
	"redis.password":               "",
	"redis.db":                     0,
	"redis.user_ttl":               10 * time.Minute,
	"notifications.default_ttl":    30 * 24 * time.Hour,
	"notifications.sweep_interval": time.Minute,
	"notifications.sweep_batch":    100,
}

// Load reads config.yaml from . or ./config, applies NOTIFY_* environment
// overrides and exits the process when the result is invalid.
func Load() *Config {
	v := viper.New()

	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Fatalf("Error reading config file: %v", err)
		}
	}

	cfg, err := Parse(v)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	return cfg
}

// Parse applies defaults and environment overrides to v and decodes it.
func Parse(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("NOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("jwt_secret must be set")
	}
	switch c.Storage {
	case StoragePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("database_url is required for postgres storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	if c.Email.Enabled {
		if strings.TrimSpace(c.Email.SMTPHost) == "" || strings.TrimSpace(c.Email.From) == "" {
			return errors.New("email.smtp_host and email.from are required when email is enabled")
		}
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || strings.TrimSpace(c.Kafka.Topic) == "") {
		return errors.New("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if c.Notifications.SweepInterval < 0 || c.Notifications.DefaultTTL < 0 {
		return errors.New("notification durations must not be negative")
	}
	return nil
}
