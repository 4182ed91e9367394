package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppHost   string
	HTTPPort  string
	AppEnv    string
	LogLevel  string
	LogFormat string

	DB struct {
		Host     string
		Port     string
		User     string
		Password string
		Database string
		SSLMode  string
	}

	// Presence: оператор online, если heartbeat не старше окна.
	FreshnessWindow   time.Duration
	MaxActivePerAgent int

	// Расписания в формате robfig/cron ("@every 60s", "*/5 * * * *").
	RedistributionSchedule string
	ReconcileSchedule      string

	Classifier struct {
		URL      string
		APIKey   string
		Model    string
		Timeout  time.Duration
		MaxTurns int
		MaxChars int
	}

	StorageRetryAttempts int
	StorageRetryBase     time.Duration

	KafkaBrokers     []string
	KafkaTopicTicket string

	Redis struct {
		Addr     string
		Password string
		DB       int
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg := &Config{
		AppHost:   getEnv("APP_HOST", "0.0.0.0"),
		HTTPPort:  firstEnv("APP_PORT", "HTTP_PORT", "8098"),
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		RedistributionSchedule: getEnv("REDISTRIBUTION_SCHEDULE", "@every 60s"),
		ReconcileSchedule:      getEnv("RECONCILE_SCHEDULE", "@every 5m"),
		KafkaTopicTicket:       getEnv("KAFKA_TOPIC_TICKET", "support.tickets"),
	}
	cfg.DB.Host = getEnv("DB_HOST", "localhost")
	cfg.DB.Port = getEnv("DB_PORT", "5432")
	cfg.DB.User = getEnv("DB_USER", "postgres")
	cfg.DB.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.DB.Database = getEnv("DB_DATABASE", "escalation_service")
	cfg.DB.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Classifier.URL = getEnv("CLASSIFIER_URL", "")
	cfg.Classifier.APIKey = getEnv("CLASSIFIER_API_KEY", "")
	cfg.Classifier.Model = getEnv("CLASSIFIER_MODEL", "gpt-4o-mini")
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.KafkaBrokers = splitList(getEnv("KAFKA_BROKERS", ""))

	var err error
	if cfg.FreshnessWindow, err = getDuration("PRESENCE_FRESHNESS_WINDOW", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.Classifier.Timeout, err = getDuration("CLASSIFIER_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.StorageRetryBase, err = getDuration("STORAGE_RETRY_BASE", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.MaxActivePerAgent, err = getInt("MAX_ACTIVE_TICKETS_PER_AGENT", 0); err != nil {
		return nil, err
	}
	if cfg.Classifier.MaxTurns, err = getInt("CLASSIFIER_MAX_TURNS", 20); err != nil {
		return nil, err
	}
	if cfg.Classifier.MaxChars, err = getInt("CLASSIFIER_MAX_CHARS", 4000); err != nil {
		return nil, err
	}
	if cfg.StorageRetryAttempts, err = getInt("STORAGE_RETRY_ATTEMPTS", 4); err != nil {
		return nil, err
	}
	if cfg.Redis.DB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DB.Host == "" || c.DB.Database == "" {
		return errors.New("config: DB_HOST and DB_DATABASE are required")
	}
	if c.AppEnv == "production" && c.DB.Password == "" {
		return errors.New("config: in production DB_PASSWORD is required")
	}
	if c.FreshnessWindow <= 0 {
		return errors.New("config: PRESENCE_FRESHNESS_WINDOW must be positive")
	}
	if c.Classifier.Timeout <= 0 {
		return errors.New("config: CLASSIFIER_TIMEOUT must be positive")
	}
	if c.MaxActivePerAgent < 0 {
		return errors.New("config: MAX_ACTIVE_TICKETS_PER_AGENT must be >= 0")
	}
	if c.StorageRetryAttempts < 1 {
		return errors.New("config: STORAGE_RETRY_ATTEMPTS must be >= 1")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) DatabaseURL() string {
	pass := url.QueryEscape(c.DB.Password)
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, pass, c.DB.Host, c.DB.Port, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

func firstEnv(keysAndDef ...string) string {
	if len(keysAndDef) == 0 {
		return ""
	}
	def := keysAndDef[len(keysAndDef)-1]
	for _, k := range keysAndDef[:len(keysAndDef)-1] {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

// splitList разбивает "host1:9092,host2:9092" на слайс.
func splitList(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
