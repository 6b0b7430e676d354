package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Feishu   FeishuConfig
	AWS      AWSConfig
	Ticket   TicketConfig
	Retry    RetryConfig
	Kafka    KafkaConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values. An empty Addr selects the
// in-process draft store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// FeishuConfig holds chat platform credentials and endpoints.
type FeishuConfig struct {
	AppID             string
	AppSecret         string
	BaseURL           string
	VerificationToken string
	EncryptKey        string
	TokenMarginSec    int
	HTTPTimeoutSec    int
}

// AWSConfig configures the support case backend.
type AWSConfig struct {
	Region            string
	SupportEndpoint   string
	Language          string
	CategoryCode      string
	IssueType         string
	ReferenceLookback int
}

// TicketConfig holds orchestration policy constants.
type TicketConfig struct {
	DraftTTLMinutes      int
	FinalizeLeaseSeconds int
	MaxHistoryRecords    int
	CatalogPath          string
	DedupWindowMinutes   int
	CardTokenSecret      string
}

// RetryConfig bounds gateway retries.
type RetryConfig struct {
	FeishuMaxAttempts  int
	SupportMaxAttempts int
	GroupChatAttempts  int
	StoreMaxAttempts   int
	BaseDelayMillis    int
	MaxDelayMillis     int
}

// KafkaConfig enables lifecycle event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Load reads configuration from environment variables, applying defaults where possible.
// envFiles are passed to godotenv; a missing file is not an error.
func Load(envFiles ...string) (*Config, error) {
	_ = godotenv.Load(envFiles...)

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "feishu-ticket-bot"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:      os.Getenv("REDIS_ADDR"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        redisDB,
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "ticketbot"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Feishu: FeishuConfig{
			AppID:             os.Getenv("FEISHU_APP_ID"),
			AppSecret:         os.Getenv("FEISHU_APP_SECRET"),
			BaseURL:           getEnv("FEISHU_API_BASE_URL", "https://open.feishu.cn/open-apis"),
			VerificationToken: os.Getenv("FEISHU_VERIFICATION_TOKEN"),
			EncryptKey:        os.Getenv("FEISHU_ENCRYPT_KEY"),
			TokenMarginSec:    getEnvAsInt("FEISHU_TOKEN_MARGIN_SECONDS", 300),
			HTTPTimeoutSec:    getEnvAsInt("FEISHU_HTTP_TIMEOUT_SECONDS", 10),
		},
		AWS: AWSConfig{
			Region:            getEnv("AWS_REGION", "us-east-1"),
			SupportEndpoint:   os.Getenv("AWS_SUPPORT_ENDPOINT"),
			Language:          getEnv("AWS_SUPPORT_LANGUAGE", "zh"),
			CategoryCode:      getEnv("AWS_SUPPORT_CATEGORY", "general-guidance"),
			IssueType:         getEnv("AWS_SUPPORT_ISSUE_TYPE", "technical"),
			ReferenceLookback: getEnvAsInt("AWS_SUPPORT_REFERENCE_LOOKBACK", 20),
		},
		Ticket: TicketConfig{
			DraftTTLMinutes:      getEnvAsInt("TICKET_DRAFT_TTL_MINUTES", 24*60),
			FinalizeLeaseSeconds: getEnvAsInt("TICKET_FINALIZE_LEASE_SECONDS", 120),
			MaxHistoryRecords:    getEnvAsInt("MAX_HISTORY_RECORDS", 10),
			CatalogPath:          os.Getenv("TICKET_CATALOG_PATH"),
			DedupWindowMinutes:   getEnvAsInt("WEBHOOK_DEDUP_WINDOW_MINUTES", 360),
			CardTokenSecret:      getEnv("CARD_TOKEN_SECRET", os.Getenv("FEISHU_APP_SECRET")),
		},
		Retry: RetryConfig{
			FeishuMaxAttempts:  getEnvAsInt("RETRY_FEISHU_MAX_ATTEMPTS", 3),
			SupportMaxAttempts: getEnvAsInt("RETRY_SUPPORT_MAX_ATTEMPTS", 3),
			GroupChatAttempts:  getEnvAsInt("RETRY_GROUP_CHAT_MAX_ATTEMPTS", 4),
			StoreMaxAttempts:   getEnvAsInt("RETRY_STORE_MAX_ATTEMPTS", 3),
			BaseDelayMillis:    getEnvAsInt("RETRY_BASE_DELAY_MILLIS", 500),
			MaxDelayMillis:     getEnvAsInt("RETRY_MAX_DELAY_MILLIS", 8000),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "ticketbot.ticket-events"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Feishu.AppID == "" || c.Feishu.AppSecret == "" {
		return errors.New("FEISHU_APP_ID and FEISHU_APP_SECRET are required")
	}
	if c.Feishu.VerificationToken == "" && c.Feishu.EncryptKey == "" {
		return errors.New("one of FEISHU_VERIFICATION_TOKEN or FEISHU_ENCRYPT_KEY is required")
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// TokenMargin is the window before expiry in which a cached token is no longer served.
func (f FeishuConfig) TokenMargin() time.Duration {
	return time.Duration(f.TokenMarginSec) * time.Second
}

func (f FeishuConfig) HTTPTimeout() time.Duration {
	if f.HTTPTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(f.HTTPTimeoutSec) * time.Second
}

// DraftTTL is the inactivity window after which a draft is abandoned.
func (t TicketConfig) DraftTTL() time.Duration {
	return time.Duration(t.DraftTTLMinutes) * time.Minute
}

func (t TicketConfig) FinalizeLease() time.Duration {
	return time.Duration(t.FinalizeLeaseSeconds) * time.Second
}

func (t TicketConfig) DedupWindow() time.Duration {
	return time.Duration(t.DedupWindowMinutes) * time.Minute
}

func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMillis) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMillis) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
