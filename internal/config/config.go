package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	OTP           OTPConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers    []string
	EventTopic string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type ElasticsearchConfig struct {
	URL       string
	Username  string
	Password  string
	BreachIdx string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	RetailerBuckets int
}

// OTPConfig carries the verification policy knobs. DefaultTTL can be
// overridden per issue call; the thresholds apply to every record.
type OTPConfig struct {
	CodeLength      int
	DefaultTTL      time.Duration
	MaxAttempts     int
	CooldownPeriod  time.Duration
	BreachThreshold int
	GraceWindow     time.Duration
	RetentionWindow time.Duration
	IssueLockTTL    time.Duration
	IssueRateLimit  int
	IssueRateWindow time.Duration
}

var globalConfig *Config

// LoadConfig reads .env (if present) and the process environment into a
// Config. Missing values fall back to development defaults.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", "localhost:9042"),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "payment_otp"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:    getEnvList("KAFKA_BROKERS", "localhost:9092"),
			EventTopic: getEnv("KAFKA_OTP_EVENT_TOPIC", "otp-lifecycle-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "otp_audit"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:       getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:  getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:  getEnv("ELASTICSEARCH_PASSWORD", ""),
			BreachIdx: getEnv("ELASTICSEARCH_BREACH_INDEX", "otp-breach-incidents"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "ap-south-1"),
		},
		Bucketing: BucketingConfig{
			RetailerBuckets: getEnvInt("RETAILER_BUCKETS", 64),
		},
		OTP: OTPConfig{
			CodeLength:      getEnvInt("OTP_CODE_LENGTH", 6),
			DefaultTTL:      getEnvDuration("OTP_DEFAULT_TTL", 10*time.Minute),
			MaxAttempts:     getEnvInt("OTP_MAX_ATTEMPTS", 3),
			CooldownPeriod:  getEnvDuration("OTP_COOLDOWN_PERIOD", 2*time.Minute),
			BreachThreshold: getEnvInt("OTP_BREACH_THRESHOLD", 6),
			GraceWindow:     getEnvDuration("OTP_DISPLAY_GRACE_WINDOW", 2*time.Minute),
			RetentionWindow: getEnvDuration("OTP_RETENTION_WINDOW", 24*time.Hour),
			IssueLockTTL:    getEnvDuration("OTP_ISSUE_LOCK_TTL", 10*time.Second),
			IssueRateLimit:  getEnvInt("OTP_ISSUE_RATE_LIMIT", 30),
			IssueRateWindow: getEnvDuration("OTP_ISSUE_RATE_WINDOW", time.Minute),
		},
	}

	globalConfig = cfg
	return cfg
}

// Get returns the last loaded config, loading defaults if LoadConfig was
// never called.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
