package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	globalConfig *Config
	loadOnce     sync.Once
)

type Config struct {
	Environment string

	Server        ServerConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Auth          AuthConfig
	Token         TokenConfig
	TOTP          TOTPConfig
	Mail          MailConfig
	Logging       LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
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
	AuditTopic string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Peppers are versioned oldest-first; the last entry is the current one.
	Peppers []string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type AuthConfig struct {
	MaxLoginAttempts   int
	LockoutDuration    time.Duration
	PendingAuthTTL     time.Duration
	ResetTokenTTL      time.Duration
	ResetRequestsPerHr int
}

type TokenConfig struct {
	SigningKey string
	TTL        time.Duration
	Issuer     string
	Leeway     time.Duration
}

type TOTPConfig struct {
	Issuer string
	Digits int
	Period int
	Skew   int
}

type MailConfig struct {
	Enabled   bool
	APIKey    string
	Endpoint  string
	FromEmail string
	FromName  string
	PortalURL string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig reads configuration from the environment, loading .env first
// in non-production setups. It is safe to call multiple times.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()

		cfg := &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnv("SERVER_DOMAIN", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/cache/autocert"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "portal_auth"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:    getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
				AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "auth-audit-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "portal_auth"),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:        getEnv("ELASTICSEARCH_URL", "https://localhost:9200"),
				Username:   getEnv("ELASTICSEARCH_USERNAME", "elastic"),
				Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
				AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "auth-security-events"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "us-east-1"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 4),
				Peppers:           getEnvList("AUTH_PEPPERS", []string{"dev-pepper-not-for-production"}),
			},
			Bucketing: BucketingConfig{
				UserBuckets:  getEnvInt("USER_BUCKETS", 256),
				EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
			},
			Auth: AuthConfig{
				MaxLoginAttempts:   getEnvInt("MAX_LOGIN_ATTEMPTS", 5),
				LockoutDuration:    getEnvDuration("LOCKOUT_DURATION", 15*time.Minute),
				PendingAuthTTL:     getEnvDuration("PENDING_AUTH_TTL", 5*time.Minute),
				ResetTokenTTL:      getEnvDuration("RESET_TOKEN_TTL", 15*time.Minute),
				ResetRequestsPerHr: getEnvInt("RESET_REQUESTS_PER_HOUR", 3),
			},
			Token: TokenConfig{
				SigningKey: getEnv("TOKEN_SIGNING_KEY", "dev-signing-key-change-me"),
				TTL:        getEnvDuration("TOKEN_TTL", 30*time.Minute),
				Issuer:     getEnv("TOKEN_ISSUER", "lvs-portal-auth"),
				Leeway:     getEnvDuration("TOKEN_LEEWAY", 30*time.Second),
			},
			TOTP: TOTPConfig{
				Issuer: getEnv("TOTP_ISSUER", "Lola Vision Systems"),
				Digits: getEnvInt("TOTP_DIGITS", 6),
				Period: getEnvInt("TOTP_PERIOD", 30),
				Skew:   getEnvInt("TOTP_SKEW", 1),
			},
			Mail: MailConfig{
				Enabled:   getEnvBool("MAIL_ENABLED", false),
				APIKey:    getEnv("MAIL_API_KEY", ""),
				Endpoint:  getEnv("MAIL_ENDPOINT", "https://api.sendgrid.com/v3/mail/send"),
				FromEmail: getEnv("MAIL_FROM_EMAIL", "noreply@lolavisionsystems.com"),
				FromName:  getEnv("MAIL_FROM_NAME", "LVS Portal"),
				PortalURL: getEnv("PORTAL_URL", "https://portal.lolavisionsystems.com"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}

		globalConfig = cfg
	})

	return globalConfig
}

// Get returns the loaded configuration, loading it if necessary.
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

// Validate rejects configurations that must never reach production.
func (c *Config) Validate() error {
	if !c.IsProduction() {
		return nil
	}
	if c.Token.SigningKey == "" || c.Token.SigningKey == "dev-signing-key-change-me" {
		return fmt.Errorf("TOKEN_SIGNING_KEY must be set in production")
	}
	if len(c.Hashing.Peppers) == 1 && c.Hashing.Peppers[0] == "dev-pepper-not-for-production" {
		return fmt.Errorf("AUTH_PEPPERS must be set in production")
	}
	if c.Mail.Enabled && c.Mail.APIKey == "" {
		return fmt.Errorf("MAIL_API_KEY must be set when mail is enabled")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
