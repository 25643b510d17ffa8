package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string `env:"ENVIRONMENT,default=development"`
	Server        ServerConfig
	Logging       LoggingConfig
	Storage       StorageConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Auth          AuthConfig
	Policy        PolicyConfig
}

type ServerConfig struct {
	Host           string        `env:"SERVER_HOST,default=0.0.0.0"`
	Port           int           `env:"SERVER_PORT,default=8080"`
	TLSPort        int           `env:"SERVER_TLS_PORT,default=8443"`
	EnableTLS      bool          `env:"SERVER_ENABLE_TLS,default=false"`
	RequireHTTPS   bool          `env:"SERVER_REQUIRE_HTTPS,default=false"`
	AutoCert       bool          `env:"SERVER_AUTOCERT,default=false"`
	Domain         string        `env:"SERVER_DOMAIN,default=localhost"`
	Email          string        `env:"SERVER_ACME_EMAIL"`
	CertFile       string        `env:"SERVER_CERT_FILE"`
	KeyFile        string        `env:"SERVER_KEY_FILE"`
	AutoCertDir    string        `env:"SERVER_AUTOCERT_DIR,default=./certs"`
	ReadTimeout    time.Duration `env:"SERVER_READ_TIMEOUT,default=15s"`
	WriteTimeout   time.Duration `env:"SERVER_WRITE_TIMEOUT,default=15s"`
	IdleTimeout    time.Duration `env:"SERVER_IDLE_TIMEOUT,default=60s"`
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT,default=30s"`
	AllowedOrigins []string      `env:"SERVER_ALLOWED_ORIGINS,default=https://*;http://localhost:*"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

// StorageConfig selects the backend for sessions, tokens, fingerprints,
// rate-limit windows and carts.
type StorageConfig struct {
	Backend   string `env:"STORAGE_BACKEND,default=memory"`
	Customers string `env:"STORAGE_CUSTOMERS,default=memory"`
}

type RedisConfig struct {
	URL       string `env:"REDIS_URL,default=redis://localhost:6379/0"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB,default=0"`
	PoolSize  int    `env:"REDIS_POOL_SIZE,default=50"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=qrorder:"`
}

type ScyllaConfig struct {
	Nodes    []string `env:"SCYLLA_NODES,default=localhost:9042"`
	Keyspace string   `env:"SCYLLA_KEYSPACE,default=qrorder"`
	Username string   `env:"SCYLLA_USERNAME"`
	Password string   `env:"SCYLLA_PASSWORD"`
	CAFile   string   `env:"SCYLLA_CA_FILE"`
}

type KafkaConfig struct {
	Enabled       bool     `env:"KAFKA_ENABLED,default=false"`
	Brokers       []string `env:"KAFKA_BROKERS,default=localhost:9092"`
	WhatsAppTopic string   `env:"KAFKA_WHATSAPP_TOPIC,default=whatsapp.outbound"`
	EventsTopic   string   `env:"KAFKA_EVENTS_TOPIC,default=qrorder.events"`
}

type ElasticsearchConfig struct {
	Enabled  bool   `env:"ELASTICSEARCH_ENABLED,default=false"`
	URL      string `env:"ELASTICSEARCH_URL,default=http://localhost:9200"`
	Username string `env:"ELASTICSEARCH_USERNAME"`
	Password string `env:"ELASTICSEARCH_PASSWORD"`
	Index    string `env:"ELASTICSEARCH_SECURITY_INDEX,default=security-events"`
}

type ClickhouseConfig struct {
	Enabled  bool   `env:"CLICKHOUSE_ENABLED,default=false"`
	URL      string `env:"CLICKHOUSE_URL,default=localhost:9000"`
	Username string `env:"CLICKHOUSE_USERNAME,default=default"`
	Password string `env:"CLICKHOUSE_PASSWORD"`
	Database string `env:"CLICKHOUSE_DATABASE,default=qrorder"`
	CAFile   string `env:"CLICKHOUSE_CA_FILE"`
}

type KMSConfig struct {
	Enabled bool   `env:"KMS_ENABLED,default=false"`
	KeyID   string `env:"KMS_KEY_ID"`
	Region  string `env:"KMS_REGION,default=us-east-1"`
}

type HashingConfig struct {
	Argon2MemoryCost   int    `env:"ARGON2_MEMORY_COST,default=65536"`
	Argon2TimeCost     int    `env:"ARGON2_TIME_COST,default=3"`
	Argon2Parallelism  int    `env:"ARGON2_PARALLELISM,default=2"`
	Pepper             string `env:"HASH_PEPPER"`
	PepperRotationDays int    `env:"PEPPER_ROTATION_DAYS,default=30"`
}

type BucketingConfig struct {
	CustomerBuckets int `env:"CUSTOMER_BUCKETS,default=256"`
	EventBuckets    int `env:"EVENT_BUCKETS,default=64"`
}

type AuthConfig struct {
	JWTSecret       string `env:"AUTH_JWT_SECRET"`
	JWTIssuer       string `env:"AUTH_JWT_ISSUER,default=qrorder-auth"`
	MagicLinkOrigin string `env:"AUTH_MAGIC_LINK_ORIGIN,default=http://localhost:3000"`
}

// SessionDurations are the extend-on-touch windows per ordering mode.
type SessionDurations struct {
	Table    int `env:"POLICY_SESSION_DURATION_TABLE_MINUTES,default=180"`
	Delivery int `env:"POLICY_SESSION_DURATION_DELIVERY_MINUTES,default=60"`
}

type RateLimits struct {
	WhatsAppPerHour    int `env:"POLICY_WHATSAPP_PER_HOUR,default=5"`
	WhatsAppPerDay     int `env:"POLICY_WHATSAPP_PER_DAY,default=20"`
	FingerprintPerHour int `env:"POLICY_FINGERPRINT_PER_HOUR,default=30"`
}

// PolicyConfig holds every tunable of the session and auth flows.
type PolicyConfig struct {
	SessionDurationMinutes    SessionDurations
	MaxSessionLifetimeMinutes int `env:"POLICY_MAX_SESSION_LIFETIME_MINUTES,default=720"`
	MaxSessionsPerTable       int `env:"POLICY_MAX_SESSIONS_PER_TABLE,default=10"`
	MaxSessionsPerFingerprint int `env:"POLICY_MAX_SESSIONS_PER_FINGERPRINT,default=3"`
	RateLimits                RateLimits
	TokenTTLMinutes           int `env:"POLICY_TOKEN_TTL_MINUTES,default=10"`
	OTPLength                 int `env:"POLICY_OTP_LENGTH,default=6"`
	OTPMaxAttempts            int `env:"POLICY_OTP_MAX_ATTEMPTS,default=3"`
	CartTTLHours              int `env:"POLICY_CART_TTL_HOURS,default=4"`
	SuspiciousBlockThreshold  int `env:"POLICY_SUSPICIOUS_BLOCK_THRESHOLD,default=5"`
	DriftRiskFields           int `env:"POLICY_DRIFT_RISK_FIELDS,default=2"`
	CleanupIntervalSeconds    int `env:"POLICY_CLEANUP_INTERVAL_SECONDS,default=300"`
}

// DefaultPolicy returns the policy used when no environment overrides are present.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		SessionDurationMinutes:    SessionDurations{Table: 180, Delivery: 60},
		MaxSessionLifetimeMinutes: 720,
		MaxSessionsPerTable:       10,
		MaxSessionsPerFingerprint: 3,
		RateLimits: RateLimits{
			WhatsAppPerHour:    5,
			WhatsAppPerDay:     20,
			FingerprintPerHour: 30,
		},
		TokenTTLMinutes:          10,
		OTPLength:                6,
		OTPMaxAttempts:           3,
		CartTTLHours:             4,
		SuspiciousBlockThreshold: 5,
		DriftRiskFields:          2,
		CleanupIntervalSeconds:   300,
	}
}

func (p PolicyConfig) TableSessionDuration() time.Duration {
	return time.Duration(p.SessionDurationMinutes.Table) * time.Minute
}

func (p PolicyConfig) DeliverySessionDuration() time.Duration {
	return time.Duration(p.SessionDurationMinutes.Delivery) * time.Minute
}

func (p PolicyConfig) MaxSessionLifetime() time.Duration {
	return time.Duration(p.MaxSessionLifetimeMinutes) * time.Minute
}

func (p PolicyConfig) TokenTTL() time.Duration {
	return time.Duration(p.TokenTTLMinutes) * time.Minute
}

func (p PolicyConfig) CartTTL() time.Duration {
	return time.Duration(p.CartTTLHours) * time.Hour
}

func (p PolicyConfig) CleanupInterval() time.Duration {
	return time.Duration(p.CleanupIntervalSeconds) * time.Second
}

// Validate rejects policies that would make sessions or codes unusable.
func (p PolicyConfig) Validate() error {
	positive := map[string]int{
		"session_duration_minutes.table":    p.SessionDurationMinutes.Table,
		"session_duration_minutes.delivery": p.SessionDurationMinutes.Delivery,
		"max_session_lifetime_minutes":      p.MaxSessionLifetimeMinutes,
		"max_sessions_per_table":            p.MaxSessionsPerTable,
		"max_sessions_per_fingerprint":      p.MaxSessionsPerFingerprint,
		"rate_limits.whatsapp_per_hour":     p.RateLimits.WhatsAppPerHour,
		"rate_limits.whatsapp_per_day":      p.RateLimits.WhatsAppPerDay,
		"rate_limits.fingerprint_per_hour":  p.RateLimits.FingerprintPerHour,
		"token_ttl_minutes":                 p.TokenTTLMinutes,
		"otp_max_attempts":                  p.OTPMaxAttempts,
		"cart_ttl_hours":                    p.CartTTLHours,
		"suspicious_block_threshold":        p.SuspiciousBlockThreshold,
		"drift_risk_fields":                 p.DriftRiskFields,
		"cleanup_interval_seconds":          p.CleanupIntervalSeconds,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("policy %s must be positive, got %d", name, v)
		}
	}
	if p.OTPLength < 4 || p.OTPLength > 10 {
		return fmt.Errorf("policy otp_length must be between 4 and 10, got %d", p.OTPLength)
	}
	if p.MaxSessionLifetimeMinutes < p.SessionDurationMinutes.Table ||
		p.MaxSessionLifetimeMinutes < p.SessionDurationMinutes.Delivery {
		return errors.New("policy max_session_lifetime_minutes must cover both session durations")
	}
	if p.DriftRiskFields > 3 {
		return fmt.Errorf("policy drift_risk_fields must be at most 3, got %d", p.DriftRiskFields)
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Storage.Customers {
	case "memory", "scylla":
	default:
		return fmt.Errorf("unknown customer directory backend %q", c.Storage.Customers)
	}
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET is required in production")
	}
	if c.Hashing.Pepper == "" && (c.IsProduction() || c.Storage.Backend == "redis") {
		return errors.New("HASH_PEPPER is required in production and with the redis backend")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return errors.New("KMS_KEY_ID is required when KMS is enabled")
	}
	if c.Bucketing.CustomerBuckets <= 0 || c.Bucketing.EventBuckets <= 0 {
		return errors.New("bucket counts must be positive")
	}
	return nil
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

var (
	loaded   *Config
	loadOnce sync.Once
	loadErr  error
)

// Load reads an optional .env file and decodes the environment into a Config.
func Load() (*Config, error) {
	loadOnce.Do(func() {
		envFile := os.Getenv("ENV_FILE")
		if envFile == "" {
			envFile = ".env"
		}
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				loadErr = fmt.Errorf("failed to load %s: %w", envFile, err)
				return
			}
		}

		cfg := &Config{}
		if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			loadErr = fmt.Errorf("failed to decode environment: %w", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			loadErr = fmt.Errorf("invalid configuration: %w", err)
			return
		}
		loaded = cfg
	})
	return loaded, loadErr
}

// Get returns the configuration produced by Load, or nil before Load succeeded.
func Get() *Config {
	return loaded
}
