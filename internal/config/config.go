package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	RateLimit RateLimitConfig
	Backends  BackendsConfig
	Webhooks  WebhookConfig
	Workers   WorkerConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// BridgeEvents fans job events out to every instance over pub/sub.
	BridgeEvents bool
}

type RateLimitConfig struct {
	Enabled                 bool
	SubmitAccountRate       float64
	SubmitAccountBurst      int
	AccountLockTTLSeconds   int64
	AccountLockWaitMillis   int64
	DistributedAccountLocks bool
}

type BackendsConfig struct {
	ReplicateBaseURL  string
	ReplicateAPIToken string
	ReplicateWait     bool
	TimelapseBaseURL  string
	TimelapseAPIKey   string
	PublicBaseURL     string
	RequestTimeout    time.Duration
	DispatchWorkers   int64
}

type WebhookConfig struct {
	PaymentSecret string
	BackendSecret string
}

type WorkerConfig struct {
	PollInterval    time.Duration
	PollBatchSize   int
	DispatchTimeout time.Duration
	MaxJobDuration  time.Duration
	SweepSchedule   string
	AuditSchedule   string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "genbroker"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "genbroker"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 25)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		Redis: RedisConfig{
			Addr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:     strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:           int(getenvInt64("REDIS_DB", 0)),
			BridgeEvents: getenvBool("REDIS_BRIDGE_EVENTS", true),
		},
		RateLimit: RateLimitConfig{
			Enabled:                 getenvBool("RATE_LIMIT_ENABLED", false),
			SubmitAccountRate:       getenvFloat("RATE_LIMIT_SUBMIT_ACCOUNT_RATE", 1),
			SubmitAccountBurst:      int(getenvInt64("RATE_LIMIT_SUBMIT_ACCOUNT_BURST", 5)),
			AccountLockTTLSeconds:   getenvInt64("ACCOUNT_LOCK_TTL_SECONDS", 10),
			AccountLockWaitMillis:   getenvInt64("ACCOUNT_LOCK_WAIT_MS", 3000),
			DistributedAccountLocks: getenvBool("ACCOUNT_LOCK_DISTRIBUTED", true),
		},
		Backends: BackendsConfig{
			ReplicateBaseURL:  strings.TrimRight(getenv("REPLICATE_BASE_URL", "https://api.replicate.com/v1"), "/"),
			ReplicateAPIToken: strings.TrimSpace(getenv("REPLICATE_API_TOKEN", "")),
			ReplicateWait:     getenvBool("REPLICATE_PREFER_WAIT", false),
			TimelapseBaseURL:  strings.TrimRight(getenv("TIMELAPSE_BASE_URL", ""), "/"),
			TimelapseAPIKey:   strings.TrimSpace(getenv("TIMELAPSE_API_KEY", "")),
			PublicBaseURL:     strings.TrimRight(getenv("PUBLIC_BASE_URL", ""), "/"),
			RequestTimeout:    getenvDuration("BACKEND_REQUEST_TIMEOUT", 30*time.Second),
			DispatchWorkers:   getenvInt64("DISPATCH_WORKERS", 16),
		},
		Webhooks: WebhookConfig{
			PaymentSecret: strings.TrimSpace(getenv("PAYMENT_WEBHOOK_SECRET", "")),
			BackendSecret: strings.TrimSpace(getenv("BACKEND_WEBHOOK_SECRET", "")),
		},
		Workers: WorkerConfig{
			PollInterval:    getenvDuration("POLL_INTERVAL", 2*time.Second),
			PollBatchSize:   int(getenvInt64("POLL_BATCH_SIZE", 50)),
			DispatchTimeout: getenvDuration("DISPATCH_TIMEOUT", 2*time.Minute),
			MaxJobDuration:  getenvDuration("MAX_JOB_DURATION", 30*time.Minute),
			SweepSchedule:   getenv("SWEEP_SCHEDULE", "@every 1m"),
			AuditSchedule:   getenv("AUDIT_SCHEDULE", "@every 1h"),
		},
	}

	return cfg
}

// RedisEnabled reports whether a redis address was configured.
func (c Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
