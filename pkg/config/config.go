package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution service.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"

	// Broker definitions and sizing precision (YAML)
	BrokersFile string

	// Processor
	ProcessInterval  time.Duration
	MessageTimeout   time.Duration
	BrokerTimeout    time.Duration
	FanOutWorkers    int
	DedupSignals     bool
	SettingsCacheTTL time.Duration
	DefaultBrokers   []string

	// Queue persistence
	QueueSize int
	EnableWAL bool
	WALDir    string

	// Connection pool
	PoolMaxSize     int
	PoolIdleTimeout time.Duration

	// Kafka ingestion (disabled when no brokers are set)
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
	KafkaWorkers int

	// Redis settings cache (disabled when empty)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Credential encryption key env prefix
	MasterKeyEnv string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/executor.db")
	}

	return &Config{
		Port:             getEnv("PORT", "8080"),
		DBPath:           dbPath,
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret"),
		JWTIssuer:        getEnv("JWT_ISSUER", "signal-platform"),
		JWTAudience:      getEnv("JWT_AUDIENCE", "trade-executor"),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "json")),
		BrokersFile:      getEnv("BROKERS_FILE", "./configs/brokers.yaml"),
		ProcessInterval:  getEnvDuration("PROCESS_INTERVAL", 100*time.Millisecond),
		MessageTimeout:   getEnvDuration("MESSAGE_TIMEOUT", 30*time.Second),
		BrokerTimeout:    getEnvDuration("BROKER_TIMEOUT", 15*time.Second),
		FanOutWorkers:    getEnvInt("FANOUT_WORKERS", 1),
		DedupSignals:     getEnv("DEDUP_SIGNALS", "false") == "true",
		SettingsCacheTTL: getEnvDuration("SETTINGS_CACHE_TTL", 30*time.Second),
		DefaultBrokers:   splitAndTrim(getEnv("DEFAULT_BROKERS", "")),
		QueueSize:        getEnvInt("QUEUE_SIZE", 1000),
		EnableWAL:        getEnv("ENABLE_QUEUE_WAL", "true") == "true",
		WALDir:           getEnv("QUEUE_WAL_DIR", "./data/queue_wal"),
		PoolMaxSize:      getEnvInt("POOL_MAX_SIZE", 100),
		PoolIdleTimeout:  getEnvDuration("POOL_IDLE_TIMEOUT", 30*time.Minute),
		KafkaBrokers:     splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", "execution.requests"),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "trade-executor"),
		KafkaWorkers:     getEnvInt("KAFKA_WORKERS", 1),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		MasterKeyEnv:     getEnv("MASTER_KEY_ENV", "MASTER_ENCRYPTION_KEY"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("250ms") or bare milliseconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
