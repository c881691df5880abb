package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config holds all process configuration, loaded once at startup from the
// environment (and an optional config.yaml override) and never mutated.
type Config struct {
	Port    string
	GinMode string

	// Stream store
	DatabaseURL string
	ElectricURL string

	// Proxy identity (used to build absolute URLs returned to clients, e.g.
	// session resume links)
	ProxyURL string

	// Cross-instance coordination
	NatsURL string

	// Session lifecycle
	SessionTTLMinutes                   int
	SessionCleanupIntervalCron          string
	SubscriberReconnectMaxBackoffSecond int
	SyncConfirmTimeoutSeconds           int

	// Hot-buffer safety limits (bounds the in-process live-fan-out buffer,
	// not the durable log)
	MaxBufferedChunks  int
	MaxChunkSizeBytes  int
	SubscriberSendTimeoutMillis int

	// Database connection pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // minutes
	DBConnMaxLifetime int // minutes

	// HTTP server
	ServerShutdownTimeoutSeconds int
	CORSAllowedOrigins           string

	// Logging
	LogLevel  string
	LogFormat string
	InstanceID string

	// Registered-agent defaults, loaded from config.yaml if present
	Agents AgentsConfig `yaml:"agents"`
}

// AgentsConfig carries structured defaults that don't fit a single env var.
type AgentsConfig struct {
	DefaultTriggerMode  string `yaml:"default_trigger_mode"`
	InvokeTimeoutSeconds int   `yaml:"invoke_timeout_seconds"`
}

var AppConfig *Config

// LoadConfig reads .env (if present), then environment variables, then an
// optional config.yaml override, into AppConfig.
func LoadConfig() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PROXY_PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/sessionproxy?sslmode=disable"),
		ElectricURL: getEnvOrDefault("ELECTRIC_URL", ""),
		ProxyURL:    getEnvOrDefault("PROXY_URL", "http://localhost:8080"),

		NatsURL: getEnvOrDefault("NATS_URL", ""),

		SessionTTLMinutes:                   getEnvAsInt("SESSION_TTL_MINUTES", 30),
		SessionCleanupIntervalCron:          getEnvOrDefault("SESSION_CLEANUP_CRON", "@every 5m"),
		SubscriberReconnectMaxBackoffSecond: getEnvAsInt("SUBSCRIBER_RECONNECT_MAX_BACKOFF_SECONDS", 30),
		SyncConfirmTimeoutSeconds:           getEnvAsInt("SYNC_CONFIRM_TIMEOUT_SECONDS", 30),

		MaxBufferedChunks:           getEnvAsInt("MAX_BUFFERED_CHUNKS", 10000),
		MaxChunkSizeBytes:           getEnvAsInt("MAX_CHUNK_SIZE_BYTES", 1<<20),
		SubscriberSendTimeoutMillis: getEnvAsInt("SUBSCRIBER_SEND_TIMEOUT_MILLIS", 100),

		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
		CORSAllowedOrigins:           getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		LogLevel:   getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:  getEnvOrDefault("LOG_FORMAT", "text"),
		InstanceID: getEnvOrDefault("INSTANCE_ID", ""),

		Agents: AgentsConfig{
			DefaultTriggerMode:   "user-messages",
			InvokeTimeoutSeconds: 600,
		},
	}

	if path := getEnvOrDefault("CONFIG_FILE", "config.yaml"); path != "" {
		if f, err := os.Open(path); err == nil {
			defer f.Close()
			if err := LoadConfigFile(f, AppConfig); err != nil {
				log.Printf("Warning: failed to parse %s: %v", path, err)
			}
		}
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: failed to parse %s=%q as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: failed to parse %s=%q as int64, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: failed to parse %s=%q as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: failed to parse %s=%q as bool, using default %t: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// LoadConfigFile decodes a YAML override document into an existing Config,
// leaving fields the document doesn't mention untouched.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)
	return decoder.Decode(config)
}
