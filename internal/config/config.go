package config

import (
	"fmt"
	"time"

	"chat-relay/internal/utils"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
)

// Delete policies selectable with DELETE_POLICY.
const (
	DeleteSoft = "soft"
	DeleteHard = "hard"
)

type Config struct {
	Port      string
	LogLevel  string
	AccessLog bool

	StoreBackend     string
	DatabaseURL      string
	FirestoreProject string
	RedisURL         string

	UploadDir      string
	MaxUploadBytes int64

	HistoryLimit  int
	SendQueueSize int
	DeletePolicy  string

	SyncQueueSize    int
	SyncMaxRetries   int
	SyncRetryBackoff time.Duration

	JWTSecret       string
	ShutdownTimeout time.Duration
}

// Load reads the environment (after .env) and builds the config.
func Load() (*Config, error) {
	if err := utils.LoadEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:      utils.GetEnv("PORT", "8080"),
		LogLevel:  utils.GetEnv("LOG_LEVEL", "info"),
		AccessLog: utils.GetEnvBool("ACCESS_LOG", true),

		StoreBackend:     utils.GetEnv("STORE_BACKEND", BackendMemory),
		DatabaseURL:      databaseURL(),
		FirestoreProject: utils.GetEnv("FIRESTORE_PROJECT", ""),
		RedisURL:         utils.GetEnv("REDIS_URL", "redis://localhost:6379/0"),

		UploadDir:      utils.GetEnv("UPLOAD_DIR", "uploads"),
		MaxUploadBytes: utils.GetEnvInt64("MAX_UPLOAD_BYTES", 25<<20),

		HistoryLimit:  utils.GetEnvInt("HISTORY_LIMIT", 50),
		SendQueueSize: utils.GetEnvInt("SEND_QUEUE_SIZE", 64),
		DeletePolicy:  utils.GetEnv("DELETE_POLICY", DeleteSoft),

		SyncQueueSize:    utils.GetEnvInt("SYNC_QUEUE_SIZE", 1024),
		SyncMaxRetries:   utils.GetEnvInt("SYNC_MAX_RETRIES", 0),
		SyncRetryBackoff: utils.GetEnvDuration("SYNC_RETRY_BACKOFF", 200*time.Millisecond),

		JWTSecret:       utils.GetEnv("JWT_SECRET", ""),
		ShutdownTimeout: utils.GetEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the relay cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendPostgres, BackendRedis:
	case BackendFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("FIRESTORE_PROJECT is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.DeletePolicy != DeleteSoft && c.DeletePolicy != DeleteHard {
		return fmt.Errorf("unknown DELETE_POLICY %q", c.DeletePolicy)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}
	if c.SendQueueSize <= 0 || c.SyncQueueSize <= 0 {
		return fmt.Errorf("queue sizes must be positive")
	}
	if c.SyncMaxRetries < 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must not be negative")
	}
	return nil
}

func databaseURL() string {
	if url := utils.GetEnv("DATABASE_URL", ""); url != "" {
		return url
	}
	return "postgres://" + utils.GetEnv("POSTGRES_USER", "postgres") + ":" +
		utils.GetEnv("POSTGRES_PASSWORD", "postgres") + "@" +
		utils.GetEnv("POSTGRES_HOST", "localhost") + ":" +
		utils.GetEnv("POSTGRES_PORT", "5432") + "/" +
		utils.GetEnv("POSTGRES_DB", "chatdb") + "?sslmode=disable"
}
