package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the host-level configuration layer (SPEC_FULL.md A.3): server
// ports, storage DSN parts, and the engine's tunable knobs, loaded from
// the environment the same way the teacher's config package does.
// Business-level dispatch options (per-task queue name, audit level,
// recurring spec) are not here — those travel through
// internal/dispatcher.Options at call time.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Engine   EngineConfig
}

type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type PostgresConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	DBName             string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	MaxLifetimeMinutes int
	LogLevel           string
}

// EngineConfig maps directly onto internal/engine's functional options
// (spec.md §6.3), letting the demo host assemble an engine.Engine from
// environment variables instead of hardcoded options.
type EngineConfig struct {
	StorageBackend string // "memory" or "postgres"

	DefaultQueueCapacity      int
	DefaultQueueParallelism   int
	RecurringQueueCapacity    int
	RecurringQueueParallelism int

	UseShardedScheduler bool
	SchedulerShardCount int
	SchedulerTick       time.Duration

	LazyHandlerResolution          bool
	LazyHandlerResolutionThreshold time.Duration

	DefaultAuditLevel string // Full|Minimal|ErrorsOnly|None
	MaxLogsPerTask    int
}

func LoadConfig() *Config {
	cfg, _ := Load()
	return cfg
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 5003),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Postgres: PostgresConfig{
			Host:               getEnv("POSTGRES_HOST", "localhost"),
			Port:               getEnv("POSTGRES_PORT", "5432"),
			User:               getEnv("POSTGRES_USER", "taskengine_user"),
			Password:           getEnv("POSTGRES_PASSWORD", "taskengine_password"),
			DBName:             getEnv("POSTGRES_DB", "taskengine_db"),
			SSLMode:            getEnv("POSTGRES_SSL_MODE", "disable"),
			MaxOpenConns:       getEnvInt("POSTGRES_MAX_OPEN_CONNS", 25),
			MaxIdleConns:       getEnvInt("POSTGRES_MAX_IDLE_CONNS", 10),
			MaxLifetimeMinutes: getEnvInt("POSTGRES_MAX_LIFETIME_MINS", 30),
			LogLevel:           getEnv("POSTGRES_LOG_LEVEL", "warn"),
		},
		Engine: EngineConfig{
			StorageBackend:                 getEnv("ENGINE_STORAGE_BACKEND", "memory"),
			DefaultQueueCapacity:           getEnvInt("ENGINE_DEFAULT_QUEUE_CAPACITY", 256),
			DefaultQueueParallelism:        getEnvInt("ENGINE_DEFAULT_QUEUE_PARALLELISM", 4),
			RecurringQueueCapacity:         getEnvInt("ENGINE_RECURRING_QUEUE_CAPACITY", 256),
			RecurringQueueParallelism:      getEnvInt("ENGINE_RECURRING_QUEUE_PARALLELISM", 4),
			UseShardedScheduler:            getEnvBool("ENGINE_USE_SHARDED_SCHEDULER", false),
			SchedulerShardCount:            getEnvInt("ENGINE_SCHEDULER_SHARD_COUNT", 4),
			SchedulerTick:                  getDuration("ENGINE_SCHEDULER_TICK", 500*time.Millisecond),
			LazyHandlerResolution:          getEnvBool("ENGINE_LAZY_HANDLER_RESOLUTION", true),
			LazyHandlerResolutionThreshold: getDuration("ENGINE_LAZY_HANDLER_RESOLUTION_THRESHOLD", 30*time.Minute),
			DefaultAuditLevel:              getEnv("ENGINE_DEFAULT_AUDIT_LEVEL", "Full"),
			MaxLogsPerTask:                 getEnvInt("ENGINE_MAX_LOGS_PER_TASK", 0),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
