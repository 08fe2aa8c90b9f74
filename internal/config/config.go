package config

import (
	"os"
	"strconv"
	"time"
)

type AppConfig struct {
	HTTPPort    string
	PostgresDSN string
	RedisURL    string

	// Worker tuning. WorkerTimeout is how old a heartbeat may get before
	// peers treat the worker as dead and sweep its task.
	HeartbeatInterval time.Duration
	WorkerTimeout     time.Duration
	IdleWait          time.Duration
	ScanBatch         int

	// Scheduler tick for recurring dispatch.
	ScheduleInterval time.Duration
}

func Load() AppConfig {
	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "8080"
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=pulp dbname=pulpcore sslmode=disable"
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	return AppConfig{
		HTTPPort:          port,
		PostgresDSN:       dsn,
		RedisURL:          redisURL,
		HeartbeatInterval: envDuration("WORKER_HEARTBEAT_INTERVAL", 5*time.Second),
		WorkerTimeout:     envDuration("WORKER_TIMEOUT", 30*time.Second),
		IdleWait:          envDuration("WORKER_IDLE_WAIT", 10*time.Second),
		ScanBatch:         envInt("WORKER_SCAN_BATCH", 32),
		ScheduleInterval:  envDuration("SCHEDULE_INTERVAL", 10*time.Second),
	}
}

func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}
