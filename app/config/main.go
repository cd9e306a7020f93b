// Expose env var config vars, with defaults

package config

import (
	"cmp"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

var AMI_DATABASE_URL = cmp.Or(
	os.Getenv("AMI_DATABASE_URL"),
	"",
)

var AMI_DB_MAX_CONNS = Int("AMI_DB_MAX_CONNS", 20)
var AMI_DB_MIN_CONNS = Int("AMI_DB_MIN_CONNS", 2)

var AMI_REDIS_URL = cmp.Or(
	os.Getenv("AMI_REDIS_URL"),
	"redis://localhost:6379/0",
)

var AMI_NATS_URL = cmp.Or(
	os.Getenv("AMI_NATS_URL"),
	"nats://localhost:4222",
)

var AMI_ASYNQ_QUEUE = cmp.Or(
	os.Getenv("AMI_ASYNQ_QUEUE"),
	"jobs",
)

var AMI_WORKER_CONCURRENCY = Int("AMI_WORKER_CONCURRENCY", 4)

// Visibility timeout for a reserved task before the broker redelivers it
var AMI_TASK_TTR = Duration("AMI_TASK_TTR", 30*time.Second)
var AMI_TASK_MAX_DELIVER = Int("AMI_TASK_MAX_DELIVER", 5)

// Must exceed the worst-case time to persist one image's results
var AMI_LOCK_TTL = Duration("AMI_LOCK_TTL", 360*time.Second)
var AMI_PROGRESS_TTL = Duration("AMI_PROGRESS_TTL", 7*24*time.Hour)

var AMI_STALE_JOB_CUTOFF = Duration("AMI_STALE_JOB_CUTOFF", 72*time.Hour)
var AMI_STALE_SWEEP_INTERVAL = Duration("AMI_STALE_SWEEP_INTERVAL", 15*time.Minute)

var AMI_TRACKING_COST_THRESHOLD = Float("AMI_TRACKING_COST_THRESHOLD", 2)
var AMI_FAILURE_THRESHOLD = Float("AMI_FAILURE_THRESHOLD", 0.5)

// Leave empty when no synchronous processing service is deployed
var AMI_PROCESSING_SERVICE_URL = cmp.Or(
	os.Getenv("AMI_PROCESSING_SERVICE_URL"),
	"",
)

var AMI_S3_ENDPOINT = cmp.Or(
	os.Getenv("AMI_S3_ENDPOINT"),
	"",
)
var AMI_S3_ACCESS_KEY = cmp.Or(
	os.Getenv("AMI_S3_ACCESS_KEY"),
	"",
)
var AMI_S3_SECRET_KEY = cmp.Or(
	os.Getenv("AMI_S3_SECRET_KEY"),
	"",
)
var AMI_S3_BUCKET = cmp.Or(
	os.Getenv("AMI_S3_BUCKET"),
	"ami-exports",
)
var AMI_S3_SECURE = cmp.Or(
	os.Getenv("AMI_S3_SECURE"),
	"true",
)

var AMI_PUBLIC_URL = cmp.Or(
	os.Getenv("AMI_PUBLIC_URL"),
	"http://localhost:8080",
)

var LOG_LEVEL = cmp.Or(
	os.Getenv("LOG_LEVEL"),
	"info",
)

// Int reads an integer env var, falling back to def when unset or invalid
func Int(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "name", name, "value", raw, "default", def)
		return def
	}
	return v
}

// Float reads a float env var, falling back to def when unset or invalid
func Float(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float env var, using default", "name", name, "value", raw, "default", def)
		return def
	}
	return v
}

// Duration reads a Go duration env var (e.g. "90s"), falling back to def
func Duration(name string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env var, using default", "name", name, "value", raw, "default", def)
		return def
	}
	return v
}

// S3Enabled reports whether export uploads can be configured
func S3Enabled() bool {
	return AMI_S3_ENDPOINT != ""
}

func ValidateEnv() {
	required := []struct {
		val  string
		name string
	}{
		{AMI_DATABASE_URL, "AMI_DATABASE_URL"},
		{AMI_REDIS_URL, "AMI_REDIS_URL"},
		{AMI_NATS_URL, "AMI_NATS_URL"},
	}

	for _, envVar := range required {
		if envVar.val == "" {
			slog.Error("required env var missing", "name", envVar.name)
			os.Exit(1)
		}
	}

	if !S3Enabled() {
		slog.Warn("AMI_S3_ENDPOINT not set, data export jobs will fail until configured")
	}
	if AMI_PROCESSING_SERVICE_URL == "" {
		slog.Warn("AMI_PROCESSING_SERVICE_URL not set, sync_api ML jobs are unavailable")
	}
}
