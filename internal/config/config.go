package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config centralizes runtime settings for the API, the worker and the CLI.
type Config struct {
	Port string

	AuthToken string

	LogLevel  string
	LogPretty bool

	DatabaseURL string

	ERPNextURL            string
	ERPNextAPIKey         string
	ERPNextAPISecret      string
	ERPNextUsername       string
	ERPNextPassword       string
	ERPNextVerifySSL      bool
	ERPNextTimeoutMS      int
	ERPNextRateLimitRPS   float64
	ERPNextRateLimitBurst int

	ReportCacheTTLSeconds int
	ReportCacheMaxEntries int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	RateLimitRPS   float64
	RateLimitBurst int

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	WorkerEnabled     bool
	JobMaxAttempts    int
	JobDispatchTimeMS int
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken: getEnv("API_AUTH_TOKEN", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		ERPNextURL:            strings.TrimRight(getEnv("ERPNEXT_URL", ""), "/"),
		ERPNextAPIKey:         getEnv("ERPNEXT_API_KEY", ""),
		ERPNextAPISecret:      getEnv("ERPNEXT_API_SECRET", ""),
		ERPNextUsername:       getEnv("ERPNEXT_USERNAME", ""),
		ERPNextPassword:       getEnv("ERPNEXT_PASSWORD", ""),
		ERPNextVerifySSL:      getEnvBool("ERPNEXT_VERIFY_SSL", true),
		ERPNextTimeoutMS:      getEnvInt("ERPNEXT_TIMEOUT_MS", 30000),
		ERPNextRateLimitRPS:   getEnvFloat("ERPNEXT_RATE_LIMIT_RPS", 0),
		ERPNextRateLimitBurst: getEnvInt("ERPNEXT_RATE_LIMIT_BURST", 5),

		ReportCacheTTLSeconds: getEnvInt("REPORT_CACHE_TTL_SECONDS", 0),
		ReportCacheMaxEntries: getEnvInt("REPORT_CACHE_MAX_ENTRIES", 500),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "erp_dispatch_jobs"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "erp_dispatch_jobs_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "erp_dispatch_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "api-1"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", false),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),
		QueueBatchMaxInFlight:    getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", 4),

		WorkerEnabled:     getEnvBool("WORKER_ENABLED", true),
		JobMaxAttempts:    getEnvInt("JOB_MAX_ATTEMPTS", 3),
		JobDispatchTimeMS: getEnvInt("JOB_DISPATCH_TIMEOUT_MS", 120000),
	}
}

// Validate reports every setting that would keep the ERPNext client from
// working.
func (c Config) Validate() error {
	var errs []error

	if c.ERPNextURL == "" {
		errs = append(errs, errors.New("ERPNEXT_URL is required"))
	} else if parsed, err := url.Parse(c.ERPNextURL); err != nil || parsed.Host == "" ||
		(parsed.Scheme != "http" && parsed.Scheme != "https") {
		errs = append(errs, fmt.Errorf("ERPNEXT_URL %q is not an http(s) URL", c.ERPNextURL))
	}

	if (c.ERPNextAPIKey == "") != (c.ERPNextAPISecret == "") {
		errs = append(errs, errors.New("ERPNEXT_API_KEY and ERPNEXT_API_SECRET must be set together"))
	}
	if c.ERPNextTimeoutMS <= 0 {
		errs = append(errs, errors.New("ERPNEXT_TIMEOUT_MS must be positive"))
	}
	if c.ERPNextRateLimitRPS < 0 {
		errs = append(errs, errors.New("ERPNEXT_RATE_LIMIT_RPS must not be negative"))
	}
	return errors.Join(errs...)
}

// Secrets lists the configured credentials so they can be scrubbed from
// messages and logs.
func (c Config) Secrets() []string {
	return []string{c.ERPNextAPIKey, c.ERPNextAPISecret, c.ERPNextPassword, c.AuthToken}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
