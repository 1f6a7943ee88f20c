package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	SslCertPath  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	Port         string
	JWTSecret    string
	LogMode      string

	AIAPIKey      string
	FastModel     string
	AccurateModel string
	ModelTimeout  time.Duration

	VisionEnabled bool

	QueuePath         string
	QueuePollInterval time.Duration
	QueueLeaseTTL     time.Duration
	WorkerCount       int
	JobAttempts       int
	JobBackoff        time.Duration

	SafetyRulesPath string

	RedisAddr       string
	IncidentChannel string
}

// LoadConfig loads the environment variables (and .env when present) and returns config.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "sprout-lessons"),
		Port:         getEnv("PORT", "8080"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		LogMode:      getEnv("LOG_MODE", "dev"),

		AIAPIKey:      getEnv("GEMINI_API_KEY", ""),
		FastModel:     getEnv("GEN_MODEL_FAST", "gemini-1.5-flash"),
		AccurateModel: getEnv("GEN_MODEL_ACCURATE", "gemini-1.5-pro"),
		ModelTimeout:  getEnvDuration("MODEL_TIMEOUT", 30*time.Second),

		VisionEnabled: getEnvBool("VISION_OCR_ENABLED", true),

		QueuePath:         getEnv("QUEUE_DB_PATH", "./data/queue.db"),
		QueuePollInterval: getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
		QueueLeaseTTL:     getEnvDuration("QUEUE_LEASE_TTL", 30*time.Second),
		WorkerCount:       getEnvInt("WORKER_CONCURRENCY", 2),
		JobAttempts:       getEnvInt("JOB_ATTEMPTS", 3),
		JobBackoff:        getEnvDuration("JOB_BACKOFF", 5*time.Second),

		SafetyRulesPath: getEnv("SAFETY_RULES_PATH", ""),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		IncidentChannel: getEnv("INCIDENT_CHANNEL", "safety-incidents"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL not set")
	}
	if cfg.AIAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.JobAttempts < 1 {
		cfg.JobAttempts = 1
	}

	return cfg, nil
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getEnvDuration accepts Go durations ("45s") or a bare number of seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
