package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS fan-out for newly created sources (optional)
	SQSRegion   string
	SQSQueueURL string

	// AWS services for outbound dispatch
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// Webhook dispatch
	WebhookTimeout int // seconds

	// External extraction service
	ExtractorBaseURL string
	ExtractorAPIKey  string
	ExtractorTimeout time.Duration

	// Pipeline tuning
	LowAvailabilityThreshold int           // spots remaining below this fires low_availability
	JobPollInterval          time.Duration // queued-job worker cadence
	RequestPollInterval      time.Duration // pending-request worker cadence
	SequenceTickInterval     time.Duration // sequence runner re-entry cadence
	FailureWatchInterval     time.Duration // failure-watch cadence
	FailureAlertThreshold    int           // failed jobs in window before alerting
	JobBatchSize             int

	// Explicit admin set and feature flags, injected at entry points
	// instead of read from ambient state.
	AdminEmails    []string
	WinbackOn      bool // winback sequence feature flag
	DispatchDryRun bool // log-only dispatch, no external sends
}

// IsAdmin reports whether email is in the configured admin set.
func (c *Config) IsAdmin(email string) bool {
	for _, admin := range c.AdminEmails {
		if strings.EqualFold(admin, email) {
			return true
		}
	}
	return false
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first when
// present; its absence is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "campwatch",
		DBPassword: "",
		DBName:     "campwatch",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "alerts@campwatch.local",

		WebhookTimeout: 30,

		ExtractorTimeout: 2 * time.Minute,

		LowAvailabilityThreshold: 3,
		JobPollInterval:          15 * time.Second,
		RequestPollInterval:      5 * time.Second,
		SequenceTickInterval:     1 * time.Minute,
		FailureWatchInterval:     5 * time.Minute,
		FailureAlertThreshold:    3,
		JobBatchSize:             5,

		WinbackOn: true,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if rdb := os.Getenv("REDIS_DB"); rdb != "" {
		d, err := strconv.Atoi(rdb)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	}

	if url := os.Getenv("EXTRACTOR_BASE_URL"); url != "" {
		cfg.ExtractorBaseURL = url
	}

	if key := os.Getenv("EXTRACTOR_API_KEY"); key != "" {
		cfg.ExtractorAPIKey = key
	}

	if v := os.Getenv("EXTRACTOR_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid EXTRACTOR_TIMEOUT: %w", err)
		}
		cfg.ExtractorTimeout = d
	}

	if v := os.Getenv("LOW_AVAILABILITY_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LOW_AVAILABILITY_THRESHOLD: %w", err)
		}
		cfg.LowAvailabilityThreshold = n
	}

	if v := os.Getenv("JOB_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid JOB_POLL_INTERVAL: %w", err)
		}
		cfg.JobPollInterval = d
	}

	if v := os.Getenv("REQUEST_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REQUEST_POLL_INTERVAL: %w", err)
		}
		cfg.RequestPollInterval = d
	}

	if v := os.Getenv("SEQUENCE_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SEQUENCE_TICK_INTERVAL: %w", err)
		}
		cfg.SequenceTickInterval = d
	}

	if v := os.Getenv("FAILURE_WATCH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FAILURE_WATCH_INTERVAL: %w", err)
		}
		cfg.FailureWatchInterval = d
	}

	if v := os.Getenv("FAILURE_ALERT_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FAILURE_ALERT_THRESHOLD: %w", err)
		}
		cfg.FailureAlertThreshold = n
	}

	if v := os.Getenv("JOB_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid JOB_BATCH_SIZE: %w", err)
		}
		cfg.JobBatchSize = n
	}

	if admins := os.Getenv("ADMIN_EMAILS"); admins != "" {
		for _, email := range strings.Split(admins, ",") {
			if email = strings.TrimSpace(email); email != "" {
				cfg.AdminEmails = append(cfg.AdminEmails, email)
			}
		}
	}

	if v := os.Getenv("WINBACK_ENABLED"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WINBACK_ENABLED: %w", err)
		}
		cfg.WinbackOn = on
	}

	if v := os.Getenv("DISPATCH_DRY_RUN"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_DRY_RUN: %w", err)
		}
		cfg.DispatchDryRun = on
	}

	return cfg, nil
}
