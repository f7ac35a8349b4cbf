// Package config loads process configuration the way the teacher does:
// a flat struct tagged for kelseyhightower/envconfig, populated from the
// environment (optionally via a .env file loaded by joho/godotenv before
// Process runs).
package config

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	SchedulerIntervalSeconds         int `envconfig:"SCHEDULER_INTERVAL_SECONDS" default:"10"`
	SchedulerLockDurationSeconds     int `envconfig:"SCHEDULER_LOCK_DURATION_SECONDS" default:"60"`
	SchedulerMaxRetries              int `envconfig:"SCHEDULER_MAX_RETRIES" default:"5"`
	SchedulerStaleLockCleanupMinutes int `envconfig:"SCHEDULER_STALE_LOCK_CLEANUP_MINUTES" default:"10"`
	NotificationBatchSize            int `envconfig:"NOTIFICATION_BATCH_SIZE" default:"25"`

	DirectoryCacheTTLSeconds int `envconfig:"DIRECTORY_CACHE_TTL_SECONDS" default:"300"`

	SMTPHost string `envconfig:"SMTP_HOST" required:"true"`
	SMTPPort string `envconfig:"SMTP_PORT" required:"true"`
	SMTPUser string `envconfig:"SMTP_USER" required:"true"`
	SMTPPass string `envconfig:"SMTP_PASS" required:"true"`
	SMTPFrom string `envconfig:"SMTP_FROM"`
}
