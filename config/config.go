package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"relaycrm/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	// Shared secrets
	CronSecret        string `json:"-"`
	WebhookSecret     string `json:"-"`
	UnsubscribeSecret string `json:"-"`

	// Delivery provider
	ResendAPIKey     string `json:"-"`
	EmailDomain      string `json:"email_domain"`
	AppURL           string `json:"app_url"`
	DefaultFromEmail string `json:"default_from_email"`
	DefaultFromName  string `json:"default_from_name"`

	// SMTP fallback transport
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`

	// Queue tuning
	BatchSize         int `json:"batch_size"`
	MaxRetryAttempts  int `json:"max_retry_attempts"`
	RetryBackoffHours int `json:"retry_backoff_hours"`

	// Workers
	QueueWorkerEnabled  bool `json:"queue_worker_enabled"`
	QueueWorkerMinutes  int  `json:"queue_worker_minutes"`
	ReplyWorkerEnabled  bool `json:"reply_worker_enabled"`
	ReplyWorkerMinutes  int  `json:"reply_worker_minutes"`

	Redis     RedisConfig `json:"redis"`
	SentryDSN string      `json:"-"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "relaycrm"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		CronSecret:        getEnv("CRON_SECRET", ""),
		WebhookSecret:     getEnv("WEBHOOK_SECRET", ""),
		UnsubscribeSecret: getEnv("UNSUBSCRIBE_SECRET", ""),

		ResendAPIKey:     getEnv("RESEND_API_KEY", ""),
		EmailDomain:      getEnv("EMAIL_DOMAIN", "example.com"),
		AppURL:           getEnv("APP_URL", "http://localhost:5000"),
		DefaultFromEmail: getEnv("DEFAULT_FROM_EMAIL", ""),
		DefaultFromName:  getEnv("DEFAULT_FROM_NAME", "CRM Outreach"),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),

		BatchSize:         getEnvAsInt("EMAIL_BATCH_SIZE", 100),
		MaxRetryAttempts:  getEnvAsInt("MAX_RETRY_ATTEMPTS", 3),
		RetryBackoffHours: getEnvAsInt("RETRY_BACKOFF_HOURS", 1),

		QueueWorkerEnabled: getEnvAsBool("QUEUE_WORKER_ENABLED", false),
		QueueWorkerMinutes: getEnvAsInt("QUEUE_WORKER_MINUTES", 5),
		ReplyWorkerEnabled: getEnvAsBool("REPLY_WORKER_ENABLED", false),
		ReplyWorkerMinutes: getEnvAsInt("REPLY_WORKER_MINUTES", 5),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SentryDSN: getEnv("SENTRY_DSN", ""),
	}

	if AppConfig.DefaultFromEmail == "" {
		AppConfig.DefaultFromEmail = "outreach@" + AppConfig.EmailDomain
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.CronSecret == "" {
		return fmt.Errorf("CRON_SECRET is required")
	}
	if AppConfig.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if AppConfig.UnsubscribeSecret == "" {
		return fmt.Errorf("UNSUBSCRIBE_SECRET is required")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.ResendAPIKey == "" && AppConfig.SMTPHost == "" {
			return fmt.Errorf("RESEND_API_KEY or SMTP_HOST is required in production")
		}
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("Successfully connected to the database")
	log.Println("Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// MigrateDB creates or updates the engine's tables.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Contact{},
		&models.Sender{},
		&models.Sequence{},
		&models.SequenceTemplate{},
		&models.ContactSequence{},
		&models.QueueTask{},
		&models.EmailLog{},
		&models.EmailEvent{},
		&models.EmailReply{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Delivery: resend(%t), smtp(%t)",
		AppConfig.ResendAPIKey != "",
		AppConfig.SMTPHost != "")
}
