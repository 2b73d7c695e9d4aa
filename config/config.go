package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"reviewflow/models"
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

type SchedulerConfig struct {
	PollInterval time.Duration `json:"poll_interval"`
	BatchSize    int           `json:"batch_size"`
	Workers      int           `json:"workers"`
	SendTimeout  time.Duration `json:"send_timeout"`
	ClaimLease   time.Duration `json:"claim_lease"`
	ErrorBackoff time.Duration `json:"error_backoff"`
}

type Config struct {
	Environment     string `json:"environment"`
	ServerPort      string `json:"server_port"`
	JWTSecret       string `json:"-"`
	DefaultTimezone string `json:"default_timezone"`
	SentryDSN       string `json:"-"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis RedisConfig `json:"redis"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`
	FromEmail    string `json:"from_email"`
	FromName     string `json:"from_name"`

	SMSGatewayURL   string `json:"sms_gateway_url"`
	SMSGatewayToken string `json:"-"`
	SMSFrom         string `json:"sms_from"`

	AMQPURL      string `json:"amqp_url"`
	TriggerQueue string `json:"trigger_queue"`

	Scheduler         SchedulerConfig `json:"scheduler"`
	TestSendRateLimit int             `json:"test_send_rate_limit"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("no .env file loaded, using process environment")
	}
}

// Load reads the configuration from the environment without touching globals.
func Load() (Config, error) {
	cfg := Config{
		Environment:     getEnv("ENVIRONMENT", "development"),
		ServerPort:      getEnv("SERVER_PORT", "5000"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		DefaultTimezone: getEnv("DEFAULT_TIMEZONE", "UTC"),
		SentryDSN:       getEnv("SENTRY_DSN", ""),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "reviewflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		FromEmail:    getEnv("FROM_EMAIL", ""),
		FromName:     getEnv("FROM_NAME", "Reviewflow"),

		SMSGatewayURL:   getEnv("SMS_GATEWAY_URL", ""),
		SMSGatewayToken: getEnv("SMS_GATEWAY_TOKEN", ""),
		SMSFrom:         getEnv("SMS_FROM", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		TriggerQueue: getEnv("TRIGGER_QUEUE", "automation_triggers"),

		Scheduler: SchedulerConfig{
			PollInterval: getEnvAsDuration("SCHEDULER_POLL_INTERVAL", 15*time.Second),
			BatchSize:    getEnvAsInt("SCHEDULER_BATCH_SIZE", 200),
			Workers:      getEnvAsInt("SCHEDULER_WORKERS", 8),
			SendTimeout:  getEnvAsDuration("SCHEDULER_SEND_TIMEOUT", 30*time.Second),
			ClaimLease:   getEnvAsDuration("SCHEDULER_CLAIM_LEASE", 2*time.Minute),
			ErrorBackoff: getEnvAsDuration("SCHEDULER_ERROR_BACKOFF", 5*time.Minute),
		},
		TestSendRateLimit: getEnvAsInt("TEST_SEND_RATE_LIMIT", 5),
	}

	// Validate required configurations
	if cfg.DBPassword == "" {
		return cfg, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("JWT_SECRET is required")
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return cfg, fmt.Errorf("DEFAULT_TIMEZONE: %w", err)
	}
	if cfg.Scheduler.ClaimLease <= cfg.Scheduler.SendTimeout {
		return cfg, fmt.Errorf("SCHEDULER_CLAIM_LEASE (%s) must exceed SCHEDULER_SEND_TIMEOUT (%s)",
			cfg.Scheduler.ClaimLease, cfg.Scheduler.SendTimeout)
	}
	if cfg.Environment == "production" && cfg.SMTPHost == "" {
		return cfg, fmt.Errorf("SMTP_HOST is required in production")
	}
	return cfg, nil
}

func LoadConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	logConfig()
	return nil
}

// Location is the fallback zone for businesses without a valid timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost,
		c.DBPort,
		c.DBUser,
		c.DBPassword,
		c.DBName,
		c.DBSSLMode,
	)
}

// ConnectDB opens the Postgres pool. Migrations run separately via MigrateDB.
func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")
	dsn := AppConfig.DSN()
	logrus.WithField("dsn", maskPassword(dsn)).Info("Using connection string")

	level := logger.Warn
	if AppConfig.Environment == "production" {
		level = logger.Error
	}

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
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

	logrus.Info("✅ Successfully connected to the database")
	return nil
}

func MigrateDB() error {
	logrus.Info("🔄 Starting database migration...")
	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("✅ Database migration completed")
	return nil
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
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		warnUnparsed(key, valueStr, fallback)
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		warnUnparsed(key, valueStr, fallback)
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		warnUnparsed(key, valueStr, fallback)
		return fallback
	}
	return value
}

func warnUnparsed(key, value string, fallback interface{}) {
	logrus.WithFields(logrus.Fields{
		"key":     key,
		"value":   value,
		"default": fallback,
	}).Warn("⚠️ Environment variable could not be parsed, using default")
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
	logrus.WithFields(logrus.Fields{
		"environment":      AppConfig.Environment,
		"server_port":      AppConfig.ServerPort,
		"database":         fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":            AppConfig.Redis.Enabled,
		"smtp":             AppConfig.SMTPHost != "",
		"sms_gateway":      AppConfig.SMSGatewayURL != "",
		"amqp":             AppConfig.AMQPURL != "",
		"default_timezone": AppConfig.DefaultTimezone,
	}).Info("🔧 Loaded configuration")
}
