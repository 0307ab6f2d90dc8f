package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env         string
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	ServerKey   string
	AdminKey    string

	// Persistence
	MigrationsDir           string
	TranscriptRetentionDays int

	// Realtime transport
	RealtimeEnabled   bool
	RealtimeHost      string
	DashboardInterval time.Duration

	// Notifications
	SMSEnabled         bool
	SMSEndpoint        string
	SMSAccountID       string
	SMSAuthToken       string
	SMSFrom            string
	SMTPHost           string
	SMTPPort           int
	SMTPUser           string
	SMTPPass           string
	SMTPFrom           string
	GracePeriodDays    int
	EngagementIdleDays int
	StaffPhones        []string
	StaffEmails        []string

	// Payment events
	KafkaBrokers       []string
	KafkaTopic         string
	KafkaGroupID       string
	KafkaUser          string
	KafkaPassword      string
	KafkaSASLMechanism string

	// Staff alerts
	DiscordBotToken  string
	DiscordChannelID string
}

// Roster is the staff contact list, loadable from YAML.
type Roster struct {
	Staff []StaffContact `yaml:"staff"`
}

type StaffContact struct {
	Name  string `yaml:"name"`
	Phone string `yaml:"phone"`
	Email string `yaml:"email"`
}

// Load reads configuration from the environment. envFile, when non-empty,
// is loaded first; otherwise a .env in the working directory is used if
// present.
func Load(envFile string) *Config {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	return &Config{
		Env:         getEnv("ENV", "development"),
		Port:        getEnv("PORT", "3000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   getEnv("JWT_SECRET", "dev-jwt-secret-not-for-production-use-64-chars-minimum-padding"),
		ServerKey:   getEnv("SERVER_KEY", "dev-server-key"),
		AdminKey:    getEnv("ADMIN_KEY", "dev-admin-key"),

		MigrationsDir:           os.Getenv("MIGRATIONS_DIR"),
		TranscriptRetentionDays: getEnvInt("TRANSCRIPT_RETENTION_DAYS", 90),

		RealtimeEnabled:   getEnvBool("REALTIME_ENABLED", true),
		RealtimeHost:      getEnv("REALTIME_HOST", ":3001"),
		DashboardInterval: getEnvDuration("DASHBOARD_INTERVAL", 30*time.Second),

		SMSEnabled:         getEnvBool("SMS_ENABLED", false),
		SMSEndpoint:        os.Getenv("SMS_ENDPOINT"),
		SMSAccountID:       os.Getenv("SMS_ACCOUNT_ID"),
		SMSAuthToken:       os.Getenv("SMS_AUTH_TOKEN"),
		SMSFrom:            os.Getenv("SMS_FROM"),
		SMTPHost:           os.Getenv("SMTP_HOST"),
		SMTPPort:           getEnvInt("SMTP_PORT", 587),
		SMTPUser:           os.Getenv("SMTP_USER"),
		SMTPPass:           os.Getenv("SMTP_PASS"),
		SMTPFrom:           getEnv("SMTP_FROM", "billing@localhost"),
		GracePeriodDays:    getEnvInt("GRACE_PERIOD_DAYS", 7),
		EngagementIdleDays: getEnvInt("ENGAGEMENT_IDLE_DAYS", 14),
		StaffPhones:        getEnvList("STAFF_PHONES"),
		StaffEmails:        getEnvList("STAFF_EMAILS"),

		KafkaBrokers:       getEnvList("KAFKA_BROKERS"),
		KafkaTopic:         getEnv("KAFKA_PAYMENT_TOPIC", "payments"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "realtime-escalation"),
		KafkaUser:          os.Getenv("KAFKA_USER"),
		KafkaPassword:      os.Getenv("KAFKA_PASSWORD"),
		KafkaSASLMechanism: os.Getenv("KAFKA_SASL_MECHANISM"),

		DiscordBotToken:  os.Getenv("DISCORD_BOT_TOKEN"),
		DiscordChannelID: os.Getenv("DISCORD_ALERT_CHANNEL_ID"),
	}
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ApplyRoster merges a YAML staff roster file into StaffPhones and
// StaffEmails. Duplicates are skipped.
func (c *Config) ApplyRoster(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read roster %s: %w", path, err)
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("parse roster %s: %w", path, err)
	}
	for _, s := range r.Staff {
		if s.Phone != "" && !contains(c.StaffPhones, s.Phone) {
			c.StaffPhones = append(c.StaffPhones, s.Phone)
		}
		if s.Email != "" && !contains(c.StaffEmails, s.Email) {
			c.StaffEmails = append(c.StaffEmails, s.Email)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
