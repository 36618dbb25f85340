package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// Credit policy.
	DailyRate        int64
	Currency         string
	TrialDays        int
	LowCreditDays    float64
	ResetOnLogin     bool
	ReminderLeadDays int

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr string

	ProviderTimeout time.Duration

	Mpesa       MpesaConfig
	Pesapal     PesapalConfig
	Cybersource CybersourceConfig
}

type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
}

type PesapalConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	CallbackURL    string
	IPNID          string
}

type CybersourceConfig struct {
	BaseURL       string
	MerchantID    string
	KeyID         string
	SharedSecret  string
	WebhookSecret string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "kredo"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DailyRate:        getenvInt64("DAILY_RATE", 5),
		Currency:         strings.ToUpper(getenv("CURRENCY", "KES")),
		TrialDays:        int(getenvInt64("TRIAL_DAYS", 14)),
		LowCreditDays:    getenvFloat("LOW_CREDIT_DAYS", 2),
		ResetOnLogin:     getenvBool("RESET_USERS_ON_LOGIN", false),
		ReminderLeadDays: int(getenvInt64("REMINDER_LEAD_DAYS", 3)),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "kredo"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),

		RedisAddr: strings.TrimSpace(getenv("REDIS_ADDR", "")),

		ProviderTimeout: getenvDuration("PROVIDER_TIMEOUT", 30*time.Second),

		Mpesa: MpesaConfig{
			BaseURL:        getenv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ConsumerKey:    strings.TrimSpace(getenv("MPESA_CONSUMER_KEY", "")),
			ConsumerSecret: strings.TrimSpace(getenv("MPESA_CONSUMER_SECRET", "")),
			Shortcode:      strings.TrimSpace(getenv("MPESA_SHORTCODE", "")),
			Passkey:        strings.TrimSpace(getenv("MPESA_PASSKEY", "")),
			CallbackURL:    getenv("MPESA_CALLBACK_URL", ""),
		},
		Pesapal: PesapalConfig{
			BaseURL:        getenv("PESAPAL_BASE_URL", "https://pay.pesapal.com/v3"),
			ConsumerKey:    strings.TrimSpace(getenv("PESAPAL_CONSUMER_KEY", "")),
			ConsumerSecret: strings.TrimSpace(getenv("PESAPAL_CONSUMER_SECRET", "")),
			CallbackURL:    getenv("PESAPAL_CALLBACK_URL", ""),
			IPNID:          strings.TrimSpace(getenv("PESAPAL_IPN_ID", "")),
		},
		Cybersource: CybersourceConfig{
			BaseURL:       getenv("CYBERSOURCE_BASE_URL", "https://apitest.cybersource.com"),
			MerchantID:    strings.TrimSpace(getenv("CYBERSOURCE_MERCHANT_ID", "")),
			KeyID:         strings.TrimSpace(getenv("CYBERSOURCE_KEY_ID", "")),
			SharedSecret:  strings.TrimSpace(getenv("CYBERSOURCE_SHARED_SECRET", "")),
			WebhookSecret: strings.TrimSpace(getenv("CYBERSOURCE_WEBHOOK_SECRET", "")),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
