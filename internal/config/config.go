package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL         string
	ServerAddr          string
	SessionTTL          time.Duration
	SessionCookieName   string
	SessionCookieSecure bool

	EscrowFeeRate        decimal.Decimal
	InspectionPeriodDays int
	ExpirySweepInterval  time.Duration

	MpesaBaseURL     string
	MpesaConsumerKey string
	MpesaConsumerSec string
	MpesaShortcode   string
	MpesaPasskey     string
	MpesaCallbackURL string
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "pesalock")
		pass := getenv("POSTGRES_PASSWORD", "pesalock_pass")
		db := getenv("POSTGRES_DB", "pesalock")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}
	addr := getenv("SERVER_ADDR", "0.0.0.0:8080")
	ttl := parseDuration(getenv("SESSION_TTL", "24h"), 24*time.Hour)
	cookieName := getenv("SESSION_COOKIE_NAME", "pesalock_session")
	cookieSecure := parseBool(getenv("SESSION_COOKIE_SECURE", "false"), false)

	feeRate := parseDecimal(getenv("ESCROW_FEE_RATE", "0.0025"), decimal.NewFromFloat(0.0025))
	inspDays := parseInt(getenv("INSPECTION_PERIOD_DAYS", "3"), 3)
	sweep := parseDuration(getenv("EXPIRY_SWEEP_INTERVAL", "5m"), 5*time.Minute)

	return &Config{
		DatabaseURL:         dsn,
		ServerAddr:          addr,
		SessionTTL:          ttl,
		SessionCookieName:   cookieName,
		SessionCookieSecure: cookieSecure,

		EscrowFeeRate:        feeRate,
		InspectionPeriodDays: inspDays,
		ExpirySweepInterval:  sweep,

		MpesaBaseURL:     getenv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		MpesaConsumerKey: os.Getenv("MPESA_CONSUMER_KEY"),
		MpesaConsumerSec: os.Getenv("MPESA_CONSUMER_SECRET"),
		MpesaShortcode:   getenv("MPESA_SHORTCODE", "174379"),
		MpesaPasskey:     os.Getenv("MPESA_PASSKEY"),
		MpesaCallbackURL: getenv("MPESA_CALLBACK_URL", "http://localhost:8080/v1/payments/mpesa/callback"),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseDecimal(val string, def decimal.Decimal) decimal.Decimal {
	if val == "" {
		return def
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return def
	}
	return d
}
