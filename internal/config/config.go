package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort  string
	AppEnv   string
	LogLevel string

	StoreDriver string // "dynamo" | "postgres" | "memory"

	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string
	DynamoTables   DynamoTables

	DatabaseDSN string

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiry         time.Duration

	SMTPHost     string
	SMTPPort     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	SNSRegion      string
	GoogleClientID string
	AllowedOrigins []string // CORS allowed origins
	TrustedProxies []string // CIDRs or IPs whose forwarding headers are believed

	HTTPRateLimitRPS   float64
	HTTPRateLimitBurst int

	Registration RegistrationPolicy
	OTP          OTPPolicy
	Sweep        SweepPolicy
	Login        AttemptBudget
}

// DynamoTables holds the DynamoDB table name for each entity.
type DynamoTables struct {
	Identities        string
	VerificationCodes string
}

// AttemptBudget is a sliding-window allowance for one client action.
type AttemptBudget struct {
	MaxAttempts int
	Window      time.Duration
}

// RegistrationPolicy controls how competing claims on the same identifier resolve.
type RegistrationPolicy struct {
	Budget            AttemptBudget
	GracePeriod       time.Duration // same requester may resend within this age
	ReservationWindow time.Duration // a different requester is blocked within this age
}

type OTPPolicy struct {
	TTL         time.Duration
	MaxAttempts int
	Length      int
}

type SweepPolicy struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// Load reads all configuration from environment variables.
func Load() *Config {
	return &Config{
		AppPort:        getEnv("APP_PORT", "3000"),
		AppEnv:         getEnv("APP_ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		StoreDriver:    strings.ToLower(getEnv("STORE_DRIVER", "dynamo")),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		DynamoTables: DynamoTables{
			Identities:        getEnv("DYNAMO_TABLE_IDENTITIES", "identities"),
			VerificationCodes: getEnv("DYNAMO_TABLE_VERIFICATION_CODES", "verification_codes"),
		},
		DatabaseDSN:       getEnv("DATABASE_DSN", ""),
		JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", "./private_key.pem"),
		JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),
		JWTExpiry:         getEnvDuration("JWT_EXPIRY", 7*24*time.Hour),
		SMTPHost:          getEnv("SMTP_HOST", "localhost"),
		SMTPPort:          getEnv("SMTP_PORT", "1025"),
		SMTPFrom:          getEnv("SMTP_FROM", "noreply@example.com"),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),
		SNSRegion:         getEnv("SNS_REGION", "us-east-1"),
		GoogleClientID:    getEnv("GOOGLE_CLIENT_ID", ""),
		AllowedOrigins:    strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
		TrustedProxies:    getEnvList("TRUSTED_PROXIES"),

		HTTPRateLimitRPS:   getEnvFloat("HTTP_RATE_LIMIT_RPS", 5),
		HTTPRateLimitBurst: getEnvInt("HTTP_RATE_LIMIT_BURST", 10),

		Registration: RegistrationPolicy{
			Budget: AttemptBudget{
				MaxAttempts: getEnvInt("REGISTER_MAX_ATTEMPTS", 5),
				Window:      getEnvDuration("REGISTER_WINDOW", 30*time.Minute),
			},
			GracePeriod:       getEnvDuration("REGISTRATION_GRACE_PERIOD", 15*time.Minute),
			ReservationWindow: getEnvDuration("REGISTRATION_RESERVATION_WINDOW", 30*time.Minute),
		},
		OTP: OTPPolicy{
			TTL:         getEnvDuration("OTP_TTL", 10*time.Minute),
			MaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 5),
			Length:      getEnvInt("OTP_LENGTH", 6),
		},
		Sweep: SweepPolicy{
			Interval:   getEnvDuration("SWEEP_INTERVAL", 15*time.Minute),
			StaleAfter: getEnvDuration("SWEEP_STALE_AFTER", 30*time.Minute),
		},
		Login: AttemptBudget{
			MaxAttempts: getEnvInt("LOGIN_MAX_ATTEMPTS", 10),
			Window:      getEnvDuration("LOGIN_WINDOW", 15*time.Minute),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping blank entries.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("15m", "1h30m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
