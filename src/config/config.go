package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type AppConfig struct {
	JWTSecret         string
	Port              string
	DatabasePath      string
	LogLevel          string
	AccessTokenExpiry time.Duration

	// HomeCurrency is the base currency all overseas figures are converted
	// into for aggregate totals.
	HomeCurrency string

	QuoteAPIBaseURL     string
	QuoteAppKey         string
	QuoteAppSecret      string
	QuoteTimeout        time.Duration
	QuoteCacheTTL       time.Duration
	QuoteMaxConcurrency int
	QuoteRatePerSec     float64

	FXAPIBaseURL string
	FXAPIKey     string
	FXCacheTTL   time.Duration

	// FXFallbackRate is the explicit last-resort rate applied when a required
	// FX snapshot cannot be obtained. Transactions carry a visible marker
	// whenever it is used.
	FXFallbackRate decimal.Decimal
}

var Cfg *AppConfig

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	jwtSecret := getEnv("JWT_SECRET", "your-very-secure-and-long-jwt-secret-key-for-hs256-minimum-32-bytes")
	if jwtSecret == "your-very-secure-and-long-jwt-secret-key-for-hs256-minimum-32-bytes" {
		log.Println("WARNING: Using default insecure JWT_SECRET. Set JWT_SECRET environment variable for production.")
	}

	accessTokenExpiry := getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 60*time.Minute)

	fallbackRateStr := getEnv("FX_FALLBACK_RATE", "1400")
	fallbackRate, err := decimal.NewFromString(fallbackRateStr)
	if err != nil {
		log.Printf("WARNING: Invalid FX_FALLBACK_RATE '%s'. Using default 1400. Error: %v", fallbackRateStr, err)
		fallbackRate = decimal.NewFromInt(1400)
	}

	quoteRatePerSecStr := getEnv("QUOTE_RATE_PER_SEC", "10")
	quoteRatePerSec, err := strconv.ParseFloat(quoteRatePerSecStr, 64)
	if err != nil || quoteRatePerSec <= 0 {
		log.Printf("WARNING: Invalid QUOTE_RATE_PER_SEC '%s'. Using default 10.", quoteRatePerSecStr)
		quoteRatePerSec = 10
	}

	Cfg = &AppConfig{
		JWTSecret:         jwtSecret,
		Port:              getEnv("PORT", "8080"),
		DatabasePath:      getEnv("DATABASE_PATH", "./stockfolio.db"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		AccessTokenExpiry: accessTokenExpiry,

		HomeCurrency: getEnv("HOME_CURRENCY", "KRW"),

		QuoteAPIBaseURL:     getEnv("QUOTE_API_BASE_URL", "https://openapi.koreainvestment.com:9443"),
		QuoteAppKey:         getEnv("QUOTE_APP_KEY", ""),
		QuoteAppSecret:      getEnv("QUOTE_APP_SECRET", ""),
		QuoteTimeout:        getEnvAsDuration("QUOTE_TIMEOUT", 10*time.Second),
		QuoteCacheTTL:       getEnvAsDuration("QUOTE_CACHE_TTL", time.Minute),
		QuoteMaxConcurrency: getEnvAsInt("QUOTE_MAX_CONCURRENCY", 5),
		QuoteRatePerSec:     quoteRatePerSec,

		FXAPIBaseURL: getEnv("FX_API_BASE_URL", "https://oapi.koreaexim.go.kr/site/program/financial/exchangeJSON"),
		FXAPIKey:     getEnv("FX_API_KEY", ""),
		FXCacheTTL:   getEnvAsDuration("FX_CACHE_TTL", time.Hour),

		FXFallbackRate: fallbackRate,
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, HomeCurrency=%s",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.HomeCurrency)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Environment variable %s not set, using default: %s", key, fallback)
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Integer value for %s not set or empty, using default: %d", key, fallback)
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Duration value for %s not set or empty, using default: %s", key, fallback.String())
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}
