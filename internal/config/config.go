package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL        string
	ListenAddr         string
	PollInterval       int // seconds
	MaxRetries         int
	ShutdownTimeout    int // seconds
	FetchConcurrency   int
	GoogleClientID     string
	GoogleClientSecret string
	JWTSecret          string
	RedisAddr          string
	RedisDB            int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	googleClientID := os.Getenv("GOOGLE_CLIENT_ID")
	googleClientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if googleClientID == "" || googleClientSecret == "" {
		fmt.Println("Warning: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, Gmail API will not work")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		fmt.Println("Warning: JWT_SECRET not set, API authentication will reject all requests")
	}

	return &Config{
		DatabaseURL:        dbURL,
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		PollInterval:       envIntOr("POLL_INTERVAL", 10), // poll every 10 seconds
		MaxRetries:         envIntOr("MAX_RETRIES", 3),
		ShutdownTimeout:    30,
		FetchConcurrency:   envIntOr("FETCH_CONCURRENCY", 5),
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		JWTSecret:          jwtSecret,
		RedisAddr:          envOr("REDIS_ADDR", "localhost:6379"),
		RedisDB:            envIntOr("REDIS_DB", 0),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
