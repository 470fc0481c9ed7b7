package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port          int
	DatabaseURL   string
	NatsURL       string
	NatsToken     string
	LogLevel      string
	LLMAPIKey     string
	LLMModel      string
	LLMBaseURL    string
	SessionDBPath string
}

func Load() Config {
	return Config{
		Port:          envInt("PORT", 8780),
		DatabaseURL:   envStr("DATABASE_URL", ""),
		NatsURL:       envStr("NATS_URL", "nats://localhost:4222"),
		NatsToken:     envStr("NATS_TOKEN", ""),
		LogLevel:      envStr("LOG_LEVEL", "info"),
		LLMAPIKey:     envStr("LLM_API_KEY", ""),
		LLMModel:      envStr("LLM_MODEL", "gpt-4.1"),
		LLMBaseURL:    envStr("LLM_BASE_URL", ""),
		SessionDBPath: envStr("SESSION_DB_PATH", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
