package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Config struct {
	HTTPPort        int           `env:"PORT" envDefault:"8000"`
	DatabaseURL     string        `env:"DATABASE_URL" envDefault:"chatbot.db"`
	DBMaxOpenConns  int           `env:"DB_MAX_OPEN_CONNS" envDefault:"8"`
	StaticDir       string        `env:"STATIC_DIR" envDefault:"web"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"console"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	LLMProvider string        `env:"LLM_PROVIDER" envDefault:"openai"`
	LLMAPIURL   string        `env:"LLM_API_URL" envDefault:"https://api.openai.com/v1/chat/completions"`
	LLMModel    string        `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMAPIKey   string        `env:"LLM_API_KEY"`
	LLMTimeout  time.Duration `env:"LLM_TIMEOUT" envDefault:"60s"`

	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	GeminiModel  string `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash-latest"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.LLMProvider = strings.ToLower(strings.TrimSpace(c.LLMProvider))
	switch c.LLMProvider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderOpenAI, ProviderGemini, c.LLMProvider)
	}

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.HTTPPort)
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must not be negative")
	}
	if c.DBMaxOpenConns <= 0 {
		c.DBMaxOpenConns = 1
	}
	return nil
}

// CompletionAPIKey returns the credential of the selected provider. Empty
// means the completion gateway runs offline.
func (c *Config) CompletionAPIKey() string {
	if c.LLMProvider == ProviderGemini {
		return c.GeminiAPIKey
	}
	return c.LLMAPIKey
}
