package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	ProviderGemini   = "gemini"
	ProviderOpenAI   = "openai"
	ProviderEcho     = "echo"
	ProviderFallback = "fallback"

	StagingDisk   = "disk"
	StagingGCS    = "gcs"
	StagingMemory = "memory"
)

type Config struct {
	HTTPPort  string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite3"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"inference_gateway.db"`

	// Provider selection
	Provider      string   `env:"PROVIDER" envDefault:"gemini"`
	ProviderChain []string `env:"PROVIDER_CHAIN" envDefault:"openai,gemini" envSeparator:","`
	SystemPrompt  string   `env:"SYSTEM_PROMPT"`

	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	GeminiModel  string `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash-latest"`

	OpenAIAPIKey      string  `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string  `env:"OPENAI_BASE_URL"`
	OpenAIModel       string  `env:"OPENAI_MODEL" envDefault:"gpt-4o"`
	OpenAITemperature float32 `env:"OPENAI_TEMPERATURE" envDefault:"0.6"`
	OpenAIMaxTokens   int     `env:"OPENAI_MAX_TOKENS" envDefault:"1024"`
	ImageModel        string  `env:"IMAGE_MODEL" envDefault:"dall-e-3"`

	CircuitBreakerFailures uint32        `env:"CIRCUIT_BREAKER_FAILURES" envDefault:"3"`
	CircuitBreakerCooldown time.Duration `env:"CIRCUIT_BREAKER_COOLDOWN" envDefault:"30s"`

	// Streaming
	FirstFragmentTimeout time.Duration `env:"FIRST_FRAGMENT_TIMEOUT" envDefault:"30s"`
	StreamTimeout        time.Duration `env:"STREAM_TIMEOUT" envDefault:"5m"`
	RetryDelay           time.Duration `env:"PROVIDER_RETRY_DELAY" envDefault:"250ms"`
	SSEKeepAlive         time.Duration `env:"SSE_KEEPALIVE" envDefault:"15s"`
	HistoryLimit         int           `env:"HISTORY_LIMIT" envDefault:"50"`
	TitleGeneration      bool          `env:"TITLE_GENERATION" envDefault:"true"`

	// Attachments
	MaxAttachments      int      `env:"MAX_ATTACHMENTS" envDefault:"5"`
	MaxAttachmentBytes  int64    `env:"MAX_ATTACHMENT_BYTES" envDefault:"20971520"`
	AllowedContentTypes []string `env:"ALLOWED_CONTENT_TYPES" envSeparator:","`
	AllowedExtensions   []string `env:"ALLOWED_EXTENSIONS" envSeparator:","`
	StagingBackend      string   `env:"STAGING_BACKEND" envDefault:"disk"`
	StagingDir          string   `env:"STAGING_DIR" envDefault:"staging"`
	GCSBucket           string   `env:"GCS_BUCKET"`
	GCSCredentialsFile  string   `env:"GCS_CREDENTIALS_FILE"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"0"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"10"`
}

// DefaultContentTypes is the attachment allow-list used when ALLOWED_CONTENT_TYPES is unset.
var DefaultContentTypes = []string{
	"text/plain", "text/markdown", "text/csv", "text/html", "text/css", "text/xml",
	"application/json", "application/xml", "application/csv", "application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"image/jpeg", "image/png", "image/gif", "image/webp",
}

// DefaultExtensions is the file name allow-list used when ALLOWED_EXTENSIONS is unset.
var DefaultExtensions = []string{
	"txt", "md", "csv", "html", "css", "xml", "json", "pdf",
	"doc", "docx", "pptx", "xlsx",
	"jpeg", "jpg", "png", "gif", "webp",
}

// Load reads an optional .env file and then the process environment.
// The returned Config has already been validated.
func Load() (*Config, error) {
	// A missing .env is fine; the environment is authoritative.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = append([]string(nil), DefaultContentTypes...)
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = append([]string(nil), DefaultExtensions...)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	for i, p := range cfg.ProviderChain {
		cfg.ProviderChain[i] = strings.ToLower(strings.TrimSpace(p))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.DatabaseDriver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}

	switch c.Provider {
	case ProviderFallback:
		if len(c.ProviderChain) == 0 {
			errs = append(errs, errors.New("PROVIDER_CHAIN must list at least one provider"))
		}
		for _, p := range c.ProviderChain {
			if p == ProviderFallback {
				errs = append(errs, errors.New("PROVIDER_CHAIN cannot contain fallback"))
				continue
			}
			if err := c.checkProvider(p); err != nil {
				errs = append(errs, err)
			}
		}
	default:
		if err := c.checkProvider(c.Provider); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.StagingBackend {
	case StagingDisk, StagingMemory:
	case StagingGCS:
		if c.GCSBucket == "" {
			errs = append(errs, errors.New("GCS_BUCKET is required for the gcs staging backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STAGING_BACKEND %q", c.StagingBackend))
	}

	if c.MaxAttachments < 0 {
		errs = append(errs, errors.New("MAX_ATTACHMENTS cannot be negative"))
	}
	if c.MaxAttachmentBytes <= 0 {
		errs = append(errs, errors.New("MAX_ATTACHMENT_BYTES must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) checkProvider(name string) error {
	switch name {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY environment variable is required")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY environment variable is required")
		}
	case ProviderEcho:
	default:
		return fmt.Errorf("unknown provider %q", name)
	}
	return nil
}

// ImagesEnabled reports whether an image generation backend can be built.
func (c *Config) ImagesEnabled() bool {
	return c.OpenAIAPIKey != ""
}
