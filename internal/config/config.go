package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	TelegramToken string
	GeminiAPIKey  string
	OpenAIAPIKey  string

	LogLevel string
	Debug    bool

	PreferIPv4 bool
	WebAddr    string

	RequestTimeout time.Duration
	HTTPTimeout    time.Duration

	GeminiBaseURL    string
	GeminiAPIVersion string
	GeminiImageModel string
	GeminiStyleModel string
	GeminiTextModel  string

	// TextProvider selects the prompt synthesizer: "gemini" or "openai".
	TextProvider     string
	OpenAIBaseURL    string
	OpenAIImageModel string
	OpenAITextModel  string

	ImageRateInterval time.Duration
	ImageRateBurst    int
	StyleCacheSize    int
	WorkspaceTTL      time.Duration

	// Bot only.
	MaxConcurrent   int
	MessageDebounce time.Duration
	SessionIdle     time.Duration

	Archive ArchiveConfig
}

type ArchiveConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Enabled reports whether S3 upload of archives is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

func Load() (Config, error) {
	cfg := Config{
		LogLevel:          strings.ToLower(strings.TrimSpace(getEnv("LOG_LEVEL", "info"))),
		Debug:             getEnvBool("DEBUG", false),
		PreferIPv4:        getEnvBool("PREFER_IPV4", true),
		WebAddr:           getEnv("WEB_ADDR", ":8080"),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT_SECONDS", 600, time.Second),
		HTTPTimeout:       getEnvDuration("HTTP_TIMEOUT_SECONDS", 180, time.Second),
		GeminiBaseURL:     getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GeminiAPIVersion:  getEnv("GEMINI_API_VERSION", "v1beta"),
		GeminiImageModel:  getEnv("GEMINI_IMAGE_MODEL", ""),
		GeminiStyleModel:  getEnv("GEMINI_STYLE_MODEL", ""),
		GeminiTextModel:   getEnv("GEMINI_TEXT_MODEL", ""),
		TextProvider:      strings.ToLower(getEnv("TEXT_PROVIDER", "gemini")),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", ""),
		OpenAIImageModel:  getEnv("OPENAI_IMAGE_MODEL", ""),
		OpenAITextModel:   getEnv("OPENAI_TEXT_MODEL", ""),
		ImageRateInterval: getEnvDuration("IMAGE_RATE_INTERVAL_MS", 0, time.Millisecond),
		ImageRateBurst:    getEnvInt("IMAGE_RATE_BURST", 1),
		StyleCacheSize:    getEnvInt("STYLE_CACHE_SIZE", 128),
		WorkspaceTTL:      getEnvDuration("WORKSPACE_TTL_MINUTES", 120, time.Minute),
		MaxConcurrent:     getEnvInt("MAX_CONCURRENT", 4),
		MessageDebounce:   getEnvDuration("MESSAGE_DEBOUNCE_MS", 1200, time.Millisecond),
		SessionIdle:       getEnvDuration("SESSION_IDLE_MINUTES", 720, time.Minute),
		Archive: ArchiveConfig{
			Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
			Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
			AccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
			SecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
			Region:    getEnv("ARCHIVE_S3_REGION", ""),
			UseSSL:    getEnvBool("ARCHIVE_S3_USE_SSL", true),
		},
	}

	cfg.TelegramToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	cfg.GeminiAPIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	cfg.OpenAIAPIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))

	switch {
	case cfg.GeminiAPIKey == "":
		return Config{}, errors.New("GEMINI_API_KEY is required")
	case cfg.TextProvider != "gemini" && cfg.TextProvider != "openai":
		return Config{}, errors.New("TEXT_PROVIDER must be gemini or openai")
	case cfg.TextProvider == "openai" && cfg.OpenAIAPIKey == "":
		return Config{}, errors.New("OPENAI_API_KEY is required when TEXT_PROVIDER=openai")
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 600 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 180 * time.Second
	}
	if cfg.ImageRateInterval < 0 {
		cfg.ImageRateInterval = 0
	}
	if cfg.ImageRateBurst < 1 {
		cfg.ImageRateBurst = 1
	}
	if cfg.StyleCacheSize < 1 {
		cfg.StyleCacheSize = 1
	}
	if cfg.WorkspaceTTL <= 0 {
		cfg.WorkspaceTTL = 2 * time.Hour
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MessageDebounce <= 0 {
		cfg.MessageDebounce = 1200 * time.Millisecond
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = 12 * time.Hour
	}

	return cfg, nil
}

// RequireTelegram checks the settings only the bot needs.
func (c Config) RequireTelegram() error {
	if c.TelegramToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback int, unit time.Duration) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * unit
}
