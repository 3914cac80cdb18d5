// Package app wires configuration into the providers and pipeline shared by
// the web server and the bot.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/time/rate"

	"storyboard-studio/internal/archive"
	"storyboard-studio/internal/config"
	"storyboard-studio/internal/gemini"
	"storyboard-studio/internal/httpclient"
	"storyboard-studio/internal/imagegen"
	"storyboard-studio/internal/openaiimage"
	"storyboard-studio/internal/pipeline"
	"storyboard-studio/internal/scenes"
	"storyboard-studio/internal/style"
)

const userAgent = "storyboard-studio/1.0"

type App struct {
	Config     config.Config
	Logger     *slog.Logger
	HTTPClient *http.Client

	Gemini *gemini.Client
	Images *imagegen.Synthesizer
	Style  *style.Resolver
	Scenes scenes.Synthesizer
	// Archive is nil unless ARCHIVE_S3_* is configured.
	Archive *archive.S3Store
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	httpClient := httpclient.New(httpclient.Options{
		PreferIPv4: cfg.PreferIPv4,
		Timeout:    cfg.HTTPTimeout,
		UserAgent:  userAgent,
	})

	gem := gemini.New(gemini.Options{
		APIKey:     cfg.GeminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		APIVersion: cfg.GeminiAPIVersion,
		ImageModel: cfg.GeminiImageModel,
		StyleModel: cfg.GeminiStyleModel,
		HTTPClient: httpClient,
		Logger:     logger,
	})

	var secondary imagegen.Provider
	if cfg.OpenAIAPIKey != "" {
		secondary = openaiimage.New(openaiimage.Options{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIImageModel,
			HTTPClient: httpClient,
			Logger:     logger,
		})
	}

	var limiter *rate.Limiter
	if cfg.ImageRateInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.ImageRateInterval), cfg.ImageRateBurst)
	}

	images, err := imagegen.New(imagegen.Options{
		Primary:   gem,
		Secondary: secondary,
		Limiter:   limiter,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	resolver, err := style.NewResolver(style.Options{
		Analyzer:  gem,
		CacheSize: cfg.StyleCacheSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	var synth scenes.Synthesizer
	switch cfg.TextProvider {
	case "openai":
		synth = scenes.NewOpenAI(scenes.OpenAIOptions{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAITextModel,
			Logger:  logger,
		})
	default:
		synth, err = scenes.NewGemini(ctx, scenes.GeminiOptions{
			APIKey:     cfg.GeminiAPIKey,
			Model:      cfg.GeminiTextModel,
			HTTPClient: httpClient,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
	}

	a := &App{
		Config:     cfg,
		Logger:     logger,
		HTTPClient: httpClient,
		Gemini:     gem,
		Images:     images,
		Style:      resolver,
		Scenes:     synth,
	}

	if cfg.Archive.Enabled() {
		store, err := archive.NewS3Store(archive.S3Config{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("archive store: %w", err)
		}
		a.Archive = store
	}

	logger.Info("providers ready",
		"text_provider", cfg.TextProvider,
		"secondary_image", images.HasSecondary(),
		"rate_limited", limiter != nil,
		"archive_upload", a.Archive != nil,
	)
	return a, nil
}

// NewOrchestrator builds an orchestrator over the shared providers.
func (a *App) NewOrchestrator() *pipeline.Orchestrator {
	return pipeline.NewOrchestrator(pipeline.Options{
		Style:   a.Style,
		Prompts: a.Scenes,
		Images:  a.Images,
		Logger:  a.Logger,
	})
}

func NewLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}
