package imagegen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"
)

var ErrNoPrimary = errors.New("no primary image provider configured")

type Options struct {
	Primary   Provider
	Secondary Provider
	// Limiter paces every provider call. Nil disables pacing.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// Synthesizer generates one image per call, falling back to the secondary
// provider only when the primary refuses the prompt on safety grounds.
type Synthesizer struct {
	primary   Provider
	secondary Provider
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func New(opts Options) (*Synthesizer, error) {
	if opts.Primary == nil {
		return nil, ErrNoPrimary
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Synthesizer{
		primary:   opts.Primary,
		secondary: opts.Secondary,
		limiter:   opts.Limiter,
		logger:    logger,
	}, nil
}

func (s *Synthesizer) HasSecondary() bool {
	return s.secondary != nil
}

func (s *Synthesizer) Synthesize(ctx context.Context, prompt string, ratio AspectRatio) (Image, Engine, error) {
	img, err := s.generate(ctx, s.primary, prompt, ratio)
	if err == nil {
		return img, EnginePrimary, nil
	}

	if s.secondary == nil || ClassifyFailure(err.Error()) != FailureSafetyBlocked {
		return Image{}, EngineNone, err
	}

	s.logger.Warn("primary provider blocked prompt, trying secondary",
		"primary", s.primary.Name(),
		"secondary", s.secondary.Name(),
		"err", err,
	)

	img, secErr := s.generate(ctx, s.secondary, prompt, ratio)
	if secErr != nil {
		return Image{}, EngineNone, &FallbackError{
			Primary:      s.primary.Name(),
			Secondary:    s.secondary.Name(),
			PrimaryErr:   err,
			SecondaryErr: secErr,
		}
	}
	return img, EngineSecondary, nil
}

func (s *Synthesizer) generate(ctx context.Context, p Provider, prompt string, ratio AspectRatio) (Image, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Image{}, err
		}
	}

	img, err := p.Generate(ctx, prompt, ratio)
	if err != nil {
		return Image{}, err
	}
	if len(img.Data) == 0 {
		return Image{}, fmt.Errorf("%s returned no image data", p.Name())
	}
	if strings.TrimSpace(img.MimeType) == "" {
		img.MimeType = "image/png"
	}
	return img, nil
}

// FallbackError is returned when both providers failed for one prompt.
type FallbackError struct {
	Primary      string
	Secondary    string
	PrimaryErr   error
	SecondaryErr error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("%s blocked the prompt on safety grounds. %s also failed: %v", e.Primary, e.Secondary, e.SecondaryErr)
}

func (e *FallbackError) Unwrap() []error {
	return []error{e.PrimaryErr, e.SecondaryErr}
}
