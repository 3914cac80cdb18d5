package imagegen

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type AspectRatio string

const (
	AspectSquare    AspectRatio = "1:1"
	AspectWide      AspectRatio = "16:9"
	AspectTall      AspectRatio = "9:16"
	AspectLandscape AspectRatio = "4:3"
	AspectPortrait  AspectRatio = "3:4"
)

const DefaultAspectRatio = AspectSquare

var ErrInvalidAspectRatio = errors.New("unsupported aspect ratio")

func AspectRatios() []AspectRatio {
	return []AspectRatio{AspectSquare, AspectWide, AspectTall, AspectLandscape, AspectPortrait}
}

// ParseAspectRatio accepts one of the supported ratios; empty means 1:1.
func ParseAspectRatio(value string) (AspectRatio, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultAspectRatio, nil
	}
	for _, r := range AspectRatios() {
		if string(r) == value {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAspectRatio, value)
}

type Image struct {
	Data     []byte
	MimeType string
}

type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string, ratio AspectRatio) (Image, error)
}

// Engine records which provider produced a result.
type Engine int

const (
	EngineNone Engine = iota
	EnginePrimary
	EngineSecondary
)

func (e Engine) String() string {
	switch e {
	case EnginePrimary:
		return "primary"
	case EngineSecondary:
		return "secondary"
	default:
		return ""
	}
}

func (e Engine) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Engine) UnmarshalText(text []byte) error {
	switch string(text) {
	case "":
		*e = EngineNone
	case "primary":
		*e = EnginePrimary
	case "secondary":
		*e = EngineSecondary
	default:
		return fmt.Errorf("unknown engine %q", text)
	}
	return nil
}
