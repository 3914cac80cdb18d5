// Package scenes turns a script into numbered image prompts with a
// generative text model constrained to JSON output.
package scenes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"storyboard-studio/internal/prompt"
)

type Request struct {
	Script string
	Style  string
	Niche  string
}

type Result struct {
	Prompts []prompt.Prompt
	// RawRequest is the exact text sent to the model.
	RawRequest string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

var (
	ErrEmptyResponse     = errors.New("empty response from text model")
	ErrMalformedResponse = errors.New("text model returned malformed JSON: expected an object with a \"prompts\" string array")
)

type StopReason int

const (
	StopUnspecified StopReason = iota
	StopSafety
	StopRecitation
	StopOther
)

func (r StopReason) String() string {
	switch r {
	case StopSafety:
		return "safety"
	case StopRecitation:
		return "recitation"
	case StopOther:
		return "other"
	default:
		return "unspecified"
	}
}

// EmptyResponseError carries the provider stop indicator behind an empty answer.
type EmptyResponseError struct {
	Reason StopReason
	// Raw is the provider's own finish/block reason, when it gave one.
	Raw string
}

func (e *EmptyResponseError) Error() string {
	switch e.Reason {
	case StopSafety:
		return "the model returned no prompts because the script was blocked by safety filters; rephrase sensitive passages and try again"
	case StopRecitation:
		return "the model returned no prompts because the output recited protected material; paraphrase the script and try again"
	case StopOther:
		return fmt.Sprintf("the model stopped before returning prompts (%s); try again or shorten the script", e.Raw)
	default:
		return "the model returned an empty response; try again"
	}
}

func (e *EmptyResponseError) Is(target error) bool {
	return target == ErrEmptyResponse
}

// classifyStop maps a provider finish/block reason onto StopReason.
func classifyStop(raw string) StopReason {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "STOP", "FINISH_REASON_UNSPECIFIED", "BLOCKED_REASON_UNSPECIFIED":
		return StopUnspecified
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII", "IMAGE_SAFETY", "CONTENT_FILTER":
		return StopSafety
	case "RECITATION":
		return StopRecitation
	default:
		return StopOther
	}
}

func emptyResponse(raw string) error {
	return &EmptyResponseError{Reason: classifyStop(raw), Raw: raw}
}

const systemPrompt = `You are a storyboard artist who converts scripts into prompts for an image generation model.
Split the script into its distinct visual scenes, in order.
For every scene write one prompt made of several lines, one element per line:
Scene: what happens, who is present
Setting: place, time of day, weather
Composition: shot type, camera angle, framing
Lighting: light sources and quality
Mood: emotional tone
Style: rendering style, always honouring the requested style keywords
Never put readable text, captions or speech bubbles in the images.
Respond with JSON only: {"prompts": ["<prompt 1>", "<prompt 2>", ...]}.`

// BuildRequest renders the user message sent alongside systemPrompt.
func BuildRequest(req Request) string {
	var b strings.Builder
	if niche := strings.TrimSpace(req.Niche); niche != "" {
		fmt.Fprintf(&b, "Channel niche: %s\n", niche)
	}
	if style := strings.TrimSpace(req.Style); style != "" {
		fmt.Fprintf(&b, "Style keywords: %s\n", style)
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString("Script:\n")
	b.WriteString(strings.TrimSpace(req.Script))
	return b.String()
}

type promptsEnvelope struct {
	Prompts *[]string `json:"prompts"`
}

// decodePrompts parses the model's JSON answer. A missing or mistyped
// "prompts" field is malformed; an empty body is reported by the caller.
func decodePrompts(raw string) ([]prompt.Prompt, error) {
	raw = stripCodeFence(raw)

	var env promptsEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if env.Prompts == nil {
		return nil, ErrMalformedResponse
	}

	texts := make([]string, 0, len(*env.Prompts))
	for _, t := range *env.Prompts {
		texts = append(texts, strings.TrimSpace(t))
	}
	return prompt.FromTexts(texts), nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
