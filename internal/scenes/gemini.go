package scenes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	genai "google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type GeminiOptions struct {
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Gemini synthesizes prompts through the official genai client with a
// response schema of {"prompts": string[]}.
type Gemini struct {
	models contentGenerator
	model  string
	logger *slog.Logger
}

func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return newGemini(cli.Models, opts.Model, opts.Logger), nil
}

func newGemini(models contentGenerator, model string, logger *slog.Logger) *Gemini {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultGeminiModel
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gemini{models: models, model: model, logger: logger}
}

var promptsSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"prompts": {
			Type:        genai.TypeArray,
			Description: "One multi-line image prompt per scene, in script order.",
			Items:       &genai.Schema{Type: genai.TypeString},
		},
	},
	Required: []string{"prompts"},
}

func (g *Gemini) Synthesize(ctx context.Context, req Request) (Result, error) {
	raw := BuildRequest(req)
	res := Result{RawRequest: raw}

	resp, err := g.models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: raw}}}},
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
			Temperature:       genai.Ptr[float32](0.8),
			ResponseMIMEType:  "application/json",
			ResponseSchema:    promptsSchema,
		},
	)
	if err != nil {
		return res, fmt.Errorf("gemini generate: %w", err)
	}

	text, stop := responseText(resp)
	if strings.TrimSpace(text) == "" {
		g.logger.Warn("gemini returned empty prompt list", "model", g.model, "stop", stop)
		return res, emptyResponse(stop)
	}

	prompts, err := decodePrompts(text)
	if err != nil {
		return res, err
	}
	res.Prompts = prompts
	g.logger.Info("prompts synthesized", "model", g.model, "count", len(prompts))
	return res, nil
}

// responseText joins the first candidate's non-thought text parts and
// returns the stop indicator that explains an empty answer.
func responseText(resp *genai.GenerateContentResponse) (string, string) {
	if resp == nil {
		return "", ""
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", string(resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", ""
	}

	cand := resp.Candidates[0]
	var b strings.Builder
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if p == nil || p.Thought {
				continue
			}
			b.WriteString(p.Text)
		}
	}
	return b.String(), string(cand.FinishReason)
}
