package scenes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const DefaultOpenAIModel = "gpt-4o-mini"

type promptList struct {
	Prompts []string `json:"prompts" jsonschema_description:"One multi-line image prompt per scene, in script order. One element per line: Scene, Setting, Composition, Lighting, Mood, Style."`
}

var promptListSchema = generateSchema[promptList]()

func generateSchema[T any]() any {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string
	// RequestOptions are appended to the client options, e.g. a custom HTTP client.
	RequestOptions []option.RequestOption
	Logger         *slog.Logger
}

type OpenAI struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

func NewOpenAI(opts OpenAIOptions) *OpenAI {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	reqOpts = append(reqOpts, opts.RequestOptions...)

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultOpenAIModel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &OpenAI{
		client: openai.NewClient(reqOpts...),
		model:  model,
		logger: logger,
	}
}

func (o *OpenAI) Synthesize(ctx context.Context, req Request) (Result, error) {
	raw := BuildRequest(req)
	res := Result{RawRequest: raw}

	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(raw),
		},
		Model: openai.ChatModel(o.model),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "scene_prompts",
					Description: openai.String("Image prompts, one per scene"),
					Schema:      promptListSchema,
					Strict:      openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return res, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return res, emptyResponse("")
	}

	choice := completion.Choices[0]
	if strings.TrimSpace(choice.Message.Refusal) != "" {
		o.logger.Warn("openai refused prompt synthesis", "refusal", choice.Message.Refusal)
		return res, emptyResponse("content_filter")
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		stop := string(choice.FinishReason)
		if stop == "stop" {
			stop = ""
		}
		return res, emptyResponse(stop)
	}

	prompts, err := decodePrompts(choice.Message.Content)
	if err != nil {
		return res, err
	}
	res.Prompts = prompts
	o.logger.Info("prompts synthesized", "model", o.model, "count", len(prompts))
	return res, nil
}
