package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"storyboard-studio/internal/imagegen"
)

const (
	DefaultImageModel = "gemini-2.5-flash-image"
	DefaultStyleModel = "gemini-2.5-flash"
)

const styleInstruction = `You are an art director. Study the reference image and describe its visual style only:
medium, rendering technique, color palette, lighting, mood, composition habits.
Answer with a single line of 5 to 12 comma-separated keywords. Do not describe the subject matter.`

type Options struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	ImageModel string
	StyleModel string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the Gemini generateContent REST endpoint. It serves as the
// primary image provider and as the reference-image style analyzer.
type Client struct {
	apiKey     string
	baseURL    string
	apiVersion string
	imageModel string
	styleModel string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "v1beta"
	}

	imageModel := strings.TrimSpace(opts.ImageModel)
	if imageModel == "" {
		imageModel = DefaultImageModel
	}
	styleModel := strings.TrimSpace(opts.StyleModel)
	if styleModel == "" {
		styleModel = DefaultStyleModel
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		apiVersion: apiVersion,
		imageModel: imageModel,
		styleModel: styleModel,
		httpClient: opts.HTTPClient,
		logger:     logger,
	}
}

func (c *Client) Name() string { return "Gemini" }

// Generate implements imagegen.Provider.
func (c *Client) Generate(ctx context.Context, prompt string, ratio imagegen.AspectRatio) (imagegen.Image, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return imagegen.Image{}, errors.New("prompt is empty")
	}

	req := generateContentRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: prompt}}},
		},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"IMAGE"},
			ImageConfig:        &imageConfig{AspectRatio: string(ratio)},
		},
	}

	resp, err := c.generateContent(ctx, c.imageModel, req)
	if err != nil && isUnknownFieldError(err, "imageConfig") {
		c.logger.Warn("imageConfig rejected, retrying without aspect ratio", "model", c.imageModel)
		req.GenerationConfig.ImageConfig = nil
		resp, err = c.generateContent(ctx, c.imageModel, req)
	}
	if err != nil {
		return imagegen.Image{}, err
	}

	if len(resp.Images) == 0 {
		return imagegen.Image{}, noImageError(resp)
	}
	return resp.Images[0], nil
}

// AnalyzeStyle implements style.Analyzer.
func (c *Client) AnalyzeStyle(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", errors.New("reference image is empty")
	}

	req := generateContentRequest{
		Contents: []content{
			{Role: "user", Parts: []part{
				{Text: "Describe the visual style of this image as keywords."},
				{InlineData: &blob{
					Data:     base64.StdEncoding.EncodeToString(image),
					MimeType: mimeType,
				}},
			}},
		},
		SystemInstruction: &content{Role: "user", Parts: []part{{Text: styleInstruction}}},
		GenerationConfig: generationConfig{
			Temperature:        0.4,
			ResponseModalities: []string{"TEXT"},
		},
	}

	resp, err := c.generateContent(ctx, c.styleModel, req)
	if err != nil {
		return "", err
	}

	text := strings.Join(strings.Fields(resp.Text), " ")
	text = strings.Trim(text, " .")
	if text == "" {
		return "", fmt.Errorf("style analysis returned no text%s", reasonSuffix(resp))
	}
	return text, nil
}

type response struct {
	Text         string
	Images       []imagegen.Image
	FinishReason string
	BlockReason  string
}

func (c *Client) generateContent(ctx context.Context, model string, payload generateContentRequest) (response, error) {
	if c.httpClient == nil {
		return response{}, errors.New("http client is nil")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return response{}, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/models/%s:generateContent", c.baseURL, c.apiVersion, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return response{}, fmt.Errorf("request: %w", err)
	}
	defer httpResp.Body.Close()

	rawBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return response{}, &APIError{
			StatusCode: httpResp.StatusCode,
			Status:     httpResp.Status,
			Body:       strings.TrimSpace(string(rawBody)),
		}
	}

	var decoded generateContentResponse
	if err := json.Unmarshal(rawBody, &decoded); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}

	out := extractParts(decoded)
	c.logger.Debug("gemini response",
		"model", model,
		"images", len(out.Images),
		"finish_reason", out.FinishReason,
		"block_reason", out.BlockReason,
	)
	return out, nil
}

func extractParts(resp generateContentResponse) response {
	var out response
	if resp.PromptFeedback != nil {
		out.BlockReason = resp.PromptFeedback.BlockReason
	}
	if len(resp.Candidates) == 0 {
		return out
	}

	cand := resp.Candidates[0]
	out.FinishReason = cand.FinishReason

	var textBuilder strings.Builder
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			textBuilder.WriteString(p.Text)
		}
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			continue
		}
		out.Images = append(out.Images, imagegen.Image{Data: data, MimeType: p.InlineData.MimeType})
	}
	out.Text = textBuilder.String()
	return out
}

// APIError is a non-2xx answer from the Gemini REST API.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini API %s: %s", e.Status, e.Body)
}

func (e *APIError) HTTPStatus() int { return e.StatusCode }

func noImageError(resp response) error {
	msg := "gemini returned no image" + reasonSuffix(resp)
	if text := strings.TrimSpace(resp.Text); text != "" {
		msg += ": " + text
	}
	return errors.New(msg)
}

func reasonSuffix(resp response) string {
	switch {
	case resp.BlockReason != "":
		return fmt.Sprintf(" (block reason %s)", resp.BlockReason)
	case resp.FinishReason != "" && resp.FinishReason != "STOP":
		return fmt.Sprintf(" (finish reason %s)", resp.FinishReason)
	default:
		return ""
	}
}

func isUnknownFieldError(err error, field string) bool {
	message := err.Error()
	return strings.Contains(message, "Unknown name") && strings.Contains(message, field)
}
