package openaiimage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"storyboard-studio/internal/imagegen"
)

const DefaultModel = "gpt-image-1"

type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	// RequestOptions are appended after the defaults.
	RequestOptions []option.RequestOption
	Logger         *slog.Logger
}

// Client is the secondary image provider backed by the OpenAI Images API.
type Client struct {
	client     openai.Client
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	reqOpts = append(reqOpts, opts.RequestOptions...)

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		client:     openai.NewClient(reqOpts...),
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (c *Client) Name() string { return "OpenAI" }

func (c *Client) Generate(ctx context.Context, prompt string, ratio imagegen.AspectRatio) (imagegen.Image, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return imagegen.Image{}, errors.New("prompt is empty")
	}

	params := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(c.model),
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize(SizeFor(c.model, ratio)),
	}
	if isDallE(c.model) {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormat("b64_json")
	}

	resp, err := c.client.Images.Generate(ctx, params)
	if err != nil {
		return imagegen.Image{}, fmt.Errorf("openai images: %w", err)
	}
	if resp == nil || len(resp.Data) == 0 {
		return imagegen.Image{}, errors.New("openai returned no image")
	}

	img := resp.Data[0]
	var data []byte
	switch {
	case img.B64JSON != "":
		data, err = base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return imagegen.Image{}, fmt.Errorf("decode image: %w", err)
		}
	case img.URL != "":
		data, err = c.download(ctx, img.URL)
		if err != nil {
			return imagegen.Image{}, err
		}
	default:
		return imagegen.Image{}, errors.New("openai returned an empty image entry")
	}

	c.logger.Debug("openai image generated", "model", c.model, "ratio", ratio, "bytes", len(data))
	return imagegen.Image{Data: data, MimeType: http.DetectContentType(data)}, nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("download image %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}

// SizeFor maps an aspect ratio onto the nearest size the model accepts.
func SizeFor(model string, ratio imagegen.AspectRatio) string {
	landscape, portrait := "1536x1024", "1024x1536"
	if isDallE(model) {
		landscape, portrait = "1792x1024", "1024x1792"
	}

	switch ratio {
	case imagegen.AspectWide, imagegen.AspectLandscape:
		return landscape
	case imagegen.AspectTall, imagegen.AspectPortrait:
		return portrait
	default:
		return "1024x1024"
	}
}

func isDallE(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "dall-e")
}
