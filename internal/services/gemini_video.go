package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"google.golang.org/genai"

	"github.com/bobarin/reelworks/internal/models"
)

// ---------------------------------------------------------------------------
// Gemini API Veo transport
// Uses the Google Gen AI SDK with an API key. The SDK operation is marshalled
// back to JSON so it goes through the same normalization as the REST
// transport. Finished videos are downloaded through the Files API because
// their URIs need the API key.
// ---------------------------------------------------------------------------

const defaultGeminiVideoModel = "veo-3.1-generate-preview"

type GeminiTransport struct {
	apiKey string
	model  string

	once      sync.Once
	client    *genai.Client
	clientErr error
}

var _ Transport = (*GeminiTransport)(nil)

// NewGeminiTransport creates the Gemini API transport.
// model: empty string defaults to veo-3.1-generate-preview
func NewGeminiTransport(apiKey, model string) *GeminiTransport {
	if model == "" {
		model = defaultGeminiVideoModel
	}
	return &GeminiTransport{
		apiKey: apiKey,
		model:  model,
	}
}

func (g *GeminiTransport) Name() string { return "gemini" }

func (g *GeminiTransport) NeedsCredentials() bool { return false }

// Ready reports whether an API key is set.
func (g *GeminiTransport) Ready() bool { return g.apiKey != "" }

func (g *GeminiTransport) genaiClient() (*genai.Client, error) {
	if g.apiKey == "" {
		return nil, newRenderError(CodeMissingToken, "gemini API key is not set")
	}
	g.once.Do(func() {
		g.client, g.clientErr = genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	if g.clientErr != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", g.clientErr)
	}
	return g.client, nil
}

func (g *GeminiTransport) Predict(ctx context.Context, _ CallAuth, req models.PredictRequest) ([]byte, error) {
	client, err := g.genaiClient()
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = g.model
	}

	sampleCount := req.SampleCount
	if sampleCount <= 0 {
		sampleCount = 1
	}
	config := &genai.GenerateVideosConfig{
		AspectRatio:    req.AspectRatio,
		Resolution:     req.Resolution,
		NumberOfVideos: int32(sampleCount),
	}
	if req.DurationSeconds > 0 {
		d := int32(req.DurationSeconds)
		config.DurationSeconds = &d
	}

	operation, err := client.Models.GenerateVideos(ctx, model, req.Prompt, nil, config)
	if err != nil {
		return nil, classifyGenaiError(err)
	}

	return json.Marshal(operation)
}

func (g *GeminiTransport) FetchOperation(ctx context.Context, _ CallAuth, operationName string) ([]byte, error) {
	client, err := g.genaiClient()
	if err != nil {
		return nil, err
	}

	operation, err := client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: operationName}, nil)
	if err != nil {
		return nil, classifyGenaiError(err)
	}

	if operation.Done && operation.Response != nil && len(operation.Response.GeneratedVideos) > 0 {
		video := operation.Response.GeneratedVideos[0].Video
		if video != nil && len(video.VideoBytes) == 0 && video.URI != "" {
			data, err := client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video), nil)
			if err != nil {
				return nil, classifyGenaiError(err)
			}
			video.VideoBytes = data
			video.URI = ""
		}
	}

	return json.Marshal(operation)
}

// classifyGenaiError maps SDK errors onto the error taxonomy.
func classifyGenaiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return classifyAPIError(*apiErrPtr, err)
	}
	return &RenderError{Code: CodeHTTPError, Message: "genai request failed", Err: err}
}

func classifyAPIError(apiErr genai.APIError, cause error) error {
	if apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED" {
		re := rateLimitedError(apiErr.Code, []byte(apiErr.Message))
		re.Err = cause
		return re
	}
	re := httpError(apiErr.Code, []byte(apiErr.Message))
	re.Err = cause
	return re
}
