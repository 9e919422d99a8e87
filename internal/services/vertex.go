package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/reelworks/internal/models"
)

// ---------------------------------------------------------------------------
// Vertex AI Veo transport
// predictLongRunning starts a generation and answers with an operation name;
// fetchPredictOperation polls it. Both calls need a bearer token and project.
// ---------------------------------------------------------------------------

const (
	defaultVertexLocation = "us-central1"
	defaultVertexModel    = "veo-3.0-generate-001"
	controlPlaneTimeout   = 60 * time.Second
)

// CallAuth is what a transport needs to authenticate one dispatch.
type CallAuth struct {
	Token     string
	ProjectID string
}

// Transport executes the two provider calls and returns the raw payload.
// Throttling must be reported as a rate_limited RenderError and any other
// non-success answer as http_error.
type Transport interface {
	Name() string
	NeedsCredentials() bool
	Predict(ctx context.Context, auth CallAuth, req models.PredictRequest) ([]byte, error)
	FetchOperation(ctx context.Context, auth CallAuth, operationName string) ([]byte, error)
}

type VertexTransport struct {
	baseURL    string
	location   string
	model      string
	httpClient *http.Client
}

var _ Transport = (*VertexTransport)(nil)

// NewVertexTransport creates the Vertex AI transport. An empty baseURL targets
// the regional aiplatform endpoint for location.
func NewVertexTransport(location, baseURL, model string) *VertexTransport {
	if location == "" {
		location = defaultVertexLocation
	}
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com", location)
	}
	if model == "" {
		model = defaultVertexModel
	}
	return &VertexTransport{
		baseURL:  strings.TrimRight(baseURL, "/"),
		location: location,
		model:    model,
		httpClient: &http.Client{
			Timeout: controlPlaneTimeout,
		},
	}
}

func (v *VertexTransport) Name() string { return "vertex" }

func (v *VertexTransport) NeedsCredentials() bool { return true }

type vertexPredictRequest struct {
	Instances  []vertexInstance `json:"instances"`
	Parameters vertexParameters `json:"parameters"`
}

type vertexInstance struct {
	Prompt string `json:"prompt"`
}

type vertexParameters struct {
	AspectRatio     string `json:"aspectRatio,omitempty"`
	Resolution      string `json:"resolution,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	SampleCount     int    `json:"sampleCount,omitempty"`
}

func (v *VertexTransport) Predict(ctx context.Context, auth CallAuth, req models.PredictRequest) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = v.model
	}
	body := vertexPredictRequest{
		Instances: []vertexInstance{{Prompt: req.Prompt}},
		Parameters: vertexParameters{
			AspectRatio:     req.AspectRatio,
			Resolution:      req.Resolution,
			DurationSeconds: req.DurationSeconds,
			SampleCount:     req.SampleCount,
		},
	}
	return v.post(ctx, auth, v.modelURL(auth.ProjectID, model, "predictLongRunning"), body)
}

func (v *VertexTransport) FetchOperation(ctx context.Context, auth CallAuth, operationName string) ([]byte, error) {
	model := modelFromOperation(operationName)
	if model == "" {
		model = v.model
	}
	body := map[string]string{"operationName": operationName}
	return v.post(ctx, auth, v.modelURL(auth.ProjectID, model, "fetchPredictOperation"), body)
}

func (v *VertexTransport) modelURL(projectID, model, verb string) string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		v.baseURL, projectID, v.location, model, verb)
}

func (v *VertexTransport) post(ctx context.Context, auth CallAuth, url string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+auth.Token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, &RenderError{Code: CodeHTTPError, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RenderError{Code: CodeHTTPError, Status: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	return classifyResponse(resp.StatusCode, respBody)
}

// classifyResponse maps a provider answer onto the error taxonomy.
func classifyResponse(status int, body []byte) ([]byte, error) {
	if status >= 200 && status < 300 {
		return body, nil
	}
	if status == http.StatusTooManyRequests || bytes.Contains(body, []byte("RESOURCE_EXHAUSTED")) {
		return nil, rateLimitedError(status, body)
	}
	return nil, httpError(status, body)
}

// modelFromOperation extracts MODEL from
// projects/P/locations/L/publishers/google/models/MODEL/operations/ID.
func modelFromOperation(name string) string {
	parts := strings.Split(name, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "models" {
			return parts[i+1]
		}
	}
	return ""
}
