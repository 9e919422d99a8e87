package services

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/genai"
)

func TestClassifyGenaiError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"429", genai.APIError{Code: 429, Message: "slow down"}, CodeRateLimited},
		{"resource exhausted status", genai.APIError{Code: 400, Status: "RESOURCE_EXHAUSTED"}, CodeRateLimited},
		{"wrapped", fmt.Errorf("generate: %w", genai.APIError{Code: 429}), CodeRateLimited},
		{"bad request", genai.APIError{Code: 400, Message: "invalid aspect ratio"}, CodeHTTPError},
		{"transport failure", errors.New("dial tcp: connection refused"), CodeHTTPError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CodeOf(classifyGenaiError(tt.err))
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestGeminiTransportDefaults(t *testing.T) {
	tr := NewGeminiTransport("key", "")
	if tr.model != defaultGeminiVideoModel {
		t.Errorf("expected default model, got %s", tr.model)
	}
	if tr.NeedsCredentials() {
		t.Error("gemini transport authenticates with its API key")
	}
}

func TestModelFromOperation(t *testing.T) {
	if got := modelFromOperation("projects/p/locations/l/publishers/google/models/veo-x/operations/1"); got != "veo-x" {
		t.Errorf("expected veo-x, got %q", got)
	}
	if got := modelFromOperation("operations/1"); got != "" {
		t.Errorf("expected empty model, got %q", got)
	}
}

func TestGeminiTransportWithoutKeyLeavesClientUnconfigured(t *testing.T) {
	client := NewRenderClient(NewGeminiTransport("", ""), nil, nil, nil, ClientConfig{})
	if client.Configured() {
		t.Error("expected client without API key to be unconfigured")
	}

	_, err := NewGeminiTransport("", "").genaiClient()
	if !IsConfigError(err) {
		t.Errorf("expected config error, got %v", err)
	}
}
