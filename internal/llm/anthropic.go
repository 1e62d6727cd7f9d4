package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sommelier/internal/logging"
	"sommelier/internal/service"
)

// AnthropicProvider identifies wines through the Anthropic messages API.
// Used as the escalation target: slower and costlier than Gemini, but more
// reliable on hard labels.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewAnthropicProvider creates an Anthropic-backed provider.
func NewAnthropicProvider(apiKey, model string, timeout time.Duration) *AnthropicProvider {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// anthropicRequest represents the Anthropic API request.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string                 `json:"role"`
	Content []anthropicContentPart `json:"content"`
}

type anthropicContentPart struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// anthropicResponse represents the API response.
type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Identify sends the text/photo to Claude and parses the JSON answer.
func (p *AnthropicProvider) Identify(ctx context.Context, text, imageData string) (*service.IdentifyResult, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	startTime := time.Now()

	parts := []anthropicContentPart{}
	if imageData != "" {
		parts = append(parts, anthropicContentPart{
			Type: "image",
			Source: &anthropicSource{
				Type:      "base64",
				MediaType: "image/jpeg",
				Data:      imageData,
			},
		})
	}
	if text == "" {
		text = "Identify this wine."
	}
	parts = append(parts, anthropicContentPart{Type: "text", Text: text})

	reqBody := anthropicRequest{
		Model:     p.model,
		MaxTokens: 1024,
		System:    identifySystemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: parts},
		},
		Temperature: 0.1,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var ar anthropicResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if ar.Error != nil {
		return nil, fmt.Errorf("API error: %s", ar.Error.Message)
	}
	if len(ar.Content) == 0 {
		return nil, fmt.Errorf("no completion returned")
	}

	var sb strings.Builder
	for _, content := range ar.Content {
		if content.Type == "text" {
			sb.WriteString(content.Text)
		}
	}

	result, err := parseIdentifyPayload(sb.String())
	if err != nil {
		return nil, err
	}
	logging.LLM("[Anthropic] Identify: %d fields confidence=%.2f in %v",
		len(result.Fields), result.Confidence, time.Since(startTime))
	return result, nil
}

// SetBaseURL overrides the API endpoint (tests).
func (p *AnthropicProvider) SetBaseURL(url string) {
	p.baseURL = strings.TrimRight(url, "/")
}
