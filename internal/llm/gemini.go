package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/genai"

	"sommelier/internal/logging"
	"sommelier/internal/service"
)

// GeminiProvider identifies wines through the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini-backed provider.
func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiProvider{client: client, model: model}, nil
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string { return "gemini" }

// identifySchema constrains Gemini to the identify payload shape.
func identifySchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"fields": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"producer":       {Type: genai.TypeString},
					"wineName":       {Type: genai.TypeString},
					"vintage":        {Type: genai.TypeString},
					"region":         {Type: genai.TypeString},
					"appellation":    {Type: genai.TypeString},
					"country":        {Type: genai.TypeString},
					"grapeVarieties": {Type: genai.TypeString},
					"wineType":       {Type: genai.TypeString},
				},
			},
			"confidence": {Type: genai.TypeNumber},
		},
		Required: []string{"fields", "confidence"},
	}
}

// Identify sends the text/photo to Gemini with a JSON response schema and
// parses the structured result.
func (p *GeminiProvider) Identify(ctx context.Context, text, imageData string) (*service.IdentifyResult, error) {
	startTime := time.Now()

	parts := []*genai.Part{}
	if text != "" {
		parts = append(parts, genai.NewPartFromText(text))
	}
	if imageData != "" {
		raw, err := base64.StdEncoding.DecodeString(imageData)
		if err != nil {
			return nil, fmt.Errorf("invalid image data: %w", err)
		}
		parts = append(parts, genai.NewPartFromBytes(raw, "image/jpeg"))
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("identify requires text or image data")
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(identifySystemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    identifySchema(),
		Temperature:       genai.Ptr[float32](0.1),
	})
	if err != nil {
		logging.Get(logging.CategoryLLM).Error("[Gemini] Identify failed after %v: %v", time.Since(startTime), err)
		return nil, fmt.Errorf("gemini identify failed: %w", err)
	}

	raw := resp.Text()
	if raw == "" {
		return nil, fmt.Errorf("gemini returned an empty response")
	}

	result, err := parseIdentifyPayload(raw)
	if err != nil {
		return nil, err
	}
	logging.LLM("[Gemini] Identify: %d fields confidence=%.2f in %v",
		len(result.Fields), result.Confidence, time.Since(startTime))
	return result, nil
}

// Close releases the underlying client. The genai client holds no
// resources that require explicit release.
func (p *GeminiProvider) Close() error {
	return nil
}
