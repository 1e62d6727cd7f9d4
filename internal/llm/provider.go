// Package llm implements the direct model providers used for wine
// identification: Gemini as the primary and Anthropic as the higher-cost
// escalation target after a low-confidence result.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sommelier/internal/config"
	"sommelier/internal/service"
)

// Provider identifies a wine from free text and/or a label photo.
type Provider interface {
	Name() string
	Identify(ctx context.Context, text, imageData string) (*service.IdentifyResult, error)
}

// identifySystemPrompt instructs the model to answer with the fixed schema.
const identifySystemPrompt = `You are a sommelier identifying a wine from a label photo or a short description.
Respond with a single JSON object: {"fields": {...}, "confidence": 0.0-1.0}.
Use only these field names: producer, wineName, vintage, region, appellation,
country, grapeVarieties, wineType. Omit fields you cannot determine.
Confidence reflects how certain you are of producer, wineName and vintage together.`

// identifyPayload is the JSON object the prompts ask the models to emit.
type identifyPayload struct {
	Fields     map[string]string `json:"fields"`
	Confidence float64           `json:"confidence"`
}

// parseIdentifyPayload decodes a model response, tolerating markdown fences.
func parseIdentifyPayload(raw string) (*service.IdentifyResult, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var payload identifyPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse identify payload: %w", err)
	}

	fields := make(map[service.Field]string, len(payload.Fields))
	for name, value := range payload.Fields {
		field, ok := service.ResolveField(name)
		if !ok {
			continue
		}
		fields[field] = value
	}
	if payload.Confidence < 0 {
		payload.Confidence = 0
	}
	if payload.Confidence > 1 {
		payload.Confidence = 1
	}
	return &service.IdentifyResult{Fields: fields, Confidence: payload.Confidence}, nil
}

// NewProvider builds a provider by name from config.
func NewProvider(name string, cfg config.LLMConfig, timeout time.Duration) (Provider, error) {
	switch name {
	case "gemini":
		return NewGeminiProvider(cfg.GeminiAPIKey, cfg.GeminiModel)
	case "anthropic":
		return NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel, timeout), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
