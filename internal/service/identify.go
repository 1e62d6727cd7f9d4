package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"sommelier/internal/logging"
)

// identifyWire is the single-shot identify response shape.
type identifyWire struct {
	Fields     map[string]string `json:"fields"`
	Confidence float64           `json:"confidence"`
}

// Identify submits text and/or a photo for identification. The backend
// answers either with a single JSON result or with an SSE stream of field
// deltas; exactly one of the two return values is non-nil on success.
func (c *Client) Identify(ctx context.Context, req IdentifyRequest) (*IdentifyResult, *FieldStream, error) {
	if req.Text == "" && req.ImageData == "" {
		return nil, nil, fmt.Errorf("identify requires text or image data")
	}

	timer := logging.StartTimer(logging.CategoryService, "Identify")
	defer timer.Stop()

	resp, err := c.postJSON(ctx, "/agent/identify.php", req, "application/json, text/event-stream")
	if err != nil {
		return nil, nil, err
	}

	if isEventStream(resp) {
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return nil, nil, readError(resp)
		}
		return nil, consumeStream(resp), nil
	}

	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, readError(resp)
	}

	var wire identifyWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, nil, fmt.Errorf("failed to parse identify response: %w", err)
	}

	result := &IdentifyResult{
		Fields:     normalizeFields(wire.Fields),
		Confidence: wire.Confidence,
	}
	logging.Service("identify: %d fields confidence=%.2f", len(result.Fields), result.Confidence)
	return result, nil, nil
}

// normalizeFields resolves wire names through the alias table, dropping
// anything outside the fixed schema.
func normalizeFields(raw map[string]string) map[Field]string {
	out := make(map[Field]string, len(raw))
	for name, value := range raw {
		field, ok := ResolveField(name)
		if !ok {
			logging.ServiceDebug("dropping unknown identify field %q", name)
			continue
		}
		out[field] = value
	}
	return out
}
