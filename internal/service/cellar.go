package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"sommelier/internal/logging"
)

// addWineWire covers both the success and conflict response shapes.
type addWineWire struct {
	Success    bool                   `json:"success"`
	WineID     int64                  `json:"wineId"`
	Conflict   bool                   `json:"conflict"`
	Candidates []EntityMatchCandidate `json:"candidates"`
}

// AddWine inserts a confirmed wine into the cellar. A *ConflictError return
// means server-side fuzzy matching found near-duplicates; the caller must
// surface the candidates and retry with ResolvedMatches.
func (c *Client) AddWine(ctx context.Context, req AddWineRequest) (*AddWineResult, error) {
	if len(req.Fields) == 0 {
		return nil, fmt.Errorf("add-to-cellar requires confirmed fields")
	}

	resp, err := c.postJSON(ctx, "/agent/add_wine.php", req, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// 409 carries the conflict payload; anything else non-2xx is a failure.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return nil, readError(resp)
	}

	var wire addWineWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to parse add-to-cellar response: %w", err)
	}

	if wire.Conflict || resp.StatusCode == http.StatusConflict {
		logging.Service("add-to-cellar conflict: %d candidates", len(wire.Candidates))
		return nil, &ConflictError{Candidates: wire.Candidates}
	}
	if !wire.Success {
		return nil, fmt.Errorf("add-to-cellar rejected the record")
	}

	logging.Service("wine added: id=%d", wire.WineID)
	return &AddWineResult{WineID: wire.WineID}, nil
}
