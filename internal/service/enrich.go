package service

import (
	"context"
	"fmt"
	"net/http"
)

// Enrich requests supplementary detail for a confirmed identity. The
// response is always a stream; each field terminates independently.
func (c *Client) Enrich(ctx context.Context, req EnrichRequest) (*FieldStream, error) {
	if len(req.Identity) == 0 {
		return nil, fmt.Errorf("enrich requires a wine identity")
	}

	resp, err := c.postJSON(ctx, "/agent/enrich.php", req, "text/event-stream")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readError(resp)
	}
	if !isEventStream(resp) {
		defer resp.Body.Close()
		return nil, fmt.Errorf("enrich expected an event stream, got %q", resp.Header.Get("Content-Type"))
	}

	return consumeStream(resp), nil
}
