package service

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"sommelier/internal/logging"
)

// Wire shapes for the event stream.
type wireFieldDelta struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Terminal bool   `json:"terminal"`
}

type wireDone struct {
	Confidence float64 `json:"confidence"`
}

type wireError struct {
	Message string `json:"message"`
}

// consumeStream turns an SSE response body into a FieldStream. Unknown
// field names are dropped at this boundary after alias resolution. The
// response body is closed when the stream ends or the caller's context
// cancels the request.
func consumeStream(resp *http.Response) *FieldStream {
	deltas := make(chan FieldDelta, 64)
	final := make(chan StreamSummary, 1)
	errs := make(chan error, 1)

	// The request context is the abandon signal: when the caller cancels,
	// sends must not block on a full deltas buffer.
	ctx := resp.Request.Context()

	go func() {
		defer close(deltas)
		defer close(final)
		defer close(errs)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		event := "message"
		fieldCount := 0
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			case strings.HasPrefix(line, "data:"):
			default:
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return
			}

			switch event {
			case "field", "message":
				var wd wireFieldDelta
				if err := json.Unmarshal([]byte(data), &wd); err != nil {
					logging.ServiceDebug("skipping unparseable stream frame: %v", err)
					continue
				}
				field, ok := ResolveField(wd.Name)
				if !ok {
					logging.ServiceDebug("dropping unknown stream field %q", wd.Name)
					continue
				}
				select {
				case deltas <- FieldDelta{Field: field, Value: wd.Value, Terminal: wd.Terminal}:
				case <-ctx.Done():
					return
				}
				fieldCount++
			case "done":
				var d wireDone
				if err := json.Unmarshal([]byte(data), &d); err == nil {
					final <- StreamSummary{Confidence: d.Confidence}
				}
				logging.Service("stream complete: %d field deltas", fieldCount)
				return
			case "error":
				var we wireError
				if err := json.Unmarshal([]byte(data), &we); err != nil || we.Message == "" {
					errs <- fmt.Errorf("stream reported an unspecified error")
				} else {
					errs <- fmt.Errorf("stream error: %s", we.Message)
				}
				return
			}
		}

		if err := scanner.Err(); err != nil && err != io.EOF {
			logging.ServiceError("stream read failed after %d deltas: %v", fieldCount, err)
			errs <- fmt.Errorf("stream read failed: %w", err)
		}
	}()

	return &FieldStream{Deltas: deltas, Final: final, Errs: errs}
}
