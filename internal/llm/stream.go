package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// streamEvent is one SSE payload from the streaming endpoint.
type streamEvent struct {
	Type     string    `json:"type"`
	Delta    string    `json:"delta,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// Stream sends one request in streaming mode, invoking onDelta for each
// incremental text fragment, and returns the complete final response.
// Callers must treat streaming as a latency optimization only: any decision
// that affects persisted state must be made from the returned Response.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(text string)) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	payload := struct {
		Request
		Stream bool `json:"stream"`
	}{Request: req, Stream: true}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api error %d", resp.StatusCode)
	}

	var final *Response
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var evt streamEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return nil, fmt.Errorf("malformed stream payload: %w", err)
		}
		switch evt.Type {
		case "response.output_text.delta":
			if onDelta != nil && evt.Delta != "" {
				onDelta(evt.Delta)
			}
		case "response.completed":
			final = evt.Response
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if final == nil {
		return nil, fmt.Errorf("stream ended without completed response")
	}
	return final, nil
}
