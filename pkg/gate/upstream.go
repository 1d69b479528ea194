package gate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pario-ai/tokengate/pkg/models"
	"github.com/pario-ai/tokengate/pkg/router"
)

// upstreamPath returns the API path for a wire format.
func upstreamPath(format models.Format) string {
	if format == models.FormatAnthropic {
		return "/v1/messages"
	}
	return "/v1/chat/completions"
}

// upstreamHeaders returns the provider credentials plus any client headers
// the provider needs to see.
func upstreamHeaders(r *http.Request, target router.Target) map[string]string {
	if target.Provider.Format() == models.FormatAnthropic {
		headers := map[string]string{"x-api-key": target.Provider.APIKey}
		if v := r.Header.Get("anthropic-version"); v != "" {
			headers["anthropic-version"] = v
		}
		if v := r.Header.Get("anthropic-beta"); v != "" {
			headers["anthropic-beta"] = v
		}
		return headers
	}
	return map[string]string{"Authorization": "Bearer " + target.Provider.APIKey}
}

// upstreamResult holds a fully read upstream response.
type upstreamResult struct {
	statusCode int
	body       []byte
	header     http.Header
}

// newUpstreamRequest builds a POST to providerURL+path.
func newUpstreamRequest(ctx context.Context, providerURL, path string, headers map[string]string, body []byte) (*http.Request, error) {
	target, err := url.Parse(providerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(target.String(), "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// doUpstreamRequest sends a request and reads the whole response.
func (s *Server) doUpstreamRequest(ctx context.Context, providerURL, path string, headers map[string]string, body []byte) (*upstreamResult, error) {
	req, err := newUpstreamRequest(ctx, providerURL, path, headers, body)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &upstreamResult{
		statusCode: resp.StatusCode,
		body:       respBody,
		header:     resp.Header,
	}, nil
}

// doUpstreamStreamRequest sends a request and returns the raw response.
// The caller owns resp.Body and must close it.
func (s *Server) doUpstreamStreamRequest(ctx context.Context, providerURL, path string, headers map[string]string, body []byte) (*http.Response, error) {
	req, err := newUpstreamRequest(ctx, providerURL, path, headers, body)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

// isRetryable reports whether the next target should be tried.
func isRetryable(err error, statusCode int) bool {
	if err != nil {
		return true
	}
	return statusCode >= 500
}

// rewriteModel replaces the "model" field in a JSON body.
func rewriteModel(body []byte, model string) []byte {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return body
	}
	modelJSON, err := json.Marshal(model)
	if err != nil {
		return body
	}
	raw["model"] = modelJSON
	out, err := json.Marshal(raw)
	if err != nil {
		return body
	}
	return out
}

// withStreamUsage asks an OpenAI-compatible upstream to append a usage
// chunk to the stream. Existing stream_options are preserved. injected is
// true when the client did not ask for that chunk itself.
func withStreamUsage(body []byte) (out []byte, injected bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return body, false
	}
	var opts map[string]any
	if existing, ok := raw["stream_options"]; ok {
		_ = json.Unmarshal(existing, &opts)
	}
	if opts == nil {
		opts = map[string]any{}
	}
	if v, _ := opts["include_usage"].(bool); v {
		return body, false
	}
	opts["include_usage"] = true
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return body, false
	}
	raw["stream_options"] = optsJSON
	out, err = json.Marshal(raw)
	if err != nil {
		return body, false
	}
	return out, true
}

// usageFromBody extracts usage from a non-streaming response body.
func usageFromBody(format models.Format, body []byte) (string, *models.Usage) {
	if format == models.FormatAnthropic {
		var resp models.AnthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
			return resp.Model, nil
		}
		return resp.Model, resp.Usage.ToUsage()
	}
	// usage is decoded loosely; some compatible servers send floats
	var resp struct {
		Model string         `json:"model"`
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return resp.Model, nil
	}
	usage := models.ParseUsage(resp.Usage)
	return resp.Model, &usage
}

// streamResult holds what was learned from an SSE stream.
type streamResult struct {
	usage *models.Usage
	model string
}

const maxSSELine = 1 << 20

// streamSSEResponse relays an SSE stream from resp to w, extracting usage.
// With hideUsage set, OpenAI usage-only chunks are read but not relayed.
func streamSSEResponse(w http.ResponseWriter, resp *http.Response, format models.Format, hideUsage bool) (*streamResult, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	for k, vals := range resp.Header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	result := &streamResult{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	dropping := false
	for scanner.Scan() {
		line := scanner.Text()

		// blank line ends an SSE event
		if line == "" {
			if dropping {
				dropping = false
				continue
			}
			fmt.Fprint(w, "\n")
			flusher.Flush()
			continue
		}

		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data != "[DONE]" && result.observe(format, []byte(data)) && hideUsage {
				dropping = true
			}
		}
		if dropping {
			continue
		}
		fmt.Fprintf(w, "%s\n", line)
	}

	flusher.Flush()

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading stream: %w", err)
	}
	return result, nil
}

// observe records model and usage from one SSE data payload. It reports
// whether the payload was an OpenAI usage-only chunk.
func (r *streamResult) observe(format models.Format, data []byte) bool {
	switch format {
	case models.FormatOpenAI:
		var chunk models.ChatCompletionChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return false
		}
		if chunk.Model != "" {
			r.model = chunk.Model
		}
		if chunk.Usage != nil {
			usage := models.ParseUsage(chunk.Usage)
			r.usage = &usage
		}
		return chunk.UsageOnly()
	case models.FormatAnthropic:
		var evt models.AnthropicStreamEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return false
		}
		switch evt.Type {
		case "message_start":
			var msg struct {
				Model string                 `json:"model"`
				Usage *models.AnthropicUsage `json:"usage,omitempty"`
			}
			if err := json.Unmarshal(evt.Message, &msg); err != nil {
				return false
			}
			if msg.Model != "" {
				r.model = msg.Model
			}
			if msg.Usage != nil {
				r.usage = msg.Usage.ToUsage()
			}
		case "message_delta":
			if evt.Usage == nil {
				return false
			}
			if r.usage == nil {
				r.usage = &models.Usage{}
			}
			r.usage.CompletionTokens = evt.Usage.OutputTokens
			r.usage.TotalTokens = r.usage.PromptTokens + evt.Usage.OutputTokens
		}
	}
	return false
}
