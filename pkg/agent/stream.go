package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ChatMessage is one turn of conversation context sent to the model.
type ChatMessage struct {
	Role    string
	Content string
}

// Chunk is one incremental piece of a streamed model response.
type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Stream wraps a model provider behind a minimal interface so the concrete
// LLM transport is swappable without touching Loop.
type Stream interface {
	StreamChat(ctx context.Context, messages []ChatMessage) (<-chan Chunk, error)
}

// HTTPStreamConfig configures an HTTPStream.
type HTTPStreamConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

// HTTPStream is a Stream implementation against an OpenAI-compatible
// streaming chat completion endpoint (server-sent events, one JSON object
// per "data: " line, terminated by "data: [DONE]"). No example repo in the
// retrieval pack imports an LLM SDK, so this talks net/http+SSE directly
// rather than reaching for a third-party client.
type HTTPStream struct {
	cfg HTTPStreamConfig
}

// NewHTTPStream builds an HTTPStream from cfg, defaulting the HTTP client
// if unset.
func NewHTTPStream(cfg HTTPStreamConfig) *HTTPStream {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 0} // caller controls duration via ctx
	}
	return &HTTPStream{cfg: cfg}
}

type sseRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []sseReqMessage `json:"messages"`
}

type sseReqMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamChat sends messages to the configured endpoint and streams the
// response delta-by-delta. The returned channel is closed after a final
// Chunk with Done true (or with Err set) is sent; if the response body ends
// without a terminating event, or ctx is cancelled, it is closed without
// such a final Chunk.
func (s *HTTPStream) StreamChat(ctx context.Context, messages []ChatMessage) (<-chan Chunk, error) {
	reqMessages := make([]sseReqMessage, 0, len(messages))
	for _, m := range messages {
		reqMessages = append(reqMessages, sseReqMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(sseRequest{Model: s.cfg.Model, Stream: true, Messages: reqMessages})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat stream request: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("chat stream request: status %d", resp.StatusCode)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				send(ctx, out, Chunk{Done: true})
				return
			}

			var c sseChunk
			if err := json.Unmarshal([]byte(payload), &c); err != nil {
				continue // malformed event, skip rather than abort the stream
			}
			if len(c.Choices) == 0 {
				continue
			}
			if delta := c.Choices[0].Delta.Content; delta != "" {
				if !send(ctx, out, Chunk{Delta: delta}) {
					return
				}
			}
			if c.Choices[0].FinishReason != nil {
				send(ctx, out, Chunk{Done: true})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(ctx, out, Chunk{Err: fmt.Errorf("read chat stream: %w", err)})
		}
	}()

	return out, nil
}

func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
