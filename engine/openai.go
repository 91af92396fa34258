package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/please-sh/please"
)

// OpenAIConfig configures an OpenAI-compatible chat completions engine, such
// as llama.cpp's llama-server, ollama or vLLM.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Stop        []string
	Prompt      *Prompt
	// Client overrides the HTTP client. Its Timeout must be zero; streams
	// outlive any fixed request timeout.
	Client *http.Client
}

// OpenAI streams answers from an OpenAI-compatible /chat/completions endpoint.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI creates an engine from cfg.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Prompt == nil {
		cfg.Prompt = NewPrompt("", 0)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}
	return &OpenAI{cfg: cfg, client: client}
}

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Generate sends the request and returns a stream over the response body.
func (g *OpenAI) Generate(ctx context.Context, req *please.Request) (Stream, error) {
	reqBody := chatCompletionsRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: g.cfg.Prompt.System(req, time.Now())},
			{Role: "user", Content: g.cfg.Prompt.User(req)},
		},
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Stop:        g.cfg.Stop,
		Stream:      true,
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	g.setHeaders(httpReq)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	return &chatStream{body: resp.Body, events: newSSEScanner(resp.Body)}, nil
}

// Close drops idle keep-alive connections to the engine server.
func (g *OpenAI) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

// setHeaders sets common headers for API requests.
func (g *OpenAI) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
}

// chatStream reads content deltas from a streaming chat completions body.
type chatStream struct {
	body      io.ReadCloser
	events    *sseScanner
	finished  bool
	closeOnce sync.Once
}

func (s *chatStream) Next() (string, error) {
	if s.finished {
		return "", io.EOF
	}
	for s.events.Next() {
		ev := s.events.Event()
		if ev.Data == "[DONE]" {
			s.finished = true
			return "", io.EOF
		}

		var chunk chatCompletionsChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return "", fmt.Errorf("failed to parse stream event: %w (data: %s)", err, ev.Data)
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("API error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		// Role-only and finish-only deltas carry no text.
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
	if err := s.events.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	// Some servers end the body without a [DONE] sentinel.
	s.finished = true
	return "", io.EOF
}

func (s *chatStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
