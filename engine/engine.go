// Package engine adapts external inference engines to the hub. An Engine
// turns one request into a stream of text fragments; the hub never sees
// tokens, weights or sampling.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/please-sh/please"
)

// Engine generates a streamed answer for one request.
type Engine interface {
	// Generate starts generation. Cancelling ctx must make the stream end
	// promptly; the hub also calls Stream.Close to stop it.
	Generate(ctx context.Context, req *please.Request) (Stream, error)
	Close() error
}

// Stream yields generated fragments in order.
type Stream interface {
	// Next returns the next fragment, or io.EOF when generation is complete.
	Next() (string, error)
	// Close stops generation. It may be called concurrently with a blocked
	// Next, which must then return, and more than once.
	Close() error
}

// New builds the engine selected by cfg.Engine.Kind.
func New(cfg *please.Config, logger *slog.Logger) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Engine.Kind {
	case "openai", "":
		baseURL := please.ResolveEngineBaseURL(cfg)
		if baseURL == "" {
			return nil, fmt.Errorf("engine: openai engine needs a base_url")
		}
		return NewOpenAI(OpenAIConfig{
			BaseURL:     baseURL,
			APIKey:      please.ResolveEngineAPIKey(cfg),
			Model:       please.ResolveEngineModel(cfg),
			MaxTokens:   cfg.Engine.MaxTokens,
			Temperature: cfg.Engine.Temperature,
			Stop:        cfg.Engine.Stop,
			Prompt:      LoadPrompt(cfg.Engine.RelevantCommands, logger),
		}), nil
	case "echo":
		return NewEcho(0), nil
	default:
		return nil, fmt.Errorf("engine: unknown kind %q", cfg.Engine.Kind)
	}
}
