package ai

import (
	"context"
	"errors"
	"fmt"

	"paperchat/internal/config"
	"paperchat/internal/models"
)

// ErrEmptyReply is returned when a model answers with no text at all.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Turn is one conversation turn handed to a model. PDF carries the
// document bytes on the turn that attached it.
type Turn struct {
	Role models.Role
	Text string
	PDF  []byte
}

// Prompt is a provider independent model call.
type Prompt struct {
	System string
	Turns  []Turn
	// JSON asks the model for a JSON object reply.
	JSON bool
}

// Model is a chat model the completion endpoint can drive.
type Model interface {
	// Stream calls onDelta for every text chunk and returns the full reply.
	// A non-nil error from onDelta stops the stream.
	Stream(ctx context.Context, p Prompt, onDelta func(delta string) error) (string, error)
	Generate(ctx context.Context, p Prompt) (string, error)
}

// NewModel builds the model selected by cfg.Model.Provider.
func NewModel(ctx context.Context, cfg *config.Config) (Model, error) {
	provider := cfg.Model.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	switch provider {
	case "gemini":
		return newGeminiModel(ctx, provCfg, cfg.Model)
	case "openai", "claude", "gemini-eino":
		return newEinoModel(ctx, provider, provCfg, cfg.Model, NewTextExtractor())
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}
