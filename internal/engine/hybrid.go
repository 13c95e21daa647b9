package engine

import (
	"context"
	"fmt"
)

// HybridEngine routes Embed to a dedicated embedder while chat stays on the
// primary provider. Used to keep embeddings off a busy chat backend (no
// model swapping on single-GPU Ollama) and to give chat-only providers an
// embed path.
type HybridEngine struct {
	chat  Engine
	embed Engine
}

// NewHybridEngine wraps a chat engine with a separate embedder.
func NewHybridEngine(chat, embed Engine) *HybridEngine {
	return &HybridEngine{chat: chat, embed: embed}
}

// Embed delegates to the embed engine.
func (e *HybridEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.embed.Embed(ctx, text)
}

// ChatJSON delegates to the chat engine.
func (e *HybridEngine) ChatJSON(ctx context.Context, system, user string) (map[string]any, error) {
	return e.chat.ChatJSON(ctx, system, user)
}

// ChatText delegates to the chat engine.
func (e *HybridEngine) ChatText(ctx context.Context, system, user string, history []Message) (string, error) {
	return e.chat.ChatText(ctx, system, user, history)
}

// Dimensions reports the embed engine's dimensionality: vectors in the
// membrane must match what Embed actually produces.
func (e *HybridEngine) Dimensions() int {
	return e.embed.Dimensions()
}

// Name returns the combined engine name.
func (e *HybridEngine) Name() string {
	return fmt.Sprintf("hybrid(%s+%s)", e.chat.Name(), e.embed.Name())
}
