// Package engine provides the LLM provider abstraction used by every
// defense layer: embeddings for the membrane and graph, JSON-mode chat for
// the intent judge, and free-form chat for red teaming and the downstream
// assistant. Supports Ollama (local), OpenAI, Anthropic, Google Gemini,
// and a deterministic local CPU embedder.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"aegis/internal/logging"
)

// ErrNotSupported is returned by engines that do not implement an
// operation (the local embedder has no chat; Anthropic has no embeddings).
var ErrNotSupported = errors.New("operation not supported by this engine")

// Message is one chat history entry.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Engine is the uniform capability set over all providers.
type Engine interface {
	// Embed generates a vector embedding for the text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// ChatJSON sends a chat request that must produce a JSON object.
	// Implementations strip markdown fences before parsing. A reply that
	// cannot be parsed degrades to {"risk_score": 0, "reason": "parse error"}
	// rather than an error: the judge fails open.
	ChatJSON(ctx context.Context, system, user string) (map[string]any, error)

	// ChatText sends a chat request with optional history and returns the
	// raw text reply.
	ChatText(ctx context.Context, system, user string, history []Message) (string, error)

	// Dimensions returns the embedding dimensionality.
	Dimensions() int

	// Name returns the engine name for logs and stats.
	Name() string
}

// Config holds engine construction parameters.
type Config struct {
	// Provider: "ollama", "openai", "anthropic", "gemini", or "local".
	Provider string

	OllamaURL        string
	OllamaEmbedModel string
	OllamaChatModel  string

	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	ChatModel       string
	EmbedModel      string

	// UseHybridEmbeddings routes Embed to the local CPU engine while chat
	// stays on the configured provider.
	UseHybridEmbeddings bool
}

// New creates an engine from configuration.
func New(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "New")
	defer timer.Stop()

	logging.Engine("Creating engine with provider=%s hybrid=%v", cfg.Provider, cfg.UseHybridEmbeddings)

	var eng Engine
	var err error

	switch strings.ToLower(cfg.Provider) {
	case "ollama", "":
		eng, err = NewOllamaEngine(cfg.OllamaURL, cfg.OllamaEmbedModel, cfg.OllamaChatModel)
	case "openai":
		eng, err = NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.ChatModel, cfg.EmbedModel)
	case "anthropic":
		// Anthropic has no embeddings endpoint; without the local embedder
		// every membrane scan would degrade to zero vectors.
		eng, err = NewAnthropicEngine(cfg.AnthropicAPIKey, cfg.ChatModel)
		if err == nil && !cfg.UseHybridEmbeddings {
			logging.EngineWarn("Anthropic provides no embeddings, routing Embed to the local engine")
			eng = NewHybridEngine(eng, NewLocalEngine(0))
		}
	case "gemini":
		eng, err = NewGeminiEngine(cfg.GeminiAPIKey, cfg.ChatModel, cfg.EmbedModel)
	case "local":
		eng = NewLocalEngine(0)
	default:
		err = fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
	if err != nil {
		logging.EngineError("Failed to create engine: %v", err)
		return nil, err
	}

	if cfg.UseHybridEmbeddings {
		eng = NewHybridEngine(eng, NewLocalEngine(0))
	}

	logging.Engine("Engine ready: name=%s dimensions=%d", eng.Name(), eng.Dimensions())
	return eng, nil
}

// Cosine computes the cosine similarity of two vectors. Dimension
// mismatches and zero-magnitude vectors return 0 instead of failing so a
// provider switch never crashes a scan over old snapshots.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ZeroVector returns an all-zero embedding of the given dimension. Used as
// the fail-open fallback when an embed call errors: cosine against a zero
// vector is 0, so the prompt scans as safe.
func ZeroVector(dim int) []float32 {
	return make([]float32, dim)
}

// stripFences removes markdown code fences around a JSON reply.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```json") {
		content = content[len("```json"):]
	} else if strings.HasPrefix(content, "```") {
		content = content[len("```"):]
	}
	if strings.HasSuffix(content, "```") {
		content = content[:len(content)-len("```")]
	}
	return strings.TrimSpace(content)
}

// failOpenResult is the judge object returned when a reply cannot be parsed.
func failOpenResult(reason string) map[string]any {
	return map[string]any{"risk_score": 0, "reason": reason}
}

// decodeJSONReply parses a chat reply into a JSON object, tolerating fences.
// Parse failures degrade to the fail-open object with a nil error.
func decodeJSONReply(content string) (map[string]any, error) {
	cleaned := stripFences(content)
	var result map[string]any
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		logging.EngineWarn("JSON reply parse failed: %v (raw: %.120s)", err, cleaned)
		return failOpenResult("parse error"), nil
	}
	return result, nil
}
