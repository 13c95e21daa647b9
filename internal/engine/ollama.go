package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"aegis/internal/logging"
)

// =============================================================================
// OLLAMA ENGINE
// =============================================================================

// OllamaEngine talks to a local Ollama server. The default models mirror a
// single-GPU deployment: nomic-embed-text for embeddings, llama3.2 for
// inference.
type OllamaEngine struct {
	endpoint   string
	embedModel string
	chatModel  string
	client     *http.Client
}

// NewOllamaEngine creates a new Ollama engine.
func NewOllamaEngine(endpoint, embedModel, chatModel string) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}
	if chatModel == "" {
		chatModel = "llama3.2"
	}
	return &OllamaEngine{
		endpoint:   endpoint,
		embedModel: embedModel,
		chatModel:  chatModel,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	req := ollamaEmbedRequest{
		Model:  e.embedModel,
		Prompt: text,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Embedding, nil
}

// ChatJSON asks the model for a JSON object via Ollama's json format mode.
func (e *OllamaEngine) ChatJSON(ctx context.Context, system, user string) (map[string]any, error) {
	messages := []ollamaMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	content, err := e.chat(ctx, messages, "json")
	if err != nil {
		return nil, err
	}
	return decodeJSONReply(content)
}

// ChatText sends a chat request with optional history.
func (e *OllamaEngine) ChatText(ctx context.Context, system, user string, history []Message) (string, error) {
	messages := make([]ollamaMessage, 0, len(history)+2)
	messages = append(messages, ollamaMessage{Role: "system", Content: system})
	for _, m := range history {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: user})
	return e.chat(ctx, messages, "")
}

func (e *OllamaEngine) chat(ctx context.Context, messages []ollamaMessage, format string) (string, error) {
	start := time.Now()
	req := ollamaChatRequest{
		Model:    e.chatModel,
		Messages: messages,
		Stream:   false,
		Format:   format,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	logging.EngineDebug("[Ollama] chat completed in %v model=%s", time.Since(start), e.chatModel)
	return result.Message.Content, nil
}

// Dimensions returns the embedding dimensionality.
// nomic-embed-text produces 768-dimensional vectors.
func (e *OllamaEngine) Dimensions() int {
	return 768
}

// Name returns the engine name.
func (e *OllamaEngine) Name() string {
	return fmt.Sprintf("ollama:%s", e.chatModel)
}

// =============================================================================
// OLLAMA API TYPES
// =============================================================================

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}
