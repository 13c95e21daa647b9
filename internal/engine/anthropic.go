package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"aegis/internal/logging"
)

// =============================================================================
// ANTHROPIC ENGINE
// =============================================================================

// AnthropicEngine implements Engine over the Anthropic Messages API.
// Anthropic provides no embeddings endpoint: Embed returns ErrNotSupported,
// so this provider is normally wrapped by the hybrid engine which routes
// embeds to the local CPU embedder.
type AnthropicEngine struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// NewAnthropicEngine creates a new Anthropic engine.
func NewAnthropicEngine(apiKey, model string) (*AnthropicEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not configured")
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicEngine{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		model:   model,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}, nil
}

// Embed is not available on this provider.
func (e *AnthropicEngine) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("anthropic embeddings: %w", ErrNotSupported)
}

// ChatJSON sends a messages request and parses the reply as JSON.
func (e *AnthropicEngine) ChatJSON(ctx context.Context, system, user string) (map[string]any, error) {
	content, err := e.chat(ctx, system, user, nil, 500, 0.1)
	if err != nil {
		return nil, err
	}
	return decodeJSONReply(content)
}

// ChatText sends a messages request with optional history.
func (e *AnthropicEngine) ChatText(ctx context.Context, system, user string, history []Message) (string, error) {
	return e.chat(ctx, system, user, history, 1000, 0.3)
}

func (e *AnthropicEngine) chat(ctx context.Context, system, user string, history []Message, maxTokens int, temperature float64) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.httpClient.Timeout)
		defer cancel()
	}

	start := time.Now()

	// Rate limiting
	e.mu.Lock()
	elapsed := time.Since(e.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	e.lastRequest = time.Now()
	e.mu.Unlock()

	messages := make([]anthropicMessage, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, anthropicMessage{Role: "user", Content: user})

	reqBody := anthropicRequest{
		Model:       e.model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      system,
		Messages:    messages,
	}

	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return "", fmt.Errorf("failed to marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/messages", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", e.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var msgResp anthropicResponse
		if err := json.Unmarshal(body, &msgResp); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if msgResp.Error != nil {
			return "", fmt.Errorf("API error: %s", msgResp.Error.Message)
		}
		if len(msgResp.Content) == 0 {
			return "", fmt.Errorf("no completion returned")
		}

		content := strings.TrimSpace(msgResp.Content[0].Text)
		logging.EngineDebug("[Anthropic] chat completed in %v response_len=%d", time.Since(start), len(content))
		return content, nil
	}

	logging.EngineError("[Anthropic] max retries exceeded after %v: %v", time.Since(start), lastErr)
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Dimensions matches the local fallback embedder this provider pairs with.
func (e *AnthropicEngine) Dimensions() int {
	return DefaultLocalDimensions
}

// Name returns the engine name.
func (e *AnthropicEngine) Name() string {
	return fmt.Sprintf("anthropic:%s", e.model)
}

// =============================================================================
// ANTHROPIC API TYPES
// =============================================================================

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
