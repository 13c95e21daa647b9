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
// OPENAI ENGINE
// =============================================================================

// OpenAIEngine implements Engine over the OpenAI API.
type OpenAIEngine struct {
	apiKey      string
	baseURL     string
	chatModel   string
	embedModel  string
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// NewOpenAIEngine creates a new OpenAI engine.
func NewOpenAIEngine(apiKey, chatModel, embedModel string) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not configured")
	}
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
	}
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}
	return &OpenAIEngine{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}, nil
}

// Embed generates an embedding via the embeddings endpoint.
func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]any{
		"model": e.embedModel,
		"input": text,
	}
	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := e.post(ctx, "/embeddings", reqBody, &result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return result.Data[0].Embedding, nil
}

// ChatJSON sends a chat request in json_object response mode.
func (e *OpenAIEngine) ChatJSON(ctx context.Context, system, user string) (map[string]any, error) {
	messages := []openAIMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	content, err := e.chat(ctx, messages, true)
	if err != nil {
		return nil, err
	}
	return decodeJSONReply(content)
}

// ChatText sends a chat request with optional history.
func (e *OpenAIEngine) ChatText(ctx context.Context, system, user string, history []Message) (string, error) {
	messages := make([]openAIMessage, 0, len(history)+2)
	messages = append(messages, openAIMessage{Role: "system", Content: system})
	for _, m := range history {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: user})
	return e.chat(ctx, messages, false)
}

func (e *OpenAIEngine) chat(ctx context.Context, messages []openAIMessage, jsonMode bool) (string, error) {
	// Auto-apply timeout if context has no deadline
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

	reqBody := openAIChatRequest{
		Model:    e.chatModel,
		Messages: messages,
	}
	if jsonMode {
		reqBody.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
		reqBody.Temperature = 0.1
		reqBody.MaxTokens = 500
	} else {
		reqBody.Temperature = 0.3
		reqBody.MaxTokens = 1000
	}

	// Retry loop for rate limits
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

		req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.apiKey)

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

		var chatResp openAIChatResponse
		if err := json.Unmarshal(body, &chatResp); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if chatResp.Error != nil {
			return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
		}
		if len(chatResp.Choices) == 0 {
			return "", fmt.Errorf("no completion returned")
		}

		content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
		logging.EngineDebug("[OpenAI] chat completed in %v response_len=%d", time.Since(start), len(content))
		return content, nil
	}

	logging.EngineError("[OpenAI] max retries exceeded after %v: %v", time.Since(start), lastErr)
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (e *OpenAIEngine) post(ctx context.Context, path string, reqBody, out any) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.httpClient.Timeout)
		defer cancel()
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

// Dimensions returns the embedding dimensionality.
// text-embedding-3-small produces 1536-dimensional vectors.
func (e *OpenAIEngine) Dimensions() int {
	return 1536
}

// Name returns the engine name.
func (e *OpenAIEngine) Name() string {
	return fmt.Sprintf("openai:%s", e.chatModel)
}

// =============================================================================
// OPENAI API TYPES
// =============================================================================

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIChatRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    float64               `json:"temperature"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
