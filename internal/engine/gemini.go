package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"aegis/internal/logging"
)

// =============================================================================
// GOOGLE GEMINI ENGINE
// =============================================================================

// GeminiEngine implements Engine over the Google GenAI SDK, covering both
// embeddings (text-embedding-004) and chat generation.
type GeminiEngine struct {
	client     *genai.Client
	chatModel  string
	embedModel string
}

// NewGeminiEngine creates a new Gemini engine.
func NewGeminiEngine(apiKey, chatModel, embedModel string) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not configured")
	}
	if chatModel == "" {
		chatModel = "gemini-2.5-flash"
	}
	if embedModel == "" {
		embedModel = "text-embedding-004"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiEngine{
		client:     client,
		chatModel:  chatModel,
		embedModel: embedModel,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *GeminiEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := e.client.Models.EmbedContent(ctx,
		e.embedModel,
		contents,
		&genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// ChatJSON asks the model for raw JSON. Gemini has no system role in
// generate_content, so the system prompt is folded into the contents with
// an explicit JSON-only instruction. Fences still appear sometimes and are
// stripped before parsing.
func (e *GeminiEngine) ChatJSON(ctx context.Context, system, user string) (map[string]any, error) {
	full := fmt.Sprintf("%s\n\nUser Query: %s\n\nCRITICAL: Respond with ONLY valid JSON. No markdown, no code blocks, just the raw JSON object.", system, user)

	content, err := e.generate(ctx, full, 0.1, 500)
	if err != nil {
		return nil, err
	}
	return decodeJSONReply(content)
}

// ChatText sends a chat request with the history flattened into the prompt.
func (e *GeminiEngine) ChatText(ctx context.Context, system, user string, history []Message) (string, error) {
	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\n")
	for _, m := range history {
		role := "User"
		if m.Role == "assistant" {
			role = "Model"
		}
		fmt.Fprintf(&b, "%s: %s\n\n", role, m.Content)
	}
	fmt.Fprintf(&b, "User: %s", user)

	return e.generate(ctx, b.String(), 0.3, 1000)
}

func (e *GeminiEngine) generate(ctx context.Context, prompt string, temperature float32, maxTokens int32) (string, error) {
	start := time.Now()

	resp, err := e.client.Models.GenerateContent(ctx,
		e.chatModel,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			Temperature:     genai.Ptr(temperature),
			MaxOutputTokens: maxTokens,
		},
	)
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	logging.EngineDebug("[Gemini] generate completed in %v response_len=%d", time.Since(start), len(text))
	return text, nil
}

// Dimensions returns the embedding dimensionality.
// text-embedding-004 produces 768-dimensional vectors.
func (e *GeminiEngine) Dimensions() int {
	return 768
}

// Name returns the engine name.
func (e *GeminiEngine) Name() string {
	return fmt.Sprintf("gemini:%s", e.chatModel)
}
