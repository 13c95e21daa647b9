// Package config provides configuration for the Aegis gateway.
// Configuration is loaded from a YAML file, then overridden by environment
// variables. All knobs have working defaults so a bare `aegis serve` runs
// against a local Ollama instance.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	// DataDir is the root for all persisted tenant state and logs.
	DataDir string `yaml:"data_dir"`

	LLM      LLMConfig      `yaml:"llm"`
	Membrane MembraneConfig `yaml:"membrane"`
	Intent   IntentConfig   `yaml:"intent"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig selects and parameterizes the LLM provider.
type LLMConfig struct {
	// Provider: "ollama", "openai", "anthropic", "gemini", or "local".
	Provider string `yaml:"provider"`

	// Ollama configuration
	OllamaURL        string `yaml:"ollama_url"`
	OllamaEmbedModel string `yaml:"ollama_embed_model"`
	OllamaChatModel  string `yaml:"ollama_chat_model"`

	// Remote provider configuration
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
	ChatModel       string `yaml:"chat_model"`
	EmbedModel      string `yaml:"embed_model"`

	// UseHybridEmbeddings routes embed calls to the local CPU engine while
	// chat stays on the configured provider. Avoids model swapping when the
	// chat backend is co-located.
	UseHybridEmbeddings bool `yaml:"use_hybrid_embeddings"`
}

// MembraneConfig holds Layer 1 tuning.
type MembraneConfig struct {
	// SimilarityThreshold is the cosine score above which a stored pattern
	// matches. Also used as the prune collision threshold.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// SafeAnchorConfidence is the similarity above which a safe-anchor match
	// skips Layer 2 entirely.
	SafeAnchorConfidence float64 `yaml:"safe_anchor_confidence"`

	// MaxSafeAnchors caps the verified-pattern whitelist per tenant.
	MaxSafeAnchors int `yaml:"max_safe_anchors"`

	// WatchSnapshots enables the fsnotify watcher on top of the per-check
	// mtime test, for filesystems with coarse timestamps.
	WatchSnapshots bool `yaml:"watch_snapshots"`
}

// IntentConfig holds Layer 2 tuning.
type IntentConfig struct {
	// BlockThreshold: risk scores strictly greater are blocked.
	BlockThreshold int `yaml:"block_threshold"`

	// AmbiguousThreshold: lower bound of the human-review band.
	AmbiguousThreshold int `yaml:"ambiguous_threshold"`

	// HITLEnabled controls whether ambiguous prompts are queued for review.
	HITLEnabled bool `yaml:"hitl_enabled"`

	// ReviewQueueFile overrides the per-tenant review queue location with a
	// single shared file. Empty means per-tenant (the default).
	ReviewQueueFile string `yaml:"review_queue_file"`
}

// ReviewQueuePath resolves the review queue location for a tenant whose
// state lives under tenantDir.
func (c IntentConfig) ReviewQueuePath(tenantDir string) string {
	if c.ReviewQueueFile != "" {
		return c.ReviewQueueFile
	}
	return filepath.Join(tenantDir, "review_queue.json")
}

// PipelineConfig holds orchestrator tuning.
type PipelineConfig struct {
	// ParallelLayers runs Layer 2 concurrently with Layer 1. When nil the
	// setting is derived from the provider: on for remote providers, off
	// for ollama/local (prevents model thrashing on one GPU).
	ParallelLayers *bool `yaml:"parallel_layers"`

	// MaxHistoryTurns caps chat history (user+assistant pairs).
	MaxHistoryTurns int `yaml:"max_history_turns"`
}

// ServerConfig holds HTTP surface settings.
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
}

// LoggingConfig mirrors the categorized file logger options.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the working defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		LLM: LLMConfig{
			Provider:         "ollama",
			OllamaURL:        "http://localhost:11434",
			OllamaEmbedModel: "nomic-embed-text",
			OllamaChatModel:  "llama3.2",
			ChatModel:        "",
			EmbedModel:       "",
		},
		Membrane: MembraneConfig{
			SimilarityThreshold:  0.75,
			SafeAnchorConfidence: 0.70,
			MaxSafeAnchors:       256,
			WatchSnapshots:       false,
		},
		Intent: IntentConfig{
			BlockThreshold:     70,
			AmbiguousThreshold: 40,
			HITLEnabled:        true,
		},
		Pipeline: PipelineConfig{
			MaxHistoryTurns: 10,
		},
		Server: ServerConfig{
			Addr:    ":8080",
			Metrics: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnvOverrides layers environment variables over the loaded values.
// AEGIS_* variables win over the file; provider API keys are only read from
// the environment when the file left them empty.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AEGIS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("AEGIS_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("AEGIS_OLLAMA_URL"); v != "" {
		c.LLM.OllamaURL = v
	}
	if v := os.Getenv("AEGIS_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("AEGIS_HITL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Intent.HITLEnabled = b
		}
	}
	if v := os.Getenv("AEGIS_PARALLEL_LAYERS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Pipeline.ParallelLayers = &b
		}
	}
	if v := os.Getenv("AEGIS_USE_HYBRID_EMBEDDINGS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.LLM.UseHybridEmbeddings = b
		}
	}
	if v := os.Getenv("AEGIS_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}

	if c.LLM.OpenAIAPIKey == "" {
		c.LLM.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.AnthropicAPIKey == "" {
		c.LLM.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.LLM.GeminiAPIKey == "" {
		c.LLM.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.LLM.GeminiAPIKey == "" {
		c.LLM.GeminiAPIKey = os.Getenv("GOOGLE_API_KEY")
	}
}

// ParallelLayers resolves the layer-parallelism setting. Remote providers
// default to parallel; single-GPU local providers default to serial.
func (c *Config) ParallelLayers() bool {
	if c.Pipeline.ParallelLayers != nil {
		return *c.Pipeline.ParallelLayers
	}
	switch c.LLM.Provider {
	case "ollama", "local", "":
		return false
	default:
		return true
	}
}

// TenantDir returns (and creates) the state directory for a tenant.
// The client id is flattened to a single path element so a hostile id
// cannot escape the clients root.
func (c *Config) TenantDir(clientID string) (string, error) {
	if clientID == "" {
		clientID = "default"
	}
	dir := filepath.Join(c.DataDir, "clients", filepath.Base(clientID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create tenant dir: %w", err)
	}
	return dir, nil
}

// LogsDir returns the directory for categorized log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// Validate rejects configurations that cannot boot.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "ollama", "openai", "anthropic", "gemini", "local":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}
	if c.Membrane.SimilarityThreshold <= 0 || c.Membrane.SimilarityThreshold >= 1 {
		return fmt.Errorf("membrane similarity_threshold must be in (0,1), got %v", c.Membrane.SimilarityThreshold)
	}
	if c.Intent.AmbiguousThreshold > c.Intent.BlockThreshold {
		return fmt.Errorf("intent ambiguous_threshold %d exceeds block_threshold %d",
			c.Intent.AmbiguousThreshold, c.Intent.BlockThreshold)
	}
	return nil
}
