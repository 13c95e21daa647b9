package gateway

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"aegis/internal/config"
	"aegis/internal/engine"
	"aegis/internal/logging"
)

// Manager owns the per-tenant pipelines. Pipelines boot lazily on first
// use and are isolated: separate membranes, graphs, ledgers, and chat
// histories under separate data directories. The inference engine is
// shared, it holds no per-tenant state.
type Manager struct {
	cfg    *config.Config
	engine engine.Engine

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	boot      singleflight.Group
}

// NewManager builds the shared engine and an empty tenant set.
func NewManager(cfg *config.Config) (*Manager, error) {
	eng, err := engine.New(engine.Config{
		Provider:            cfg.LLM.Provider,
		OllamaURL:           cfg.LLM.OllamaURL,
		OllamaEmbedModel:    cfg.LLM.OllamaEmbedModel,
		OllamaChatModel:     cfg.LLM.OllamaChatModel,
		OpenAIAPIKey:        cfg.LLM.OpenAIAPIKey,
		AnthropicAPIKey:     cfg.LLM.AnthropicAPIKey,
		GeminiAPIKey:        cfg.LLM.GeminiAPIKey,
		ChatModel:           cfg.LLM.ChatModel,
		EmbedModel:          cfg.LLM.EmbedModel,
		UseHybridEmbeddings: cfg.LLM.UseHybridEmbeddings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build inference engine: %w", err)
	}
	logging.Boot("Inference engine: %s", eng.Name())
	return &Manager{
		cfg:       cfg,
		engine:    eng,
		pipelines: make(map[string]*Pipeline),
	}, nil
}

// Engine returns the shared inference engine.
func (m *Manager) Engine() engine.Engine { return m.engine }

// Get returns the tenant's pipeline, booting it on first use. Concurrent
// first requests for the same tenant share one boot.
func (m *Manager) Get(clientID string) (*Pipeline, error) {
	m.mu.RLock()
	p, ok := m.pipelines[clientID]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := m.boot.Do(clientID, func() (any, error) {
		m.mu.RLock()
		p, ok := m.pipelines[clientID]
		m.mu.RUnlock()
		if ok {
			return p, nil
		}

		p, err := NewPipeline(clientID, m.cfg, m.engine)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.pipelines[clientID] = p
		m.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pipeline), nil
}

// Reset clears the conversational state of one tenant. A tenant that has
// never sent traffic is a no-op.
func (m *Manager) Reset(clientID string) {
	m.mu.RLock()
	p, ok := m.pipelines[clientID]
	m.mu.RUnlock()
	if ok {
		p.ResetState()
	}
}

// Tenants returns the booted tenant IDs, sorted.
func (m *Manager) Tenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.pipelines))
	for id := range m.pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats reports live counters for every booted tenant.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenants := make(map[string]any, len(m.pipelines))
	for id, p := range m.pipelines {
		tenants[id] = p.Stats()
	}
	return map[string]any{
		"engine":  m.engine.Name(),
		"tenants": tenants,
	}
}

// Close shuts down every pipeline and drains their background work.
func (m *Manager) Close() {
	m.mu.Lock()
	pipelines := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		pipelines = append(pipelines, p)
	}
	m.pipelines = make(map[string]*Pipeline)
	m.mu.Unlock()

	for _, p := range pipelines {
		p.Close()
	}
}
