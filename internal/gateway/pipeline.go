// Package gateway wires the three defense layers, the audit ledger, and
// the core assistant into a per-tenant pipeline, and manages the set of
// tenant pipelines for the HTTP surface.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"aegis/internal/config"
	"aegis/internal/engine"
	"aegis/internal/hardening"
	"aegis/internal/intent"
	"aegis/internal/ledger"
	"aegis/internal/logging"
	"aegis/internal/membrane"
)

// Pipeline stages.
const (
	StageSuccess   = "SUCCESS"
	StageWarn      = "WARN"
	StageBlockedL1 = "BLOCKED_L1"
	StageBlockedL2 = "BLOCKED_L2"
	StageError     = "ERROR"
)

// assistantSystemPrompt steers the core model once a prompt clears both
// layers.
const assistantSystemPrompt = "You are Aegis, a helpful, secure, and intelligent AI assistant. " +
	"Format your responses using clean Markdown. " +
	"Be concise, professional, and friendly. " +
	"Do NOT output raw function headers or debug text unless asked."

// backgroundTaskTimeout bounds fire-and-forget work (verification,
// hardening, whitelisting) that outlives its originating request.
const backgroundTaskTimeout = 2 * time.Minute

// Decision is the outcome of one processed prompt.
type Decision struct {
	Allowed      bool    `json:"allowed"`
	Response     string  `json:"response"`
	RiskScore    int     `json:"risk_score"`
	BlockReason  *string `json:"block_reason"`
	LayerOneSafe bool    `json:"layer_1_safe"`
	LayerTwoSafe *bool   `json:"layer_2_safe"`
	LatencyMS    float64 `json:"latency_ms"`

	// Stage drives the allowed flag, the ledger record, and metrics, but
	// is not part of the wire response.
	Stage string `json:"-"`

	L1Dist    float64 `json:"-"`
	L2Skipped bool    `json:"-"`
}

type l2Result struct {
	allowed bool
	score   int
	reason  string
}

// Pipeline is one tenant's full defense stack.
type Pipeline struct {
	clientID  string
	cfg       *config.Config
	engine    engine.Engine
	membrane  *membrane.Membrane
	intent    *intent.Tracker
	hardening *hardening.Core
	ledger    *ledger.Ledger
	watcher   *membrane.SnapshotWatcher

	mu      sync.Mutex
	history []engine.Message

	bg sync.WaitGroup
}

// NewPipeline boots the defense stack for one tenant. Layer state lives
// under the tenant's data directory.
func NewPipeline(clientID string, cfg *config.Config, eng engine.Engine) (*Pipeline, error) {
	logging.Tenant("[%s] Booting defense pipeline...", clientID)

	dir, err := cfg.TenantDir(clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare tenant dir: %w", err)
	}

	mem := membrane.New(clientID, dir, eng, membrane.Options{
		SimilarityThreshold: cfg.Membrane.SimilarityThreshold,
		MaxSafeAnchors:      cfg.Membrane.MaxSafeAnchors,
	})

	queue := intent.NewReviewQueue(cfg.Intent.ReviewQueuePath(dir), cfg.Intent.HITLEnabled)
	tracker := intent.New(clientID, eng, queue, intent.Options{
		BlockThreshold:     cfg.Intent.BlockThreshold,
		AmbiguousThreshold: cfg.Intent.AmbiguousThreshold,
	})

	led, err := ledger.New(clientID, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit ledger: %w", err)
	}

	p := &Pipeline{
		clientID:  clientID,
		cfg:       cfg,
		engine:    eng,
		membrane:  mem,
		intent:    tracker,
		hardening: hardening.New(clientID, eng, mem),
		ledger:    led,
	}

	if cfg.Membrane.WatchSnapshots {
		watcher, err := membrane.NewSnapshotWatcher(mem)
		if err != nil {
			logging.TenantError("[%s] Snapshot watcher unavailable: %v", clientID, err)
		} else {
			watcher.Start(context.Background())
			p.watcher = watcher
		}
	}

	logging.Tenant("[%s] Pipeline online. Antibodies: %d, ledger height: %d", clientID, mem.Count(), led.Height())
	return p, nil
}

// Process runs a prompt through the full pipeline and returns the
// decision. Blocking paths return before any background hardening runs.
func (p *Pipeline) Process(ctx context.Context, prompt string) Decision {
	start := time.Now()
	logging.Pipeline("[%s] New request: %q", p.clientID, prompt)

	p.truncateHistory()

	// Layer 2 is the slow layer. With a remote provider it starts in
	// parallel so its latency overlaps the Layer 1 scan; a Layer 1 block
	// cancels it unfinished.
	var l2Ch chan l2Result
	l2Ctx, cancelL2 := context.WithCancel(ctx)
	defer cancelL2()
	if p.cfg.ParallelLayers() {
		l2Ch = make(chan l2Result, 1)
		go func() {
			allowed, score, reason := p.intent.Analyze(l2Ctx, prompt)
			l2Ch <- l2Result{allowed, score, reason}
		}()
	}

	l1Safe, l1Reason, l1Dist := p.membrane.Check(ctx, prompt)

	if !l1Safe {
		logging.Pipeline("[%s] BLOCKED by Layer 1 (membrane): %s", p.clientID, l1Reason)
		cancelL2()

		// Verification gate: Layer 2 re-judges the prompt off the request
		// path, and antibody synthesis only runs when both layers agree.
		p.spawn(func(bgCtx context.Context) {
			p.verifyAndHarden(bgCtx, prompt, l1Reason)
		})

		d := Decision{
			Allowed:      false,
			Response:     "[SYSTEM] Request Rejected. Security Violation.\n\n**Reason:** " + l1Reason,
			RiskScore:    100,
			BlockReason:  &l1Reason,
			LayerOneSafe: false,
			LayerTwoSafe: nil,
			LatencyMS:    msSince(start),
			Stage:        StageBlockedL1,
			L1Dist:       l1Dist,
		}
		p.logTransaction(prompt, d)
		return d
	}

	logging.Pipeline("[%s] PASS Layer 1 (dist %.4f)", p.clientID, l1Dist)

	var l2 l2Result
	l2Skipped := false
	if strings.Contains(l1Reason, "Safe Anchor") && l1Dist > p.cfg.Membrane.SafeAnchorConfidence {
		// High-confidence whitelist hit: the judge call is skipped entirely.
		logging.Pipeline("[%s] FAST: Layer 2 skipped, high confidence membrane match (%.4f)", p.clientID, l1Dist)
		cancelL2()
		l2 = l2Result{allowed: true, score: 0, reason: "Skipped (Trusted Pattern)"}
		l2Skipped = true
	} else if l2Ch != nil {
		l2 = <-l2Ch
	} else {
		allowed, score, reason := p.intent.Analyze(ctx, prompt)
		l2 = l2Result{allowed, score, reason}
	}

	if !l2.allowed {
		logging.Pipeline("[%s] BLOCKED by Layer 2 (intent): %s (score %d)", p.clientID, l2.reason, l2.score)
		p.spawn(func(bgCtx context.Context) {
			p.hardening.ProcessEvent(bgCtx, prompt, l2.reason)
		})

		d := Decision{
			Allowed:      false,
			Response:     "[SYSTEM] Request Rejected. Unsafe Context Detected.\n\n**Reason:** " + l2.reason,
			RiskScore:    l2.score,
			BlockReason:  &l2.reason,
			LayerOneSafe: true,
			LayerTwoSafe: boolPtr(false),
			LatencyMS:    msSince(start),
			Stage:        StageBlockedL2,
			L1Dist:       l1Dist,
		}
		p.logTransaction(prompt, d)
		return d
	}

	ambiguous := !l2Skipped && strings.Contains(l2.reason, "AMBIGUOUS")
	if ambiguous {
		logging.PipelineWarn("[%s] Layer 2 warning: %s (score %d)", p.clientID, l2.reason, l2.score)
	}
	logging.Pipeline("[%s] PASS Layer 2 (risk score %d)", p.clientID, l2.score)

	// Memory optimization: fully clean prompts feed back into Layer 1,
	// either pruning a conflicting antibody or caching a safe anchor.
	if !l2Skipped && l2.score == 0 {
		if !l1Safe {
			logging.Pipeline("[%s] LEARN: false positive (L1 blocked, L2 safe), pruning antibodies", p.clientID)
			p.spawn(func(bgCtx context.Context) {
				p.membrane.PruneAntibodies(bgCtx, []string{prompt})
			})
		} else {
			logging.PipelineDebug("[%s] LEARN: caching safe pattern to membrane", p.clientID)
			p.spawn(func(bgCtx context.Context) {
				p.membrane.LearnNewThreat(bgCtx, prompt, "SAFE: Verified Pattern")
			})
		}
	}

	// Security overhead is measured up to here; generation time is the
	// model's own cost, not the gateway's.
	latency := msSince(start)
	logging.Pipeline("[%s] Request forwarded to core LLM (overhead %.2fms)", p.clientID, latency)

	d := Decision{
		Allowed:      true,
		RiskScore:    l2.score,
		LayerOneSafe: true,
		LayerTwoSafe: boolPtr(true),
		LatencyMS:    latency,
		Stage:        StageSuccess,
		L1Dist:       l1Dist,
		L2Skipped:    l2Skipped,
	}
	if ambiguous {
		d.Stage = StageWarn
	}

	responseText, err := p.engine.ChatText(ctx, assistantSystemPrompt, prompt, p.historySnapshot())
	if err != nil {
		logging.PipelineError("[%s] Core LLM failed: %v", p.clientID, err)
		d.Response = fmt.Sprintf("[SYSTEM ERROR] Failed to generate response: %v", err)
		d.Stage = StageError
		d.Allowed = false
	} else {
		d.Response = responseText
		p.appendHistory(prompt, responseText)
	}

	p.logTransaction(prompt, d)
	return d
}

// Feedback applies operator ground truth to the tenant's defenses.
func (p *Pipeline) Feedback(prompt, verdict string) {
	p.spawn(func(bgCtx context.Context) {
		p.hardening.ProcessSupervisedFeedback(bgCtx, prompt, verdict)
	})
}

// verifyAndHarden re-runs the intent judge on a membrane-blocked prompt.
// Antibody synthesis requires both layers to agree; a Layer 2 override
// means the membrane likely misfired, and no antibody is created.
func (p *Pipeline) verifyAndHarden(ctx context.Context, prompt, l1Reason string) {
	_, score, _ := p.intent.Analyze(ctx, prompt)
	if score > p.cfg.Intent.BlockThreshold {
		logging.Pipeline("[%s] Layer 2 confirms threat (risk %d), triggering antibody synthesis", p.clientID, score)
		p.hardening.ProcessEvent(ctx, prompt, l1Reason)
	} else {
		logging.Pipeline("[%s] Layer 2 overrides (risk %d). No antibody created", p.clientID, score)
	}
}

// logTransaction seals the decision into the audit ledger.
func (p *Pipeline) logTransaction(prompt string, d Decision) {
	preview := prompt
	if len(preview) > 50 {
		preview = preview[:50] + "..."
	}
	decision := "BLOCKED"
	if d.Stage == StageSuccess || d.Stage == StageWarn {
		decision = "ALLOWED"
	}
	blockReason := ""
	if d.BlockReason != nil {
		blockReason = *d.BlockReason
	}

	block, err := p.ledger.AddBlock(map[string]any{
		"event_type":     "PROMPT_PROCESSED",
		"prompt_preview": preview,
		"stage":          d.Stage,
		"decision":       decision,
		"risk_scores": map[string]any{
			"l1_dist":  float64(int(d.L1Dist*10000)) / 10000,
			"l2_score": d.RiskScore,
		},
		"block_reason": blockReason,
		"latency_ms":   fmt.Sprintf("%.2f", d.LatencyMS),
	})
	if err != nil {
		return
	}
	logging.PipelineDebug("[%s] Block #%d minted (%s)", p.clientID, block.Index, block.Hash[:16])
}

// spawn runs fn in the background with its own deadline, detached from
// any request context. Drain waits for all spawned work.
func (p *Pipeline) spawn(fn func(ctx context.Context)) {
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTaskTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Drain blocks until all background tasks finish.
func (p *Pipeline) Drain() { p.bg.Wait() }

// ResetState clears conversational state: the judge's graph and the chat
// history. Learned antibodies and the ledger persist.
func (p *Pipeline) ResetState() {
	p.intent.Reset()
	p.mu.Lock()
	p.history = nil
	p.mu.Unlock()
	logging.Pipeline("[%s] Internal state reset", p.clientID)
}

// Stats reports the pipeline's live counters.
func (p *Pipeline) Stats() map[string]any {
	p.mu.Lock()
	historyLen := len(p.history)
	p.mu.Unlock()

	return map[string]any{
		"client_id":     p.clientID,
		"antibodies":    p.membrane.Count(),
		"safe_anchors":  p.membrane.SafeAnchorCount(),
		"kb_updates":    p.hardening.KBUpdates(),
		"ledger_height": p.ledger.Height(),
		"ledger_tip":    p.ledger.LatestHash(),
		"graph_turns":   p.intent.Graph().Len(),
		"history_turns": historyLen / 2,
	}
}

// ValidateLedger re-checks the tenant's audit chain.
func (p *Pipeline) ValidateLedger() error { return p.ledger.Validate() }

// Close stops the snapshot watcher and drains background work.
func (p *Pipeline) Close() {
	if p.watcher != nil {
		p.watcher.Stop()
	}
	p.bg.Wait()
}

func (p *Pipeline) truncateHistory() {
	limit := p.cfg.Pipeline.MaxHistoryTurns * 2
	p.mu.Lock()
	if limit > 0 && len(p.history) > limit {
		p.history = append([]engine.Message(nil), p.history[len(p.history)-limit:]...)
	}
	p.mu.Unlock()
}

func (p *Pipeline) historySnapshot() []engine.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]engine.Message, len(p.history))
	copy(out, p.history)
	return out
}

func (p *Pipeline) appendHistory(prompt, response string) {
	p.mu.Lock()
	p.history = append(p.history,
		engine.Message{Role: "user", Content: prompt},
		engine.Message{Role: "assistant", Content: response},
	)
	p.mu.Unlock()
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}

func boolPtr(b bool) *bool { return &b }
