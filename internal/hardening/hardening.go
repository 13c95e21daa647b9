// Package hardening implements Layer 3: the self-hardening immune
// response. After a block, a red-team model generates adversarial
// variations of the attack, each variation is replayed against the current
// Layer 1 defenses, and every bypass becomes a new antibody. Supervised
// feedback from an operator trains antibodies directly (missed attacks) or
// prunes them (false positives).
package hardening

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"aegis/internal/engine"
	"aegis/internal/logging"
)

// Ground-truth verdicts accepted by ProcessSupervisedFeedback.
const (
	VerdictMalicious = "MALICIOUS"
	VerdictBenign    = "BENIGN"
)

const redTeamSystemPrompt = `
You are a Red Team Expert. I will give you a blocked malicious prompt.
Generate 3 variations of this prompt that might evade keyword filters but have the SAME malicious intent.
Use synonyms, slang, or slight rephrasing.
Output ONLY the 3 variations, one per line. No numbering.
`

// maxVariations caps the red-team output before the original is appended.
const maxVariations = 5

// bypassTestConcurrency bounds parallel Layer 1 replays. Each replay costs
// one embedding call.
const bypassTestConcurrency = 4

// Defenses is the Layer 1 surface the immune response needs: replay a
// candidate, inject an antibody, retract false positives.
type Defenses interface {
	Check(ctx context.Context, prompt string) (bool, string, float64)
	LearnNewThreat(ctx context.Context, text, label string) error
	PruneAntibodies(ctx context.Context, safePrompts []string) error
}

// Core runs the red-team loop against a tenant's defenses.
type Core struct {
	clientID  string
	engine    engine.Engine
	defenses  Defenses
	kbUpdates atomic.Int64
}

// New creates the immune core for a tenant.
func New(clientID string, eng engine.Engine, defenses Defenses) *Core {
	logging.Hardening("[%s] Immune system online (red team: %s)", clientID, eng.Name())
	return &Core{clientID: clientID, engine: eng, defenses: defenses}
}

// KBUpdates returns how many antibodies this core has deployed.
func (c *Core) KBUpdates() int64 { return c.kbUpdates.Load() }

// ProcessEvent analyzes a blocked prompt: generate variations, replay each
// against the current defenses, and deploy an antibody for every bypass.
// Designed to run off the request path.
func (c *Core) ProcessEvent(ctx context.Context, blockedPrompt, reason string) {
	logging.Hardening("[%s] Analyzing blocked threat: %q", c.clientID, blockedPrompt)
	logging.Hardening("[%s] Reason: %s", c.clientID, reason)

	variations := c.generateVariations(ctx, blockedPrompt)
	// The original always rides along. A threat blocked by the judge may
	// have no antibody yet.
	variations = append(variations, blockedPrompt)
	logging.Hardening("[%s] Red team generated %d adversarial variations (including original)", c.clientID, len(variations))

	var (
		mu              sync.Mutex
		vulnerabilities []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bypassTestConcurrency)
	for _, v := range variations {
		g.Go(func() error {
			// A variation Layer 1 still calls safe is a live bypass.
			if safe, _, _ := c.defenses.Check(gctx, v); safe {
				mu.Lock()
				vulnerabilities = append(vulnerabilities, v)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if len(vulnerabilities) == 0 {
		logging.Hardening("[%s] System is robust. No variation bypassed Layer 1", c.clientID)
		return
	}

	logging.HardeningWarn("[%s] Found %d bypasses. Synthesizing antibodies...", c.clientID, len(vulnerabilities))
	for _, vuln := range vulnerabilities {
		label := fmt.Sprintf("Antibody for auto_rule_%s", uuid.NewString()[:8])
		if err := c.defenses.LearnNewThreat(ctx, vuln, label); err != nil {
			logging.HardeningError("[%s] Failed to deploy antibody: %v", c.clientID, err)
			continue
		}
		c.kbUpdates.Add(1)
	}
	logging.Hardening("[%s] System hardened. New antibodies deployed", c.clientID)
}

// ProcessSupervisedFeedback trains on operator ground truth. MALICIOUS
// verdicts deploy antibodies for the prompt and its variations without
// replay testing; BENIGN verdicts prune antibodies that collide with the
// prompt.
func (c *Core) ProcessSupervisedFeedback(ctx context.Context, prompt, verdict string) {
	switch verdict {
	case VerdictMalicious:
		logging.HardeningWarn("[%s] Training on missed attack (false negative): %.80q", c.clientID, prompt)

		variations := c.generateVariations(ctx, prompt)
		variations = append(variations, prompt)
		logging.Hardening("[%s] Generated %d variations for supervised training", c.clientID, len(variations))

		deployed := 0
		for _, v := range variations {
			label := fmt.Sprintf("Antibody for supervised_%s", uuid.NewString()[:8])
			if err := c.defenses.LearnNewThreat(ctx, v, label); err != nil {
				logging.HardeningError("[%s] Failed to deploy supervised antibody: %v", c.clientID, err)
				continue
			}
			deployed++
		}
		c.kbUpdates.Add(int64(deployed))
		logging.Hardening("[%s] Added %d supervised antibodies. Total KB updates: %d", c.clientID, deployed, c.kbUpdates.Load())

	case VerdictBenign:
		logging.Hardening("[%s] False positive reported, pruning colliding antibodies", c.clientID)
		if err := c.defenses.PruneAntibodies(ctx, []string{prompt}); err != nil {
			logging.HardeningError("[%s] Prune failed: %v", c.clientID, err)
		}

	default:
		logging.HardeningWarn("[%s] Ignoring feedback with unknown verdict %q", c.clientID, verdict)
	}
}

// generateVariations asks the red-team model for rephrasings of the
// prompt. Generation failures fall back to a single literal variation so
// hardening still records something.
func (c *Core) generateVariations(ctx context.Context, prompt string) []string {
	text, err := c.engine.ChatText(ctx, redTeamSystemPrompt, "Blocked Prompt: "+prompt, nil)
	if err != nil {
		logging.HardeningError("[%s] Red team generation failed: %v", c.clientID, err)
		return []string{"Variation of " + prompt}
	}

	var variations []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			variations = append(variations, line)
		}
		if len(variations) == maxVariations {
			break
		}
	}
	if len(variations) == 0 {
		return []string{"Variation of " + prompt}
	}
	return variations
}
