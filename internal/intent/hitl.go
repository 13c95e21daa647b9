package intent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"aegis/internal/logging"
)

// ReviewEntry is one flagged prompt awaiting human review.
type ReviewEntry struct {
	Timestamp string `json:"timestamp"`
	Prompt    string `json:"prompt"`
	RiskScore int    `json:"risk_score"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`
}

// ReviewQueue persists ambiguous prompts for human-in-the-loop triage.
// The file is a JSON array; appends read-modify-write under the mutex.
type ReviewQueue struct {
	path    string
	enabled bool
	mu      sync.Mutex
}

// NewReviewQueue creates a queue backed by path. A disabled queue accepts
// and discards appends.
func NewReviewQueue(path string, enabled bool) *ReviewQueue {
	return &ReviewQueue{path: path, enabled: enabled}
}

// Append records an ambiguous prompt with status "pending". Queue failures
// are logged, never propagated: review logging must not affect the
// allow/block decision.
func (q *ReviewQueue) Append(prompt string, score int, reason string) {
	if !q.enabled {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var entries []ReviewEntry
	if data, err := os.ReadFile(q.path); err == nil {
		// Corrupt queue files start over rather than wedging the pipeline.
		if err := json.Unmarshal(data, &entries); err != nil {
			logging.IntentWarn("HITL: review queue unreadable, resetting: %v", err)
			entries = nil
		}
	}

	entries = append(entries, ReviewEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Prompt:    prompt,
		RiskScore: score,
		Reason:    reason,
		Status:    "pending",
	})

	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		logging.IntentError("HITL: failed to create queue dir: %v", err)
		return
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		logging.IntentError("HITL: failed to marshal queue: %v", err)
		return
	}
	if err := os.WriteFile(q.path, data, 0o644); err != nil {
		logging.IntentError("HITL: failed to write queue: %v", err)
		return
	}
	logging.Intent("HITL: flagged ambiguous prompt (score %d) for review", score)
}

// Pending returns the entries still awaiting review.
func (q *ReviewQueue) Pending() ([]ReviewEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []ReviewEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Status == "pending" {
			out = append(out, e)
		}
	}
	return out, nil
}
