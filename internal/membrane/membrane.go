// Package membrane implements Layer 1: a per-tenant nearest-neighbour
// index of antibodies (known-bad patterns) and safe anchors (known-good
// patterns). Checks are a linear cosine scan; learning and pruning rewrite
// an on-disk JSON snapshot atomically, and an mtime test before every scan
// picks up snapshots written by other processes.
package membrane

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"aegis/internal/engine"
	"aegis/internal/logging"
)

// SnapshotFile is the per-tenant antibody snapshot name.
const SnapshotFile = "antibodies.json"

// SafeAnchorPrefix marks labels that allow instead of block.
const SafeAnchorPrefix = "SAFE:"

// Options holds membrane tuning.
type Options struct {
	// SimilarityThreshold: cosine scores strictly greater match.
	SimilarityThreshold float64

	// MaxSafeAnchors caps the verified-pattern whitelist. 0 means the
	// default cap.
	MaxSafeAnchors int
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: 0.75,
		MaxSafeAnchors:      256,
	}
}

// snapshot is the on-disk JSON shape.
type snapshot struct {
	Vectors  [][]float32 `json:"vectors"`
	Labels   []string    `json:"labels"`
	Patterns []string    `json:"patterns"`
}

// Membrane is the Layer 1 index for one tenant. The three parallel slices
// share one identity: index i is antibody i. Mutations replace the slices
// wholesale under the mutex, so a concurrent check never observes a
// half-rebuilt triple.
type Membrane struct {
	clientID string
	path     string
	engine   engine.Engine
	opts     Options

	mu       sync.Mutex
	vectors  [][]float32
	labels   []string
	patterns []string
	lastLoad time.Time // snapshot mtime at last load
	dirty    atomic.Bool
}

// New creates a membrane for a tenant, loading any existing snapshot from
// dir. A missing or unreadable snapshot starts an empty index.
func New(clientID, dir string, eng engine.Engine, opts Options) *Membrane {
	if opts.SimilarityThreshold == 0 {
		opts.SimilarityThreshold = DefaultOptions().SimilarityThreshold
	}
	if opts.MaxSafeAnchors <= 0 {
		opts.MaxSafeAnchors = DefaultOptions().MaxSafeAnchors
	}

	m := &Membrane{
		clientID: clientID,
		path:     filepath.Join(dir, SnapshotFile),
		engine:   eng,
		opts:     opts,
	}
	m.mu.Lock()
	if m.loadLocked() {
		logging.Membrane("[%s] Loaded %d antibodies from snapshot", clientID, len(m.vectors))
	}
	m.mu.Unlock()
	return m
}

// Path returns the snapshot location.
func (m *Membrane) Path() string { return m.path }

// MarkDirty forces a reload on the next check. Called by the snapshot
// watcher when the file changes without a visible mtime advance.
func (m *Membrane) MarkDirty() { m.dirty.Store(true) }

// loadLocked reads the snapshot from disk. Caller holds m.mu.
func (m *Membrane) loadLocked() bool {
	info, err := os.Stat(m.path)
	if err != nil {
		return false
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		logging.MembraneError("[%s] Failed to read snapshot: %v", m.clientID, err)
		return false
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logging.MembraneError("[%s] Failed to parse snapshot: %v", m.clientID, err)
		return false
	}
	if len(snap.Vectors) != len(snap.Labels) {
		logging.MembraneError("[%s] Snapshot corrupt: %d vectors vs %d labels", m.clientID, len(snap.Vectors), len(snap.Labels))
		return false
	}
	// Older snapshots predate patterns.
	if len(snap.Patterns) != len(snap.Labels) {
		snap.Patterns = make([]string, len(snap.Labels))
	}

	m.vectors = snap.Vectors
	m.labels = snap.Labels
	m.patterns = snap.Patterns
	m.lastLoad = info.ModTime()
	return true
}

// checkReloadLocked reloads if the on-disk snapshot advanced past the last
// observed mtime, or the watcher marked it dirty. Caller holds m.mu.
func (m *Membrane) checkReloadLocked() {
	forced := m.dirty.Swap(false)
	if !forced {
		info, err := os.Stat(m.path)
		if err != nil || !info.ModTime().After(m.lastLoad) {
			return
		}
	}
	logging.Membrane("[%s] Detected snapshot update on disk. Reloading...", m.clientID)
	if m.loadLocked() {
		logging.Membrane("[%s] Hot reload complete. Antibodies: %d", m.clientID, len(m.vectors))
	}
}

// saveLocked persists the snapshot atomically: temp file in the same
// directory, then rename. Caller holds m.mu.
func (m *Membrane) saveLocked() error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	snap := snapshot{Vectors: m.vectors, Labels: m.labels, Patterns: m.patterns}
	if snap.Vectors == nil {
		snap.Vectors = [][]float32{}
	}
	if snap.Labels == nil {
		snap.Labels = []string{}
	}
	if snap.Patterns == nil {
		snap.Patterns = []string{}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, SnapshotFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	// Our own write must not look like an external update.
	if info, err := os.Stat(m.path); err == nil {
		m.lastLoad = info.ModTime()
	}
	return nil
}

// embed wraps the engine call with the fail-open degradation: an embed
// error yields a zero vector, which scans as similarity 0 everywhere.
func (m *Membrane) embed(ctx context.Context, text string) []float32 {
	vec, err := m.engine.Embed(ctx, text)
	if err != nil {
		logging.MembraneWarn("[%s] Embed failed, using zero vector: %v", m.clientID, err)
		return engine.ZeroVector(m.engine.Dimensions())
	}
	return vec
}

// Check screens a prompt against the index.
// Returns (safe, reason, similarity of the best match).
func (m *Membrane) Check(ctx context.Context, prompt string) (bool, string, float64) {
	timer := logging.StartTimer(logging.CategoryMembrane, "Check")
	defer timer.StopWithThreshold(50 * time.Millisecond)

	m.mu.Lock()
	m.checkReloadLocked()
	vectors, labels := m.vectors, m.labels
	m.mu.Unlock()

	if len(vectors) == 0 {
		return true, "Safe (No Rules)", 0
	}

	target := m.embed(ctx, prompt)

	maxSim := -1.0
	bestLabel := ""
	for i, vec := range vectors {
		sim := engine.Cosine(target, vec)
		if sim > maxSim {
			maxSim = sim
			bestLabel = labels[i]
		}
	}

	if maxSim > m.opts.SimilarityThreshold {
		if strings.HasPrefix(bestLabel, SafeAnchorPrefix) {
			return true, fmt.Sprintf("Semantic match to Safe Anchor: %s", bestLabel), maxSim
		}
		return false, fmt.Sprintf("Semantic match to: %s", bestLabel), maxSim
	}
	return true, "Safe", maxSim
}

// LearnNewThreat appends a new antibody (or safe anchor, when the label
// carries the SAFE: prefix) and persists the snapshot. Safe anchors are
// capped; once the cap is reached new anchors are dropped silently so the
// verified-pattern whitelist cannot grow without bound.
func (m *Membrane) LearnNewThreat(ctx context.Context, text, label string) error {
	vector := m.embed(ctx, text)
	pattern := strings.Join(ExtractKeywords(text, 5), ", ")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkReloadLocked()

	if strings.HasPrefix(label, SafeAnchorPrefix) && m.safeAnchorCountLocked() >= m.opts.MaxSafeAnchors {
		logging.MembraneWarn("[%s] Safe anchor cap (%d) reached, not learning %q", m.clientID, m.opts.MaxSafeAnchors, label)
		return nil
	}

	m.vectors = append(m.vectors, vector)
	m.labels = append(m.labels, label)
	m.patterns = append(m.patterns, pattern)

	if err := m.saveLocked(); err != nil {
		logging.MembraneError("[%s] Failed to persist snapshot: %v", m.clientID, err)
		return err
	}
	logging.MembraneDebug("[%s] Learned %q (index size %d)", m.clientID, label, len(m.vectors))
	return nil
}

// PruneAntibodies removes antibodies that collide with known-safe prompts
// (negative learning for false positives). Safe anchors are never pruned.
func (m *Membrane) PruneAntibodies(ctx context.Context, safePrompts []string) error {
	logging.Membrane("[%s] Running negative learning on %d safe prompts", m.clientID, len(safePrompts))

	safeVecs := make([][]float32, 0, len(safePrompts))
	for _, p := range safePrompts {
		safeVecs = append(safeVecs, m.embed(ctx, p))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkReloadLocked()

	toRemove := make(map[int]bool)
	for si, safeVec := range safeVecs {
		for i, antiVec := range m.vectors {
			if toRemove[i] || strings.HasPrefix(m.labels[i], SafeAnchorPrefix) {
				continue
			}
			sim := engine.Cosine(safeVec, antiVec)
			if sim > m.opts.SimilarityThreshold {
				logging.Membrane("[%s] Antibody %q conflicts with safe prompt %q (sim %.2f), marking for deletion",
					m.clientID, m.labels[i], safePrompts[si], sim)
				toRemove[i] = true
			}
		}
	}

	if len(toRemove) == 0 {
		logging.MembraneDebug("[%s] No conflicts found", m.clientID)
		return nil
	}

	initial := len(m.vectors)
	newVectors := make([][]float32, 0, initial-len(toRemove))
	newLabels := make([]string, 0, initial-len(toRemove))
	newPatterns := make([]string, 0, initial-len(toRemove))
	for i := range m.vectors {
		if !toRemove[i] {
			newVectors = append(newVectors, m.vectors[i])
			newLabels = append(newLabels, m.labels[i])
			newPatterns = append(newPatterns, m.patterns[i])
		}
	}
	m.vectors, m.labels, m.patterns = newVectors, newLabels, newPatterns

	if err := m.saveLocked(); err != nil {
		logging.MembraneError("[%s] Failed to persist snapshot after prune: %v", m.clientID, err)
		return err
	}
	logging.Membrane("[%s] Pruned %d antibodies. Count: %d -> %d", m.clientID, len(toRemove), initial, len(m.vectors))
	return nil
}

// Count returns the total number of stored entries.
func (m *Membrane) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vectors)
}

// SafeAnchorCount returns the number of SAFE: entries.
func (m *Membrane) SafeAnchorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.safeAnchorCountLocked()
}

func (m *Membrane) safeAnchorCountLocked() int {
	n := 0
	for _, l := range m.labels {
		if strings.HasPrefix(l, SafeAnchorPrefix) {
			n++
		}
	}
	return n
}
