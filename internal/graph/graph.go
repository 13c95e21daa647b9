// Package graph implements the per-session conversation graph used by the
// intent judge: a DAG of turn nodes linked by temporal edges (each turn to
// its successor) and semantic edges (cosine similarity over a short
// lookback window). Trajectory detection over recent risk scores catches
// multi-turn escalation that no single prompt reveals.
package graph

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"aegis/internal/engine"
	"aegis/internal/logging"
)

// Edge kinds.
const (
	EdgeTemporal = "temporal"
	EdgeSemantic = "semantic"
)

// semanticLookback bounds how many prior turns each new node is compared
// against.
const semanticLookback = 5

// semanticThreshold links nodes whose vectors are at least this similar.
const semanticThreshold = 0.5

// Node is one conversation turn.
type Node struct {
	ID     int
	Prompt string
	Vector []float32
	Risk   int
	Reason string
	Time   time.Time
}

// Edge is a directed link between turns.
type Edge struct {
	From   int
	To     int
	Kind   string
	Weight float64
}

// Graph holds one session's turn history. Node IDs are dense and
// monotonically increasing from 0.
type Graph struct {
	mu    sync.Mutex
	nodes []Node
	out   map[int][]Edge
}

// New creates an empty conversation graph.
func New() *Graph {
	return &Graph{out: make(map[int][]Edge)}
}

// AddInteraction inserts a turn node, links it temporally to its
// predecessor, and adds semantic edges from recent similar turns.
// Returns the new node's id.
func (g *Graph) AddInteraction(prompt string, vector []float32, risk int, reason string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := len(g.nodes)
	g.nodes = append(g.nodes, Node{
		ID:     id,
		Prompt: prompt,
		Vector: vector,
		Risk:   risk,
		Reason: reason,
		Time:   time.Now(),
	})

	if id > 0 {
		g.out[id-1] = append(g.out[id-1], Edge{From: id - 1, To: id, Kind: EdgeTemporal, Weight: 1.0})
	}

	start := id - semanticLookback
	if start < 0 {
		start = 0
	}
	for prev := start; prev < id; prev++ {
		sim := engine.Cosine(g.nodes[prev].Vector, vector)
		if sim > semanticThreshold {
			g.out[prev] = append(g.out[prev], Edge{From: prev, To: id, Kind: EdgeSemantic, Weight: sim})
			logging.GraphDebug("Semantic edge %d -> %d (sim %.3f)", prev, id, sim)
		}
	}
	return id
}

// DetectTrajectory inspects the last three turns for risk escalation.
// Returns ("escalating", delta) when the newest turn's risk rose above its
// predecessor and past the noise floor, else ("stable", 0).
func (g *Graph) DetectTrajectory() (string, int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.nodes)
	if n < 3 {
		return "stable", 0
	}
	risks := []int{g.nodes[n-3].Risk, g.nodes[n-2].Risk, g.nodes[n-1].Risk}
	if risks[2] > risks[1] && risks[2] > 20 {
		return "escalating", risks[2] - risks[1]
	}
	return "stable", 0
}

// ContextString formats the most recent turns for the judge. Risk scores
// are intentionally excluded: the judge must re-evaluate each prompt on
// content alone.
func (g *Graph) ContextString(limit int) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := len(g.nodes) - limit
	if start < 0 {
		start = 0
	}
	var lines []string
	for i := start; i < len(g.nodes); i++ {
		lines = append(lines, fmt.Sprintf("Turn %d: %s", i+1, g.nodes[i].Prompt))
	}
	return strings.Join(lines, "\n")
}

// Len returns the number of turns.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id int) (Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id < 0 || id >= len(g.nodes) {
		return Node{}, false
	}
	return g.nodes[id], true
}

// Edges returns copies of the out-edges of the given node.
func (g *Graph) Edges(id int) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	edges := make([]Edge, len(g.out[id]))
	copy(edges, g.out[id])
	return edges
}

// Reset clears all nodes and edges.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = nil
	g.out = make(map[int][]Edge)
}
