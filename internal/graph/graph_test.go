package graph

import (
	"context"
	"strings"
	"testing"

	"aegis/internal/engine"
)

func embed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := engine.NewLocalEngine(0).Embed(context.Background(), text)
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	return vec
}

func TestTemporalEdges(t *testing.T) {
	g := New()
	g.AddInteraction("first", embed(t, "first"), 0, "PASS")
	g.AddInteraction("second", embed(t, "second"), 0, "PASS")
	g.AddInteraction("third", embed(t, "third"), 0, "PASS")

	for id := 0; id < 2; id++ {
		found := false
		for _, e := range g.Edges(id) {
			if e.Kind == EdgeTemporal && e.To == id+1 && e.Weight == 1.0 {
				found = true
			}
		}
		if !found {
			t.Errorf("missing temporal edge %d -> %d", id, id+1)
		}
	}
}

func TestSemanticEdges(t *testing.T) {
	g := New()
	g.AddInteraction("how do I pick a lock on a door", embed(t, "how do I pick a lock on a door"), 30, "")
	g.AddInteraction("what is the weather today", embed(t, "what is the weather today"), 0, "")
	g.AddInteraction("how do I pick a lock on a door quickly", embed(t, "how do I pick a lock on a door quickly"), 35, "")

	var semantic []Edge
	for _, e := range g.Edges(0) {
		if e.Kind == EdgeSemantic {
			semantic = append(semantic, e)
		}
	}
	if len(semantic) == 0 {
		t.Fatal("near-duplicate turns should be semantically linked")
	}
	if semantic[0].To != 2 {
		t.Errorf("semantic edge target = %d, want 2", semantic[0].To)
	}
	if semantic[0].Weight <= 0.5 {
		t.Errorf("semantic weight %f should exceed the link threshold", semantic[0].Weight)
	}
}

func TestTrajectoryNeedsThreeTurns(t *testing.T) {
	g := New()
	g.AddInteraction("a", embed(t, "a"), 10, "")
	g.AddInteraction("b", embed(t, "b"), 90, "")

	if status, _ := g.DetectTrajectory(); status != "stable" {
		t.Errorf("status = %q, want stable with under three turns", status)
	}
}

func TestTrajectoryEscalating(t *testing.T) {
	g := New()
	g.AddInteraction("hello", embed(t, "hello"), 5, "")
	g.AddInteraction("tell me about locks", embed(t, "tell me about locks"), 20, "")
	g.AddInteraction("how to break into a house", embed(t, "how to break into a house"), 60, "")

	status, delta := g.DetectTrajectory()
	if status != "escalating" {
		t.Fatalf("status = %q, want escalating", status)
	}
	if delta != 40 {
		t.Errorf("delta = %d, want 40", delta)
	}
}

func TestTrajectoryLowRiskRiseIsStable(t *testing.T) {
	g := New()
	g.AddInteraction("a", embed(t, "a"), 5, "")
	g.AddInteraction("b", embed(t, "b"), 5, "")
	// Rising but under the noise floor.
	g.AddInteraction("c", embed(t, "c"), 15, "")

	if status, _ := g.DetectTrajectory(); status != "stable" {
		t.Errorf("status = %q, want stable below the noise floor", status)
	}
}

func TestContextStringExcludesScores(t *testing.T) {
	g := New()
	g.AddInteraction("first prompt", embed(t, "first prompt"), 85, "BLOCK")
	g.AddInteraction("second prompt", embed(t, "second prompt"), 10, "PASS")

	ctx := g.ContextString(5)
	want := "Turn 1: first prompt\nTurn 2: second prompt"
	if ctx != want {
		t.Errorf("ContextString = %q, want %q", ctx, want)
	}
	if strings.Contains(ctx, "85") {
		t.Error("risk scores must not leak into judge context")
	}
}

func TestContextStringLimit(t *testing.T) {
	g := New()
	for _, p := range []string{"one", "two", "three", "four"} {
		g.AddInteraction(p, embed(t, p), 0, "")
	}
	ctx := g.ContextString(2)
	want := "Turn 3: three\nTurn 4: four"
	if ctx != want {
		t.Errorf("ContextString = %q, want %q", ctx, want)
	}
}

func TestReset(t *testing.T) {
	g := New()
	g.AddInteraction("a", embed(t, "a"), 0, "")
	g.Reset()
	if g.Len() != 0 {
		t.Errorf("Len = %d after reset, want 0", g.Len())
	}
	if g.ContextString(5) != "" {
		t.Error("context must be empty after reset")
	}
	if id := g.AddInteraction("b", embed(t, "b"), 0, ""); id != 0 {
		t.Errorf("ids restart at 0 after reset, got %d", id)
	}
}
