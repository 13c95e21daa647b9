package engine

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// =============================================================================
// LOCAL CPU EMBEDDER
// =============================================================================

// DefaultLocalDimensions matches the small sentence-embedding models the
// hybrid mode stands in for.
const DefaultLocalDimensions = 384

// LocalEngine is a deterministic CPU embedder: feature-hashed bag of words
// projected onto a fixed-dimension unit vector. It needs no model download
// and no GPU, which makes it the hybrid-mode embed path and the hermetic
// test engine. Chat operations are not supported.
type LocalEngine struct {
	dims int
}

// NewLocalEngine creates a local embedder. dims <= 0 selects the default.
func NewLocalEngine(dims int) *LocalEngine {
	if dims <= 0 {
		dims = DefaultLocalDimensions
	}
	return &LocalEngine{dims: dims}
}

// Embed hashes word unigrams and bigrams into a normalized vector.
// Identical texts always produce identical vectors; texts sharing most of
// their words land close in cosine space.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec, nil
	}

	add := func(feature string) {
		h := fnv.New64a()
		h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		// Low bit of the hash picks the sign, spreading mass over both halves.
		if sum&(1<<32) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	for i, tok := range tokens {
		add(tok)
		if i > 0 {
			add(tokens[i-1] + " " + tok)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// ChatJSON is not supported by the local embedder.
func (e *LocalEngine) ChatJSON(context.Context, string, string) (map[string]any, error) {
	return nil, ErrNotSupported
}

// ChatText is not supported by the local embedder.
func (e *LocalEngine) ChatText(context.Context, string, string, []Message) (string, error) {
	return "", ErrNotSupported
}

// Dimensions returns the embedding dimensionality.
func (e *LocalEngine) Dimensions() int { return e.dims }

// Name returns the engine name.
func (e *LocalEngine) Name() string { return "local:feature-hash" }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
