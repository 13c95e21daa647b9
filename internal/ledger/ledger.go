// Package ledger implements the per-tenant append-only audit chain. Each
// block hashes its predecessor, so local tampering with any stored block is
// detectable by re-walking the chain. This is tamper evidence, not
// cryptographic proof: the whole chain lives in one JSON file the process
// can rewrite.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"aegis/internal/logging"
)

// ChainFile is the per-tenant ledger file name.
const ChainFile = "audit_chain.json"

// Block is one ledger entry. Timestamp is float seconds since the epoch so
// chains survive a hash recomputation across restarts byte for byte.
type Block struct {
	Index        int            `json:"index"`
	Timestamp    float64        `json:"timestamp"`
	Data         map[string]any `json:"data"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

// ComputeHash hashes the block contents (excluding the hash field itself)
// over canonical JSON. Go's encoding/json emits map keys sorted, which is
// the canonical form here.
func ComputeHash(b Block) string {
	payload := map[string]any{
		"index":         b.Index,
		"timestamp":     b.Timestamp,
		"data":          b.Data,
		"previous_hash": b.PreviousHash,
	}
	// Marshal of plain maps and JSON scalars cannot fail.
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidationError reports the earliest broken block in a chain.
type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("block %d: %s", e.Index, e.Reason)
}

// Ledger is a tenant's hash-chained event log.
type Ledger struct {
	clientID string
	path     string

	mu    sync.Mutex
	chain []Block
}

// New opens (or creates) a tenant ledger. A missing or unreadable chain
// file starts a fresh chain with a genesis block.
func New(clientID, dir string) (*Ledger, error) {
	l := &Ledger{
		clientID: clientID,
		path:     filepath.Join(dir, ChainFile),
	}
	if !l.load() {
		genesis := Block{
			Index:        0,
			Timestamp:    now(),
			Data:         map[string]any{"event": "Genesis"},
			PreviousHash: "0",
		}
		genesis.Hash = ComputeHash(genesis)
		l.chain = []Block{genesis}
		if err := l.persistLocked(); err != nil {
			return nil, fmt.Errorf("failed to persist genesis block: %w", err)
		}
	}
	logging.Ledger("[%s] Ledger online. Height: %d", clientID, len(l.chain))
	return l, nil
}

// load reads the stored chain. Stored hashes are trusted here; Validate is
// the strict check. Returns false when no usable chain exists.
func (l *Ledger) load() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	var chain []Block
	if err := json.Unmarshal(data, &chain); err != nil {
		logging.LedgerError("[%s] Failed to parse chain: %v", l.clientID, err)
		return false
	}
	if len(chain) == 0 {
		return false
	}
	l.chain = chain
	return true
}

// AddBlock appends an event to the chain and persists it. Appends are
// serialised per tenant: each block's previous_hash must be the hash of
// the block committed immediately before it.
func (l *Ledger) AddBlock(data map[string]any) (Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	latest := l.chain[len(l.chain)-1]
	block := Block{
		Index:        latest.Index + 1,
		Timestamp:    now(),
		Data:         data,
		PreviousHash: latest.Hash,
	}
	block.Hash = ComputeHash(block)
	l.chain = append(l.chain, block)

	if err := l.persistLocked(); err != nil {
		logging.LedgerError("[%s] Failed to persist chain: %v", l.clientID, err)
		return block, err
	}
	logging.LedgerDebug("[%s] Block %d sealed (%s)", l.clientID, block.Index, block.Hash[:12])
	return block, nil
}

// Validate re-walks the chain, recomputing every hash and checking every
// link. Returns nil when intact, or a ValidationError naming the earliest
// broken block.
func (l *Ledger) Validate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 1; i < len(l.chain); i++ {
		cur, prev := l.chain[i], l.chain[i-1]
		if cur.Hash != ComputeHash(cur) {
			return &ValidationError{Index: i, Reason: "hash mismatch, data may be tampered"}
		}
		if cur.PreviousHash != prev.Hash {
			return &ValidationError{Index: i, Reason: "link broken, previous hash does not match"}
		}
	}
	return nil
}

// Height returns the number of blocks.
func (l *Ledger) Height() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chain)
}

// LatestHash returns the hash of the newest block.
func (l *Ledger) LatestHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain[len(l.chain)-1].Hash
}

// Blocks returns a copy of the chain.
func (l *Ledger) Blocks() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Block, len(l.chain))
	copy(out, l.chain)
	return out
}

// Tamper overwrites a block in memory. Exists for integrity testing only.
func (l *Ledger) Tamper(index int, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index >= 0 && index < len(l.chain) {
		l.chain[index].Data = data
	}
}

func (l *Ledger) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(l.chain, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0o644)
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
