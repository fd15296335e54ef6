// Package chain provides the hash-linked audit chain every sensitive
// operation is recorded on. Blocks are immutable once appended; the chain
// is the system's single shared mutable resource and is serialized behind
// one mutex.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/events"
)

// FileVersion tags the persisted chain file format.
const FileVersion = "1.0"

// GenesisPreviousHash is the previous-hash marker of the genesis block.
var GenesisPreviousHash = strings.Repeat("0", 64)

// EventTypeGenesis is the event type recorded on the genesis block.
const EventTypeGenesis = "system_initialized"

// ErrMissingEventType rejects an Add call whose data lacks an event_type.
var ErrMissingEventType = errors.New("event_type is required")

// IntegrityError reports a block whose hash or linkage failed verification
type IntegrityError struct {
	Reason string
	Index  int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violation at block %d: %s", e.Index, e.Reason)
}

// Block is one immutable entry in the audit chain
type Block struct {
	Timestamp    time.Time      `json:"timestamp"`
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	SessionID    string         `json:"session_id"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	Resource     *string        `json:"resource"`
	Data         map[string]any `json:"data"`
	PreviousHash string         `json:"previous_hash"`
	CurrentHash  string         `json:"current_hash"`
	Index        int            `json:"index"`
}

// computeHash hashes the canonical serialization of every field except
// current_hash. encoding/json sorts map keys, which keeps the serialization
// stable across persist/load cycles.
func (b *Block) computeHash() (string, error) {
	payload := map[string]any{
		"index":         b.Index,
		"event_id":      b.EventID,
		"timestamp":     b.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_type":    b.EventType,
		"session_id":    b.SessionID,
		"actor":         b.Actor,
		"action":        b.Action,
		"resource":      b.Resource,
		"data":          b.Data,
		"previous_hash": b.PreviousHash,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize block %d: %w", b.Index, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Archive receives every appended block for durable mirroring. Append
// failures are logged but never fail the in-memory chain.
type Archive interface {
	AppendBlock(b Block) error
}

// Options configures a chain
type Options struct {
	// PersistPath enables auto-persist of the full chain on every add.
	PersistPath string
	// Archive optionally mirrors every block into durable storage.
	Archive Archive
	// Bus optionally receives a chain_appended notification per block.
	Bus *events.Bus
}

// Chain is an append-only, hash-linked block log
type Chain struct {
	mu     sync.RWMutex
	blocks []Block
	opts   Options
	log    zerolog.Logger
}

// New creates a chain holding only the genesis block
func New(opts Options, log zerolog.Logger) *Chain {
	c := &Chain{
		opts: opts,
		log:  log.With().Str("component", "chain").Logger(),
	}
	genesis := Block{
		Index:        0,
		Timestamp:    time.Now().UTC(),
		EventType:    EventTypeGenesis,
		SessionID:    "system",
		Actor:        "system",
		Action:       "genesis",
		Data:         map[string]any{},
		PreviousHash: GenesisPreviousHash,
	}
	// Genesis data is static, hashing cannot fail
	genesis.CurrentHash, _ = genesis.computeHash()
	c.blocks = []Block{genesis}
	return c
}

// Open loads the chain from PersistPath when the file exists, otherwise
// creates a fresh chain and persists the genesis block
func Open(opts Options, log zerolog.Logger) (*Chain, error) {
	if opts.PersistPath != "" {
		if _, err := os.Stat(opts.PersistPath); err == nil {
			return Load(opts.PersistPath, opts, log)
		}
	}
	c := New(opts, log)
	if opts.PersistPath != "" {
		c.mu.Lock()
		err := c.persistLocked()
		c.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to persist new chain: %w", err)
		}
	}
	c.log.Info().Str("path", opts.PersistPath).Msg("Audit chain initialized")
	return c, nil
}

// Load reads a persisted chain and verifies it end to end. A chain that
// fails verification is fatal; it is never truncated or repaired.
func Load(path string, opts Options, log zerolog.Logger) (*Chain, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain file: %w", err)
	}

	var file chainFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse chain file: %w", err)
	}
	if len(file.Blocks) == 0 {
		return nil, &IntegrityError{Index: 0, Reason: "chain file contains no blocks"}
	}
	if file.BlockCount != len(file.Blocks) {
		return nil, &IntegrityError{
			Index:  0,
			Reason: fmt.Sprintf("block_count %d does not match %d stored blocks", file.BlockCount, len(file.Blocks)),
		}
	}

	c := &Chain{
		blocks: file.Blocks,
		opts:   opts,
		log:    log.With().Str("component", "chain").Logger(),
	}
	if verr := c.verify(); verr != nil {
		return nil, verr
	}
	if file.RootHash != c.blocks[len(c.blocks)-1].CurrentHash {
		return nil, &IntegrityError{
			Index:  len(c.blocks) - 1,
			Reason: "root_hash does not match the tail block",
		}
	}

	c.log.Info().
		Int("blocks", len(c.blocks)).
		Str("path", path).
		Msg("Audit chain loaded and verified")
	return c, nil
}

// promoteString removes a string field from the data map, falling back to a
// default when absent or not a string.
func promoteString(data map[string]any, key, fallback string) (string, bool) {
	v, present := data[key]
	if !present {
		return fallback, false
	}
	if s, ok := v.(string); ok && s != "" {
		return s, true
	}
	return fallback, true
}

// Add appends a block built from the given data map and returns its hash.
// data must contain event_type; event_id, session_id, actor, action and
// resource are promoted to block fields; remaining keys become block data.
// The caller's map is never mutated.
func (c *Chain) Add(data map[string]any) (string, error) {
	eventType, ok := data["event_type"].(string)
	if !ok || eventType == "" {
		return "", ErrMissingEventType
	}

	eventID, _ := promoteString(data, "event_id", "")
	sessionID, _ := promoteString(data, "session_id", "unknown")
	actor, _ := promoteString(data, "actor", "unknown")
	action, _ := promoteString(data, "action", "unknown")

	var resource *string
	if s, present := promoteString(data, "resource", ""); present && s != "" {
		resource = &s
	}

	promoted := map[string]bool{
		"event_type": true, "event_id": true, "session_id": true,
		"actor": true, "action": true, "resource": true,
	}
	blockData := make(map[string]any, len(data))
	for k, v := range data {
		if !promoted[k] {
			blockData[k] = v
		}
	}

	c.mu.Lock()

	block := Block{
		Index:        len(c.blocks),
		Timestamp:    time.Now().UTC(),
		EventID:      eventID,
		EventType:    eventType,
		SessionID:    sessionID,
		Actor:        actor,
		Action:       action,
		Resource:     resource,
		Data:         blockData,
		PreviousHash: c.blocks[len(c.blocks)-1].CurrentHash,
	}

	hash, err := block.computeHash()
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	block.CurrentHash = hash
	c.blocks = append(c.blocks, block)

	if c.opts.PersistPath != "" {
		if err := c.persistLocked(); err != nil {
			// A block either lands fully (memory and file) or not at all
			c.blocks = c.blocks[:len(c.blocks)-1]
			c.mu.Unlock()
			return "", fmt.Errorf("failed to persist chain: %w", err)
		}
	}

	if c.opts.Archive != nil {
		if err := c.opts.Archive.AppendBlock(block); err != nil {
			c.log.Warn().
				Err(err).
				Int("index", block.Index).
				Msg("Failed to mirror block to archive")
		}
	}

	c.log.Debug().
		Int("index", block.Index).
		Str("event_type", block.EventType).
		Str("session_id", block.SessionID).
		Msg("Block appended")

	c.mu.Unlock()

	// Emit after releasing the lock: chain_appended handlers run on this
	// goroutine and may read the chain.
	if c.opts.Bus != nil {
		c.opts.Bus.Emit(events.NotificationChainAppended, "chain", map[string]any{
			"index":      block.Index,
			"event_type": block.EventType,
			"session_id": block.SessionID,
			"hash":       block.CurrentHash,
		})
	}
	return hash, nil
}

// verify walks the chain recomputing hashes and checking linkage.
// Callers must hold at least a read lock.
func (c *Chain) verify() *IntegrityError {
	if len(c.blocks) == 0 {
		return &IntegrityError{Index: 0, Reason: "chain is empty"}
	}
	if c.blocks[0].PreviousHash != GenesisPreviousHash {
		return &IntegrityError{Index: 0, Reason: "genesis block has a non-zero previous hash"}
	}
	for i := range c.blocks {
		recomputed, err := c.blocks[i].computeHash()
		if err != nil {
			return &IntegrityError{Index: i, Reason: err.Error()}
		}
		if recomputed != c.blocks[i].CurrentHash {
			return &IntegrityError{Index: i, Reason: "stored hash does not match block contents"}
		}
		if i > 0 && c.blocks[i].PreviousHash != c.blocks[i-1].CurrentHash {
			return &IntegrityError{Index: i, Reason: "previous hash does not link to prior block"}
		}
	}
	return nil
}

// VerifyIntegrity recomputes every block hash and checks linkage
func (c *Chain) VerifyIntegrity() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verify() == nil
}

// RootHash returns the tail block's hash
func (c *Chain) RootHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].CurrentHash
}

// Len returns the number of blocks including genesis
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Block returns the block at the given index
func (c *Chain) Block(index int) (Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.blocks) {
		return Block{}, false
	}
	return c.blocks[index], true
}

// BlocksBySession returns all blocks recorded for a session
func (c *Chain) BlocksBySession(sessionID string) []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Block
	for i := range c.blocks {
		if c.blocks[i].SessionID == sessionID {
			out = append(out, c.blocks[i])
		}
	}
	return out
}

// BlocksByEventType returns all blocks with the given event type tag
func (c *Chain) BlocksByEventType(eventType string) []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Block
	for i := range c.blocks {
		if c.blocks[i].EventType == eventType {
			out = append(out, c.blocks[i])
		}
	}
	return out
}

// BlocksInRange returns blocks whose timestamps fall within [from, to]
func (c *Chain) BlocksInRange(from, to time.Time) []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Block
	for i := range c.blocks {
		ts := c.blocks[i].Timestamp
		if !ts.Before(from) && !ts.After(to) {
			out = append(out, c.blocks[i])
		}
	}
	return out
}

// Export returns the ordered block list
func (c *Chain) Export() []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// chainFile is the persisted JSON form of the chain
type chainFile struct {
	Version    string  `json:"version"`
	BlockCount int     `json:"block_count"`
	RootHash   string  `json:"root_hash"`
	Blocks     []Block `json:"blocks"`
}

// persistLocked writes the full chain to PersistPath via a temp file and
// rename so a crash never leaves a torn file. Callers must hold the lock.
func (c *Chain) persistLocked() error {
	file := chainFile{
		Version:    FileVersion,
		BlockCount: len(c.blocks),
		RootHash:   c.blocks[len(c.blocks)-1].CurrentHash,
		Blocks:     c.blocks,
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize chain: %w", err)
	}

	dir := filepath.Dir(c.opts.PersistPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create chain directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".chain-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp chain file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write chain file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close chain file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.opts.PersistPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace chain file: %w", err)
	}
	return nil
}
