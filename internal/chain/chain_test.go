package chain

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfo/vigil/internal/events"
)

func newTestChain(t *testing.T) *Chain {
	t.Helper()
	return New(Options{}, zerolog.Nop())
}

func TestNew_GenesisBlock(t *testing.T) {
	c := newTestChain(t)

	require.Equal(t, 1, c.Len())
	genesis, ok := c.Block(0)
	require.True(t, ok)
	assert.Equal(t, 0, genesis.Index)
	assert.Equal(t, EventTypeGenesis, genesis.EventType)
	assert.Equal(t, GenesisPreviousHash, genesis.PreviousHash)
	assert.Len(t, genesis.PreviousHash, 64)
	assert.Equal(t, "system", genesis.Actor)
	assert.Equal(t, "genesis", genesis.Action)
	assert.NotEmpty(t, genesis.CurrentHash)
	assert.True(t, c.VerifyIntegrity())
	assert.Equal(t, genesis.CurrentHash, c.RootHash())
}

func TestChain_Add(t *testing.T) {
	c := newTestChain(t)

	hash, err := c.Add(map[string]any{
		"event_type": "market_event_detected",
		"event_id":   "mkt_001",
		"session_id": "advisor_session",
		"actor":      "gateway",
		"action":     "event_received",
		"resource":   "port-001",
		"magnitude":  -0.04,
		"sectors":    []string{"Technology"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	require.Equal(t, 2, c.Len())
	block, ok := c.Block(1)
	require.True(t, ok)
	assert.Equal(t, 1, block.Index)
	assert.Equal(t, "market_event_detected", block.EventType)
	assert.Equal(t, "mkt_001", block.EventID)
	assert.Equal(t, "advisor_session", block.SessionID)
	assert.Equal(t, "gateway", block.Actor)
	assert.Equal(t, "event_received", block.Action)
	require.NotNil(t, block.Resource)
	assert.Equal(t, "port-001", *block.Resource)

	// Promoted keys do not leak into block data
	assert.NotContains(t, block.Data, "event_type")
	assert.NotContains(t, block.Data, "session_id")
	assert.Equal(t, -0.04, block.Data["magnitude"])

	assert.Equal(t, hash, block.CurrentHash)
	assert.Equal(t, c.RootHash(), hash)
	assert.True(t, c.VerifyIntegrity())
}

func TestChain_AddDefaults(t *testing.T) {
	c := newTestChain(t)

	_, err := c.Add(map[string]any{"event_type": "state_transition"})
	require.NoError(t, err)

	block, _ := c.Block(1)
	assert.Equal(t, "unknown", block.SessionID)
	assert.Equal(t, "unknown", block.Actor)
	assert.Equal(t, "unknown", block.Action)
	assert.Nil(t, block.Resource)
	assert.Empty(t, block.EventID)
}

func TestChain_AddMissingEventType(t *testing.T) {
	c := newTestChain(t)

	_, err := c.Add(map[string]any{"actor": "coordinator"})
	assert.ErrorIs(t, err, ErrMissingEventType)
	assert.Equal(t, 1, c.Len())

	_, err = c.Add(map[string]any{"event_type": ""})
	assert.ErrorIs(t, err, ErrMissingEventType)

	_, err = c.Add(map[string]any{"event_type": 42})
	assert.ErrorIs(t, err, ErrMissingEventType)
}

func TestChain_AddDoesNotMutateCallerMap(t *testing.T) {
	c := newTestChain(t)

	data := map[string]any{
		"event_type": "access_granted",
		"session_id": "s1",
		"detail":     "read",
	}
	_, err := c.Add(data)
	require.NoError(t, err)

	assert.Len(t, data, 3)
	assert.Equal(t, "access_granted", data["event_type"])
}

func TestChain_LinkageAfterManyAdds(t *testing.T) {
	c := newTestChain(t)

	const n = 25
	for i := 0; i < n; i++ {
		_, err := c.Add(map[string]any{
			"event_type": "heartbeat",
			"session_id": "s1",
			"seq":        i,
		})
		require.NoError(t, err)
	}

	require.Equal(t, n+1, c.Len())
	assert.True(t, c.VerifyIntegrity())

	blocks := c.Export()
	for i := 1; i < len(blocks); i++ {
		assert.Equal(t, blocks[i-1].CurrentHash, blocks[i].PreviousHash, "block %d linkage", i)
	}
	assert.Equal(t, blocks[len(blocks)-1].CurrentHash, c.RootHash())
}

func TestChain_TamperDetection(t *testing.T) {
	c := newTestChain(t)

	for i := 0; i < 3; i++ {
		_, err := c.Add(map[string]any{
			"event_type": "agent_completed",
			"session_id": "s1",
			"seq":        i,
		})
		require.NoError(t, err)
	}
	require.True(t, c.VerifyIntegrity())

	// Mutating stored block data must break verification
	c.blocks[1].Data["seq"] = 999
	assert.False(t, c.VerifyIntegrity())
}

func TestChain_TamperedFieldVariants(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(c *Chain)
	}{
		{name: "actor", tamper: func(c *Chain) { c.blocks[1].Actor = "intruder" }},
		{name: "action", tamper: func(c *Chain) { c.blocks[1].Action = "forged" }},
		{name: "event type", tamper: func(c *Chain) { c.blocks[1].EventType = "forged" }},
		{name: "session", tamper: func(c *Chain) { c.blocks[1].SessionID = "other" }},
		{name: "timestamp", tamper: func(c *Chain) { c.blocks[1].Timestamp = c.blocks[1].Timestamp.Add(time.Hour) }},
		{name: "previous hash", tamper: func(c *Chain) { c.blocks[2].PreviousHash = GenesisPreviousHash }},
		{name: "relinked hash", tamper: func(c *Chain) {
			c.blocks[1].Data["seq"] = 999
			c.blocks[1].CurrentHash, _ = c.blocks[1].computeHash()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestChain(t)
			for i := 0; i < 3; i++ {
				_, err := c.Add(map[string]any{"event_type": "heartbeat", "session_id": "s1", "seq": i})
				require.NoError(t, err)
			}
			require.True(t, c.VerifyIntegrity())

			tt.tamper(c)
			assert.False(t, c.VerifyIntegrity())
		})
	}
}

func TestChain_Queries(t *testing.T) {
	c := newTestChain(t)

	_, err := c.Add(map[string]any{"event_type": "session_created", "session_id": "alpha"})
	require.NoError(t, err)
	_, err = c.Add(map[string]any{"event_type": "permission_denied", "session_id": "beta"})
	require.NoError(t, err)
	_, err = c.Add(map[string]any{"event_type": "session_created", "session_id": "beta"})
	require.NoError(t, err)

	bySession := c.BlocksBySession("beta")
	require.Len(t, bySession, 2)
	assert.Equal(t, "permission_denied", bySession[0].EventType)
	assert.Equal(t, "session_created", bySession[1].EventType)

	byType := c.BlocksByEventType("session_created")
	require.Len(t, byType, 2)
	assert.Equal(t, "alpha", byType[0].SessionID)

	all := c.BlocksInRange(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	assert.Len(t, all, 4)

	none := c.BlocksInRange(time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))
	assert.Empty(t, none)
}

func TestChain_PersistAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.json")

	c, err := Open(Options{PersistPath: path}, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := c.Add(map[string]any{
			"event_type": "market_event_detected",
			"session_id": "s1",
			"seq":        i,
		})
		require.NoError(t, err)
	}
	want := c.Export()

	loaded, err := Load(path, Options{PersistPath: path}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 6, loaded.Len())
	assert.True(t, loaded.VerifyIntegrity())
	assert.Equal(t, c.RootHash(), loaded.RootHash())

	got := loaded.Export()
	for i := range want {
		assert.Equal(t, want[i].CurrentHash, got[i].CurrentHash, "block %d hash survives round trip", i)
		assert.Equal(t, want[i].PreviousHash, got[i].PreviousHash)
	}
}

func TestChain_OpenExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.json")

	first, err := Open(Options{PersistPath: path}, zerolog.Nop())
	require.NoError(t, err)
	_, err = first.Add(map[string]any{"event_type": "heartbeat", "session_id": "s1"})
	require.NoError(t, err)

	second, err := Open(Options{PersistPath: path}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Len())
	assert.Equal(t, first.RootHash(), second.RootHash())
}

func TestChain_LoadRejectsTamperedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.json")

	c, err := Open(Options{PersistPath: path}, zerolog.Nop())
	require.NoError(t, err)
	_, err = c.Add(map[string]any{"event_type": "heartbeat", "session_id": "s1", "seq": 1})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"seq": 1`, `"seq": 2`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	_, err = Load(path, Options{}, zerolog.Nop())
	require.Error(t, err)
	var integrityErr *IntegrityError
	assert.ErrorAs(t, err, &integrityErr)
}

func TestChain_LoadRejectsBadBlockCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.json")

	_, err := Open(Options{PersistPath: path}, zerolog.Nop())
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"block_count": 1`, `"block_count": 7`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	_, err = Load(path, Options{}, zerolog.Nop())
	var integrityErr *IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Contains(t, integrityErr.Reason, "block_count")
}

func TestChain_EmitsBusNotification(t *testing.T) {
	bus := events.NewBus()
	var notes []*events.Notification
	bus.Subscribe(events.NotificationChainAppended, func(n *events.Notification) {
		notes = append(notes, n)
	})

	c := New(Options{Bus: bus}, zerolog.Nop())
	hash, err := c.Add(map[string]any{"event_type": "access_granted", "session_id": "s1"})
	require.NoError(t, err)

	require.Len(t, notes, 1)
	assert.Equal(t, "chain", notes[0].Module)
	assert.Equal(t, 1, notes[0].Data["index"])
	assert.Equal(t, hash, notes[0].Data["hash"])
}
