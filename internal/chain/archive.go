package chain

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/database"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS chain_blocks (
	block_index   INTEGER PRIMARY KEY,
	event_id      TEXT NOT NULL DEFAULT '',
	timestamp     TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	actor         TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource      TEXT,
	data          TEXT NOT NULL DEFAULT '{}',
	previous_hash TEXT NOT NULL,
	current_hash  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chain_blocks_session ON chain_blocks(session_id);
CREATE INDEX IF NOT EXISTS idx_chain_blocks_event_type ON chain_blocks(event_type);
`

// SQLiteArchive mirrors chain blocks into a ledger-profile SQLite database.
// The JSON chain file stays canonical; the archive exists for durable,
// queryable history.
type SQLiteArchive struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSQLiteArchive prepares the archive schema on the given database
func NewSQLiteArchive(db *database.DB, log zerolog.Logger) (*SQLiteArchive, error) {
	if _, err := db.Exec(archiveSchema); err != nil {
		return nil, fmt.Errorf("failed to create archive schema: %w", err)
	}
	return &SQLiteArchive{
		db:  db,
		log: log.With().Str("component", "chain_archive").Logger(),
	}, nil
}

// AppendBlock mirrors one block. Re-appending an existing index is a no-op,
// which keeps restarts idempotent.
func (a *SQLiteArchive) AppendBlock(b Block) error {
	data, err := json.Marshal(b.Data)
	if err != nil {
		return fmt.Errorf("failed to serialize block data: %w", err)
	}

	var resource sql.NullString
	if b.Resource != nil {
		resource = sql.NullString{String: *b.Resource, Valid: true}
	}

	_, err = a.db.Exec(`
		INSERT OR IGNORE INTO chain_blocks
			(block_index, event_id, timestamp, event_type, session_id, actor, action, resource, data, previous_hash, current_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Index,
		b.EventID,
		b.Timestamp.UTC().Format(time.RFC3339Nano),
		b.EventType,
		b.SessionID,
		b.Actor,
		b.Action,
		resource,
		string(data),
		b.PreviousHash,
		b.CurrentHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert block %d: %w", b.Index, err)
	}
	return nil
}

// Sync backfills every missing block, typically right after the chain is
// opened so the mirror includes genesis and anything appended while the
// archive was unavailable.
func (a *SQLiteArchive) Sync(blocks []Block) error {
	for i := range blocks {
		if err := a.AppendBlock(blocks[i]); err != nil {
			return err
		}
	}
	a.log.Debug().Int("blocks", len(blocks)).Msg("Archive synced")
	return nil
}

// Count returns the number of mirrored blocks
func (a *SQLiteArchive) Count() (int, error) {
	var count int
	if err := a.db.QueryRow("SELECT COUNT(*) FROM chain_blocks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count archive blocks: %w", err)
	}
	return count, nil
}

// Blocks returns all mirrored blocks ordered by index
func (a *SQLiteArchive) Blocks() ([]Block, error) {
	rows, err := a.db.Query(`
		SELECT block_index, event_id, timestamp, event_type, session_id, actor, action, resource, data, previous_hash, current_hash
		FROM chain_blocks ORDER BY block_index`)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var (
			b        Block
			ts       string
			resource sql.NullString
			data     string
		)
		if err := rows.Scan(&b.Index, &b.EventID, &ts, &b.EventType, &b.SessionID, &b.Actor, &b.Action, &resource, &data, &b.PreviousHash, &b.CurrentHash); err != nil {
			return nil, fmt.Errorf("failed to scan archive block: %w", err)
		}
		b.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse block %d timestamp: %w", b.Index, err)
		}
		if resource.Valid {
			b.Resource = &resource.String
		}
		if err := json.Unmarshal([]byte(data), &b.Data); err != nil {
			return nil, fmt.Errorf("failed to parse block %d data: %w", b.Index, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}
