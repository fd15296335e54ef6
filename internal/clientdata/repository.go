// Package clientdata stores client portfolio snapshots and transaction
// history as JSON documents in SQLite. Routing reads snapshots from here to
// make processing decisions; the analysis pipeline reads both.
package clientdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/database"
	"github.com/meridianfo/vigil/internal/domain"
)

// ErrNotFound is returned when a portfolio id has no stored snapshot.
var ErrNotFound = errors.New("portfolio not found")

const schema = `
CREATE TABLE IF NOT EXISTS portfolios (
	portfolio_id TEXT PRIMARY KEY,
	data         TEXT NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	tx_id        TEXT NOT NULL UNIQUE,
	portfolio_id TEXT NOT NULL,
	data         TEXT NOT NULL,
	executed_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_portfolio
	ON transactions(portfolio_id, executed_at);
CREATE INDEX IF NOT EXISTS idx_transactions_executed
	ON transactions(executed_at);
`

// Repository provides snapshot and transaction storage over a cache-profile
// database. It satisfies routing's portfolio source contract.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository opens the repository and ensures its schema exists.
func NewRepository(db *database.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create client data schema: %w", err)
	}
	return &Repository{
		db:  db,
		log: log.With().Str("component", "clientdata").Logger(),
	}, nil
}

// SavePortfolio upserts one portfolio snapshot keyed by its id.
func (r *Repository) SavePortfolio(p *domain.Portfolio) error {
	if p == nil {
		return fmt.Errorf("portfolio is required")
	}
	if p.PortfolioID == "" {
		return fmt.Errorf("portfolio id is required")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal portfolio %s: %w", p.PortfolioID, err)
	}

	_, err = r.db.Exec(
		"INSERT OR REPLACE INTO portfolios (portfolio_id, data, updated_at) VALUES (?, ?, ?)",
		p.PortfolioID, string(data), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store portfolio %s: %w", p.PortfolioID, err)
	}

	r.log.Debug().Str("portfolio_id", p.PortfolioID).Msg("Portfolio snapshot stored")
	return nil
}

// Portfolio loads one snapshot by id. Unknown ids return ErrNotFound.
func (r *Repository) Portfolio(ctx context.Context, id string) (*domain.Portfolio, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		"SELECT data FROM portfolios WHERE portfolio_id = ?", id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio %s: %w", id, err)
	}

	var p domain.Portfolio
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to parse portfolio %s: %w", id, err)
	}
	return &p, nil
}

// PortfolioIDs lists every stored portfolio id in lexical order.
func (r *Repository) PortfolioIDs() ([]string, error) {
	rows, err := r.db.Query("SELECT portfolio_id FROM portfolios ORDER BY portfolio_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	return ids, nil
}

// DeletePortfolio removes a snapshot and its transaction history.
func (r *Repository) DeletePortfolio(id string) error {
	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM portfolios WHERE portfolio_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete portfolio %s: %w", id, err)
		}
		if _, err := tx.Exec("DELETE FROM transactions WHERE portfolio_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete transactions for %s: %w", id, err)
		}
		return nil
	})
}

// AppendTransactions records executed transactions for a portfolio. Records
// already present (same transaction id) are skipped, so ingestion may replay
// overlapping batches.
func (r *Repository) AppendTransactions(portfolioID string, txs []domain.Transaction) error {
	if portfolioID == "" {
		return fmt.Errorf("portfolio id is required")
	}
	if len(txs) == 0 {
		return nil
	}

	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			"INSERT OR IGNORE INTO transactions (tx_id, portfolio_id, data, executed_at) VALUES (?, ?, ?, ?)",
		)
		if err != nil {
			return fmt.Errorf("failed to prepare transaction insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range txs {
			if t.ID == "" {
				return fmt.Errorf("transaction for %s has no id", portfolioID)
			}
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("failed to marshal transaction %s: %w", t.ID, err)
			}
			if _, err := stmt.Exec(t.ID, portfolioID, string(data), t.Timestamp.Unix()); err != nil {
				return fmt.Errorf("failed to store transaction %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

// Transactions returns a portfolio's history oldest first. A portfolio with
// no recorded history yields an empty slice.
func (r *Repository) Transactions(ctx context.Context, portfolioID string) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT data FROM transactions WHERE portfolio_id = ? ORDER BY executed_at, id", portfolioID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions for %s: %w", portfolioID, err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		var t domain.Transaction
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to parse transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load transactions for %s: %w", portfolioID, err)
	}
	return txs, nil
}

// DeleteTransactionsBefore drops history older than the cutoff and reports
// how many rows went away.
func (r *Repository) DeleteTransactionsBefore(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec("DELETE FROM transactions WHERE executed_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune transactions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned transactions: %w", err)
	}
	return deleted, nil
}
