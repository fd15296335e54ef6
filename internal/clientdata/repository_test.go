package clientdata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfo/vigil/internal/database"
	"github.com/meridianfo/vigil/internal/domain"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "client_data.db"),
		Profile: database.ProfileCache,
		Name:    "client_data",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	return repo
}

func snapshotPortfolio(id string) *domain.Portfolio {
	return &domain.Portfolio{
		PortfolioID: id,
		ClientID:    "client_001",
		Name:        "Growth Portfolio",
		AUMUSD:      2_500_000,
		Holdings: []domain.Holding{
			{
				Ticker:          "NVDA",
				Sector:          "Technology",
				AssetClass:      domain.AssetClassUSEquities,
				Quantity:        1000,
				CurrentPrice:    500,
				MarketValue:     500_000,
				PortfolioWeight: 0.20,
				CostBasis:       300_000,
			},
		},
		ClientProfile: domain.ClientProfile{
			ClientID:      "client_001",
			RiskTolerance: domain.RiskToleranceModerateGrowth,
		},
	}
}

func executedTransaction(id, portfolioID string, ts time.Time) domain.Transaction {
	return domain.Transaction{
		ID:          id,
		PortfolioID: portfolioID,
		Ticker:      "NVDA",
		Action:      domain.TradeActionSell,
		Quantity:    100,
		Price:       480,
		Timestamp:   ts,
	}
}

func TestSaveAndLoadPortfolio(t *testing.T) {
	repo := setupRepo(t)

	require.NoError(t, repo.SavePortfolio(snapshotPortfolio("port_001")))

	p, err := repo.Portfolio(context.Background(), "port_001")
	require.NoError(t, err)
	assert.Equal(t, "port_001", p.PortfolioID)
	assert.Equal(t, "client_001", p.ClientID)
	require.Len(t, p.Holdings, 1)
	assert.Equal(t, "NVDA", p.Holdings[0].Ticker)
	assert.Equal(t, domain.RiskToleranceModerateGrowth, p.ClientProfile.RiskTolerance)
}

func TestSavePortfolio_Upsert(t *testing.T) {
	repo := setupRepo(t)

	first := snapshotPortfolio("port_001")
	require.NoError(t, repo.SavePortfolio(first))

	second := snapshotPortfolio("port_001")
	second.AUMUSD = 3_000_000
	require.NoError(t, repo.SavePortfolio(second))

	p, err := repo.Portfolio(context.Background(), "port_001")
	require.NoError(t, err)
	assert.Equal(t, 3_000_000.0, p.AUMUSD)

	ids, err := repo.PortfolioIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"port_001"}, ids)
}

func TestSavePortfolio_RejectsInvalid(t *testing.T) {
	repo := setupRepo(t)

	assert.Error(t, repo.SavePortfolio(nil))
	assert.Error(t, repo.SavePortfolio(&domain.Portfolio{}))
}

func TestPortfolio_NotFound(t *testing.T) {
	repo := setupRepo(t)

	_, err := repo.Portfolio(context.Background(), "port_missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "port_missing")
}

func TestPortfolioIDs_Ordered(t *testing.T) {
	repo := setupRepo(t)

	for _, id := range []string{"port_003", "port_001", "port_002"} {
		require.NoError(t, repo.SavePortfolio(snapshotPortfolio(id)))
	}

	ids, err := repo.PortfolioIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"port_001", "port_002", "port_003"}, ids)
}

func TestAppendAndLoadTransactions(t *testing.T) {
	repo := setupRepo(t)
	now := time.Now().UTC().Truncate(time.Second)

	txs := []domain.Transaction{
		executedTransaction("tx_002", "port_001", now),
		executedTransaction("tx_001", "port_001", now.Add(-48*time.Hour)),
	}
	require.NoError(t, repo.AppendTransactions("port_001", txs))

	got, err := repo.Transactions(context.Background(), "port_001")
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Oldest first regardless of insert order
	assert.Equal(t, "tx_001", got[0].ID)
	assert.Equal(t, "tx_002", got[1].ID)
	assert.Equal(t, domain.TradeActionSell, got[0].Action)
}

func TestAppendTransactions_ReplayIsIdempotent(t *testing.T) {
	repo := setupRepo(t)
	now := time.Now().UTC()

	batch := []domain.Transaction{executedTransaction("tx_001", "port_001", now)}
	require.NoError(t, repo.AppendTransactions("port_001", batch))
	require.NoError(t, repo.AppendTransactions("port_001", batch))

	got, err := repo.Transactions(context.Background(), "port_001")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestTransactions_EmptyHistory(t *testing.T) {
	repo := setupRepo(t)

	got, err := repo.Transactions(context.Background(), "port_unknown")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeletePortfolio_RemovesHistory(t *testing.T) {
	repo := setupRepo(t)
	now := time.Now().UTC()

	require.NoError(t, repo.SavePortfolio(snapshotPortfolio("port_001")))
	require.NoError(t, repo.AppendTransactions("port_001",
		[]domain.Transaction{executedTransaction("tx_001", "port_001", now)}))

	require.NoError(t, repo.DeletePortfolio("port_001"))

	_, err := repo.Portfolio(context.Background(), "port_001")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := repo.Transactions(context.Background(), "port_001")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteTransactionsBefore(t *testing.T) {
	repo := setupRepo(t)
	now := time.Now().UTC()

	require.NoError(t, repo.AppendTransactions("port_001", []domain.Transaction{
		executedTransaction("tx_old", "port_001", now.Add(-500*24*time.Hour)),
		executedTransaction("tx_recent", "port_001", now.Add(-time.Hour)),
	}))

	deleted, err := repo.DeleteTransactionsBefore(now.Add(-DefaultRetention))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	got, err := repo.Transactions(context.Background(), "port_001")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tx_recent", got[0].ID)
}
