package di

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/meridianfo/vigil/internal/access"
	"github.com/meridianfo/vigil/internal/chain"
	"github.com/meridianfo/vigil/internal/clientdata"
	"github.com/meridianfo/vigil/internal/clients/sectorfeed"
	"github.com/meridianfo/vigil/internal/config"
	"github.com/meridianfo/vigil/internal/database"
	"github.com/meridianfo/vigil/internal/events"
	"github.com/meridianfo/vigil/internal/gateway"
	"github.com/meridianfo/vigil/internal/metrics"
	"github.com/meridianfo/vigil/internal/modules/conflict"
	"github.com/meridianfo/vigil/internal/modules/coordinator"
	"github.com/meridianfo/vigil/internal/modules/drift"
	"github.com/meridianfo/vigil/internal/modules/scenario"
	"github.com/meridianfo/vigil/internal/modules/tax"
	"github.com/meridianfo/vigil/internal/modules/utility"
	"github.com/meridianfo/vigil/internal/reliability"
	"github.com/meridianfo/vigil/internal/routing"
	"github.com/meridianfo/vigil/internal/server"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
// 1. Open databases
// 2. Build core infrastructure (bus, metrics, chain, archive, stores)
// 3. Build services (access, agents, routing, gateway, edges)
// 4. Wire bus observers
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeCore(container, cfg, log); err != nil {
		container.CloseDatabases()
		return nil, fmt.Errorf("failed to initialize core: %w", err)
	}

	if err := InitializeServices(container, cfg, log); err != nil {
		container.CloseDatabases()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	wireObservers(container)

	log.Info().Msg("Dependency injection wiring completed")
	return container, nil
}

// InitializeDatabases opens the two SQLite databases the daemon uses.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// chain_archive.db - durable mirror of the audit chain
	archiveDB, err := database.New(database.Config{
		Path:    cfg.ArchivePath(),
		Profile: database.ProfileLedger,
		Name:    "chain_archive",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chain archive database: %w", err)
	}
	container.ArchiveDB = archiveDB

	// client_data.db - portfolio snapshots and transaction history
	clientDataDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "client_data.db"),
		Profile: database.ProfileCache,
		Name:    "client_data",
	})
	if err != nil {
		archiveDB.Close()
		return nil, fmt.Errorf("failed to initialize client data database: %w", err)
	}
	container.ClientDataDB = clientDataDB

	log.Info().Msg("All databases initialized")
	return container, nil
}

// InitializeCore builds the bus, metrics, audit chain, its archive mirror,
// and the client data store.
func InitializeCore(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	container.Bus = events.NewBus()
	container.Metrics = metrics.New()

	archive, err := chain.NewSQLiteArchive(container.ArchiveDB, log)
	if err != nil {
		return fmt.Errorf("failed to initialize chain archive: %w", err)
	}
	container.Archive = archive

	ch, err := chain.Open(chain.Options{
		PersistPath: cfg.ChainPath(),
		Archive:     archive,
		Bus:         container.Bus,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to open audit chain: %w", err)
	}
	container.Chain = ch

	// A fresh mirror, or one that missed appends, catches up here
	count, err := archive.Count()
	if err != nil {
		return fmt.Errorf("failed to count archived blocks: %w", err)
	}
	if count < ch.Len() {
		if err := archive.Sync(ch.Export()); err != nil {
			return fmt.Errorf("failed to sync chain archive: %w", err)
		}
		log.Info().Int("blocks", ch.Len()).Msg("Chain archive synchronized")
	}

	clientData, err := clientdata.NewRepository(container.ClientDataDB, log)
	if err != nil {
		return fmt.Errorf("failed to initialize client data store: %w", err)
	}
	container.ClientData = clientData

	return nil
}

// InitializeServices creates all services and stores them in the container.
// Services are created in dependency order.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	// ==========================================
	// STEP 1: Access control
	// ==========================================
	container.Sessions = access.NewRegistry(container.Chain, container.Bus, log)
	container.Gate = access.NewGate(container.Chain, cfg.RecordAccessGrants, log)

	// ==========================================
	// STEP 2: Threshold configuration
	// ==========================================
	routingCfg, err := config.LoadRoutingConfig(cfg.RoutingConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load routing config: %w", err)
	}
	scoringCfg, err := config.LoadScoringConfig(cfg.ScoringConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load scoring config: %w", err)
	}

	// ==========================================
	// STEP 3: Specialist agents and coordinator
	// ==========================================
	container.Drift = drift.New(log)
	container.Tax = tax.New(log)
	container.Conflicts = conflict.New(scoringCfg, log)
	container.Scenarios = scenario.New(log)
	container.Utility = utility.New(scoringCfg, log)
	container.Coordinator = coordinator.New(coordinator.Deps{
		Drift:     container.Drift,
		Tax:       container.Tax,
		Conflicts: container.Conflicts,
		Scenarios: container.Scenarios,
		Utility:   container.Utility,
		Chain:     container.Chain,
		Bus:       container.Bus,
		// Harvest findings surface while drift is still running
		PrefetchHarvest: true,
	}, log)
	log.Info().Msg("Analysis agents initialized")

	// ==========================================
	// STEP 4: Event flow
	// ==========================================
	container.Router = routing.New(routingCfg, container.ClientData, log)
	container.Gateway = gateway.New(gateway.Options{
		Chain:   container.Chain,
		Bus:     container.Bus,
		Metrics: container.Metrics,
	}, log)
	container.Scheduler = gateway.NewScheduler(container.Gateway, log)
	container.Pipeline = NewPipeline(container.Router, container.Coordinator, container.ClientData, container.Chain, container.Bus, container.Metrics, log)
	container.Pipeline.Register(container.Gateway)
	log.Info().Msg("Gateway and analysis pipeline initialized")

	// ==========================================
	// STEP 5: Sector feed (optional)
	// ==========================================
	if cfg.Feed.Enabled {
		container.Feed = sectorfeed.New(sectorfeed.Options{
			Config: sectorfeed.Config{
				URL:           cfg.Feed.URL,
				SessionID:     cfg.Feed.SessionID,
				WindowSize:    cfg.Feed.WindowSize,
				MinMagnitude:  cfg.Feed.MinMagnitude,
				SubmitRate:    feedRate(cfg.Feed.EventsPerMin),
				ReconnectBase: time.Duration(cfg.Feed.ReconnectSecs) * time.Second,
			},
			Submit:  container.Gateway,
			Bus:     container.Bus,
			Metrics: container.Metrics,
		}, log)
		log.Info().Str("url", cfg.Feed.URL).Msg("Sector feed client initialized")
	}

	// ==========================================
	// STEP 6: Reliability jobs
	// ==========================================
	if cfg.Backup.Enabled {
		store, err := reliability.NewR2Client(
			cfg.Backup.AccountID,
			cfg.Backup.AccessKeyID,
			cfg.Backup.AccessKeySecret,
			cfg.Backup.Bucket,
			log,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize backup storage: %w", err)
		}
		container.Backup = reliability.NewR2BackupService(reliability.Options{
			Store:   store,
			Chain:   container.Chain,
			Bus:     container.Bus,
			Metrics: container.Metrics,
			DataDir: cfg.DataDir,
		}, log)
		log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Chain snapshot backups enabled")
	}
	container.Maintenance = reliability.NewMaintenanceJob(container.Chain, container.ArchiveDB, container.Archive, cfg.DataDir, log)
	container.Cleanup = clientdata.NewCleanupJob(container.ClientData, 0, log)

	// ==========================================
	// STEP 7: Ops HTTP server
	// ==========================================
	var feedStatus server.FeedStatus
	if container.Feed != nil {
		feedStatus = container.Feed
	}
	container.Server = server.New(server.Options{
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Chain:   container.Chain,
		Gateway: container.Gateway,
		Bus:     container.Bus,
		Metrics: container.Metrics,
		Feed:    feedStatus,
	}, log)

	return nil
}

// wireObservers connects bus notifications to the prometheus collectors.
func wireObservers(container *Container) {
	container.Metrics.ChainBlocks.Set(float64(container.Chain.Len()))
	container.Bus.Subscribe(events.NotificationChainAppended, func(*events.Notification) {
		container.Metrics.ChainBlocks.Set(float64(container.Chain.Len()))
	})
}

// feedRate converts an events-per-minute budget to a limiter rate. Zero or
// negative budgets fall back to the feed's default.
func feedRate(perMin int) rate.Limit {
	if perMin <= 0 {
		return 0
	}
	return rate.Every(time.Minute / time.Duration(perMin))
}
