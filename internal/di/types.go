// Package di wires the daemon's dependencies into a single container.
//
// The Container is the single source of truth for all service instances.
// It is created by Wire() and handed to cmd/server, which only starts and
// stops what the container already assembled.
package di

import (
	"github.com/meridianfo/vigil/internal/access"
	"github.com/meridianfo/vigil/internal/chain"
	"github.com/meridianfo/vigil/internal/clientdata"
	"github.com/meridianfo/vigil/internal/clients/sectorfeed"
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

// Container holds all dependencies for the daemon.
//
// Layers:
// - Databases: chain_archive.db (ledger profile) and client_data.db (cache profile)
// - Core: event bus, prometheus registry, the audit chain and its SQLite mirror
// - Stores: client portfolio snapshots and transaction history
// - Access: session registry and the permission gate
// - Analysis: the specialist agents and the coordinator that runs them
// - Event flow: persona router, gateway queues, cron/heartbeat scheduler, pipeline
// - Edges: sector feed client, ops HTTP server
// - Reliability: chain snapshot backup and the daily maintenance/cleanup jobs
type Container struct {
	// Databases
	ArchiveDB    *database.DB
	ClientDataDB *database.DB

	// Core infrastructure
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Chain   *chain.Chain
	Archive *chain.SQLiteArchive

	// Stores
	ClientData *clientdata.Repository

	// Access control
	Sessions *access.Registry
	Gate     *access.Gate

	// Analysis agents
	Drift       *drift.Analyzer
	Tax         *tax.Analyzer
	Conflicts   *conflict.Detector
	Scenarios   *scenario.Generator
	Utility     *utility.Scorer
	Coordinator *coordinator.Coordinator

	// Event flow
	Router    *routing.Router
	Gateway   *gateway.Gateway
	Scheduler *gateway.Scheduler
	Pipeline  *Pipeline

	// Edges
	Feed   *sectorfeed.Feed // nil when the feed is disabled
	Server *server.Server

	// Reliability jobs
	Backup      *reliability.R2BackupService // nil when backup is disabled
	Maintenance *reliability.MaintenanceJob
	Cleanup     *clientdata.CleanupJob
}

// CloseDatabases closes every database the container opened. Safe to call
// with partially initialized containers.
func (c *Container) CloseDatabases() {
	if c.ArchiveDB != nil {
		c.ArchiveDB.Close()
	}
	if c.ClientDataDB != nil {
		c.ClientDataDB.Close()
	}
}
