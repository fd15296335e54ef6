// Package coordinator orchestrates one full analysis pass: drift, tax,
// conflicts, scenarios, scoring, and the audit record.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/meridianfo/vigil/internal/chain"
	"github.com/meridianfo/vigil/internal/domain"
	"github.com/meridianfo/vigil/internal/events"
	"github.com/meridianfo/vigil/internal/modules/conflict"
	"github.com/meridianfo/vigil/internal/modules/drift"
	"github.com/meridianfo/vigil/internal/modules/scenario"
	"github.com/meridianfo/vigil/internal/modules/tax"
	"github.com/meridianfo/vigil/internal/modules/utility"
)

// moduleName labels coordinator notifications on the bus.
const moduleName = "coordinator"

// ErrNilPortfolio is returned when Execute is called without a portfolio.
var ErrNilPortfolio = errors.New("portfolio is required")

// Request carries everything one analysis pass needs.
type Request struct {
	SessionID    string
	TriggerEvent string
	Portfolio    *domain.Portfolio
	Transactions []domain.Transaction
	Context      map[string]any
}

// Deps wires the coordinator to the specialist agents and infrastructure.
// Chain is required; Bus may be nil when nothing listens for progress.
type Deps struct {
	Drift     *drift.Analyzer
	Tax       *tax.Analyzer
	Conflicts *conflict.Detector
	Scenarios *scenario.Generator
	Utility   *utility.Scorer
	Chain     *chain.Chain
	Bus       *events.Bus

	// PrefetchHarvest runs a trade-free tax pass alongside drift so harvest
	// findings surface before the full pass. The full pass still runs once
	// drift's trades are known and remains the authoritative result.
	PrefetchHarvest bool
}

// Coordinator runs the specialist agents in order, cross-checks their
// findings, ranks the resulting scenarios, and writes a single audit block
// per analysis.
type Coordinator struct {
	deps Deps
	log  zerolog.Logger
}

// New creates a coordinator from its wired dependencies.
func New(deps Deps, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		deps: deps,
		log:  log.With().Str("component", "coordinator").Logger(),
	}
}

// Execute performs one analysis pass over a portfolio snapshot. The returned
// output carries the ranked scenarios best-first, and its MerkleHash is the
// hash of the audit block this pass appended.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*domain.CoordinatorOutput, error) {
	if req.Portfolio == nil {
		return nil, ErrNilPortfolio
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	portfolioID := req.Portfolio.PortfolioID

	c.notify(events.NotificationAnalysisStarted, map[string]any{
		"session_id":    req.SessionID,
		"portfolio_id":  portfolioID,
		"trigger_event": req.TriggerEvent,
	})

	driftReport, taxReport, err := c.runAgents(ctx, req)
	if err != nil {
		return nil, err
	}

	c.notify(events.NotificationAgentsCompleted, map[string]any{
		"portfolio_id":         portfolioID,
		"drift_detected":       driftReport.DriftDetected,
		"recommended_trades":   len(driftReport.RecommendedTrades),
		"wash_sale_violations": len(taxReport.WashSaleViolations),
		"tax_opportunities":    len(taxReport.TaxOpportunities),
	})

	conflicts := c.deps.Conflicts.Detect(driftReport, taxReport, req.Portfolio)
	c.notify(events.NotificationConflictsDetected, map[string]any{
		"portfolio_id": portfolioID,
		"conflicts":    len(conflicts),
	})

	scenarios := c.deps.Scenarios.Generate(driftReport, taxReport, conflicts, req.Portfolio)
	weights := utility.WeightsForProfile(req.Portfolio.ClientProfile.RiskTolerance)
	ranked := c.deps.Utility.Rank(scenarios, req.Portfolio, weights)
	attachAndSort(scenarios, ranked)

	var recommendedID string
	if len(scenarios) > 0 {
		recommendedID = scenarios[0].ScenarioID
	}

	c.notify(events.NotificationScenariosRanked, map[string]any{
		"portfolio_id":            portfolioID,
		"scenarios":               len(scenarios),
		"recommended_scenario_id": recommendedID,
	})

	hash, err := c.deps.Chain.Add(map[string]any{
		"event_type":              "agent_completed",
		"session_id":              req.SessionID,
		"actor":                   "coordinator",
		"action":                  "analysis_complete",
		"resource":                portfolioID,
		"trigger_event":           req.TriggerEvent,
		"recommended_trades":      len(driftReport.RecommendedTrades),
		"wash_sale_violations":    len(taxReport.WashSaleViolations),
		"conflicts_detected":      len(conflicts),
		"scenarios_generated":     len(scenarios),
		"recommended_scenario_id": recommendedID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record analysis: %w", err)
	}

	out := &domain.CoordinatorOutput{
		Timestamp:             time.Now().UTC(),
		PortfolioID:           portfolioID,
		TriggerEvent:          req.TriggerEvent,
		DriftFindings:         driftReport,
		TaxFindings:           taxReport,
		ConflictsDetected:     conflicts,
		Scenarios:             scenarios,
		RecommendedScenarioID: recommendedID,
		MerkleHash:            hash,
	}

	c.notify(events.NotificationAnalysisCompleted, map[string]any{
		"portfolio_id":            portfolioID,
		"recommended_scenario_id": recommendedID,
		"duration_ms":             time.Since(start).Milliseconds(),
	})

	c.log.Info().
		Str("portfolio_id", portfolioID).
		Str("trigger_event", req.TriggerEvent).
		Int("conflicts", len(conflicts)).
		Int("scenarios", len(scenarios)).
		Str("recommended_scenario_id", recommendedID).
		Dur("elapsed", time.Since(start)).
		Msg("Analysis pass completed")

	return out, nil
}

// runAgents produces the drift and tax reports. Tax needs drift's proposed
// trades, so the default path is sequential; with PrefetchHarvest a
// trade-free tax pass runs alongside drift and only its early findings are
// reported, never its result.
func (c *Coordinator) runAgents(ctx context.Context, req Request) (*domain.DriftReport, *domain.TaxReport, error) {
	if !c.deps.PrefetchHarvest {
		driftReport := c.deps.Drift.Analyze(req.Portfolio, req.Context)
		taxReport := c.deps.Tax.Analyze(req.Portfolio, req.Transactions, driftReport.RecommendedTrades, req.Context)
		return driftReport, taxReport, nil
	}

	var driftReport *domain.DriftReport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return err
		}
		driftReport = c.deps.Drift.Analyze(req.Portfolio, req.Context)
		return nil
	})
	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return err
		}
		prefetch := c.deps.Tax.Analyze(req.Portfolio, req.Transactions, nil, req.Context)
		c.log.Debug().
			Str("portfolio_id", req.Portfolio.PortfolioID).
			Int("harvest_opportunities", len(prefetch.TaxOpportunities)).
			Msg("Harvest prefetch completed")
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	taxReport := c.deps.Tax.Analyze(req.Portfolio, req.Transactions, driftReport.RecommendedTrades, req.Context)
	return driftReport, taxReport, nil
}

func (c *Coordinator) notify(t events.NotificationType, data map[string]any) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Emit(t, moduleName, data)
}

// attachAndSort copies each ranked score onto its scenario and reorders the
// slice best-first. Ranks are unique, so the sort is total.
func attachAndSort(scenarios []domain.Scenario, ranked []domain.UtilityScore) {
	byID := make(map[string]domain.UtilityScore, len(ranked))
	for _, score := range ranked {
		byID[score.ScenarioID] = score
	}
	for i := range scenarios {
		if score, ok := byID[scenarios[i].ScenarioID]; ok {
			attached := score
			scenarios[i].UtilityScore = &attached
		}
	}
	sort.SliceStable(scenarios, func(i, j int) bool {
		return scenarios[i].UtilityScore.Rank < scenarios[j].UtilityScore.Rank
	})
}
