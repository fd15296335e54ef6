package di

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/chain"
	"github.com/meridianfo/vigil/internal/clientdata"
	"github.com/meridianfo/vigil/internal/domain"
	"github.com/meridianfo/vigil/internal/events"
	"github.com/meridianfo/vigil/internal/gateway"
	"github.com/meridianfo/vigil/internal/lifecycle"
	"github.com/meridianfo/vigil/internal/metrics"
	"github.com/meridianfo/vigil/internal/modules/coordinator"
	"github.com/meridianfo/vigil/internal/routing"
)

// Pipeline bridges the gateway to routing and analysis. For every dequeued
// event it resolves the portfolios in play, asks the router whether each one
// warrants work, and runs a full coordinator pass over those that do. Each
// session's progress through a pass is tracked by a state machine whose
// transitions land on the audit chain.
type Pipeline struct {
	router      *routing.Router
	coordinator *coordinator.Coordinator
	store       *clientdata.Repository
	chain       *chain.Chain
	bus         *events.Bus
	metrics     *metrics.Metrics
	log         zerolog.Logger

	mu       sync.Mutex
	machines map[string]*lifecycle.Machine
}

// NewPipeline creates the pipeline. Metrics may be nil. When a bus is given,
// session expiry notifications release that session's state machine.
func NewPipeline(router *routing.Router, coord *coordinator.Coordinator, store *clientdata.Repository, auditChain *chain.Chain, bus *events.Bus, m *metrics.Metrics, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		router:      router,
		coordinator: coord,
		store:       store,
		chain:       auditChain,
		bus:         bus,
		metrics:     m,
		log:         log.With().Str("component", "pipeline").Logger(),
		machines:    make(map[string]*lifecycle.Machine),
	}
	if bus != nil {
		bus.Subscribe(events.NotificationSessionExpired, func(n *events.Notification) {
			if id, ok := n.Data["session_id"].(string); ok {
				p.release(id)
			}
		})
	}
	return p
}

// Register subscribes the pipeline to every event type the router knows how
// to place. Agent messages stay unregistered; the coordinator drives the
// specialists directly rather than over the queue.
func (p *Pipeline) Register(gw *gateway.Gateway) {
	for _, t := range []events.Type{
		events.TypeMarketEvent,
		events.TypeHeartbeat,
		events.TypeCronJob,
		events.TypeWebhook,
	} {
		gw.RegisterHandler(t, p.Handle)
	}
}

// machine returns the session's state machine, creating it on first use.
// Creation logs the initialize transition.
func (p *Pipeline) machine(sessionID string) *lifecycle.Machine {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.machines[sessionID]
	if !ok {
		m = lifecycle.New(sessionID, p.chain, lifecycle.Options{Bus: p.bus}, p.log)
		p.machines[sessionID] = m
	}
	return m
}

func (p *Pipeline) release(sessionID string) {
	p.mu.Lock()
	delete(p.machines, sessionID)
	p.mu.Unlock()
}

// Handle processes one dequeued event, driving the session's state machine
// from monitor through the pass and back. Per-portfolio failures are
// collected rather than aborting the fan-out, so one broken snapshot cannot
// starve the rest; the joined error still lands on the audit chain via the
// gateway.
func (p *Pipeline) Handle(ctx context.Context, event events.Event) error {
	meta := event.Meta()
	m := p.machine(meta.SessionID)

	detectMeta := map[string]any{
		"event_id":   meta.EventID,
		"event_type": string(event.Kind()),
	}
	if _, err := m.Fire(lifecycle.TriggerDetectEvent, detectMeta); err != nil {
		// A pass that never finished leaves the machine off monitor.
		// Recover instead of dropping the event.
		if resetErr := m.ResetToMonitor("previous pass did not finish"); resetErr != nil {
			return resetErr
		}
		if _, err := m.Fire(lifecycle.TriggerDetectEvent, detectMeta); err != nil {
			return err
		}
	}

	ids, err := p.candidates(event)
	if err != nil {
		_ = m.ResetToMonitor("portfolio resolution failed")
		return fmt.Errorf("failed to resolve portfolios: %w", err)
	}

	// Route first so the analysis phase starts with a known scope.
	type target struct {
		id       string
		decision routing.Decision
	}
	var targets []target
	for _, id := range ids {
		decision := p.router.Route(ctx, event, id)
		if !decision.ShouldProcess {
			p.log.Debug().
				Str("portfolio_id", id).
				Str("event_type", string(event.Kind())).
				Str("reasoning", decision.Reasoning).
				Msg("Routing skipped portfolio")
			continue
		}
		targets = append(targets, target{id: id, decision: decision})
	}
	if len(targets) == 0 {
		_ = m.ResetToMonitor("no portfolio met routing thresholds")
		return nil
	}

	if _, err := m.Fire(lifecycle.TriggerStartAnalysis, map[string]any{
		"portfolios": len(targets),
	}); err != nil {
		return err
	}

	var errs []error
	var conflicts, completed int
	for _, t := range targets {
		out, err := p.analyze(ctx, event, t.id, t.decision)
		if err != nil {
			p.log.Error().
				Err(err).
				Str("portfolio_id", t.id).
				Str("event_id", meta.EventID).
				Msg("Analysis failed")
			errs = append(errs, fmt.Errorf("portfolio %s: %w", t.id, err))
			continue
		}
		completed++
		conflicts += len(out.ConflictsDetected)
	}

	if completed == 0 {
		_ = m.ResetToMonitor("analysis failed")
		return errors.Join(errs...)
	}

	// Conflicts are resolved within the pass: the scenario ranking already
	// weighs both sides, so resolution follows detection immediately.
	if conflicts > 0 {
		if _, err := m.Fire(lifecycle.TriggerDetectConflict, map[string]any{"conflicts": conflicts}); err != nil {
			return err
		}
		if _, err := m.Fire(lifecycle.TriggerResolveConflict, nil); err != nil {
			return err
		}
	} else {
		if _, err := m.Fire(lifecycle.TriggerNoConflict, nil); err != nil {
			return err
		}
	}

	// Vigil advises, it does not execute. The pass parks the session back in
	// monitor once the recommendations are on the chain.
	_ = m.ResetToMonitor("recommendations recorded")

	return errors.Join(errs...)
}

// candidates resolves which portfolios an event concerns. Heartbeats name
// their targets; everything else fans out over all stored portfolios.
func (p *Pipeline) candidates(event events.Event) ([]string, error) {
	if hb, ok := event.(*events.Heartbeat); ok && len(hb.PortfolioIDs) > 0 {
		return hb.PortfolioIDs, nil
	}
	return p.store.PortfolioIDs()
}

func (p *Pipeline) analyze(ctx context.Context, event events.Event, portfolioID string, decision routing.Decision) (*domain.CoordinatorOutput, error) {
	pf, err := p.store.Portfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	txs, err := p.store.Transactions(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := p.coordinator.Execute(ctx, coordinator.Request{
		SessionID:    event.Meta().SessionID,
		TriggerEvent: string(event.Kind()),
		Portfolio:    pf,
		Transactions: txs,
		Context:      decision.ContextAdditions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run analysis: %w", err)
	}

	if p.metrics != nil {
		p.metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	}

	p.log.Info().
		Str("portfolio_id", portfolioID).
		Str("event_id", event.Meta().EventID).
		Strs("agents", decision.AgentsRequired).
		Int("scenarios", len(out.Scenarios)).
		Str("recommended", out.RecommendedScenarioID).
		Dur("duration", time.Since(start)).
		Msg("Analysis completed")
	return out, nil
}
